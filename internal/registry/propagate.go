package registry

import (
	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// userMessage frames a daemon->producer message
func userMessage(id uint32, body []byte) []byte {
	return append(protocol.MarshalUserHeader(id), body...)
}

// SendLogLevel pushes the effective log level and trace status to the
// producer owning the context.
func (r *Registry) SendLogLevel(ctx *Context) error {
	if ctx == nil {
		return ErrInvalidInput
	}
	if ctx.UserHandle == InvalidHandle {
		return ErrNotFound
	}
	body := protocol.MarshalUserLogLevel(&protocol.UserLogLevel{
		LogLevel:    uint8(r.ResolveLogLevel(ctx)),
		TraceStatus: uint8(r.ResolveTraceStatus(ctx)),
		LogLevelPos: ctx.LogLevelPos,
	})
	err := r.WriteUser(ctx.UserHandle, userMessage(protocol.MCT_USER_MESSAGE_LOG_LEVEL, body))
	if err != nil {
		logging.Warnf("cannot send log level to ApID '%s' CtID '%s': %v", ctx.Apid, ctx.Ctid, err)
	}
	return err
}

// SendLogState pushes the client-connection state to one application so the
// producer can gate message emission.
func (r *Registry) SendLogState(app *Application, state int8) error {
	if app == nil {
		return ErrInvalidInput
	}
	if app.UserHandle == InvalidHandle {
		return ErrNotFound
	}
	body := protocol.MarshalUserLogState(&protocol.UserLogState{LogState: state})
	return r.WriteUser(app.UserHandle, userMessage(protocol.MCT_USER_MESSAGE_LOG_STATE, body))
}

// SendAllLogState pushes the connection state to every application
func (r *Registry) SendAllLogState(state int8) {
	for _, list := range r.lists {
		for _, app := range list.Applications {
			if app.UserHandle == InvalidHandle {
				continue
			}
			if err := r.SendLogState(app, state); err != nil {
				logging.Warnf("cannot send log state to ApID '%s': %v", app.Apid, err)
			}
		}
	}
}

// SendDefaultUpdate re-pushes levels to every context registered with
// DEFAULT log level or trace status; called after a daemon default changes.
func (r *Registry) SendDefaultUpdate() {
	for _, list := range r.lists {
		list.EachContext(func(_ *Application, ctx *Context) bool {
			if ctx.UserHandle == InvalidHandle {
				return true
			}
			if ctx.LogLevel == protocol.MCT_LOG_DEFAULT || ctx.TraceStatus == protocol.MCT_TRACE_STATUS_DEFAULT {
				_ = r.SendLogLevel(ctx)
			}
			return true
		})
	}
}

// SendAllLogLevelUpdate overrides the log level of every context. DEFAULT
// resets contexts back to following the daemon default.
func (r *Registry) SendAllLogLevelUpdate(logLevel protocol.LogLevel) {
	for _, list := range r.lists {
		list.EachContext(func(_ *Application, ctx *Context) bool {
			ctx.LogLevel = logLevel
			if ctx.UserHandle != InvalidHandle {
				_ = r.SendLogLevel(ctx)
			}
			return true
		})
	}
}

// SendAllTraceStatusUpdate overrides the trace status of every context.
// DEFAULT resets contexts back to following the daemon default.
func (r *Registry) SendAllTraceStatusUpdate(traceStatus protocol.TraceStatus) {
	for _, list := range r.lists {
		list.EachContext(func(_ *Application, ctx *Context) bool {
			ctx.TraceStatus = traceStatus
			if ctx.UserHandle != InvalidHandle {
				_ = r.SendLogLevel(ctx)
			}
			return true
		})
	}
}

// BlockModeAll addresses every application in UpdateBlockMode
var BlockModeAll = protocol.MakeID("ALL")

// UpdateBlockMode pushes a blocking/non-blocking policy to one application,
// or to all of them when name is BlockModeAll.
func (r *Registry) UpdateBlockMode(name protocol.ID, blockMode int) error {
	list := r.FindUserList(r.Ecu)
	if list == nil {
		return ErrUnknownEcu
	}
	matched := false
	for _, app := range list.Applications {
		if name != BlockModeAll && app.Apid != name {
			continue
		}
		matched = true
		if app.UserHandle == InvalidHandle {
			continue
		}
		body := protocol.MarshalUserSetBlockMode(&protocol.UserSetBlockMode{
			Apid:      app.Apid,
			BlockMode: int32(blockMode),
		})
		if err := r.WriteUser(app.UserHandle, userMessage(protocol.MCT_USER_MESSAGE_SET_BLOCK_MODE, body)); err != nil {
			logging.Warnf("cannot send block mode to ApID '%s': %v", app.Apid, err)
			continue
		}
		app.BlockModeStatus = blockMode
	}
	if !matched && name != BlockModeAll {
		return ErrNotFound
	}
	return nil
}
