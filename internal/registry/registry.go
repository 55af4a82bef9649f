// Package registry maintains the tables of registered producer applications
// and their contexts, one set per known ECU.
package registry

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// InvalidHandle marks a producer transport handle as unusable
const InvalidHandle = -1

var (
	// ErrUnknownEcu means no user list exists for the ECU id
	ErrUnknownEcu = errors.New("registry: unknown ecu")
	// ErrNotFound means the application or context does not exist
	ErrNotFound = errors.New("registry: entry not found")
	// ErrInvalidInput means a caller passed unusable parameters
	ErrInvalidInput = errors.New("registry: invalid input")
)

// Application is one registered producer
type Application struct {
	Apid           protocol.ID
	Pid            uint32
	UserHandle     int
	OwnsUserHandle bool
	Description    string
	BlockModeStatus int

	// Contexts are owned by their application; iteration across the user
	// list is structural rather than offset-based.
	Contexts []*Context
}

// NumContexts returns the number of contexts owned by this application
func (a *Application) NumContexts() int { return len(a.Contexts) }

// Context is one log emitter within an application
type Context struct {
	Apid            protocol.ID
	Ctid            protocol.ID
	LogLevel        protocol.LogLevel
	TraceStatus     protocol.TraceStatus
	LogLevelPos     int32
	UserHandle      int
	Description     string
	StorageLogLevel protocol.LogLevel
	Predefined      bool
}

// UserList groups the applications registered for one ECU
type UserList struct {
	Ecu          protocol.ID
	Applications []*Application
}

// NumContexts returns the total context count across all applications
func (u *UserList) NumContexts() int {
	n := 0
	for _, app := range u.Applications {
		n += len(app.Contexts)
	}
	return n
}

// EachContext calls fn for every context, grouped by owning application
func (u *UserList) EachContext(fn func(*Application, *Context) bool) {
	for _, app := range u.Applications {
		for _, ctx := range app.Contexts {
			if !fn(app, ctx) {
				return
			}
		}
	}
}

// Defaults carries the daemon-wide values consulted when resolving a
// context's effective log level and trace status.
type Defaults struct {
	LogLevel    protocol.LogLevel
	TraceStatus protocol.TraceStatus

	// ForceLLTS clamps resolved values to the configured context maxima
	ForceLLTS           bool
	ContextLogLevel     protocol.LogLevel
	ContextTraceStatus  protocol.TraceStatus

	// MaintainLogstorageLogLevel lets a connected storage device raise the
	// effective level above the resolved one
	MaintainLogstorageLogLevel bool
}

// Registry owns the per-ECU user lists
type Registry struct {
	Ecu      protocol.ID
	Defaults Defaults

	lists []*UserList

	// WriteUser delivers a framed user message to a producer handle;
	// CloseHandle releases daemon-owned handles. Both are injectable for
	// tests and default to the unix syscalls.
	WriteUser   func(fd int, data []byte) error
	CloseHandle func(fd int) error
}

// New creates a registry with a user list for the daemon's own ECU
func New(ecu protocol.ID, defaults Defaults) *Registry {
	r := &Registry{
		Ecu:      ecu,
		Defaults: defaults,
		WriteUser: func(fd int, data []byte) error {
			_, err := unix.Write(fd, data)
			return err
		},
		CloseHandle: unix.Close,
	}
	r.lists = append(r.lists, &UserList{Ecu: ecu})
	return r
}

// FindUserList returns the list for ecu, or nil for an unknown ECU
func (r *Registry) FindUserList(ecu protocol.ID) *UserList {
	for _, l := range r.lists {
		if l.Ecu == ecu {
			return l
		}
	}
	return nil
}

// ApplicationAdd registers or refreshes an application. An existing entry
// with a different pid is replaced; its handle is closed iff owned.
func (r *Registry) ApplicationAdd(apid protocol.ID, pid uint32, description string, fd int, ownsFd bool, ecu protocol.ID) (*Application, error) {
	if apid.Empty() {
		return nil, ErrInvalidInput
	}
	list := r.FindUserList(ecu)
	if list == nil {
		return nil, ErrUnknownEcu
	}

	if app := r.applicationFind(list, apid); app != nil {
		if app.Pid != pid {
			logging.Debugf("replacing ApID '%s': pid %d -> %d", apid, app.Pid, pid)
			if app.OwnsUserHandle && app.UserHandle != InvalidHandle && app.UserHandle != fd {
				_ = r.CloseHandle(app.UserHandle)
			}
			app.Pid = pid
		}
		app.UserHandle = fd
		app.OwnsUserHandle = ownsFd
		if description != "" {
			app.Description = description
		}
		for _, ctx := range app.Contexts {
			ctx.UserHandle = fd
		}
		return app, nil
	}

	app := &Application{
		Apid:           apid,
		Pid:            pid,
		UserHandle:     fd,
		OwnsUserHandle: ownsFd,
		Description:    description,
	}
	list.Applications = append(list.Applications, app)
	return app, nil
}

// ApplicationFind returns the application registered under apid
func (r *Registry) ApplicationFind(apid protocol.ID, ecu protocol.ID) *Application {
	list := r.FindUserList(ecu)
	if list == nil {
		return nil
	}
	return r.applicationFind(list, apid)
}

func (r *Registry) applicationFind(list *UserList, apid protocol.ID) *Application {
	for _, app := range list.Applications {
		if app.Apid == apid {
			return app
		}
	}
	return nil
}

// ApplicationDel removes an application and all of its contexts. The handle
// is closed iff owned by the daemon.
func (r *Registry) ApplicationDel(app *Application, ecu protocol.ID) error {
	list := r.FindUserList(ecu)
	if list == nil {
		return ErrUnknownEcu
	}
	for i, candidate := range list.Applications {
		if candidate == app {
			if app.OwnsUserHandle && app.UserHandle != InvalidHandle {
				_ = r.CloseHandle(app.UserHandle)
			}
			app.UserHandle = InvalidHandle
			app.Contexts = nil
			list.Applications = append(list.Applications[:i], list.Applications[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ContextAdd registers a context under its owning application. A NOT_SET
// level registers as DEFAULT; out-of-range values are rejected.
func (r *Registry) ContextAdd(apid, ctid protocol.ID, logLevel protocol.LogLevel, traceStatus protocol.TraceStatus,
	logLevelPos int32, userHandle int, description string, ecu protocol.ID) (*Context, error) {

	if apid.Empty() || ctid.Empty() {
		return nil, ErrInvalidInput
	}
	if logLevel == protocol.MCT_LOG_NOT_SET {
		logLevel = protocol.MCT_LOG_DEFAULT
	}
	if logLevel < protocol.MCT_LOG_DEFAULT || logLevel > protocol.MCT_LOG_MAX {
		return nil, fmt.Errorf("%w: log level %d", ErrInvalidInput, logLevel)
	}
	if traceStatus < protocol.MCT_TRACE_STATUS_DEFAULT || traceStatus > protocol.MCT_TRACE_STATUS_ON {
		return nil, fmt.Errorf("%w: trace status %d", ErrInvalidInput, traceStatus)
	}

	list := r.FindUserList(ecu)
	if list == nil {
		return nil, ErrUnknownEcu
	}
	app := r.applicationFind(list, apid)
	if app == nil {
		return nil, fmt.Errorf("%w: no application '%s'", ErrNotFound, apid)
	}

	for _, ctx := range app.Contexts {
		if ctx.Ctid == ctid {
			// re-registration refreshes the transport fields but keeps any
			// level set at runtime
			ctx.LogLevelPos = logLevelPos
			ctx.UserHandle = userHandle
			if description != "" {
				ctx.Description = description
			}
			return ctx, nil
		}
	}

	ctx := &Context{
		Apid:            apid,
		Ctid:            ctid,
		LogLevel:        logLevel,
		TraceStatus:     traceStatus,
		LogLevelPos:     logLevelPos,
		UserHandle:      userHandle,
		Description:     description,
		StorageLogLevel: protocol.MCT_LOG_DEFAULT,
	}
	app.Contexts = append(app.Contexts, ctx)
	return ctx, nil
}

// ContextFind returns the context registered under (apid, ctid)
func (r *Registry) ContextFind(apid, ctid protocol.ID, ecu protocol.ID) *Context {
	app := r.ApplicationFind(apid, ecu)
	if app == nil {
		return nil
	}
	for _, ctx := range app.Contexts {
		if ctx.Ctid == ctid {
			return ctx
		}
	}
	return nil
}

// ContextDel removes one context from its owning application
func (r *Registry) ContextDel(target *Context, ecu protocol.ID) error {
	app := r.ApplicationFind(target.Apid, ecu)
	if app == nil {
		return ErrNotFound
	}
	for i, ctx := range app.Contexts {
		if ctx == target {
			ctx.UserHandle = InvalidHandle
			app.Contexts = append(app.Contexts[:i], app.Contexts[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ApplicationsInvalidateFd clears every application handle equal to fd.
// Called when accept hands out an fd number a dead registration still
// references.
func (r *Registry) ApplicationsInvalidateFd(ecu protocol.ID, fd int) error {
	list := r.FindUserList(ecu)
	if list == nil {
		return ErrUnknownEcu
	}
	for _, app := range list.Applications {
		if app.UserHandle == fd {
			app.UserHandle = InvalidHandle
			app.OwnsUserHandle = false
		}
	}
	return nil
}

// ContextsInvalidateFd clears every context handle equal to fd
func (r *Registry) ContextsInvalidateFd(ecu protocol.ID, fd int) error {
	list := r.FindUserList(ecu)
	if list == nil {
		return ErrUnknownEcu
	}
	list.EachContext(func(_ *Application, ctx *Context) bool {
		if ctx.UserHandle == fd {
			ctx.UserHandle = InvalidHandle
		}
		return true
	})
	return nil
}

// ApplicationsClear removes every application (and thus every context)
func (r *Registry) ApplicationsClear(ecu protocol.ID) error {
	list := r.FindUserList(ecu)
	if list == nil {
		return ErrUnknownEcu
	}
	for _, app := range list.Applications {
		if app.OwnsUserHandle && app.UserHandle != InvalidHandle {
			_ = r.CloseHandle(app.UserHandle)
		}
		app.Contexts = nil
	}
	list.Applications = nil
	return nil
}

// ContextsClear removes every context while keeping the applications
func (r *Registry) ContextsClear(ecu protocol.ID) error {
	list := r.FindUserList(ecu)
	if list == nil {
		return ErrUnknownEcu
	}
	for _, app := range list.Applications {
		app.Contexts = nil
	}
	return nil
}

// ResolveLogLevel computes the effective level pushed to a producer:
// DEFAULT resolves against the daemon default, the enforce clamp caps the
// result, and a storage-requested level acts as a floor while maintained.
func (r *Registry) ResolveLogLevel(ctx *Context) protocol.LogLevel {
	ll := ctx.LogLevel
	if ll == protocol.MCT_LOG_DEFAULT {
		ll = r.Defaults.LogLevel
	}
	if r.Defaults.ForceLLTS && ll > r.Defaults.ContextLogLevel {
		ll = r.Defaults.ContextLogLevel
	}
	if r.Defaults.MaintainLogstorageLogLevel && ctx.StorageLogLevel != protocol.MCT_LOG_DEFAULT && ctx.StorageLogLevel > ll {
		ll = ctx.StorageLogLevel
	}
	return ll
}

// ResolveTraceStatus computes the effective trace status for a context
func (r *Registry) ResolveTraceStatus(ctx *Context) protocol.TraceStatus {
	ts := ctx.TraceStatus
	if ts == protocol.MCT_TRACE_STATUS_DEFAULT {
		ts = r.Defaults.TraceStatus
	}
	if r.Defaults.ForceLLTS && ts > r.Defaults.ContextTraceStatus {
		ts = r.Defaults.ContextTraceStatus
	}
	return ts
}
