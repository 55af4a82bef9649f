package control

import (
	"fmt"
	"time"

	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/filter"
	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
	"github.com/mct-labs/go-mctd/internal/registry"
)

// Actions is the slice of daemon behavior the control handler drives.
// The daemon implements it; tests stub it.
type Actions interface {
	// SendToConnection delivers a control message on the requesting socket
	SendToConnection(conn *events.Connection, msg *protocol.Message) error
	// SendToAllClients broadcasts a control message to attached clients
	SendToAllClients(msg *protocol.Message)

	SetDefaultLogLevel(level protocol.LogLevel) uint8
	SetDefaultTraceStatus(status protocol.TraceStatus) uint8
	SetTimingPackets(on bool)
	StoreConfig() error
	ResetToFactoryDefault() error
	OfflineLogstorage(mountPoint string, op uint8) uint8
	ChangeFilterLevel(level uint) error
	SetBlockMode(apid protocol.ID, mode int) uint8
	BlockMode() int
	OverflowCounter() (bool, uint32)
	ECUVersion() string
	Uptime() uint32
}

// Handler dispatches control requests
type Handler struct {
	Registry *registry.Registry
	Actions  Actions

	// Filter returns the active message filter; nil permits everything
	Filter func() *filter.MessageFilter

	// InjectionMode gates all injection processing daemon-wide
	InjectionMode bool

	Now func() time.Time
}

// NewHandler wires a handler to its collaborators
func NewHandler(reg *registry.Registry, actions Actions, filterFn func() *filter.MessageFilter) *Handler {
	return &Handler{
		Registry:      reg,
		Actions:       actions,
		Filter:        filterFn,
		InjectionMode: true,
		Now:           time.Now,
	}
}

func inControlRange(id int) bool {
	return (id > protocol.MCT_SERVICE_ID && id < protocol.MCT_SERVICE_ID_LAST_ENTRY) ||
		(id > protocol.MCT_USER_SERVICE_ID && id < protocol.MCT_USER_SERVICE_ID_LAST_ENTRY)
}

// respond sends a generic status response on the requesting socket
func (h *Handler) respond(conn *events.Connection, serviceID uint32, status uint8) error {
	msg := NewResponse(h.Registry.Ecu, ServiceResponse(serviceID, status), h.Now(), h.Actions.Uptime())
	return h.Actions.SendToConnection(conn, msg)
}

// respondPayload sends a prebuilt response payload on the requesting socket
func (h *Handler) respondPayload(conn *events.Connection, payload []byte) error {
	if len(payload)+protocol.ExtendedHeaderSize+protocol.StandardHeaderSize+8 > protocol.MaxMessageLength {
		logging.Warnf("control: oversized response rejected (%d bytes)", len(payload))
		return fmt.Errorf("control: response exceeds maximum message length")
	}
	msg := NewResponse(h.Registry.Ecu, payload, h.Now(), h.Actions.Uptime())
	return h.Actions.SendToConnection(conn, msg)
}

// ProcessRequest handles one CONTROL_MSG message from a client or control
// socket. Errors never tear the connection down; they surface as
// RESPONSE_{ERROR,NOT_SUPPORTED,PERM_DENIED} on the requesting socket.
func (h *Handler) ProcessRequest(conn *events.Connection, msg *protocol.Message) error {
	if len(msg.Payload) < 4 {
		logging.Warnf("control: request too short (%d bytes)", len(msg.Payload))
		return nil
	}
	id := int(protocol.PayloadUint32(msg.Standard.Htyp, msg.Payload[0:4]))
	body := msg.Payload[4:]

	if !inControlRange(id) {
		if id >= protocol.MCT_SERVICE_ID_CALLSW_CINJECTION {
			return h.processInjection(conn, uint32(id), msg)
		}
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_NOT_SUPPORTED)
	}

	if !h.controlAllowed(conn, id) {
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_PERM_DENIED)
	}
	return h.dispatch(conn, id, body)
}

// controlAllowed applies the filter mask. On a control socket with no
// filter backend configured, SET_FILTER_LEVEL and GET_FILTER_STATUS are
// always honored: a level change must never deadlock the daemon into a
// filter that denies itself.
func (h *Handler) controlAllowed(conn *events.Connection, id int) bool {
	mf := h.Filter()
	if mf.IsControlAllowed(id) {
		return true
	}
	if conn.Type == events.ConnectionControlMsg && mf != nil && mf.Backend == "" &&
		(id == protocol.MCT_SERVICE_ID_SET_FILTER_LEVEL || id == protocol.MCT_SERVICE_ID_GET_FILTER_STATUS) {
		return true
	}
	return false
}

func (h *Handler) dispatch(conn *events.Connection, id int, body []byte) error {
	switch id {
	case protocol.MCT_SERVICE_ID_SET_LOG_LEVEL:
		return h.processSetLogLevel(conn, body)
	case protocol.MCT_SERVICE_ID_SET_TRACE_STATUS:
		return h.processSetTraceStatus(conn, body)
	case protocol.MCT_SERVICE_ID_GET_LOG_INFO:
		return h.processGetLogInfo(conn, body)
	case protocol.MCT_SERVICE_ID_GET_DEFAULT_LOG_LEVEL:
		return h.respondPayload(conn, GetDefaultLogLevelResponse(h.Registry.Defaults.LogLevel))
	case protocol.MCT_SERVICE_ID_STORE_CONFIG:
		if err := h.Actions.StoreConfig(); err != nil {
			logging.Errorf("control: store config: %v", err)
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_OK)
	case protocol.MCT_SERVICE_ID_RESET_TO_FACTORY_DEFAULT:
		if err := h.Actions.ResetToFactoryDefault(); err != nil {
			logging.Errorf("control: reset to factory default: %v", err)
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_OK)
	case protocol.MCT_SERVICE_ID_SET_TIMING_PACKETS:
		if len(body) < 1 {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		h.Actions.SetTimingPackets(body[0] != 0)
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_OK)
	case protocol.MCT_SERVICE_ID_GET_LOCAL_TIME:
		// the response itself carries the daemon timestamp
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_OK)
	case protocol.MCT_SERVICE_ID_SET_DEFAULT_LOG_LEVEL:
		if len(body) < 1 {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		status := h.Actions.SetDefaultLogLevel(protocol.LogLevel(int8(body[0])))
		return h.respond(conn, uint32(id), status)
	case protocol.MCT_SERVICE_ID_SET_DEFAULT_TRACE_STATUS:
		if len(body) < 1 {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		status := h.Actions.SetDefaultTraceStatus(protocol.TraceStatus(int8(body[0])))
		return h.respond(conn, uint32(id), status)
	case protocol.MCT_SERVICE_ID_GET_SOFTWARE_VERSION:
		return h.respondPayload(conn, GetSoftwareVersionResponse(h.Actions.ECUVersion()))
	case protocol.MCT_SERVICE_ID_MESSAGE_BUFFER_OVERFLOW:
		overflow, counter := h.Actions.OverflowCounter()
		return h.respondPayload(conn, MessageBufferOverflowResponse(overflow, counter))
	case protocol.MCT_SERVICE_ID_TIMEZONE:
		return h.respondPayload(conn, TimezoneResponse(h.Now()))
	case protocol.MCT_SERVICE_ID_MARKER:
		h.Actions.SendToAllClients(NewResponse(h.Registry.Ecu, MarkerResponse(), h.Now(), h.Actions.Uptime()))
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_OK)
	case protocol.MCT_SERVICE_ID_OFFLINE_LOGSTORAGE:
		req, err := ParseOfflineLogstorageRequest(body)
		if err != nil {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		return h.respond(conn, uint32(id), h.Actions.OfflineLogstorage(req.MountPoint, req.Operation))
	case protocol.MCT_SERVICE_ID_SET_BLOCK_MODE:
		req, err := ParseSetBlockModeRequest(body)
		if err != nil {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		return h.respond(conn, uint32(id), h.Actions.SetBlockMode(req.Apid, int(req.Mode)))
	case protocol.MCT_SERVICE_ID_GET_BLOCK_MODE:
		return h.respondPayload(conn, GetBlockModeResponse(h.Actions.BlockMode()))
	case protocol.MCT_SERVICE_ID_SET_ALL_LOG_LEVEL:
		if len(body) < 1 {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		level := protocol.LogLevel(int8(body[0]))
		if level < protocol.MCT_LOG_DEFAULT || level > protocol.MCT_LOG_MAX {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		h.Registry.SendAllLogLevelUpdate(level)
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_OK)
	case protocol.MCT_SERVICE_ID_SET_ALL_TRACE_STATUS:
		if len(body) < 1 {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		status := protocol.TraceStatus(int8(body[0]))
		if status < protocol.MCT_TRACE_STATUS_DEFAULT || status > protocol.MCT_TRACE_STATUS_ON {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		h.Registry.SendAllTraceStatusUpdate(status)
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_OK)
	case protocol.MCT_SERVICE_ID_SET_FILTER_LEVEL:
		level, err := ParseSetFilterLevelRequest(body)
		if err != nil {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		if err := h.Actions.ChangeFilterLevel(uint(level)); err != nil {
			logging.Warnf("control: change filter level: %v", err)
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_OK)
	case protocol.MCT_SERVICE_ID_GET_FILTER_STATUS:
		mf := h.Filter()
		if mf == nil || mf.Current == nil {
			return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_ERROR)
		}
		return h.respondPayload(conn, GetFilterStatusResponse(mf))
	default:
		return h.respond(conn, uint32(id), protocol.MCT_SERVICE_RESPONSE_NOT_SUPPORTED)
	}
}

func (h *Handler) processSetLogLevel(conn *events.Connection, body []byte) error {
	req, err := ParseSetLogLevelRequest(body)
	if err != nil {
		return h.respond(conn, protocol.MCT_SERVICE_ID_SET_LOG_LEVEL, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}
	level := protocol.LogLevel(req.Value)
	if level < protocol.MCT_LOG_DEFAULT || level > protocol.MCT_LOG_MAX {
		return h.respond(conn, protocol.MCT_SERVICE_ID_SET_LOG_LEVEL, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}

	count := h.applyToMatchingContexts(req.Apid, req.Ctid, func(ctx *registry.Context) {
		ctx.LogLevel = level
		_ = h.Registry.SendLogLevel(ctx)
	})
	if count == 0 {
		return h.respond(conn, protocol.MCT_SERVICE_ID_SET_LOG_LEVEL, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}
	return h.respond(conn, protocol.MCT_SERVICE_ID_SET_LOG_LEVEL, protocol.MCT_SERVICE_RESPONSE_OK)
}

func (h *Handler) processSetTraceStatus(conn *events.Connection, body []byte) error {
	req, err := ParseSetLogLevelRequest(body)
	if err != nil {
		return h.respond(conn, protocol.MCT_SERVICE_ID_SET_TRACE_STATUS, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}
	status := protocol.TraceStatus(req.Value)
	if status < protocol.MCT_TRACE_STATUS_DEFAULT || status > protocol.MCT_TRACE_STATUS_ON {
		return h.respond(conn, protocol.MCT_SERVICE_ID_SET_TRACE_STATUS, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}

	count := h.applyToMatchingContexts(req.Apid, req.Ctid, func(ctx *registry.Context) {
		ctx.TraceStatus = status
		_ = h.Registry.SendLogLevel(ctx)
	})
	if count == 0 {
		return h.respond(conn, protocol.MCT_SERVICE_ID_SET_TRACE_STATUS, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}
	return h.respond(conn, protocol.MCT_SERVICE_ID_SET_TRACE_STATUS, protocol.MCT_SERVICE_RESPONSE_OK)
}

// applyToMatchingContexts resolves request wildcards ('*' suffix or empty)
// over the daemon's user list and applies fn to each hit.
func (h *Handler) applyToMatchingContexts(apid, ctid protocol.ID, fn func(*registry.Context)) int {
	list := h.Registry.FindUserList(h.Registry.Ecu)
	if list == nil {
		return 0
	}
	count := 0
	list.EachContext(func(_ *registry.Application, ctx *registry.Context) bool {
		if apid.Matches(ctx.Apid) && ctid.Matches(ctx.Ctid) {
			fn(ctx)
			count++
		}
		return true
	})
	return count
}

func (h *Handler) processGetLogInfo(conn *events.Connection, body []byte) error {
	req, err := ParseGetLogInfoRequest(body)
	if err != nil {
		return h.respond(conn, protocol.MCT_SERVICE_ID_GET_LOG_INFO, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}
	if req.Options < protocol.MCT_SERVICE_GET_LOG_INFO_OPT_MIN ||
		req.Options > protocol.MCT_SERVICE_GET_LOG_INFO_OPT_FULL {
		return h.respond(conn, protocol.MCT_SERVICE_ID_GET_LOG_INFO, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}
	list := h.Registry.FindUserList(h.Registry.Ecu)
	return h.respondPayload(conn, GetLogInfoResponse(list, req))
}

// processInjection forwards a software-callable injection to the producer
// owning the addressed context.
func (h *Handler) processInjection(conn *events.Connection, serviceID uint32, msg *protocol.Message) error {
	if !h.InjectionMode {
		// injections are disabled daemon-wide: admission short-circuits
		// before any dispatch work
		return h.respond(conn, serviceID, protocol.MCT_SERVICE_RESPONSE_PERM_DENIED)
	}
	if msg.Extended == nil {
		return h.respond(conn, serviceID, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}
	apid := msg.Extended.Apid
	ctid := msg.Extended.Ctid

	ctx := h.Registry.ContextFind(apid, ctid, h.Registry.Ecu)
	if ctx == nil {
		return h.respond(conn, serviceID, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}

	mf := h.Filter()
	if !mf.IsInjectionAllowed(apid, ctid, h.Registry.Ecu, int(serviceID)) {
		return h.respond(conn, serviceID, protocol.MCT_SERVICE_RESPONSE_PERM_DENIED)
	}

	if ctx.UserHandle == registry.InvalidHandle {
		return h.respond(conn, serviceID, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}

	data := msg.Payload[4:]
	body := protocol.MarshalUserInjection(&protocol.UserInjection{
		LogLevelPos: ctx.LogLevelPos,
		ServiceID:   serviceID,
		DataLength:  uint32(len(data)),
	})
	frame := append(protocol.MarshalUserHeader(protocol.MCT_USER_MESSAGE_INJECTION), body...)
	frame = append(frame, data...)

	if err := h.Registry.WriteUser(ctx.UserHandle, frame); err != nil {
		logging.Warnf("control: injection write to ApID '%s' failed: %v", apid, err)
		_ = h.Registry.ContextsInvalidateFd(h.Registry.Ecu, ctx.UserHandle)
		_ = h.Registry.ApplicationsInvalidateFd(h.Registry.Ecu, ctx.UserHandle)
		return h.respond(conn, serviceID, protocol.MCT_SERVICE_RESPONSE_ERROR)
	}
	return h.respond(conn, serviceID, protocol.MCT_SERVICE_RESPONSE_OK)
}
