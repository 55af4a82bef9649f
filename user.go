package mctd

import (
	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/control"
	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/protocol"
	"github.com/mct-labs/go-mctd/internal/receiver"
	"github.com/mct-labs/go-mctd/internal/registry"
)

// handleAppConnect accepts one producer connection. The kernel may hand
// out an fd number a dead registration still references; those stale
// handles are invalidated first.
func (d *Daemon) handleAppConnect(c *events.Connection) error {
	fd, err := events.AcceptConnection(c.Fd, 0)
	if err != nil {
		logging.Warnf("app accept: %v", err)
		return nil
	}
	_ = d.registry.ApplicationsInvalidateFd(d.registry.Ecu, fd)
	_ = d.registry.ContextsInvalidateFd(d.registry.Ecu, fd)

	conn := events.NewConnection(fd, events.ConnectionAppMsg, receiver.TransportSocket)
	if err := d.events.Register(conn); err != nil {
		_ = closeFd(fd)
		return nil
	}
	d.metrics.AppConnects.Inc()
	return nil
}

// handleAppMsg processes bytes from one producer: a stream of user-header
// framed messages. A partial message stays in the receiver until the next
// read completes it.
func (d *Daemon) handleAppMsg(c *events.Connection) error {
	n, err := c.Receiver.Receive()
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil || n == 0 {
		d.metrics.AppDisconnects.Inc()
		return events.ErrPeerClosed
	}

	for c.Receiver.Len() >= protocol.UserHeaderSize {
		var hdr protocol.UserHeader
		if err := protocol.UnmarshalUserHeader(c.Receiver.Bytes(), &hdr); err != nil {
			// not aligned on a user header: resync one byte at a time
			_ = c.Receiver.Remove(1)
			continue
		}

		done, err := d.processUserMessage(c, hdr.Message)
		if err != nil {
			return err
		}
		if !done {
			// incomplete body: wait for more bytes
			break
		}
	}
	return nil
}

// processUserMessage dispatches one producer message. done=false means
// the body is not fully buffered yet.
func (d *Daemon) processUserMessage(c *events.Connection, messageID uint32) (bool, error) {
	switch messageID {
	case protocol.MCT_USER_MESSAGE_LOG:
		return d.processUserLog(c)
	case protocol.MCT_USER_MESSAGE_REGISTER_APPLICATION:
		return d.processRegisterApplication(c)
	case protocol.MCT_USER_MESSAGE_UNREGISTER_APPLICATION:
		return d.processUnregisterApplication(c)
	case protocol.MCT_USER_MESSAGE_REGISTER_CONTEXT:
		return d.processRegisterContext(c)
	case protocol.MCT_USER_MESSAGE_UNREGISTER_CONTEXT:
		return d.processUnregisterContext(c)
	case protocol.MCT_USER_MESSAGE_OVERFLOW:
		return d.processUserOverflow(c)
	case protocol.MCT_USER_MESSAGE_APP_LL_TS:
		return d.processAppLogLevelTraceStatus(c)
	case protocol.MCT_USER_MESSAGE_MARKER:
		if _, err := c.Receiver.CheckAndGet(0, receiver.FlagSkipHeader|receiver.FlagRemove); err != nil {
			return false, nil
		}
		d.SendToAllClients(control.NewResponse(d.registry.Ecu,
			control.MarkerResponse(), d.clock.Now(), d.Uptime()))
		return true, nil
	case protocol.MCT_USER_MESSAGE_SET_BLOCK_MODE:
		return d.processUserSetBlockMode(c)
	default:
		logging.Warnf("unsupported user message %d on fd %d", messageID, c.Fd)
		// skip the header; unknown bodies cannot be sized, drop the rest
		_ = c.Receiver.Remove(c.Receiver.Len())
		return true, nil
	}
}

// processUserLog reads one framed log message, stamps the storage header
// and hands it downstream.
func (d *Daemon) processUserLog(c *events.Connection) (bool, error) {
	data := c.Receiver.Bytes()[protocol.UserHeaderSize:]

	var msg protocol.Message
	switch msg.Read(data, false) {
	case protocol.ReadSize:
		return false, nil
	case protocol.ReadError:
		logging.Warnf("corrupted log message from fd %d", c.Fd)
		_ = c.Receiver.Remove(c.Receiver.Len())
		return true, nil
	}
	if err := c.Receiver.Remove(protocol.UserHeaderSize + msg.RemovalSize()); err != nil {
		return true, err
	}

	d.metrics.MessagesReceived.Inc()
	msg.SetStorageHeader(d.registry.Ecu, d.clock.Now())
	if !msg.Standard.WithEcu() {
		msg.Extra.Ecu = d.registry.Ecu
	}
	d.distributeLogMessage(&msg)
	return true, nil
}

func (d *Daemon) processRegisterApplication(c *events.Connection) (bool, error) {
	fixed, err := c.Receiver.CheckAndGet(protocol.UserRegisterApplicationSize, receiver.FlagSkipHeader)
	if err != nil {
		return false, nil
	}
	var req protocol.UserRegisterApplication
	if err := protocol.UnmarshalUserRegisterApplication(fixed, &req); err != nil {
		return false, nil
	}
	descLen := int(req.DescriptionLength)
	total := protocol.UserRegisterApplicationSize + descLen
	body, err := c.Receiver.CheckAndGet(total, receiver.FlagSkipHeader|receiver.FlagRemove)
	if err != nil {
		return false, nil
	}
	description := string(body[protocol.UserRegisterApplicationSize:])

	// the handle is the event connection's fd: the event handler owns it,
	// so the registry must never close it
	app, err := d.registry.ApplicationAdd(req.Apid, req.Pid, description, c.Fd, false, d.registry.Ecu)
	if err != nil {
		logging.Warnf("cannot register ApID '%s': %v", req.Apid, err)
		return true, nil
	}
	d.metrics.RegisteredApps.Store(int64(len(d.registry.FindUserList(d.registry.Ecu).Applications)))
	logging.Debugf("registered ApID '%s' pid %d", req.Apid, req.Pid)

	// a late-arriving producer learns the current connection state
	_ = d.registry.SendLogState(app, int8(d.connectionState.Load()))
	if d.cfg.AllowBlockMode && d.blockMode == protocol.MCT_MODE_BLOCKING {
		_ = d.registry.UpdateBlockMode(app.Apid, d.blockMode)
	}
	return true, nil
}

func (d *Daemon) processUnregisterApplication(c *events.Connection) (bool, error) {
	body, err := c.Receiver.CheckAndGet(protocol.UserUnregisterApplicationSize,
		receiver.FlagSkipHeader|receiver.FlagRemove)
	if err != nil {
		return false, nil
	}
	var req protocol.UserUnregisterApplication
	if err := protocol.UnmarshalUserUnregisterApplication(body, &req); err != nil {
		return true, nil
	}
	app := d.registry.ApplicationFind(req.Apid, d.registry.Ecu)
	if app == nil {
		return true, nil
	}
	// unregistering an application removes all of its contexts, the
	// predefined ones included
	if err := d.registry.ApplicationDel(app, d.registry.Ecu); err != nil {
		logging.Warnf("cannot unregister ApID '%s': %v", req.Apid, err)
		return true, nil
	}
	d.metrics.AppDisconnects.Inc()
	d.metrics.RegisteredApps.Store(int64(len(d.registry.FindUserList(d.registry.Ecu).Applications)))
	logging.Debugf("unregistered ApID '%s'", req.Apid)
	return true, nil
}

func (d *Daemon) processRegisterContext(c *events.Connection) (bool, error) {
	fixed, err := c.Receiver.CheckAndGet(protocol.UserRegisterContextSize, receiver.FlagSkipHeader)
	if err != nil {
		return false, nil
	}
	var req protocol.UserRegisterContext
	if err := protocol.UnmarshalUserRegisterContext(fixed, &req); err != nil {
		return false, nil
	}
	total := protocol.UserRegisterContextSize + int(req.DescriptionLength)
	body, err := c.Receiver.CheckAndGet(total, receiver.FlagSkipHeader|receiver.FlagRemove)
	if err != nil {
		return false, nil
	}
	description := string(body[protocol.UserRegisterContextSize:])

	ctx, err := d.registry.ContextAdd(req.Apid, req.Ctid,
		protocol.LogLevel(req.LogLevel), protocol.TraceStatus(req.TraceStatus),
		req.LogLevelPos, c.Fd, description, d.registry.Ecu)
	if err != nil {
		logging.Warnf("cannot register CtID '%s' for ApID '%s': %v", req.Ctid, req.Apid, err)
		return true, nil
	}
	d.metrics.RegisteredCtxs.Store(int64(d.registry.FindUserList(d.registry.Ecu).NumContexts()))
	logging.Debugf("registered CtID '%s' for ApID '%s'", req.Ctid, req.Apid)

	// connected storage devices may raise the level for this context
	d.applyStorageLogLevel(ctx)

	// push the resolved level so the producer starts gating immediately
	if err := d.registry.SendLogLevel(ctx); err != nil {
		logging.Warnf("cannot push log level to CtID '%s': %v", req.Ctid, err)
	}

	if d.cfg.SendContextRegistration {
		// announce the new context as an unsolicited GET_LOG_INFO response
		opt := uint8(d.cfg.SendContextRegistrationOption)
		if opt < protocol.MCT_SERVICE_GET_LOG_INFO_OPT_MIN || opt > protocol.MCT_SERVICE_GET_LOG_INFO_OPT_FULL {
			opt = protocol.MCT_SERVICE_GET_LOG_INFO_OPT_FULL
		}
		payload := control.GetLogInfoResponse(d.registry.FindUserList(d.registry.Ecu),
			&control.GetLogInfoRequest{Options: opt, Apid: req.Apid, Ctid: req.Ctid})
		d.SendToAllClients(control.NewResponse(d.registry.Ecu, payload, d.clock.Now(), d.Uptime()))
	}
	return true, nil
}

func (d *Daemon) processUnregisterContext(c *events.Connection) (bool, error) {
	body, err := c.Receiver.CheckAndGet(protocol.UserUnregisterContextSize,
		receiver.FlagSkipHeader|receiver.FlagRemove)
	if err != nil {
		return false, nil
	}
	var req protocol.UserUnregisterContext
	if err := protocol.UnmarshalUserUnregisterContext(body, &req); err != nil {
		return true, nil
	}
	ctx := d.registry.ContextFind(req.Apid, req.Ctid, d.registry.Ecu)
	// predefined contexts survive until their application unregisters
	if ctx == nil || ctx.Predefined {
		return true, nil
	}
	if err := d.registry.ContextDel(ctx, d.registry.Ecu); err != nil {
		logging.Warnf("cannot unregister CtID '%s': %v", req.Ctid, err)
		return true, nil
	}
	d.metrics.RegisteredCtxs.Store(int64(d.registry.FindUserList(d.registry.Ecu).NumContexts()))

	if d.cfg.SendContextRegistrationOption != 0 {
		payload := control.UnregisterContextResponse(req.Apid, req.Ctid)
		d.SendToAllClients(control.NewResponse(d.registry.Ecu, payload, d.clock.Now(), d.Uptime()))
	}
	return true, nil
}

func (d *Daemon) processUserOverflow(c *events.Connection) (bool, error) {
	body, err := c.Receiver.CheckAndGet(protocol.UserOverflowSize,
		receiver.FlagSkipHeader|receiver.FlagRemove)
	if err != nil {
		return false, nil
	}
	var req protocol.UserOverflow
	if err := protocol.UnmarshalUserOverflow(body, &req); err != nil {
		return true, nil
	}
	logging.Warnf("ApID '%s' lost %d messages", req.Apid, req.OverflowCounter)
	d.overflowCounter.Add(req.OverflowCounter)
	return true, nil
}

func (d *Daemon) processAppLogLevelTraceStatus(c *events.Connection) (bool, error) {
	body, err := c.Receiver.CheckAndGet(protocol.UserAppLogLevelTraceStatusSize,
		receiver.FlagSkipHeader|receiver.FlagRemove)
	if err != nil {
		return false, nil
	}
	var req protocol.UserAppLogLevelTraceStatus
	if err := protocol.UnmarshalUserAppLogLevelTraceStatus(body, &req); err != nil {
		return true, nil
	}
	app := d.registry.ApplicationFind(req.Apid, d.registry.Ecu)
	if app == nil {
		return true, nil
	}
	for _, ctx := range app.Contexts {
		ctx.LogLevel = protocol.LogLevel(req.LogLevel)
		ctx.TraceStatus = protocol.TraceStatus(req.TraceStatus)
		_ = d.registry.SendLogLevel(ctx)
	}
	return true, nil
}

func (d *Daemon) processUserSetBlockMode(c *events.Connection) (bool, error) {
	body, err := c.Receiver.CheckAndGet(protocol.UserSetBlockModeSize,
		receiver.FlagSkipHeader|receiver.FlagRemove)
	if err != nil {
		return false, nil
	}
	var req protocol.UserSetBlockMode
	if err := protocol.UnmarshalUserSetBlockMode(body, &req); err != nil {
		return true, nil
	}
	if !d.cfg.AllowBlockMode {
		logging.Infof("ignoring block mode request: AllowBlockMode disabled")
		return true, nil
	}
	apid := req.Apid
	if apid.Empty() {
		apid = registry.BlockModeAll
	}
	if err := d.registry.UpdateBlockMode(apid, int(req.BlockMode)); err != nil {
		logging.Warnf("cannot update block mode: %v", err)
		return true, nil
	}
	if apid == registry.BlockModeAll {
		d.blockMode = int(req.BlockMode)
	}
	return true, nil
}
