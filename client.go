package mctd

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/control"
	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/logging"
	"github.com/mct-labs/go-mctd/internal/logstorage"
	"github.com/mct-labs/go-mctd/internal/protocol"
	"github.com/mct-labs/go-mctd/internal/receiver"
	"github.com/mct-labs/go-mctd/internal/registry"
)

func closeFd(fd int) error { return unix.Close(fd) }

// clientMask covers every attached viewer connection
var clientMask = events.ConnectionClientMsgTCP.Mask() | events.ConnectionClientMsgSerial.Mask()

// handleClientConnect accepts one TCP viewer
func (d *Daemon) handleClientConnect(c *events.Connection) error {
	fd, err := events.AcceptConnection(c.Fd, time.Duration(d.cfg.TimeOutOnSend)*time.Second)
	if err != nil {
		logging.Warnf("client accept: %v", err)
		return nil
	}
	if !d.filter.IsConnectionAllowed(events.ConnectionClientMsgTCP) {
		logging.Infof("rejecting client: TCP clients disabled by filter level")
		_ = closeFd(fd)
		return nil
	}

	conn := events.NewConnection(fd, events.ConnectionClientMsgTCP, receiver.TransportSocket)
	if err := d.events.Register(conn); err != nil {
		_ = closeFd(fd)
		return nil
	}
	d.metrics.ClientConnects.Inc()
	d.metrics.ConnectedClients.Inc()
	d.onClientAttached()
	return nil
}

// AttachSerialClient registers an already-configured serial port fd as a
// viewer connection. Termios setup belongs to the caller; the daemon only
// speaks the framed protocol (with the serial header magic) over the fd.
func (d *Daemon) AttachSerialClient(fd int) error {
	if !d.filter.IsConnectionAllowed(events.ConnectionClientMsgSerial) {
		return newFdError("serial attach", fd, CodeInvalidInput, nil)
	}
	conn := events.NewConnection(fd, events.ConnectionClientMsgSerial, receiver.TransportSerial)
	if err := d.events.Register(conn); err != nil {
		return err
	}
	d.metrics.ClientConnects.Inc()
	d.metrics.ConnectedClients.Inc()
	d.onClientAttached()
	return nil
}

// handleControlConnect accepts one local control peer
func (d *Daemon) handleControlConnect(c *events.Connection) error {
	fd, err := events.AcceptConnection(c.Fd, 0)
	if err != nil {
		logging.Warnf("control accept: %v", err)
		return nil
	}
	conn := events.NewConnection(fd, events.ConnectionControlMsg, receiver.TransportSocket)
	if err := d.events.Register(conn); err != nil {
		_ = closeFd(fd)
	}
	return nil
}

// onClientAttached runs the first-client state transition and tells every
// producer that a consumer is listening.
func (d *Daemon) onClientAttached() {
	if d.events.CountByType(clientMask) != 1 {
		return
	}
	switch d.state {
	case StateBufferFull:
		d.changeState(StateSendBuffer)
		d.drainRingBuffer()
	default:
		// a non-empty ring drains before going direct
		if d.ring.MessageCount() > 0 {
			d.changeState(StateSendBuffer)
			d.drainRingBuffer()
		} else {
			d.changeState(StateSendDirect)
		}
	}
	d.connectionState.Store(1)
	d.registry.SendAllLogState(1)
	d.SendToAllClients(control.NewResponse(d.registry.Ecu,
		control.ConnectionInfoResponse(1), d.clock.Now(), d.Uptime()))
}

// onClientDetached reverses the accounting when a viewer leaves. With no
// client left and no offline trace running, buffering resumes.
func (d *Daemon) onClientDetached() {
	d.metrics.ClientDisconnects.Inc()
	d.metrics.ConnectedClients.Dec()
	if d.events.CountByType(clientMask) != 0 {
		return
	}
	d.connectionState.Store(0)
	d.registry.SendAllLogState(0)
	if !d.offlineTraceRunning() {
		d.changeState(StateBuffer)
	}
	if d.cfg.AllowBlockMode {
		// no consumer left: applications must not block on a full pipe
		_ = d.registry.UpdateBlockMode(registry.BlockModeAll, protocol.MCT_MODE_NON_BLOCKING)
		d.blockMode = protocol.MCT_MODE_NON_BLOCKING
	}
}

// offlineTraceRunning reports whether any storage device keeps consuming
// while no client is attached.
func (d *Daemon) offlineTraceRunning() bool {
	for _, dev := range d.devices {
		if dev.ConnectionType == logstorage.DeviceConnected {
			return true
		}
	}
	return false
}

// handleClientMsg processes bytes from a viewer or control socket: framed
// wire messages carrying control requests.
func (d *Daemon) handleClientMsg(c *events.Connection) error {
	n, err := c.Receiver.Receive()
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil || n == 0 {
		if err != nil {
			d.metrics.ReceiveErrors.Inc()
		}
		if c.Type.Mask()&clientMask != 0 {
			// close here so the client accounting sees the updated count
			d.events.CloseConnection(c)
			d.onClientDetached()
			return nil
		}
		return events.ErrPeerClosed
	}

	resync := c.Type == events.ConnectionClientMsgSerial && d.cfg.RS232SyncSerialHeader ||
		c.Type == events.ConnectionClientMsgTCP && d.cfg.TCPSyncSerialHeader

	for {
		var msg protocol.Message
		result := msg.Read(c.Receiver.Bytes(), resync)
		if result == protocol.ReadSize {
			break
		}
		if result == protocol.ReadError {
			// skip one byte and retry on the next round
			_ = c.Receiver.Remove(1)
			break
		}
		if err := c.Receiver.Remove(msg.RemovalSize()); err != nil {
			return err
		}
		if msg.Extended != nil && msg.Extended.IsControlRequest() {
			d.metrics.ControlRequests.Inc()
			if err := d.control.ProcessRequest(c, &msg); err != nil {
				logging.Warnf("control request on fd %d: %v", c.Fd, err)
			}
		}
	}
	return nil
}

// SendToConnection delivers one control message on a specific socket.
// Part of the control.Actions contract.
func (d *Daemon) SendToConnection(conn *events.Connection, msg *protocol.Message) error {
	d.stampOutgoing(msg)
	serial := d.useSerialHeader(conn)
	if err := events.SendMultiple(conn, serial, msg.WireHeaderBytes(), msg.Payload); err != nil {
		d.metrics.SendErrors.Inc()
		return newFdError("control send", conn.Fd, CodeSendFailed, err)
	}
	return nil
}

// SendToAllClients broadcasts a control message to every attached viewer
func (d *Daemon) SendToAllClients(msg *protocol.Message) {
	d.stampOutgoing(msg)
	header := msg.WireHeaderBytes()
	d.events.EachByType(clientMask, func(c *events.Connection) bool {
		if err := events.SendMultiple(c, d.useSerialHeader(c), header, msg.Payload); err != nil {
			d.metrics.SendErrors.Inc()
			logging.Warnf("dropping client fd %d: %v", c.Fd, err)
			d.events.CloseConnection(c)
			d.onClientDetached()
		}
		return true
	})
}

// stampOutgoing numbers the message and refreshes the storage header
func (d *Daemon) stampOutgoing(msg *protocol.Message) {
	msg.Standard.Mcnt = d.mcnt
	d.mcnt++
	if msg.Storage.Pattern != protocol.StoragePattern {
		msg.SetStorageHeader(d.registry.Ecu, d.clock.Now())
	}
}

// useSerialHeader decides the serial-magic prefix per connection kind
func (d *Daemon) useSerialHeader(conn *events.Connection) bool {
	if conn.Type == events.ConnectionClientMsgSerial {
		return true
	}
	return d.cfg.SendSerialHeader
}

// distributeLogMessage is the downstream path of one producer log message:
// logstorage first (its filters may veto the network copy), then direct
// fan-out or ring buffering depending on state.
func (d *Daemon) distributeLogMessage(msg *protocol.Message) {
	stored, networkDisabled := d.storageWrite(msg)
	if stored {
		d.metrics.MessagesStored.Inc()
	}
	if networkDisabled {
		return
	}

	header := msg.WireHeaderBytes()
	switch d.state {
	case StateSendDirect:
		sent := false
		d.events.EachByType(clientMask, func(c *events.Connection) bool {
			if err := events.SendMultiple(c, d.useSerialHeader(c), header, msg.Payload); err != nil {
				d.metrics.SendErrors.Inc()
				logging.Warnf("dropping client fd %d: %v", c.Fd, err)
				d.events.CloseConnection(c)
				d.onClientDetached()
				return true
			}
			sent = true
			return true
		})
		if sent {
			d.metrics.MessagesSent.Inc()
		}
	case StateBuffer, StateBufferFull, StateSendBuffer:
		d.bufferMessage(header, msg.Payload)
	}
}

// bufferMessage queues one message; overflow is tail-drop with counting
func (d *Daemon) bufferMessage(header, payload []byte) {
	if err := d.ring.Push3(header, payload, nil); err != nil {
		d.overflowCounter.Inc()
		d.metrics.MessagesDropped.Inc()
		if d.state == StateBuffer {
			d.changeState(StateBufferFull)
		}
		return
	}
	d.metrics.MessagesBuffered.Inc()
	d.metrics.RingBufferRecords.Store(int64(d.ring.MessageCount()))
}

// drainRingBuffer pushes queued messages to the attached clients in FIFO
// order. A send failure leaves the record in place and yields; an emptied
// ring goes direct.
func (d *Daemon) drainRingBuffer() {
	if d.events.CountByType(clientMask) == 0 {
		return
	}
	for d.ring.MessageCount() > 0 {
		record := d.ring.Copy()
		sendFailed := false
		d.events.EachByType(clientMask, func(c *events.Connection) bool {
			if err := events.SendMultiple(c, d.useSerialHeader(c), record); err != nil {
				sendFailed = true
				return false
			}
			return true
		})
		if sendFailed {
			return
		}
		_ = d.ring.Remove()
		d.metrics.MessagesSent.Inc()
	}
	d.metrics.RingBufferRecords.Store(0)

	if d.events.CountByType(clientMask) > 0 {
		d.changeState(StateSendDirect)
		if count := d.overflowCounter.Load(); count > 0 {
			payload := control.MessageBufferOverflowResponse(true, count)
			d.SendToAllClients(control.NewResponse(d.registry.Ecu, payload, d.clock.Now(), d.Uptime()))
			d.overflowCounter.Store(0)
		}
	}
}
