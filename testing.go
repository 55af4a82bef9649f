package mctd

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/config"
	"github.com/mct-labs/go-mctd/internal/events"
	"github.com/mct-labs/go-mctd/internal/protocol"
	"github.com/mct-labs/go-mctd/internal/receiver"
)

// Test fixtures shared by the package tests. They drive the daemon's
// handlers directly over socketpairs, without binding listeners.

// newTestDaemon builds a daemon on a mock clock with buffering sized small
// enough to overflow in tests.
func newTestDaemon(t *testing.T, mutate func(*config.Config)) (*Daemon, *clock.Mock) {
	t.Helper()
	cfg := config.Default()
	cfg.RingbufferMinSize = 2048
	cfg.RingbufferMaxSize = 4096
	cfg.RingbufferStepSize = 1024
	if mutate != nil {
		mutate(cfg)
	}
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	d, err := New(cfg, &Options{Clock: mock})
	require.NoError(t, err)
	d.startTime = mock.Now()
	d.changeState(StateBuffer)
	return d, mock
}

// testPeer is one end of a socketpair wired into the daemon
type testPeer struct {
	Conn *events.Connection
	Fd   int // the remote end the test reads/writes
}

// Close releases the remote end
func (p *testPeer) Close() {
	_ = unix.Close(p.Fd)
}

// Read drains whatever the daemon sent to this peer
func (p *testPeer) Read(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 65536)
	n, err := unix.Read(p.Fd, buf)
	require.NoError(t, err)
	return buf[:n]
}

// attachPeer registers one daemon-side connection of the given kind
func attachPeer(t *testing.T, d *Daemon, kind events.ConnectionType) *testPeer {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	conn := events.NewConnection(fds[0], kind, receiver.TransportSocket)
	require.NoError(t, d.events.Register(conn))
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return &testPeer{Conn: conn, Fd: fds[1]}
}

// attachProducer registers an AppMsg connection
func attachProducer(t *testing.T, d *Daemon) *testPeer {
	return attachPeer(t, d, events.ConnectionAppMsg)
}

// attachClient registers a TCP client connection and runs the attach path
func attachClient(t *testing.T, d *Daemon) *testPeer {
	t.Helper()
	p := attachPeer(t, d, events.ConnectionClientMsgTCP)
	d.metrics.ClientConnects.Inc()
	d.metrics.ConnectedClients.Inc()
	d.onClientAttached()
	return p
}

// deliver feeds bytes into a connection's receiver and dispatches its
// handler, mimicking one poll round.
func deliver(t *testing.T, d *Daemon, p *testPeer, data []byte) {
	t.Helper()
	_, err := unix.Write(p.Fd, data)
	require.NoError(t, err)
	var handler events.HandlerFunc
	switch p.Conn.Type {
	case events.ConnectionAppMsg:
		handler = d.handleAppMsg
	case events.ConnectionClientMsgTCP, events.ConnectionClientMsgSerial, events.ConnectionControlMsg:
		handler = d.handleClientMsg
	default:
		t.Fatalf("no handler for %s", p.Conn.Type)
	}
	if err := handler(p.Conn); err != nil {
		d.events.CloseConnection(p.Conn)
	}
	p.Conn.Receiver.MoveToBegin()
}

// registerMessage frames a REGISTER_APPLICATION user message
func registerMessage(apid string, pid uint32, description string) []byte {
	body := protocol.MarshalUserRegisterApplication(&protocol.UserRegisterApplication{
		Apid:              protocol.MakeID(apid),
		Pid:               pid,
		DescriptionLength: uint32(len(description)),
	})
	frame := append(protocol.MarshalUserHeader(protocol.MCT_USER_MESSAGE_REGISTER_APPLICATION), body...)
	return append(frame, description...)
}

// registerContextMessage frames a REGISTER_CONTEXT user message
func registerContextMessage(apid, ctid string, ll protocol.LogLevel, ts protocol.TraceStatus,
	pos int32, description string) []byte {
	body := protocol.MarshalUserRegisterContext(&protocol.UserRegisterContext{
		Apid:              protocol.MakeID(apid),
		Ctid:              protocol.MakeID(ctid),
		LogLevelPos:       pos,
		LogLevel:          int8(ll),
		TraceStatus:       int8(ts),
		Pid:               42,
		DescriptionLength: uint32(len(description)),
	})
	frame := append(protocol.MarshalUserHeader(protocol.MCT_USER_MESSAGE_REGISTER_CONTEXT), body...)
	return append(frame, description...)
}

// logMessage frames a LOG user message with the given payload
func logMessage(apid, ctid string, level protocol.LogLevel, payload []byte) []byte {
	msg := &protocol.Message{
		Standard: protocol.StandardHeader{
			Htyp: protocol.MCT_HTYP_UEH | protocol.MCT_HTYP_WEID | protocol.MCT_HTYP_PROTOCOL_VERSION1,
		},
		Extra: protocol.HeaderExtra{Ecu: protocol.MakeID("ECU1")},
		Extended: &protocol.ExtendedHeader{
			Msin: protocol.MakeMsin(true, protocol.MCT_TYPE_LOG, uint8(level)),
			Noar: 1,
			Apid: protocol.MakeID(apid),
			Ctid: protocol.MakeID(ctid),
		},
		Payload: payload,
	}
	wireHeader := protocol.StandardHeaderSize + protocol.ExtraSize(msg.Standard.Htyp) + protocol.ExtendedHeaderSize
	msg.Standard.Len = uint16(wireHeader + len(payload))
	wire := append(msg.WireHeaderBytes(), payload...)
	return append(protocol.MarshalUserHeader(protocol.MCT_USER_MESSAGE_LOG), wire...)
}
