package mctd

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mct-labs/go-mctd/internal/config"
	"github.com/mct-labs/go-mctd/internal/protocol"
)

// parseUserFrames splits daemon->producer traffic into user messages
func parseUserFrames(t *testing.T, data []byte) []struct {
	ID   uint32
	Body []byte
} {
	t.Helper()
	var out []struct {
		ID   uint32
		Body []byte
	}
	for len(data) >= protocol.UserHeaderSize {
		var hdr protocol.UserHeader
		require.NoError(t, protocol.UnmarshalUserHeader(data, &hdr))
		data = data[protocol.UserHeaderSize:]
		var size int
		switch hdr.Message {
		case protocol.MCT_USER_MESSAGE_LOG_LEVEL:
			size = protocol.UserLogLevelSize
		case protocol.MCT_USER_MESSAGE_LOG_STATE:
			size = protocol.UserLogStateSize
		case protocol.MCT_USER_MESSAGE_SET_BLOCK_MODE:
			size = protocol.UserSetBlockModeSize
		default:
			t.Fatalf("unexpected user message %d", hdr.Message)
		}
		out = append(out, struct {
			ID   uint32
			Body []byte
		}{hdr.Message, data[:size]})
		data = data[size:]
	}
	return out
}

func TestRegisterAndPropagateLogLevel(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	producer := attachProducer(t, d)

	deliver(t, d, producer, registerMessage("APP1", 42, "A"))
	deliver(t, d, producer, registerContextMessage("APP1", "CTX1",
		protocol.MCT_LOG_DEFAULT, protocol.MCT_TRACE_STATUS_DEFAULT, 0, "C"))

	// registry lists one app, one context
	app := d.registry.ApplicationFind(protocol.MakeID("APP1"), d.registry.Ecu)
	require.NotNil(t, app)
	assert.Equal(t, uint32(42), app.Pid)
	assert.Equal(t, "A", app.Description)
	ctx := d.registry.ContextFind(protocol.MakeID("APP1"), protocol.MakeID("CTX1"), d.registry.Ecu)
	require.NotNil(t, ctx)
	assert.Equal(t, "C", ctx.Description)

	// the producer received a LOG_STATE then the resolved LOG_LEVEL
	frames := parseUserFrames(t, producer.Read(t))
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(protocol.MCT_USER_MESSAGE_LOG_STATE), frames[0].ID)

	require.Equal(t, uint32(protocol.MCT_USER_MESSAGE_LOG_LEVEL), frames[1].ID)
	var ll protocol.UserLogLevel
	require.NoError(t, protocol.UnmarshalUserLogLevel(frames[1].Body, &ll))
	assert.Equal(t, uint8(protocol.MCT_LOG_INFO), ll.LogLevel)
	assert.Equal(t, uint8(protocol.MCT_TRACE_STATUS_OFF), ll.TraceStatus)
}

func TestBufferThenDrain(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	producer := attachProducer(t, d)

	deliver(t, d, producer, registerMessage("APP1", 42, ""))
	deliver(t, d, producer, registerContextMessage("APP1", "CTX1",
		protocol.MCT_LOG_DEFAULT, protocol.MCT_TRACE_STATUS_DEFAULT, 0, ""))

	payload := bytes.Repeat([]byte{0x42}, 100)
	for i := 0; i < 3; i++ {
		deliver(t, d, producer, logMessage("APP1", "CTX1", protocol.MCT_LOG_INFO, payload))
	}
	assert.Equal(t, 3, d.ring.MessageCount())
	assert.Equal(t, StateBuffer, d.State())

	client := attachClient(t, d)
	assert.Equal(t, StateSendDirect, d.State())
	assert.Equal(t, 0, d.ring.MessageCount())
	assert.Equal(t, int32(1), d.connectionState.Load())

	// the producer learned that a consumer is attached
	frames := parseUserFrames(t, producer.Read(t))
	last := frames[len(frames)-1]
	assert.Equal(t, uint32(protocol.MCT_USER_MESSAGE_LOG_STATE), last.ID)
	assert.Equal(t, byte(1), last.Body[0])

	// the client received the three buffered messages in FIFO order,
	// then the connection info announcement
	data := client.Read(t)
	count := 0
	for len(data) > 0 {
		var msg protocol.Message
		require.Equal(t, protocol.ReadOK, msg.Read(data, false))
		data = data[msg.RemovalSize():]
		if msg.Extended != nil && msg.Extended.MessageType() == protocol.MCT_TYPE_LOG {
			assert.Equal(t, payload, msg.Payload)
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestDirectFanOut(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	producer := attachProducer(t, d)
	deliver(t, d, producer, registerMessage("APP1", 42, ""))
	deliver(t, d, producer, registerContextMessage("APP1", "CTX1",
		protocol.MCT_LOG_DEFAULT, protocol.MCT_TRACE_STATUS_DEFAULT, 0, ""))

	client := attachClient(t, d)
	client.Read(t) // drain the connection info announcement

	deliver(t, d, producer, logMessage("APP1", "CTX1", protocol.MCT_LOG_WARN, []byte("hello")))

	var msg protocol.Message
	require.Equal(t, protocol.ReadOK, msg.Read(client.Read(t), false))
	require.NotNil(t, msg.Extended)
	assert.Equal(t, protocol.MakeID("APP1"), msg.Extended.Apid)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.Equal(t, uint64(1), d.metrics.MessagesSent.Load())
}

func TestOverflowTransitionsToBufferFull(t *testing.T) {
	d, _ := newTestDaemon(t, func(c *config.Config) {
		c.RingbufferMinSize = 256
		c.RingbufferMaxSize = 256
		c.RingbufferStepSize = 128
	})
	producer := attachProducer(t, d)
	deliver(t, d, producer, registerMessage("APP1", 42, ""))
	deliver(t, d, producer, registerContextMessage("APP1", "CTX1",
		protocol.MCT_LOG_DEFAULT, protocol.MCT_TRACE_STATUS_DEFAULT, 0, ""))

	payload := bytes.Repeat([]byte{1}, 100)
	for i := 0; i < 5; i++ {
		deliver(t, d, producer, logMessage("APP1", "CTX1", protocol.MCT_LOG_INFO, payload))
	}
	assert.Equal(t, StateBufferFull, d.State())
	overflow, count := d.OverflowCounter()
	assert.True(t, overflow)
	assert.Positive(t, count)

	// a connecting client drains what survived and gets the overflow
	// control message
	client := attachClient(t, d)
	assert.Equal(t, StateSendDirect, d.State())
	_, count = d.OverflowCounter()
	assert.Zero(t, count)

	sawOverflow := false
	data := client.Read(t)
	for len(data) > 0 {
		var msg protocol.Message
		require.Equal(t, protocol.ReadOK, msg.Read(data, false))
		data = data[msg.RemovalSize():]
		if msg.Extended != nil && msg.Extended.MessageType() == protocol.MCT_TYPE_CONTROL && len(msg.Payload) >= 4 {
			if binary.LittleEndian.Uint32(msg.Payload[0:4]) == protocol.MCT_SERVICE_ID_MESSAGE_BUFFER_OVERFLOW {
				sawOverflow = true
			}
		}
	}
	assert.True(t, sawOverflow)
}

func TestClientDetachReturnsToBuffer(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	client := attachClient(t, d)
	assert.Equal(t, StateSendDirect, d.State())

	// peer closes; the daemon-side handler observes EOF
	client.Close()
	err := d.handleClientMsg(client.Conn)
	require.NoError(t, err)

	assert.Equal(t, StateBuffer, d.State())
	assert.Equal(t, int32(0), d.connectionState.Load())
	assert.Equal(t, int64(0), d.metrics.ConnectedClients.Load())
}

func TestControlRequestOverClientSocket(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	producer := attachProducer(t, d)
	deliver(t, d, producer, registerMessage("APP1", 42, ""))
	deliver(t, d, producer, registerContextMessage("APP1", "CTX1",
		protocol.MCT_LOG_DEFAULT, protocol.MCT_TRACE_STATUS_DEFAULT, 0, ""))

	client := attachClient(t, d)
	client.Read(t) // connection info

	// SET_LOG_LEVEL(APP1, CTX1, WARN) as a framed control request
	payload := make([]byte, 13)
	binary.LittleEndian.PutUint32(payload[0:4], protocol.MCT_SERVICE_ID_SET_LOG_LEVEL)
	copy(payload[4:8], "APP1")
	copy(payload[8:12], "CTX1")
	payload[12] = byte(protocol.MCT_LOG_WARN)

	req := &protocol.Message{
		Standard: protocol.StandardHeader{
			Htyp: protocol.MCT_HTYP_UEH | protocol.MCT_HTYP_PROTOCOL_VERSION1,
		},
		Extended: &protocol.ExtendedHeader{
			Msin: protocol.MakeMsin(false, protocol.MCT_TYPE_CONTROL, protocol.MCT_CONTROL_REQUEST),
			Noar: 1,
			Apid: protocol.MakeID("APP"),
			Ctid: protocol.MakeID("CON"),
		},
		Payload: payload,
	}
	wireHeader := protocol.StandardHeaderSize + protocol.ExtendedHeaderSize
	req.Standard.Len = uint16(wireHeader + len(payload))
	deliver(t, d, client, append(req.WireHeaderBytes(), payload...))

	// the context level changed and the response travelled back
	ctx := d.registry.ContextFind(protocol.MakeID("APP1"), protocol.MakeID("CTX1"), d.registry.Ecu)
	require.NotNil(t, ctx)
	assert.Equal(t, protocol.MCT_LOG_WARN, ctx.LogLevel)

	var resp protocol.Message
	require.Equal(t, protocol.ReadOK, resp.Read(client.Read(t), false))
	require.GreaterOrEqual(t, len(resp.Payload), 5)
	assert.Equal(t, uint32(protocol.MCT_SERVICE_ID_SET_LOG_LEVEL),
		binary.LittleEndian.Uint32(resp.Payload[0:4]))
	assert.Equal(t, uint8(protocol.MCT_SERVICE_RESPONSE_OK), resp.Payload[4])
	// the connection-info announcement and the response each consumed a
	// message counter
	assert.Equal(t, uint8(2), d.mcnt)
}

func TestSendDirectInvariant(t *testing.T) {
	d, _ := newTestDaemon(t, nil)

	// never SEND_DIRECT with no client and no offline trace
	assert.Equal(t, StateBuffer, d.State())

	client := attachClient(t, d)
	assert.Equal(t, StateSendDirect, d.State())

	client.Close()
	require.NoError(t, d.handleClientMsg(client.Conn))
	if d.events.CountByType(clientMask) == 0 && !d.offlineTraceRunning() {
		assert.NotEqual(t, StateSendDirect, d.State())
	}
}

func TestPartialUserMessageRetained(t *testing.T) {
	d, _ := newTestDaemon(t, nil)
	producer := attachProducer(t, d)

	frame := registerMessage("APP1", 42, "desc")
	deliver(t, d, producer, frame[:10])
	assert.Nil(t, d.registry.ApplicationFind(protocol.MakeID("APP1"), d.registry.Ecu))

	deliver(t, d, producer, frame[10:])
	assert.NotNil(t, d.registry.ApplicationFind(protocol.MakeID("APP1"), d.registry.Ecu))
}

func TestUptime(t *testing.T) {
	d, mock := newTestDaemon(t, nil)
	mock.Add(2500 * 1000 * 1000) // 2.5 s
	assert.Equal(t, uint32(25000), d.Uptime())
}
