package protocol

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wire struct sizes are a contract, not an implementation detail
func TestStructSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     uintptr
		expected int
	}{
		{"StorageHeader", unsafe.Sizeof(StorageHeader{}), 16},
		{"StandardHeader", unsafe.Sizeof(StandardHeader{}), 4},
		{"ExtendedHeader", unsafe.Sizeof(ExtendedHeader{}), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if int(tt.size) != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestMakeID(t *testing.T) {
	assert.Equal(t, ID{'A', 'P', 'P', '1'}, MakeID("APP1"))
	assert.Equal(t, ID{'A', 'B', 0, 0}, MakeID("AB"))
	assert.Equal(t, ID{'L', 'O', 'N', 'G'}, MakeID("LONGER"))
	assert.Equal(t, "AB", MakeID("AB").String())
	assert.True(t, MakeID("").Empty())
}

func TestIDMatches(t *testing.T) {
	tests := []struct {
		pattern   string
		candidate string
		want      bool
	}{
		{"", "APP1", true},
		{"APP1", "APP1", true},
		{"APP1", "APP2", false},
		{"AP*", "APP1", true},
		{"AP*", "AXP1", false},
		{"*", "ANY", true},
		{"AB", "AB", true},
		{"AB", "ABC", false},
	}
	for _, tt := range tests {
		got := MakeID(tt.pattern).Matches(MakeID(tt.candidate))
		assert.Equal(t, tt.want, got, "pattern %q candidate %q", tt.pattern, tt.candidate)
	}
}

// parse(emit(msg)) == msg over all header flag combinations
func TestMessageRoundTrip(t *testing.T) {
	for htyp := uint8(0); htyp < 0x20; htyp++ {
		flags := (htyp & 0x1f) | MCT_HTYP_PROTOCOL_VERSION1
		msg := &Message{
			Standard: StandardHeader{Htyp: flags, Mcnt: 7},
			Extra:    HeaderExtra{Ecu: MakeID("ECU1"), Seid: 0x11223344, Tmsp: 0x55667788},
		}
		payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
		if flags&MCT_HTYP_UEH != 0 {
			msg.Extended = &ExtendedHeader{
				Msin: MakeMsin(true, MCT_TYPE_LOG, uint8(MCT_LOG_INFO)),
				Noar: 1,
				Apid: MakeID("APP1"),
				Ctid: MakeID("CTX1"),
			}
		}
		wireHeader := StandardHeaderSize + ExtraSize(flags)
		if flags&MCT_HTYP_UEH != 0 {
			wireHeader += ExtendedHeaderSize
		}
		msg.Standard.Len = uint16(wireHeader + len(payload))

		wire := append(msg.WireHeaderBytes(), payload...)

		var parsed Message
		require.Equal(t, ReadOK, parsed.Read(wire, false), "htyp 0x%02x", flags)
		assert.Equal(t, msg.Standard, parsed.Standard)
		assert.Equal(t, payload, parsed.Payload)
		assert.Equal(t, len(wire), parsed.RemovalSize())

		if flags&MCT_HTYP_WEID != 0 {
			assert.Equal(t, MakeID("ECU1"), parsed.Extra.Ecu)
		}
		if flags&MCT_HTYP_WSID != 0 {
			assert.Equal(t, uint32(0x11223344), parsed.Extra.Seid)
		}
		if flags&MCT_HTYP_WTMS != 0 {
			assert.Equal(t, uint32(0x55667788), parsed.Extra.Tmsp)
		}
		if flags&MCT_HTYP_UEH != 0 {
			require.NotNil(t, parsed.Extended)
			assert.Equal(t, *msg.Extended, *parsed.Extended)
		}
	}
}

func TestMessageReadPartial(t *testing.T) {
	msg := &Message{
		Standard: StandardHeader{Htyp: MCT_HTYP_PROTOCOL_VERSION1 | MCT_HTYP_WEID},
		Extra:    HeaderExtra{Ecu: MakeID("ECU1")},
	}
	payload := []byte("hello")
	msg.Standard.Len = uint16(StandardHeaderSize + MCT_ID_SIZE + len(payload))
	wire := append(msg.WireHeaderBytes(), payload...)

	// every strict prefix must report Size, never Error
	for i := 0; i < len(wire); i++ {
		var parsed Message
		assert.Equal(t, ReadSize, parsed.Read(wire[:i], false), "prefix %d", i)
	}
	var parsed Message
	assert.Equal(t, ReadOK, parsed.Read(wire, false))
}

func TestMessageSerialResync(t *testing.T) {
	msg := &Message{
		Standard: StandardHeader{Htyp: MCT_HTYP_PROTOCOL_VERSION1},
	}
	payload := []byte{1, 2, 3}
	msg.Standard.Len = uint16(StandardHeaderSize + len(payload))
	wire := append(msg.WireHeaderBytes(), payload...)

	garbage := []byte{0xff, 0xee, 0xdd}
	stream := append(append(append([]byte{}, garbage...), SerialPattern[:]...), wire...)

	var parsed Message
	require.Equal(t, ReadOK, parsed.Read(stream, true))
	assert.True(t, parsed.FoundSerialHeader)
	assert.Equal(t, len(garbage), parsed.ResyncOffset)
	assert.Equal(t, payload, parsed.Payload)
	assert.Equal(t, len(stream), parsed.RemovalSize())

	// no magic anywhere: keep waiting, do not consume
	var waiting Message
	assert.Equal(t, ReadSize, waiting.Read(garbage, true))
}

func TestMessageReadRejectsBadLen(t *testing.T) {
	// len smaller than its own header is a protocol violation
	h := StandardHeader{Htyp: MCT_HTYP_PROTOCOL_VERSION1 | MCT_HTYP_UEH, Len: 2}
	wire := MarshalStandardHeader(&h)
	wire = append(wire, make([]byte, 32)...)

	var parsed Message
	assert.Equal(t, ReadError, parsed.Read(wire, false))
}

func TestSetStorageHeader(t *testing.T) {
	var msg Message
	now := time.Unix(1700000000, 123456000)
	msg.SetStorageHeader(MakeID("ECU1"), now)
	assert.Equal(t, StoragePattern, msg.Storage.Pattern)
	assert.Equal(t, uint32(1700000000), msg.Storage.Seconds)
	assert.Equal(t, int32(123456), msg.Storage.Microseconds)

	raw := MarshalStorageHeader(&msg.Storage)
	var back StorageHeader
	require.NoError(t, UnmarshalStorageHeader(raw, &back))
	assert.Equal(t, msg.Storage, back)
}

func TestPayloadEndianHelpers(t *testing.T) {
	le := []byte{0x78, 0x56, 0x34, 0x12}
	be := []byte{0x12, 0x34, 0x56, 0x78}
	assert.Equal(t, uint32(0x12345678), PayloadUint32(0, le))
	assert.Equal(t, uint32(0x12345678), PayloadUint32(MCT_HTYP_MSBF, be))

	buf := make([]byte, 4)
	PutPayloadUint32(MCT_HTYP_MSBF, buf, 0x12345678)
	assert.Equal(t, be, buf)
}

func TestUserMessageRoundTrips(t *testing.T) {
	reg := &UserRegisterContext{
		Apid:              MakeID("APP1"),
		Ctid:              MakeID("CTX1"),
		LogLevelPos:       3,
		LogLevel:          int8(MCT_LOG_WARN),
		TraceStatus:       int8(MCT_TRACE_STATUS_OFF),
		Pid:               42,
		DescriptionLength: 5,
	}
	var regBack UserRegisterContext
	require.NoError(t, UnmarshalUserRegisterContext(MarshalUserRegisterContext(reg), &regBack))
	assert.Equal(t, *reg, regBack)

	hdr := MarshalUserHeader(MCT_USER_MESSAGE_REGISTER_CONTEXT)
	var uh UserHeader
	require.NoError(t, UnmarshalUserHeader(hdr, &uh))
	assert.Equal(t, uint32(MCT_USER_MESSAGE_REGISTER_CONTEXT), uh.Message)

	var bad [UserHeaderSize]byte
	assert.Error(t, UnmarshalUserHeader(bad[:], &uh))

	bm := &UserSetBlockMode{Apid: MakeID("ALL"), BlockMode: MCT_MODE_BLOCKING}
	var bmBack UserSetBlockMode
	require.NoError(t, UnmarshalUserSetBlockMode(MarshalUserSetBlockMode(bm), &bmBack))
	assert.Equal(t, *bm, bmBack)
}
