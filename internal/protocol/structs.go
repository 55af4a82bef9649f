package protocol

import (
	"bytes"
	"unsafe"
)

// ID is a fixed 4-byte ASCII tag (APID, CTID, ECU id). Shorter values are
// right-padded with NUL; comparisons are 4-byte exact.
type ID [MCT_ID_SIZE]byte

// MakeID builds an ID from a string, keeping the first 4 bytes and padding
// with NUL. The truncation is deliberate and mirrors the wire contract.
func MakeID(s string) ID {
	var id ID
	copy(id[:], s)
	return id
}

// String returns the tag with trailing NULs stripped
func (id ID) String() string {
	i := bytes.IndexByte(id[:], 0)
	if i < 0 {
		return string(id[:])
	}
	return string(id[:i])
}

// Empty reports whether the tag is all NUL
func (id ID) Empty() bool {
	return id == ID{}
}

// Wildcard reports whether the tag acts as a match-all in control requests:
// empty, or ending in '*' (a '*' suffix matches any tail).
func (id ID) Wildcard() bool {
	if id.Empty() {
		return true
	}
	for i := 0; i < MCT_ID_SIZE; i++ {
		if id[i] == '*' {
			return true
		}
		if id[i] == 0 {
			return false
		}
	}
	return false
}

// Matches reports whether candidate matches this possibly-wildcarded tag
func (id ID) Matches(candidate ID) bool {
	if id.Empty() {
		return true
	}
	for i := 0; i < MCT_ID_SIZE; i++ {
		switch id[i] {
		case '*':
			return true
		case 0:
			return candidate[i] == 0
		}
		if id[i] != candidate[i] {
			return false
		}
	}
	return true
}

// StorageHeader is prepended by the daemon when persisting a message or
// handing it to clients. 16 bytes:
//
//	char     pattern[4];  // "DLT" 0x01
//	uint32_t seconds;     // wall clock seconds, little endian
//	int32_t  microseconds;
//	char     ecu[4];
type StorageHeader struct {
	Pattern      [4]byte
	Seconds      uint32
	Microseconds int32
	Ecu          ID
}

// StandardHeader starts every message on the wire. 4 bytes:
//
//	uint8_t  htyp;  // header type flags
//	uint8_t  mcnt;  // message counter
//	uint16_t len;   // standard header through payload end, big endian
type StandardHeader struct {
	Htyp uint8
	Mcnt uint8
	Len  uint16
}

// HeaderExtra carries the optional standard header fields. Presence of each
// is flagged in htyp (WEID/WSID/WTMS); Seid and Tmsp travel big endian.
type HeaderExtra struct {
	Ecu  ID
	Seid uint32
	Tmsp uint32
}

// ExtendedHeader is present iff MCT_HTYP_UEH. 10 bytes:
//
//	uint8_t msin;  // message info
//	uint8_t noar;  // number of arguments
//	char    apid[4];
//	char    ctid[4];
type ExtendedHeader struct {
	Msin uint8
	Noar uint8
	Apid ID
	Ctid ID
}

// Wire sizes. The structs above are already packed, but the wire contract
// is byte-level, so sizes are spelled out rather than derived.
const (
	StorageHeaderSize  = 16
	StandardHeaderSize = 4
	ExtendedHeaderSize = 10
	SerialHeaderSize   = 4
	UserHeaderSize     = 8
)

var _ [StorageHeaderSize]byte = [unsafe.Sizeof(StorageHeader{})]byte{}
var _ [StandardHeaderSize]byte = [unsafe.Sizeof(StandardHeader{})]byte{}
var _ [ExtendedHeaderSize]byte = [unsafe.Sizeof(ExtendedHeader{})]byte{}

// UseExtendedHeader reports the UEH flag
func (h *StandardHeader) UseExtendedHeader() bool { return h.Htyp&MCT_HTYP_UEH != 0 }

// IsBigEndian reports the MSBF flag governing payload integer order
func (h *StandardHeader) IsBigEndian() bool { return h.Htyp&MCT_HTYP_MSBF != 0 }

// WithEcu reports the WEID flag
func (h *StandardHeader) WithEcu() bool { return h.Htyp&MCT_HTYP_WEID != 0 }

// WithSessionID reports the WSID flag
func (h *StandardHeader) WithSessionID() bool { return h.Htyp&MCT_HTYP_WSID != 0 }

// WithTimestamp reports the WTMS flag
func (h *StandardHeader) WithTimestamp() bool { return h.Htyp&MCT_HTYP_WTMS != 0 }

// ExtraSize returns the byte length of the optional extra fields for htyp
func ExtraSize(htyp uint8) int {
	size := 0
	if htyp&MCT_HTYP_WEID != 0 {
		size += MCT_ID_SIZE
	}
	if htyp&MCT_HTYP_WSID != 0 {
		size += 4
	}
	if htyp&MCT_HTYP_WTMS != 0 {
		size += 4
	}
	return size
}

// MessageType extracts MSTP from msin
func (e *ExtendedHeader) MessageType() uint8 {
	return (e.Msin & MCT_MSIN_MSTP) >> MCT_MSIN_MSTP_SHIFT
}

// MessageTypeInfo extracts MTIN from msin
func (e *ExtendedHeader) MessageTypeInfo() uint8 {
	return (e.Msin & MCT_MSIN_MTIN) >> MCT_MSIN_MTIN_SHIFT
}

// Verbose reports the VERB bit
func (e *ExtendedHeader) Verbose() bool { return e.Msin&MCT_MSIN_VERB != 0 }

// IsControlRequest reports a CONTROL/REQUEST message
func (e *ExtendedHeader) IsControlRequest() bool {
	return e.MessageType() == MCT_TYPE_CONTROL && e.MessageTypeInfo() == MCT_CONTROL_REQUEST
}

// MakeMsin assembles a msin byte
func MakeMsin(verbose bool, mstp, mtin uint8) uint8 {
	m := (mstp << MCT_MSIN_MSTP_SHIFT) & MCT_MSIN_MSTP
	m |= (mtin << MCT_MSIN_MTIN_SHIFT) & MCT_MSIN_MTIN
	if verbose {
		m |= MCT_MSIN_VERB
	}
	return m
}
