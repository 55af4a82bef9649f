package protocol

import (
	"encoding/binary"
)

// MarshalError is returned for short buffers and bad magics
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrBadPattern       MarshalError = "header pattern mismatch"
)

// MarshalStorageHeader emits the 16-byte storage header. Seconds and
// microseconds travel little endian, matching on-disk trace files.
func MarshalStorageHeader(h *StorageHeader) []byte {
	buf := make([]byte, StorageHeaderSize)
	copy(buf[0:4], h.Pattern[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Seconds)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Microseconds))
	copy(buf[12:16], h.Ecu[:])
	return buf
}

// UnmarshalStorageHeader parses a 16-byte storage header
func UnmarshalStorageHeader(data []byte, h *StorageHeader) error {
	if len(data) < StorageHeaderSize {
		return ErrInsufficientData
	}
	copy(h.Pattern[:], data[0:4])
	h.Seconds = binary.LittleEndian.Uint32(data[4:8])
	h.Microseconds = int32(binary.LittleEndian.Uint32(data[8:12]))
	copy(h.Ecu[:], data[12:16])
	if h.Pattern != StoragePattern {
		return ErrBadPattern
	}
	return nil
}

// MarshalStandardHeader emits the 4-byte standard header. Len is big endian.
func MarshalStandardHeader(h *StandardHeader) []byte {
	buf := make([]byte, StandardHeaderSize)
	buf[0] = h.Htyp
	buf[1] = h.Mcnt
	binary.BigEndian.PutUint16(buf[2:4], h.Len)
	return buf
}

// UnmarshalStandardHeader parses a 4-byte standard header
func UnmarshalStandardHeader(data []byte, h *StandardHeader) error {
	if len(data) < StandardHeaderSize {
		return ErrInsufficientData
	}
	h.Htyp = data[0]
	h.Mcnt = data[1]
	h.Len = binary.BigEndian.Uint16(data[2:4])
	return nil
}

// MarshalHeaderExtra emits the optional fields selected by htyp, in wire
// order: ecu, session id (BE), timestamp (BE).
func MarshalHeaderExtra(htyp uint8, e *HeaderExtra) []byte {
	buf := make([]byte, 0, ExtraSize(htyp))
	if htyp&MCT_HTYP_WEID != 0 {
		buf = append(buf, e.Ecu[:]...)
	}
	if htyp&MCT_HTYP_WSID != 0 {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], e.Seid)
		buf = append(buf, tmp[:]...)
	}
	if htyp&MCT_HTYP_WTMS != 0 {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], e.Tmsp)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// UnmarshalHeaderExtra parses the optional fields selected by htyp,
// byteswapping session id and timestamp to platform order.
func UnmarshalHeaderExtra(htyp uint8, data []byte, e *HeaderExtra) error {
	if len(data) < ExtraSize(htyp) {
		return ErrInsufficientData
	}
	off := 0
	if htyp&MCT_HTYP_WEID != 0 {
		copy(e.Ecu[:], data[off:off+MCT_ID_SIZE])
		off += MCT_ID_SIZE
	}
	if htyp&MCT_HTYP_WSID != 0 {
		e.Seid = binary.BigEndian.Uint32(data[off : off+4])
		off += 4
	}
	if htyp&MCT_HTYP_WTMS != 0 {
		e.Tmsp = binary.BigEndian.Uint32(data[off : off+4])
	}
	return nil
}

// MarshalExtendedHeader emits the 10-byte extended header
func MarshalExtendedHeader(h *ExtendedHeader) []byte {
	buf := make([]byte, ExtendedHeaderSize)
	buf[0] = h.Msin
	buf[1] = h.Noar
	copy(buf[2:6], h.Apid[:])
	copy(buf[6:10], h.Ctid[:])
	return buf
}

// UnmarshalExtendedHeader parses a 10-byte extended header
func UnmarshalExtendedHeader(data []byte, h *ExtendedHeader) error {
	if len(data) < ExtendedHeaderSize {
		return ErrInsufficientData
	}
	h.Msin = data[0]
	h.Noar = data[1]
	copy(h.Apid[:], data[2:6])
	copy(h.Ctid[:], data[6:10])
	return nil
}

// PayloadUint32 reads a payload integer honoring the MSBF flag
func PayloadUint32(htyp uint8, data []byte) uint32 {
	if htyp&MCT_HTYP_MSBF != 0 {
		return binary.BigEndian.Uint32(data)
	}
	return binary.LittleEndian.Uint32(data)
}

// PayloadUint16 reads a payload integer honoring the MSBF flag
func PayloadUint16(htyp uint8, data []byte) uint16 {
	if htyp&MCT_HTYP_MSBF != 0 {
		return binary.BigEndian.Uint16(data)
	}
	return binary.LittleEndian.Uint16(data)
}

// PutPayloadUint32 writes a payload integer honoring the MSBF flag
func PutPayloadUint32(htyp uint8, data []byte, v uint32) {
	if htyp&MCT_HTYP_MSBF != 0 {
		binary.BigEndian.PutUint32(data, v)
	} else {
		binary.LittleEndian.PutUint32(data, v)
	}
}

// HtobeUint16 converts a host-order value to big endian wire bytes
func HtobeUint16(v uint16) [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b
}
