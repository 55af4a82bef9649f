package protocol

import (
	"bytes"
	"time"
)

// ReadResult reports the outcome of parsing a message from a byte span
type ReadResult int

const (
	// ReadOK means a complete message was parsed
	ReadOK ReadResult = 0
	// ReadSize means the span ends mid-message; keep bytes and retry
	ReadSize ReadResult = -2
	// ReadError means the span cannot be a valid message
	ReadError ReadResult = -1
)

// Message is one parsed wire message plus the storage header the daemon
// stamps before persisting or forwarding.
type Message struct {
	Storage  StorageHeader
	Standard StandardHeader
	Extra    HeaderExtra
	Extended *ExtendedHeader

	Payload []byte

	// HeaderSize counts storage+standard+extra+extended, DataSize the payload
	HeaderSize int
	DataSize   int

	// FoundSerialHeader is set when a serial magic preceded the message;
	// ResyncOffset counts garbage bytes skipped before it. Both belong in
	// the caller's removal count.
	FoundSerialHeader bool
	ResyncOffset      int
}

// Read parses one message from buf. With resync set the span is scanned for
// the serial header magic first and leading garbage is accounted in
// ResyncOffset. A partial trailing message is never consumed: ReadSize tells
// the caller to keep the bytes and retry after the next receive.
func (m *Message) Read(buf []byte, resync bool) ReadResult {
	m.FoundSerialHeader = false
	m.ResyncOffset = 0
	p := 0

	if resync {
		i := bytes.Index(buf, SerialPattern[:])
		if i < 0 {
			// No sync point in sight; ask for more bytes. The receiver
			// keeps its tail so an in-flight magic is not cut in half.
			return ReadSize
		}
		m.ResyncOffset = i
		m.FoundSerialHeader = true
		p = i + SerialHeaderSize
	} else if len(buf) >= SerialHeaderSize && bytes.Equal(buf[:SerialHeaderSize], SerialPattern[:]) {
		m.FoundSerialHeader = true
		p = SerialHeaderSize
	}

	if len(buf)-p < StandardHeaderSize {
		return ReadSize
	}
	if err := UnmarshalStandardHeader(buf[p:], &m.Standard); err != nil {
		return ReadError
	}

	extraSize := ExtraSize(m.Standard.Htyp)
	if m.Standard.UseExtendedHeader() {
		extraSize += ExtendedHeaderSize
	}
	m.HeaderSize = StorageHeaderSize + StandardHeaderSize + extraSize
	m.DataSize = int(m.Standard.Len) - (m.HeaderSize - StorageHeaderSize)
	if m.DataSize < 0 {
		return ReadError
	}

	wireHeader := m.HeaderSize - StorageHeaderSize
	if len(buf)-p < wireHeader {
		return ReadSize
	}
	if err := UnmarshalHeaderExtra(m.Standard.Htyp, buf[p+StandardHeaderSize:], &m.Extra); err != nil {
		return ReadError
	}
	if m.Standard.UseExtendedHeader() {
		m.Extended = &ExtendedHeader{}
		off := p + StandardHeaderSize + ExtraSize(m.Standard.Htyp)
		if err := UnmarshalExtendedHeader(buf[off:], m.Extended); err != nil {
			return ReadError
		}
	} else {
		m.Extended = nil
	}

	if len(buf)-p < wireHeader+m.DataSize {
		return ReadSize
	}
	m.Payload = append(m.Payload[:0], buf[p+wireHeader:p+wireHeader+m.DataSize]...)
	return ReadOK
}

// RemovalSize is the number of receiver bytes this message consumed,
// including any serial header and resync garbage.
func (m *Message) RemovalSize() int {
	n := m.HeaderSize + m.DataSize - StorageHeaderSize + m.ResyncOffset
	if m.FoundSerialHeader {
		n += SerialHeaderSize
	}
	return n
}

// SetStorageHeader stamps the storage header with the ECU id and wall clock
func (m *Message) SetStorageHeader(ecu ID, now time.Time) {
	m.Storage.Pattern = StoragePattern
	m.Storage.Seconds = uint32(now.Unix())
	m.Storage.Microseconds = int32(now.Nanosecond() / 1000)
	m.Storage.Ecu = ecu
}

// HeaderBytes assembles storage+standard+extra+extended wire bytes
func (m *Message) HeaderBytes() []byte {
	buf := make([]byte, 0, m.HeaderSize)
	buf = append(buf, MarshalStorageHeader(&m.Storage)...)
	buf = append(buf, MarshalStandardHeader(&m.Standard)...)
	buf = append(buf, MarshalHeaderExtra(m.Standard.Htyp, &m.Extra)...)
	if m.Extended != nil {
		buf = append(buf, MarshalExtendedHeader(m.Extended)...)
	}
	return buf
}

// WireHeaderBytes assembles the header as sent to clients: everything after
// the storage header.
func (m *Message) WireHeaderBytes() []byte {
	return m.HeaderBytes()[StorageHeaderSize:]
}

// Apid returns the extended header apid, or the zero ID without one
func (m *Message) Apid() ID {
	if m.Extended == nil {
		return ID{}
	}
	return m.Extended.Apid
}

// Ctid returns the extended header ctid, or the zero ID without one
func (m *Message) Ctid() ID {
	if m.Extended == nil {
		return ID{}
	}
	return m.Extended.Ctid
}
