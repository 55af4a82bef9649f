package protocol

import (
	"encoding/binary"
)

// Producer IPC framing. Every message a producer writes into the daemon
// FIFO/socket starts with an 8-byte user header; the daemon replies on the
// producer's own handle with the same framing. Integers are little endian:
// producer and daemon always share a host.

// UserHeader frames producer IPC messages
type UserHeader struct {
	Pattern [4]byte
	Message uint32
}

// MarshalUserHeader emits the 8-byte user header
func MarshalUserHeader(message uint32) []byte {
	buf := make([]byte, UserHeaderSize)
	copy(buf[0:4], UserHeaderPattern[:])
	binary.LittleEndian.PutUint32(buf[4:8], message)
	return buf
}

// UnmarshalUserHeader parses and validates the 8-byte user header
func UnmarshalUserHeader(data []byte, h *UserHeader) error {
	if len(data) < UserHeaderSize {
		return ErrInsufficientData
	}
	copy(h.Pattern[:], data[0:4])
	h.Message = binary.LittleEndian.Uint32(data[4:8])
	if h.Pattern != UserHeaderPattern {
		return ErrBadPattern
	}
	return nil
}

// UserRegisterApplication follows the header of REGISTER_APPLICATION.
// The description bytes follow the fixed part.
type UserRegisterApplication struct {
	Apid              ID
	Pid               uint32
	DescriptionLength uint32
}

const UserRegisterApplicationSize = 12

// UnmarshalUserRegisterApplication parses the fixed part
func UnmarshalUserRegisterApplication(data []byte, r *UserRegisterApplication) error {
	if len(data) < UserRegisterApplicationSize {
		return ErrInsufficientData
	}
	copy(r.Apid[:], data[0:4])
	r.Pid = binary.LittleEndian.Uint32(data[4:8])
	r.DescriptionLength = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// MarshalUserRegisterApplication emits the fixed part
func MarshalUserRegisterApplication(r *UserRegisterApplication) []byte {
	buf := make([]byte, UserRegisterApplicationSize)
	copy(buf[0:4], r.Apid[:])
	binary.LittleEndian.PutUint32(buf[4:8], r.Pid)
	binary.LittleEndian.PutUint32(buf[8:12], r.DescriptionLength)
	return buf
}

// UserUnregisterApplication follows the header of UNREGISTER_APPLICATION
type UserUnregisterApplication struct {
	Apid ID
	Pid  uint32
}

const UserUnregisterApplicationSize = 8

// UnmarshalUserUnregisterApplication parses the message body
func UnmarshalUserUnregisterApplication(data []byte, r *UserUnregisterApplication) error {
	if len(data) < UserUnregisterApplicationSize {
		return ErrInsufficientData
	}
	copy(r.Apid[:], data[0:4])
	r.Pid = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

// MarshalUserUnregisterApplication emits the message body
func MarshalUserUnregisterApplication(r *UserUnregisterApplication) []byte {
	buf := make([]byte, UserUnregisterApplicationSize)
	copy(buf[0:4], r.Apid[:])
	binary.LittleEndian.PutUint32(buf[4:8], r.Pid)
	return buf
}

// UserRegisterContext follows the header of REGISTER_CONTEXT.
// The description bytes follow the fixed part.
type UserRegisterContext struct {
	Apid              ID
	Ctid              ID
	LogLevelPos       int32
	LogLevel          int8
	TraceStatus       int8
	Pid               uint32
	DescriptionLength uint32
}

const UserRegisterContextSize = 22

// UnmarshalUserRegisterContext parses the fixed part
func UnmarshalUserRegisterContext(data []byte, r *UserRegisterContext) error {
	if len(data) < UserRegisterContextSize {
		return ErrInsufficientData
	}
	copy(r.Apid[:], data[0:4])
	copy(r.Ctid[:], data[4:8])
	r.LogLevelPos = int32(binary.LittleEndian.Uint32(data[8:12]))
	r.LogLevel = int8(data[12])
	r.TraceStatus = int8(data[13])
	r.Pid = binary.LittleEndian.Uint32(data[14:18])
	r.DescriptionLength = binary.LittleEndian.Uint32(data[18:22])
	return nil
}

// MarshalUserRegisterContext emits the fixed part
func MarshalUserRegisterContext(r *UserRegisterContext) []byte {
	buf := make([]byte, UserRegisterContextSize)
	copy(buf[0:4], r.Apid[:])
	copy(buf[4:8], r.Ctid[:])
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.LogLevelPos))
	buf[12] = byte(r.LogLevel)
	buf[13] = byte(r.TraceStatus)
	binary.LittleEndian.PutUint32(buf[14:18], r.Pid)
	binary.LittleEndian.PutUint32(buf[18:22], r.DescriptionLength)
	return buf
}

// UserUnregisterContext follows the header of UNREGISTER_CONTEXT
type UserUnregisterContext struct {
	Apid ID
	Ctid ID
	Pid  uint32
}

const UserUnregisterContextSize = 12

// UnmarshalUserUnregisterContext parses the message body
func UnmarshalUserUnregisterContext(data []byte, r *UserUnregisterContext) error {
	if len(data) < UserUnregisterContextSize {
		return ErrInsufficientData
	}
	copy(r.Apid[:], data[0:4])
	copy(r.Ctid[:], data[4:8])
	r.Pid = binary.LittleEndian.Uint32(data[8:12])
	return nil
}

// MarshalUserUnregisterContext emits the message body
func MarshalUserUnregisterContext(r *UserUnregisterContext) []byte {
	buf := make([]byte, UserUnregisterContextSize)
	copy(buf[0:4], r.Apid[:])
	copy(buf[4:8], r.Ctid[:])
	binary.LittleEndian.PutUint32(buf[8:12], r.Pid)
	return buf
}

// UserLogLevel is pushed daemon->producer to set effective level and status
type UserLogLevel struct {
	LogLevel    uint8
	TraceStatus uint8
	LogLevelPos int32
}

const UserLogLevelSize = 6

// MarshalUserLogLevel emits the message body
func MarshalUserLogLevel(r *UserLogLevel) []byte {
	buf := make([]byte, UserLogLevelSize)
	buf[0] = r.LogLevel
	buf[1] = r.TraceStatus
	binary.LittleEndian.PutUint32(buf[2:6], uint32(r.LogLevelPos))
	return buf
}

// UnmarshalUserLogLevel parses the message body
func UnmarshalUserLogLevel(data []byte, r *UserLogLevel) error {
	if len(data) < UserLogLevelSize {
		return ErrInsufficientData
	}
	r.LogLevel = data[0]
	r.TraceStatus = data[1]
	r.LogLevelPos = int32(binary.LittleEndian.Uint32(data[2:6]))
	return nil
}

// UserLogState is pushed daemon->producer on client connect/disconnect
type UserLogState struct {
	LogState int8
}

const UserLogStateSize = 1

// MarshalUserLogState emits the message body
func MarshalUserLogState(r *UserLogState) []byte {
	return []byte{byte(r.LogState)}
}

// UserAppLogLevelTraceStatus follows the header of APP_LL_TS: a producer
// request to change all its contexts at once.
type UserAppLogLevelTraceStatus struct {
	Apid        ID
	LogLevel    int8
	TraceStatus int8
}

const UserAppLogLevelTraceStatusSize = 6

// UnmarshalUserAppLogLevelTraceStatus parses the message body
func UnmarshalUserAppLogLevelTraceStatus(data []byte, r *UserAppLogLevelTraceStatus) error {
	if len(data) < UserAppLogLevelTraceStatusSize {
		return ErrInsufficientData
	}
	copy(r.Apid[:], data[0:4])
	r.LogLevel = int8(data[4])
	r.TraceStatus = int8(data[5])
	return nil
}

// UserOverflow follows the header of OVERFLOW: a producer reporting lost
// messages on its side.
type UserOverflow struct {
	OverflowCounter uint32
	Apid            ID
}

const UserOverflowSize = 8

// UnmarshalUserOverflow parses the message body
func UnmarshalUserOverflow(data []byte, r *UserOverflow) error {
	if len(data) < UserOverflowSize {
		return ErrInsufficientData
	}
	r.OverflowCounter = binary.LittleEndian.Uint32(data[0:4])
	copy(r.Apid[:], data[4:8])
	return nil
}

// UserSetBlockMode travels both directions: control->daemon->producer
type UserSetBlockMode struct {
	Apid      ID
	BlockMode int32
}

const UserSetBlockModeSize = 8

// MarshalUserSetBlockMode emits the message body
func MarshalUserSetBlockMode(r *UserSetBlockMode) []byte {
	buf := make([]byte, UserSetBlockModeSize)
	copy(buf[0:4], r.Apid[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.BlockMode))
	return buf
}

// UnmarshalUserSetBlockMode parses the message body
func UnmarshalUserSetBlockMode(data []byte, r *UserSetBlockMode) error {
	if len(data) < UserSetBlockModeSize {
		return ErrInsufficientData
	}
	copy(r.Apid[:], data[0:4])
	r.BlockMode = int32(binary.LittleEndian.Uint32(data[4:8]))
	return nil
}

// UserInjection frames an injection forwarded daemon->producer; the raw
// injection payload follows the fixed part.
type UserInjection struct {
	LogLevelPos int32
	ServiceID   uint32
	DataLength  uint32
}

const UserInjectionSize = 12

// MarshalUserInjection emits the fixed part
func MarshalUserInjection(r *UserInjection) []byte {
	buf := make([]byte, UserInjectionSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.LogLevelPos))
	binary.LittleEndian.PutUint32(buf[4:8], r.ServiceID)
	binary.LittleEndian.PutUint32(buf[8:12], r.DataLength)
	return buf
}

// UnmarshalUserInjection parses the fixed part
func UnmarshalUserInjection(data []byte, r *UserInjection) error {
	if len(data) < UserInjectionSize {
		return ErrInsufficientData
	}
	r.LogLevelPos = int32(binary.LittleEndian.Uint32(data[0:4]))
	r.ServiceID = binary.LittleEndian.Uint32(data[4:8])
	r.DataLength = binary.LittleEndian.Uint32(data[8:12])
	return nil
}
