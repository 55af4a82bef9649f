// Package control implements the control-message protocol: request
// parsing, service dispatch, and response assembly.
package control

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mct-labs/go-mctd/internal/protocol"
)

// Daemon-originated control messages carry these identifiers
var (
	DaemonApid = protocol.MakeID("DA1")
	DaemonCtid = protocol.MakeID("DC1")
)

// NewControlMessage wraps a control payload in the daemon's response
// envelope: extended header with DA1/DC1 and a CONTROL mtin.
func NewControlMessage(ecu protocol.ID, mtin uint8, payload []byte, now time.Time, tmsp uint32) *protocol.Message {
	msg := &protocol.Message{
		Standard: protocol.StandardHeader{
			Htyp: protocol.MCT_HTYP_UEH | protocol.MCT_HTYP_WEID |
				protocol.MCT_HTYP_WTMS | protocol.MCT_HTYP_PROTOCOL_VERSION1,
		},
		Extra: protocol.HeaderExtra{Ecu: ecu, Tmsp: tmsp},
		Extended: &protocol.ExtendedHeader{
			Msin: protocol.MakeMsin(false, protocol.MCT_TYPE_CONTROL, mtin),
			Noar: 1,
			Apid: DaemonApid,
			Ctid: DaemonCtid,
		},
		Payload: payload,
	}
	wireHeader := protocol.StandardHeaderSize + protocol.ExtraSize(msg.Standard.Htyp) + protocol.ExtendedHeaderSize
	msg.HeaderSize = protocol.StorageHeaderSize + wireHeader
	msg.DataSize = len(payload)
	msg.Standard.Len = uint16(wireHeader + len(payload))
	msg.SetStorageHeader(ecu, now)
	return msg
}

// NewResponse builds a CONTROL_RESPONSE message
func NewResponse(ecu protocol.ID, payload []byte, now time.Time, tmsp uint32) *protocol.Message {
	return NewControlMessage(ecu, protocol.MCT_CONTROL_RESPONSE, payload, now, tmsp)
}

// NewTimeMessage builds the periodic CONTROL_TIME packet
func NewTimeMessage(ecu protocol.ID, now time.Time, tmsp uint32) *protocol.Message {
	return NewControlMessage(ecu, protocol.MCT_CONTROL_TIME, nil, now, tmsp)
}

// ServiceResponse is the generic {service id, status} payload
func ServiceResponse(serviceID uint32, status uint8) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], serviceID)
	buf[4] = status
	return buf
}

// GetDefaultLogLevelResponse appends the current default to the status
func GetDefaultLogLevelResponse(level protocol.LogLevel) []byte {
	buf := ServiceResponse(protocol.MCT_SERVICE_ID_GET_DEFAULT_LOG_LEVEL, protocol.MCT_SERVICE_RESPONSE_OK)
	return append(buf, byte(level))
}

// GetSoftwareVersionResponse carries the ECU version string
func GetSoftwareVersionResponse(version string) []byte {
	buf := ServiceResponse(protocol.MCT_SERVICE_ID_GET_SOFTWARE_VERSION, protocol.MCT_SERVICE_RESPONSE_OK)
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(version)))
	buf = append(buf, length[:]...)
	return append(buf, version...)
}

// MessageBufferOverflowResponse reports the overflow flag and counter
func MessageBufferOverflowResponse(overflow bool, counter uint32) []byte {
	buf := ServiceResponse(protocol.MCT_SERVICE_ID_MESSAGE_BUFFER_OVERFLOW, protocol.MCT_SERVICE_RESPONSE_OK)
	var fields [8]byte
	if overflow {
		binary.LittleEndian.PutUint32(fields[0:4], 1)
	}
	binary.LittleEndian.PutUint32(fields[4:8], counter)
	return append(buf, fields[:]...)
}

// GetBlockModeResponse reports the active block mode
func GetBlockModeResponse(mode int) []byte {
	buf := ServiceResponse(protocol.MCT_SERVICE_ID_GET_BLOCK_MODE, protocol.MCT_SERVICE_RESPONSE_OK)
	var field [4]byte
	binary.LittleEndian.PutUint32(field[:], uint32(mode))
	return append(buf, field[:]...)
}

// TimezoneResponse reports the current UTC offset and DST flag
func TimezoneResponse(now time.Time) []byte {
	buf := ServiceResponse(protocol.MCT_SERVICE_ID_TIMEZONE, protocol.MCT_SERVICE_RESPONSE_OK)
	_, offset := now.Zone()
	var fields [5]byte
	binary.LittleEndian.PutUint32(fields[0:4], uint32(int32(offset)))
	if now.IsDST() {
		fields[4] = 1
	}
	return append(buf, fields[:]...)
}

// MarkerResponse announces a MARKER event to clients
func MarkerResponse() []byte {
	return ServiceResponse(protocol.MCT_SERVICE_ID_MARKER, protocol.MCT_SERVICE_RESPONSE_OK)
}

// UnregisterContextResponse announces a context unregistration to clients
func UnregisterContextResponse(apid, ctid protocol.ID) []byte {
	buf := ServiceResponse(protocol.MCT_SERVICE_ID_UNREGISTER_CONTEXT, protocol.MCT_SERVICE_RESPONSE_OK)
	buf = append(buf, apid[:]...)
	buf = append(buf, ctid[:]...)
	return append(buf, protocol.GetLogInfoRemoTag[:]...)
}

// ConnectionInfoResponse announces the client connection state
func ConnectionInfoResponse(state uint8) []byte {
	buf := ServiceResponse(protocol.MCT_SERVICE_ID_CONNECTION_INFO, protocol.MCT_SERVICE_RESPONSE_OK)
	buf = append(buf, state)
	return append(buf, protocol.GetLogInfoRemoTag[:]...)
}

// Request payload parsers. Layouts start after the 4-byte service id.

// SetLogLevelRequest is the body of SET_LOG_LEVEL and SET_TRACE_STATUS
type SetLogLevelRequest struct {
	Apid  protocol.ID
	Ctid  protocol.ID
	Value int8
}

// ParseSetLogLevelRequest reads {apid, ctid, value}
func ParseSetLogLevelRequest(body []byte) (*SetLogLevelRequest, error) {
	if len(body) < 9 {
		return nil, protocol.ErrInsufficientData
	}
	r := &SetLogLevelRequest{Value: int8(body[8])}
	copy(r.Apid[:], body[0:4])
	copy(r.Ctid[:], body[4:8])
	return r, nil
}

// GetLogInfoRequest is the body of GET_LOG_INFO
type GetLogInfoRequest struct {
	Options uint8
	Apid    protocol.ID
	Ctid    protocol.ID
}

// ParseGetLogInfoRequest reads {options, apid, ctid}
func ParseGetLogInfoRequest(body []byte) (*GetLogInfoRequest, error) {
	if len(body) < 9 {
		return nil, protocol.ErrInsufficientData
	}
	r := &GetLogInfoRequest{Options: body[0]}
	copy(r.Apid[:], body[1:5])
	copy(r.Ctid[:], body[5:9])
	return r, nil
}

// OfflineLogstorageOp codes carried by the OFFLINE_LOGSTORAGE request
const (
	LogstorageDisconnect = 0
	LogstorageConnect    = 1
	LogstorageSyncCache  = 2
)

// OfflineLogstorageRequest is the body of OFFLINE_LOGSTORAGE
type OfflineLogstorageRequest struct {
	MountPoint string
	Operation  uint8
}

// mountPointFieldLen fixes the on-wire mount point field width
const mountPointFieldLen = 256

// ParseOfflineLogstorageRequest reads {mount_point[256], op}
func ParseOfflineLogstorageRequest(body []byte) (*OfflineLogstorageRequest, error) {
	if len(body) < mountPointFieldLen+1 {
		return nil, protocol.ErrInsufficientData
	}
	raw := body[:mountPointFieldLen]
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return &OfflineLogstorageRequest{
		MountPoint: string(raw),
		Operation:  body[mountPointFieldLen],
	}, nil
}

// MarshalOfflineLogstorageRequest builds the request body; the control CLI
// shares this with the daemon tests.
func MarshalOfflineLogstorageRequest(r *OfflineLogstorageRequest) ([]byte, error) {
	if len(r.MountPoint) >= mountPointFieldLen {
		return nil, fmt.Errorf("control: mount point too long")
	}
	buf := make([]byte, mountPointFieldLen+1)
	copy(buf, r.MountPoint)
	buf[mountPointFieldLen] = r.Operation
	return buf, nil
}

// ParseSetFilterLevelRequest reads the requested level
func ParseSetFilterLevelRequest(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, protocol.ErrInsufficientData
	}
	return binary.LittleEndian.Uint32(body[0:4]), nil
}

// SetBlockModeRequest is the body of SET_BLOCK_MODE
type SetBlockModeRequest struct {
	Apid protocol.ID
	Mode int32
}

// ParseSetBlockModeRequest reads {apid, mode}
func ParseSetBlockModeRequest(body []byte) (*SetBlockModeRequest, error) {
	if len(body) < 8 {
		return nil, protocol.ErrInsufficientData
	}
	r := &SetBlockModeRequest{}
	copy(r.Apid[:], body[0:4])
	r.Mode = int32(binary.LittleEndian.Uint32(body[4:8]))
	return r, nil
}
