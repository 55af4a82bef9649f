// Package events provides the daemon's poll-based event core: typed
// connections, the dispatch loop, and the periodic timers.
package events

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/receiver"
)

// ConnectionType tags what a registered fd is for; dispatch and the filter
// client mask both key off it.
type ConnectionType int

const (
	ConnectionNone ConnectionType = iota
	ConnectionClientConnect
	ConnectionClientMsgTCP
	ConnectionClientMsgSerial
	ConnectionAppConnect
	ConnectionAppMsg
	ConnectionOneSecTimer
	ConnectionSixtySecTimer
	ConnectionControlConnect
	ConnectionControlMsg
	ConnectionClientMsgOfflineLogstorage
	ConnectionClientMsgOfflineTrace
	ConnectionSignal

	connectionTypeMax
)

var connectionTypeNames = map[ConnectionType]string{
	ConnectionNone:                       "none",
	ConnectionClientConnect:              "client listener",
	ConnectionClientMsgTCP:               "tcp client",
	ConnectionClientMsgSerial:            "serial client",
	ConnectionAppConnect:                 "app listener",
	ConnectionAppMsg:                     "app",
	ConnectionOneSecTimer:                "1s timer",
	ConnectionSixtySecTimer:              "60s timer",
	ConnectionControlConnect:             "control listener",
	ConnectionControlMsg:                 "control",
	ConnectionClientMsgOfflineLogstorage: "offline logstorage",
	ConnectionClientMsgOfflineTrace:      "offline trace",
	ConnectionSignal:                     "signal pipe",
}

func (t ConnectionType) String() string {
	if s, ok := connectionTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Mask returns the connection-kind bit used in filter client masks
func (t ConnectionType) Mask() uint32 { return 1 << uint(t) }

// MaskAll covers every connection kind
const MaskAll uint32 = 1<<uint(connectionTypeMax) - 1

// DefaultMask covers the kinds the daemon cannot run without; filter
// configurations always include it.
var DefaultMask = ConnectionAppConnect.Mask() |
	ConnectionAppMsg.Mask() |
	ConnectionControlConnect.Mask() |
	ConnectionControlMsg.Mask() |
	ConnectionOneSecTimer.Mask() |
	ConnectionSixtySecTimer.Mask() |
	ConnectionSignal.Mask()

// Connection is one registered fd. The event handler owns every Connection;
// closing always flows through it so fd-indexed state stays consistent.
type Connection struct {
	Fd       int
	Type     ConnectionType
	Receiver *receiver.Receiver

	// Active mirrors presence in the poll set; an inactive connection
	// keeps its fd but is not dispatched.
	Active bool

	// EventMask holds the poll events of interest (POLLIN unless changed)
	EventMask int16

	// LeaveOpen keeps the fd alive on unregister for handles shared with
	// the registry (FIFO producer handles).
	LeaveOpen bool
}

var (
	// ErrAlreadyRegistered means the fd is already known to the handler
	ErrAlreadyRegistered = errors.New("events: fd already registered")
	// ErrNotRegistered means the connection is not known to the handler
	ErrNotRegistered = errors.New("events: connection not registered")
)

// NewConnection builds a connection with a receiver sized for the transport
func NewConnection(fd int, t ConnectionType, transport receiver.Transport) *Connection {
	return &Connection{
		Fd:        fd,
		Type:      t,
		Receiver:  receiver.New(fd, transport, receiver.DefaultBufferSize),
		EventMask: int16(unix.POLLIN),
	}
}
