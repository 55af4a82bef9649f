package events

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/logging"
)

// HandlerFunc processes one ready connection. A non-nil error marks the
// connection unusable; the loop closes and unregisters it.
type HandlerFunc func(*Connection) error

// ErrPeerClosed is returned by handlers when recv reports an orderly close
var ErrPeerClosed = errors.New("events: peer closed")

// EventHandler multiplexes every daemon fd through one poll set. It is the
// sole owner of Connections and the only code path that closes their fds.
type EventHandler struct {
	connections []*Connection
	handlers    [connectionTypeMax]HandlerFunc

	pollfds []unix.PollFd
	ready   []*Connection
}

// NewEventHandler creates an empty event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// RegisterHandler installs the dispatch target for a connection type
func (e *EventHandler) RegisterHandler(t ConnectionType, fn HandlerFunc) {
	e.handlers[t] = fn
}

// Register adds a connection to the poll set
func (e *EventHandler) Register(c *Connection) error {
	if e.Find(c.Fd) != nil {
		return fmt.Errorf("%w: fd %d", ErrAlreadyRegistered, c.Fd)
	}
	c.Active = true
	e.connections = append(e.connections, c)
	return nil
}

// Unregister removes a connection and closes its fd unless the handle is
// shared with the registry.
func (e *EventHandler) Unregister(c *Connection) error {
	for i, candidate := range e.connections {
		if candidate == c {
			e.connections = append(e.connections[:i], e.connections[i+1:]...)
			c.Active = false
			if !c.LeaveOpen && c.Fd >= 0 {
				_ = unix.Close(c.Fd)
			}
			c.Fd = -1
			return nil
		}
	}
	return ErrNotRegistered
}

// SetActive includes or excludes a registered connection from the poll set
// without touching its fd. Filter-driven deactivation uses this.
func (e *EventHandler) SetActive(c *Connection, active bool) {
	c.Active = active
}

// Find returns the registered connection for fd, or nil
func (e *EventHandler) Find(fd int) *Connection {
	for _, c := range e.connections {
		if c.Fd == fd {
			return c
		}
	}
	return nil
}

// FindByType returns the first connection matching any kind in mask, or nil
func (e *EventHandler) FindByType(mask uint32) *Connection {
	for _, c := range e.connections {
		if c.Type.Mask()&mask != 0 {
			return c
		}
	}
	return nil
}

// EachByType calls fn for every connection matching the mask, in poll order
func (e *EventHandler) EachByType(mask uint32, fn func(*Connection) bool) {
	// iterate over a snapshot: handlers may unregister while we walk
	snapshot := append([]*Connection(nil), e.connections...)
	for _, c := range snapshot {
		if c.Fd < 0 || c.Type.Mask()&mask == 0 {
			continue
		}
		if !fn(c) {
			return
		}
	}
}

// CountByType returns the number of registered connections matching mask
func (e *EventHandler) CountByType(mask uint32) int {
	n := 0
	for _, c := range e.connections {
		if c.Type.Mask()&mask != 0 {
			n++
		}
	}
	return n
}

// Poll runs one dispatch round with the given timeout in milliseconds.
// Returns the number of connections dispatched.
func (e *EventHandler) Poll(timeoutMs int) (int, error) {
	e.pollfds = e.pollfds[:0]
	e.ready = e.ready[:0]
	for _, c := range e.connections {
		if !c.Active || c.Fd < 0 {
			continue
		}
		e.pollfds = append(e.pollfds, unix.PollFd{Fd: int32(c.Fd), Events: c.EventMask})
		e.ready = append(e.ready, c)
	}

	n, err := unix.Poll(e.pollfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	dispatched := 0
	for i := range e.pollfds {
		revents := e.pollfds[i].Revents
		if revents == 0 {
			continue
		}
		c := e.ready[i]
		if c.Fd < 0 {
			// closed by an earlier handler in this round
			continue
		}
		dispatched++

		if revents&(unix.POLLHUP|unix.POLLNVAL|unix.POLLERR) != 0 && revents&unix.POLLIN == 0 {
			logging.Debugf("closing %s connection fd %d: revents 0x%x", c.Type, c.Fd, revents)
			e.CloseConnection(c)
			continue
		}

		fn := e.handlers[c.Type]
		if fn == nil {
			logging.Warnf("no handler for %s connection fd %d", c.Type, c.Fd)
			continue
		}
		if err := fn(c); err != nil {
			if !errors.Is(err, ErrPeerClosed) {
				logging.Debugf("handler error on %s fd %d: %v", c.Type, c.Fd, err)
			}
			e.CloseConnection(c)
		}
	}
	return dispatched, nil
}

// CloseConnection tears one connection down through the handler so pollfd
// bookkeeping stays consistent. Safe to call from within a handler.
func (e *EventHandler) CloseConnection(c *Connection) {
	if err := e.Unregister(c); err != nil {
		logging.Debugf("close of fd %d: %v", c.Fd, err)
	}
}

// Connections returns a snapshot of the registered connections
func (e *EventHandler) Connections() []*Connection {
	return append([]*Connection(nil), e.connections...)
}

// Cleanup closes every registered connection
func (e *EventHandler) Cleanup() {
	for _, c := range e.Connections() {
		e.CloseConnection(c)
	}
}
