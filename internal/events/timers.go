package events

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/receiver"
)

// CreateTimer registers a periodic timerfd firing every period seconds and
// dispatching to the handler installed for t. A zero or negative period
// disables the timer without error, mirroring the daemon options that turn
// individual timers off.
func (e *EventHandler) CreateTimer(t ConnectionType, periodSec int) (*Connection, error) {
	if periodSec <= 0 {
		return nil, nil
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("events: timerfd create: %w", err)
	}
	spec := unix.ItimerSpec{
		Interval: unix.Timespec{Sec: int64(periodSec)},
		Value:    unix.Timespec{Sec: int64(periodSec)},
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("events: timerfd settime: %w", err)
	}

	c := NewConnection(fd, t, receiver.TransportSocket)
	if err := e.Register(c); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return c, nil
}

// DrainTimer consumes the 8-byte expiration count from a fired timerfd and
// returns it. Timer handlers call this before acting.
func DrainTimer(c *Connection) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(c.Fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("events: short timerfd read: %d", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
