package events

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/protocol"
)

// SendMultiple writes the given spans to a connection as one message,
// prefixing the serial header magic when requested. Socket and serial fds
// take the same write path; short writes are continued until the span is
// out or the fd errors.
func SendMultiple(c *Connection, serialHeader bool, spans ...[]byte) error {
	if c == nil || c.Fd < 0 {
		return ErrNotRegistered
	}
	if serialHeader {
		if err := writeFull(c.Fd, protocol.SerialPattern[:]); err != nil {
			return err
		}
	}
	for _, span := range spans {
		if len(span) == 0 {
			continue
		}
		if err := writeFull(c.Fd, span); err != nil {
			return err
		}
	}
	return nil
}

func writeFull(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("events: send on fd %d: %w", fd, err)
		}
		if n <= 0 {
			return fmt.Errorf("events: zero write on fd %d", fd)
		}
		data = data[n:]
	}
	return nil
}
