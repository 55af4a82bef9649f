package events

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mct-labs/go-mctd/internal/logging"
)

// Listener permissions per the IPC contract
const (
	AppSocketPerm     = 0o666
	ControlSocketPerm = 0o660
	FifoPerm          = 0o620
	FifoDirPerm       = 0o3730 // rwx group SGID + sticky
)

// CreateTCPListener opens one listening socket per bind address on port.
// An empty address list binds the wildcard address.
func CreateTCPListener(port int, bindAddrs []string, backlog int) ([]int, error) {
	if len(bindAddrs) == 0 {
		bindAddrs = []string{"0.0.0.0"}
	}
	var fds []int
	for _, addr := range bindAddrs {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("events: tcp socket: %w", err)
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

		sa := &unix.SockaddrInet4{Port: port}
		ip := parseIPv4(addr)
		if ip == nil {
			_ = unix.Close(fd)
			closeAll(fds)
			return nil, fmt.Errorf("events: invalid bind address %q", addr)
		}
		copy(sa.Addr[:], ip)
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			closeAll(fds)
			return nil, fmt.Errorf("events: bind %s:%d: %w", addr, port, err)
		}
		if err := unix.Listen(fd, backlog); err != nil {
			_ = unix.Close(fd)
			closeAll(fds)
			return nil, fmt.Errorf("events: listen %s:%d: %w", addr, port, err)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

func parseIPv4(s string) []byte {
	var a, b, c, d int
	if _, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil {
		return nil
	}
	for _, v := range []int{a, b, c, d} {
		if v < 0 || v > 255 {
			return nil
		}
	}
	return []byte{byte(a), byte(b), byte(c), byte(d)}
}

// CreateUnixListener binds a stream socket at path with the given mode,
// replacing any stale socket file.
func CreateUnixListener(path string, perm os.FileMode, backlog int) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return -1, fmt.Errorf("events: socket dir: %w", err)
	}
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("events: unix socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("events: bind %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		logging.Warnf("cannot chmod %s: %v", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("events: listen %s: %w", path, err)
	}
	return fd, nil
}

// CreateFifo creates the producer FIFO and opens the daemon's read end.
// The optional group overrides FIFO group ownership; pipeSize applies
// F_SETPIPE_SZ when positive.
func CreateFifo(path string, gid int, pipeSize int) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return -1, fmt.Errorf("events: fifo dir: %w", err)
	}
	if err := os.Chmod(dir, os.FileMode(FifoDirPerm)); err != nil {
		logging.Warnf("cannot chmod %s: %v", dir, err)
	}
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, FifoPerm); err != nil {
		return -1, fmt.Errorf("events: mkfifo %s: %w", path, err)
	}
	if gid >= 0 {
		if err := os.Chown(path, -1, gid); err != nil {
			logging.Warnf("cannot chown %s: %v", path, err)
		}
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("events: open fifo %s: %w", path, err)
	}
	if pipeSize > 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, pipeSize); err != nil {
			logging.Warnf("cannot resize fifo %s to %d: %v", path, pipeSize, err)
		}
	}
	return fd, nil
}

// AcceptConnection accepts one peer from a listening socket and applies the
// optional send timeout used on TCP client sockets.
func AcceptConnection(listenFd int, sendTimeout time.Duration) (int, error) {
	fd, _, err := unix.Accept4(listenFd, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("events: accept: %w", err)
	}
	if sendTimeout > 0 {
		tv := unix.NsecToTimeval(sendTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			logging.Warnf("cannot set send timeout on fd %d: %v", fd, err)
		}
	}
	return fd, nil
}

// CreateSignalPipe builds the self-pipe that folds POSIX signals into the
// poll set. The write end is handed to the signal forwarding goroutine; the
// read end is registered as a ConnectionSignal.
func CreateSignalPipe() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, fmt.Errorf("events: signal pipe: %w", err)
	}
	return fds[0], fds[1], nil
}
