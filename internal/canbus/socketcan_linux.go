//go:build linux

package canbus

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SocketCAN is a Transport backed by a raw AF_CAN socket bound to one
// network interface (can0, vcan0, ...).
type SocketCAN struct {
	name string

	mu sync.Mutex // guards fd on Close
	fd int
}

// OpenSocketCAN creates a raw CAN socket, binds it to the named interface
// and enables delivery of bus error frames so a reader can observe
// link-level faults alongside data frames.
func OpenSocketCAN(name string) (*SocketCAN, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}

	ifi, err := net.InterfaceByName(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("CAN interface %q not found: %w", name, err)
	}

	// CAN_ERR_MASK: subscribe to every error class.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, int(MaskExtended)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("enable error frames: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", name, err)
	}

	// Non-blocking reads let the reader loop poll its stop flag between
	// attempts instead of parking in the kernel.
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	return &SocketCAN{name: name, fd: fd}, nil
}

func (s *SocketCAN) Name() string { return s.name }

// Send writes one frame. A short write is reported as an error and the
// frame must be considered not sent.
func (s *SocketCAN) Send(f Frame) error {
	buf, err := f.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd < 0 {
		return ErrClosed
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		return fmt.Errorf("can write: %w", err)
	}
	if n != WireSize {
		return fmt.Errorf("can write: short write (%d of %d bytes)", n, WireSize)
	}
	return nil
}

// Receive reads the next frame from the socket. EAGAIN and EINTR map to
// ErrWouldBlock; everything else is fatal for the connection.
func (s *SocketCAN) Receive() (Frame, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd < 0 {
		return Frame{}, ErrClosed
	}

	var buf [WireSize]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return Frame{}, ErrWouldBlock
		}
		if err == unix.EBADF {
			return Frame{}, ErrClosed
		}
		return Frame{}, fmt.Errorf("can read: %w", err)
	}
	if n != WireSize {
		return Frame{}, fmt.Errorf("can read: incomplete frame (%d bytes)", n)
	}

	f, err := UnmarshalFrame(buf[:])
	if err != nil {
		return Frame{}, err
	}
	f.Timestamp = time.Now()
	return f, nil
}

// Close releases the socket. Safe to call repeatedly.
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
