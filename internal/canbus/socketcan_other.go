//go:build !linux

package canbus

import "errors"

// SocketCAN requires the Linux SocketCAN stack. On other platforms the
// slcan and sim backends are available.
type SocketCAN struct{}

func OpenSocketCAN(name string) (*SocketCAN, error) {
	return nil, errors.New("canbus: socketcan is only supported on linux")
}

func (s *SocketCAN) Name() string            { return "" }
func (s *SocketCAN) Send(Frame) error        { return ErrClosed }
func (s *SocketCAN) Receive() (Frame, error) { return Frame{}, ErrClosed }
func (s *SocketCAN) Close() error            { return nil }
