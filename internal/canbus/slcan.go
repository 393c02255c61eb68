package canbus

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SLCAN is a Transport backed by a LAWICEL-style serial CAN adapter
// (USBtin, CANable in slcan mode, slcand pty). Frames travel as ASCII
// records terminated by carriage return.
type SLCAN struct {
	portPath string

	writeMu sync.Mutex
	port    serial.Port

	readMu sync.Mutex
	buf    []byte

	closeMu sync.Mutex
	closed  bool
}

// SLCANConfig holds serial adapter settings.
type SLCANConfig struct {
	PortPath string
	BaudRate int
	// Bitrate is the LAWICEL setup code 0..8 (6 = 500 kbit/s, the OBD-II
	// rate). Sent as "Sn" before opening the channel.
	Bitrate int
}

// OpenSLCAN opens the serial port and brings the CAN channel up.
func OpenSLCAN(cfg SLCANConfig) (*SLCAN, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("slcan: failed to open %s: %w", cfg.PortPath, err)
	}
	// Short read timeout so Receive can report would-block instead of
	// parking the reader.
	if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("slcan: failed to set timeout: %w", err)
	}

	s := &SLCAN{portPath: cfg.PortPath, port: port}

	// Close any stale channel, set bitrate, open. Adapters answer with
	// '\r' (ack) or BEL (nak); both are consumed by the record scanner.
	s.command("C")
	s.command(fmt.Sprintf("S%d", cfg.Bitrate))
	if err := s.command("O"); err != nil {
		port.Close()
		return nil, fmt.Errorf("slcan: failed to open channel: %w", err)
	}
	return s, nil
}

func (s *SLCAN) command(cmd string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.port.Write([]byte(cmd + "\r"))
	return err
}

func (s *SLCAN) Name() string { return s.portPath }

func (s *SLCAN) Send(f Frame) error {
	rec, err := EncodeSLCAN(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(rec))
	if err != nil {
		return fmt.Errorf("slcan write: %w", err)
	}
	if n != len(rec) {
		return fmt.Errorf("slcan write: short write (%d of %d bytes)", n, len(rec))
	}
	return nil
}

// Receive returns the next decoded frame record. Non-frame records
// (acks, status) are skipped. ErrWouldBlock is returned when no complete
// record is pending.
func (s *SLCAN) Receive() (Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if i := bytes.IndexByte(s.buf, '\r'); i >= 0 {
			rec := string(s.buf[:i])
			s.buf = s.buf[i+1:]
			f, ok, err := DecodeSLCAN(rec)
			if err != nil {
				return Frame{}, err
			}
			if !ok {
				continue
			}
			f.Timestamp = time.Now()
			return f, nil
		}

		var chunk [64]byte
		n, err := s.port.Read(chunk[:])
		if err != nil {
			s.closeMu.Lock()
			closed := s.closed
			s.closeMu.Unlock()
			if closed {
				return Frame{}, ErrClosed
			}
			return Frame{}, fmt.Errorf("slcan read: %w", err)
		}
		if n == 0 {
			return Frame{}, ErrWouldBlock
		}
		s.buf = append(s.buf, chunk[:n]...)
	}
}

// Close brings the channel down and releases the port. Idempotent.
func (s *SLCAN) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.command("C")
	return s.port.Close()
}

// EncodeSLCAN renders a frame as an ASCII SLCAN record including the
// trailing carriage return.
func EncodeSLCAN(f Frame) (string, error) {
	if f.Length > MaxDataLen {
		return "", fmt.Errorf("invalid DLC %d", f.Length)
	}

	var b strings.Builder
	switch {
	case f.Remote && f.Extended:
		b.WriteByte('R')
	case f.Remote:
		b.WriteByte('r')
	case f.Extended:
		b.WriteByte('T')
	default:
		b.WriteByte('t')
	}

	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID&MaskExtended)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID&MaskStandard)
	}

	b.WriteByte('0' + f.Length)

	if !f.Remote {
		for i := uint8(0); i < f.Length; i++ {
			fmt.Fprintf(&b, "%02X", f.Data[i])
		}
	}

	b.WriteByte('\r')
	return b.String(), nil
}

// DecodeSLCAN parses one record (without the trailing carriage return).
// ok is false for records that are not frames, such as command acks.
func DecodeSLCAN(rec string) (f Frame, ok bool, err error) {
	if rec == "" {
		return Frame{}, false, nil
	}

	switch rec[0] {
	case 't', 'T', 'r', 'R':
	default:
		return Frame{}, false, nil
	}

	f.Extended = rec[0] == 'T' || rec[0] == 'R'
	f.Remote = rec[0] == 'r' || rec[0] == 'R'

	idLen := 3
	if f.Extended {
		idLen = 8
	}
	if len(rec) < 1+idLen+1 {
		return Frame{}, false, fmt.Errorf("slcan: truncated record %q", rec)
	}

	id, err := strconv.ParseUint(rec[1:1+idLen], 16, 32)
	if err != nil {
		return Frame{}, false, fmt.Errorf("slcan: bad identifier in %q", rec)
	}
	f.ID = uint32(id)

	dlc := rec[1+idLen] - '0'
	if dlc > MaxDataLen {
		return Frame{}, false, fmt.Errorf("slcan: invalid DLC %d in %q", dlc, rec)
	}
	f.Length = dlc

	if !f.Remote {
		hex := rec[1+idLen+1:]
		if len(hex) < int(dlc)*2 {
			return Frame{}, false, fmt.Errorf("slcan: truncated payload in %q", rec)
		}
		for i := 0; i < int(dlc); i++ {
			b, err := strconv.ParseUint(hex[i*2:i*2+2], 16, 8)
			if err != nil {
				return Frame{}, false, fmt.Errorf("slcan: bad payload byte in %q", rec)
			}
			f.Data[i] = byte(b)
		}
	}
	return f, true, nil
}
