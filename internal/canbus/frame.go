// Package canbus provides CAN frame types and bus transports.
//
// SocketCAN (raw AF_CAN socket) is the primary backend; an SLCAN serial
// adapter backend and a simulated in-process bus are available for
// hardware-free setups.
package canbus

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// MaxDataLen is the payload size limit of a classic CAN frame.
	MaxDataLen = 8

	// WireSize is the size of the kernel's struct can_frame.
	WireSize = 16

	flagExtended uint32 = 0x80000000
	flagRemote   uint32 = 0x40000000
	flagError    uint32 = 0x20000000

	// MaskStandard extracts an 11-bit standard identifier.
	MaskStandard uint32 = 0x000007FF
	// MaskExtended extracts a 29-bit extended identifier.
	MaskExtended uint32 = 0x1FFFFFFF
)

// Frame is one classic CAN frame. Only the first Length bytes of Data
// are meaningful.
type Frame struct {
	ID       uint32
	Length   uint8
	Data     [MaxDataLen]byte
	Extended bool
	Remote   bool
	Error    bool

	// Timestamp is the local capture time, set by the transport on
	// receive. Zero for frames built by callers.
	Timestamp time.Time
}

// Marshal encodes the frame into the 16-byte struct can_frame layout:
// a 32-bit identifier word carrying the EFF/RTR/ERR flags, the DLC byte,
// three padding bytes and 8 data bytes.
//
// The kernel exchanges the identifier word in host byte order; on the
// little-endian targets this runs on that is LittleEndian.
func (f Frame) Marshal() ([]byte, error) {
	if f.Length > MaxDataLen {
		return nil, fmt.Errorf("invalid DLC %d", f.Length)
	}

	id := f.ID
	if f.Extended {
		id = id&MaskExtended | flagExtended
	} else {
		id &= MaskStandard
	}
	if f.Remote {
		id |= flagRemote
	}
	if f.Error {
		id |= flagError
	}

	buf := make([]byte, WireSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Length
	copy(buf[8:], f.Data[:])
	return buf, nil
}

// UnmarshalFrame decodes a 16-byte struct can_frame buffer.
func UnmarshalFrame(raw []byte) (Frame, error) {
	if len(raw) != WireSize {
		return Frame{}, fmt.Errorf("invalid frame size %d", len(raw))
	}

	id := binary.LittleEndian.Uint32(raw[0:4])

	f := Frame{
		Extended: id&flagExtended != 0,
		Remote:   id&flagRemote != 0,
		Error:    id&flagError != 0,
	}
	if f.Extended {
		f.ID = id & MaskExtended
	} else {
		f.ID = id & MaskStandard
	}

	f.Length = raw[4]
	if f.Length > MaxDataLen {
		return Frame{}, fmt.Errorf("invalid DLC %d", f.Length)
	}
	copy(f.Data[:], raw[8:])
	return f, nil
}
