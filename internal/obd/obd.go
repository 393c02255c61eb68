// Package obd implements the OBD-II Mode-01 request/response codec for
// the parameter set the bridge monitors.
package obd

import (
	"fmt"
	"sort"

	"github.com/automotive-pi/canbridge/internal/canbus"
)

// Protocol constants fixed by the vehicle network.
const (
	// FunctionalID is the broadcast request identifier any ECU may
	// answer.
	FunctionalID uint32 = 0x7DF

	// ResponseBase..ResponseBase+ResponseWindow-1 is the identifier
	// range reserved for diagnostic responses.
	ResponseBase   uint32 = 0x7E8
	ResponseWindow uint32 = 8

	// ModeCurrentData is the Mode-01 "current data" service.
	ModeCurrentData byte = 0x01
	// ResponseSID marks a positive Mode-01 response (0x40 + mode).
	ResponseSID byte = 0x41
)

// Parameter identifies one monitored vehicle quantity by its one-byte
// protocol PID.
type Parameter byte

const (
	EngineLoad       Parameter = 0x04
	EngineTemp       Parameter = 0x05
	RPM              Parameter = 0x0C
	Speed            Parameter = 0x0D
	Throttle         Parameter = 0x11
	FuelLevel        Parameter = 0x2F
	Gear             Parameter = 0xA5 // vendor extension
	Odometer         Parameter = 0xA6 // vendor extension
	AcceleratorPedal Parameter = 0xA7 // vendor extension
)

// decodeSpec carries a parameter's byte-length requirement and scaling
// rule so bounds checks live in one place instead of per-PID branches.
type decodeSpec struct {
	name string
	// minBytes is the response payload length required for a decode.
	minBytes int
	decode   func([]byte) float64
	// defaultValue is the calibration-safe baseline reported before any
	// response has been observed.
	defaultValue float64
}

var table = map[Parameter]decodeSpec{
	EngineLoad: {
		name:     "engineLoad",
		minBytes: 1,
		decode:   func(d []byte) float64 { return float64(d[0]) * 100.0 / 255.0 },
	},
	EngineTemp: {
		name:     "engineTemp",
		minBytes: 1,
		decode:   func(d []byte) float64 { return float64(d[0]) - 40.0 },
		// Ambient temperature, not absolute zero offset.
		defaultValue: 20.0,
	},
	RPM: {
		name:     "rpm",
		minBytes: 2,
		decode:   func(d []byte) float64 { return (float64(d[0])*256.0 + float64(d[1])) / 4.0 },
	},
	Speed: {
		name:     "speed",
		minBytes: 1,
		decode:   func(d []byte) float64 { return float64(d[0]) }, // already km/h
	},
	Throttle: {
		name:     "throttle",
		minBytes: 1,
		decode:   func(d []byte) float64 { return float64(d[0]) * 100.0 / 255.0 },
	},
	FuelLevel: {
		name:     "fuelLevel",
		minBytes: 1,
		decode:   func(d []byte) float64 { return float64(d[0]) * 100.0 / 255.0 },
		// Mid-scale so an empty-tank reading is never faked.
		defaultValue: 50.0,
	},
	Gear: {
		name:     "gear",
		minBytes: 1,
		decode:   func(d []byte) float64 { return float64(d[0]) },
	},
	Odometer: {
		name:     "odometer",
		minBytes: 3,
		decode: func(d []byte) float64 {
			return float64(uint32(d[0])<<16 | uint32(d[1])<<8 | uint32(d[2])) // km
		},
	},
	AcceleratorPedal: {
		name:     "acceleratorPedal",
		minBytes: 1,
		decode:   func(d []byte) float64 { return float64(d[0]) * 100.0 / 255.0 },
	},
}

// Lookup maps a raw PID byte onto a known Parameter.
func Lookup(pid byte) (Parameter, bool) {
	p := Parameter(pid)
	_, ok := table[p]
	return p, ok
}

// Parameters returns every monitored parameter in ascending PID order.
func Parameters() []Parameter {
	out := make([]Parameter, 0, len(table))
	for p := range table {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Name returns the parameter's wire name (e.g. "rpm").
func (p Parameter) Name() string {
	if spec, ok := table[p]; ok {
		return spec.name
	}
	return fmt.Sprintf("pid_0x%02X", byte(p))
}

// Default returns the parameter's baseline value before any bus response
// has been observed.
func (p Parameter) Default() float64 {
	return table[p].defaultValue
}

// EncodeRequest builds the Mode-01 request frame for the parameter:
// functional broadcast identifier, DLC 8, payload
// [length=2, mode, pid, 0...].
func EncodeRequest(p Parameter) canbus.Frame {
	f := canbus.Frame{ID: FunctionalID, Length: 8}
	f.Data[0] = 0x02
	f.Data[1] = ModeCurrentData
	f.Data[2] = byte(p)
	return f
}

// IsResponseID reports whether an identifier falls in the ECU response
// window.
func IsResponseID(id uint32) bool {
	return id >= ResponseBase && id < ResponseBase+ResponseWindow
}

// DecodeResponse converts a Mode-01 response payload (the bytes after
// the length/mode/PID header) into the parameter's physical value. A
// payload shorter than the parameter requires is rejected so values are
// never decoded from out-of-range bytes.
func DecodeResponse(p Parameter, payload []byte) (float64, error) {
	spec, ok := table[p]
	if !ok {
		return 0, fmt.Errorf("obd: unsupported PID 0x%02X", byte(p))
	}
	if len(payload) < spec.minBytes {
		return 0, fmt.Errorf("obd: PID 0x%02X needs %d bytes, got %d", byte(p), spec.minBytes, len(payload))
	}
	return spec.decode(payload), nil
}
