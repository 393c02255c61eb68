package canbus

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Sim is an in-process Transport that behaves like a single ECU on a
// quiet bus: Mode-01 requests sent to the functional address are
// answered with simulated values on the standard response identifier.
// Useful for demo mode and development without a vcan interface.
type Sim struct {
	mu       sync.Mutex
	closed   bool
	pending  []Frame
	start    time.Time
	odometer float64 // km, slowly accumulating
}

// NewSim creates a simulated bus.
func NewSim() *Sim {
	return &Sim{start: time.Now()}
}

func (s *Sim) Name() string { return "sim" }

func (s *Sim) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// Only Mode-01 single-frame requests get a reply.
	if f.ID != 0x7DF || f.Length < 3 || f.Data[1] != 0x01 {
		return nil
	}
	if rsp, ok := s.respond(f.Data[2]); ok {
		s.pending = append(s.pending, rsp)
	}
	return nil
}

func (s *Sim) Receive() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrClosed
	}
	if len(s.pending) == 0 {
		return Frame{}, ErrWouldBlock
	}
	f := s.pending[0]
	s.pending = s.pending[1:]
	f.Timestamp = time.Now()
	return f, nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	return nil
}

// respond builds a Mode-01 response for the requested PID. Called with
// the mutex held.
func (s *Sim) respond(pid byte) (Frame, bool) {
	t := time.Since(s.start).Seconds()

	// Idle/rev cycle as in the demo dashboards: RPM swings between
	// ~850 and ~4850, everything else follows.
	rpm := 850.0 + 4000.0*math.Pow(math.Sin(t*0.3), 2) + rand.Float64()*50
	throttle := (rpm - 850.0) / 4000.0 * 100.0
	if throttle < 0 {
		throttle = 0
	}
	if throttle > 100 {
		throttle = 100
	}
	speed := throttle / 100.0 * 180.0
	load := 20.0 + throttle*0.7
	coolant := 85.0 + rand.Float64()*5
	fuel := 65.0 - t*0.01
	if fuel < 5 {
		fuel = 5
	}
	gear := math.Min(math.Floor(speed/30.0)+1, 6)
	if speed < 3 {
		gear = 0
	}
	s.odometer += speed / 3600.0 / 10.0

	f := Frame{ID: 0x7E8, Length: 8}
	f.Data[1] = 0x41
	f.Data[2] = pid

	switch pid {
	case 0x04: // engine load, A*100/255
		f.Data[0] = 3
		f.Data[3] = byte(load * 255.0 / 100.0)
	case 0x05: // coolant temp, A-40
		f.Data[0] = 3
		f.Data[3] = byte(coolant + 40)
	case 0x0C: // rpm, (A*256+B)/4
		f.Data[0] = 4
		raw := uint16(rpm * 4)
		f.Data[3] = byte(raw >> 8)
		f.Data[4] = byte(raw)
	case 0x0D: // speed, A
		f.Data[0] = 3
		f.Data[3] = byte(speed)
	case 0x11: // throttle, A*100/255
		f.Data[0] = 3
		f.Data[3] = byte(throttle * 255.0 / 100.0)
	case 0x2F: // fuel level, A*100/255
		f.Data[0] = 3
		f.Data[3] = byte(fuel * 255.0 / 100.0)
	case 0xA5: // gear (vendor)
		f.Data[0] = 3
		f.Data[3] = byte(gear)
	case 0xA6: // odometer (vendor), 24-bit km
		f.Data[0] = 5
		km := uint32(s.odometer)
		f.Data[3] = byte(km >> 16)
		f.Data[4] = byte(km >> 8)
		f.Data[5] = byte(km)
	case 0xA7: // accelerator pedal (vendor), A*100/255
		f.Data[0] = 3
		f.Data[3] = byte(throttle * 255.0 / 100.0)
	default:
		// Unsupported PIDs stay silent, like a real ECU.
		return Frame{}, false
	}
	return f, true
}
