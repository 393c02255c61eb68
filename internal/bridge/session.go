// Package bridge owns a CAN bus session: the transport, the background
// frame reader and the parameter cache, exposed through a small command
// surface (Initialize, ReadParameter, SendFrame, Stats, Deinitialize).
package bridge

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/automotive-pi/canbridge/internal/canbus"
	"github.com/automotive-pi/canbridge/internal/obd"
)

var (
	// ErrNotConnected reports an operation before a successful
	// Initialize.
	ErrNotConnected = errors.New("bridge: not connected")
	// ErrInvalidParameter reports a PID outside the monitored set.
	ErrInvalidParameter = errors.New("bridge: unknown PID")
)

// DialFunc opens a transport for the named bus interface.
type DialFunc func(name string) (canbus.Transport, error)

// Reading is one parameter value returned to a caller.
type Reading struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Stats is a snapshot of the connection state.
type Stats struct {
	Connected      bool   `json:"connected"`
	Interface      string `json:"interface"`
	FramesSent     uint64 `json:"sent"`
	FramesReceived uint64 `json:"received"`
	ErrorFrames    uint64 `json:"errors"`
}

// Session is one bus session. A Session is safe for concurrent use; it
// holds no process-wide state, so independent sessions on different
// interfaces can coexist.
type Session struct {
	dial DialFunc

	mu        sync.Mutex // guards lifecycle state below
	transport canbus.Transport
	iface     string
	stop      chan struct{}
	done      chan struct{}

	connected atomic.Bool
	sent      atomic.Uint64
	received  atomic.Uint64
	errFrames atomic.Uint64

	cache *cache

	subMu   sync.Mutex
	subs    map[int]chan canbus.Frame
	nextSub int
}

// New creates an unconnected session that will dial transports through
// the given function.
func New(dial DialFunc) *Session {
	return &Session{
		dial:  dial,
		cache: newCache(),
		subs:  make(map[int]chan canbus.Frame),
	}
}

// Initialize opens the named interface and starts the frame reader. Any
// existing session is torn down first, so repeated calls never leak a
// reader goroutine or an open socket. Counters and the parameter cache
// are reset for the new session.
func (s *Session) Initialize(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()

	tr, err := s.dial(name)
	if err != nil {
		return fmt.Errorf("bridge: initialize %s: %w", name, err)
	}

	s.sent.Store(0)
	s.received.Store(0)
	s.errFrames.Store(0)
	s.cache.reset()

	s.transport = tr
	s.iface = name
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.connected.Store(true)

	go s.readLoop(tr, s.stop, s.done)

	log.Printf("[bridge] session started on %s", name)
	return nil
}

// Deinitialize stops the reader and closes the transport. Safe to call
// on a session that never initialized or is already torn down. Counters
// keep their last-session values until the next Initialize.
func (s *Session) Deinitialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// teardownLocked unwinds in strict reverse startup order: reader stop
// and join, then transport close. Caller holds s.mu.
func (s *Session) teardownLocked() {
	if s.transport == nil {
		return
	}
	close(s.stop)
	<-s.done // bounded by the reader's poll backoff
	if err := s.transport.Close(); err != nil {
		log.Printf("[bridge] transport close: %v", err)
	}
	s.transport = nil
	s.connected.Store(false)
	log.Printf("[bridge] session on %s stopped", s.iface)
}

// ReadParameter sends a fresh Mode-01 request for the PID (best effort)
// and returns the current cached value. It never waits for the matching
// bus response, so call latency stays independent of bus round-trip
// time; the returned value may be stale by up to one polling interval.
func (s *Session) ReadParameter(pid byte) (Reading, error) {
	param, ok := obd.Lookup(pid)
	if !ok {
		return Reading{}, fmt.Errorf("%w: 0x%02X", ErrInvalidParameter, pid)
	}

	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil || !s.connected.Load() {
		return Reading{}, ErrNotConnected
	}

	// A send failure is reported in the log but does not prevent
	// returning the cached value.
	if err := tr.Send(obd.EncodeRequest(param)); err != nil {
		log.Printf("[bridge] request for %s failed: %v", param.Name(), err)
	} else {
		s.sent.Add(1)
	}

	return Reading{Name: param.Name(), Value: s.cache.get(param)}, nil
}

// SendFrame writes one raw frame to the bus.
func (s *Session) SendFrame(f canbus.Frame) error {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil || !s.connected.Load() {
		return ErrNotConnected
	}
	if err := tr.Send(f); err != nil {
		return fmt.Errorf("bridge: send frame: %w", err)
	}
	s.sent.Add(1)
	return nil
}

// Stats returns a snapshot of the connection state.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	iface := s.iface
	s.mu.Unlock()
	return Stats{
		Connected:      s.connected.Load(),
		Interface:      iface,
		FramesSent:     s.sent.Load(),
		FramesReceived: s.received.Load(),
		ErrorFrames:    s.errFrames.Load(),
	}
}

// Readings returns the current cached value of every monitored
// parameter.
func (s *Session) Readings() map[string]float64 {
	return s.cache.snapshot()
}

// Subscribe registers a raw-frame listener for diagnostic display. The
// returned cancel function must be called to release the channel.
// Frames are dropped for subscribers that fall behind; the reader never
// blocks on a slow consumer.
func (s *Session) Subscribe(buffer int) (<-chan canbus.Frame, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan canbus.Frame, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) publish(f canbus.Frame) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- f:
		default:
			// Subscriber too slow, skip.
		}
	}
}
