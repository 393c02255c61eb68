package bridge

import (
	"errors"
	"log"
	"time"

	"github.com/automotive-pi/canbridge/internal/canbus"
	"github.com/automotive-pi/canbridge/internal/obd"
)

// readBackoff bounds both the retry interval after a would-block read
// and the shutdown latency, since the stop flag is polled between
// attempts.
const readBackoff = time.Millisecond

// readLoop drains the transport until stop is closed or a fatal
// transport error occurs. It owns all writes to the parameter cache.
func (s *Session) readLoop(tr canbus.Transport, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		f, err := tr.Receive()
		if err != nil {
			if errors.Is(err, canbus.ErrWouldBlock) {
				time.Sleep(readBackoff)
				continue
			}
			if errors.Is(err, canbus.ErrClosed) {
				// Teardown race; the stop flag is already set.
				return
			}
			// The bus link is down. Flip the connection state so the
			// next operation and getStats report it instead of polling
			// against stale values silently.
			log.Printf("[bridge] fatal read error on %s: %v", tr.Name(), err)
			s.errFrames.Add(1)
			s.connected.Store(false)
			return
		}

		if f.Error {
			s.errFrames.Add(1)
			continue
		}
		s.received.Add(1)
		s.publish(f)

		s.handleResponse(f)
	}
}

// handleResponse decodes a Mode-01 ECU response and updates the cache.
// Anything malformed is skipped; protocol anomalies are never fatal.
func (s *Session) handleResponse(f canbus.Frame) {
	if !obd.IsResponseID(f.ID) {
		return
	}
	if f.Length < 3 || f.Data[1] != obd.ResponseSID {
		return
	}

	param, ok := obd.Lookup(f.Data[2])
	if !ok {
		return
	}

	// Data[0] declares header+payload length (mode + PID + n data
	// bytes). Skip the frame when it points past the DLC.
	n := int(f.Data[0]) - 2
	if n < 1 || 3+n > int(f.Length) {
		return
	}

	value, err := obd.DecodeResponse(param, f.Data[3:3+n])
	if err != nil {
		return
	}
	s.cache.put(param, value)
}
