package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/automotive-pi/canbridge/internal/canbus"
)

// fakeTransport is an in-memory Transport the tests feed frames into.
type fakeTransport struct {
	mu      sync.Mutex
	in      []canbus.Frame
	sent    []canbus.Frame
	closed  bool
	recvErr error
}

func (f *fakeTransport) Name() string { return "fake0" }

func (f *fakeTransport) Send(fr canbus.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return canbus.ErrClosed
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeTransport) Receive() (canbus.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return canbus.Frame{}, canbus.ErrClosed
	}
	if f.recvErr != nil {
		return canbus.Frame{}, f.recvErr
	}
	if len(f.in) == 0 {
		return canbus.Frame{}, canbus.ErrWouldBlock
	}
	fr := f.in[0]
	f.in = f.in[1:]
	return fr, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) inject(fr canbus.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, fr)
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s := New(func(name string) (canbus.Transport, error) { return tr, nil })
	if err := s.Initialize("fake0"); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	t.Cleanup(s.Deinitialize)
	return s, tr
}

// waitFor polls until the condition holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func responseFrame(dlc uint8, data [8]byte) canbus.Frame {
	return canbus.Frame{ID: 0x7E8, Length: dlc, Data: data}
}

func TestReadParameterReturnsDefaultsBeforeAnyResponse(t *testing.T) {
	s, tr := newTestSession(t)

	fuel, err := s.ReadParameter(0x2F)
	if err != nil {
		t.Fatalf("ReadParameter returned error: %v", err)
	}
	if fuel.Name != "fuelLevel" || fuel.Value != 50.0 {
		t.Fatalf("fuel baseline = %+v, want {fuelLevel 50}", fuel)
	}

	temp, err := s.ReadParameter(0x05)
	if err != nil {
		t.Fatalf("ReadParameter returned error: %v", err)
	}
	if temp.Name != "engineTemp" || temp.Value != 20.0 {
		t.Fatalf("coolant baseline = %+v, want {engineTemp 20}", temp)
	}

	// Each read sends a fresh request frame.
	if got := tr.sentCount(); got != 2 {
		t.Fatalf("expected 2 request frames, got %d", got)
	}
}

func TestRoundTripRPM(t *testing.T) {
	s, tr := newTestSession(t)

	if _, err := s.ReadParameter(0x0C); err != nil {
		t.Fatalf("ReadParameter returned error: %v", err)
	}

	tr.inject(responseFrame(8, [8]byte{0x04, 0x41, 0x0C, 0x1A, 0xF8, 0, 0, 0}))
	waitFor(t, func() bool { return s.Stats().FramesReceived == 1 })

	got, err := s.ReadParameter(0x0C)
	if err != nil {
		t.Fatalf("ReadParameter returned error: %v", err)
	}
	if got.Name != "rpm" || got.Value != 1726.0 {
		t.Fatalf("got %+v, want {rpm 1726}", got)
	}

	// An unrelated parameter keeps its baseline.
	speed, err := s.ReadParameter(0x0D)
	if err != nil {
		t.Fatalf("ReadParameter returned error: %v", err)
	}
	if speed.Value != 0.0 {
		t.Fatalf("speed should be untouched, got %v", speed.Value)
	}
}

func TestMalformedResponseLeavesCacheUnchanged(t *testing.T) {
	s, tr := newTestSession(t)

	// Declared length points past the DLC.
	tr.inject(responseFrame(4, [8]byte{0x07, 0x41, 0x0C, 0x1A}))
	// Header too short for any decode.
	tr.inject(responseFrame(2, [8]byte{0x01, 0x41}))
	// Wrong service byte.
	tr.inject(responseFrame(8, [8]byte{0x04, 0x7F, 0x0C, 0x1A, 0xF8, 0, 0, 0}))
	waitFor(t, func() bool { return s.Stats().FramesReceived == 3 })

	got, err := s.ReadParameter(0x0C)
	if err != nil {
		t.Fatalf("ReadParameter returned error: %v", err)
	}
	if got.Value != 0.0 {
		t.Fatalf("rpm should keep its baseline after malformed responses, got %v", got.Value)
	}
}

func TestErrorFramesCountedNotDecoded(t *testing.T) {
	s, tr := newTestSession(t)

	tr.inject(canbus.Frame{ID: 0x40, Error: true, Length: 8})
	tr.inject(responseFrame(8, [8]byte{0x03, 0x41, 0x0D, 0x32, 0, 0, 0, 0}))
	waitFor(t, func() bool { return s.Stats().FramesReceived == 1 })

	stats := s.Stats()
	if stats.ErrorFrames != 1 {
		t.Fatalf("expected 1 error frame, got %d", stats.ErrorFrames)
	}

	speed, err := s.ReadParameter(0x0D)
	if err != nil {
		t.Fatalf("ReadParameter returned error: %v", err)
	}
	if speed.Value != 50.0 {
		t.Fatalf("speed = %v, want 50 from the data frame", speed.Value)
	}
}

func TestReinitializeReplacesSession(t *testing.T) {
	var transports []*fakeTransport
	s := New(func(name string) (canbus.Transport, error) {
		tr := &fakeTransport{}
		transports = append(transports, tr)
		return tr, nil
	})
	defer s.Deinitialize()

	if err := s.Initialize("can0"); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	transports[0].inject(responseFrame(8, [8]byte{0x03, 0x41, 0x0D, 0x32, 0, 0, 0, 0}))
	waitFor(t, func() bool { return s.Stats().FramesReceived == 1 })

	if err := s.Initialize("can1"); err != nil {
		t.Fatalf("second Initialize returned error: %v", err)
	}

	if len(transports) != 2 {
		t.Fatalf("expected 2 transports, got %d", len(transports))
	}
	if !transports[0].isClosed() {
		t.Fatalf("first transport must be closed on re-initialize")
	}
	if transports[1].isClosed() {
		t.Fatalf("second transport must stay open")
	}

	stats := s.Stats()
	if stats.Interface != "can1" {
		t.Fatalf("interface = %q, want can1", stats.Interface)
	}
	if stats.FramesReceived != 0 {
		t.Fatalf("counters must reset on re-initialize, got received=%d", stats.FramesReceived)
	}

	// Cache resets too: the speed observed in the first session is gone.
	speed, err := s.ReadParameter(0x0D)
	if err != nil {
		t.Fatalf("ReadParameter returned error: %v", err)
	}
	if speed.Value != 0.0 {
		t.Fatalf("speed = %v, want baseline 0 after re-initialize", speed.Value)
	}
}

func TestDeinitializeReportsDisconnectedWithLastCounters(t *testing.T) {
	s, tr := newTestSession(t)

	tr.inject(responseFrame(8, [8]byte{0x03, 0x41, 0x0D, 0x32, 0, 0, 0, 0}))
	waitFor(t, func() bool { return s.Stats().FramesReceived == 1 })

	s.Deinitialize()

	stats := s.Stats()
	if stats.Connected {
		t.Fatalf("expected connected=false after Deinitialize")
	}
	if stats.FramesReceived != 1 {
		t.Fatalf("counters must survive Deinitialize, got received=%d", stats.FramesReceived)
	}
	if !tr.isClosed() {
		t.Fatalf("transport must be closed")
	}

	// Idempotent.
	s.Deinitialize()
}

func TestDeinitializeOnFreshSessionIsSafe(t *testing.T) {
	s := New(func(name string) (canbus.Transport, error) { return &fakeTransport{}, nil })
	s.Deinitialize()
	s.Deinitialize()
	if s.Stats().Connected {
		t.Fatalf("fresh session must not report connected")
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	s := New(func(name string) (canbus.Transport, error) { return &fakeTransport{}, nil })

	if _, err := s.ReadParameter(0x0C); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.SendFrame(canbus.Frame{ID: 0x123, Length: 1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReadParameterRejectsUnknownPID(t *testing.T) {
	s, _ := newTestSession(t)
	if _, err := s.ReadParameter(0xEE); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestInitializeDialFailure(t *testing.T) {
	dialErr := errors.New("no such interface")
	s := New(func(name string) (canbus.Transport, error) { return nil, dialErr })
	if err := s.Initialize("nope0"); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if s.Stats().Connected {
		t.Fatalf("failed initialize must leave the session disconnected")
	}
	s.Deinitialize()
}

func TestFatalReadErrorFlipsConnectionState(t *testing.T) {
	tr := &fakeTransport{}
	s := New(func(name string) (canbus.Transport, error) { return tr, nil })
	if err := s.Initialize("fake0"); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	defer s.Deinitialize()

	tr.mu.Lock()
	tr.recvErr = errors.New("bus off")
	tr.mu.Unlock()

	waitFor(t, func() bool { return !s.Stats().Connected })
	if s.Stats().ErrorFrames != 1 {
		t.Fatalf("fatal read error must be counted, got %d", s.Stats().ErrorFrames)
	}
}

func TestConcurrentReadersSeeConsistentValues(t *testing.T) {
	s, tr := newTestSession(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := s.ReadParameter(0x0C)
				if err != nil {
					t.Errorf("ReadParameter returned error: %v", err)
					return
				}
				// Only values the reader actually wrote may appear.
				if got.Value != 0.0 && got.Value != 1726.0 && got.Value != 1724.0 {
					t.Errorf("torn value observed: %v", got.Value)
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		tr.inject(responseFrame(8, [8]byte{0x04, 0x41, 0x0C, 0x1A, 0xF8, 0, 0, 0}))
		tr.inject(responseFrame(8, [8]byte{0x04, 0x41, 0x0C, 0x1A, 0xF0, 0, 0, 0}))
	}
	waitFor(t, func() bool { return s.Stats().FramesReceived == 100 })

	close(stop)
	wg.Wait()
}

func TestSubscribeReceivesRawFrames(t *testing.T) {
	s, tr := newTestSession(t)

	ch, cancel := s.Subscribe(8)
	defer cancel()

	want := canbus.Frame{ID: 0x123, Length: 2, Data: [8]byte{0xAB, 0xCD}}
	tr.inject(want)

	select {
	case got := <-ch:
		if got.ID != want.ID || got.Data != want.Data {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame pushed to subscriber")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel must be closed after cancel")
	}
}

func TestSendFrameCountsOnlySuccess(t *testing.T) {
	s, tr := newTestSession(t)

	if err := s.SendFrame(canbus.Frame{ID: 0x123, Length: 8}); err != nil {
		t.Fatalf("SendFrame returned error: %v", err)
	}
	if s.Stats().FramesSent != 1 {
		t.Fatalf("sent = %d, want 1", s.Stats().FramesSent)
	}
	if tr.sentCount() != 1 {
		t.Fatalf("transport saw %d frames, want 1", tr.sentCount())
	}
}
