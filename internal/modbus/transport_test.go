package modbus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePort answers each written request with whatever respond returns
type fakePort struct {
	mu       sync.Mutex
	respond  func(req []byte) []byte
	pending  []byte
	resetErr error
	writeErr error
	readErr  error

	writes  int
	busy    bool
	overlap bool
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.writes++
	if p.busy {
		p.overlap = true
	}
	p.busy = true
	if p.respond != nil {
		p.pending = append([]byte(nil), p.respond(b)...)
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		p.mu.Unlock()
		return 0, p.readErr
	}
	if len(p.pending) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.busy = false
	}
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resetErr != nil {
		return p.resetErr
	}
	p.pending = nil
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// fakeOpener hands out ports in order; once ports runs out it fails
type fakeOpener struct {
	mu    sync.Mutex
	ports []*fakePort
	opens int
}

func (o *fakeOpener) open() (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if len(o.ports) == 0 {
		return nil, errors.New("no such device")
	}
	p := o.ports[0]
	o.ports = o.ports[1:]
	return p, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// fakeClock moves forward by step on every reading, so read deadlines expire
// without real waiting
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func registerResponder(values ...uint16) func([]byte) []byte {
	return func(req []byte) []byte {
		return EncodeReadHoldingResponse(req[0], values)
	}
}

func newTestTransport(opener *fakeOpener, clock *fakeClock, timeout time.Duration) *Transport {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	return NewTransport(opener.open, cfg,
		WithClock(clock.Now),
		WithSleep(func(time.Duration) {}),
	)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 14, 6, 0, 0, time.UTC)}
}

func newSteppingClock(step time.Duration) *fakeClock {
	c := newClock()
	c.step = step
	return c
}

func TestReadWindSpeedThroughTransport(t *testing.T) {
	port := &fakePort{respond: registerResponder(35)}
	opener := &fakeOpener{ports: []*fakePort{port}}
	tr := newTestTransport(opener, newClock(), 100*time.Millisecond)

	speed, err := NewAnemometer(tr, 2).ReadWindSpeed()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if speed != 3.5 {
		t.Errorf("expected 3.5 m/s, got %v", speed)
	}
	if state, _ := tr.State(); state != LinkOpen {
		t.Errorf("expected link open, got %s", state)
	}
}

func TestCorruptResponseIsRetriedWithoutReopen(t *testing.T) {
	port := &fakePort{respond: func(req []byte) []byte {
		resp := EncodeReadHoldingResponse(req[0], []uint16{35})
		resp[len(resp)-1] ^= 0x01
		return resp
	}}
	opener := &fakeOpener{ports: []*fakePort{port}}
	tr := newTestTransport(opener, newClock(), 100*time.Millisecond)

	_, err := tr.ReadHoldingRegisters(2, 0, 1)
	if !IsKind(err, KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if got, want := port.writeCount(), DefaultConfig().ProtocolRetries+1; got != want {
		t.Errorf("expected %d attempts, got %d", want, got)
	}
	if opener.count() != 1 {
		t.Errorf("expected the port to stay open, got %d opens", opener.count())
	}
	if state, _ := tr.State(); state != LinkOpen {
		t.Errorf("expected link open, got %s", state)
	}
}

func TestSilentSlaveTimesOut(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return nil }}
	opener := &fakeOpener{ports: []*fakePort{port}}
	tr := newTestTransport(opener, newSteppingClock(5*time.Millisecond), 20*time.Millisecond)

	_, err := tr.ReadHoldingRegisters(2, 0, 1)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if state, _ := tr.State(); state != LinkOpen {
		t.Errorf("expected link open after timeout, got %s", state)
	}
	if port.writeCount() != 1+DefaultConfig().ProtocolRetries {
		t.Errorf("expected %d requests, got %d", 1+DefaultConfig().ProtocolRetries, port.writeCount())
	}
}

func TestReadDeadlineFollowsTransportClock(t *testing.T) {
	port := &fakePort{respond: func([]byte) []byte { return nil }}
	opener := &fakeOpener{ports: []*fakePort{port}}
	tr := newTestTransport(opener, newSteppingClock(20*time.Minute), time.Hour)

	start := time.Now()
	_, err := tr.ReadHoldingRegisters(2, 0, 1)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout should be measured on the transport clock, took %s", elapsed)
	}
}

func TestTruncatedResponseTimesOut(t *testing.T) {
	port := &fakePort{respond: func(req []byte) []byte {
		return EncodeReadHoldingResponse(req[0], []uint16{35})[:4]
	}}
	opener := &fakeOpener{ports: []*fakePort{port}}
	tr := newTestTransport(opener, newSteppingClock(5*time.Millisecond), 20*time.Millisecond)

	_, err := tr.ReadHoldingRegisters(2, 0, 1)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestExceptionResponse(t *testing.T) {
	port := &fakePort{respond: func(req []byte) []byte {
		return EncodeExceptionResponse(req[0], 0x02)
	}}
	opener := &fakeOpener{ports: []*fakePort{port}}
	tr := newTestTransport(opener, newClock(), time.Second)

	start := time.Now()
	_, err := tr.ReadHoldingRegisters(2, 0, 1)
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != KindProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if te.ExceptionCode != 0x02 {
		t.Errorf("expected exception code 2, got %d", te.ExceptionCode)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("exception frame should not wait for the full timeout")
	}
}

func TestIOErrorReopensPort(t *testing.T) {
	broken := &fakePort{resetErr: errors.New("input/output error")}
	healthy := &fakePort{respond: registerResponder(120)}
	opener := &fakeOpener{ports: []*fakePort{broken, healthy}}
	tr := newTestTransport(opener, newClock(), 100*time.Millisecond)

	values, err := tr.ReadHoldingRegisters(2, 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(values) != 1 || values[0] != 120 {
		t.Errorf("expected [120], got %v", values)
	}
	if opener.count() != 2 {
		t.Errorf("expected 2 opens, got %d", opener.count())
	}
	if !broken.closed {
		t.Errorf("expected the broken port to be closed")
	}
}

func TestReadIsReissuedAfterReopen(t *testing.T) {
	corruptThenFlushFails := func() *fakePort {
		p := &fakePort{}
		p.respond = func(req []byte) []byte {
			resp := EncodeReadHoldingResponse(req[0], []uint16{35})
			resp[len(resp)-1] ^= 0x01
			if p.writes == 1+DefaultConfig().ProtocolRetries-1 {
				// the next attempt finds the adapter gone
				p.resetErr = errors.New("input/output error")
			}
			return resp
		}
		return p
	}

	testCases := []struct {
		name    string
		retries int
		first   *fakePort
	}{
		{"No protocol retries", 0, &fakePort{resetErr: errors.New("input/output error")}},
		{"Link fault on the last attempt", DefaultConfig().ProtocolRetries, corruptThenFlushFails()},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			healthy := &fakePort{respond: registerResponder(120)}
			opener := &fakeOpener{ports: []*fakePort{tc.first, healthy}}
			cfg := DefaultConfig()
			cfg.Timeout = 100 * time.Millisecond
			cfg.ProtocolRetries = tc.retries
			tr := NewTransport(opener.open, cfg,
				WithClock(newClock().Now),
				WithSleep(func(time.Duration) {}),
			)

			values, err := tr.ReadHoldingRegisters(2, 0, 1)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(values) != 1 || values[0] != 120 {
				t.Errorf("expected [120], got %v", values)
			}
			if healthy.writeCount() != 1 {
				t.Errorf("expected one request on the reopened port, got %d", healthy.writeCount())
			}
			if state, _ := tr.State(); state != LinkOpen {
				t.Errorf("expected link open, got %s", state)
			}
		})
	}
}

func TestReopenedPortFailingIsLinkDown(t *testing.T) {
	first := &fakePort{resetErr: errors.New("input/output error")}
	second := &fakePort{writeErr: errors.New("input/output error")}
	opener := &fakeOpener{ports: []*fakePort{first, second}}
	tr := newTestTransport(opener, newClock(), 100*time.Millisecond)

	_, err := tr.ReadHoldingRegisters(2, 0, 1)
	if !IsKind(err, KindLinkDown) {
		t.Fatalf("expected link down, got %v", err)
	}
	if opener.count() != 2 {
		t.Errorf("expected a single reopen, got %d opens", opener.count())
	}
	if !second.closed {
		t.Errorf("expected the failing port to be released")
	}
	if state, _ := tr.State(); state != LinkClosed {
		t.Errorf("expected link closed until the next read, got %s", state)
	}
}

func TestFailedReopenDegradesLink(t *testing.T) {
	broken := &fakePort{readErr: errors.New("device disconnected"), respond: registerResponder(35)}
	opener := &fakeOpener{ports: []*fakePort{broken}}
	clock := newClock()

	var transitions []LinkState
	cfg := DefaultConfig()
	cfg.Timeout = 100 * time.Millisecond
	tr := NewTransport(opener.open, cfg,
		WithClock(clock.Now),
		WithSleep(func(time.Duration) {}),
		WithStateObserver(func(s LinkState) { transitions = append(transitions, s) }),
	)

	_, err := tr.ReadHoldingRegisters(2, 0, 1)
	if !IsKind(err, KindLinkDown) {
		t.Fatalf("expected link down, got %v", err)
	}
	if got, want := opener.count(), 1+cfg.ReopenAttempts; got != want {
		t.Errorf("expected %d opens, got %d", want, got)
	}
	state, until := tr.State()
	if state != LinkDegraded {
		t.Fatalf("expected degraded link, got %s", state)
	}
	if !until.Equal(clock.Now().Add(cfg.DegradedBackoff)) {
		t.Errorf("unexpected end of degraded window: %v", until)
	}

	// inside the window nothing touches the hardware
	clock.Advance(time.Second)
	opened := opener.count()
	if _, err := tr.ReadHoldingRegisters(2, 0, 1); !IsKind(err, KindLinkDown) {
		t.Fatalf("expected link down while degraded, got %v", err)
	}
	if opener.count() != opened {
		t.Errorf("expected no open attempts while degraded")
	}

	// the adapter is back once the window has passed
	clock.Advance(2 * time.Second)
	opener.mu.Lock()
	opener.ports = []*fakePort{{respond: registerResponder(42)}}
	opener.mu.Unlock()

	values, err := tr.ReadHoldingRegisters(2, 0, 1)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if values[0] != 42 {
		t.Errorf("expected [42], got %v", values)
	}

	want := []LinkState{LinkOpen, LinkClosed, LinkDegraded, LinkOpen}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestConcurrentReadsAreSerialized(t *testing.T) {
	port := &fakePort{respond: registerResponder(7)}
	opener := &fakeOpener{ports: []*fakePort{port}}
	tr := newTestTransport(opener, newClock(), 100*time.Millisecond)

	const readers = 8
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.ReadHoldingRegisters(2, 0, 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	if port.overlap {
		t.Errorf("two requests were on the wire at the same time")
	}
	if port.writeCount() != readers {
		t.Errorf("expected %d requests, got %d", readers, port.writeCount())
	}
}

func TestCloseReleasesPort(t *testing.T) {
	port := &fakePort{respond: registerResponder(1)}
	opener := &fakeOpener{ports: []*fakePort{port}}
	tr := newTestTransport(opener, newClock(), 100*time.Millisecond)

	if err := tr.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !port.closed {
		t.Errorf("expected port closed")
	}
	if state, _ := tr.State(); state != LinkClosed {
		t.Errorf("expected closed link, got %s", state)
	}
}

type stubReader struct {
	values []uint16
	err    error
}

func (s stubReader) ReadHoldingRegisters(slave byte, start, count uint16) ([]uint16, error) {
	return s.values, s.err
}

func TestAnemometerScaling(t *testing.T) {
	testCases := []struct {
		name        string
		reader      stubReader
		want        float64
		expectError bool
	}{
		{name: "Calm", reader: stubReader{values: []uint16{0}}, want: 0},
		{name: "Tenths", reader: stubReader{values: []uint16{35}}, want: 3.5},
		{name: "Strong", reader: stubReader{values: []uint16{325}}, want: 32.5},
		{name: "Transport error", reader: stubReader{err: &TransportError{Kind: KindTimeout, Reason: "no reply"}}, expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewAnemometer(tc.reader, 2).ReadWindSpeed()
			if tc.expectError {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
