package modbus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// Port is the byte stream the transport talks to. ResetInputBuffer discards
// anything the driver buffered from a previous exchange.
type Port interface {
	io.ReadWriter
	ResetInputBuffer() error
	Close() error
}

// Opener opens a fresh Port; it is called on first use and after every link fault
type Opener func() (Port, error)

// LinkState is the health of the serial link
type LinkState int

const (
	LinkClosed LinkState = iota
	LinkOpen
	LinkDegraded
)

func (s LinkState) String() string {
	switch s {
	case LinkClosed:
		return "closed"
	case LinkOpen:
		return "open"
	case LinkDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Config holds the retry and recovery policy of the transport
type Config struct {
	Timeout         time.Duration // full response must arrive within this
	ProtocolRetries int           // extra attempts after a protocol error or timeout
	RetryDelay      time.Duration // pause between those attempts
	ReopenAttempts  int           // open attempts after a link fault
	ReopenDelay     time.Duration // pause between open attempts
	DegradedBackoff time.Duration // no hardware access for this long after a failed reopen
}

// DefaultConfig returns the policy used with the deployed anemometer
func DefaultConfig() Config {
	return Config{
		Timeout:         500 * time.Millisecond,
		ProtocolRetries: 3,
		RetryDelay:      50 * time.Millisecond,
		ReopenAttempts:  5,
		ReopenDelay:     200 * time.Millisecond,
		DegradedBackoff: 2 * time.Second,
	}
}

// Transport is a Modbus RTU master on a half-duplex serial line
type Transport struct {
	open   Opener
	config Config

	// bus serializes request/response exchanges and guards port
	bus  sync.Mutex
	port Port

	// mu guards the link state, so State never waits on serial I/O
	mu            sync.Mutex
	state         LinkState
	degradedUntil time.Time

	now     func() time.Time
	sleep   func(time.Duration)
	observe func(LinkState)
}

// Option configures the transport.
type Option func(*Transport)

// WithClock overrides the clock used for the degraded window.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSleep overrides the pause used between retries.
func WithSleep(sleep func(time.Duration)) Option {
	return func(t *Transport) {
		if sleep != nil {
			t.sleep = sleep
		}
	}
}

// WithStateObserver is called on every link state transition.
func WithStateObserver(observe func(LinkState)) Option {
	return func(t *Transport) {
		t.observe = observe
	}
}

// NewTransport creates a transport; the port is opened lazily on the first read
func NewTransport(open Opener, config Config, opts ...Option) *Transport {
	if config.ReopenAttempts < 1 {
		config.ReopenAttempts = 1
	}
	if config.ProtocolRetries < 0 {
		config.ProtocolRetries = 0
	}
	t := &Transport{
		open:   open,
		config: config,
		state:  LinkClosed,
		now:    time.Now,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the link state and, when degraded, the end of the backoff window
func (t *Transport) State() (LinkState, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.degradedUntil
}

// Open opens the port eagerly. Failure is not fatal: reads retry on demand.
func (t *Transport) Open() error {
	t.bus.Lock()
	defer t.bus.Unlock()
	return t.ensureOpen()
}

// Close waits for an in-flight exchange and releases the port
func (t *Transport) Close() error {
	t.bus.Lock()
	defer t.bus.Unlock()
	err := t.closePort()
	t.setState(LinkClosed, time.Time{})
	return err
}

// ReadHoldingRegisters reads count registers starting at start from slave.
//
// Protocol errors and timeouts are retried up to ProtocolRetries times with the link
// left open. An I/O error closes and reopens the port, then the read is issued once
// more on the fresh port without counting against ProtocolRetries. KindLinkDown is
// returned when reopening fails (the link is then degraded) or when the fresh port
// fails too. While degraded, calls fail fast without touching the hardware.
func (t *Transport) ReadHoldingRegisters(slave byte, start, count uint16) ([]uint16, error) {
	req, err := EncodeReadHoldingRegisters(slave, start, count)
	if err != nil {
		return nil, &TransportError{Kind: KindProtocol, Reason: "invalid request", Err: err}
	}

	t.bus.Lock()
	defer t.bus.Unlock()

	if err := t.ensureOpen(); err != nil {
		return nil, err
	}

	var lastErr error
	reopened := false
	for attempt := 0; attempt <= t.config.ProtocolRetries; attempt++ {
		values, err := t.exchange(req, slave, count)
		if err == nil {
			return values, nil
		}

		var le *linkError
		if errors.As(err, &le) {
			t.closePort()
			t.setState(LinkClosed, time.Time{})
			if reopened {
				log.Printf("Modbus: serial error on reopened port (%v), giving up for this read", le)
				return nil, &TransportError{Kind: KindLinkDown, Reason: "serial errors persisted after reopen", Err: le}
			}
			log.Printf("Modbus: serial error (%v), reopening port", le)
			if err := t.ensureOpen(); err != nil {
				return nil, err
			}
			reopened = true
			// the read on the fresh port does not use up a protocol retry
			attempt--
			continue
		}

		lastErr = err
		if attempt < t.config.ProtocolRetries {
			log.Printf("Modbus: retrying read from slave %d (attempt %d): %v", slave, attempt+1, err)
			t.sleep(t.config.RetryDelay)
		}
	}
	return nil, lastErr
}

func (t *Transport) exchange(req []byte, slave byte, count uint16) ([]uint16, error) {
	if err := t.port.ResetInputBuffer(); err != nil {
		return nil, &linkError{op: "reset input buffer", err: err}
	}
	if _, err := t.port.Write(req); err != nil {
		return nil, &linkError{op: "write", err: err}
	}
	resp, err := t.readResponse(count)
	if err != nil {
		return nil, err
	}
	return ParseReadHoldingResponse(resp, slave, count)
}

// readResponse accumulates bytes until the expected frame length is reached or the
// timeout expires. An exception function code shortens the expected length.
func (t *Transport) readResponse(count uint16) ([]byte, error) {
	want := expectedResponseLen(count)
	buf := make([]byte, 0, want)
	chunk := make([]byte, want)
	deadline := t.now().Add(t.config.Timeout)

	for len(buf) < want {
		if !t.now().Before(deadline) {
			return nil, &TransportError{
				Kind:   KindTimeout,
				Reason: fmt.Sprintf("received %d of %d bytes", len(buf), want),
			}
		}
		n, err := t.port.Read(chunk[:want-len(buf)])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) >= 2 && buf[1]&exceptionBit != 0 {
				want = exceptionFrameLen
			}
		}
		if err != nil {
			return nil, &linkError{op: "read", err: err}
		}
	}
	return buf, nil
}

// ensureOpen must be called with bus held
func (t *Transport) ensureOpen() error {
	if t.port != nil {
		return nil
	}

	t.mu.Lock()
	if t.state == LinkDegraded && t.now().Before(t.degradedUntil) {
		until := t.degradedUntil
		t.mu.Unlock()
		return &TransportError{
			Kind:   KindLinkDown,
			Reason: fmt.Sprintf("link degraded for another %s", until.Sub(t.now()).Round(time.Millisecond)),
		}
	}
	t.mu.Unlock()

	var lastErr error
	for i := 0; i < t.config.ReopenAttempts; i++ {
		port, err := t.open()
		if err == nil {
			t.port = port
			t.setState(LinkOpen, time.Time{})
			log.Println("Modbus: serial port open")
			return nil
		}
		lastErr = err
		if i == 0 {
			log.Printf("Modbus: serial port unavailable, trying to reopen: %v", err)
		}
		if i < t.config.ReopenAttempts-1 {
			t.sleep(t.config.ReopenDelay)
		}
	}

	until := t.now().Add(t.config.DegradedBackoff)
	t.setState(LinkDegraded, until)
	log.Printf("Modbus: giving up after %d open attempts, link degraded for %s", t.config.ReopenAttempts, t.config.DegradedBackoff)
	return &TransportError{
		Kind:   KindLinkDown,
		Reason: fmt.Sprintf("reopen failed after %d attempts", t.config.ReopenAttempts),
		Err:    lastErr,
	}
}

// closePort must be called with bus held
func (t *Transport) closePort() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		log.Printf("Modbus: error closing serial port: %v", err)
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	log.Println("Modbus: serial port closed")
	return nil
}

func (t *Transport) setState(state LinkState, until time.Time) {
	t.mu.Lock()
	changed := t.state != state
	t.state = state
	t.degradedUntil = until
	t.mu.Unlock()

	if changed && t.observe != nil {
		t.observe(state)
	}
}
