package alert

import (
	"sync"
	"time"
)

// Reason explains why an alert was not admitted
type Reason int

const (
	ReasonNone Reason = iota
	BelowThreshold
	DuplicateTimestamp
	NonMonotonic
	Cooldown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "admitted"
	case BelowThreshold:
		return "below_threshold"
	case DuplicateTimestamp:
		return "duplicate_timestamp"
	case NonMonotonic:
		return "non_monotonic"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Decision is the result of Evaluate. Reason is ReasonNone when Admitted.
type Decision struct {
	Admitted bool
	Reason   Reason
	// Since is the gap to the last admitted event, when there was one
	Since time.Duration
}

// Dispatcher decides whether an F-index value warrants an alert.
//
// Cooldown is measured between event timestamps, not wall-clock time. An admitted
// event is recorded before Evaluate returns, so the caller's send happens at most
// once per admitted event whether or not it succeeds.
type Dispatcher struct {
	threshold float64
	cooldown  time.Duration

	mu      sync.Mutex
	last    time.Time
	hasLast bool
}

// NewDispatcher creates a dispatcher. A negative cooldown is treated as zero.
func NewDispatcher(threshold float64, cooldown time.Duration) *Dispatcher {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Dispatcher{threshold: threshold, cooldown: cooldown}
}

// Threshold returns the configured alert threshold
func (d *Dispatcher) Threshold() float64 {
	return d.threshold
}

// Evaluate checks fIndex at event time ts and records it if admitted
func (d *Dispatcher) Evaluate(fIndex float64, ts time.Time) Decision {
	if fIndex <= d.threshold {
		return Decision{Reason: BelowThreshold}
	}
	ts = ts.UTC().Truncate(time.Second)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasLast {
		if ts.Equal(d.last) {
			return Decision{Reason: DuplicateTimestamp}
		}
		delta := ts.Sub(d.last)
		if delta <= 0 {
			return Decision{Reason: NonMonotonic, Since: delta}
		}
		if delta < d.cooldown {
			return Decision{Reason: Cooldown, Since: delta}
		}
		d.last = ts
		return Decision{Admitted: true, Since: delta}
	}

	d.last = ts
	d.hasLast = true
	return Decision{Admitted: true}
}

// LastAlert returns the timestamp of the last admitted event
func (d *Dispatcher) LastAlert() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.hasLast
}
