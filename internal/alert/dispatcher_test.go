package alert

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 14, 6, 0, 0, time.UTC)

func TestThresholdScenario(t *testing.T) {
	d := NewDispatcher(1.5, 60*time.Second)

	if dec := d.Evaluate(1.44, t0); dec.Admitted || dec.Reason != BelowThreshold {
		t.Fatalf("expected below threshold, got %+v", dec)
	}
	if dec := d.Evaluate(1.5, t0); dec.Reason != BelowThreshold {
		t.Fatalf("value equal to threshold must not alert, got %+v", dec)
	}
	if _, ok := d.LastAlert(); ok {
		t.Fatalf("suppressed events must not change state")
	}
	if dec := d.Evaluate(1.6, t0); !dec.Admitted {
		t.Fatalf("expected admitted, got %+v", dec)
	}
}

func TestEvaluateSequence(t *testing.T) {
	testCases := []struct {
		name   string
		offset time.Duration
		value  float64
		want   Reason
	}{
		{"Same timestamp", 0, 3, DuplicateTimestamp},
		{"Five seconds later", 5 * time.Second, 3, Cooldown},
		{"Just inside cooldown", 59 * time.Second, 3, Cooldown},
		{"Older event", -10 * time.Second, 3, NonMonotonic},
		{"Older event below threshold", -10 * time.Second, 1, BelowThreshold},
		{"Cooldown elapsed", 60 * time.Second, 3, ReasonNone},
		{"Long after", time.Hour, 3, ReasonNone},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(1.5, 60*time.Second)
			if dec := d.Evaluate(2, t0); !dec.Admitted {
				t.Fatalf("first event not admitted: %+v", dec)
			}
			dec := d.Evaluate(tc.value, t0.Add(tc.offset))
			if dec.Reason != tc.want {
				t.Errorf("expected %s, got %s", tc.want, dec.Reason)
			}
			if dec.Admitted != (tc.want == ReasonNone) {
				t.Errorf("unexpected admitted=%v", dec.Admitted)
			}
		})
	}
}

func TestCooldownIsMeasuredFromLastAdmitted(t *testing.T) {
	d := NewDispatcher(1.5, 60*time.Second)
	d.Evaluate(2, t0)

	// suppressed events do not move the reference point
	for s := 10; s < 60; s += 10 {
		if dec := d.Evaluate(2, t0.Add(time.Duration(s)*time.Second)); dec.Reason != Cooldown {
			t.Fatalf("at +%ds expected cooldown, got %s", s, dec.Reason)
		}
	}
	if dec := d.Evaluate(2, t0.Add(60*time.Second)); !dec.Admitted {
		t.Fatalf("expected admitted at +60s, got %s", dec.Reason)
	}
	last, _ := d.LastAlert()
	if !last.Equal(t0.Add(60 * time.Second)) {
		t.Errorf("unexpected last alert %v", last)
	}

	// everything at or before the new reference is non monotonic
	if dec := d.Evaluate(5, t0.Add(30*time.Second)); dec.Reason != NonMonotonic {
		t.Errorf("expected non monotonic, got %s", dec.Reason)
	}
}

func TestZeroCooldown(t *testing.T) {
	d := NewDispatcher(1.5, 0)
	d.Evaluate(2, t0)
	if dec := d.Evaluate(2, t0.Add(time.Second)); !dec.Admitted {
		t.Errorf("expected admitted, got %s", dec.Reason)
	}
	if dec := d.Evaluate(2, t0.Add(time.Second)); dec.Reason != DuplicateTimestamp {
		t.Errorf("expected duplicate, got %s", dec.Reason)
	}
}

func TestConcurrentEvaluateAdmitsOnce(t *testing.T) {
	d := NewDispatcher(1.5, 60*time.Second)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// all within one cooldown window
			if d.Evaluate(2, t0.Add(time.Duration(i)*time.Second)).Admitted {
				atomic.AddInt32(&admitted, 1)
			}
		}(i)
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("expected exactly one admitted event, got %d", admitted)
	}
}
