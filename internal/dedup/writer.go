package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"firerisk-backend/internal/models"
)

// MetricStore persists derived metrics
type MetricStore interface {
	WriteDerivedMetric(ctx context.Context, metric models.DerivedMetric) error
}

// Outcome of a TryWrite call
type Outcome int

const (
	Written Outcome = iota
	SkippedDuplicate
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case SkippedDuplicate:
		return "skipped_duplicate"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result carries the outcome and, for Failed, the store error
type Result struct {
	Outcome Outcome
	Err     error
}

var errDuplicate = errors.New("already written")

// Writer writes each reference timestamp to the store at most once in a row.
// The timestamp is remembered only after the store accepts the write, so a failed
// write is attempted again the next time the same timestamp comes in.
type Writer struct {
	store MetricStore
	group singleflight.Group

	mu          sync.Mutex
	lastWritten time.Time
	hasWritten  bool
}

// NewWriter creates a writer in front of store
func NewWriter(store MetricStore) *Writer {
	return &Writer{store: store}
}

// TryWrite writes metric unless its reference timestamp was the last one written.
// Concurrent calls for the same timestamp share one store call; only the caller
// that made it sees Written.
func (w *Writer) TryWrite(ctx context.Context, metric models.DerivedMetric) Result {
	ts := metric.ReferenceTimestamp.UTC()
	if w.isLast(ts) {
		return Result{Outcome: SkippedDuplicate}
	}

	executed := false
	_, err, _ := w.group.Do(ts.Format(time.RFC3339), func() (interface{}, error) {
		// a write for ts may have finished between isLast and Do
		if w.isLast(ts) {
			return nil, errDuplicate
		}
		executed = true
		if err := w.store.WriteDerivedMetric(ctx, metric); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.lastWritten = ts
		w.hasWritten = true
		w.mu.Unlock()
		return nil, nil
	})

	switch {
	case errors.Is(err, errDuplicate):
		return Result{Outcome: SkippedDuplicate}
	case err != nil:
		return Result{Outcome: Failed, Err: err}
	case executed:
		return Result{Outcome: Written}
	default:
		return Result{Outcome: SkippedDuplicate}
	}
}

// LastWritten returns the most recent successfully written timestamp
func (w *Writer) LastWritten() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWritten, w.hasWritten
}

func (w *Writer) isLast(ts time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasWritten && w.lastWritten.Equal(ts)
}
