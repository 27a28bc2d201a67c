package fusion

import (
	"sync"
	"time"

	"firerisk-backend/internal/models"
)

// Outcome is the result of one Ingest call
type Outcome int

const (
	// OutcomeFused means a metric was produced
	OutcomeFused Outcome = iota
	// OutcomeNotReady means one of the streams has not reported yet
	OutcomeNotReady
	// OutcomeOutOfSync means the two streams are further apart than the sync window
	OutcomeOutOfSync
	// OutcomeNonPhysical means FMI came out at or below zero
	OutcomeNonPhysical
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFused:
		return "fused"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeOutOfSync:
		return "out_of_sync"
	case OutcomeNonPhysical:
		return "non_physical"
	default:
		return "unknown"
	}
}

// MinEffectiveWind is the floor applied to wind speed (km/h) before dividing by FMI
const MinEffectiveWind = 1.0

// FMI is the moisture index for a temperature (C) and relative humidity (%)
func FMI(temperature, humidity float64) float64 {
	return 10 - 0.25*(temperature-humidity)
}

// FIndex divides the floored wind speed by fmi. fmi must be positive.
func FIndex(windKmh, fmi float64) float64 {
	return EffectiveWind(windKmh) / fmi
}

// EffectiveWind applies the MinEffectiveWind floor
func EffectiveWind(windKmh float64) float64 {
	if windKmh < MinEffectiveWind {
		return MinEffectiveWind
	}
	return windKmh
}

type climateSlot struct {
	set         bool
	temperature float64
	humidity    float64
	hasTemp     bool
	hasHumidity bool
	ts          time.Time
}

type windSlot struct {
	set bool
	kmh float64
	ts  time.Time
}

// Engine keeps the latest reading of each stream and fuses them into a DerivedMetric.
// It is safe for concurrent use and does no I/O.
type Engine struct {
	syncWindow time.Duration

	mu      sync.Mutex
	climate climateSlot
	wind    windSlot
}

// NewEngine creates an engine. syncWindow is the largest accepted gap between the
// climate and wind timestamps; zero requires them to be identical.
func NewEngine(syncWindow time.Duration) *Engine {
	if syncWindow < 0 {
		syncWindow = 0
	}
	return &Engine{syncWindow: syncWindow}
}

// Ingest records the readings and tries to fuse the current state.
//
// Temperature and humidity share one slot: the slot is ready once both have been
// seen, and its timestamp is that of the most recent climate reading. Passing a
// temperature and a humidity reading in the same call updates the slot atomically.
func (e *Engine) Ingest(readings ...models.SensorReading) (models.DerivedMetric, Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range readings {
		ts := r.ObservedAt.UTC().Truncate(time.Second)
		switch r.Kind {
		case models.Temperature:
			e.climate.temperature = r.Value
			e.climate.hasTemp = true
			e.climate.ts = ts
		case models.Humidity:
			e.climate.humidity = r.Value
			e.climate.hasHumidity = true
			e.climate.ts = ts
		case models.WindSpeed:
			e.wind = windSlot{set: true, kmh: r.Value, ts: ts}
		}
	}
	e.climate.set = e.climate.hasTemp && e.climate.hasHumidity

	if !e.climate.set || !e.wind.set {
		return models.DerivedMetric{}, OutcomeNotReady
	}

	gap := e.climate.ts.Sub(e.wind.ts)
	if gap < 0 {
		gap = -gap
	}
	if gap > e.syncWindow {
		return models.DerivedMetric{}, OutcomeOutOfSync
	}

	ref := e.climate.ts
	if e.wind.ts.After(ref) {
		ref = e.wind.ts
	}

	fmi := FMI(e.climate.temperature, e.climate.humidity)
	if fmi <= 0 {
		return models.DerivedMetric{}, OutcomeNonPhysical
	}

	return models.DerivedMetric{
		FMI:                fmi,
		FIndex:             FIndex(e.wind.kmh, fmi),
		ReferenceTimestamp: ref,
	}, OutcomeFused
}

// Snapshot is a read-only copy of the engine state, for diagnostics
type Snapshot struct {
	Temperature, Humidity float64
	ClimateAt             time.Time
	ClimateReady          bool
	WindKmh               float64
	WindAt                time.Time
	WindReady             bool
}

// Snapshot returns the current slots
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Temperature:  e.climate.temperature,
		Humidity:     e.climate.humidity,
		ClimateAt:    e.climate.ts,
		ClimateReady: e.climate.set,
		WindKmh:      e.wind.kmh,
		WindAt:       e.wind.ts,
		WindReady:    e.wind.set,
	}
}
