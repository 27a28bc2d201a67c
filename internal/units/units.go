package units

import (
	"fmt"
	"math"
	"strings"

	"firerisk-backend/internal/models"
)

// Canonical unit names
const (
	KmPerHour       = "km/h"
	MetersPerSecond = "m/s"
)

const msToKmh = 3.6

var aliases = map[string]string{
	"km/h": KmPerHour,
	"kmh":  KmPerHour,
	"kph":  KmPerHour,
	"m/s":  MetersPerSecond,
	"ms":   MetersPerSecond,
	"mps":  MetersPerSecond,
}

// ErrorKind classifies normalization failures
type ErrorKind int

const (
	// Unparseable means the value or its unit cannot be turned into km/h
	Unparseable ErrorKind = iota + 1
)

// UnitError is returned when a wind value cannot be normalized
type UnitError struct {
	Kind   ErrorKind
	Value  float64
	Unit   string
	Reason string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unparseable wind value %v %q: %s", e.Value, e.Unit, e.Reason)
}

// Canonical maps a declared unit to its canonical name. Matching ignores case and
// whitespace. The second result is false for an empty or unknown unit.
func Canonical(unit string) (string, bool) {
	key := strings.ToLower(strings.Join(strings.Fields(unit), ""))
	c, ok := aliases[key]
	return c, ok
}

// Normalizer converts wind speeds to km/h.
//
// A missing or unknown unit is read as Default, unless Strict is set, in which
// case unknown units are rejected. A missing unit always uses Default.
type Normalizer struct {
	Default string
	Strict  bool
}

// NewNormalizer validates the default unit
func NewNormalizer(defaultUnit string, strict bool) (*Normalizer, error) {
	c, ok := Canonical(defaultUnit)
	if !ok {
		return nil, fmt.Errorf("unknown default wind unit %q", defaultUnit)
	}
	return &Normalizer{Default: c, Strict: strict}, nil
}

// ToKmh converts value, declared in unit, to km/h
func (n *Normalizer) ToKmh(value float64, unit string) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &UnitError{Kind: Unparseable, Value: value, Unit: unit, Reason: "not a finite number"}
	}

	c, ok := Canonical(unit)
	if !ok {
		if n.Strict && strings.TrimSpace(unit) != "" {
			return 0, &UnitError{Kind: Unparseable, Value: value, Unit: unit, Reason: "unknown unit"}
		}
		c = n.Default
		if c == "" {
			c = MetersPerSecond
		}
	}

	if c == MetersPerSecond {
		return value * msToKmh, nil
	}
	return value, nil
}

// WindKmh returns the reading's speed in km/h. An explicit km/h field wins over
// the raw value and its declared unit.
func (n *Normalizer) WindKmh(r *models.WindReading) (float64, error) {
	if r.SpeedKmh != nil {
		return n.ToKmh(*r.SpeedKmh, KmPerHour)
	}
	return n.ToKmh(r.Speed, r.Unit)
}
