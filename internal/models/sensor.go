package models

import (
	"fmt"
	"time"
)

// StreamKind identifies which physical quantity a reading carries
type StreamKind int

const (
	Temperature StreamKind = iota + 1
	Humidity
	WindSpeed
)

func (k StreamKind) String() string {
	switch k {
	case Temperature:
		return "temperature"
	case Humidity:
		return "humidity"
	case WindSpeed:
		return "wind_speed"
	default:
		return fmt.Sprintf("stream(%d)", int(k))
	}
}

// SensorReading is a single observation of one stream.
// Wind speed readings are always in km/h.
type SensorReading struct {
	Kind       StreamKind
	Value      float64
	ObservedAt time.Time // UTC, second precision
}

// NewSensorReading builds a reading with the timestamp truncated to whole seconds in UTC
func NewSensorReading(kind StreamKind, value float64, observedAt time.Time) SensorReading {
	return SensorReading{
		Kind:       kind,
		Value:      value,
		ObservedAt: observedAt.UTC().Truncate(time.Second),
	}
}

// ClimateReading represents a temperature/humidity pair from the DHT22 node
type ClimateReading struct {
	SensorID    string    `json:"sensor_id"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"` // Celsius
	Humidity    float64   `json:"humidity"`    // Percentage 0-100
}

// Readings splits the pair into the two fusion inputs
func (c *ClimateReading) Readings() []SensorReading {
	return []SensorReading{
		NewSensorReading(Temperature, c.Temperature, c.Timestamp),
		NewSensorReading(Humidity, c.Humidity, c.Timestamp),
	}
}

// WindReading represents a wind speed observation as received from the transport.
// SpeedKmh is set when the publisher already sent km/h; otherwise Speed/Unit hold
// the raw value and its declared unit (possibly empty).
type WindReading struct {
	SensorID  string
	Timestamp time.Time
	SpeedKmh  *float64
	Speed     float64
	Unit      string
}

// DerivedMetric is the result of one fusion event
type DerivedMetric struct {
	FMI                float64   `json:"fmi"`
	FIndex             float64   `json:"f_index"`
	ReferenceTimestamp time.Time `json:"reference_timestamp"`
}

// SyncBeacon is the canonical timestamp broadcast used to tag wind polls
type SyncBeacon struct {
	Timestamp time.Time
	Raw       string // exact wire representation, used for dedup
}

// AlertEvent records an admitted alert and whether delivery succeeded
type AlertEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	FIndex    float64   `json:"f_index"`
	Threshold float64   `json:"threshold"`
	Phone     string    `json:"phone"`
	Delivered bool      `json:"delivered"`
}
