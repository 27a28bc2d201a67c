package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TimestampLayout is the only accepted wire format for timestamps
const TimestampLayout = "2006-01-02T15:04:05Z"

var (
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// ParseTimestamp parses "YYYY-MM-DDTHH:MM:SSZ" and fails closed on anything else
func ParseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	// time.Parse accepts a few variants (e.g. single-digit fields are rejected, but
	// fractional seconds are not); round-trip to be strict.
	if ts.Format(TimestampLayout) != s {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	return ts.UTC(), nil
}

// FormatTimestamp renders t in the wire format, truncated to whole seconds
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}

// SensorEnvelope is the common part of every sensor message. It is decoded first
// so the subscriber can route by sensor_id.
type SensorEnvelope struct {
	SensorID json.RawMessage `json:"sensor_id"`
}

// ID returns sensor_id as a string whether it was sent as a JSON string or number
func (e SensorEnvelope) ID() string {
	if len(e.SensorID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.SensorID, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(e.SensorID, &n); err == nil {
		return n.String()
	}
	return ""
}

// ClimatePayload is the incoming temperature/humidity message
type ClimatePayload struct {
	SensorID    json.RawMessage `json:"sensor_id"`
	Temperature *float64        `json:"temperature"`
	Humidity    *float64        `json:"humidity"`
	Timestamp   string          `json:"timestamp"`
}

// WindPayload is the wind message, both as received and as published by the edge worker
type WindPayload struct {
	SensorID     string   `json:"sensor_id"`
	Type         string   `json:"type,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	WindSpeed    *float64 `json:"wind_speed,omitempty"`
	WindSpeedKmh *float64 `json:"wind_speed_kmh,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

// SyncPayload is the beacon message on the sync topic
type SyncPayload struct {
	Timestamp string `json:"timestamp"`
}

// ParseEnvelope decodes the routing fields of a sensor message
func ParseEnvelope(data []byte) (SensorEnvelope, error) {
	var env SensorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return env, nil
}

// ParseClimate decodes and validates a temperature/humidity message
func ParseClimate(data []byte) (*ClimateReading, error) {
	var p ClimatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ts, err := ParseTimestamp(p.Timestamp)
	if err != nil {
		return nil, err
	}
	if p.Temperature == nil || p.Humidity == nil {
		return nil, fmt.Errorf("%w: temperature and humidity are required", ErrInvalidPayload)
	}
	return &ClimateReading{
		SensorID:    SensorEnvelope{SensorID: p.SensorID}.ID(),
		Timestamp:   ts,
		Temperature: *p.Temperature,
		Humidity:    *p.Humidity,
	}, nil
}

// ParseWind decodes and validates a wind message. wind_speed_kmh takes precedence
// over wind_speed/unit when both are present.
func ParseWind(data []byte) (*WindReading, error) {
	var raw struct {
		SensorID     json.RawMessage `json:"sensor_id"`
		Unit         *string         `json:"unit"`
		WindSpeed    *float64        `json:"wind_speed"`
		WindSpeedKmh *float64        `json:"wind_speed_kmh"`
		Timestamp    string          `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, err
	}
	reading := &WindReading{
		SensorID:  SensorEnvelope{SensorID: raw.SensorID}.ID(),
		Timestamp: ts,
	}
	switch {
	case raw.WindSpeedKmh != nil:
		reading.SpeedKmh = raw.WindSpeedKmh
	case raw.WindSpeed != nil:
		reading.Speed = *raw.WindSpeed
		if raw.Unit != nil {
			reading.Unit = *raw.Unit
		}
	default:
		return nil, fmt.Errorf("%w: wind_speed_kmh or wind_speed is required", ErrInvalidPayload)
	}
	return reading, nil
}

// ParseSync decodes a beacon message
func ParseSync(data []byte) (*SyncBeacon, error) {
	var p SyncPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ts, err := ParseTimestamp(p.Timestamp)
	if err != nil {
		return nil, err
	}
	return &SyncBeacon{Timestamp: ts, Raw: p.Timestamp}, nil
}

// NewWindPayload builds the message the edge worker publishes; speed is rounded to 0.1
func NewWindPayload(sensorID string, speed float64, unit string, ts time.Time) WindPayload {
	rounded, _ := strconv.ParseFloat(strconv.FormatFloat(speed, 'f', 1, 64), 64)
	return WindPayload{
		SensorID:  sensorID,
		Type:      "wind_speed",
		Unit:      unit,
		WindSpeed: &rounded,
		Timestamp: FormatTimestamp(ts),
	}
}
