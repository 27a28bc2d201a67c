package services

import (
	"context"
	"log"
	"sync"
	"time"

	"firerisk-backend/internal/dedup"
	"firerisk-backend/internal/fusion"
	"firerisk-backend/internal/metrics"
	"firerisk-backend/internal/models"
	"firerisk-backend/internal/units"
)

// ClimateStore persists raw temperature/humidity readings
type ClimateStore interface {
	SaveClimate(ctx context.Context, reading *models.ClimateReading) error
}

// FusionService merges the climate and wind streams, persists each derived metric
// once and forwards it to the alert path
type FusionService struct {
	engine     *fusion.Engine
	normalizer *units.Normalizer
	writer     *dedup.Writer
	raw        ClimateStore
	metrics    *metrics.Metrics

	// Input channels from MQTT subscriber
	ClimateChan chan *models.ClimateReading
	WindChan    chan *models.WindReading

	// Output channel, read by AlertService
	alerts chan<- models.DerivedMetric
}

// FusionServiceConfig holds configuration for fusion service
type FusionServiceConfig struct {
	ClimateChannelSize int
	WindChannelSize    int
}

// DefaultFusionServiceConfig returns default configuration
func DefaultFusionServiceConfig() FusionServiceConfig {
	return FusionServiceConfig{
		ClimateChannelSize: 100,
		WindChannelSize:    100,
	}
}

// NewFusionService creates a new fusion service. raw may be nil to skip raw
// climate persistence; alerts may be nil to disable alerting.
func NewFusionService(
	engine *fusion.Engine,
	normalizer *units.Normalizer,
	writer *dedup.Writer,
	raw ClimateStore,
	alerts chan<- models.DerivedMetric,
	m *metrics.Metrics,
	config FusionServiceConfig,
) *FusionService {
	return &FusionService{
		engine:      engine,
		normalizer:  normalizer,
		writer:      writer,
		raw:         raw,
		metrics:     m,
		alerts:      alerts,
		ClimateChan: make(chan *models.ClimateReading, config.ClimateChannelSize),
		WindChan:    make(chan *models.WindReading, config.WindChannelSize),
	}
}

// Start processes both streams until ctx is cancelled. It returns once the item
// in flight on each stream has been handled.
func (s *FusionService) Start(ctx context.Context) {
	log.Println("FusionService: Starting...")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.processClimateLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.processWindLoop(ctx)
	}()

	wg.Wait()
	log.Println("FusionService: Shutdown complete")
}

func (s *FusionService) processClimateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-s.ClimateChan:
			if !ok {
				return
			}
			s.processClimate(ctx, reading)
		}
	}
}

func (s *FusionService) processWindLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-s.WindChan:
			if !ok {
				return
			}
			s.processWind(ctx, reading)
		}
	}
}

func (s *FusionService) processClimate(ctx context.Context, reading *models.ClimateReading) {
	s.metrics.Reading("climate")
	log.Printf("FusionService: climate T=%.1fC H=%.1f%% @ %s",
		reading.Temperature, reading.Humidity, models.FormatTimestamp(reading.Timestamp))

	if s.raw != nil {
		if err := s.raw.SaveClimate(ctx, reading); err != nil {
			log.Printf("FusionService: failed to store climate reading: %v", err)
		}
	}

	s.fuse(ctx, reading.Readings()...)
}

func (s *FusionService) processWind(ctx context.Context, reading *models.WindReading) {
	kmh, err := s.normalizer.WindKmh(reading)
	if err != nil {
		log.Printf("FusionService: dropping wind reading: %v", err)
		s.metrics.Rejected("unparseable_wind")
		return
	}
	s.metrics.Reading("wind")
	log.Printf("FusionService: wind %.2f km/h @ %s", kmh, models.FormatTimestamp(reading.Timestamp))

	s.fuse(ctx, models.NewSensorReading(models.WindSpeed, kmh, reading.Timestamp))
}

func (s *FusionService) fuse(ctx context.Context, readings ...models.SensorReading) {
	metric, outcome := s.engine.Ingest(readings...)
	s.metrics.Fusion(outcome.String(), outcome == fusion.OutcomeFused, metric.FMI, metric.FIndex)

	if outcome != fusion.OutcomeFused {
		if outcome != fusion.OutcomeNotReady {
			log.Printf("FusionService: reading discarded (%s)", outcome)
		}
		return
	}

	res := s.writer.TryWrite(ctx, metric)
	s.metrics.Write(res.Outcome.String())
	switch res.Outcome {
	case dedup.Failed:
		log.Printf("FusionService: failed to write F-index @ %s: %v",
			models.FormatTimestamp(metric.ReferenceTimestamp), res.Err)
	case dedup.SkippedDuplicate:
		log.Printf("FusionService: F-index @ %s already written, skipping",
			models.FormatTimestamp(metric.ReferenceTimestamp))
	}

	if s.alerts == nil {
		return
	}
	select {
	case s.alerts <- metric:
	case <-ctx.Done():
	}
}

// FusionStatus is the service state exposed on the status endpoint
type FusionStatus struct {
	Temperature   *float64   `json:"temperature,omitempty"`
	Humidity      *float64   `json:"humidity,omitempty"`
	ClimateAt     *time.Time `json:"climate_at,omitempty"`
	WindKmh       *float64   `json:"wind_kmh,omitempty"`
	WindAt        *time.Time `json:"wind_at,omitempty"`
	LastWrittenAt *time.Time `json:"last_written_at,omitempty"`
}

// Status returns the latest fused inputs and the last written timestamp
func (s *FusionService) Status() FusionStatus {
	snap := s.engine.Snapshot()
	var st FusionStatus
	if snap.ClimateReady {
		st.Temperature = &snap.Temperature
		st.Humidity = &snap.Humidity
		st.ClimateAt = &snap.ClimateAt
	}
	if snap.WindReady {
		st.WindKmh = &snap.WindKmh
		st.WindAt = &snap.WindAt
	}
	if ts, ok := s.writer.LastWritten(); ok {
		st.LastWrittenAt = &ts
	}
	return st
}
