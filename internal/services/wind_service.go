package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"firerisk-backend/internal/metrics"
	"firerisk-backend/internal/modbus"
	"firerisk-backend/internal/models"
	"firerisk-backend/internal/units"
)

// WindSensor reads the anemometer
type WindSensor interface {
	ReadWindSpeed() (float64, error)
	Unit() string
}

// WindPublisher publishes wind readings
type WindPublisher interface {
	PublishWind(payload models.WindPayload) error
}

// WindStore persists raw wind readings
type WindStore interface {
	SaveWind(ctx context.Context, reading *models.WindReading, kmh float64) error
}

// WindService polls the anemometer once per sync beacon and publishes the
// reading tagged with the beacon timestamp
type WindService struct {
	sensor     WindSensor
	publisher  WindPublisher
	store      WindStore
	normalizer *units.Normalizer
	sensorID   string
	metrics    *metrics.Metrics

	// Input channel from MQTT subscriber
	SyncChan chan *models.SyncBeacon

	mu            sync.Mutex
	lastPublished string
}

// NewWindService creates a wind edge service. store may be nil.
func NewWindService(
	sensor WindSensor,
	publisher WindPublisher,
	store WindStore,
	normalizer *units.Normalizer,
	sensorID string,
	m *metrics.Metrics,
	channelSize int,
) *WindService {
	return &WindService{
		sensor:     sensor,
		publisher:  publisher,
		store:      store,
		normalizer: normalizer,
		sensorID:   sensorID,
		metrics:    m,
		SyncChan:   make(chan *models.SyncBeacon, channelSize),
	}
}

// Start processes beacons until ctx is cancelled
func (s *WindService) Start(ctx context.Context) {
	log.Println("WindService: Starting...")

	for {
		select {
		case <-ctx.Done():
			log.Println("WindService: Shutdown complete")
			return
		case beacon, ok := <-s.SyncChan:
			if !ok {
				return
			}
			s.HandleBeacon(ctx, beacon)
		}
	}
}

// HandleBeacon polls, publishes and stores one reading for beacon. A beacon
// that was already published is skipped; a failed poll or publish leaves it
// unmarked so a redelivery is tried again.
func (s *WindService) HandleBeacon(ctx context.Context, beacon *models.SyncBeacon) bool {
	if s.isLast(beacon.Raw) {
		log.Printf("WindService: timestamp %s already processed, skipping", beacon.Raw)
		return false
	}

	start := time.Now()
	speed, err := s.sensor.ReadWindSpeed()
	s.metrics.ModbusRead(errorKind(err), time.Since(start))
	if err != nil {
		log.Printf("WindService: no wind reading for %s: %v", beacon.Raw, err)
		return false
	}

	payload := models.NewWindPayload(s.sensorID, speed, s.sensor.Unit(), beacon.Timestamp)
	if err := s.publisher.PublishWind(payload); err != nil {
		s.metrics.WindPublished(false)
		log.Printf("WindService: publish failed for %s: %v", beacon.Raw, err)
		return false
	}
	s.metrics.WindPublished(true)

	s.mu.Lock()
	s.lastPublished = beacon.Raw
	s.mu.Unlock()

	if s.store != nil {
		reading := &models.WindReading{
			SensorID:  s.sensorID,
			Timestamp: beacon.Timestamp,
			Speed:     *payload.WindSpeed,
			Unit:      payload.Unit,
		}
		kmh, err := s.normalizer.WindKmh(reading)
		if err == nil {
			err = s.store.SaveWind(ctx, reading, kmh)
		}
		if err != nil {
			log.Printf("WindService: failed to store wind reading for %s: %v", beacon.Raw, err)
		}
	}
	return true
}

// LastPublished returns the raw timestamp of the last published beacon
func (s *WindService) LastPublished() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPublished
}

func (s *WindService) isLast(raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPublished == raw
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var te *modbus.TransportError
	if errors.As(err, &te) {
		return te.Kind.String()
	}
	return "error"
}
