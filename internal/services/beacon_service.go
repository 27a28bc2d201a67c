package services

import (
	"context"
	"log"
	"time"

	"firerisk-backend/internal/metrics"
)

// SyncPublisher publishes sync beacons
type SyncPublisher interface {
	PublishSync(ts time.Time) error
}

// BeaconService broadcasts the canonical timestamp every interval, starting on
// the next whole minute so all nodes poll on round times
type BeaconService struct {
	publisher SyncPublisher
	interval  time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewBeaconService creates a beacon service
func NewBeaconService(publisher SyncPublisher, interval time.Duration, m *metrics.Metrics) *BeaconService {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BeaconService{
		publisher: publisher,
		interval:  interval,
		metrics:   m,
		now:       time.Now,
	}
}

// Start runs until ctx is cancelled. Ticks missed while a publish is blocked
// are dropped rather than replayed.
func (s *BeaconService) Start(ctx context.Context) {
	wait := untilNextMinute(s.now())
	log.Printf("BeaconService: first beacon in %s, then every %s", wait.Round(time.Millisecond), s.interval)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.publish()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("BeaconService: Shutdown complete")
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

func (s *BeaconService) publish() {
	ts := s.now().UTC().Truncate(time.Second)
	err := s.publisher.PublishSync(ts)
	s.metrics.BeaconPublished(err == nil)
	if err != nil {
		log.Printf("BeaconService: %v", err)
	}
}

func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}
