package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"firerisk-backend/internal/alert"
	"firerisk-backend/internal/dedup"
	"firerisk-backend/internal/fusion"
	"firerisk-backend/internal/modbus"
	"firerisk-backend/internal/models"
	"firerisk-backend/internal/units"
)

var t0 = time.Date(2025, 3, 1, 14, 6, 0, 0, time.UTC)

type fakeMetricStore struct {
	mu      sync.Mutex
	fail    error
	written []models.DerivedMetric
	climate []*models.ClimateReading
}

func (s *fakeMetricStore) WriteDerivedMetric(ctx context.Context, m models.DerivedMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.written = append(s.written, m)
	return nil
}

func (s *fakeMetricStore) SaveClimate(ctx context.Context, r *models.ClimateReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.climate = append(s.climate, r)
	return nil
}

func newFusionService(t *testing.T, store *fakeMetricStore, strict bool) (*FusionService, chan models.DerivedMetric) {
	t.Helper()
	normalizer, err := units.NewNormalizer("m/s", strict)
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	alerts := make(chan models.DerivedMetric, 10)
	s := NewFusionService(fusion.NewEngine(0), normalizer, dedup.NewWriter(store), store, alerts, nil, DefaultFusionServiceConfig())
	return s, alerts
}

func TestFusionServicePipeline(t *testing.T) {
	store := &fakeMetricStore{}
	s, alerts := newFusionService(t, store, false)
	ctx := context.Background()

	s.processClimate(ctx, &models.ClimateReading{SensorID: "1", Timestamp: t0, Temperature: 30, Humidity: 40})
	if len(alerts) != 0 || len(store.written) != 0 {
		t.Fatalf("nothing should be produced before wind arrives")
	}
	if len(store.climate) != 1 {
		t.Errorf("expected raw climate reading to be stored")
	}

	s.processWind(ctx, &models.WindReading{SensorID: "2", Timestamp: t0, Speed: 5, Unit: "m/s"})
	if len(store.written) != 1 {
		t.Fatalf("expected one write, got %d", len(store.written))
	}
	m := <-alerts
	if math.Abs(m.FIndex-1.44) > 1e-9 || !m.ReferenceTimestamp.Equal(t0) {
		t.Errorf("unexpected metric %+v", m)
	}

	// same reference timestamp again: not written, still evaluated for alerts
	s.processWind(ctx, &models.WindReading{SensorID: "2", Timestamp: t0, Speed: 5, Unit: "m/s"})
	if len(store.written) != 1 {
		t.Errorf("duplicate timestamp was written again")
	}
	if len(alerts) != 1 {
		t.Errorf("expected duplicate metric to reach the alert path")
	}

	st := s.Status()
	if st.WindKmh == nil || math.Abs(*st.WindKmh-18) > 1e-9 || st.LastWrittenAt == nil {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestFusionServiceStoreFailure(t *testing.T) {
	store := &fakeMetricStore{fail: errors.New("clickhouse down")}
	s, alerts := newFusionService(t, store, false)
	ctx := context.Background()

	s.processClimate(ctx, &models.ClimateReading{Timestamp: t0, Temperature: 30, Humidity: 40})
	kmh := 20.0
	s.processWind(ctx, &models.WindReading{Timestamp: t0, SpeedKmh: &kmh})

	if len(alerts) != 1 {
		t.Fatalf("store failure must not block the alert path")
	}
	if _, ok := s.writer.LastWritten(); ok {
		t.Errorf("failed write must not be recorded")
	}

	store.mu.Lock()
	store.fail = nil
	store.mu.Unlock()
	s.processWind(ctx, &models.WindReading{Timestamp: t0, SpeedKmh: &kmh})
	if len(store.written) != 1 {
		t.Errorf("expected retry with the same timestamp to be written")
	}
}

func TestFusionServiceRejectsUnknownUnitWhenStrict(t *testing.T) {
	store := &fakeMetricStore{}
	s, alerts := newFusionService(t, store, true)
	ctx := context.Background()

	s.processClimate(ctx, &models.ClimateReading{Timestamp: t0, Temperature: 30, Humidity: 40})
	s.processWind(ctx, &models.WindReading{Timestamp: t0, Speed: 5, Unit: "knots"})

	if len(alerts) != 0 || s.engine.Snapshot().WindReady {
		t.Errorf("unparseable wind reading must not reach the engine")
	}
}

func TestFusionServiceDropsNonPhysicalFMI(t *testing.T) {
	store := &fakeMetricStore{}
	s, alerts := newFusionService(t, store, false)
	ctx := context.Background()

	// fmi = 10 - 0.25*(60-5) = -3.75
	s.processClimate(ctx, &models.ClimateReading{Timestamp: t0, Temperature: 60, Humidity: 5})
	s.processWind(ctx, &models.WindReading{Timestamp: t0, Speed: 10, Unit: "m/s"})

	if len(store.written) != 0 {
		t.Errorf("non-physical reading was written: %+v", store.written)
	}
	if _, ok := s.writer.LastWritten(); ok {
		t.Errorf("non-physical reading must not touch write deduplication")
	}
	if len(alerts) != 0 {
		t.Errorf("non-physical reading reached the alert path")
	}

	// a physical reading at the same timestamp is still written
	s.processClimate(ctx, &models.ClimateReading{Timestamp: t0, Temperature: 30, Humidity: 40})
	if len(store.written) != 1 || len(alerts) != 1 {
		t.Errorf("expected the next valid reading to be written and evaluated")
	}
}

func TestFusionServiceStartStop(t *testing.T) {
	store := &fakeMetricStore{}
	s, alerts := newFusionService(t, store, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	s.ClimateChan <- &models.ClimateReading{Timestamp: t0, Temperature: 30, Humidity: 40}
	time.Sleep(20 * time.Millisecond)
	s.WindChan <- &models.WindReading{Timestamp: t0, Speed: 5}

	select {
	case <-alerts:
	case <-time.After(2 * time.Second):
		t.Fatalf("no metric produced")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return after cancel")
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	calls  []float64
	result bool
}

func (n *fakeNotifier) Notify(ctx context.Context, fIndex float64, ts time.Time) models.AlertEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fIndex)
	return models.AlertEvent{FIndex: fIndex, Timestamp: ts, Delivered: n.result}
}

func TestAlertServiceScenario(t *testing.T) {
	notifier := &fakeNotifier{}
	s := NewAlertService(alert.NewDispatcher(1.5, 60*time.Second), notifier, nil, 10)
	ctx := context.Background()

	s.evaluate(ctx, models.DerivedMetric{FIndex: 1.44, ReferenceTimestamp: t0})
	if len(notifier.calls) != 0 {
		t.Fatalf("1.44 is below threshold")
	}
	s.evaluate(ctx, models.DerivedMetric{FIndex: 1.6, ReferenceTimestamp: t0})
	if len(notifier.calls) != 1 {
		t.Fatalf("expected one alert, got %d", len(notifier.calls))
	}
	// failed delivery is not retried and the next event 5s later is in cooldown
	s.evaluate(ctx, models.DerivedMetric{FIndex: 2.0, ReferenceTimestamp: t0.Add(5 * time.Second)})
	s.evaluate(ctx, models.DerivedMetric{FIndex: 1.6, ReferenceTimestamp: t0})
	if len(notifier.calls) != 1 {
		t.Errorf("expected no further alerts, got %d", len(notifier.calls))
	}
	s.evaluate(ctx, models.DerivedMetric{FIndex: 1.7, ReferenceTimestamp: t0.Add(time.Minute)})
	if len(notifier.calls) != 2 {
		t.Errorf("expected second alert after cooldown, got %d", len(notifier.calls))
	}
}

func TestAlertServiceWithoutNotifier(t *testing.T) {
	d := alert.NewDispatcher(1.5, time.Minute)
	s := NewAlertService(d, nil, nil, 1)
	s.evaluate(context.Background(), models.DerivedMetric{FIndex: 3, ReferenceTimestamp: t0})
	if _, ok := d.LastAlert(); !ok {
		t.Errorf("admitted alert should be recorded even without a notifier")
	}
}

type fakeSensor struct {
	speed float64
	err   error
	reads int
}

func (s *fakeSensor) ReadWindSpeed() (float64, error) {
	s.reads++
	return s.speed, s.err
}

func (s *fakeSensor) Unit() string { return "m/s" }

type fakeWindPublisher struct {
	err      error
	payloads []models.WindPayload
}

func (p *fakeWindPublisher) PublishWind(payload models.WindPayload) error {
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

type fakeWindStore struct {
	readings []*models.WindReading
	kmh      []float64
}

func (s *fakeWindStore) SaveWind(ctx context.Context, r *models.WindReading, kmh float64) error {
	s.readings = append(s.readings, r)
	s.kmh = append(s.kmh, kmh)
	return nil
}

func newWindService(sensor *fakeSensor, pub *fakeWindPublisher, store *fakeWindStore) *WindService {
	return NewWindService(sensor, pub, store, &units.Normalizer{Default: units.MetersPerSecond}, "2", nil, 1)
}

func beaconAt(ts time.Time) *models.SyncBeacon {
	return &models.SyncBeacon{Timestamp: ts, Raw: models.FormatTimestamp(ts)}
}

func TestWindServicePublishesOncePerBeacon(t *testing.T) {
	sensor := &fakeSensor{speed: 3.5}
	pub := &fakeWindPublisher{}
	store := &fakeWindStore{}
	s := newWindService(sensor, pub, store)
	ctx := context.Background()

	if !s.HandleBeacon(ctx, beaconAt(t0)) {
		t.Fatalf("expected beacon to be handled")
	}
	if s.HandleBeacon(ctx, beaconAt(t0)) {
		t.Errorf("repeated beacon must be skipped")
	}
	if sensor.reads != 1 || len(pub.payloads) != 1 {
		t.Fatalf("expected one read and one publish, got %d/%d", sensor.reads, len(pub.payloads))
	}

	p := pub.payloads[0]
	if p.SensorID != "2" || p.Unit != "m/s" || *p.WindSpeed != 3.5 || p.Timestamp != "2025-03-01T14:06:00Z" {
		t.Errorf("unexpected payload %+v", p)
	}
	if len(store.kmh) != 1 || math.Abs(store.kmh[0]-12.6) > 1e-9 {
		t.Errorf("unexpected stored wind %v", store.kmh)
	}

	if !s.HandleBeacon(ctx, beaconAt(t0.Add(10*time.Second))) {
		t.Errorf("new beacon must be handled")
	}
	if s.LastPublished() != "2025-03-01T14:06:10Z" {
		t.Errorf("unexpected last published %q", s.LastPublished())
	}
}

func TestWindServiceRetriesAfterFailure(t *testing.T) {
	testCases := []struct {
		name      string
		sensorErr error
		pubErr    error
	}{
		{"Link down", &modbus.TransportError{Kind: modbus.KindLinkDown, Reason: "reopen failed"}, nil},
		{"Publish failed", nil, errors.New("not connected")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sensor := &fakeSensor{speed: 2, err: tc.sensorErr}
			pub := &fakeWindPublisher{err: tc.pubErr}
			store := &fakeWindStore{}
			s := newWindService(sensor, pub, store)
			ctx := context.Background()

			if s.HandleBeacon(ctx, beaconAt(t0)) {
				t.Fatalf("expected failure")
			}
			if s.LastPublished() != "" || len(store.readings) != 0 {
				t.Fatalf("failed beacon must not be marked or stored")
			}

			sensor.err = nil
			pub.err = nil
			if !s.HandleBeacon(ctx, beaconAt(t0)) {
				t.Errorf("redelivered beacon should be retried")
			}
		})
	}
}

type fakeSyncPublisher struct {
	ch chan time.Time
}

func (p *fakeSyncPublisher) PublishSync(ts time.Time) error {
	p.ch <- ts
	return nil
}

func TestBeaconServiceAlignsToMinute(t *testing.T) {
	pub := &fakeSyncPublisher{ch: make(chan time.Time, 100)}
	s := NewBeaconService(pub, 20*time.Millisecond, nil)

	base := time.Date(2025, 3, 1, 14, 5, 59, 950_000_000, time.UTC)
	start := time.Now()
	s.now = func() time.Time { return base.Add(time.Since(start)) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	var got []time.Time
	for len(got) < 3 {
		select {
		case ts := <-pub.ch:
			got = append(got, ts)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d beacons published", len(got))
		}
	}
	cancel()
	<-done

	if !got[0].Equal(t0) {
		t.Errorf("first beacon should be on the minute, got %v", got[0])
	}
	for _, ts := range got {
		if ts.Nanosecond() != 0 || ts.Location() != time.UTC {
			t.Errorf("beacon %v not truncated to UTC seconds", ts)
		}
	}
}

func TestUntilNextMinute(t *testing.T) {
	testCases := []struct {
		now  time.Time
		want time.Duration
	}{
		{time.Date(2025, 3, 1, 14, 5, 50, 0, time.UTC), 10 * time.Second},
		{time.Date(2025, 3, 1, 14, 5, 0, 0, time.UTC), time.Minute},
		{time.Date(2025, 3, 1, 14, 5, 59, 500_000_000, time.UTC), 500 * time.Millisecond},
	}
	for _, tc := range testCases {
		if got := untilNextMinute(tc.now); got != tc.want {
			t.Errorf("untilNextMinute(%v) = %v, want %v", tc.now, got, tc.want)
		}
	}
}
