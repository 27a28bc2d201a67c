package services

import (
	"context"
	"log"
	"time"

	"firerisk-backend/internal/alert"
	"firerisk-backend/internal/metrics"
	"firerisk-backend/internal/models"
)

// AlertNotifier sends the message for an admitted alert
type AlertNotifier interface {
	Notify(ctx context.Context, fIndex float64, ts time.Time) models.AlertEvent
}

// AlertService evaluates derived metrics in arrival order and sends an SMS for
// each admitted one. Sending happens here so a slow modem never holds up fusion.
type AlertService struct {
	dispatcher *alert.Dispatcher
	notifier   AlertNotifier
	metrics    *metrics.Metrics

	// Input channel, written by FusionService
	MetricChan chan models.DerivedMetric
}

// NewAlertService creates an alert service. notifier may be nil, in which case
// admitted alerts are only logged.
func NewAlertService(dispatcher *alert.Dispatcher, notifier AlertNotifier, m *metrics.Metrics, channelSize int) *AlertService {
	return &AlertService{
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    m,
		MetricChan: make(chan models.DerivedMetric, channelSize),
	}
}

// Start runs until ctx is cancelled
func (s *AlertService) Start(ctx context.Context) {
	log.Printf("AlertService: Starting (threshold %.2f)", s.dispatcher.Threshold())

	for {
		select {
		case <-ctx.Done():
			log.Println("AlertService: Shutdown complete")
			return
		case metric, ok := <-s.MetricChan:
			if !ok {
				return
			}
			s.evaluate(ctx, metric)
		}
	}
}

func (s *AlertService) evaluate(ctx context.Context, metric models.DerivedMetric) {
	ts := models.FormatTimestamp(metric.ReferenceTimestamp)
	decision := s.dispatcher.Evaluate(metric.FIndex, metric.ReferenceTimestamp)
	s.metrics.AlertDecision(decision.Reason.String())

	switch decision.Reason {
	case alert.ReasonNone:
	case alert.BelowThreshold:
		return
	case alert.Cooldown:
		log.Printf("AlertService: alert blocked by cooldown (%s since last) @ %s", decision.Since, ts)
		return
	default:
		log.Printf("AlertService: alert ignored (%s) @ %s", decision.Reason, ts)
		return
	}

	if s.notifier == nil {
		log.Printf("AlertService: WARNING F-index %.2f @ %s above threshold, no phone configured", metric.FIndex, ts)
		return
	}
	event := s.notifier.Notify(ctx, metric.FIndex, metric.ReferenceTimestamp)
	s.metrics.SMS(event.Delivered)
}
