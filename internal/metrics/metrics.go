package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ReadingsTotal        *prometheus.CounterVec
	RejectedTotal        *prometheus.CounterVec
	FusionOutcomesTotal  *prometheus.CounterVec
	FIndex               prometheus.Gauge
	FMI                  prometheus.Gauge
	WritesTotal          *prometheus.CounterVec
	AlertDecisionsTotal  *prometheus.CounterVec
	SMSTotal             *prometheus.CounterVec
	ModbusReadsTotal     *prometheus.CounterVec
	ModbusReadDuration   prometheus.Histogram
	LinkState            prometheus.Gauge
	WindPublishedTotal   *prometheus.CounterVec
	BeaconPublishedTotal *prometheus.CounterVec
}

// New constructs the metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_readings_total",
				Help: "Sensor messages accepted by stream",
			},
			[]string{"stream"},
		),
		RejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_rejected_messages_total",
				Help: "Sensor messages rejected by reason",
			},
			[]string{"reason"},
		),
		FusionOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_fusion_outcomes_total",
				Help: "Fusion attempts by outcome",
			},
			[]string{"outcome"},
		),
		FIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firerisk_f_index",
			Help: "Last computed F-index",
		}),
		FMI: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firerisk_fmi",
			Help: "Last computed fire moisture index",
		}),
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_metric_writes_total",
				Help: "Derived metric writes by outcome",
			},
			[]string{"outcome"},
		),
		AlertDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_alert_decisions_total",
				Help: "Alert evaluations by result",
			},
			[]string{"reason"},
		),
		SMSTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_sms_total",
				Help: "SMS alerts by delivery result",
			},
			[]string{"result"},
		),
		ModbusReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_modbus_reads_total",
				Help: "Anemometer reads by result",
			},
			[]string{"result"},
		),
		ModbusReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "firerisk_modbus_read_duration_seconds",
			Help:    "Anemometer read duration including retries",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		LinkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "firerisk_modbus_link_state",
			Help: "Serial link state (0 closed, 1 open, 2 degraded)",
		}),
		WindPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_wind_published_total",
				Help: "Wind readings published by result",
			},
			[]string{"result"},
		),
		BeaconPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "firerisk_sync_beacons_total",
				Help: "Sync beacons published by result",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(
		m.ReadingsTotal,
		m.RejectedTotal,
		m.FusionOutcomesTotal,
		m.FIndex,
		m.FMI,
		m.WritesTotal,
		m.AlertDecisionsTotal,
		m.SMSTotal,
		m.ModbusReadsTotal,
		m.ModbusReadDuration,
		m.LinkState,
		m.WindPublishedTotal,
		m.BeaconPublishedTotal,
	)
	return m
}

func (m *Metrics) Reading(stream string) {
	if m != nil {
		m.ReadingsTotal.WithLabelValues(stream).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.RejectedTotal.WithLabelValues(reason).Inc()
	}
}

// Fusion records an outcome; fmi and fIndex are only set for fused results
func (m *Metrics) Fusion(outcome string, fused bool, fmi, fIndex float64) {
	if m == nil {
		return
	}
	m.FusionOutcomesTotal.WithLabelValues(outcome).Inc()
	if fused {
		m.FMI.Set(fmi)
		m.FIndex.Set(fIndex)
	}
}

func (m *Metrics) Write(outcome string) {
	if m != nil {
		m.WritesTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AlertDecision(reason string) {
	if m != nil {
		m.AlertDecisionsTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SMS(delivered bool) {
	if m != nil {
		m.SMSTotal.WithLabelValues(result(delivered)).Inc()
	}
}

// ModbusRead records one anemometer read; kind is empty on success
func (m *Metrics) ModbusRead(kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "ok"
	}
	m.ModbusReadsTotal.WithLabelValues(kind).Inc()
	m.ModbusReadDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SetLinkState(state int) {
	if m != nil {
		m.LinkState.Set(float64(state))
	}
}

func (m *Metrics) WindPublished(ok bool) {
	if m != nil {
		m.WindPublishedTotal.WithLabelValues(result(ok)).Inc()
	}
}

func (m *Metrics) BeaconPublished(ok bool) {
	if m != nil {
		m.BeaconPublishedTotal.WithLabelValues(result(ok)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
