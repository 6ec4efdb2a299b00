// Package metrics provides Prometheus metrics for the parking core
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ParkingMetrics contains Prometheus metrics for detection and allocation.
// A nil *ParkingMetrics is valid and records nothing.
type ParkingMetrics struct {
	registry *prometheus.Registry

	spacesTotal    prometheus.Gauge
	spacesFree     prometheus.Gauge
	spacesOccupied prometheus.Gauge
	vehicleCount   prometheus.Gauge

	framesTotal      *prometheus.CounterVec
	frameDuration    *prometheus.HistogramVec
	detectionErrors  *prometheus.CounterVec
	allocationsTotal *prometheus.CounterVec
	retrainsTotal    *prometheus.CounterVec
	feedbackTotal    *prometheus.CounterVec
	snapshotsTotal   prometheus.Counter
	updatesDropped   prometheus.Counter
}

// NewParkingMetrics creates and registers parking metrics on registry
func NewParkingMetrics(registry *prometheus.Registry) (*ParkingMetrics, error) {
	m := &ParkingMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ParkingMetrics) initMetrics() {
	m.spacesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkwatch_spaces_total",
		Help: "Number of monitored spaces and groups",
	})
	m.spacesFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkwatch_spaces_free",
		Help: "Number of free spaces",
	})
	m.spacesOccupied = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkwatch_spaces_occupied",
		Help: "Number of occupied spaces",
	})
	m.vehicleCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parkwatch_vehicle_count",
		Help: "Vehicles counted crossing the line this session",
	})

	m.framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_frames_processed_total",
			Help: "Frames processed by detection mode",
		},
		[]string{"mode"},
	)
	m.frameDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "parkwatch_frame_duration_seconds",
			Help: "Time spent processing one frame",
			// 1ms to ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"mode"},
	)
	m.detectionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_detection_errors_total",
			Help: "Detector and associator failures absorbed by the tracker",
		},
		[]string{"stage"},
	)
	m.allocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_allocations_total",
			Help: "Allocation requests by result",
		},
		[]string{"result"}, // allocated, no_space, error
	)
	m.retrainsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_model_retrains_total",
			Help: "Allocation model retraining cycles by status",
		},
		[]string{"status"},
	)
	m.feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkwatch_feedback_total",
			Help: "Allocation feedback entries by outcome",
		},
		[]string{"outcome"},
	)
	m.snapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parkwatch_statistics_snapshots_total",
		Help: "Statistics snapshots taken",
	})
	m.updatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parkwatch_updates_dropped_total",
		Help: "UI updates dropped because a subscriber was slow",
	})
}

// Describe implements the Collector interface
func (m *ParkingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.spacesTotal.Describe(ch)
	m.spacesFree.Describe(ch)
	m.spacesOccupied.Describe(ch)
	m.vehicleCount.Describe(ch)
	m.framesTotal.Describe(ch)
	m.frameDuration.Describe(ch)
	m.detectionErrors.Describe(ch)
	m.allocationsTotal.Describe(ch)
	m.retrainsTotal.Describe(ch)
	m.feedbackTotal.Describe(ch)
	m.snapshotsTotal.Describe(ch)
	m.updatesDropped.Describe(ch)
}

// Collect implements the Collector interface
func (m *ParkingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.spacesTotal.Collect(ch)
	m.spacesFree.Collect(ch)
	m.spacesOccupied.Collect(ch)
	m.vehicleCount.Collect(ch)
	m.framesTotal.Collect(ch)
	m.frameDuration.Collect(ch)
	m.detectionErrors.Collect(ch)
	m.allocationsTotal.Collect(ch)
	m.retrainsTotal.Collect(ch)
	m.feedbackTotal.Collect(ch)
	m.snapshotsTotal.Collect(ch)
	m.updatesDropped.Collect(ch)
}

// SetOccupancy records the latest totals
func (m *ParkingMetrics) SetOccupancy(total, free, occupied int) {
	if m == nil {
		return
	}
	m.spacesTotal.Set(float64(total))
	m.spacesFree.Set(float64(free))
	m.spacesOccupied.Set(float64(occupied))
}

// SetVehicleCount records the running vehicle count
func (m *ParkingMetrics) SetVehicleCount(count int) {
	if m == nil {
		return
	}
	m.vehicleCount.Set(float64(count))
}

// RecordFrame records one processed frame
func (m *ParkingMetrics) RecordFrame(mode string, seconds float64) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(mode).Inc()
	m.frameDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordDetectionError records a swallowed detector or associator failure
func (m *ParkingMetrics) RecordDetectionError(stage string) {
	if m == nil {
		return
	}
	m.detectionErrors.WithLabelValues(stage).Inc()
}

// RecordAllocation records an allocation result
func (m *ParkingMetrics) RecordAllocation(result string) {
	if m == nil {
		return
	}
	m.allocationsTotal.WithLabelValues(result).Inc()
}

// RecordRetrain records a retraining cycle
func (m *ParkingMetrics) RecordRetrain(status string) {
	if m == nil {
		return
	}
	m.retrainsTotal.WithLabelValues(status).Inc()
}

// RecordFeedback records a feedback entry
func (m *ParkingMetrics) RecordFeedback(successful bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if successful {
		outcome = "success"
	}
	m.feedbackTotal.WithLabelValues(outcome).Inc()
}

// RecordSnapshot records a statistics snapshot
func (m *ParkingMetrics) RecordSnapshot() {
	if m == nil {
		return
	}
	m.snapshotsTotal.Inc()
}

// RecordDroppedUpdate records an update dropped by the bus
func (m *ParkingMetrics) RecordDroppedUpdate() {
	if m == nil {
		return
	}
	m.updatesDropped.Inc()
}
