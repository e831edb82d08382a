package monitoring

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkinScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkin_scans_total",
			Help: "Scan results by event, status and result code",
		},
		[]string{"event_id", "status", "code"},
	)

	checkinScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "checkin_scan_duration_seconds",
			Help:    "Time to classify one scan",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	inventoryReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservations_total",
			Help: "Inventory decrement and restore operations",
		},
		[]string{"operation", "status"},
	)

	tierSold = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inventory_tier_sold",
			Help: "Units sold per ticket tier",
		},
		[]string{"event_id", "tier_id"},
	)

	ticketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickets_issued_total",
			Help: "Issued ticket units by outcome",
		},
		[]string{"status"},
	)

	refunds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Refund attempts by outcome",
		},
		[]string{"status"},
	)

	overrides = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkin_overrides_total",
			Help: "Supervisor overrides by reason",
		},
		[]string{"reason"},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_goroutines_total",
			Help: "Current number of active goroutines",
		},
	)
)

// Monitor records check-in engine metrics. A nil *Monitor is a no-op.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) TrackScan(eventID, status, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	checkinScans.WithLabelValues(eventID, status, code).Inc()
	checkinScanDuration.Observe(elapsed.Seconds())
}

func (m *Monitor) TrackReservation(operation, status string) {
	if m == nil {
		return
	}
	inventoryReservations.WithLabelValues(operation, status).Inc()
}

func (m *Monitor) SetTierSold(eventID, tierID string, sold int) {
	if m == nil {
		return
	}
	tierSold.WithLabelValues(eventID, tierID).Set(float64(sold))
}

func (m *Monitor) TrackIssued(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	ticketsIssued.WithLabelValues(status).Add(float64(n))
}

func (m *Monitor) TrackRefund(status string) {
	if m == nil {
		return
	}
	refunds.WithLabelValues(status).Inc()
}

func (m *Monitor) TrackOverride(reason string) {
	if m == nil {
		return
	}
	overrides.WithLabelValues(reason).Inc()
}

// CollectRuntimeMetrics is run periodically by the scheduler.
func (m *Monitor) CollectRuntimeMetrics() {
	if m == nil {
		return
	}
	goroutineCount.Set(float64(runtime.NumGoroutine()))
}
