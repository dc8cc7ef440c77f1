package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	ReservationsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_reservations_created_total",
			Help: "Stock reservations created",
		},
	)
	ReservationsReleasedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservations_released_total",
			Help: "Stock reservations released, by trigger (release or expiry)",
		},
		[]string{"trigger"},
	)
	ReservationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_reservation_failures_total",
			Help: "Rejected reserve-stock calls, by reason",
		},
		[]string{"reason"},
	)
	SweepRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_sweep_runs_total",
			Help: "Completed expiry sweep runs",
		},
	)
	SweepFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inventory_sweep_failures_total",
			Help: "Expired reservations a sweep could not release",
		},
	)
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inventory_sweep_duration_seconds",
			Help:    "Expiry sweep run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// InventoryMetrics records the reservation engine counters on the default registry.
type InventoryMetrics struct{}

func NewInventoryMetrics() *InventoryMetrics {
	return &InventoryMetrics{}
}

func (m *InventoryMetrics) ReservationsCreated(count int) {
	ReservationsCreatedTotal.Add(float64(count))
}

func (m *InventoryMetrics) ReservationsReleased(trigger string, count int) {
	ReservationsReleasedTotal.WithLabelValues(trigger).Add(float64(count))
}

func (m *InventoryMetrics) ReservationFailed(reason string) {
	ReservationFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *InventoryMetrics) SweepCompleted(swept int, failed int, duration time.Duration) {
	SweepRunsTotal.Inc()
	SweepFailuresTotal.Add(float64(failed))
	SweepDuration.Observe(duration.Seconds())
}

// NormalizePath keeps the first two path segments so ids do not blow up label
// cardinality: /api/inventory/P1 becomes "api/inventory".
func NormalizePath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "root"
	}
	parts := strings.SplitN(p, "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "/")
}

func Middleware(c *gin.Context) {
	if c.Request.URL.Path == "/metrics" {
		c.Next()
		return
	}
	start := time.Now()
	c.Next()
	duration := time.Since(start).Seconds()
	path := NormalizePath(c.Request.URL.Path)
	status := strconv.Itoa(c.Writer.Status())
	RequestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	RequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
}
