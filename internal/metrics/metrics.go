package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the budget pacer.
type Metrics struct {
	// Decision path metrics
	DecisionsTotal   *prometheus.CounterVec
	DecisionLatency  *prometheus.HistogramVec
	ThrottleRate     *prometheus.GaugeVec

	// Spend metrics
	Spend            *prometheus.CounterVec
	DailyBudgetUsage *prometheus.GaugeVec

	// Circuit breaker metrics
	BreakerState     *prometheus.GaugeVec
	BreakerTrips     *prometheus.CounterVec

	// Persistence bridge metrics
	PersistenceQueueDepth  *prometheus.GaugeVec
	PersistenceFlushErrors *prometheus.CounterVec
	PersistenceDegraded    *prometheus.CounterVec

	// Registry metrics
	RegistrySize        prometheus.Gauge
	RegistryCacheMisses *prometheus.CounterVec

	// System metrics
	DBConnections *prometheus.GaugeVec
	RedisLatency  *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec
}

var (
	// DefaultMetrics is the global metrics instance.
	DefaultMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of pacing decisions by reason",
			},
			[]string{"campaign_id", "reason"},
		),
		DecisionLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "decision_latency_seconds",
				Help:      "Decide() processing latency in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
			},
			[]string{"reason"},
		),
		ThrottleRate: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "throttle_rate",
				Help:      "Most recently computed throttle probability for a campaign",
			},
			[]string{"campaign_id"},
		),

		Spend: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spend_cents_total",
				Help:      "Total tracked spend in cents",
			},
			[]string{"campaign_id"},
		),
		DailyBudgetUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "daily_budget_usage_percent",
				Help:      "Percentage of daily budget spent",
			},
			[]string{"campaign_id"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per campaign (0=CLOSED, 1=HALF_OPEN, 2=OPEN)",
			},
			[]string{"campaign_id"},
		),
		BreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_trips_total",
				Help:      "Total number of CLOSED->OPEN transitions",
			},
			[]string{"campaign_id"},
		),

		PersistenceQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "persistence_queue_depth",
				Help:      "Pending delta count per ledger shard",
			},
			[]string{"shard"},
		),
		PersistenceFlushErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_flush_errors_total",
				Help:      "Total persistence flush failures",
			},
			[]string{"shard"},
		),
		PersistenceDegraded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_degraded_total",
				Help:      "Total times a shard crossed the degraded-persistence threshold",
			},
			[]string{"shard"},
		),

		RegistrySize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_size",
				Help:      "Number of campaign specs currently cached",
			},
		),
		RegistryCacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_cache_misses_total",
				Help:      "Registry lookups that found no cached spec",
			},
			[]string{"outcome"}, // negative_cache, fetch_triggered
		),

		DBConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		RedisLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "redis_latency_seconds",
				Help:      "Redis operation latency",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"operation"},
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint", "ip"},
		),
	}

	DefaultMetrics = m
	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision records a pacing decision outcome.
func (m *Metrics) RecordDecision(campaignID, reason string, latency time.Duration) {
	m.DecisionsTotal.WithLabelValues(campaignID, reason).Inc()
	m.DecisionLatency.WithLabelValues(reason).Observe(latency.Seconds())
}

// SetThrottleRate records the most recent throttle probability.
func (m *Metrics) SetThrottleRate(campaignID string, rate float64) {
	m.ThrottleRate.WithLabelValues(campaignID).Set(rate)
}

// RecordSpend records tracked spend and updates the daily-budget gauge.
func (m *Metrics) RecordSpend(campaignID string, spendCents int64, pacePercent float64) {
	m.Spend.WithLabelValues(campaignID).Add(float64(spendCents))
	m.DailyBudgetUsage.WithLabelValues(campaignID).Set(pacePercent)
}

// breakerStateValue maps a breaker state name to its gauge value.
func breakerStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}

// SetBreakerState records the current breaker state for a campaign.
func (m *Metrics) SetBreakerState(campaignID, state string) {
	m.BreakerState.WithLabelValues(campaignID).Set(breakerStateValue(state))
}

// RecordBreakerTrip records a CLOSED->OPEN transition.
func (m *Metrics) RecordBreakerTrip(campaignID string) {
	m.BreakerTrips.WithLabelValues(campaignID).Inc()
}

// SetPersistenceQueueDepth records a shard's pending-delta count.
func (m *Metrics) SetPersistenceQueueDepth(shard string, depth int) {
	m.PersistenceQueueDepth.WithLabelValues(shard).Set(float64(depth))
}

// RecordFlushError records a persistence flush failure for a shard.
func (m *Metrics) RecordFlushError(shard string) {
	m.PersistenceFlushErrors.WithLabelValues(shard).Inc()
}

// RecordDegraded records a shard crossing the degraded-persistence threshold.
func (m *Metrics) RecordDegraded(shard string) {
	m.PersistenceDegraded.WithLabelValues(shard).Inc()
}

// SetRegistrySize records the current campaign cache size.
func (m *Metrics) SetRegistrySize(n int) {
	m.RegistrySize.Set(float64(n))
}

// RecordCacheMiss records a registry lookup miss.
func (m *Metrics) RecordCacheMiss(outcome string) {
	m.RegistryCacheMisses.WithLabelValues(outcome).Inc()
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint, ip string) {
	m.RateLimitHits.WithLabelValues(endpoint, ip).Inc()
}
