// Package metrics exposes the Worker Pool's Prometheus-compatible gauges
// and counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool holds the metrics the Worker Pool updates as it admits, releases,
// hibernates, and retires workers.
type Pool struct {
	WorkersIdle        prometheus.Gauge
	WorkersBusy        prometheus.Gauge
	WorkersHibernating prometheus.Gauge

	AcquireWaitSeconds prometheus.Histogram
	AcquireTotal       prometheus.Counter
	AcquireTimeouts    prometheus.Counter

	SpawnsTotal        prometheus.Counter
	RetiredTotal       *prometheus.CounterVec // label: reason (ttl_expired|health_check_failed|terminated)
	HibernationsTotal  prometheus.Counter
	WakeupsTotal       prometheus.Counter
	HealthCheckFailure prometheus.Counter
}

// NewPool constructs and registers a Pool metrics set against reg. Pass
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func NewPool(reg prometheus.Registerer) *Pool {
	p := &Pool{
		WorkersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_pool_workers_idle", Help: "Workers currently Idle.",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_pool_workers_busy", Help: "Workers currently Busy.",
		}),
		WorkersHibernating: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_pool_workers_hibernating", Help: "Workers currently Hibernating.",
		}),
		AcquireWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "fleet_pool_acquire_wait_seconds", Help: "Time callers waited in Acquire.",
			Buckets: prometheus.DefBuckets,
		}),
		AcquireTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_pool_acquire_total", Help: "Total Acquire calls.",
		}),
		AcquireTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_pool_acquire_timeouts_total", Help: "Acquire calls that hit PoolExhausted.",
		}),
		SpawnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_pool_spawns_total", Help: "Browser instances spawned.",
		}),
		RetiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_pool_retired_total", Help: "Workers retired, by reason.",
		}, []string{"reason"}),
		HibernationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_pool_hibernations_total", Help: "Workers parked into Hibernating.",
		}),
		WakeupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_pool_wakeups_total", Help: "Hibernating workers woken.",
		}),
		HealthCheckFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_pool_health_check_failures_total", Help: "Health probes that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			p.WorkersIdle, p.WorkersBusy, p.WorkersHibernating,
			p.AcquireWaitSeconds, p.AcquireTotal, p.AcquireTimeouts,
			p.SpawnsTotal, p.RetiredTotal, p.HibernationsTotal,
			p.WakeupsTotal, p.HealthCheckFailure,
		)
	}
	return p
}

// Handler returns the Prometheus scrape handler for reg. When reg is nil
// the default global registry is used.
func Handler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
