package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the kernel-scoped counters/histograms named in SPEC_FULL's
// ambient observability section: loads, replays, cache hits/misses, bans,
// and publish latency. Registered against the Runtime's own registry so
// multiple test-isolated Runtimes never collide on the default registerer.
type Metrics struct {
	Loads           prometheus.Counter
	Replays         prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	Bans            prometheus.Counter
	Publishes       prometheus.Counter
	PublishLatency  prometheus.Histogram
}

// NewMetrics builds and registers a fresh metric set against reg. Pass a
// new prometheus.NewRegistry() per Runtime in tests to avoid duplicate
// registration panics; production wiring shares prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Loads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rund_loads_total",
			Help: "Total number of internal/loader.Load calls.",
		}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rund_replays_total",
			Help: "Total number of internal/replay.Replay invocations.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rund_cache_hits_total",
			Help: "Total number of cache-first resolutions that hit.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rund_cache_misses_total",
			Help: "Total number of cache-first resolutions that missed and fell through to replay.",
		}),
		Bans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rund_bans_total",
			Help: "Total number of ban:// cache entries written.",
		}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rund_publishes_total",
			Help: "Total number of successful internal/commit.Publish calls.",
		}),
		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rund_publish_latency_seconds",
			Help:    "Wall-clock time spent in internal/commit.Publish.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Loads, m.Replays, m.CacheHits, m.CacheMisses, m.Bans, m.Publishes, m.PublishLatency)
	}
	return m
}

// ObservePublishDuration records d against the publish-latency histogram
// and increments the publish counter; callers time around Publish with
// time.Since and hand the result here.
func (m *Metrics) ObservePublishDuration(d time.Duration) {
	m.Publishes.Inc()
	m.PublishLatency.Observe(d.Seconds())
}
