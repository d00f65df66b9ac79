package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteforge_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteforge_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteforge_paste_burned_total",
		Help: "no. of burn-after-read pastes deleted on view",
	})
	PasteDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasteforge_paste_denied_total",
			Help: "no. of paste reads refused by a gate",
		},
		[]string{"gate"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasteforge_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteforge_cache_misses_total",
		Help: "no. of cache misses",
	})
	AuthEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasteforge_auth_events_total",
			Help: "no. of auth events by outcome",
		},
		[]string{"event"},
	)
	SocialEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasteforge_social_events_total",
			Help: "no. of follows, comments and messages",
		},
		[]string{"kind"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pasteforge_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasteforge_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PurgedPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteforge_purged_pastes_total",
		Help: "no. of expired pastes removed by the purge job",
	})
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pasteforge_prune_cycles_total",
		Help: "no. of purge job runs",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pasteforge_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pasteforge_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func ObserveRequest(method, route string, status int, seconds float64) {
	RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(seconds)
}
