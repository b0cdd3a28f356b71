package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secretboard_messages_posted_total",
		Help: "no. of messages appended to the ledger",
	})
	MessagesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretboard_messages_read_total",
			Help: "no. of ledger read requests",
		},
		[]string{"kind"},
	)
	SealOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretboard_seal_operations_total",
			Help: "no. of seal operations by result",
		},
		[]string{"result"},
	)
	Reveals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretboard_reveals_total",
			Help: "no. of handle reveals by result",
		},
		[]string{"result"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretboard_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"cache"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretboard_cache_misses_total",
			Help: "no. of cache misses",
		},
		[]string{"cache"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "secretboard_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretboard_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "secretboard_event_subscribers",
		Help: "no. of connected event stream subscribers",
	})
	WALCheckpoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secretboard_wal_checkpoints_total",
		Help: "no. of WAL checkpoint cycles",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "secretboard_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)
