// Package observability holds the process-wide Prometheus collectors.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type collectors struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	providerOpSeconds          *prometheus.HistogramVec
	featuresReturned           *prometheus.CounterVec
	poolConstructions          prometheus.Counter
	descriptorReflections      *prometheus.CounterVec
	cacheOps                   *prometheus.CounterVec
	redisOpSeconds             *prometheus.HistogramVec
	resultCache                *prometheus.CounterVec
	invalidationEvents         *prometheus.CounterVec
	kafkaConsumerErrors        *prometheus.CounterVec
}

var current atomic.Pointer[collectors]

func init() {
	current.Store(newCollectors(prometheus.DefaultRegisterer))
}

// Init re-creates all collectors on reg. With enabled=false the collectors
// still work but are not registered anywhere.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled {
		reg = nil
	}
	current.Store(newCollectors(reg))
}

func newCollectors(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	return &collectors{
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDurationSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status"},
		),
		providerOpSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgfeatures_provider_op_duration_seconds",
				Help:    "Duration of provider operations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"collection", "op", "outcome"},
		),
		featuresReturned: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfeatures_features_returned_total",
				Help: "Features materialized by queries.",
			},
			[]string{"collection"},
		),
		poolConstructions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pgfeatures_pool_constructions_total",
				Help: "Connection pools opened.",
			},
		),
		descriptorReflections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfeatures_descriptor_reflections_total",
				Help: "Table reflections by outcome.",
			},
			[]string{"outcome"},
		),
		cacheOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_op_total",
				Help: "Cache store operations by op and outcome.",
			},
			[]string{"op", "outcome"},
		),
		redisOpSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "redis_operation_duration_seconds",
				Help:    "Latency of redis operations in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"op"},
		),
		resultCache: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfeatures_result_cache_total",
				Help: "Query result cache lookups by outcome.",
			},
			[]string{"collection", "outcome"},
		),
		invalidationEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfeatures_invalidation_events_total",
				Help: "Change events published or applied.",
			},
			[]string{"direction", "outcome"},
		),
		kafkaConsumerErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_consumer_errors_total",
				Help: "Kafka consumer errors by kind.",
			},
			[]string{"kind"},
		),
	}
}

func c() *collectors { return current.Load() }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	c().httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	c().httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveProviderOp(collection, op string, err error, durationSeconds float64) {
	c().providerOpSeconds.WithLabelValues(collection, op, outcome(err)).Observe(durationSeconds)
}

func AddFeaturesReturned(collection string, n int) {
	if n <= 0 {
		return
	}
	c().featuresReturned.WithLabelValues(collection).Add(float64(n))
}

func IncPoolConstruction() {
	c().poolConstructions.Inc()
}

func IncDescriptorReflection(err error) {
	c().descriptorReflections.WithLabelValues(outcome(err)).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	c().cacheOps.WithLabelValues(op, outcome(err)).Inc()
	c().redisOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncResultCache(collection string, hit bool) {
	o := "miss"
	if hit {
		o = "hit"
	}
	c().resultCache.WithLabelValues(collection, o).Inc()
}

// direction is "published" or "applied"
func IncInvalidationEvent(direction string, err error) {
	c().invalidationEvents.WithLabelValues(direction, outcome(err)).Inc()
}

func IncKafkaConsumerError(kind string) {
	c().kafkaConsumerErrors.WithLabelValues(kind).Inc()
}
