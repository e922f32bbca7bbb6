// Package telemetry mirrors each component's plain Stats snapshot into
// Prometheus collectors. It is opt-in and safe to call from hot paths: every
// Observe* function is a no-op until Enable has been called, following the
// pattern used by the rate-limiter churn telemetry this package is grounded
// on (sample, don't block, cost nothing when disabled).
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var modEnabled atomic.Bool

var (
	queueAccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memhier_queue_access_total",
		Help: "Packets accepted onto a channel queue.",
	}, []string{"channel", "queue"})

	queueMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memhier_queue_merged_total",
		Help: "Packets folded into an existing queue entry instead of being admitted.",
	}, []string{"channel", "queue"})

	queueForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memhier_queue_forwarded_total",
		Help: "RQ/PQ packets satisfied directly from a pending WQ entry.",
	}, []string{"channel"})

	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memhier_cache_hits_total",
		Help: "Tag-array hits, by request type.",
	}, []string{"cache", "type"})

	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memhier_cache_misses_total",
		Help: "Tag-array misses, by request type.",
	}, []string{"cache", "type"})

	mshrOccupancyPeak = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "memhier_mshr_occupancy_peak",
		Help: "High-water mark of outstanding MSHR entries.",
	}, []string{"cache"})

	usefulPrefetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memhier_useful_prefetch_total",
		Help: "Prefetched lines later referenced by a demand access.",
	}, []string{"cache"})

	evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "memhier_evictions_total",
		Help: "Lines evicted from a cache's tag array on fill.",
	}, []string{"cache"})
)

func init() {
	prometheus.MustRegister(queueAccess, queueMerged, queueForwarded, cacheHits, cacheMisses, mshrOccupancyPeak, usefulPrefetches, evictions)
}

// Enable turns telemetry collection on. Safe to call more than once.
func Enable() {
	modEnabled.Store(true)
}

// Disable turns telemetry collection back off.
func Disable() {
	modEnabled.Store(false)
}

// Enabled reports whether telemetry is currently collected.
func Enabled() bool {
	return modEnabled.Load()
}

// ObserveQueueAccess records one accepted packet on channel's named queue
// ("rq", "wq", or "pq").
func ObserveQueueAccess(channel, queue string) {
	if !modEnabled.Load() {
		return
	}
	queueAccess.WithLabelValues(channel, queue).Inc()
}

// ObserveQueueMerged records one packet folded into an existing entry.
func ObserveQueueMerged(channel, queue string) {
	if !modEnabled.Load() {
		return
	}
	queueMerged.WithLabelValues(channel, queue).Inc()
}

// ObserveQueueForwarded records one WQ->RQ/PQ forward.
func ObserveQueueForwarded(channel string) {
	if !modEnabled.Load() {
		return
	}
	queueForwarded.WithLabelValues(channel).Inc()
}

// ObserveCacheHit records a tag-array hit for the given request type.
func ObserveCacheHit(cache, reqType string) {
	if !modEnabled.Load() {
		return
	}
	cacheHits.WithLabelValues(cache, reqType).Inc()
}

// ObserveCacheMiss records a tag-array miss for the given request type.
func ObserveCacheMiss(cache, reqType string) {
	if !modEnabled.Load() {
		return
	}
	cacheMisses.WithLabelValues(cache, reqType).Inc()
}

// ObserveMSHROccupancy sets the high-water mark gauge for cache's MSHR.
func ObserveMSHROccupancy(cache string, peak int) {
	if !modEnabled.Load() {
		return
	}
	mshrOccupancyPeak.WithLabelValues(cache).Set(float64(peak))
}

// ObserveUsefulPrefetch records a prefetched line later referenced by a
// demand access.
func ObserveUsefulPrefetch(cache string) {
	if !modEnabled.Load() {
		return
	}
	usefulPrefetches.WithLabelValues(cache).Inc()
}

// ObserveEviction records one tag-array eviction.
func ObserveEviction(cache string) {
	if !modEnabled.Load() {
		return
	}
	evictions.WithLabelValues(cache).Inc()
}

// ServeHTTP starts a background /metrics endpoint on addr. It does not block;
// callers that want to stop it should not call this twice for the same addr.
func ServeHTTP(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
