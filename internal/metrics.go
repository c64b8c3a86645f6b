package internal

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	endpointDimension = "endpoint"
	statusDimension   = "status"
	outcomeDimension  = "outcome"
)

type MetricsCollector struct {
	logger   *Logger
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	apiCalls        *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	storeWriteFails prometheus.Counter

	requestCount    map[string]int64
	requestDuration map[string][]int64
	apiErrors       map[string]int64
	cacheHits       int64
	cacheMisses     int64
	syncOutcomes    map[string]int64
	lastSync        time.Time

	mu sync.RWMutex
}

func NewMetricsCollector(logger *Logger) *MetricsCollector {
	if logger == nil {
		logger = NopLogger()
	}
	mc := &MetricsCollector{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clash_http_requests_total",
			Help: "HTTP requests served, by route and status code",
		}, []string{endpointDimension, statusDimension}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clash_http_request_duration_ms",
			Help:    "Time taken to serve HTTP requests in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{endpointDimension}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clash_coc_api_calls_total",
			Help: "Calls made to the game API, by endpoint and status code (0 for transport failures)",
		}, []string{endpointDimension, statusDimension}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clash_coc_api_call_duration_ms",
			Help:    "Game API round trip in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{endpointDimension}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clash_cache_lookups_total",
			Help: "Response cache lookups by result",
		}, []string{"result"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clash_sync_runs_total",
			Help: "Sync runs by outcome",
		}, []string{outcomeDimension}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clash_sync_duration_seconds",
			Help:    "Wall time of a full sync run",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		storeWriteFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clash_store_write_failures_total",
			Help: "Document writes that failed during sync",
		}),
		requestCount:    make(map[string]int64),
		requestDuration: make(map[string][]int64),
		apiErrors:       make(map[string]int64),
		syncOutcomes:    make(map[string]int64),
	}

	mc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mc.httpRequests,
		mc.httpDuration,
		mc.apiCalls,
		mc.apiDuration,
		mc.cacheLookups,
		mc.syncRuns,
		mc.syncDuration,
		mc.storeWriteFails,
	)
	return mc
}

// Handler exposes the collector's registry in the Prometheus text format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}

func (mc *MetricsCollector) RecordRequest(endpoint string, duration time.Duration, statusCode int) {
	if mc == nil {
		return
	}
	mc.httpRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	mc.httpDuration.WithLabelValues(endpoint).Observe(float64(duration.Milliseconds()))

	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.requestCount[endpoint]++
	mc.requestDuration[endpoint] = append(mc.requestDuration[endpoint], duration.Milliseconds())
	if statusCode >= 400 {
		mc.apiErrors[endpoint]++
	}
}

func (mc *MetricsCollector) RecordAPICall(endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.apiCalls.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	mc.apiDuration.WithLabelValues(endpoint).Observe(float64(duration.Milliseconds()))

	if statusCode == 0 || statusCode >= 400 {
		mc.mu.Lock()
		mc.apiErrors["coc:"+endpoint]++
		mc.mu.Unlock()
	}
}

func (mc *MetricsCollector) RecordCacheHit(key string) {
	if mc == nil {
		return
	}
	mc.cacheLookups.WithLabelValues("hit").Inc()

	mc.mu.Lock()
	mc.cacheHits++
	mc.mu.Unlock()

	mc.logger.Debug("cache_hit").
		Component("metrics").
		Operation("record_cache").
		Cache(true, key).
		Log()
}

func (mc *MetricsCollector) RecordCacheMiss(key string) {
	if mc == nil {
		return
	}
	mc.cacheLookups.WithLabelValues("miss").Inc()

	mc.mu.Lock()
	mc.cacheMisses++
	mc.mu.Unlock()

	mc.logger.Debug("cache_miss").
		Component("metrics").
		Operation("record_cache").
		Cache(false, key).
		Log()
}

// RecordSync counts a finished run. outcome is "ok", "partial" or an error code.
func (mc *MetricsCollector) RecordSync(outcome string, duration time.Duration, failedWrites int) {
	if mc == nil {
		return
	}
	mc.syncRuns.WithLabelValues(outcome).Inc()
	mc.syncDuration.Observe(duration.Seconds())
	mc.storeWriteFails.Add(float64(failedWrites))

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.syncOutcomes[outcome]++
	mc.lastSync = time.Now().UTC()
}

// StartReporter logs a metrics summary every interval until ctx ends.
func (mc *MetricsCollector) StartReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.reportMetrics()
		}
	}
}

func (mc *MetricsCollector) reportMetrics() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	mc.logger.Info("metrics_report").
		Component("metrics").
		Operation("report").
		Meta("total_requests", sumMapValues(mc.requestCount)).
		Meta("total_errors", sumMapValues(mc.apiErrors)).
		Meta("cache_hits", mc.cacheHits).
		Meta("cache_misses", mc.cacheMisses).
		Meta("cache_hit_rate_percent", mc.calculateCacheHitRate()).
		Meta("sync_outcomes", mc.syncOutcomes).
		Log()

	for endpoint, durations := range mc.requestDuration {
		if len(durations) == 0 {
			continue
		}
		mc.logger.Info("endpoint_performance").
			Component("metrics").
			Operation("performance_report").
			Meta("endpoint", endpoint).
			Meta("request_count", mc.requestCount[endpoint]).
			Meta("avg_duration_ms", calculateAverage(durations)).
			Meta("p95_duration_ms", calculatePercentile(durations, 0.95)).
			Log()
	}
}

func sumMapValues(m map[string]int64) int64 {
	sum := int64(0)
	for _, count := range m {
		sum += count
	}
	return sum
}

func (mc *MetricsCollector) calculateCacheHitRate() float64 {
	total := mc.cacheHits + mc.cacheMisses
	if total == 0 {
		return 0
	}
	return float64(mc.cacheHits) / float64(total) * 100
}

func calculateAverage(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := int64(0)
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func calculatePercentile(values []int64, percentile float64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})
	return sorted[int(percentile*float64(len(sorted)-1))]
}

// GetMetrics is the JSON summary served on /metrics/summary.
func (mc *MetricsCollector) GetMetrics() map[string]interface{} {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	var lastSync interface{}
	if !mc.lastSync.IsZero() {
		lastSync = mc.lastSync
	}

	return map[string]interface{}{
		"cache": map[string]interface{}{
			"hits":     mc.cacheHits,
			"misses":   mc.cacheMisses,
			"hit_rate": mc.calculateCacheHitRate(),
		},
		"requests": mc.requestCount,
		"errors":   mc.apiErrors,
		"sync": map[string]interface{}{
			"outcomes":  mc.syncOutcomes,
			"last_sync": lastSync,
		},
	}
}
