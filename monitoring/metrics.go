package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound HTTP latency (callbacks, websocket upgrades, health)
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emulator_http_request_duration_seconds",
		Help:    "Time taken to serve inbound HTTP requests",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	ErrorCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emulator_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type"})

	MemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emulator_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	GoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emulator_goroutines",
		Help: "Current number of goroutines",
	})

	// ClickHouse metrics
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clickhouse_query_duration_seconds",
		Help:    "Time taken for ClickHouse queries",
		Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
	}, []string{"query_type"})

	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emulator_history_batch_size",
		Help: "Size of the last history batch sent to ClickHouse",
	})
)

// StartMetricsCollection samples runtime gauges every interval until ctx ends.
func StartMetricsCollection(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		collectSystemMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collectSystemMetrics()
			}
		}
	}()
}

func collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
