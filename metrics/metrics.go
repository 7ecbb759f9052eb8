package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emulator_active_workers",
		Help: "Background worker groups currently registered, by kind",
	}, []string{"kind"})

	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emulator_transactions_total",
		Help: "Create-transaction attempts by result and liquidity mode",
	}, []string{"result", "mode"})

	transactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "emulator_transaction_request_seconds",
		Help:    "Latency of create-transaction calls",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	deviceCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emulator_device_calls_total",
		Help: "Device API calls by call and result",
	}, []string{"call", "result"})

	longPollEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emulator_long_poll_events_total",
		Help: "Long-poll responses by status",
	}, []string{"status"})

	callbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emulator_callbacks_received_total",
		Help: "Inbound transaction callbacks",
	})

	droppedLogLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emulator_traffic_log_dropped_total",
		Help: "Traffic log lines dropped because the log channel was full",
	})

	createdTransactions uint64
	failedTransactions  uint64
	lastCreated         atomic.Int64
	startTime           = time.Now()
)

func WorkerStarted(kind string) { activeWorkers.WithLabelValues(kind).Inc() }
func WorkerStopped(kind string) { activeWorkers.WithLabelValues(kind).Dec() }

func RecordTransaction(ok bool, liquid bool, took time.Duration) {
	result, mode := "success", "mock"
	if !ok {
		result = "failure"
		atomic.AddUint64(&failedTransactions, 1)
	} else {
		atomic.AddUint64(&createdTransactions, 1)
		lastCreated.Store(time.Now().Unix())
	}
	if liquid {
		mode = "liquid"
	}
	transactionsTotal.WithLabelValues(result, mode).Inc()
	transactionDuration.Observe(took.Seconds())
}

func RecordDeviceCall(call string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	deviceCalls.WithLabelValues(call, result).Inc()
}

func RecordLongPoll(status string) { longPollEvents.WithLabelValues(status).Inc() }

func RecordCallback() { callbacksTotal.Inc() }

func RecordDroppedLogLine() { droppedLogLines.Inc() }

// GetStats returns created and failed transaction counts, the time of the
// last successful transaction and process uptime.
func GetStats() (uint64, uint64, time.Time, time.Duration) {
	var last time.Time
	if ts := lastCreated.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}
	return atomic.LoadUint64(&createdTransactions),
		atomic.LoadUint64(&failedTransactions),
		last,
		time.Since(startTime)
}
