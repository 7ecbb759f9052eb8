package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"payment_emulator/api"
	"payment_emulator/callback"
	"payment_emulator/config"
	"payment_emulator/console"
	"payment_emulator/db"
	"payment_emulator/device"
	"payment_emulator/merchant"
	"payment_emulator/metrics"
	"payment_emulator/models"
	"payment_emulator/monitoring"
	"payment_emulator/notify"
	"payment_emulator/storage"
	"payment_emulator/store"
	"payment_emulator/tasks"
	"payment_emulator/traffic"
	"payment_emulator/utils"
	"payment_emulator/ws"
)

// app owns every long-lived component and their shutdown order.
type app struct {
	cfg *config.Config
	log *zap.SugaredLogger

	storage   *storage.Storage
	deviceDB  *store.Store[models.Device]
	registry  *tasks.Registry
	devices   *device.Service
	merchants *merchant.Service
	traffic   *traffic.Generator
	notes     *notify.Generator
	hub       *ws.Hub
	listener  *callback.Listener
	health    *monitoring.Health
	server    *http.Server
	serving   atomic.Bool

	clickhouse *db.ClickHouseDB
	sink       *db.Sink
	sinkStop   context.CancelFunc

	bg sync.WaitGroup
}

func index[T any](items []T, id func(T) string) (map[string]T, []string) {
	byID := make(map[string]T, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		byID[id(it)] = it
		order = append(order, id(it))
	}
	return byID, order
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*app, error) {
	a := &app{cfg: cfg, log: log, health: monitoring.NewHealth()}

	st, err := storage.New(cfg.Storage.DataDir, log)
	if err != nil {
		return nil, err
	}
	a.storage = st

	devices, err := st.LoadDevices()
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	merchants, err := st.LoadMerchants()
	if err != nil {
		return nil, fmt.Errorf("load merchants: %w", err)
	}
	history, err := st.LoadHistory()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	statsSnapshot, err := st.LoadStatistics()
	if err != nil {
		return nil, fmt.Errorf("load statistics: %w", err)
	}

	a.deviceDB = store.New[models.Device]()
	a.deviceDB.Replace(index(devices, func(d models.Device) string { return d.ID }))
	merchantDB := store.New[models.Merchant]()
	merchantDB.Replace(index(merchants, func(m models.Merchant) string { return m.ID }))
	stats := metrics.NewStatistics()
	stats.Replace(statsSnapshot)

	log.Infow("Loaded snapshots",
		"devices", len(devices),
		"merchants", len(merchants),
		"history", len(history),
		"data_dir", st.Dir(),
	)

	client := api.NewClient(cfg.API.BaseURL, log,
		api.WithRateLimit(cfg.API.MaxRPS),
		api.WithTimeouts(cfg.API.RequestTimeout, cfg.API.ShortTimeout, cfg.API.LongPollTimeout),
	)

	a.registry = tasks.NewRegistry(context.Background(), log)
	a.notes = notify.NewGenerator(nil)
	dispatcher := notify.NewDispatcher(a.deviceDB, client, a.notes, log)

	a.devices = device.NewService(a.deviceDB, a.registry, client, log,
		device.WithIntervals(device.Intervals{
			Heartbeat:           cfg.Device.HeartbeatInterval,
			HealthCheck:         cfg.Device.HealthCheckInterval,
			InfoUpdate:          cfg.Device.InfoUpdateInterval,
			LongPollRetryDelay:  cfg.Device.LongPollRetryDelay,
			LongPollMaxFailures: cfg.Device.LongPollMaxFailures,
		}),
		device.WithCommandHandler(dispatcher),
		device.WithPersister(st),
	)

	opts := []merchant.Option{
		merchant.WithPersister(st),
		merchant.WithCallbackURL(cfg.CallbackURL()),
	}
	if cfg.ClickHouse.Enabled {
		chdb, err := db.NewClickHouseDB(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		a.clickhouse = chdb
		a.sink = db.NewSink(chdb, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval, log)
		opts = append(opts, merchant.WithHistorySink(a.sink))
	}
	a.merchants = merchant.NewService(merchantDB, client, stats, log, opts...)
	a.merchants.LoadHistory(history)

	a.hub = ws.NewHub(log)
	a.traffic = traffic.NewGenerator(a.registry, a.merchants, log,
		traffic.WithNotifier(dispatcher),
		traffic.WithLogConsumer(a.hub),
		traffic.WithLogBuffer(cfg.Traffic.LogBufferSize),
	)
	a.listener = callback.NewListener(a.merchants, log)

	a.registerHealthChecks()
	return a, nil
}

func (a *app) registerHealthChecks() {
	a.health.RegisterHealthCheck("storage", func() bool {
		_, err := os.Stat(a.storage.Dir())
		return err == nil
	})
	a.health.RegisterHealthCheck("http_server", a.serving.Load)
	if a.clickhouse != nil {
		a.health.RegisterHealthCheck("clickhouse", func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.clickhouse.Ping(ctx) == nil
		})
	}
	a.health.ReportWorkers(func() map[string]int {
		return map[string]int{
			string(tasks.KindDevice):  len(a.registry.Active(tasks.KindDevice)),
			string(tasks.KindTraffic): len(a.registry.Active(tasks.KindTraffic)),
		}
	})
}

// start brings up the HTTP server, callback processing, the analytics sink
// and runtime metrics, then resumes devices that were connected last time.
func (a *app) start(ctx context.Context) {
	mux := http.NewServeMux()
	a.listener.Register(mux)
	mux.HandleFunc("GET /health", a.health.Handler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws/logs/{merchantID}", a.hub)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.CallbackPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.serving.Store(true)
		defer a.serving.Store(false)
		a.log.Infow("HTTP server listening", "addr", a.server.Addr, "callback_url", a.cfg.CallbackURL())
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.health.SetLastError(err)
			utils.Error(a.log, err, "HTTP server error")
		}
	}()

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.listener.Run(ctx)
	}()

	if a.sink != nil {
		var sinkCtx context.Context
		sinkCtx, a.sinkStop = context.WithCancel(context.Background())
		a.bg.Add(1)
		go func() {
			defer a.bg.Done()
			a.sink.Run(sinkCtx)
		}()
	}

	monitoring.StartMetricsCollection(ctx, a.cfg.Metrics.CollectInterval)
	a.devices.Resume()
}

// startEnabledTraffic starts a logged run for every merchant whose traffic
// was enabled when it was last saved.
func (a *app) startEnabledTraffic() int {
	n := 0
	for _, m := range a.merchants.List() {
		if !m.Traffic.Enabled {
			continue
		}
		if err := a.traffic.Start(m.ID, "", false); err != nil {
			a.log.Warnw("Failed to start traffic", "merchant_id", m.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

func (a *app) consoleSettings() []console.Setting {
	return []console.Setting{
		{Name: "API URL", Value: a.cfg.API.BaseURL},
		{Name: "Callback URL", Value: a.cfg.CallbackURL()},
		{Name: "Data directory", Value: a.cfg.Storage.DataDir},
		{Name: "Export directory", Value: a.cfg.Storage.ExportDir},
		{Name: "ClickHouse sink", Value: fmt.Sprint(a.cfg.ClickHouse.Enabled)},
		{Name: "Max backend RPS", Value: fmt.Sprint(a.cfg.API.MaxRPS)},
	}
}

// shutdown stops workers before the servers so late callbacks still land,
// then persists everything.
func (a *app) shutdown() {
	start := time.Now()
	stopped := a.traffic.StopAll()
	a.registry.Shutdown(a.cfg.App.ShutdownGrace)

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			utils.Error(a.log, err, "HTTP server shutdown")
		}
		cancel()
	}
	a.listener.Close()
	if a.sinkStop != nil {
		a.sinkStop()
	}
	a.bg.Wait()

	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			utils.Error(a.log, err, "Close ClickHouse")
		}
	}
	if err := a.merchants.Save(); err != nil {
		utils.Error(a.log, err, "Save merchant data")
	}
	if err := a.storage.SaveDevices(a.deviceDB.List()); err != nil {
		utils.Error(a.log, err, "Save devices")
	}

	created, failed, last, uptime := metrics.GetStats()
	a.log.Infow("Shutdown complete",
		"traffic_runs_stopped", stopped,
		"transactions_created", created,
		"transactions_failed", failed,
		"last_transaction_at", last,
		"uptime", uptime,
		"took", time.Since(start),
	)
}

func newConsole(a *app) *console.Console {
	return console.New(a.merchants, a.traffic, a.devices, a.notes, a.cfg.Storage.ExportDir, a.consoleSettings(), a.log)
}
