package device

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payment_emulator/api"
	"payment_emulator/metrics"
	"payment_emulator/middleware"
	"payment_emulator/models"
	"payment_emulator/parser"
	"payment_emulator/store"
)

// NetworkSpeed is the synthetic throughput reported by info updates and long polls.
const NetworkSpeed = 100

// Backend is the subset of the payment backend a device talks to.
type Backend interface {
	ConnectDevice(ctx context.Context, req api.ConnectRequest) (string, error)
	Ping(ctx context.Context, token string) error
	HealthCheck(ctx context.Context, token string, battery int) error
	UpdateInfo(ctx context.Context, token string, battery int, network string, speed int) error
	LongPoll(ctx context.Context, token string, battery, speed int) (parser.PollEvent, error)
	SendNotification(ctx context.Context, token string, n api.Notification) error
}

// CommandHandler receives server-pushed long-poll commands.
type CommandHandler interface {
	HandleCommand(ctx context.Context, deviceID string, ev parser.PollEvent) error
}

type Intervals struct {
	Heartbeat           time.Duration
	HealthCheck         time.Duration
	InfoUpdate          time.Duration
	LongPollRetryDelay  time.Duration
	LongPollMaxFailures int
}

func DefaultIntervals() Intervals {
	return Intervals{
		Heartbeat:           20 * time.Millisecond,
		HealthCheck:         time.Second,
		InfoUpdate:          5 * time.Second,
		LongPollRetryDelay:  500 * time.Millisecond,
		LongPollMaxFailures: 3,
	}
}

var errOffline = errors.New("device offline")

// pipeline runs the four polling loops of one connected device. The loops
// share nothing but the device record: each re-reads the connected flag on
// every tick and exits once it is false.
type pipeline struct {
	id       string
	devices  *store.Store[models.Device]
	backend  Backend
	commands CommandHandler
	iv       Intervals
	log      *zap.SugaredLogger

	// onDisconnect runs after the pipeline itself marks the device offline.
	onDisconnect func(id, reason string)
}

func (p *pipeline) run(ctx context.Context, stop <-chan struct{}) {
	g, ctx := errgroup.WithContext(ctx)
	loops := map[string]func(context.Context, <-chan struct{}){
		"heartbeat":    p.heartbeat,
		"health_check": p.healthCheck,
		"info_update":  p.infoUpdate,
		"long_poll":    p.longPoll,
	}
	for name, loop := range loops {
		name, loop := name, loop
		g.Go(func() error {
			middleware.Recover(p.log, "device "+name, func() { loop(ctx, stop) })
			return nil
		})
	}
	_ = g.Wait()

	p.log.Infow("Device pipeline stopped", "device_id", p.id)
}

// current returns the device snapshot if it is still connected.
func (p *pipeline) current() (models.Device, bool) {
	d, ok := p.devices.Get(p.id)
	if !ok || !d.Connected {
		return models.Device{}, false
	}
	return d, true
}

func (p *pipeline) heartbeat(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.iv.Heartbeat)
	defer ticker.Stop()

	for tick(ctx, stop, ticker.C) {
		d, ok := p.current()
		if !ok {
			return
		}
		// failures are counted but not logged, the loop is too hot
		metrics.RecordDeviceCall("ping", p.backend.Ping(ctx, d.Token))
	}
}

func (p *pipeline) healthCheck(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.iv.HealthCheck)
	defer ticker.Stop()

	for tick(ctx, stop, ticker.C) {
		d, ok := p.current()
		if !ok || d.Token == "" {
			return
		}

		err := p.backend.HealthCheck(ctx, d.Token, d.BatteryLevel)
		metrics.RecordDeviceCall("health_check", err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warnw("Health check failed", "device_id", p.id, "error", err)
			continue
		}
		p.devices.Mutate(p.id, func(d *models.Device) error {
			d.Touch(time.Now())
			return nil
		})
	}
}

func (p *pipeline) infoUpdate(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.iv.InfoUpdate)
	defer ticker.Stop()

	for tick(ctx, stop, ticker.C) {
		// The backend sees the level read before this tick's drain.
		var battery int
		d, err := p.devices.Mutate(p.id, func(d *models.Device) error {
			if !d.Connected {
				return errOffline
			}
			battery = d.BatteryLevel
			d.DrainBattery()
			return nil
		})
		if err != nil {
			return
		}

		err = p.backend.UpdateInfo(ctx, d.Token, battery, d.NetworkInfo, NetworkSpeed)
		metrics.RecordDeviceCall("info_update", err)
		if err != nil && ctx.Err() == nil {
			p.log.Warnw("Info update failed", "device_id", p.id, "battery", battery, "error", err)
		}
	}
}

func (p *pipeline) longPoll(ctx context.Context, stop <-chan struct{}) {
	budget := retryBudget{max: p.iv.LongPollMaxFailures}

	for {
		if stopped(ctx, stop) {
			return
		}
		d, ok := p.current()
		if !ok {
			return
		}

		ev, err := p.backend.LongPoll(ctx, d.Token, d.BatteryLevel, NetworkSpeed)
		metrics.RecordDeviceCall("long_poll", err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			exhausted := budget.fail()
			p.log.Warnw("Long poll failed",
				"device_id", p.id,
				"consecutive_failures", budget.failures,
				"error", err,
			)
			if exhausted {
				p.disconnect("long poll retries exhausted")
				return
			}
			if !sleep(ctx, stop, p.iv.LongPollRetryDelay) {
				return
			}
			continue
		}

		budget.reset()
		metrics.RecordLongPoll(ev.Status)

		switch {
		case ev.Status == parser.PollTimeout:
		case ev.Terminal():
			p.disconnect("server reported " + ev.Status)
			return
		case ev.Status == parser.PollCommand:
			if p.commands == nil {
				continue
			}
			if err := p.commands.HandleCommand(ctx, p.id, ev); err != nil {
				p.log.Warnw("Command failed", "device_id", p.id, "command", ev.Command, "error", err)
			}
		default:
			p.log.Debugw("Ignoring long poll status", "device_id", p.id, "status", ev.Status)
		}
	}
}

func (p *pipeline) disconnect(reason string) {
	_, err := p.devices.Mutate(p.id, func(d *models.Device) error {
		if !d.Connected {
			return errOffline
		}
		d.Disconnect()
		return nil
	})
	if err != nil {
		return
	}
	p.log.Infow("Device disconnected", "device_id", p.id, "reason", reason)
	if p.onDisconnect != nil {
		p.onDisconnect(p.id, reason)
	}
}

// retryBudget counts consecutive failures; any success resets it.
type retryBudget struct {
	max      int
	failures int
}

// fail records a failure and reports whether the budget is spent.
func (b *retryBudget) fail() bool {
	b.failures++
	return b.failures >= b.max
}

func (b *retryBudget) reset() { b.failures = 0 }

// tick blocks for the next ticker fire and reports false once the loop
// should end.
func tick(ctx context.Context, stop <-chan struct{}, c <-chan time.Time) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-c:
		return true
	}
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	return tick(ctx, stop, t.C)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}
