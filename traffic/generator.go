// Package traffic runs one transaction generator per running merchant.
//
// Each generator samples an amount, decides mock versus real by the
// merchant's liquidity, creates the transaction and sleeps for the jittered
// interval. A cooperative stop is noticed at the top of the next iteration,
// so it can lag by one sleep plus one in-flight request; ForceStop aborts
// both immediately.
package traffic

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"payment_emulator/metrics"
	"payment_emulator/models"
	"payment_emulator/sampler"
	"payment_emulator/tasks"
)

// Merchants is what a generator needs from the merchant service.
type Merchants interface {
	Get(id string) (models.Merchant, error)
	AvailableMethods(ctx context.Context, id string) ([]models.PaymentMethod, error)
	CreateTransaction(ctx context.Context, merchantID string, amount float64, methodID string, mock bool) (models.Transaction, error)
	Update(id string, fn func(*models.Merchant) error) (models.Merchant, error)
	Save() error
}

// Notifier is told about real transactions that have a trader assigned.
type Notifier interface {
	NotifyTransaction(ctx context.Context, tx models.Transaction) int
}

// LogConsumer takes over the log channel of a non-quiet run. lines is closed
// when the run ends. Consume must not block.
type LogConsumer interface {
	Consume(merchantID string, lines <-chan string)
}

// Info describes a running generator.
type Info struct {
	Running   bool
	Quiet     bool
	HasLogs   bool
	StartedAt time.Time
}

type Generator struct {
	registry  *tasks.Registry
	merchants Merchants
	notifier  Notifier
	consumer  LogConsumer
	bufSize   int
	newRand   func() *rand.Rand
	log       *zap.SugaredLogger

	mu   sync.Mutex
	logs map[string]chan string
}

type Option func(*Generator)

func WithNotifier(n Notifier) Option {
	return func(g *Generator) { g.notifier = n }
}

func WithLogConsumer(c LogConsumer) Option {
	return func(g *Generator) { g.consumer = c }
}

func WithLogBuffer(size int) Option {
	return func(g *Generator) {
		if size > 0 {
			g.bufSize = size
		}
	}
}

// WithRand sets the source used for every new run.
func WithRand(newRand func() *rand.Rand) Option {
	return func(g *Generator) { g.newRand = newRand }
}

func NewGenerator(registry *tasks.Registry, merchants Merchants, log *zap.SugaredLogger, opts ...Option) *Generator {
	g := &Generator{
		registry:  registry,
		merchants: merchants,
		bufSize:   1000,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
		log:  log,
		logs: make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the generator for merchantID. fallbackMethod is used for
// every transaction when the method list cannot be fetched or is empty.
func (g *Generator) Start(merchantID, fallbackMethod string, quiet bool) error {
	m, err := g.merchants.Get(merchantID)
	if err != nil {
		return err
	}
	if err := m.Traffic.Validate(); err != nil {
		return fmt.Errorf("traffic config for %s: %w", m.Name, err)
	}

	r := &run{
		gen:      g,
		merchant: m,
		fallback: fallbackMethod,
		rng:      g.newRand(),
	}
	if !quiet {
		r.lines = make(chan string, g.bufSize)
	}

	// held across Start so a run that ends at once cannot unregister its
	// log channel before it is registered
	g.mu.Lock()
	err = g.registry.Start(merchantID, tasks.Meta{Kind: tasks.KindTraffic, Quiet: quiet}, r.loop)
	if err == nil && r.lines != nil {
		g.logs[merchantID] = r.lines
	}
	g.mu.Unlock()
	if err != nil {
		return fmt.Errorf("start traffic for %s: %w", m.Name, err)
	}

	if r.lines != nil && g.consumer != nil {
		g.consumer.Consume(merchantID, r.lines)
	}
	g.log.Infow("Traffic generation started",
		"merchant_id", merchantID,
		"name", m.Name,
		"interval_ms", m.Traffic.IntervalMS,
		"variance_ms", m.Traffic.VarianceMS,
		"quiet", quiet,
	)
	return nil
}

func (g *Generator) Stop(merchantID string) error {
	if err := g.registry.Stop(merchantID); err != nil {
		return fmt.Errorf("stop traffic for %s: %w", merchantID, err)
	}
	return nil
}

func (g *Generator) ForceStop(merchantID string) error {
	if err := g.registry.ForceStop(merchantID); err != nil {
		return fmt.Errorf("force stop traffic for %s: %w", merchantID, err)
	}
	return nil
}

// StopAll signals every running generator and returns how many there were.
func (g *Generator) StopAll() int {
	n := 0
	for _, id := range g.registry.Active(tasks.KindTraffic) {
		if err := g.registry.Stop(id); err == nil {
			n++
		}
	}
	return n
}

// Done is closed once the generator for merchantID has fully exited.
func (g *Generator) Done(merchantID string) <-chan struct{} {
	return g.registry.Done(merchantID)
}

func (g *Generator) IsRunning(merchantID string) bool {
	meta, ok := g.registry.IsRunning(merchantID)
	return ok && meta.Kind == tasks.KindTraffic
}

func (g *Generator) Info(merchantID string) Info {
	meta, ok := g.registry.IsRunning(merchantID)
	if !ok || meta.Kind != tasks.KindTraffic {
		return Info{}
	}
	g.mu.Lock()
	_, hasLogs := g.logs[merchantID]
	g.mu.Unlock()
	return Info{Running: true, Quiet: meta.Quiet, HasLogs: hasLogs, StartedAt: meta.StartedAt}
}

// logChannel returns the log channel of a non-quiet run. Outside callers
// receive lines through the LogConsumer instead.
func (g *Generator) logChannel(merchantID string) (<-chan string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.logs[merchantID]
	return ch, ok
}

func (g *Generator) releaseLogs(merchantID string, ch chan string) {
	g.mu.Lock()
	if g.logs[merchantID] == ch {
		delete(g.logs, merchantID)
	}
	g.mu.Unlock()
	close(ch)
}

// run is the state of one generator loop. The merchant snapshot is taken at
// start; config edits apply from the next start.
type run struct {
	gen      *Generator
	merchant models.Merchant
	fallback string
	rng      *rand.Rand
	lines    chan string
	created  uint64
}

func (r *run) loop(ctx context.Context, stop <-chan struct{}) {
	g, m := r.gen, r.merchant
	defer r.finish()

	methods, err := g.merchants.AvailableMethods(ctx, m.ID)
	if err != nil {
		g.log.Warnw("Failed to get available methods, using fallback",
			"merchant_id", m.ID,
			"fallback_method", r.fallback,
			"error", err,
		)
	}

	for {
		select {
		case <-stop:
			g.log.Infow("Stopping traffic generation", "merchant_id", m.ID)
			return
		default:
		}
		if ctx.Err() != nil {
			return
		}
		if m.Traffic.CapReached(r.created) {
			g.log.Infow("Transaction limit reached", "merchant_id", m.ID, "limit", *m.Traffic.MaxTransactions)
			return
		}

		amount := sampler.Amount(m.Traffic.AmountTable, r.rng)
		liquid := m.IsLiquid(r.rng.Float64() * 100)
		method := r.fallback
		if len(methods) > 0 {
			method = methods[r.rng.Intn(len(methods))].ID
		}

		tx, err := g.merchants.CreateTransaction(ctx, m.ID, amount, method, !liquid)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			g.log.Warnw("Failed to create transaction", "merchant_id", m.ID, "amount", amount, "error", err)
			r.emit(fmt.Sprintf("[%s] FAIL amount=%.2f method=%s mock=%t error=%v",
				time.Now().Format("15:04:05"), amount, method, !liquid, err))
		default:
			r.created++
			r.emit(fmt.Sprintf("[%s] OK id=%s amount=%.2f method=%s mock=%t status=%s",
				time.Now().Format("15:04:05"), tx.ID, amount, method, !liquid, tx.Status))
			if liquid && tx.TraderID != "" && g.notifier != nil {
				g.notifier.NotifyTransaction(ctx, tx)
			}
		}

		timer := time.NewTimer(NextDelay(m.Traffic.IntervalMS, m.Traffic.VarianceMS, r.rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// emit queues a log line, dropping it when nobody keeps up.
func (r *run) emit(line string) {
	if r.lines == nil {
		return
	}
	select {
	case r.lines <- line:
	default:
		metrics.RecordDroppedLogLine()
	}
}

func (r *run) finish() {
	g, m := r.gen, r.merchant
	if r.lines != nil {
		g.releaseLogs(m.ID, r.lines)
	}

	if r.created > 0 {
		_, err := g.merchants.Update(m.ID, func(m *models.Merchant) error {
			m.Traffic.CreatedCount += r.created
			return nil
		})
		if err != nil {
			g.log.Warnw("Failed to store created count", "merchant_id", m.ID, "error", err)
		}
	}
	if err := g.merchants.Save(); err != nil {
		g.log.Errorw("Failed to save merchant state", "merchant_id", m.ID, "error", err)
	}

	g.log.Infow("Traffic generation stopped", "merchant_id", m.ID, "name", m.Name, "created", r.created)
}

// NextDelay is interval plus a uniform offset in [-variance, +variance],
// clamped at zero. Inputs above models.MaxDelayMS saturate to it.
func NextDelay(intervalMS, varianceMS uint64, rng *rand.Rand) time.Duration {
	ms := int64(min(intervalMS, models.MaxDelayMS))
	if varianceMS > 0 {
		v := int64(min(varianceMS, models.MaxDelayMS))
		ms += rng.Int63n(2*v+1) - v
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
