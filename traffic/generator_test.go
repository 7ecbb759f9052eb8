package traffic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment_emulator/models"
	"payment_emulator/store"
	"payment_emulator/tasks"
)

type fakeMerchants struct {
	store      *store.Store[models.Merchant]
	methods    []models.PaymentMethod
	methodsErr error
	failEvery  int

	mu       sync.Mutex
	calls    int
	methodsU map[string]int
	mocks    int
	saves    atomic.Int64
	traderID string
}

func newFakeMerchants(t *testing.T, m models.Merchant) *fakeMerchants {
	t.Helper()
	s := store.New[models.Merchant]()
	require.NoError(t, s.Insert(m.ID, m))
	return &fakeMerchants{store: s, methodsU: make(map[string]int)}
}

func (f *fakeMerchants) Get(id string) (models.Merchant, error) {
	m, ok := f.store.Get(id)
	if !ok {
		return models.Merchant{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeMerchants) AvailableMethods(ctx context.Context, id string) ([]models.PaymentMethod, error) {
	return f.methods, f.methodsErr
}

func (f *fakeMerchants) CreateTransaction(ctx context.Context, merchantID string, amount float64, methodID string, mock bool) (models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.methodsU[methodID]++
	if mock {
		f.mocks++
	}
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return models.Transaction{}, errors.New("backend said no")
	}
	return models.Transaction{ID: fmt.Sprintf("tx-%d", f.calls), Amount: amount, Status: models.StatusCreated, TraderID: f.traderID}, nil
}

func (f *fakeMerchants) Update(id string, fn func(*models.Merchant) error) (models.Merchant, error) {
	return f.store.Mutate(id, fn)
}

func (f *fakeMerchants) Save() error {
	f.saves.Add(1)
	return nil
}

func (f *fakeMerchants) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) NotifyTransaction(ctx context.Context, tx models.Transaction) int {
	c.n.Add(1)
	return 1
}

func merchant(intervalMS, varianceMS uint64, max *uint64) models.Merchant {
	m := models.NewMerchant("m1", "Shop", "key", time.Now())
	m.Traffic.IntervalMS = intervalMS
	m.Traffic.VarianceMS = varianceMS
	m.Traffic.MaxTransactions = max
	return m
}

func limit(n uint64) *uint64 { return &n }

func newGenerator(t *testing.T, f *fakeMerchants, opts ...Option) *Generator {
	t.Helper()
	registry := tasks.NewRegistry(context.Background(), zap.NewNop().Sugar())
	t.Cleanup(func() { registry.Shutdown(time.Second) })
	opts = append([]Option{WithRand(func() *rand.Rand { return rand.New(rand.NewSource(7)) })}, opts...)
	return NewGenerator(registry, f, zap.NewNop().Sugar(), opts...)
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("generator did not stop in time")
	}
}

func TestGenerator_StopsAtTransactionCap(t *testing.T) {
	f := newFakeMerchants(t, merchant(100, 0, limit(5)))
	g := newGenerator(t, f)

	require.NoError(t, g.Start("m1", "sbp", true))
	done := g.Done("m1")
	waitDone(t, done)

	assert.Equal(t, 5, f.callCount())
	assert.False(t, g.IsRunning("m1"))

	m, err := f.Get("m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), m.Traffic.CreatedCount)
	assert.Equal(t, int64(1), f.saves.Load())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 5, f.callCount(), "no transactions after the cap")
}

func TestGenerator_FailuresDoNotCountTowardsCap(t *testing.T) {
	f := newFakeMerchants(t, merchant(1, 0, limit(4)))
	f.failEvery = 2
	g := newGenerator(t, f)

	require.NoError(t, g.Start("m1", "sbp", true))
	waitDone(t, g.Done("m1"))

	// every second call fails, so four successes take seven attempts
	assert.Equal(t, 7, f.callCount())
}

func TestGenerator_SecondStartRejected(t *testing.T) {
	f := newFakeMerchants(t, merchant(5, 0, nil))
	g := newGenerator(t, f)

	require.NoError(t, g.Start("m1", "sbp", false))
	err := g.Start("m1", "sbp", true)
	assert.ErrorIs(t, err, tasks.ErrAlreadyRunning)

	info := g.Info("m1")
	assert.True(t, info.Running)
	assert.False(t, info.Quiet, "the first generator's mode is kept")
	assert.True(t, info.HasLogs)

	before := f.callCount()
	assert.Eventually(t, func() bool { return f.callCount() > before }, time.Second, 5*time.Millisecond)
}

func TestGenerator_StopThenStart(t *testing.T) {
	f := newFakeMerchants(t, merchant(5, 0, nil))
	g := newGenerator(t, f)

	require.NoError(t, g.Start("m1", "sbp", true))
	done := g.Done("m1")
	require.NoError(t, g.Stop("m1"))
	assert.False(t, g.IsRunning("m1"))

	waitDone(t, done)
	assert.NoError(t, g.Start("m1", "sbp", true))
	assert.True(t, g.IsRunning("m1"))
}

func TestGenerator_StopUnknown(t *testing.T) {
	f := newFakeMerchants(t, merchant(5, 0, nil))
	g := newGenerator(t, f)
	assert.ErrorIs(t, g.Stop("m1"), tasks.ErrNotRunning)
}

func TestGenerator_ForceStopInterruptsSleep(t *testing.T) {
	f := newFakeMerchants(t, merchant(60_000, 0, nil))
	g := newGenerator(t, f)

	require.NoError(t, g.Start("m1", "sbp", true))
	assert.Eventually(t, func() bool { return f.callCount() == 1 }, time.Second, time.Millisecond)
	done := g.Done("m1")

	require.NoError(t, g.ForceStop("m1"))
	waitDone(t, done)
	assert.Equal(t, 1, f.callCount())
}

func TestGenerator_StopAll(t *testing.T) {
	f := newFakeMerchants(t, merchant(5, 0, nil))
	other := merchant(5, 0, nil)
	other.ID = "m2"
	require.NoError(t, f.store.Insert(other.ID, other))
	g := newGenerator(t, f)

	require.NoError(t, g.Start("m1", "sbp", true))
	require.NoError(t, g.Start("m2", "sbp", true))
	d1, d2 := g.Done("m1"), g.Done("m2")

	assert.Equal(t, 2, g.StopAll())
	waitDone(t, d1)
	waitDone(t, d2)
}

func TestGenerator_LogChannel(t *testing.T) {
	f := newFakeMerchants(t, merchant(1, 0, limit(3)))
	g := newGenerator(t, f)

	require.NoError(t, g.Start("m1", "sbp", false))
	lines, ok := g.logChannel("m1")
	if !ok {
		// the run may already have finished and released its channel
		waitDone(t, g.Done("m1"))
		return
	}

	var got []string
	for line := range lines {
		got = append(got, line)
	}
	assert.Len(t, got, 3)
	assert.Contains(t, got[0], "OK id=tx-1")

	_, ok = g.logChannel("m1")
	assert.False(t, ok)
}

func TestGenerator_QuietHasNoLogs(t *testing.T) {
	f := newFakeMerchants(t, merchant(5, 0, nil))
	g := newGenerator(t, f)

	require.NoError(t, g.Start("m1", "sbp", true))
	_, ok := g.logChannel("m1")
	assert.False(t, ok)
	assert.False(t, g.Info("m1").HasLogs)
}

type chanConsumer struct{ got chan (<-chan string) }

func (c chanConsumer) Consume(merchantID string, lines <-chan string) { c.got <- lines }

func TestGenerator_LogConsumer(t *testing.T) {
	f := newFakeMerchants(t, merchant(1, 0, limit(2)))
	c := chanConsumer{got: make(chan (<-chan string), 1)}
	g := newGenerator(t, f, WithLogConsumer(c))

	require.NoError(t, g.Start("m1", "sbp", false))
	lines := <-c.got
	n := 0
	for range lines {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestGenerator_MethodSelection(t *testing.T) {
	t.Run("fetched methods", func(t *testing.T) {
		f := newFakeMerchants(t, merchant(1, 0, limit(40)))
		f.methods = []models.PaymentMethod{{ID: "sbp"}, {ID: "c2c"}}
		g := newGenerator(t, f)

		require.NoError(t, g.Start("m1", "fallback", true))
		waitDone(t, g.Done("m1"))
		assert.Zero(t, f.methodsU["fallback"])
		assert.Positive(t, f.methodsU["sbp"])
		assert.Positive(t, f.methodsU["c2c"])
	})

	t.Run("fallback on error", func(t *testing.T) {
		f := newFakeMerchants(t, merchant(1, 0, limit(3)))
		f.methodsErr = errors.New("methods endpoint down")
		g := newGenerator(t, f)

		require.NoError(t, g.Start("m1", "fallback", true))
		waitDone(t, g.Done("m1"))
		assert.Equal(t, 3, f.methodsU["fallback"])
	})
}

func TestGenerator_Liquidity(t *testing.T) {
	for _, tc := range []struct {
		pct       float64
		wantMocks int
	}{
		{pct: 100, wantMocks: 0},
		{pct: 0, wantMocks: 20},
	} {
		m := merchant(1, 0, limit(20))
		m.LiquidityPct = tc.pct
		f := newFakeMerchants(t, m)
		f.traderID = "trader-1"
		n := &countingNotifier{}
		g := newGenerator(t, f, WithNotifier(n))

		require.NoError(t, g.Start("m1", "sbp", true))
		waitDone(t, g.Done("m1"))
		assert.Equal(t, tc.wantMocks, f.mocks)
		assert.Equal(t, int64(20-tc.wantMocks), n.n.Load())
	}
}

func TestGenerator_InvalidConfigRejected(t *testing.T) {
	m := merchant(0, 0, nil)
	f := newFakeMerchants(t, m)
	g := newGenerator(t, f)

	assert.Error(t, g.Start("m1", "sbp", true))
	assert.False(t, g.IsRunning("m1"))
	assert.Error(t, g.Start("missing", "sbp", true))
}

func TestNextDelay(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, 100*time.Millisecond, NextDelay(100, 0, rng))

	for i := 0; i < 500; i++ {
		d := NextDelay(100, 30, rng)
		assert.GreaterOrEqual(t, d, 70*time.Millisecond)
		assert.LessOrEqual(t, d, 130*time.Millisecond)
	}
	for i := 0; i < 500; i++ {
		assert.GreaterOrEqual(t, NextDelay(10, 50, rng), time.Duration(0))
	}

	maxDelay := time.Duration(2*models.MaxDelayMS) * time.Millisecond
	for i := 0; i < 100; i++ {
		var d time.Duration
		require.NotPanics(t, func() { d = NextDelay(5000, 1<<62, rng) })
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxDelay)

		require.NotPanics(t, func() { d = NextDelay(math.MaxUint64, 0, rng) })
		assert.Equal(t, time.Duration(models.MaxDelayMS)*time.Millisecond, d)
	}
}
