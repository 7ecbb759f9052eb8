package merchant

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment_emulator/api"
	"payment_emulator/metrics"
	"payment_emulator/middleware"
	"payment_emulator/models"
	"payment_emulator/store"
)

type fakeBackend struct {
	mu        sync.Mutex
	requests  []models.TransactionRequest
	createErr error
	connErr   error
	status    models.TransactionStatus
}

func (f *fakeBackend) ConnectMerchant(ctx context.Context, apiKey string) (api.MerchantInfo, error) {
	if f.connErr != nil {
		return api.MerchantInfo{}, f.connErr
	}
	return api.MerchantInfo{ID: "backend-" + apiKey, BalanceUSDT: 1}, nil
}

func (f *fakeBackend) Balance(ctx context.Context, apiKey string) (float64, error) {
	return 250.5, nil
}

func (f *fakeBackend) Methods(ctx context.Context, apiKey string) ([]models.PaymentMethod, error) {
	return []models.PaymentMethod{{ID: "sbp"}, {ID: "c2c"}}, nil
}

func (f *fakeBackend) CreateTransaction(ctx context.Context, apiKey string, req models.TransactionRequest) (models.Transaction, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.createErr != nil {
		var apiErr *api.Error
		if errors.As(f.createErr, &apiErr) {
			return models.Transaction{}, apiErr.Status, f.createErr
		}
		return models.Transaction{}, 0, f.createErr
	}
	return models.Transaction{
		ID:       "tx-" + req.OrderID,
		OrderID:  req.OrderID,
		Amount:   req.Amount,
		Status:   models.StatusCreated,
		TraderID: "trader-1",
	}, http.StatusCreated, nil
}

func (f *fakeBackend) GetTransaction(ctx context.Context, apiKey, orderID string) (models.Transaction, error) {
	return models.Transaction{OrderID: orderID, Status: f.status}, nil
}

type memPersister struct {
	mu        sync.Mutex
	merchants []models.Merchant
	history   []models.TransactionHistory
	stats     map[string]models.Statistics
}

func (p *memPersister) SaveMerchants(m []models.Merchant) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.merchants = m
	return nil
}

func (p *memPersister) SaveHistory(h []models.TransactionHistory) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = h
	return nil
}

func (p *memPersister) SaveStatistics(s map[string]models.Statistics) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = s
	return nil
}

type sliceSink struct {
	mu      sync.Mutex
	records []models.TransactionHistory
}

func (s *sliceSink) Record(h models.TransactionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, h)
}

func newService(t *testing.T, backend *fakeBackend, opts ...Option) *Service {
	t.Helper()
	return NewService(store.New[models.Merchant](), backend, metrics.NewStatistics(), zap.NewNop().Sugar(), opts...)
}

func TestCreate(t *testing.T) {
	persister := &memPersister{}
	svc := newService(t, &fakeBackend{}, WithPersister(persister), WithCallbackURL("http://localhost:8081/callback/"))

	m, err := svc.Create(context.Background(), "Shop", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 250.5, m.BalanceUSDT)
	assert.Equal(t, "http://localhost:8081/callback/"+m.ID, m.CallbackURL)
	assert.Equal(t, float64(50), m.LiquidityPct)
	assert.Len(t, persister.merchants, 1)

	_, ok := svc.Statistics(m.ID)
	assert.True(t, ok)
}

func TestCreate_InvalidKey(t *testing.T) {
	svc := newService(t, &fakeBackend{connErr: &api.Error{Status: http.StatusUnauthorized, Message: "bad key"}})

	_, err := svc.Create(context.Background(), "Shop", "nope")
	assert.ErrorIs(t, err, api.ErrUnauthorized)
	assert.Empty(t, svc.List())
}

func TestUpdate_RejectsInvalidEdit(t *testing.T) {
	svc := newService(t, &fakeBackend{})
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)

	_, err = svc.Update(m.ID, func(m *models.Merchant) error {
		m.Traffic.AmountTable = models.AmountTable{
			{Range: models.AmountRange{Min: 100, Max: 500}, Probability: 50},
			{Range: models.AmountRange{Min: 400, Max: 900}, Probability: 60},
		}
		return nil
	})
	assert.ErrorIs(t, err, models.ErrOverlappingRanges)

	got, err := svc.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultAmountTable(), got.Traffic.AmountTable)

	got, err = svc.Update(m.ID, func(m *models.Merchant) error {
		m.LiquidityPct = 80
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, float64(80), got.LiquidityPct)
}

func TestCreateTransaction_Success(t *testing.T) {
	backend := &fakeBackend{}
	sink := &sliceSink{}
	svc := newService(t, backend, WithHistorySink(sink))
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)

	tx, err := svc.CreateTransaction(context.Background(), m.ID, 1500, "sbp", false)
	require.NoError(t, err)
	assert.Equal(t, "trader-1", tx.TraderID)
	assert.Equal(t, "sbp", tx.MethodID)

	req := backend.requests[0]
	assert.True(t, strings.HasPrefix(req.OrderID, "order_"))
	assert.True(t, strings.HasPrefix(req.UserID, "user_"))
	assert.Equal(t, "IN", req.Type)
	assert.Equal(t, 1.0, req.Rate)
	assert.False(t, req.IsMock)

	history := svc.History(m.ID)
	require.Len(t, history, 1)
	assert.False(t, history[0].Failed())
	assert.Equal(t, http.StatusCreated, history[0].ResponseStatus)
	assert.Len(t, sink.records, 1)

	st, _ := svc.Statistics(m.ID)
	assert.Equal(t, uint64(1), st.SuccessfulRequests)
	assert.Equal(t, uint64(1), st.LiquidTransactions)
	assert.Equal(t, "1500", st.TotalAmount.String())
}

func TestCreateTransaction_USDTRate(t *testing.T) {
	backend := &fakeBackend{}
	svc := newService(t, backend)
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)
	_, err = svc.Update(m.ID, func(m *models.Merchant) error {
		m.PaymentType = models.PaymentUSDTTRC20
		return nil
	})
	require.NoError(t, err)

	_, err = svc.CreateTransaction(context.Background(), m.ID, 100, "sbp", true)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultUSDTRate, backend.requests[0].Rate)
	assert.True(t, backend.requests[0].IsMock)
}

func TestCreateTransaction_FailureRecorded(t *testing.T) {
	backend := &fakeBackend{createErr: &api.Error{Status: http.StatusBadRequest, Message: "amount too small"}}
	svc := newService(t, backend)
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)

	_, err = svc.CreateTransaction(context.Background(), m.ID, 10, "sbp", false)
	require.Error(t, err)

	history := svc.History(m.ID)
	require.Len(t, history, 1)
	assert.True(t, history[0].Failed())
	assert.Equal(t, models.StatusCanceled, history[0].Transaction.Status)
	assert.Equal(t, http.StatusBadRequest, history[0].ResponseStatus)

	st, _ := svc.Statistics(m.ID)
	assert.Equal(t, uint64(1), st.FailedRequests)
	assert.Equal(t, uint64(1), st.ErrorBreakdown["amount too small"])
}

func TestCreateTransaction_BreakerOpensOnServerErrors(t *testing.T) {
	backend := &fakeBackend{createErr: errors.New("connection refused")}
	svc := newService(t, backend, WithBreakerSettings(3, time.Minute))
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateTransaction(context.Background(), m.ID, 100, "sbp", false)
		require.Error(t, err)
	}
	_, err = svc.CreateTransaction(context.Background(), m.ID, 100, "sbp", false)
	assert.ErrorIs(t, err, middleware.ErrCircuitOpen)
	assert.Len(t, backend.requests, 3)

	st, _ := svc.Statistics(m.ID)
	assert.Equal(t, uint64(1), st.ErrorBreakdown["circuit open"])
}

func TestCreateTransaction_ClientErrorsDoNotTripBreaker(t *testing.T) {
	backend := &fakeBackend{createErr: &api.Error{Status: http.StatusUnprocessableEntity, Message: "bad method"}}
	svc := newService(t, backend, WithBreakerSettings(2, time.Minute))
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.CreateTransaction(context.Background(), m.ID, 100, "sbp", false)
		assert.NotErrorIs(t, err, middleware.ErrCircuitOpen)
	}
	assert.Len(t, backend.requests, 5)
}

func TestCreateTransaction_BreakerIsPerMerchant(t *testing.T) {
	backend := &fakeBackend{createErr: errors.New("connection refused")}
	svc := newService(t, backend, WithBreakerSettings(2, time.Minute))
	broken, err := svc.Create(context.Background(), "Broken", "key-1")
	require.NoError(t, err)
	healthy, err := svc.Create(context.Background(), "Healthy", "key-2")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := svc.CreateTransaction(context.Background(), broken.ID, 100, "sbp", false)
		require.Error(t, err)
	}
	_, err = svc.CreateTransaction(context.Background(), broken.ID, 100, "sbp", false)
	require.ErrorIs(t, err, middleware.ErrCircuitOpen)

	backend.mu.Lock()
	backend.createErr = nil
	backend.mu.Unlock()

	tx, err := svc.CreateTransaction(context.Background(), healthy.ID, 100, "sbp", false)
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
}

func TestCreateTransaction_CancelledIsNotRecorded(t *testing.T) {
	backend := &fakeBackend{createErr: context.Canceled}
	svc := newService(t, backend, WithBreakerSettings(1, time.Minute))
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := svc.CreateTransaction(ctx, m.ID, 100, "sbp", false)
		require.ErrorIs(t, err, context.Canceled)
	}

	assert.Empty(t, svc.History(m.ID))
	st, _ := svc.Statistics(m.ID)
	assert.Zero(t, st.TotalRequests)
	assert.Zero(t, st.FailedRequests)

	backend.mu.Lock()
	backend.createErr = nil
	backend.mu.Unlock()
	_, err = svc.CreateTransaction(context.Background(), m.ID, 100, "sbp", false)
	assert.NoError(t, err)
}

func TestHandleCallback(t *testing.T) {
	backend := &fakeBackend{status: models.StatusReady}
	svc := newService(t, backend)
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)
	tx, err := svc.CreateTransaction(context.Background(), m.ID, 1500, "sbp", false)
	require.NoError(t, err)

	err = svc.HandleCallback(context.Background(), models.Callback{MerchantID: m.ID, ID: tx.ID, OrderID: tx.OrderID, Status: "IN_PROGRESS"})
	require.NoError(t, err)

	st, _ := svc.Statistics(m.ID)
	assert.Equal(t, uint64(1), st.CallbacksReceived)
	assert.Equal(t, uint64(1), st.StatusBreakdown[string(models.StatusReady)])
	assert.Equal(t, models.StatusReady, svc.History(m.ID)[0].Transaction.Status)

	err = svc.HandleCallback(context.Background(), models.Callback{MerchantID: "ghost", ID: "x", Status: "READY"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportAndSave(t *testing.T) {
	persister := &memPersister{}
	svc := newService(t, &fakeBackend{}, WithPersister(persister))
	m, err := svc.Create(context.Background(), "Shop", "key")
	require.NoError(t, err)
	_, err = svc.CreateTransaction(context.Background(), m.ID, 1500, "sbp", false)
	require.NoError(t, err)

	historyPath, statsPath, err := svc.Export(m.ID, t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, historyPath)
	assert.FileExists(t, statsPath)
	data, err := os.ReadFile(historyPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "order_")

	require.NoError(t, svc.Save())
	assert.Len(t, persister.history, 1)
	assert.Contains(t, persister.stats, m.ID)
}
