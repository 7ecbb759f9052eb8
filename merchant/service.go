// Package merchant manages merchant accounts, their transactions and the
// callbacks the backend sends about them.
package merchant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment_emulator/api"
	"payment_emulator/metrics"
	"payment_emulator/middleware"
	"payment_emulator/models"
	"payment_emulator/storage"
	"payment_emulator/store"
)

const transactionTTL = 24 * time.Hour

// Backend is the merchant side of the payment backend.
type Backend interface {
	ConnectMerchant(ctx context.Context, apiKey string) (api.MerchantInfo, error)
	Balance(ctx context.Context, apiKey string) (float64, error)
	Methods(ctx context.Context, apiKey string) ([]models.PaymentMethod, error)
	CreateTransaction(ctx context.Context, apiKey string, req models.TransactionRequest) (models.Transaction, int, error)
	GetTransaction(ctx context.Context, apiKey, orderID string) (models.Transaction, error)
}

type Persister interface {
	SaveMerchants(merchants []models.Merchant) error
	SaveHistory(history []models.TransactionHistory) error
	SaveStatistics(stats map[string]models.Statistics) error
}

// HistorySink receives every history record, e.g. for analytics storage.
type HistorySink interface {
	Record(h models.TransactionHistory)
}

type Service struct {
	merchants   *store.Store[models.Merchant]
	backend     Backend
	stats       *metrics.Statistics
	persist     Persister
	sink        HistorySink
	callbackURL string
	log         *zap.SugaredLogger

	mu      sync.RWMutex
	history []models.TransactionHistory

	breakerMinRequests uint32
	breakerOpenFor     time.Duration
	breakersMu         sync.Mutex
	breakers           map[string]*middleware.Breaker
}

type Option func(*Service)

func WithPersister(p Persister) Option {
	return func(s *Service) { s.persist = p }
}

func WithHistorySink(sink HistorySink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithCallbackURL sets the base URL merchants register for callbacks; the
// merchant id is appended as the last path segment.
func WithCallbackURL(base string) Option {
	return func(s *Service) { s.callbackURL = strings.TrimRight(base, "/") }
}

// WithBreakerSettings tunes the per-merchant circuit breakers guarding
// transaction creation.
func WithBreakerSettings(minRequests uint32, openFor time.Duration) Option {
	return func(s *Service) {
		s.breakerMinRequests = minRequests
		s.breakerOpenFor = openFor
	}
}

func NewService(merchants *store.Store[models.Merchant], backend Backend, stats *metrics.Statistics, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		merchants: merchants,
		backend:   backend,
		stats:     stats,
		log:       log,

		breakerMinRequests: 5,
		breakerOpenFor:     10 * time.Second,
		breakers:           make(map[string]*middleware.Breaker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// breakerFor returns the breaker of one merchant, so a merchant with a bad
// key or a failing configuration cannot open the circuit for the others.
func (s *Service) breakerFor(merchantID string) *middleware.Breaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	b, ok := s.breakers[merchantID]
	if !ok {
		b = middleware.NewBreaker("merchant-create-transaction:"+merchantID, s.breakerMinRequests, s.breakerOpenFor, s.log)
		s.breakers[merchantID] = b
	}
	return b
}

// LoadHistory seeds the in-memory history from a snapshot.
func (s *Service) LoadHistory(history []models.TransactionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]models.TransactionHistory(nil), history...)
}

// Create verifies apiKey against the backend and registers a new merchant.
func (s *Service) Create(ctx context.Context, name, apiKey string) (models.Merchant, error) {
	name, apiKey = strings.TrimSpace(name), strings.TrimSpace(apiKey)
	if name == "" || apiKey == "" {
		return models.Merchant{}, errors.New("merchant name and api key are required")
	}

	info, err := s.backend.ConnectMerchant(ctx, apiKey)
	if err != nil {
		return models.Merchant{}, fmt.Errorf("verify api key: %w", err)
	}

	m := models.NewMerchant(uuid.NewString(), name, apiKey, time.Now())
	if s.callbackURL != "" {
		m.CallbackURL = s.callbackURL + "/" + m.ID
	}
	balance, err := s.backend.Balance(ctx, apiKey)
	if err != nil {
		s.log.Warnw("Failed to fetch merchant balance", "name", name, "error", err)
		balance = info.BalanceUSDT
	}
	m.BalanceUSDT = balance

	if err := s.merchants.Insert(m.ID, m); err != nil {
		return models.Merchant{}, err
	}
	s.stats.Initialize(m.ID)
	s.saveMerchants()

	s.log.Infow("Merchant created", "merchant_id", m.ID, "name", name, "backend_id", info.ID, "balance_usdt", balance)
	return m, nil
}

func (s *Service) Get(id string) (models.Merchant, error) {
	m, ok := s.merchants.Get(id)
	if !ok {
		return models.Merchant{}, fmt.Errorf("merchant %s: %w", id, store.ErrNotFound)
	}
	return m, nil
}

func (s *Service) List() []models.Merchant {
	return s.merchants.List()
}

// Update applies fn and validates the result; an invalid edit leaves the
// merchant untouched.
func (s *Service) Update(id string, fn func(*models.Merchant) error) (models.Merchant, error) {
	m, err := s.merchants.Mutate(id, func(m *models.Merchant) error {
		if err := fn(m); err != nil {
			return err
		}
		return m.Validate()
	})
	if err != nil {
		return models.Merchant{}, fmt.Errorf("update merchant %s: %w", id, err)
	}
	s.saveMerchants()
	return m, nil
}

// RefreshBalance re-reads the merchant balance from the backend.
func (s *Service) RefreshBalance(ctx context.Context, id string) (float64, error) {
	m, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	balance, err := s.backend.Balance(ctx, m.APIKey)
	if err != nil {
		return 0, fmt.Errorf("balance for %s: %w", m.Name, err)
	}
	if _, err := s.merchants.Mutate(id, func(m *models.Merchant) error {
		m.BalanceUSDT = balance
		return nil
	}); err != nil {
		return 0, err
	}
	s.saveMerchants()
	return balance, nil
}

func (s *Service) AvailableMethods(ctx context.Context, id string) ([]models.PaymentMethod, error) {
	m, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	methods, err := s.backend.Methods(ctx, m.APIKey)
	if err != nil {
		return nil, fmt.Errorf("methods for %s: %w", m.Name, err)
	}
	return methods, nil
}

// CreateTransaction creates one transaction for merchantID. Every attempt,
// successful or not, lands in the history and the statistics, except one
// abandoned because ctx was cancelled.
func (s *Service) CreateTransaction(ctx context.Context, merchantID string, amount float64, methodID string, mock bool) (models.Transaction, error) {
	m, err := s.Get(merchantID)
	if err != nil {
		return models.Transaction{}, err
	}

	req := NewRequest(m, amount, methodID, mock, time.Now())
	liquid := !mock

	var (
		tx     models.Transaction
		status int
	)
	start := time.Now()
	err = s.breakerFor(merchantID).Do(func() error {
		var callErr error
		tx, status, callErr = s.backend.CreateTransaction(ctx, m.APIKey, req)
		return callErr
	}, func(err error) bool {
		return isClientError(err) || ctx.Err() != nil
	})
	end := time.Now()
	if err != nil && ctx.Err() != nil {
		return models.Transaction{}, fmt.Errorf("create transaction for %s: %w", m.Name, err)
	}
	metrics.RecordTransaction(err == nil, liquid, end.Sub(start))

	h := models.TransactionHistory{
		MerchantID:     merchantID,
		RequestTime:    start,
		ResponseTime:   end,
		Request:        req,
		ResponseStatus: status,
	}

	if err != nil {
		h.Transaction = models.Transaction{
			OrderID:   req.OrderID,
			Amount:    amount,
			Status:    models.StatusCanceled,
			CreatedAt: start.Format(time.RFC3339),
			UpdatedAt: end.Format(time.RFC3339),
			ExpiredAt: req.ExpiredAt,
			IsMock:    mock,
			MethodID:  methodID,
			Rate:      req.Rate,
		}
		h.Error = err.Error()
		s.record(h)
		s.stats.RecordFailure(merchantID, failureReason(err))
		return models.Transaction{}, fmt.Errorf("create transaction for %s: %w", m.Name, err)
	}

	if tx.OrderID == "" {
		tx.OrderID = req.OrderID
	}
	tx.MethodID = methodID
	tx.Rate = req.Rate
	h.Transaction = tx
	s.record(h)
	s.stats.RecordSuccess(merchantID, amount, tx.Status, liquid)

	s.log.Debugw("Transaction created",
		"merchant_id", merchantID,
		"transaction_id", tx.ID,
		"amount", tx.Amount,
		"status", tx.Status,
		"mock", mock,
	)
	return tx, nil
}

// NewRequest builds the create-transaction payload for m.
func NewRequest(m models.Merchant, amount float64, methodID string, mock bool, now time.Time) models.TransactionRequest {
	return models.TransactionRequest{
		Amount:      amount,
		OrderID:     "order_" + uuid.NewString(),
		MethodID:    methodID,
		Rate:        m.EffectiveRate(),
		ExpiredAt:   now.Add(transactionTTL).UTC().Format(time.RFC3339),
		UserIP:      "127.0.0.1",
		UserID:      "user_" + uuid.NewString(),
		Type:        "IN",
		CallbackURI: m.CallbackURL,
		IsMock:      mock,
	}
}

// isClientError keeps backend validation failures from tripping the breaker.
func isClientError(err error) bool {
	var apiErr *api.Error
	return errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
}

// failureReason buckets an error for the error breakdown.
func failureReason(err error) string {
	var apiErr *api.Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, middleware.ErrCircuitOpen):
		return "circuit open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return err.Error()
	}
}

// HandleCallback accounts for an inbound callback and refreshes the status of
// the transaction it refers to.
func (s *Service) HandleCallback(ctx context.Context, cb models.Callback) error {
	metrics.RecordCallback()
	m, err := s.Get(cb.MerchantID)
	if err != nil {
		return err
	}
	s.stats.RecordCallback(m.ID)

	status := models.TransactionStatus(cb.Status)
	lookup := cb.OrderID
	if lookup == "" {
		lookup = cb.ID
	}
	tx, err := s.backend.GetTransaction(ctx, m.APIKey, lookup)
	if err != nil {
		s.log.Warnw("Failed to fetch transaction for callback",
			"merchant_id", m.ID,
			"transaction_id", cb.ID,
			"error", err,
		)
	} else if tx.Status != "" {
		status = tx.Status
	}

	s.stats.UpdateStatus(m.ID, status)
	s.updateHistoryStatus(m.ID, cb.ID, cb.OrderID, status)

	s.log.Infow("Callback processed", "merchant_id", m.ID, "transaction_id", cb.ID, "status", status)
	return nil
}

func (s *Service) updateHistoryStatus(merchantID, txID, orderID string, status models.TransactionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		h := &s.history[i]
		if h.MerchantID != merchantID {
			continue
		}
		if (txID != "" && h.Transaction.ID == txID) || (orderID != "" && h.Transaction.OrderID == orderID) {
			h.Transaction.Status = status
			return
		}
	}
}

func (s *Service) record(h models.TransactionHistory) {
	s.mu.Lock()
	s.history = append(s.history, h)
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.Record(h)
	}
}

// History returns the attempts recorded for merchantID, oldest first.
func (s *Service) History(merchantID string) []models.TransactionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TransactionHistory
	for _, h := range s.history {
		if h.MerchantID == merchantID {
			out = append(out, h)
		}
	}
	return out
}

func (s *Service) Statistics(merchantID string) (models.Statistics, bool) {
	return s.stats.Get(merchantID)
}

// Export writes the merchant's history and statistics into dir and returns
// both file paths.
func (s *Service) Export(merchantID, dir string) (string, string, error) {
	if _, err := s.Get(merchantID); err != nil {
		return "", "", err
	}
	st, ok := s.stats.Get(merchantID)
	if !ok {
		return "", "", fmt.Errorf("no statistics for merchant %s", merchantID)
	}

	now := time.Now()
	history := s.History(merchantID)
	if history == nil {
		history = []models.TransactionHistory{}
	}
	historyPath, err := storage.Export(dir, merchantID, "history", history, now)
	if err != nil {
		return "", "", err
	}
	statsPath, err := storage.Export(dir, merchantID, "stats", st, now)
	if err != nil {
		return "", "", err
	}
	s.log.Infow("Merchant data exported", "merchant_id", merchantID, "history", historyPath, "stats", statsPath)
	return historyPath, statsPath, nil
}

// Save writes merchants, history and statistics snapshots.
func (s *Service) Save() error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveMerchants(s.merchants.List()); err != nil {
		return err
	}
	s.mu.RLock()
	history := append([]models.TransactionHistory(nil), s.history...)
	s.mu.RUnlock()
	if err := s.persist.SaveHistory(history); err != nil {
		return err
	}
	return s.persist.SaveStatistics(s.stats.Snapshot())
}

func (s *Service) saveMerchants() {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveMerchants(s.merchants.List()); err != nil {
		s.log.Errorw("Failed to save merchants", "error", err)
	}
}
