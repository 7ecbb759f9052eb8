package metrics

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"payment_emulator/models"
)

// Statistics keeps per-merchant counters. It is shared by every traffic
// worker, the callback processor and the console.
type Statistics struct {
	mu    sync.RWMutex
	stats map[string]*models.Statistics
}

func NewStatistics() *Statistics {
	return &Statistics{stats: make(map[string]*models.Statistics)}
}

func (s *Statistics) entry(merchantID string) *models.Statistics {
	st, ok := s.stats[merchantID]
	if !ok {
		fresh := models.NewStatistics(merchantID)
		st = &fresh
		s.stats[merchantID] = st
	}
	return st
}

func (s *Statistics) Initialize(merchantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(merchantID)
}

func (s *Statistics) RecordSuccess(merchantID string, amount float64, status models.TransactionStatus, liquid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entry(merchantID)
	now := time.Now()
	st.TotalRequests++
	st.SuccessfulRequests++
	st.TotalAmount = st.TotalAmount.Add(decimal.NewFromFloat(amount))
	st.StatusBreakdown[string(status)]++
	st.LastTransactionAt = &now
	if liquid {
		st.LiquidTransactions++
	} else {
		st.NonLiquidTransactions++
	}
}

func (s *Statistics) RecordFailure(merchantID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entry(merchantID)
	st.TotalRequests++
	st.FailedRequests++
	st.ErrorBreakdown[reason]++
}

func (s *Statistics) RecordCallback(merchantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(merchantID).CallbacksReceived++
}

// UpdateStatus counts a status reported after creation, e.g. by a callback.
func (s *Statistics) UpdateStatus(merchantID string, status models.TransactionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(merchantID).StatusBreakdown[string(status)]++
}

func (s *Statistics) Get(merchantID string) (models.Statistics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[merchantID]
	if !ok {
		return models.Statistics{}, false
	}
	return st.Clone(), true
}

func (s *Statistics) Snapshot() map[string]models.Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.Statistics, len(s.stats))
	for id, st := range s.stats {
		out[id] = st.Clone()
	}
	return out
}

func (s *Statistics) Replace(all map[string]models.Statistics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = make(map[string]*models.Statistics, len(all))
	for id, st := range all {
		c := st.Clone()
		if c.MerchantID == "" {
			c.MerchantID = id
		}
		s.stats[id] = &c
	}
}
