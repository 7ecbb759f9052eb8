package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Statistics aggregates one merchant's traffic outcomes.
type Statistics struct {
	MerchantID            string            `json:"merchant_id"`
	TotalRequests         uint64            `json:"total_requests"`
	SuccessfulRequests    uint64            `json:"successful_requests"`
	FailedRequests        uint64            `json:"failed_requests"`
	TotalAmount           decimal.Decimal   `json:"total_amount"`
	CallbacksReceived     uint64            `json:"callbacks_received"`
	LiquidTransactions    uint64            `json:"liquid_transactions"`
	NonLiquidTransactions uint64            `json:"non_liquid_transactions"`
	ErrorBreakdown        map[string]uint64 `json:"error_breakdown"`
	StatusBreakdown       map[string]uint64 `json:"status_breakdown"`
	LastTransactionAt     *time.Time        `json:"last_transaction_at,omitempty"`
}

func NewStatistics(merchantID string) Statistics {
	return Statistics{
		MerchantID:      merchantID,
		ErrorBreakdown:  make(map[string]uint64),
		StatusBreakdown: make(map[string]uint64),
	}
}

// SuccessRate is the share of successful requests in percent.
func (s Statistics) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests) * 100
}

// Clone deep-copies the breakdown maps.
func (s Statistics) Clone() Statistics {
	out := s
	out.ErrorBreakdown = make(map[string]uint64, len(s.ErrorBreakdown))
	for k, v := range s.ErrorBreakdown {
		out.ErrorBreakdown[k] = v
	}
	out.StatusBreakdown = make(map[string]uint64, len(s.StatusBreakdown))
	for k, v := range s.StatusBreakdown {
		out.StatusBreakdown[k] = v
	}
	return out
}
