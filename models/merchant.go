package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

type PaymentType string

const (
	PaymentRUB       PaymentType = "RUB"
	PaymentUSDTTRC20 PaymentType = "USDT_TRC20"

	DefaultUSDTRate = 95.0
)

// AmountRange is an inclusive [Min, Max] amount bracket.
type AmountRange struct {
	Min uint64 `json:"min"`
	Max uint64 `json:"max"`
}

func (r AmountRange) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

func (r AmountRange) overlaps(o AmountRange) bool {
	return r.Min < o.Max && o.Min < r.Max
}

// AmountProbability pairs a range with its selection threshold in [0,100].
type AmountProbability struct {
	Range       AmountRange `json:"range"`
	Probability float64     `json:"probability"`
}

// AmountTable is replaced as a whole; entries are never edited in place.
type AmountTable []AmountProbability

var (
	ErrInvalidRange       = errors.New("amount range min must be below max")
	ErrInvalidProbability = errors.New("probability must be within [0,100]")
	ErrOverlappingRanges  = errors.New("amount ranges overlap")
)

func (t AmountTable) Validate() error {
	for i, e := range t {
		if e.Range.Min >= e.Range.Max {
			return fmt.Errorf("%w: %s", ErrInvalidRange, e.Range)
		}
		if e.Probability < 0 || e.Probability > 100 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidProbability, e.Range, e.Probability)
		}
		for _, o := range t[i+1:] {
			if e.Range.overlaps(o.Range) {
				return fmt.Errorf("%w: %s and %s", ErrOverlappingRanges, e.Range, o.Range)
			}
		}
	}
	return nil
}

// SortedByProbability returns a copy ordered by ascending probability,
// ties broken by range start.
func (t AmountTable) SortedByProbability() AmountTable {
	out := make(AmountTable, len(t))
	copy(out, t)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability < out[j].Probability
		}
		return out[i].Range.Min < out[j].Range.Min
	})
	return out
}

// DefaultAmountTable is the distribution new merchants start with.
func DefaultAmountTable() AmountTable {
	return AmountTable{
		{Range: AmountRange{Min: 1000, Max: 3000}, Probability: 64},
		{Range: AmountRange{Min: 3000, Max: 5000}, Probability: 69},
		{Range: AmountRange{Min: 5000, Max: 10000}, Probability: 73},
		{Range: AmountRange{Min: 10000, Max: 20000}, Probability: 82},
		{Range: AmountRange{Min: 20000, Max: 50000}, Probability: 88},
		{Range: AmountRange{Min: 50000, Max: 100000}, Probability: 92},
	}
}

type TrafficConfig struct {
	Enabled         bool        `json:"enabled"`
	IntervalMS      uint64      `json:"interval_ms"`
	VarianceMS      uint64      `json:"interval_variance"`
	MaxTransactions *uint64     `json:"max_transactions,omitempty"`
	CreatedCount    uint64      `json:"created_count"`
	AmountTable     AmountTable `json:"amount_probabilities"`
}

func DefaultTrafficConfig() TrafficConfig {
	return TrafficConfig{
		IntervalMS:  5000,
		VarianceMS:  1000,
		AmountTable: DefaultAmountTable(),
	}
}

// MaxDelayMS bounds interval and variance so interval+variance in
// milliseconds still fits a time.Duration.
const MaxDelayMS = uint64(math.MaxInt64 / (2 * int64(time.Millisecond)))

func (c TrafficConfig) Validate() error {
	if c.IntervalMS == 0 {
		return errors.New("traffic interval must be positive")
	}
	if c.IntervalMS > MaxDelayMS {
		return fmt.Errorf("traffic interval %d ms exceeds %d ms", c.IntervalMS, MaxDelayMS)
	}
	if c.VarianceMS > MaxDelayMS {
		return fmt.Errorf("traffic interval variance %d ms exceeds %d ms", c.VarianceMS, MaxDelayMS)
	}
	return c.AmountTable.Validate()
}

// CapReached reports whether the configured transaction cap, if any, is hit.
func (c TrafficConfig) CapReached(created uint64) bool {
	return c.MaxTransactions != nil && created >= *c.MaxTransactions
}

type Merchant struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	APIKey       string        `json:"api_key"`
	CallbackURL  string        `json:"callback_url,omitempty"`
	Traffic      TrafficConfig `json:"traffic_config"`
	LiquidityPct float64       `json:"liquidity_percentage"`
	PaymentType  PaymentType   `json:"payment_type"`
	Rate         *float64      `json:"rate,omitempty"`
	BalanceUSDT  float64       `json:"balance_usdt"`
	CreatedAt    time.Time     `json:"created_at"`
}

func NewMerchant(id, name, apiKey string, now time.Time) Merchant {
	return Merchant{
		ID:           id,
		Name:         name,
		APIKey:       apiKey,
		Traffic:      DefaultTrafficConfig(),
		LiquidityPct: 50,
		PaymentType:  PaymentRUB,
		CreatedAt:    now,
	}
}

// IsLiquid decides a single transaction by a draw from [0,100).
func (m Merchant) IsLiquid(draw float64) bool {
	return draw <= m.LiquidityPct
}

// EffectiveRate is the rate sent with every transaction request.
func (m Merchant) EffectiveRate() float64 {
	switch m.PaymentType {
	case PaymentUSDTTRC20:
		if m.Rate != nil {
			return *m.Rate
		}
		return DefaultUSDTRate
	default:
		return 1.0
	}
}

func (m Merchant) Validate() error {
	if m.LiquidityPct < 0 || m.LiquidityPct > 100 {
		return fmt.Errorf("liquidity percentage out of range: %v", m.LiquidityPct)
	}
	if m.PaymentType != PaymentRUB && m.PaymentType != PaymentUSDTTRC20 {
		return fmt.Errorf("unknown payment type %q", m.PaymentType)
	}
	return m.Traffic.Validate()
}
