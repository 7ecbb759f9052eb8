// Package sampler draws transaction amounts from a merchant's probability table.
//
// The rule is "smallest qualifying threshold wins": ranges are scanned in
// ascending order of their probability value and the first one whose value is
// >= the roll is used. A roll above every value falls back to the first range
// in that order. Probabilities are thresholds, not weights; they need not sum
// to 100.
package sampler

import (
	"math/rand"

	"github.com/shopspring/decimal"

	"payment_emulator/models"
)

// FallbackAmount is returned for an empty table, which has no range to draw from.
const FallbackAmount = 1000.0

// Pick selects the range for roll. ok is false only for an empty table.
func Pick(table models.AmountTable, roll float64) (models.AmountRange, bool) {
	if len(table) == 0 {
		return models.AmountRange{}, false
	}
	sorted := table.SortedByProbability()
	for _, e := range sorted {
		if e.Probability >= roll {
			return e.Range, true
		}
	}
	return sorted[0].Range, true
}

// Amount rolls in [0,100), picks a range and returns a value drawn uniformly
// from its inclusive bounds, rounded to kopecks.
func Amount(table models.AmountTable, rng *rand.Rand) float64 {
	r, ok := Pick(table, rng.Float64()*100)
	if !ok {
		return FallbackAmount
	}
	return Within(r, rng)
}

// Within draws uniformly from [r.Min, r.Max].
func Within(r models.AmountRange, rng *rand.Rand) float64 {
	span := float64(r.Max - r.Min)
	v := float64(r.Min) + rng.Float64()*span
	out, _ := decimal.NewFromFloat(v).Round(2).Float64()
	if out > float64(r.Max) {
		out = float64(r.Max)
	}
	return out
}
