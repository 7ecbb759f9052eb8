package middleware

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned instead of calling the backend while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker trips after at least minRequests calls in the counting interval
// with a failure ratio of 0.6 or more, and probes again after openFor.
func NewBreaker(name string, minRequests uint32, openFor time.Duration, log *zap.SugaredLogger) *Breaker {
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     openFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= minRequests && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Infow("Circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String())
			},
		}),
	}
}

// Do runs fn through the breaker. Errors for which ignore returns true (for
// example validation errors from the backend) do not count as failures.
func (b *Breaker) Do(fn func() error, ignore func(error) bool) error {
	var passthrough error
	_, err := b.cb.Execute(func() (interface{}, error) {
		err := fn()
		if err != nil && ignore != nil && ignore(err) {
			passthrough = err
			return nil, nil
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	if err != nil {
		return err
	}
	return passthrough
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}
