package middleware

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRecover_CatchesPanic(t *testing.T) {
	panicked := Recover(zap.NewNop().Sugar(), "test", func() {
		panic("boom")
	})
	assert.True(t, panicked)

	panicked = Recover(zap.NewNop().Sugar(), "test", func() {})
	assert.False(t, panicked)
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute, zap.NewNop().Sugar())
	fail := errors.New("backend down")

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return fail }, nil), fail)
	}

	calls := 0
	err := b.Do(func() error {
		calls++
		return nil
	}, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
	assert.Equal(t, "open", b.State())
}

func TestBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute, zap.NewNop().Sugar())
	invalid := errors.New("amount too small")
	ignore := func(err error) bool { return errors.Is(err, invalid) }

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, b.Do(func() error { return invalid }, ignore), invalid)
	}
	assert.Equal(t, "closed", b.State())
}
