package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func recordingPolicy(delays *[]time.Duration) Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		Retryable:  func(err error) bool { return errors.Is(err, errTransient) },
		Sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	var delays []time.Duration
	calls := 0

	err := recordingPolicy(&delays).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	var delays []time.Duration
	calls := 0

	err := recordingPolicy(&delays).Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	var delays []time.Duration
	calls := 0

	err := recordingPolicy(&delays).Do(context.Background(), func(context.Context) error {
		calls++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestDo_NilPredicateNeverRetries(t *testing.T) {
	calls := 0
	err := Policy{MaxRetries: 5}.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	p := Policy{
		MaxRetries: 2,
		BaseDelay:  time.Hour,
		Retryable:  func(error) bool { return true },
	}
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestBackoffs(t *testing.T) {
	assert.Equal(t, time.Second, Exponential(time.Second, 0))
	assert.Equal(t, 4*time.Second, Exponential(time.Second, 2))
	assert.Equal(t, 5*time.Second, Fixed(5*time.Second, 7))
}
