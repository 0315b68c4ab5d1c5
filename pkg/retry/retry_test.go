package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

type hintedErr struct{ wait time.Duration }

func (e hintedErr) Error() string             { return "slow down" }
func (e hintedErr) RetryDelay() time.Duration { return e.wait }

func fast(opts ...Option) *Retrier {
	return New(append([]Option{WithInitialDelay(time.Millisecond), WithMaxDelay(5 * time.Millisecond), WithJitter(0)}, opts...)...)
}

func TestRetrier_RetriesRetryableUntilSuccess(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(4)).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errFlaky)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_ReturnsUnwrappedErrorAfterLastAttempt(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(2)).Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errFlaky)
	})

	assert.Equal(t, 2, calls)
	assert.Same(t, errFlaky, err)
}

func TestRetrier_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(5)).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, errFlaky, err)
}

func TestRetrier_RetryIfOverridesMarkers(t *testing.T) {
	calls := 0
	r := fast(WithMaxAttempts(3), WithRetryIf(func(err error) bool { return errors.Is(err, errFlaky) }))
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errFlaky
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errFlaky)
}

func TestRetrier_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := New(WithMaxAttempts(5), WithInitialDelay(time.Hour)).Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return Retryable(errFlaky)
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFlaky)
}

func TestRetrier_DelayUsesHintCappedByMax(t *testing.T) {
	r := New(WithInitialDelay(10*time.Millisecond), WithMaxDelay(time.Second), WithJitter(0))

	assert.Equal(t, 10*time.Millisecond, r.delayFor(1, errFlaky))
	assert.Equal(t, 20*time.Millisecond, r.delayFor(2, errFlaky))
	assert.Equal(t, 500*time.Millisecond, r.delayFor(1, hintedErr{wait: 500 * time.Millisecond}))
	assert.Equal(t, time.Second, r.delayFor(1, hintedErr{wait: time.Minute}))
}

func TestDoWithData(t *testing.T) {
	calls := 0
	v, err := DoWithData(context.Background(), fast(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Retryable(errFlaky)
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", v)
}
