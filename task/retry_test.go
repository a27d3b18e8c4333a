package task

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults(5 * time.Minute)

	assert.Equal(t, 100*time.Second, p.Timeout)
	assert.Equal(t, DefaultMemoryBufferSize, p.MemoryBufferSize)

	// Explicit values survive.
	p = RetryPolicy{Timeout: time.Second, MemoryBufferSize: 5}.withDefaults(5 * time.Minute)
	assert.Equal(t, time.Second, p.Timeout)
	assert.Equal(t, 5, p.MemoryBufferSize)
}

func TestRetryPolicyValidateWarnings(t *testing.T) {
	maxPoll := 100 * time.Second

	// Below budget: no warnings.
	p := RetryPolicy{RetryBackoff: time.Second, NumRetries: 3, Timeout: 10 * time.Second}
	assert.Equal(t, 0, len(p.Validate(maxPoll)))

	// Backoff * retries at 80% of the poll interval.
	p = RetryPolicy{RetryBackoff: 20 * time.Second, NumRetries: 4, Timeout: 10 * time.Second}
	assert.Equal(t, 1, len(p.Validate(maxPoll)))

	// Timeout at 80% as well.
	p = RetryPolicy{RetryBackoff: 20 * time.Second, NumRetries: 4, Timeout: 90 * time.Second}
	assert.Equal(t, 2, len(p.Validate(maxPoll)))
}

func TestEndRetryBehaviorString(t *testing.T) {
	assert.Equal(t, "BUFFERED", Buffered.String())
	assert.Equal(t, "SKIP", Skip.String())
	assert.Equal(t, "FAIL", Fail.String())
}

func TestIsRetryable(t *testing.T) {
	plain := errors.New("boom")
	assert.False(t, IsRetryable(plain))
	assert.True(t, IsRetryable(AsRetryable(plain)))

	// Marking survives further wrapping.
	wrapped := fmt.Errorf("processor handle: %w", AsRetryable(plain))
	assert.True(t, IsRetryable(wrapped))

	assert.NoError(t, AsRetryable(nil))
}

func TestTerminalErrorExposesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := error(&terminalError{kind: ErrNotEnoughTime, cause: cause})

	assert.True(t, errors.Is(err, ErrNotEnoughTime))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrNonRetryable))
}
