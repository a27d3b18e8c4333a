package task

import (
	"errors"
	"fmt"
	"time"
)

// EndRetryBehavior decides what happens to a record once its retry budget
// is exhausted.
type EndRetryBehavior int

const (
	// Buffered parks the record in the task's retry buffer; it is
	// retried before any newer record is accepted.
	Buffered EndRetryBehavior = iota
	// Skip advances past the record as if it had succeeded.
	Skip
	// Fail re-raises the failure to the caller, which must treat it as
	// fatal for the task.
	Fail
)

func (b EndRetryBehavior) String() string {
	switch b {
	case Buffered:
		return "BUFFERED"
	case Skip:
		return "SKIP"
	case Fail:
		return "FAIL"
	default:
		return fmt.Sprintf("EndRetryBehavior(%d)", int(b))
	}
}

// DefaultMemoryBufferSize bounds the retry buffer when the policy leaves
// MemoryBufferSize unset.
const DefaultMemoryBufferSize = 100

// RetryPolicy is pure configuration: it decides whether a failed record
// is retried and which terminal behavior applies once retrying stops.
type RetryPolicy struct {
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration

	// NumRetries caps the number of retry attempts per record (the
	// first attempt is free).
	NumRetries int

	// Timeout is the wall-clock retry budget per record. Zero defaults
	// to a third of the consumer's max-poll-interval, the longest a
	// task may withhold a heartbeat before the transport evicts it
	// from its group.
	Timeout time.Duration

	// MemoryBufferSize caps the retry buffer under Buffered behavior.
	MemoryBufferSize int

	// EndBehavior applies once retries are exhausted.
	EndBehavior EndRetryBehavior
}

// withDefaults fills in the unset fields against the consumer's
// max-poll-interval budget.
func (p RetryPolicy) withDefaults(maxPollInterval time.Duration) RetryPolicy {
	if p.Timeout == 0 {
		p.Timeout = maxPollInterval / 3
	}
	if p.MemoryBufferSize == 0 {
		p.MemoryBufferSize = DefaultMemoryBufferSize
	}
	return p
}

// Validate returns non-fatal warnings for configurations that risk a
// forced rebalance: retrying longer than the poll budget means the broker
// evicts the consumer mid-retry and reprocesses duplicates.
func (p RetryPolicy) Validate(maxPollInterval time.Duration) []string {
	var warnings []string

	budget := maxPollInterval * 8 / 10

	if total := p.RetryBackoff * time.Duration(p.NumRetries); total >= budget {
		warnings = append(warnings, fmt.Sprintf(
			"retry_backoff(%s) * num_retries(%d) = %s reaches 80%% of max poll interval %s; risks consumer eviction and duplicate reprocessing",
			p.RetryBackoff, p.NumRetries, total, maxPollInterval))
	}
	if p.Timeout >= budget {
		warnings = append(warnings, fmt.Sprintf(
			"retry timeout %s reaches 80%% of max poll interval %s; risks consumer eviction and duplicate reprocessing",
			p.Timeout, maxPollInterval))
	}

	return warnings
}

var (
	// ErrNonRetryable is the terminal kind for records whose failure is
	// not retryable, or whose retry attempts are used up.
	ErrNonRetryable = errors.New("task: non-retryable processing failure")

	// ErrNotEnoughTime is the terminal kind for records whose remaining
	// retry budget cannot fit another backoff and attempt.
	ErrNotEnoughTime = errors.New("task: not enough time remaining to retry")
)

// terminalError tags a processing failure with its terminal kind. Both
// the kind sentinel and the original cause are reachable via errors.Is/As.
type terminalError struct {
	kind  error
	cause error
}

func (e *terminalError) Error() string {
	return fmt.Sprintf("%v: %v", e.kind, e.cause)
}

func (e *terminalError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

// retryableMarker is the unwrap target for retryability. Errors that do
// not implement it are non-retryable.
type retryableMarker interface {
	Retryable() bool
}

// IsRetryable reports whether err may be retried, by unwrapping to an
// implementation of interface{ Retryable() bool }.
func IsRetryable(err error) bool {
	var m retryableMarker
	if errors.As(err, &m) {
		return m.Retryable()
	}
	return false
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string   { return e.err.Error() }
func (e *retryableError) Unwrap() error   { return e.err }
func (e *retryableError) Retryable() bool { return true }

// AsRetryable marks an error as retryable. Processors wrap transient
// failures (broker unavailable, remote call timed out) so the task's
// retry policy applies instead of failing immediately.
func AsRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}
