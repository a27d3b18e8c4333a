package task

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/tributary-io/tributary/statemgr"
	"github.com/tributary-io/tributary/topology"
	"github.com/tryfix/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrBufferFull is returned by Process when a fresh record cannot be
// accepted because the retry buffer is at capacity. The record's offset is
// not marked consumed; the transport redelivers it once fetching resumes.
var ErrBufferFull = errors.New("task: retry buffer full")

// Task binds one partition's slice of the topology to its state manager
// and output collector, and drives records through the retry policy.
//
// A Task is not safe for concurrent use; the host worker serializes calls.
type Task struct {
	id       string
	topo     *topology.Topology
	stateMgr *statemgr.StateManager
	coll     Collector
	policy   RetryPolicy

	state  State
	buffer *recordBuffer

	// consumedOffsets holds, per input partition, the offset of the last
	// record applied to completion (processed or skipped). Records parked
	// in the retry buffer never advance it; a crash redelivers them.
	consumedOffsets map[statemgr.TopicPartition]int64

	log *slog.Logger

	processLatency  metrics.Observer
	bufferOccupancy metrics.Gauge

	closed bool
}

// Config carries everything a Task needs; all fields except Reporter and
// Log are required.
type Config struct {
	TaskID          string
	Topology        *topology.Topology
	StateManager    *statemgr.StateManager
	Collector       Collector
	Policy          RetryPolicy
	MaxPollInterval time.Duration
	Log             *slog.Logger
	Reporter        metrics.Reporter
}

func New(cfg Config) (*Task, error) {
	if cfg.Topology == nil {
		return nil, errors.New("task: topology is required")
	}
	if cfg.StateManager == nil {
		return nil, errors.New("task: state manager is required")
	}
	if cfg.Collector == nil {
		return nil, errors.New("task: collector is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "task", "task", cfg.TaskID)

	policy := cfg.Policy.withDefaults(cfg.MaxPollInterval)
	for _, w := range policy.Validate(cfg.MaxPollInterval) {
		log.Warn("retry policy risks poll budget", "warning", w)
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = metrics.NoopReporter()
	}

	return &Task{
		id:       cfg.TaskID,
		topo:     cfg.Topology,
		stateMgr: cfg.StateManager,
		coll:     cfg.Collector,
		policy:   policy,
		state:    Running,
		buffer:   newRecordBuffer(policy.MemoryBufferSize),

		consumedOffsets: map[statemgr.TopicPartition]int64{},

		log: log,

		processLatency: reporter.Observer(metrics.MetricConf{
			Path:        "task_process_latency_milliseconds",
			ConstLabels: map[string]string{"task": cfg.TaskID},
			Labels:      []string{"topic"},
		}),
		bufferOccupancy: reporter.Gauge(metrics.MetricConf{
			Path:        "task_retry_buffer_records",
			ConstLabels: map[string]string{"task": cfg.TaskID},
		}),
	}, nil
}

func (t *Task) ID() string { return t.id }

// State reports the task's flow-control state.
func (t *Task) State() State { return t.state }

// BufferedCount reports how many records await retry.
func (t *Task) BufferedCount() int { return t.buffer.len() }

// Process handles one record. When the retry buffer is non-empty its head
// is processed first; the fresh record, if any, is then appended to the
// tail regardless of the head's outcome, so arrival order is preserved.
// Pass a nil record to drive buffered retries while fetching is paused.
//
// The returned error is nil unless the task must stop: a Fail terminal
// outcome, or ErrBufferFull when the fresh record cannot be accepted.
func (t *Task) Process(ctx context.Context, rec *kgo.Record) error {
	if t.closed {
		return errors.New("task: closed")
	}

	head := rec
	fromBuffer := false
	if buffered := t.buffer.head(); buffered != nil {
		head = buffered
		fromBuffer = true
	}
	if head == nil {
		return nil
	}

	keep, err := t.processOne(ctx, head, fromBuffer)

	if fromBuffer && !keep {
		t.buffer.dropHead()
		if !t.buffer.full() {
			t.state = transition(t.state, eventBufferDrained)
		}
	}
	if fromBuffer && rec != nil && err == nil {
		if !t.buffer.append(rec) {
			t.observeBuffer()
			return ErrBufferFull
		}
		if t.buffer.full() {
			t.state = transition(t.state, eventBufferFilled)
			t.log.Warn("retry buffer full, fetch should pause",
				"topic", rec.Topic, "partition", rec.Partition, "buffered", t.buffer.len())
		}
	}
	t.observeBuffer()

	return err
}

// processOne runs head through the retry loop and applies the policy's
// terminal behavior. keep reports whether a buffered head must stay parked.
func (t *Task) processOne(ctx context.Context, head *kgo.Record, fromBuffer bool) (keep bool, err error) {
	procErr := t.runWithRetries(ctx, head)
	if procErr == nil {
		t.markConsumed(head)
		return false, nil
	}

	switch t.policy.EndBehavior {
	case Skip:
		t.log.Warn("skipping record after exhausted retries",
			"topic", head.Topic, "partition", head.Partition, "offset", head.Offset, "err", procErr)
		t.markConsumed(head)
		return false, nil

	case Fail:
		return false, fmt.Errorf("task %s: processing %s/%d@%d: %w",
			t.id, head.Topic, head.Partition, head.Offset, procErr)

	default: // Buffered
		if fromBuffer {
			return true, nil
		}
		if !t.buffer.append(head) {
			return false, ErrBufferFull
		}
		if t.buffer.full() {
			t.state = transition(t.state, eventBufferFilled)
			t.log.Warn("retry buffer full, fetch should pause",
				"topic", head.Topic, "partition", head.Partition, "buffered", t.buffer.len())
		}
		return false, nil
	}
}

// runWithRetries drives one record through the topology until it succeeds,
// retries are exhausted, or the retry budget runs out.
func (t *Task) runWithRetries(ctx context.Context, rec *kgo.Record) error {
	src, ok := t.topo.SourceForTopic(rec.Topic)
	if !ok {
		return fmt.Errorf("%w: no source bound to topic %q", ErrNonRetryable, rec.Topic)
	}

	env := topology.Env{Stores: t.stateMgr, Collector: t.coll}
	deadline := time.Now().Add(t.policy.Timeout)

	var lastErr error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		lastErr = src.Process(ctx, env, rec)
		took := time.Since(start)
		t.processLatency.Observe(float64(took.Milliseconds()),
			map[string]string{"topic": rec.Topic})
		if lastErr == nil {
			t.log.Debug("processed record",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "took", took)
			return nil
		}

		if !IsRetryable(lastErr) {
			return &terminalError{kind: ErrNonRetryable, cause: lastErr}
		}
		if attempt >= t.policy.NumRetries {
			return &terminalError{kind: ErrNonRetryable, cause: lastErr}
		}
		if time.Until(deadline) < t.policy.RetryBackoff {
			return &terminalError{kind: ErrNotEnoughTime, cause: lastErr}
		}

		t.log.Debug("retrying record",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset,
			"attempt", attempt+1, "backoff", t.policy.RetryBackoff)

		timer := time.NewTimer(t.policy.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &terminalError{kind: ErrNotEnoughTime, cause: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (t *Task) markConsumed(rec *kgo.Record) {
	tp := statemgr.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}
	if off, ok := t.consumedOffsets[tp]; ok && rec.Offset <= off {
		return
	}
	t.consumedOffsets[tp] = rec.Offset
}

func (t *Task) observeBuffer() {
	t.bufferOccupancy.Count(float64(t.buffer.len()), nil)
}

// CommitOffsets yields, per input partition, the next offset to fetch
// (last consumed plus one). The sequence is computed lazily at iteration
// time.
func (t *Task) CommitOffsets() iter.Seq2[statemgr.TopicPartition, int64] {
	return func(yield func(statemgr.TopicPartition, int64) bool) {
		for tp, off := range t.consumedOffsets {
			if !yield(tp, off+1) {
				return
			}
		}
	}
}

// ClearOffsets forgets consumed offsets, after they have been committed.
func (t *Task) ClearOffsets() {
	t.consumedOffsets = map[statemgr.TopicPartition]int64{}
}

// Flush drains the output collector, advances changelog watermarks with
// the acked changelog offsets, and flushes the state stores. It must
// complete before the task's offsets are committed.
func (t *Task) Flush(ctx context.Context) error {
	written, err := t.coll.Flush(ctx)
	if err != nil {
		return fmt.Errorf("flush collector: %w", err)
	}
	if len(written) > 0 {
		t.stateMgr.UpdateChangelogOffsets(written)
	}
	if err := t.stateMgr.Flush(ctx); err != nil {
		return fmt.Errorf("flush state: %w", err)
	}
	return nil
}

// Checkpoint persists the stores' changelog watermarks. Called after a
// successful offset commit so a restart resumes restoration from there.
func (t *Task) Checkpoint() error {
	return t.stateMgr.Checkpoint()
}

// Pause acknowledges that the host paused fetching for this task's
// partitions.
func (t *Task) Pause() {
	t.state = transition(t.state, eventFetchPaused)
}

// Resume acknowledges that the host resumed fetching.
func (t *Task) Resume() {
	t.state = transition(t.state, eventFetchResumed)
}

// ClearBuffer drops all buffered records and returns the task to Running.
// Used on revocation, when the partition's records will be redelivered to
// their next owner.
func (t *Task) ClearBuffer() {
	t.buffer.clear()
	t.state = transition(t.state, eventBufferCleared)
	t.observeBuffer()
}

// Close releases the task's state stores. The task is unusable afterwards.
func (t *Task) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.stateMgr.Close(ctx)
}
