package tributary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tributary-io/tributary/task"
	"github.com/twmb/franz-go/pkg/kgo"
)

type workerState string

const (
	stateCreated            workerState = "CREATED"
	statePartitionsAssigned workerState = "PARTITIONS_ASSIGNED"
	stateRunning            workerState = "RUNNING"
	stateCloseRequested     workerState = "CLOSE_REQUESTED"
	stateClosed             workerState = "CLOSED"
)

type assignedOrRevoked struct {
	assigned map[string][]int32
	revoked  map[string][]int32
}

// worker owns one group-consumer client and the tasks for its assigned
// partitions. State transitions happen only inside the loop.
type worker struct {
	name string
	log  *slog.Logger
	app  *App

	client *kgo.Client
	tasks  *taskSet

	state workerState

	partitionEvents chan assignedOrRevoked
	newlyAssigned   map[string][]int32
	newlyRevoked    map[string][]int32

	closeRequested chan struct{}

	cancelPollMtx sync.Mutex
	cancelPoll    func()

	closed    sync.WaitGroup
	closeOnce sync.Once

	lastCommit time.Time

	err error
}

const shutdownTimeout = 30 * time.Second

// ErrShutdownTimeout is returned when graceful shutdown exceeds its budget.
var ErrShutdownTimeout = errors.New("tributary: worker shutdown timed out")

func newWorker(app *App, name string) (*worker, error) {
	// Buffered so franz-go's rebalance callbacks never block on the loop.
	events := make(chan assignedOrRevoked, 10)

	opts := []kgo.Opt{
		kgo.SeedBrokers(app.brokers...),
		kgo.ConsumerGroup(app.group),
		kgo.ConsumeTopics(app.topo.SourceTopics()...),
		kgo.DisableAutoCommit(),
		kgo.RebalanceTimeout(app.maxPollInterval),
		// Changelog records carry an explicit partition so the changelog
		// stays co-partitioned with the task; sink records leave it to
		// key hashing.
		kgo.RecordPartitioner(explicitPartitioner{fallback: kgo.StickyKeyPartitioner(nil)}),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
			events <- assignedOrRevoked{assigned: m}
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
			events <- assignedOrRevoked{revoked: m}
		}),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	log := app.log.With("worker", name)

	w := &worker{
		name:            name,
		log:             log,
		app:             app,
		client:          client,
		tasks:           newTaskSet(app, client, log),
		state:           stateCreated,
		partitionEvents: events,
		closeRequested:  make(chan struct{}, 1),
	}
	w.closed.Add(1)
	return w, nil
}

func (w *worker) changeState(to workerState) {
	w.log.Info("change state", "from", w.state, "to", to)
	w.state = to
}

func (w *worker) run() error {
	for {
		switch w.state {
		case stateCreated:
			w.handleCreated()
		case statePartitionsAssigned:
			w.handlePartitionsAssigned()
		case stateRunning:
			w.handleRunning()
		case stateCloseRequested:
			w.handleCloseRequested()
		case stateClosed:
			w.closed.Done()
			return w.err
		}
	}
}

func (w *worker) handleCreated() {
	select {
	case ev := <-w.partitionEvents:
		w.newlyAssigned = ev.assigned
		w.newlyRevoked = ev.revoked
		w.changeState(statePartitionsAssigned)
	case <-w.closeRequested:
		w.changeState(stateCloseRequested)
	}
}

func (w *worker) handlePartitionsAssigned() {
	// Bound restoration so an unreachable changelog cannot wedge the
	// worker, and expose the cancel so close() can interrupt it.
	ctx, cancel := context.WithTimeout(context.Background(), w.app.restorationTimeout)
	defer cancel()
	w.cancelPollMtx.Lock()
	w.cancelPoll = cancel
	w.cancelPollMtx.Unlock()

	if err := w.tasks.revoked(ctx, w.newlyRevoked); err != nil {
		w.log.Error("revocation failed", "error", err)
		w.err = err
		w.changeState(stateCloseRequested)
		return
	}

	if err := w.tasks.assigned(ctx, w.newlyAssigned); err != nil {
		w.log.Error("assignment failed", "error", err)
		w.err = err
		w.changeState(stateCloseRequested)
		return
	}

	w.newlyAssigned = nil
	w.newlyRevoked = nil

	if w.tasks.len() > 0 {
		w.changeState(stateRunning)
	} else {
		w.changeState(stateCreated)
	}
}

func (w *worker) handleRunning() {
	// Rebalance events take priority over polling.
	select {
	case ev := <-w.partitionEvents:
		w.newlyAssigned = ev.assigned
		w.newlyRevoked = ev.revoked
		w.changeState(statePartitionsAssigned)
		return
	case <-w.closeRequested:
		w.changeState(stateCloseRequested)
		return
	default:
	}

	w.retryBuffered()
	if w.state != stateRunning {
		return
	}

	w.cancelPollMtx.Lock()
	pollCtx, cancel := context.WithTimeout(context.Background(), w.app.pollTimeout)
	defer cancel()
	w.cancelPoll = cancel
	w.cancelPollMtx.Unlock()

	fetches := w.client.PollRecords(pollCtx, w.app.maxPollRecords)

	if fetches.IsClientClosed() {
		w.changeState(stateCloseRequested)
		return
	}
	if errors.Is(fetches.Err(), context.Canceled) {
		return
	}

	if !errors.Is(fetches.Err(), context.DeadlineExceeded) {
		for _, fetchErr := range fetches.Errors() {
			if errors.Is(fetchErr.Err, context.DeadlineExceeded) {
				continue
			}
			w.log.Error("fetch error", "error", fetchErr.Err, "topic", fetchErr.Topic, "partition", fetchErr.Partition)
			w.err = fmt.Errorf("fetch %s/%d: %w", fetchErr.Topic, fetchErr.Partition, fetchErr.Err)
			w.changeState(stateCloseRequested)
			return
		}

		if !w.processFetches(fetches) {
			return
		}
	}

	if time.Since(w.lastCommit) >= w.app.commitInterval {
		commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.tasks.commit(commitCtx); err != nil {
			w.log.Error("commit failed", "error", err)
			w.err = err
			w.changeState(stateCloseRequested)
			return
		}
		w.lastCommit = time.Now()
	}
}

// processFetches routes fetched records to their tasks. It reports false
// when the worker must stop.
func (w *worker) processFetches(fetches kgo.Fetches) bool {
	ok := true
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if !ok {
			return
		}

		t, found := w.tasks.taskFor(p.Partition)
		if !found {
			w.log.Error("no task for fetched partition", "topic", p.Topic, "partition", p.Partition)
			w.err = fmt.Errorf("no task for %s/%d", p.Topic, p.Partition)
			w.changeState(stateCloseRequested)
			ok = false
			return
		}

		for _, rec := range p.Records {
			ctx, cancel := context.WithTimeout(context.Background(), w.app.maxPollInterval)
			err := t.Process(ctx, rec)
			cancel()

			if err == nil {
				continue
			}

			if errors.Is(err, task.ErrBufferFull) {
				// Rewind the consumer to the refused record and pause the
				// partition; the whole tail is refetched once the task's
				// buffer drains.
				w.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
					p.Topic: {p.Partition: {Offset: rec.Offset, Epoch: -1}},
				})
				w.pauseTask(t, p.Partition)
				break
			}

			w.log.Error("processing failed, closing worker", "error", err,
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset)
			w.err = err
			w.changeState(stateCloseRequested)
			ok = false
			return
		}
	})
	return ok
}

// retryBuffered drives one retry of each task's buffered head and resumes
// fetching for tasks whose buffers drained below capacity.
func (w *worker) retryBuffered() {
	for partition, t := range w.tasks.all() {
		if t.BufferedCount() > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), w.app.maxPollInterval)
			err := t.Process(ctx, nil)
			cancel()
			if err != nil {
				w.log.Error("buffered retry failed, closing worker", "error", err, "task", t.ID())
				w.err = err
				w.changeState(stateCloseRequested)
				return
			}
		}

		if t.State() == task.Resumed {
			w.client.ResumeFetchPartitions(w.partitionsFor(partition))
			t.Resume()
			w.log.Info("resumed fetching", "task", t.ID(), "partition", partition)
		}
	}
}

func (w *worker) pauseTask(t *task.Task, partition int32) {
	w.client.PauseFetchPartitions(w.partitionsFor(partition))
	t.Pause()
	w.log.Warn("paused fetching", "task", t.ID(), "partition", partition, "buffered", t.BufferedCount())
}

// partitionsFor maps one task partition across all source topics.
func (w *worker) partitionsFor(partition int32) map[string][]int32 {
	m := make(map[string][]int32)
	for _, topic := range w.app.topo.SourceTopics() {
		m[topic] = []int32{partition}
	}
	return m
}

func (w *worker) handleCloseRequested() {
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := w.tasks.close(closeCtx); err != nil {
		w.log.Error("failed to close tasks", "error", err)
	}
	w.client.Close()
	w.changeState(stateClosed)
}

func (w *worker) close() error {
	w.closeOnce.Do(func() {
		w.cancelPollMtx.Lock()
		select {
		case w.closeRequested <- struct{}{}:
		default:
		}
		if w.cancelPoll != nil {
			w.cancelPoll()
		}
		w.cancelPollMtx.Unlock()
	})

	done := make(chan struct{})
	go func() {
		w.closed.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownTimeout):
		w.log.Error("shutdown timeout exceeded", "timeout", shutdownTimeout)
		return ErrShutdownTimeout
	}
}

// explicitPartitioner routes records carrying a non-negative partition to
// that exact partition and delegates everything else to the fallback.
type explicitPartitioner struct {
	fallback kgo.Partitioner
}

func (p explicitPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	return explicitTopicPartitioner{fallback: p.fallback.ForTopic(topic)}
}

type explicitTopicPartitioner struct {
	fallback kgo.TopicPartitioner
}

func (p explicitTopicPartitioner) RequiresConsistency(r *kgo.Record) bool {
	return r.Partition >= 0 || p.fallback.RequiresConsistency(r)
}

func (p explicitTopicPartitioner) Partition(r *kgo.Record, n int) int {
	if r.Partition >= 0 && int(r.Partition) < n {
		return int(r.Partition)
	}
	return p.fallback.Partition(r, n)
}
