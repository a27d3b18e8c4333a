// Package tributary hosts the stream-processing engine: it joins a consumer
// group, builds one task per assigned partition (topology instance, state
// manager, record collector), restores state from changelogs, and drives
// the poll/process/commit cycle.
package tributary

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tributary-io/tributary/task"
	"github.com/tributary-io/tributary/topology"
	"github.com/tryfix/metrics"
	"golang.org/x/sync/errgroup"
)

// ErrStateDirRequired is returned when stores are configured without
// WithStateDir.
var ErrStateDirRequired = errors.New("tributary: WithStateDir is required when stores are configured")

type App struct {
	numWorkers int
	brokers    []string
	group      string
	topo       *topology.Topology

	mu      sync.Mutex
	workers []*worker
	eg      *errgroup.Group

	log      *slog.Logger
	reporter metrics.Reporter

	commitInterval     time.Duration
	pollTimeout        time.Duration
	maxPollRecords     int
	maxPollInterval    time.Duration
	restorationTimeout time.Duration

	retryPolicy task.RetryPolicy

	stateDir string
	stores   []StoreBuilder
}

// New creates an app executing topo as consumer group. The group name
// doubles as the application ID used to derive changelog topic names.
func New(topo *topology.Topology, group string, opts ...Option) (*App, error) {
	a := &App{
		numWorkers:      1,
		brokers:         []string{"localhost:9092"},
		group:           group,
		topo:            topo,
		log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		reporter:        metrics.NoopReporter(),
		commitInterval:     5 * time.Second,
		pollTimeout:        10 * time.Second,
		maxPollRecords:     10000,
		maxPollInterval:    5 * time.Minute,
		restorationTimeout: 30 * time.Minute,
	}

	for _, opt := range opts {
		opt(a)
	}

	if len(a.stores) > 0 && a.stateDir == "" {
		return nil, ErrStateDirRequired
	}

	return a, nil
}

// Run blocks until every worker exits, either on error or after Close.
// All workers are constructed before the first one starts, so a concurrent
// Close always sees the full set.
func (a *App) Run() error {
	a.mu.Lock()
	grp := errgroup.Group{}
	a.eg = &grp
	for i := 0; i < a.numWorkers; i++ {
		w, err := newWorker(a, fmt.Sprintf("worker-%d", i))
		if err != nil {
			a.mu.Unlock()
			return err
		}
		a.workers = append(a.workers, w)
	}
	workers := a.workers
	a.mu.Unlock()

	for _, w := range workers {
		grp.Go(w.run)
	}
	return grp.Wait()
}

// Close gracefully shuts the app down: workers commit, close their tasks
// and leave the group.
func (a *App) Close() error {
	a.mu.Lock()
	workers := a.workers
	eg := a.eg
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			_ = w.close()
		}(w)
	}
	wg.Wait()

	if eg != nil {
		return eg.Wait()
	}
	return nil
}
