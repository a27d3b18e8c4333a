package tributary

import (
	"log/slog"
	"time"

	"github.com/tributary-io/tributary/statemgr"
	"github.com/tributary-io/tributary/store"
	"github.com/tributary-io/tributary/task"
	"github.com/tryfix/metrics"
)

// Option configures an App.
type Option func(*App)

// WithBrokers sets the seed brokers. Default: localhost:9092.
func WithBrokers(brokers ...string) Option {
	return func(a *App) {
		a.brokers = brokers
	}
}

// WithLog sets the logger. Default: discard.
func WithLog(log *slog.Logger) Option {
	return func(a *App) {
		a.log = log
	}
}

// WithNumWorkers sets how many consumer loops the app runs. Each worker
// joins the group with its own client and owns the tasks for its assigned
// partitions. Default: 1.
func WithNumWorkers(n int) Option {
	return func(a *App) {
		a.numWorkers = n
	}
}

// WithCommitInterval sets how often tasks are flushed and their offsets
// committed. Default: 5s.
func WithCommitInterval(d time.Duration) Option {
	return func(a *App) {
		a.commitInterval = d
	}
}

// WithPollTimeout bounds a single fetch. Default: 10s.
func WithPollTimeout(d time.Duration) Option {
	return func(a *App) {
		a.pollTimeout = d
	}
}

// WithMaxPollRecords caps the records returned by one fetch. Default: 10000.
func WithMaxPollRecords(n int) Option {
	return func(a *App) {
		a.maxPollRecords = n
	}
}

// WithMaxPollInterval sets the rebalance timeout, which is also the budget
// retry policies are validated against. Default: 5m.
func WithMaxPollInterval(d time.Duration) Option {
	return func(a *App) {
		a.maxPollInterval = d
	}
}

// WithRestorationTimeout bounds changelog restoration during partition
// assignment. A worker whose changelog is unreachable gives up after this
// long instead of wedging the rebalance. Default: 30m.
func WithRestorationTimeout(d time.Duration) Option {
	return func(a *App) {
		a.restorationTimeout = d
	}
}

// WithRetryPolicy sets the per-record retry policy applied by every task.
func WithRetryPolicy(p task.RetryPolicy) Option {
	return func(a *App) {
		a.retryPolicy = p
	}
}

// WithStateDir sets the local directory for store data and checkpoint
// files. Required when stores are configured.
func WithStateDir(dir string) Option {
	return func(a *App) {
		a.stateDir = dir
	}
}

// WithMetrics sets the metrics reporter. Default: noop.
func WithMetrics(r metrics.Reporter) Option {
	return func(a *App) {
		a.reporter = r
	}
}

// WithStore declares a state store; one instance is built per assigned
// partition.
func WithStore(sb StoreBuilder) Option {
	return func(a *App) {
		a.stores = append(a.stores, sb)
	}
}

// StoreBuilder declares a state store and how to construct it for one
// task partition.
type StoreBuilder struct {
	// Build constructs the store instance. stateDir is the app's state
	// directory; implementations typically place data under
	// stateDir/<name>-<partition>.
	Build func(stateDir string, partition int32) (store.Store, error)

	// RestoreCallback overrides how changelog records are replayed into
	// the store. Nil replays writes and tombstones directly.
	RestoreCallback statemgr.RestoreCallback

	// DisableChangelog opts the store out of changelog logging,
	// restoration and checkpointing.
	DisableChangelog bool

	// ReadOnly registers the store as a global read-only store.
	ReadOnly bool
}
