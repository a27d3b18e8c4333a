package topology

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tributary-io/tributary/store"
)

// StoreProvider resolves state stores by name. Implemented by the state
// manager; absence is a normal, checkable condition.
type StoreProvider interface {
	GetStore(name string) (store.Store, bool)
}

// Collector accepts outbound records produced by sink nodes. Implemented
// by the task's record collector; declared here so the topology package
// does not depend on the execution layer.
type Collector interface {
	Emit(ctx context.Context, rec *kgo.Record) error
}

// Env carries the per-task capabilities nodes need at process time. The
// topology itself is immutable and shared across tasks; everything
// task-specific flows through Env.
type Env struct {
	Stores    StoreProvider
	Collector Collector
}

// Forward hands a record to the downstream nodes of the current one.
type Forward func(ctx context.Context, rec *kgo.Record) error

// Processor is user-supplied processing logic. Implementations must not
// keep per-record state in the struct: the same instance is shared by
// every task executing the topology, so mutable state belongs in stores
// reached through env.Stores.
type Processor interface {
	Process(ctx context.Context, env Env, rec *kgo.Record, forward Forward) error
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, env Env, rec *kgo.Record, forward Forward) error

func (f ProcessorFunc) Process(ctx context.Context, env Env, rec *kgo.Record, forward Forward) error {
	return f(ctx, env, rec, forward)
}

// Node is a named vertex of the topology graph.
type Node interface {
	Name() string

	process(ctx context.Context, env Env, rec *kgo.Record) error
}

// SourceNode binds exactly one input topic and fans records out to its
// children. It performs no transformation itself.
type SourceNode struct {
	name     string
	topic    string
	children []Node
}

func (n *SourceNode) Name() string { return n.name }

// Topic returns the bound input topic.
func (n *SourceNode) Topic() string { return n.topic }

// Process drives one input record through the subgraph rooted at this
// source. This is the entry point the task execution loop calls.
func (n *SourceNode) Process(ctx context.Context, env Env, rec *kgo.Record) error {
	return n.process(ctx, env, rec)
}

func (n *SourceNode) process(ctx context.Context, env Env, rec *kgo.Record) error {
	for _, child := range n.children {
		if err := child.process(ctx, env, rec); err != nil {
			return fmt.Errorf("source %s: %w", n.name, err)
		}
	}
	return nil
}

// ProcessorNode wraps a Processor and forwards its output downstream.
type ProcessorNode struct {
	name     string
	proc     Processor
	children []Node
}

func (n *ProcessorNode) Name() string { return n.name }

func (n *ProcessorNode) process(ctx context.Context, env Env, rec *kgo.Record) error {
	forward := func(ctx context.Context, out *kgo.Record) error {
		for _, child := range n.children {
			if err := child.process(ctx, env, out); err != nil {
				return err
			}
		}
		return nil
	}

	if err := n.proc.Process(ctx, env, rec, forward); err != nil {
		return fmt.Errorf("processor %s: %w", n.name, err)
	}
	return nil
}

// SinkNode emits records to an output topic through the task's record
// collector. It is always a leaf.
type SinkNode struct {
	name  string
	topic string
}

func (n *SinkNode) Name() string { return n.name }

// Topic returns the bound output topic.
func (n *SinkNode) Topic() string { return n.topic }

func (n *SinkNode) process(ctx context.Context, env Env, rec *kgo.Record) error {
	if env.Collector == nil {
		return fmt.Errorf("sink %s: no collector in env", n.name)
	}

	out := *rec
	out.Topic = n.topic
	// Let the transport pick the partition for the output topic; the
	// input partition number is meaningless there.
	out.Partition = -1

	if err := env.Collector.Emit(ctx, &out); err != nil {
		return fmt.Errorf("sink %s: %w", n.name, err)
	}
	return nil
}

// root is a synthetic entry node whose children are all sources. It gives
// the graph a single owned entry point for reachability checks.
type root struct {
	children []Node
}

func (r *root) Name() string { return "__root__" }

func (r *root) process(ctx context.Context, env Env, rec *kgo.Record) error {
	for _, child := range r.children {
		if err := child.process(ctx, env, rec); err != nil {
			return err
		}
	}
	return nil
}
