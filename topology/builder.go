package topology

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName      = errors.New("topology: duplicate node name")
	ErrDuplicateTopicBind = errors.New("topology: topic already bound to a source")
	ErrUnknownParent      = errors.New("topology: unknown parent node")
	ErrUnreachableNode    = errors.New("topology: node not reachable from any source")
	ErrNoSources          = errors.New("topology: at least one source is required")
)

type processorDef struct {
	name    string
	proc    Processor
	parents []string
}

type sinkDef struct {
	name    string
	topic   string
	parents []string
}

// Builder accumulates node definitions and materializes an immutable
// Topology. Errors are collected and reported by Build, so Add* calls
// chain without per-call error handling.
type Builder struct {
	sources    map[string]string // name -> topic
	processors map[string]*processorDef
	sinks      map[string]*sinkDef

	// Insertion order of processor/sink definitions. Child lists are
	// built in this order so forwarding is deterministic.
	order []string

	errs []error
}

func NewBuilder() *Builder {
	return &Builder{
		sources:    map[string]string{},
		processors: map[string]*processorDef{},
		sinks:      map[string]*sinkDef{},
	}
}

// AddSource declares a source node bound to exactly one input topic.
func (b *Builder) AddSource(name, topic string) *Builder {
	if b.taken(name) {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateName, name))
		return b
	}
	if topic == "" {
		b.errs = append(b.errs, fmt.Errorf("topology: source %s: empty topic", name))
		return b
	}
	for src, t := range b.sources {
		if t == topic {
			b.errs = append(b.errs, fmt.Errorf("%w: %s (sources %s, %s)", ErrDuplicateTopicBind, topic, src, name))
			return b
		}
	}
	b.sources[name] = topic
	return b
}

// AddProcessor declares a processing node downstream of the given parents.
func (b *Builder) AddProcessor(name string, proc Processor, parents ...string) *Builder {
	if b.taken(name) {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateName, name))
		return b
	}
	if proc == nil {
		b.errs = append(b.errs, fmt.Errorf("topology: processor %s: nil processor", name))
		return b
	}
	b.processors[name] = &processorDef{name: name, proc: proc, parents: parents}
	b.order = append(b.order, name)
	return b
}

// AddSink declares a sink node writing to the given output topic.
func (b *Builder) AddSink(name, topic string, parents ...string) *Builder {
	if b.taken(name) {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateName, name))
		return b
	}
	if topic == "" {
		b.errs = append(b.errs, fmt.Errorf("topology: sink %s: empty topic", name))
		return b
	}
	b.sinks[name] = &sinkDef{name: name, topic: topic, parents: parents}
	b.order = append(b.order, name)
	return b
}

func (b *Builder) taken(name string) bool {
	if _, ok := b.sources[name]; ok {
		return true
	}
	if _, ok := b.processors[name]; ok {
		return true
	}
	_, ok := b.sinks[name]
	return ok
}

// Build validates the accumulated definitions and returns the immutable
// graph. After Build the Builder must not be reused.
func (b *Builder) Build() (*Topology, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if len(b.sources) == 0 {
		return nil, ErrNoSources
	}

	t := &Topology{
		root:       &root{},
		sources:    make(map[string]*SourceNode, len(b.sources)),
		processors: make(map[string]*ProcessorNode, len(b.processors)),
		sinks:      make(map[string]*SinkNode, len(b.sinks)),
		byTopic:    make(map[string]*SourceNode, len(b.sources)),
	}

	for name, topic := range b.sources {
		src := &SourceNode{name: name, topic: topic}
		t.sources[name] = src
		t.byTopic[topic] = src
	}
	for name, def := range b.processors {
		t.processors[name] = &ProcessorNode{name: name, proc: def.proc}
	}
	for name, def := range b.sinks {
		t.sinks[name] = &SinkNode{name: name, topic: def.topic}
	}

	// Wire child edges in declaration order.
	var errs []error
	for _, name := range b.order {
		var node Node
		var parents []string
		if def, ok := b.processors[name]; ok {
			node = t.processors[name]
			parents = def.parents
		} else {
			node = t.sinks[name]
			parents = b.sinks[name].parents
		}

		for _, parent := range parents {
			if src, ok := t.sources[parent]; ok {
				src.children = append(src.children, node)
			} else if proc, ok := t.processors[parent]; ok {
				proc.children = append(proc.children, node)
			} else {
				errs = append(errs, fmt.Errorf("%w: %s (child %s)", ErrUnknownParent, parent, name))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	for _, src := range t.sources {
		t.root.children = append(t.root.children, src)
	}

	if err := t.validateReachable(); err != nil {
		return nil, err
	}

	return t, nil
}

// validateReachable checks that every processor and sink is reachable from
// the root via child edges.
func (t *Topology) validateReachable() error {
	reached := map[string]bool{}

	var visit func(n Node)
	visit = func(n Node) {
		if reached[n.Name()] {
			return
		}
		reached[n.Name()] = true
		switch v := n.(type) {
		case *root:
			for _, c := range v.children {
				visit(c)
			}
		case *SourceNode:
			for _, c := range v.children {
				visit(c)
			}
		case *ProcessorNode:
			for _, c := range v.children {
				visit(c)
			}
		}
	}
	visit(t.root)

	var errs []error
	for name := range t.processors {
		if !reached[name] {
			errs = append(errs, fmt.Errorf("%w: processor %s", ErrUnreachableNode, name))
		}
	}
	for name := range t.sinks {
		if !reached[name] {
			errs = append(errs, fmt.Errorf("%w: sink %s", ErrUnreachableNode, name))
		}
	}
	return errors.Join(errs...)
}
