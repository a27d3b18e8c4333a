// Package topology models the directed graph of source, processor and sink
// nodes a task executes. A Topology is built once, immutable afterwards,
// and shared read-only by every task instance; all per-task state flows
// through Env at process time.
package topology

import (
	"slices"

	"golang.org/x/exp/maps"
)

type Topology struct {
	root *root

	sources    map[string]*SourceNode
	processors map[string]*ProcessorNode
	sinks      map[string]*SinkNode

	// Resolved once at build time so record routing is a map lookup, not
	// a per-call scan over the source set.
	byTopic map[string]*SourceNode
}

// Root returns the entry node of the graph.
func (t *Topology) Root() Node { return t.root }

// Sources returns the name→node mapping of source nodes.
func (t *Topology) Sources() map[string]*SourceNode { return t.sources }

// Processors returns the name→node mapping of processing nodes.
func (t *Topology) Processors() map[string]*ProcessorNode { return t.processors }

// Sinks returns the name→node mapping of sink nodes.
func (t *Topology) Sinks() map[string]*SinkNode { return t.sinks }

// SourceForTopic returns the source node bound to topic. Topic→source
// bindings are unique by construction, so the result is unambiguous.
func (t *Topology) SourceForTopic(topic string) (*SourceNode, bool) {
	src, ok := t.byTopic[topic]
	return src, ok
}

// SourceTopics returns the sorted set of all bound input topics.
func (t *Topology) SourceTopics() []string {
	topics := maps.Keys(t.byTopic)
	slices.Sort(topics)
	return topics
}
