package graphstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
)

// Memory provides a fast, in-process implementation of the Store
// interface. It is the primary backend: the aggregator snapshots it,
// the ingestion pipeline writes through it.
type Memory struct {
	nodes map[Ref]*Node
	edges map[Edge]struct{}
	out   map[Ref][]Edge
	mu    sync.RWMutex
	log   *zap.Logger
}

// Ensures Memory implements the Store interface at compile time.
var _ Store = (*Memory)(nil)

// NewMemory creates a new, empty in-memory graph store.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		nodes: make(map[Ref]*Node),
		edges: make(map[Edge]struct{}),
		out:   make(map[Ref][]Edge),
		log:   logger.Named("graphstore"),
	}
}

// UpsertNode merges attrs into the node identified by (kind, key). The
// write lock serializes racing upserts on the same natural key so
// concurrent ingestion cannot lose attribute updates.
func (m *Memory) UpsertNode(ctx context.Context, kind schemas.NodeKind, key string, attrs map[string]any) (Ref, error) {
	ref := Ref{Kind: kind, Key: key}
	if ref.IsZero() {
		return Ref{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	node, ok := m.nodes[ref]
	if !ok {
		node = &Node{Kind: kind, Key: key, Attrs: make(map[string]any), CreatedAt: now}
		m.nodes[ref] = node
	}
	for k, v := range attrs {
		node.Attrs[k] = v
	}
	node.LastSeen = now

	m.log.Debug("Node upserted", zap.String("kind", string(kind)), zap.String("key", key))
	return ref, nil
}

// UpsertEdge records a directed edge between two existing or future
// nodes. Duplicate edges collapse onto the same (kind, from, to) triple.
func (m *Memory) UpsertEdge(ctx context.Context, kind schemas.EdgeKind, from, to Ref) error {
	if kind == "" || from.IsZero() || to.IsZero() {
		return nil
	}
	edge := Edge{Kind: kind, From: from, To: to}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.edges[edge]; exists {
		return nil
	}
	m.edges[edge] = struct{}{}
	m.out[from] = append(m.out[from], edge)
	return nil
}

// DeleteSelfEdges removes edges whose source and destination coincide.
func (m *Memory) DeleteSelfEdges(ctx context.Context, kind schemas.EdgeKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for edge := range m.edges {
		if edge.Kind != kind || edge.From != edge.To {
			continue
		}
		delete(m.edges, edge)
		m.removeFromOut(edge)
		removed++
	}
	if removed > 0 {
		m.log.Debug("Self edges pruned", zap.Int("count", removed), zap.String("kind", string(kind)))
	}
	return removed, nil
}

// removeFromOut drops an edge from its source node's outgoing list.
// Assumes the caller holds the write lock.
func (m *Memory) removeFromOut(edge Edge) {
	edges := m.out[edge.From]
	for i, e := range edges {
		if e == edge {
			edges[i] = edges[len(edges)-1]
			m.out[edge.From] = edges[:len(edges)-1]
			return
		}
	}
}

// Snapshot returns a deep copy of the graph taken under the read lock.
func (m *Memory) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		Nodes: make(map[Ref]Node, len(m.nodes)),
		Out:   make(map[Ref][]Edge, len(m.out)),
	}
	for ref, node := range m.nodes {
		copied := *node
		copied.Attrs = make(map[string]any, len(node.Attrs))
		for k, v := range node.Attrs {
			copied.Attrs[k] = v
		}
		snap.Nodes[ref] = copied
	}
	for ref, edges := range m.out {
		snap.Out[ref] = append([]Edge(nil), edges...)
	}
	return snap, nil
}
