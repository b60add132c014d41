// Package graphstore holds the security-posture property graph:
// resource nodes, scan nodes, finding nodes, and the typed edges
// between them. All writes are idempotent upserts keyed by natural
// identity, so re-ingesting the same scan output merges instead of
// duplicating.
package graphstore

import (
	"context"
	"time"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
)

// Ref identifies a node by kind and natural key. Equality of Ref, not
// object identity, determines merge targets.
type Ref struct {
	Kind schemas.NodeKind
	Key  string
}

// IsZero reports whether the ref is unusable (empty kind or key).
// Upserts treat zero refs as no-ops so partially populated records
// cannot corrupt the graph.
func (r Ref) IsZero() bool {
	return r.Kind == "" || r.Key == ""
}

// Node is one vertex with its merged attribute bag.
type Node struct {
	Kind      schemas.NodeKind
	Key       string
	Attrs     map[string]any
	CreatedAt time.Time
	LastSeen  time.Time
}

// Ref returns the node's identity.
func (n Node) Ref() Ref {
	return Ref{Kind: n.Kind, Key: n.Key}
}

// StringAttr returns the named attribute as a string, or "".
func (n Node) StringAttr(key string) string {
	if s, ok := n.Attrs[key].(string); ok {
		return s
	}
	return ""
}

// IntAttr returns the named attribute as an int, tolerating the
// numeric widenings JSON round-trips introduce.
func (n Node) IntAttr(key string) (int, bool) {
	switch v := n.Attrs[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// FloatAttr returns the named attribute as a float64, or 0.
func (n Node) FloatAttr(key string) float64 {
	switch v := n.Attrs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// TimeAttr returns the named attribute as a time.Time, tolerating the
// RFC3339 strings a JSON round-trip produces.
func (n Node) TimeAttr(key string) time.Time {
	switch v := n.Attrs[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Edge is one directed, typed relationship. Edge identity is the
// (kind, from, to) triple; upserting the same triple twice is a no-op.
type Edge struct {
	Kind schemas.EdgeKind
	From Ref
	To   Ref
}

// Store is the graph contract shared by the in-memory and Postgres
// backends. Implementations serialize concurrent upserts to the same
// natural key.
type Store interface {
	// UpsertNode merges attrs into the node identified by (kind, key),
	// creating it if absent. Empty kind or key is a silent no-op that
	// returns a zero Ref.
	UpsertNode(ctx context.Context, kind schemas.NodeKind, key string, attrs map[string]any) (Ref, error)

	// UpsertEdge records a directed edge; duplicates are merged. Zero
	// endpoints are a silent no-op.
	UpsertEdge(ctx context.Context, kind schemas.EdgeKind, from, to Ref) error

	// DeleteSelfEdges removes every edge of the given kind whose source
	// and destination are the same node, returning how many went away.
	DeleteSelfEdges(ctx context.Context, kind schemas.EdgeKind) (int, error)

	// Snapshot returns a consistent copy of the whole graph. Batch
	// consumers work from the snapshot so concurrent ingestion lands in
	// the next run instead of a half-observed one.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot is an immutable copy of the graph taken at one instant.
type Snapshot struct {
	Nodes map[Ref]Node
	Out   map[Ref][]Edge
}

// NodesByKind returns all nodes of one kind, in unspecified order.
func (s *Snapshot) NodesByKind(kind schemas.NodeKind) []Node {
	var out []Node
	for ref, n := range s.Nodes {
		if ref.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// EdgesFrom returns the outgoing edges of the given kind from a node.
func (s *Snapshot) EdgesFrom(from Ref, kind schemas.EdgeKind) []Edge {
	var out []Edge
	for _, e := range s.Out[from] {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// EdgesByKind returns every edge of one kind in the snapshot.
func (s *Snapshot) EdgesByKind(kind schemas.EdgeKind) []Edge {
	var out []Edge
	for _, edges := range s.Out {
		for _, e := range edges {
			if e.Kind == kind {
				out = append(out, e)
			}
		}
	}
	return out
}

// LatestScan returns the SCANNED scan node of the given kind with the
// maximum timestamp for a resource. Only that scan is "current" for
// rollup purposes; older scans stay in the graph as history.
func (s *Snapshot) LatestScan(resource Ref, scanKind schemas.NodeKind) (Node, bool) {
	var latest Node
	found := false
	for _, e := range s.EdgesFrom(resource, schemas.EdgeScanned) {
		if e.To.Kind != scanKind {
			continue
		}
		scan, ok := s.Nodes[e.To]
		if !ok {
			continue
		}
		if !found || scan.TimeAttr(schemas.AttrTimestamp).After(latest.TimeAttr(schemas.AttrTimestamp)) {
			latest = scan
			found = true
		}
	}
	return latest, found
}

// FindingsOf returns the distinct finding nodes DETECTED by a scan.
func (s *Snapshot) FindingsOf(scan Ref) []Node {
	seen := make(map[Ref]struct{})
	var out []Node
	for _, e := range s.EdgesFrom(scan, schemas.EdgeDetected) {
		if _, dup := seen[e.To]; dup {
			continue
		}
		seen[e.To] = struct{}{}
		if n, ok := s.Nodes[e.To]; ok {
			out = append(out, n)
		}
	}
	return out
}
