package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
)

// DBPool abstracts the pgxpool.Pool so the Postgres backend can be
// exercised with pgxmock in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres provides a durable implementation of the Store interface.
// Attribute merges use a JSONB concatenation so the upsert semantics
// match the in-memory backend exactly.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres-backed store and verifies the
// connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, log: logger.Named("graphstore.postgres")}, nil
}

// EnsureSchema creates the graph tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS graph_nodes (
			kind       TEXT        NOT NULL,
			key        TEXT        NOT NULL,
			attrs      JSONB       NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			last_seen  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, key)
		);
		CREATE TABLE IF NOT EXISTS graph_edges (
			kind      TEXT NOT NULL,
			from_kind TEXT NOT NULL,
			from_key  TEXT NOT NULL,
			to_kind   TEXT NOT NULL,
			to_key    TEXT NOT NULL,
			PRIMARY KEY (kind, from_kind, from_key, to_kind, to_key)
		);`)
	if err != nil {
		return fmt.Errorf("failed to ensure graph schema: %w", err)
	}
	return nil
}

// UpsertNode merges attrs into the row identified by (kind, key).
func (p *Postgres) UpsertNode(ctx context.Context, kind schemas.NodeKind, key string, attrs map[string]any) (Ref, error) {
	ref := Ref{Kind: kind, Key: key}
	if ref.IsZero() {
		return Ref{}, nil
	}

	if attrs == nil {
		attrs = map[string]any{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to marshal node attrs: %w", err)
	}

	now := time.Now()
	_, err = p.pool.Exec(ctx, `
		INSERT INTO graph_nodes (kind, key, attrs, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (kind, key) DO UPDATE SET
			attrs = graph_nodes.attrs || EXCLUDED.attrs,
			last_seen = EXCLUDED.last_seen;
	`, string(kind), key, payload, now)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to upsert node %s/%s: %w", kind, key, err)
	}
	return ref, nil
}

// UpsertEdge records a directed edge; conflicts are silently merged.
func (p *Postgres) UpsertEdge(ctx context.Context, kind schemas.EdgeKind, from, to Ref) error {
	if kind == "" || from.IsZero() || to.IsZero() {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO graph_edges (kind, from_kind, from_key, to_kind, to_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING;
	`, string(kind), string(from.Kind), from.Key, string(to.Kind), to.Key)
	if err != nil {
		return fmt.Errorf("failed to upsert edge %s: %w", kind, err)
	}
	return nil
}

// DeleteSelfEdges removes edges whose endpoints coincide.
func (p *Postgres) DeleteSelfEdges(ctx context.Context, kind schemas.EdgeKind) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM graph_edges
		WHERE kind = $1 AND from_kind = to_kind AND from_key = to_key;
	`, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to delete self edges: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Snapshot loads the full graph into memory.
func (p *Postgres) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Nodes: make(map[Ref]Node),
		Out:   make(map[Ref][]Edge),
	}

	rows, err := p.pool.Query(ctx, `SELECT kind, key, attrs, created_at, last_seen FROM graph_nodes;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, key string
			payload   []byte
			node      Node
		)
		if err := rows.Scan(&kind, &key, &payload, &node.CreatedAt, &node.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		node.Kind = schemas.NodeKind(kind)
		node.Key = key
		if err := json.Unmarshal(payload, &node.Attrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attrs for %s/%s: %w", kind, key, err)
		}
		snap.Nodes[node.Ref()] = node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read node rows: %w", err)
	}

	edgeRows, err := p.pool.Query(ctx, `SELECT kind, from_kind, from_key, to_kind, to_key FROM graph_edges;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var kind, fromKind, fromKey, toKind, toKey string
		if err := edgeRows.Scan(&kind, &fromKind, &fromKey, &toKind, &toKey); err != nil {
			return nil, fmt.Errorf("failed to scan edge row: %w", err)
		}
		edge := Edge{
			Kind: schemas.EdgeKind(kind),
			From: Ref{Kind: schemas.NodeKind(fromKind), Key: fromKey},
			To:   Ref{Kind: schemas.NodeKind(toKind), Key: toKey},
		}
		snap.Out[edge.From] = append(snap.Out[edge.From], edge)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read edge rows: %w", err)
	}

	p.log.Debug("Graph snapshot loaded", zap.Int("nodes", len(snap.Nodes)))
	return snap, nil
}
