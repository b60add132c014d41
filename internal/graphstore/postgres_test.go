// internal/graphstore/postgres_test.go
package graphstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyTime accepts any value (used for timestamps we can't predict exactly).
var anyTime = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

const (
	sqlUpsertNode = `
		INSERT INTO graph_nodes (kind, key, attrs, created_at, last_seen)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (kind, key) DO UPDATE SET
			attrs = graph_nodes.attrs || EXCLUDED.attrs,
			last_seen = EXCLUDED.last_seen;
	`
	sqlUpsertEdge = `
		INSERT INTO graph_edges (kind, from_kind, from_key, to_kind, to_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING;
	`
	sqlDeleteSelfEdges = `
		DELETE FROM graph_edges
		WHERE kind = $1 AND from_kind = to_kind AND from_key = to_key;
	`
)

func newMockedStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := NewPostgres(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return store, mockPool
}

func TestNewPostgres(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgres(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresUpsertNode(t *testing.T) {
	ctx := context.Background()

	t.Run("should upsert with merged JSONB attrs", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertNode)).
			WithArgs(
				string(schemas.KindCve),
				"CVE-2023-0001",
				[]byte(`{"cve_cvss_score":9.8}`),
				anyTime,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		ref, err := store.UpsertNode(ctx, schemas.KindCve, "CVE-2023-0001", map[string]any{
			schemas.AttrCvssScore: 9.8,
		})
		require.NoError(t, err)
		assert.Equal(t, Ref{Kind: schemas.KindCve, Key: "CVE-2023-0001"}, ref)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should be a no-op for a zero ref", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		ref, err := store.UpsertNode(ctx, schemas.KindCve, "", nil)
		require.NoError(t, err)
		assert.True(t, ref.IsZero())
		assert.NoError(t, mockPool.ExpectationsWereMet(), "No SQL should run for a zero ref")
	})

	t.Run("should propagate exec failure", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		execErr := errors.New("write failed")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertNode)).
			WithArgs(string(schemas.KindResource), "host-1", []byte(`{}`), anyTime).
			WillReturnError(execErr)

		_, err := store.UpsertNode(ctx, schemas.KindResource, "host-1", map[string]any{})
		require.Error(t, err)
		assert.ErrorIs(t, err, execErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresUpsertEdge(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert the edge triple", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertEdge)).
			WithArgs(
				string(schemas.EdgeScanned),
				string(schemas.KindResource), "host-1",
				string(schemas.KindCveScan), "scan-1",
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := store.UpsertEdge(ctx, schemas.EdgeScanned,
			Ref{Kind: schemas.KindResource, Key: "host-1"},
			Ref{Kind: schemas.KindCveScan, Key: "scan-1"})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should be a no-op for zero endpoints", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		err := store.UpsertEdge(ctx, schemas.EdgeScanned, Ref{}, Ref{Kind: schemas.KindCveScan, Key: "s"})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresDeleteSelfEdges(t *testing.T) {
	ctx := context.Background()
	store, mockPool := newMockedStore(t)

	mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteSelfEdges)).
		WithArgs(string(schemas.EdgeConnected)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	removed, err := store.DeleteSelfEdges(ctx, schemas.EdgeConnected)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("should load nodes and edges into a snapshot", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		now := time.Now().UTC()
		nodeRows := pgxmock.NewRows([]string{"kind", "key", "attrs", "created_at", "last_seen"}).
			AddRow(string(schemas.KindResource), "host-1", []byte(`{"node_type":"host"}`), now, now).
			AddRow(string(schemas.KindCveScan), "scan-1", []byte(`{}`), now, now)
		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT kind, key, attrs, created_at, last_seen FROM graph_nodes;`)).
			WillReturnRows(nodeRows)

		edgeRows := pgxmock.NewRows([]string{"kind", "from_kind", "from_key", "to_kind", "to_key"}).
			AddRow(string(schemas.EdgeScanned), string(schemas.KindResource), "host-1", string(schemas.KindCveScan), "scan-1")
		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT kind, from_kind, from_key, to_kind, to_key FROM graph_edges;`)).
			WillReturnRows(edgeRows)

		snap, err := store.Snapshot(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Nodes, 2)

		host := Ref{Kind: schemas.KindResource, Key: "host-1"}
		assert.Equal(t, schemas.NodeTypeHost, snap.Nodes[host].StringAttr(schemas.AttrNodeType))
		require.Len(t, snap.EdgesFrom(host, schemas.EdgeScanned), 1)
		assert.Equal(t, "scan-1", snap.EdgesFrom(host, schemas.EdgeScanned)[0].To.Key)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query failure", func(t *testing.T) {
		store, mockPool := newMockedStore(t)

		queryErr := errors.New("select failed")
		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT kind, key, attrs, created_at, last_seen FROM graph_nodes;`)).
			WillReturnError(queryErr)

		_, err := store.Snapshot(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, queryErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
