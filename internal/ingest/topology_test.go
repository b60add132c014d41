// internal/ingest/topology_test.go
package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
	"github.com/deepfence/ThreatMapper-sub001/internal/graphstore"
)

// hostSnapshot builds a small estate: the internet reaches web-1 (aws)
// and web-2 (gcp), web-1 talks to db-1, db-1 talks back out, and a UI VM
// plus an unnamed pseudo node try to sneak in.
func hostSnapshot() schemas.TopologySnapshot {
	return schemas.TopologySnapshot{
		"in-theinternet;<pseudo>": {
			Label:     schemas.InternetLabel,
			Pseudo:    true,
			Adjacency: []string{"web-1;<host>", "web-2;<host>", "console;<host>"},
		},
		"unknown-pseudo;<pseudo>": {
			Label:     "Unmanaged",
			Pseudo:    true,
			Adjacency: []string{"web-1;<host>"},
		},
		"web-1;<host>": {
			Label:     "web-1",
			Adjacency: []string{"web-1;<host>", "db-1;<host>"},
			Metadata: []schemas.TopologyMetadata{
				{ID: "cloud_provider", Value: "aws"},
				{ID: "open_ports", Value: "80,443"},
			},
		},
		"web-2;<host>": {
			Label:     "web-2",
			Adjacency: []string{},
			Metadata: []schemas.TopologyMetadata{
				{ID: "cloud_provider", Value: "gcp"},
			},
		},
		"db-1;<host>": {
			Label:     "db-1",
			Adjacency: []string{"in-theinternet;<pseudo>"},
			Metadata: []schemas.TopologyMetadata{
				{ID: "cloud_provider", Value: "aws"},
			},
		},
		"console;<host>": {
			Label:    "console",
			Metadata: []schemas.TopologyMetadata{{ID: "is_ui_vm", Value: "true"}},
		},
	}
}

func TestSyncTopology(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pipeline, store := getTestPipeline(t)

	require.NoError(t, pipeline.SyncTopology(ctx, schemas.NodeTypeHost, hostSnapshot()))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)

	web1 := graphstore.Ref{Kind: schemas.KindResource, Key: "web-1"}
	db1 := graphstore.Ref{Kind: schemas.KindResource, Key: "db-1"}
	awsRoot := graphstore.Ref{Kind: schemas.KindResource, Key: schemas.InternetNodeID(schemas.ProviderAWS)}
	gcpRoot := graphstore.Ref{Kind: schemas.KindResource, Key: schemas.InternetNodeID(schemas.ProviderGCP)}

	t.Run("should upsert resources with provider and ports", func(t *testing.T) {
		t.Parallel()
		node, ok := snap.Nodes[web1]
		require.True(t, ok)
		assert.Equal(t, schemas.NodeTypeHost, node.StringAttr(schemas.AttrNodeType))
		assert.Equal(t, schemas.ProviderAWS, node.StringAttr(schemas.AttrCloudProvider))
		assert.Equal(t, "80,443", node.StringAttr("open_ports"))
	})

	t.Run("should exclude the UI VM entirely", func(t *testing.T) {
		t.Parallel()
		_, ok := snap.Nodes[graphstore.Ref{Kind: schemas.KindResource, Key: "console"}]
		assert.False(t, ok)
	})

	t.Run("should exclude pseudo nodes other than the internet", func(t *testing.T) {
		t.Parallel()
		_, ok := snap.Nodes[graphstore.Ref{Kind: schemas.KindResource, Key: "unknown-pseudo"}]
		assert.False(t, ok)
	})

	t.Run("should root each provider with its own ingress sentinel", func(t *testing.T) {
		t.Parallel()
		awsEdges := snap.EdgesFrom(awsRoot, schemas.EdgeConnected)
		require.Len(t, awsEdges, 1)
		assert.Equal(t, web1, awsEdges[0].To)

		gcpEdges := snap.EdgesFrom(gcpRoot, schemas.EdgeConnected)
		require.Len(t, gcpEdges, 1)
		assert.Equal(t, "web-2", gcpEdges[0].To.Key)

		root, ok := snap.Nodes[awsRoot]
		require.True(t, ok)
		depth, ok := root.IntAttr(schemas.AttrDepth)
		require.True(t, ok)
		assert.Equal(t, 0, depth)
		assert.Equal(t, NodeTypePseudo, root.StringAttr(schemas.AttrNodeType))
	})

	t.Run("should drop self adjacency and keep real traffic edges", func(t *testing.T) {
		t.Parallel()
		edges := snap.EdgesFrom(web1, schemas.EdgeConnected)
		require.Len(t, edges, 1, "Self adjacency must not become an edge")
		assert.Equal(t, db1, edges[0].To)
	})

	t.Run("should route outbound traffic to the egress sentinel", func(t *testing.T) {
		t.Parallel()
		edges := snap.EdgesFrom(db1, schemas.EdgeConnected)
		require.Len(t, edges, 1)
		assert.Equal(t, schemas.OutTheInternetID, edges[0].To.Key)
	})
}

func TestSyncTopologyContainment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	pipeline, store := getTestPipeline(t)

	containers := schemas.TopologySnapshot{
		"app-1;<container>": {
			Label:   "app-1",
			Parents: []schemas.TopologyParent{{TopologyID: "hosts", ID: "web-1;<host>"}},
			Metadata: []schemas.TopologyMetadata{
				{ID: "cloud_provider", Value: "aws"},
			},
		},
	}
	require.NoError(t, pipeline.SyncTopology(ctx, schemas.NodeTypeContainer, containers))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)

	host := graphstore.Ref{Kind: schemas.KindResource, Key: "web-1"}
	edges := snap.EdgesFrom(host, schemas.EdgeConnected)
	require.Len(t, edges, 1)
	assert.Equal(t, "app-1", edges[0].To.Key)
	assert.Equal(t, schemas.KindResource, edges[0].To.Kind)
}

func TestParseOpenPorts(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int{80, 443}, ParseOpenPorts("80,443"))
	assert.Equal(t, []int{22}, ParseOpenPorts(" 22 , nope"))
	assert.Nil(t, ParseOpenPorts(""))
}
