// internal/attackpath/attackpath_test.go
package attackpath

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
	"github.com/deepfence/ThreatMapper-sub001/internal/cache"
	"github.com/deepfence/ThreatMapper-sub001/internal/graphstore"
	"github.com/deepfence/ThreatMapper-sub001/internal/ingest"
)

var testLogger *zap.Logger

func TestMain(m *testing.M) {
	testLogger = zap.NewNop()
	os.Exit(m.Run())
}

func TestIsNetworkAttackVector(t *testing.T) {
	t.Parallel()

	cases := []struct {
		vector string
		want   bool
	}{
		{"AV:N/AC:L/PR:N", true},
		{"av:n", true},
		{"network", true},
		{"NETWORK", true},
		{"n", true},
		{"AV:L/AC:L", false},
		{"local", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsNetworkAttackVector(tc.vector), "vector %q", tc.vector)
	}
}

func TestKShortestPaths(t *testing.T) {
	t.Parallel()

	// Diamond with a longer detour:
	//   in -> a -> t
	//   in -> b -> t
	//   in -> a -> c -> t
	adj := map[string][]string{
		"in": {"a", "b"},
		"a":  {"t", "c"},
		"b":  {"t"},
		"c":  {"t"},
	}

	t.Run("should return paths shortest first", func(t *testing.T) {
		t.Parallel()
		paths := KShortestPaths(adj, "in", "t", 10)
		require.Len(t, paths, 3)
		assert.Equal(t, []string{"in", "a", "t"}, paths[0])
		assert.Equal(t, []string{"in", "b", "t"}, paths[1])
		assert.Equal(t, []string{"in", "a", "c", "t"}, paths[2])
	})

	t.Run("should honor the path bound", func(t *testing.T) {
		t.Parallel()
		paths := KShortestPaths(adj, "in", "t", 2)
		assert.Len(t, paths, 2)
	})

	t.Run("should return nil when unreachable", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, KShortestPaths(adj, "t", "in", 5))
	})

	t.Run("should never revisit a node within a path", func(t *testing.T) {
		t.Parallel()
		cyclic := map[string][]string{
			"in": {"a"},
			"a":  {"b"},
			"b":  {"a", "t"},
		}
		paths := KShortestPaths(cyclic, "in", "t", 5)
		require.NotEmpty(t, paths)
		for _, p := range paths {
			seen := map[string]bool{}
			for _, n := range p {
				assert.False(t, seen[n], "path %v revisits %s", p, n)
				seen[n] = true
			}
		}
	})
}

func TestBuildGraph(t *testing.T) {
	t.Parallel()

	snapshots := map[string]schemas.TopologySnapshot{
		schemas.NodeTypeHost: {
			"in-theinternet;<pseudo>": {
				Label:     schemas.InternetLabel,
				Pseudo:    true,
				Adjacency: []string{"web-1;<host>", "console;<host>"},
			},
			"web-1;<host>": {
				Label:     "web-1",
				Adjacency: []string{"web-1;<host>", "db-1;<host>", "in-theinternet;<pseudo>", "ghost;<pseudo>"},
			},
			"db-1;<host>": {Label: "db-1"},
			"console;<host>": {
				Label:    "console",
				Metadata: []schemas.TopologyMetadata{{ID: "is_ui_vm", Value: "true"}},
			},
			"ghost;<pseudo>": {Label: "Unmanaged", Pseudo: true},
		},
	}

	g := BuildGraph(snapshots)

	assert.ElementsMatch(t, []string{"web-1"}, g.Adjacency[schemas.InTheInternetID],
		"The UI VM must not be reachable")
	assert.ElementsMatch(t, []string{"db-1", schemas.OutTheInternetID}, g.Adjacency["web-1"],
		"Self adjacency and unnamed pseudo nodes are dropped, internet becomes the egress sink")

	assert.Equal(t, schemas.InternetLabel, g.Labels[schemas.InTheInternetID])
	assert.Equal(t, schemas.InternetLabel, g.Labels[schemas.OutTheInternetID])
	assert.Equal(t, "web-1", g.Labels["web-1"])
}

// -- Finder integration --

type finderFixture struct {
	store    *graphstore.Memory
	cache    *cache.Client
	pipeline *ingest.Pipeline
	finder   *Finder
}

func getTestFinder(t *testing.T, topN int) *finderFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := graphstore.NewMemory(testLogger)
	cacheClient := cache.NewWithClient(rdb, 30*time.Minute, "threatgraph:findings", testLogger)
	return &finderFixture{
		store:    store,
		cache:    cacheClient,
		pipeline: ingest.NewPipeline(store, testLogger),
		finder:   NewFinder(store, cacheClient, topN, testLogger),
	}
}

func seedFinder(t *testing.T, f *finderFixture) {
	t.Helper()
	ctx := context.Background()

	hosts := schemas.TopologySnapshot{
		"in-theinternet;<pseudo>": {
			Label:     schemas.InternetLabel,
			Pseudo:    true,
			Adjacency: []string{"web-1;<host>"},
		},
		"web-1;<host>": {
			Label:     "web-1",
			Adjacency: []string{"db-1;<host>"},
			Metadata: []schemas.TopologyMetadata{
				{ID: "cloud_provider", Value: "aws"},
				{ID: "open_ports", Value: "80,443"},
			},
		},
		"db-1;<host>": {
			Label:     "db-1",
			Adjacency: []string{"in-theinternet;<pseudo>"},
			Metadata:  []schemas.TopologyMetadata{{ID: "cloud_provider", Value: "aws"}},
		},
	}
	require.NoError(t, f.cache.SetTopology(ctx, schemas.NodeTypeHost, hosts))
	require.NoError(t, f.pipeline.SyncTopology(ctx, schemas.NodeTypeHost, hosts))

	records := [][]byte{
		[]byte(`{"node_id":"web-1;<host>","scan_id":"s1","cve_id":"CVE-NET-HIGH","cve_attack_vector":"AV:N/AC:L","cve_cvss_score":9.8}`),
		[]byte(`{"node_id":"web-1;<host>","scan_id":"s1","cve_id":"CVE-NET-MID","cve_attack_vector":"network","cve_cvss_score":7.5}`),
		[]byte(`{"node_id":"web-1;<host>","scan_id":"s1","cve_id":"CVE-NET-LOW","cve_attack_vector":"n","cve_cvss_score":4.0}`),
		[]byte(`{"node_id":"web-1;<host>","scan_id":"s1","cve_id":"CVE-NET-LOWEST","cve_attack_vector":"AV:N","cve_cvss_score":2.0}`),
		[]byte(`{"node_id":"web-1;<host>","scan_id":"s1","cve_id":"CVE-LOCAL","cve_attack_vector":"AV:L","cve_cvss_score":9.9}`),
		[]byte(`{"node_id":"db-1;<host>","scan_id":"s2","cve_id":"CVE-DB","cve_attack_vector":"AV:N","cve_cvss_score":8.0}`),
	}
	applied, err := f.pipeline.IngestBatch(ctx, records)
	require.NoError(t, err)
	require.Equal(t, len(records), applied)
}

func TestAttackPath(t *testing.T) {
	ctx := context.Background()

	t.Run("should return inbound path, ports, and worst network CVEs", func(t *testing.T) {
		f := getTestFinder(t, 5)
		seedFinder(t, f)

		resp, err := f.finder.AttackPath(ctx, "web-1")
		require.NoError(t, err)

		assert.Equal(t, "network", resp.AttackVector)
		require.NotEmpty(t, resp.AttackPath)
		assert.Equal(t, []string{schemas.InternetLabel, "web-1"}, resp.AttackPath[0])
		assert.Equal(t, []int{80, 443}, resp.Ports)
		assert.Equal(t, []string{"CVE-NET-HIGH", "CVE-NET-MID", "CVE-NET-LOW"}, resp.CveIDs,
			"Worst three network CVEs, local ones excluded")
	})

	t.Run("should prefer inbound paths over outbound", func(t *testing.T) {
		f := getTestFinder(t, 5)
		seedFinder(t, f)

		resp, err := f.finder.AttackPath(ctx, "db-1")
		require.NoError(t, err)
		require.NotEmpty(t, resp.AttackPath)
		assert.Equal(t, []string{schemas.InternetLabel, "web-1", "db-1"}, resp.AttackPath[0],
			"db-1 is reachable inbound through web-1 even though it also talks out")
	})

	t.Run("should bound the number of paths", func(t *testing.T) {
		f := getTestFinder(t, 1)
		seedFinder(t, f)

		resp, err := f.finder.AttackPath(ctx, "db-1")
		require.NoError(t, err)
		assert.Len(t, resp.AttackPath, 1)
	})

	t.Run("should return the zero response for an unknown resource", func(t *testing.T) {
		f := getTestFinder(t, 5)
		seedFinder(t, f)

		resp, err := f.finder.AttackPath(ctx, "nope")
		require.NoError(t, err)
		assert.Equal(t, schemas.AttackPathResponse{}, resp)
	})

	t.Run("should answer with an empty CVE list when only local CVEs exist", func(t *testing.T) {
		f := getTestFinder(t, 5)
		ctx := context.Background()
		_, err := f.pipeline.IngestBatch(ctx, [][]byte{
			[]byte(`{"node_id":"lonely;<host>","scan_id":"s9","cve_id":"CVE-L","cve_attack_vector":"AV:L","cve_cvss_score":9.0}`),
		})
		require.NoError(t, err)

		resp, err := f.finder.AttackPath(ctx, "lonely")
		require.NoError(t, err)
		assert.Equal(t, "network", resp.AttackVector, "A scanned resource gets a full answer")
		require.NotNil(t, resp.CveIDs)
		assert.Empty(t, resp.CveIDs)
		assert.Empty(t, resp.AttackPath)
	})

	t.Run("should report CVEs even when the internet cannot reach the target", func(t *testing.T) {
		f := getTestFinder(t, 5)
		ctx := context.Background()
		_, err := f.pipeline.IngestBatch(ctx, [][]byte{
			[]byte(`{"node_id":"island;<host>","scan_id":"s10","cve_id":"CVE-ISLAND","cve_attack_vector":"AV:N","cve_cvss_score":8.1}`),
		})
		require.NoError(t, err)

		resp, err := f.finder.AttackPath(ctx, "island")
		require.NoError(t, err)
		assert.Equal(t, "network", resp.AttackVector)
		assert.Equal(t, []string{"CVE-ISLAND"}, resp.CveIDs,
			"No topology means no path, but the vulnerability data still comes back")
		require.NotNil(t, resp.AttackPath)
		assert.Empty(t, resp.AttackPath)
	})

	t.Run("should report paths as display labels", func(t *testing.T) {
		f := getTestFinder(t, 5)
		ctx := context.Background()

		hosts := schemas.TopologySnapshot{
			"in-theinternet;<pseudo>": {
				Label:     schemas.InternetLabel,
				Pseudo:    true,
				Adjacency: []string{"ip-10-0-0-1;<host>"},
			},
			"ip-10-0-0-1;<host>": {
				Label:    "prod-web-server",
				Metadata: []schemas.TopologyMetadata{{ID: "cloud_provider", Value: "aws"}},
			},
		}
		require.NoError(t, f.cache.SetTopology(ctx, schemas.NodeTypeHost, hosts))
		require.NoError(t, f.pipeline.SyncTopology(ctx, schemas.NodeTypeHost, hosts))
		_, err := f.pipeline.IngestBatch(ctx, [][]byte{
			[]byte(`{"node_id":"ip-10-0-0-1;<host>","scan_id":"s11","cve_id":"CVE-WEB","cve_attack_vector":"AV:N","cve_cvss_score":7.2}`),
		})
		require.NoError(t, err)

		resp, err := f.finder.AttackPath(ctx, "ip-10-0-0-1")
		require.NoError(t, err)
		require.NotEmpty(t, resp.AttackPath)
		assert.Equal(t, []string{schemas.InternetLabel, "prod-web-server"}, resp.AttackPath[0],
			"Path elements are labels, not node ids")
	})

	t.Run("should only consider the latest scan", func(t *testing.T) {
		f := getTestFinder(t, 5)
		seedFinder(t, f)

		// A newer scan of web-1 with a single finding supersedes s1.
		time.Sleep(5 * time.Millisecond)
		_, err := f.pipeline.IngestBatch(context.Background(), [][]byte{
			[]byte(`{"node_id":"web-1;<host>","scan_id":"s1b","cve_id":"CVE-FRESH","cve_attack_vector":"AV:N","cve_cvss_score":5.0}`),
		})
		require.NoError(t, err)

		resp, err := f.finder.AttackPath(ctx, "web-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"CVE-FRESH"}, resp.CveIDs)
	})
}
