// Package attackpath answers the on-demand question "how would an
// attacker reach this resource". It rebuilds a reachability graph from
// the cached topology snapshots, picks the target's worst current
// network-exploitable CVEs, and enumerates a bounded number of
// loop-free paths between the internet and the target.
package attackpath

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
	"github.com/deepfence/ThreatMapper-sub001/internal/cache"
	"github.com/deepfence/ThreatMapper-sub001/internal/graphstore"
	"github.com/deepfence/ThreatMapper-sub001/internal/ingest"
)

// topCveCount bounds how many CVEs are reported per target.
const topCveCount = 3

// networkAttackVector is the vector class reported in responses.
const networkAttackVector = "network"

// topologyKinds are the snapshot families merged into one reachability
// graph.
var topologyKinds = []string{
	schemas.NodeTypeHost,
	schemas.NodeTypeContainer,
	schemas.NodeTypeContainerImage,
	schemas.NodeTypePod,
}

// Graph is the merged reachability graph. Node ids are unscoped; the
// internet collapses to the two sentinels. Labels maps graph ids to
// the display names reported in paths.
type Graph struct {
	Adjacency map[string][]string
	Labels    map[string]string
}

// PathLabels translates a path of graph ids into display labels. Ids
// with no known label pass through unchanged.
func (g *Graph) PathLabels(path []string) []string {
	labels := make([]string, len(path))
	for i, id := range path {
		if l, ok := g.Labels[id]; ok {
			labels[i] = l
		} else {
			labels[i] = id
		}
	}
	return labels
}

// IsNetworkAttackVector reports whether a CVE's attack vector makes it
// exploitable over the network. Scanners report either CVSS vector
// strings ("AV:N/...") or plain classifications.
func IsNetworkAttackVector(vector string) bool {
	v := strings.ToLower(strings.TrimSpace(vector))
	if strings.Contains(v, "av:n") {
		return true
	}
	return v == networkAttackVector || v == "n"
}

// BuildGraph merges topology snapshots into one directed reachability
// graph. UI VMs and pseudo nodes other than the internet are dropped,
// as is self adjacency.
func BuildGraph(snapshots map[string]schemas.TopologySnapshot) *Graph {
	g := &Graph{
		Adjacency: make(map[string][]string),
		Labels: map[string]string{
			schemas.InTheInternetID:  schemas.InternetLabel,
			schemas.OutTheInternetID: schemas.InternetLabel,
		},
	}
	seen := make(map[[2]string]struct{})

	addEdge := func(from, to string) {
		if from == to {
			return
		}
		key := [2]string{from, to}
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		g.Adjacency[from] = append(g.Adjacency[from], to)
	}

	for _, snap := range snapshots {
		for scopedID, node := range snap {
			if node.IsUIVM() {
				continue
			}
			if node.Pseudo && !node.IsInternet() {
				continue
			}

			from := graphID(scopedID, node, false)
			if !node.IsInternet() && node.Label != "" {
				g.Labels[from] = node.Label
			}
			for _, adjID := range node.Adjacency {
				target, known := snap[adjID]
				if known && target.IsUIVM() {
					continue
				}
				if known && target.Pseudo && !target.IsInternet() {
					continue
				}
				addEdge(from, graphID(adjID, target, true))
			}
		}
	}
	return g
}

// graphID normalizes a scoped topology id: internet nodes collapse to
// the ingress sentinel as a source and the egress sentinel as a sink.
func graphID(scopedID string, node schemas.TopologyNode, asSink bool) string {
	if node.IsInternet() {
		if asSink {
			return schemas.OutTheInternetID
		}
		return schemas.InTheInternetID
	}
	id, _ := schemas.SplitScopeID(scopedID)
	return id
}

// Finder serves attack-path lookups.
type Finder struct {
	store graphstore.Store
	cache *cache.Client
	topN  int
	log   *zap.Logger
}

// NewFinder creates a Finder. topN bounds the number of paths returned.
func NewFinder(store graphstore.Store, cacheClient *cache.Client, topN int, logger *zap.Logger) *Finder {
	if topN < 1 {
		topN = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{
		store: store,
		cache: cacheClient,
		topN:  topN,
		log:   logger.Named("attackpath"),
	}
}

// AttackPath computes the attack surface answer for one resource.
// Unknown resources and resources without a current vulnerability scan
// yield the zero response. A scanned resource always gets the full
// answer: the CVE list is empty when nothing is network exploitable,
// and the path list is empty when the internet cannot reach it.
func (f *Finder) AttackPath(ctx context.Context, nodeID string) (schemas.AttackPathResponse, error) {
	var resp schemas.AttackPathResponse

	snap, err := f.store.Snapshot(ctx)
	if err != nil {
		return resp, fmt.Errorf("failed to snapshot graph: %w", err)
	}

	target := graphstore.Ref{Kind: schemas.KindResource, Key: nodeID}
	node, ok := snap.Nodes[target]
	if !ok {
		return resp, nil
	}

	cveIDs, scanned := topNetworkCves(snap, target)
	if !scanned {
		return resp, nil
	}

	paths, err := f.findPaths(ctx, nodeID)
	if err != nil {
		return resp, err
	}

	resp.AttackVector = networkAttackVector
	resp.AttackPath = paths
	resp.CveIDs = cveIDs
	resp.Ports = ingest.ParseOpenPorts(node.StringAttr("open_ports"))
	return resp, nil
}

// findPaths enumerates paths between the internet and the target over
// the cached topology, reported as display labels. Inbound reachability
// outranks outbound: only when nothing reaches the target from the
// internet do the outbound paths count.
func (f *Finder) findPaths(ctx context.Context, nodeID string) ([][]string, error) {
	snapshots := make(map[string]schemas.TopologySnapshot, len(topologyKinds))
	for _, kind := range topologyKinds {
		snap, err := f.cache.Topology(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s topology: %w", kind, err)
		}
		if len(snap) > 0 {
			snapshots[kind] = snap
		}
	}

	g := BuildGraph(snapshots)

	paths := KShortestPaths(g.Adjacency, schemas.InTheInternetID, nodeID, f.topN)
	if len(paths) == 0 {
		paths = KShortestPaths(g.Adjacency, nodeID, schemas.OutTheInternetID, f.topN)
		if len(paths) > 0 {
			f.log.Debug("Falling back to outbound paths", zap.String("node_id", nodeID))
		}
	}

	labeled := make([][]string, 0, len(paths))
	for _, p := range paths {
		labeled = append(labeled, g.PathLabels(p))
	}
	return labeled, nil
}

// topNetworkCves returns the target's current-scan network-exploitable
// CVE ids, worst first by CVSS, capped at topCveCount. The second
// return reports whether a current scan with CVE findings exists at
// all; when it does, an empty id list means none were network vector.
func topNetworkCves(snap *graphstore.Snapshot, target graphstore.Ref) ([]string, bool) {
	scan, ok := snap.LatestScan(target, schemas.KindCveScan)
	if !ok {
		return nil, false
	}

	var cves []graphstore.Node
	found := false
	for _, finding := range snap.FindingsOf(scan.Ref()) {
		if finding.Kind != schemas.KindCve {
			continue
		}
		found = true
		if !IsNetworkAttackVector(finding.StringAttr(schemas.AttrAttackVector)) {
			continue
		}
		cves = append(cves, finding)
	}
	if !found {
		return nil, false
	}

	// Key order is not stable in the snapshot, so fix it before the
	// stable severity sort.
	sort.Slice(cves, func(i, j int) bool { return cves[i].Key < cves[j].Key })
	sort.SliceStable(cves, func(i, j int) bool {
		return cves[i].FloatAttr(schemas.AttrCvssScore) > cves[j].FloatAttr(schemas.AttrCvssScore)
	})

	ids := make([]string, 0, topCveCount)
	for _, cve := range cves {
		ids = append(ids, cve.Key)
		if len(ids) == topCveCount {
			break
		}
	}
	return ids, true
}
