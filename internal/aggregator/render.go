package aggregator

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
	"github.com/deepfence/ThreatMapper-sub001/internal/graphstore"
	"github.com/deepfence/ThreatMapper-sub001/internal/ingest"
)

// renderResult carries the rendered documents of one rollup run.
type renderResult struct {
	ThreatDoc     schemas.ThreatGraphDoc
	ThreatDetails map[string]any
	AttackDoc     schemas.ThreatGraphDoc
	AttackDetails map[string]any
}

// groupKey compresses resources that are interchangeable for display:
// same type, same hop distance from the internet, same provider.
type groupKey struct {
	Provider string
	NodeType string
	Depth    int
}

func (k groupKey) id() string {
	return fmt.Sprintf("%s-%s-depth%d", k.Provider, k.NodeType, k.Depth)
}

// group is one compressed node with its members and rolled-up counts.
type group struct {
	Key     groupKey
	Members []graphstore.Ref
	Counts  tally
}

// render compresses the snapshot into per-provider group trees and
// renders the threat and attack documents. Each provider renders
// independently: a malformed provider subgraph is logged and dropped
// rather than failing the whole run.
func render(snap *graphstore.Snapshot, num, sum map[graphstore.Ref]tally, depth map[graphstore.Ref]int, log *zap.Logger) renderResult {
	groups := buildGroups(snap, num, depth)

	result := renderResult{
		ThreatDoc:     schemas.ThreatGraphDoc{},
		ThreatDetails: map[string]any{},
		AttackDoc:     schemas.ThreatGraphDoc{},
		AttackDetails: map[string]any{},
	}

	for _, provider := range schemas.AllProviders {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Provider rollup failed",
						zap.String("provider", provider),
						zap.Any("panic", r))
				}
			}()
			renderProvider(provider, snap, groups, num, depth, &result)
		}()
	}

	// The shared path root is addressable like any group.
	if len(result.ThreatDoc) > 0 {
		internet := internetDetail()
		result.ThreatDetails[schemas.InternetLabel] = internet
		if len(result.AttackDoc) > 0 {
			result.AttackDetails[schemas.InternetLabel] = internet
		}
	}

	// Every real resource gets a detail entry, grouped or not, so the
	// per-node endpoint can answer for resources outside the compressed
	// view.
	for _, node := range snap.NodesByKind(schemas.KindResource) {
		if node.StringAttr(schemas.AttrNodeType) == ingest.NodeTypePseudo {
			continue
		}
		summary := nodeSummary(node, num[node.Ref()])
		result.ThreatDetails[node.Key] = summary
		if num[node.Ref()].total() > 0 {
			result.AttackDetails[node.Key] = summary
		}
	}

	return result
}

// buildGroups buckets grouped resources by (provider, type, depth).
func buildGroups(snap *graphstore.Snapshot, num map[graphstore.Ref]tally, depth map[graphstore.Ref]int) map[groupKey]*group {
	groups := make(map[groupKey]*group)
	for _, node := range snap.NodesByKind(schemas.KindResource) {
		ref := node.Ref()
		d, ok := depth[ref]
		if !ok || d == 0 {
			continue
		}
		nodeType := node.StringAttr(schemas.AttrNodeType)
		if nodeType == "" || nodeType == ingest.NodeTypePseudo {
			continue
		}
		provider := node.StringAttr(schemas.AttrCloudProvider)
		if provider == "" {
			provider = schemas.ProviderPrivate
		}

		key := groupKey{Provider: provider, NodeType: nodeType, Depth: d}
		g, ok := groups[key]
		if !ok {
			g = &group{Key: key}
			groups[key] = g
		}
		g.Members = append(g.Members, ref)
		g.Counts.add(num[ref])
	}

	for _, g := range groups {
		sort.Slice(g.Members, func(i, j int) bool { return g.Members[i].Key < g.Members[j].Key })
	}
	return groups
}

// renderProvider walks one provider's group tree from its ingress root
// and appends the rendered rows to the documents.
func renderProvider(provider string, snap *graphstore.Snapshot, groups map[groupKey]*group, num map[graphstore.Ref]tally, depth map[graphstore.Ref]int, result *renderResult) {
	var providerGroups []*group
	for _, g := range groups {
		if g.Key.Provider == provider {
			providerGroups = append(providerGroups, g)
		}
	}
	if len(providerGroups) == 0 {
		return
	}
	sort.Slice(providerGroups, func(i, j int) bool {
		if providerGroups[i].Key.Depth != providerGroups[j].Key.Depth {
			return providerGroups[i].Key.Depth < providerGroups[j].Key.Depth
		}
		return providerGroups[i].Key.id() < providerGroups[j].Key.id()
	})

	paths := groupPaths(provider, snap, groups, depth)

	var threat, attack schemas.ProviderThreat
	for _, g := range providerGroups {
		id := g.Key.id()
		path, ok := paths[id]
		if !ok {
			path = []string{id}
		}

		entry := schemas.ResourceEntry{
			ID:                 id,
			Label:              g.Key.NodeType,
			NodeType:           g.Key.NodeType,
			Count:              len(g.Members),
			VulnerabilityCount: g.Counts.Cve,
			SecretsCount:       g.Counts.Secrets,
			ComplianceCount:    g.Counts.Compliance,
			AttackPath:         [][]string{path},
		}
		threat.Resources = append(threat.Resources, entry)
		threat.Count += entry.Count
		threat.VulnerabilityCount += entry.VulnerabilityCount
		threat.SecretsCount += entry.SecretsCount
		threat.ComplianceCount += entry.ComplianceCount

		detail := groupDetail(snap, g, num)
		result.ThreatDetails[id] = detail

		if g.Counts.total() > 0 {
			attack.Resources = append(attack.Resources, entry)
			attack.Count += entry.Count
			attack.VulnerabilityCount += entry.VulnerabilityCount
			attack.SecretsCount += entry.SecretsCount
			attack.ComplianceCount += entry.ComplianceCount
			result.AttackDetails[id] = detail
		}
	}

	result.ThreatDoc[provider] = threat
	if len(attack.Resources) > 0 {
		result.AttackDoc[provider] = attack
	}
}

// internetDetail is the node-detail record of the internet entry every
// provider's attack paths start from.
func internetDetail() schemas.GroupDetail {
	return schemas.GroupDetail{
		ID:       schemas.InternetLabel,
		Label:    schemas.InternetLabel,
		NodeType: ingest.NodeTypePseudo,
		Nodes:    map[string]schemas.NodeSummary{},
	}
}

// groupPaths walks the group adjacency breadth first from the
// provider's ingress root and returns, per group id, the chain of ids
// leading to it, rooted at the internet entry.
func groupPaths(provider string, snap *graphstore.Snapshot, groups map[groupKey]*group, depth map[graphstore.Ref]int) map[string][]string {
	memberGroup := make(map[graphstore.Ref]string)
	for _, g := range groups {
		for _, ref := range g.Members {
			memberGroup[ref] = g.Key.id()
		}
	}

	// Adjacency between groups of this provider, derived from member
	// traffic edges.
	adjacent := make(map[string]map[string]struct{})
	addAdj := func(from, to string) {
		if adjacent[from] == nil {
			adjacent[from] = make(map[string]struct{})
		}
		adjacent[from][to] = struct{}{}
	}

	root := graphstore.Ref{Kind: schemas.KindResource, Key: schemas.InternetNodeID(provider)}
	const rootID = "__root__"
	for _, e := range snap.EdgesFrom(root, schemas.EdgeConnected) {
		if gid, ok := memberGroup[e.To]; ok && groupOfID(groups, gid).Key.Provider == provider {
			addAdj(rootID, gid)
		}
	}
	for _, g := range groups {
		if g.Key.Provider != provider {
			continue
		}
		from := g.Key.id()
		for _, member := range g.Members {
			for _, e := range snap.EdgesFrom(member, schemas.EdgeConnected) {
				gid, ok := memberGroup[e.To]
				if !ok || gid == from {
					continue
				}
				if groupOfID(groups, gid).Key.Provider != provider {
					continue
				}
				addAdj(from, gid)
			}
		}
	}

	paths := make(map[string][]string)
	queue := []string{rootID}
	visited := map[string]struct{}{rootID: {}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		next := make([]string, 0, len(adjacent[cur]))
		for gid := range adjacent[cur] {
			next = append(next, gid)
		}
		sort.Strings(next)

		for _, gid := range next {
			if _, seen := visited[gid]; seen {
				continue
			}
			visited[gid] = struct{}{}
			if cur == rootID {
				paths[gid] = []string{schemas.InternetLabel, gid}
			} else {
				paths[gid] = append(append([]string{}, paths[cur]...), gid)
			}
			queue = append(queue, gid)
		}
	}
	return paths
}

func groupOfID(groups map[groupKey]*group, id string) *group {
	for _, g := range groups {
		if g.Key.id() == id {
			return g
		}
	}
	panic(fmt.Sprintf("unknown group id %s", id))
}

func groupDetail(snap *graphstore.Snapshot, g *group, num map[graphstore.Ref]tally) schemas.GroupDetail {
	detail := schemas.GroupDetail{
		ID:                 g.Key.id(),
		Label:              g.Key.NodeType,
		NodeType:           g.Key.NodeType,
		Count:              len(g.Members),
		VulnerabilityCount: g.Counts.Cve,
		SecretsCount:       g.Counts.Secrets,
		ComplianceCount:    g.Counts.Compliance,
		Nodes:              make(map[string]schemas.NodeSummary, len(g.Members)),
	}
	for _, ref := range g.Members {
		node, ok := snap.Nodes[ref]
		if !ok {
			continue
		}
		detail.Nodes[ref.Key] = nodeSummary(node, num[ref])
	}
	return detail
}

func nodeSummary(node graphstore.Node, t tally) schemas.NodeSummary {
	name := node.StringAttr("label")
	if name == "" {
		name = node.Key
	}
	return schemas.NodeSummary{
		NodeID:             node.Key,
		Name:               name,
		ImageName:          node.StringAttr("image_name"),
		NodeType:           node.StringAttr(schemas.AttrNodeType),
		VulnerabilityCount: t.Cve,
		SecretsCount:       t.Secrets,
		ComplianceCount:    t.Compliance,
	}
}
