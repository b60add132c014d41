package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
	"github.com/deepfence/ThreatMapper-sub001/internal/graphstore"
)

// NodeTypePseudo marks the internet sentinels in the graph so rollup
// grouping can leave them out of the compressed view.
const NodeTypePseudo = "pseudo"

// SyncTopology mirrors one topology snapshot into the graph: resource
// nodes with their provider, CONNECTED traffic edges, and the
// per-provider internet sentinels. UI VMs and pseudo nodes other than
// "The Internet" never enter the graph.
func (p *Pipeline) SyncTopology(ctx context.Context, nodeType string, snap schemas.TopologySnapshot) error {
	refs := make(map[string]graphstore.Ref, len(snap))

	for scopedID, node := range snap {
		if node.IsUIVM() {
			continue
		}
		if node.Pseudo && !node.IsInternet() {
			continue
		}
		if node.IsInternet() {
			// Sentinels materialize per provider below, driven by the
			// resources they reach.
			continue
		}

		id, scopedType := schemas.SplitScopeID(scopedID)
		if id == "" {
			continue
		}
		if scopedType == "" {
			scopedType = nodeType
		}

		attrs := map[string]any{
			schemas.AttrNodeType:      scopedType,
			schemas.AttrCloudProvider: node.CloudProvider(),
		}
		if node.Label != "" {
			attrs["label"] = node.Label
		}
		if ports := node.Metadatum("open_ports"); ports != "" {
			attrs["open_ports"] = ports
		}

		ref, err := p.store.UpsertNode(ctx, schemas.KindResource, id, attrs)
		if err != nil {
			return fmt.Errorf("failed to upsert topology node %s: %w", id, err)
		}
		refs[scopedID] = ref

		// Containment counts as connectivity for rollup purposes: a
		// host reaches the containers and pods it runs.
		for _, parent := range node.Parents {
			parentID, _ := schemas.SplitScopeID(parent.ID)
			if parentID == "" || parentID == id {
				continue
			}
			parentRef, err := p.store.UpsertNode(ctx, schemas.KindResource, parentID, nil)
			if err != nil {
				return fmt.Errorf("failed to upsert parent %s: %w", parentID, err)
			}
			if err := p.store.UpsertEdge(ctx, schemas.EdgeConnected, parentRef, ref); err != nil {
				return fmt.Errorf("failed to link parent %s: %w", parentID, err)
			}
		}
	}

	for scopedID, node := range snap {
		if node.IsUIVM() {
			continue
		}

		if node.IsInternet() {
			if err := p.syncIngress(ctx, node, snap, refs); err != nil {
				return err
			}
			continue
		}
		from, ok := refs[scopedID]
		if !ok {
			continue
		}

		for _, adjID := range node.Adjacency {
			if adjID == scopedID {
				// Self adjacency carries no reachability information.
				continue
			}
			target, known := snap[adjID]
			if known && target.IsUIVM() {
				continue
			}
			if known && target.IsInternet() {
				if err := p.syncEgress(ctx, from); err != nil {
					return err
				}
				continue
			}
			to, ok := refs[adjID]
			if !ok {
				continue
			}
			if err := p.store.UpsertEdge(ctx, schemas.EdgeConnected, from, to); err != nil {
				return fmt.Errorf("failed to link %s: %w", adjID, err)
			}
		}
	}

	p.log.Debug("Topology synced",
		zap.String("node_type", nodeType),
		zap.Int("nodes", len(refs)))
	return nil
}

// syncIngress wires the per-provider ingress sentinel in front of every
// resource the internet node reaches. Each provider gets its own root so
// the provider subgraphs stay rooted for grouping.
func (p *Pipeline) syncIngress(ctx context.Context, internet schemas.TopologyNode, snap schemas.TopologySnapshot, refs map[string]graphstore.Ref) error {
	for _, adjID := range internet.Adjacency {
		target, ok := snap[adjID]
		if !ok || target.IsUIVM() || target.IsInternet() {
			continue
		}
		to, ok := refs[adjID]
		if !ok {
			continue
		}

		provider := target.CloudProvider()
		root, err := p.store.UpsertNode(ctx, schemas.KindResource, schemas.InternetNodeID(provider), map[string]any{
			schemas.AttrNodeType:      NodeTypePseudo,
			schemas.AttrCloudProvider: provider,
			schemas.AttrDepth:         0,
			"label":                   schemas.InternetLabel,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert ingress sentinel for %s: %w", provider, err)
		}
		if err := p.store.UpsertEdge(ctx, schemas.EdgeConnected, root, to); err != nil {
			return fmt.Errorf("failed to link ingress for %s: %w", adjID, err)
		}
	}
	return nil
}

// syncEgress records outbound reach into a single shared sentinel.
func (p *Pipeline) syncEgress(ctx context.Context, from graphstore.Ref) error {
	out, err := p.store.UpsertNode(ctx, schemas.KindResource, schemas.OutTheInternetID, map[string]any{
		schemas.AttrNodeType: NodeTypePseudo,
		"label":              schemas.InternetLabel,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert egress sentinel: %w", err)
	}
	if err := p.store.UpsertEdge(ctx, schemas.EdgeConnected, from, out); err != nil {
		return fmt.Errorf("failed to link egress: %w", err)
	}
	return nil
}

// ParseOpenPorts parses the comma separated open_ports metadata value
// ("80,443") into port numbers, dropping anything unparseable.
func ParseOpenPorts(value string) []int {
	if value == "" {
		return nil
	}
	var ports []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if port, err := strconv.Atoi(part); err == nil {
			ports = append(ports, port)
		}
	}
	return ports
}
