// Package aggregator is the periodic rollup job. Each run prunes self
// loops, snapshots the graph, counts current-scan findings per
// resource, propagates totals along traffic edges, compresses the
// estate into (type, depth, provider) groups, and swaps the rendered
// documents into the cache. Runs are serialized across instances with a
// Redis lease.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
	"github.com/deepfence/ThreatMapper-sub001/internal/cache"
	"github.com/deepfence/ThreatMapper-sub001/internal/config"
	"github.com/deepfence/ThreatMapper-sub001/internal/graphstore"
)

// tally is a per-resource finding count triple.
type tally struct {
	Cve        int
	Secrets    int
	Compliance int
}

func (t tally) total() int {
	return t.Cve + t.Secrets + t.Compliance
}

func (t *tally) add(o tally) {
	t.Cve += o.Cve
	t.Secrets += o.Secrets
	t.Compliance += o.Compliance
}

// Aggregator runs the rollup and publishes the rendered documents.
type Aggregator struct {
	store graphstore.Store
	cache *cache.Client
	cfg   config.AggregatorConfig
	log   *zap.Logger
}

// New creates an aggregator.
func New(store graphstore.Store, cacheClient *cache.Client, cfg config.AggregatorConfig, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store: store,
		cache: cacheClient,
		cfg:   cfg,
		log:   logger.Named("aggregator"),
	}
}

// Run executes one full rollup pass and publishes the results.
func (a *Aggregator) Run(ctx context.Context) error {
	started := time.Now()

	removed, err := a.store.DeleteSelfEdges(ctx, schemas.EdgeConnected)
	if err != nil {
		return fmt.Errorf("failed to prune self edges: %w", err)
	}
	if removed > 0 {
		a.log.Info("Pruned self edges", zap.Int("count", removed))
	}

	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot graph: %w", err)
	}

	num, err := a.currentCounts(ctx, snap)
	if err != nil {
		return err
	}
	sum := a.propagate(snap, num)
	if err := a.persistSums(ctx, sum); err != nil {
		return err
	}

	depth := assignDepths(snap)
	if err := a.persistDepths(ctx, depth); err != nil {
		return err
	}

	result := render(snap, num, sum, depth, a.log)

	if err := a.publish(ctx, result); err != nil {
		return err
	}

	a.log.Info("Rollup complete",
		zap.Int("resources", len(num)),
		zap.Duration("took", time.Since(started)))
	return nil
}

// currentCounts computes, for every resource, the distinct finding
// count of its latest scan per scan family, and persists the counts on
// the node. Resources whose older scans found more keep only the
// current numbers.
func (a *Aggregator) currentCounts(ctx context.Context, snap *graphstore.Snapshot) (map[graphstore.Ref]tally, error) {
	counts := make(map[graphstore.Ref]tally)
	for _, node := range snap.NodesByKind(schemas.KindResource) {
		ref := node.Ref()
		var t tally
		if scan, ok := snap.LatestScan(ref, schemas.KindCveScan); ok {
			t.Cve = len(snap.FindingsOf(scan.Ref()))
		}
		if scan, ok := snap.LatestScan(ref, schemas.KindSecretScan); ok {
			t.Secrets = len(snap.FindingsOf(scan.Ref()))
		}
		if scan, ok := snap.LatestScan(ref, schemas.KindComplianceScan); ok {
			t.Compliance = len(snap.FindingsOf(scan.Ref()))
		}
		counts[ref] = t

		_, err := a.store.UpsertNode(ctx, ref.Kind, ref.Key, map[string]any{
			schemas.AttrNumCve:        t.Cve,
			schemas.AttrNumSecrets:    t.Secrets,
			schemas.AttrNumCompliance: t.Compliance,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to persist counts for %s: %w", ref.Key, err)
		}
	}
	return counts, nil
}

// propagate rolls child totals into their upstream nodes. Every pass
// recomputes each node's sum as its own count plus the current sums of
// the nodes it connects to, so one pass covers one hop of containment
// and the configured pass count bounds the chain.
func (a *Aggregator) propagate(snap *graphstore.Snapshot, num map[graphstore.Ref]tally) map[graphstore.Ref]tally {
	passes := a.cfg.PropagationPasses
	if passes < 1 {
		passes = 1
	}

	cur := make(map[graphstore.Ref]tally, len(num))
	for ref, t := range num {
		cur[ref] = t
	}

	for i := 0; i < passes; i++ {
		next := make(map[graphstore.Ref]tally, len(num))
		for ref, t := range num {
			agg := t
			for _, e := range snap.EdgesFrom(ref, schemas.EdgeConnected) {
				if child, ok := cur[e.To]; ok {
					agg.add(child)
				}
			}
			next[ref] = agg
		}
		cur = next
	}
	return cur
}

func (a *Aggregator) persistSums(ctx context.Context, sum map[graphstore.Ref]tally) error {
	for ref, t := range sum {
		_, err := a.store.UpsertNode(ctx, ref.Kind, ref.Key, map[string]any{
			schemas.AttrSumCve:        t.Cve,
			schemas.AttrSumSecrets:    t.Secrets,
			schemas.AttrSumCompliance: t.Compliance,
		})
		if err != nil {
			return fmt.Errorf("failed to persist sums for %s: %w", ref.Key, err)
		}
	}
	return nil
}

// assignDepths walks CONNECTED edges breadth first from the per
// provider ingress sentinels. Depth is hop distance from the internet;
// unreachable resources get no depth and stay out of the compressed
// view.
func assignDepths(snap *graphstore.Snapshot) map[graphstore.Ref]int {
	depth := make(map[graphstore.Ref]int)
	var queue []graphstore.Ref

	for _, provider := range schemas.AllProviders {
		root := graphstore.Ref{Kind: schemas.KindResource, Key: schemas.InternetNodeID(provider)}
		if _, ok := snap.Nodes[root]; ok {
			depth[root] = 0
			queue = append(queue, root)
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range snap.EdgesFrom(cur, schemas.EdgeConnected) {
			if _, seen := depth[e.To]; seen {
				continue
			}
			if e.To.Kind != schemas.KindResource {
				continue
			}
			depth[e.To] = depth[cur] + 1
			queue = append(queue, e.To)
		}
	}
	return depth
}

func (a *Aggregator) persistDepths(ctx context.Context, depth map[graphstore.Ref]int) error {
	for ref, d := range depth {
		_, err := a.store.UpsertNode(ctx, ref.Kind, ref.Key, map[string]any{
			schemas.AttrDepth: d,
		})
		if err != nil {
			return fmt.Errorf("failed to persist depth for %s: %w", ref.Key, err)
		}
	}
	return nil
}

// publish swaps the rendered documents into the cache. The threat and
// attack documents fail independently so a cache hiccup on one does not
// take the other down with it.
func (a *Aggregator) publish(ctx context.Context, r renderResult) error {
	var firstErr error

	if err := a.cache.SetGraphDoc(ctx, cache.GraphThreat, r.ThreatDoc); err != nil {
		a.log.Error("Failed to publish threat graph", zap.Error(err))
		firstErr = err
	} else if err := a.cache.SetNodeDetails(ctx, cache.GraphThreat, r.ThreatDetails); err != nil {
		a.log.Error("Failed to publish threat graph details", zap.Error(err))
		firstErr = err
	}

	if err := a.cache.SetGraphDoc(ctx, cache.GraphAttack, r.AttackDoc); err != nil {
		a.log.Error("Failed to publish attack graph", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	} else if err := a.cache.SetNodeDetails(ctx, cache.GraphAttack, r.AttackDetails); err != nil {
		a.log.Error("Failed to publish attack graph details", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
