// Package ingest turns raw scan findings and topology snapshots into
// graph writes. Records arrive as loose JSON, get classified into one
// of the three finding shapes, and land in the store as idempotent
// upserts, so replaying a batch is harmless.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/api/schemas"
	"github.com/deepfence/ThreatMapper-sub001/internal/graphstore"
)

// Pipeline writes classified finding records into the graph store.
type Pipeline struct {
	store graphstore.Store
	log   *zap.Logger
	// now is swappable for deterministic scan stamps in tests.
	now func() time.Time
}

// NewPipeline creates an ingestion pipeline on top of a graph store.
func NewPipeline(store graphstore.Store, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store: store,
		log:   logger.Named("ingest"),
		now:   time.Now,
	}
}

// Ingest classifies and applies one raw finding record.
func (p *Pipeline) Ingest(ctx context.Context, raw []byte) error {
	record, err := schemas.DecodeRecord(raw)
	if err != nil {
		return err
	}
	return p.Apply(ctx, record)
}

// IngestBatch applies a batch of raw records, skipping over individual
// failures so one malformed record cannot sink the rest of the batch.
// It returns how many records were applied.
func (p *Pipeline) IngestBatch(ctx context.Context, raws [][]byte) (int, error) {
	applied := 0
	for i, raw := range raws {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if err := p.Ingest(ctx, raw); err != nil {
			p.log.Warn("Skipping finding record",
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		applied++
	}
	p.log.Debug("Finding batch ingested",
		zap.Int("applied", applied),
		zap.Int("total", len(raws)))
	return applied, nil
}

// Apply writes one classified record into the graph: the owning
// resource, the scan it belongs to, the finding itself, and the edges
// tying them together.
func (p *Pipeline) Apply(ctx context.Context, record schemas.Record) error {
	resourceID := record.ResourceID()
	if resourceID == "" {
		return fmt.Errorf("finding record has no resource identity")
	}
	scanID := record.ScanID()
	if scanID == "" {
		return fmt.Errorf("finding record has no scan identity")
	}

	resource, err := p.upsertResource(ctx, record, resourceID)
	if err != nil {
		return err
	}

	scanKind := schemas.ScanKinds[record.ScanType()]
	scan, err := p.store.UpsertNode(ctx, scanKind, scanID, map[string]any{
		schemas.AttrTimestamp: p.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert scan %s: %w", scanID, err)
	}
	if err := p.store.UpsertEdge(ctx, schemas.EdgeScanned, resource, scan); err != nil {
		return fmt.Errorf("failed to link scan %s: %w", scanID, err)
	}

	switch record.Kind {
	case schemas.RecordVulnerability:
		return p.applyVulnerability(ctx, scan, record.Vulnerability)
	case schemas.RecordSecret:
		return p.applySecret(ctx, scan, record.Secret)
	case schemas.RecordCompliance:
		return p.applyCompliance(ctx, scan, record.Compliance)
	default:
		return fmt.Errorf("unknown record kind %q", record.Kind)
	}
}

func (p *Pipeline) upsertResource(ctx context.Context, record schemas.Record, resourceID string) (graphstore.Ref, error) {
	attrs := map[string]any{}

	// The scoped id suffix, when present, carries the resource type.
	var scoped string
	switch record.Kind {
	case schemas.RecordVulnerability:
		scoped = record.Vulnerability.NodeID
	case schemas.RecordSecret:
		scoped = record.Secret.NodeID
		if scoped == "" {
			scoped = record.Secret.NodeName
		}
	case schemas.RecordCompliance:
		scoped = record.Compliance.NodeID
	}
	if _, nodeType := schemas.SplitScopeID(scoped); nodeType != "" {
		attrs[schemas.AttrNodeType] = nodeType
	}

	ref, err := p.store.UpsertNode(ctx, schemas.KindResource, resourceID, attrs)
	if err != nil {
		return graphstore.Ref{}, fmt.Errorf("failed to upsert resource %s: %w", resourceID, err)
	}
	return ref, nil
}

func (p *Pipeline) applyVulnerability(ctx context.Context, scan graphstore.Ref, v *schemas.VulnerabilityRecord) error {
	if v.CveID == "" {
		return fmt.Errorf("vulnerability record has no cve_id")
	}
	cve, err := p.store.UpsertNode(ctx, schemas.KindCve, v.CveID, map[string]any{
		"cve_type":               v.CveType,
		"cve_severity":           v.CveSeverity,
		"cve_container_image":    v.CveContainerImage,
		"cve_caused_by_package":  v.CveCausedByPackage,
		"cve_link":               v.CveLink,
		"cve_description":        v.CveDescription,
		schemas.AttrAttackVector: v.CveAttackVector,
		schemas.AttrCvssScore:    v.CveCvssScore,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert cve %s: %w", v.CveID, err)
	}
	if err := p.store.UpsertEdge(ctx, schemas.EdgeDetected, scan, cve); err != nil {
		return fmt.Errorf("failed to link cve %s: %w", v.CveID, err)
	}
	return nil
}

func (p *Pipeline) applySecret(ctx context.Context, scan graphstore.Ref, s *schemas.SecretRecord) error {
	if s.Rule.Name == "" {
		return fmt.Errorf("secret record has no rule name")
	}

	// One rule matching the same spot in the same file is one secret,
	// however many scans rediscover it.
	secretKey := fmt.Sprintf("%s:%s:%d", s.Rule.Name, s.Match.FullFilename, s.Match.StartingIndex)
	secret, err := p.store.UpsertNode(ctx, schemas.KindSecret, secretKey, map[string]any{
		"full_filename":   s.Match.FullFilename,
		"matched_content": s.Match.MatchedContent,
		"starting_index":  s.Match.StartingIndex,
		"level":           s.Severity.Level,
		"score":           s.Severity.Score,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert secret %s: %w", secretKey, err)
	}

	rule, err := p.store.UpsertNode(ctx, schemas.KindRule, s.Rule.Name, map[string]any{
		"rule_id": s.Rule.ID,
		"part":    s.Rule.Part,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", s.Rule.Name, err)
	}

	if err := p.store.UpsertEdge(ctx, schemas.EdgeDetected, scan, secret); err != nil {
		return fmt.Errorf("failed to link secret %s: %w", secretKey, err)
	}
	if err := p.store.UpsertEdge(ctx, schemas.EdgeMatch, rule, secret); err != nil {
		return fmt.Errorf("failed to link rule %s: %w", s.Rule.Name, err)
	}
	return nil
}

func (p *Pipeline) applyCompliance(ctx context.Context, scan graphstore.Ref, c *schemas.ComplianceRecord) error {
	if c.Name == "" {
		return fmt.Errorf("compliance record has no name")
	}
	key := c.Name
	if c.Version != "" {
		key = c.Name + ":" + c.Version
	}
	attrs := map[string]any{
		"name":     c.Name,
		"version":  c.Version,
		"language": c.Language,
		"masked":   c.Masked,
	}
	if len(c.Licenses) > 0 {
		attrs["licenses"] = c.Licenses
	}
	if len(c.Locations) > 0 {
		paths := make([]string, 0, len(c.Locations))
		for _, loc := range c.Locations {
			paths = append(paths, loc.Path)
		}
		attrs["paths"] = paths
	}

	finding, err := p.store.UpsertNode(ctx, schemas.KindCompliance, key, attrs)
	if err != nil {
		return fmt.Errorf("failed to upsert compliance finding %s: %w", key, err)
	}
	if err := p.store.UpsertEdge(ctx, schemas.EdgeDetected, scan, finding); err != nil {
		return fmt.Errorf("failed to link compliance finding %s: %w", key, err)
	}
	return nil
}
