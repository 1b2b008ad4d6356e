package pipeline

import (
	"context"
	"fmt"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/ai"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

// Deduper is the offline, model-assisted pass that folds different surface
// forms of the same identity into one canonical entity. It is deliberately
// conservative: groups below the confidence floor are logged and skipped,
// and every applied merge carries the model's reasoning for audit.
type Deduper struct {
	entities   store.EntityStore
	aiClient   ai.Client
	confidence float64
	maxRetries int
}

type DeduperParams struct {
	// Confidence is the floor below which proposed groups are skipped.
	// Defaults to 0.85.
	Confidence float64

	// MaxRetries is how often a failed grouping call is retried.
	// Defaults to 3.
	MaxRetries int
}

func NewDeduper(entities store.EntityStore, aiClient ai.Client, params DeduperParams) *Deduper {
	if params.Confidence <= 0 {
		params.Confidence = 0.85
	}
	if params.MaxRetries <= 0 {
		params.MaxRetries = 3
	}
	return &Deduper{
		entities:   entities,
		aiClient:   aiClient,
		confidence: params.Confidence,
		maxRetries: params.MaxRetries,
	}
}

// DedupeReport summarizes one deduplication run.
type DedupeReport struct {
	GroupsProposed int
	GroupsApplied  int
	GroupsSkipped  int
	EntitiesMerged int
}

// dedupeTypes are the entity types worth a grouping pass. Locations, dates
// and references rarely have alias problems the canonicalizer cannot handle.
var dedupeTypes = []common.EntityType{common.EntityPerson, common.EntityOrganization}

// Run asks the model for alias groups per entity type and applies the
// confident ones as audited merges. Stats are refreshed once at the end so
// the derived counts reflect the merged graph.
func (d *Deduper) Run(ctx context.Context) (*DedupeReport, error) {
	report := &DedupeReport{}

	for _, entityType := range dedupeTypes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := d.runType(ctx, entityType, report); err != nil {
			return report, fmt.Errorf("deduplicating %s entities: %w", entityType, err)
		}
	}

	if report.EntitiesMerged > 0 {
		if err := d.entities.RefreshEntityStats(ctx); err != nil {
			return report, fmt.Errorf("refreshing entity stats: %w", err)
		}
	}

	logger.Info(
		"deduplication run finished",
		"proposed", report.GroupsProposed,
		"applied", report.GroupsApplied,
		"skipped", report.GroupsSkipped,
		"merged", report.EntitiesMerged,
	)
	return report, nil
}

func (d *Deduper) runType(ctx context.Context, entityType common.EntityType, report *DedupeReport) error {
	entities, err := d.entities.ListEntities(ctx, []common.EntityType{entityType})
	if err != nil {
		return err
	}
	if len(entities) < 2 {
		return nil
	}

	// Distinct rows can normalize to the same key ("Jane Roe" and
	// "Jane  Roe" are separate rows), so every key holds a slice.
	byName := make(map[string][]common.Entity, len(entities))
	for _, e := range entities {
		key := ai.NormalizeNameValue(e.CanonicalName)
		byName[key] = append(byName[key], e)
	}

	for start := 0; start < len(entities); start += ai.AliasGroupBatchSize {
		end := min(start+ai.AliasGroupBatchSize, len(entities))

		candidates := make([]ai.AliasCandidate, 0, end-start)
		for _, e := range entities[start:end] {
			candidates = append(candidates, ai.AliasCandidate{
				Name: e.CanonicalName,
				Type: string(e.Type),
			})
		}

		res, err := ai.CallAliasGrouping(ctx, candidates, d.aiClient, d.maxRetries)
		if err != nil {
			return err
		}

		merged := make(map[int64]bool)
		for _, group := range res.Groups {
			report.GroupsProposed++
			d.applyGroup(ctx, group, byName, merged, report)
		}
	}
	return nil
}

// applyGroup turns one proposed group into a merge plan and applies it.
// Group application is best-effort: a group that no longer resolves cleanly
// (members already merged away, unknown names) is skipped, never guessed at.
func (d *Deduper) applyGroup(
	ctx context.Context,
	group ai.AliasGroup,
	byName map[string][]common.Entity,
	merged map[int64]bool,
	report *DedupeReport,
) {
	if group.Confidence < d.confidence {
		report.GroupsSkipped++
		logger.Debug(
			"skipping low-confidence alias group",
			"canonical", group.Name,
			"confidence", group.Confidence,
		)
		return
	}

	var members []common.Entity
	seen := make(map[int64]bool)
	for _, name := range group.Members {
		for _, entity := range byName[ai.NormalizeNameValue(name)] {
			if merged[entity.ID] || seen[entity.ID] {
				continue
			}
			seen[entity.ID] = true
			members = append(members, entity)
		}
	}
	if len(members) < 2 {
		report.GroupsSkipped++
		return
	}

	canonical := members[0]
	normalized := ai.NormalizeNameValue(group.Name)
	for _, m := range members {
		if ai.NormalizeNameValue(m.CanonicalName) == normalized {
			canonical = m
			break
		}
	}

	plan := store.MergePlan{
		CanonicalID:   canonical.ID,
		CanonicalName: group.Name,
		Confidence:    group.Confidence,
		Reasoning:     group.Reasoning,
	}
	for _, m := range members {
		if m.ID == canonical.ID {
			continue
		}
		plan.DuplicateIDs = append(plan.DuplicateIDs, m.ID)
	}

	if err := d.entities.MergeEntities(ctx, plan); err != nil {
		report.GroupsSkipped++
		logger.Error("failed to apply alias group", "canonical", group.Name, "error", err)
		return
	}

	merged[canonical.ID] = true
	for _, id := range plan.DuplicateIDs {
		merged[id] = true
	}
	report.GroupsApplied++
	report.EntitiesMerged += len(plan.DuplicateIDs)
	logger.Info(
		"merged entity aliases",
		"canonical", canonical.CanonicalName,
		"duplicates", len(plan.DuplicateIDs),
		"confidence", group.Confidence,
	)
}
