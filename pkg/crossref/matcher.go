package crossref

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

const (
	// DefaultThreshold is the minimum trigram similarity for a candidate
	// match to be recorded.
	DefaultThreshold = 0.7

	// DefaultTopK caps how many matches are kept per entity and source.
	DefaultTopK = 5

	// matchMethod tags rows produced by the trigram matcher, as opposed to
	// future exact or manual methods.
	matchMethod = "fuzzy"
)

// Matcher scores canonical entities against the external reference datasets
// and maintains the match rows and denormalized summaries.
type Matcher struct {
	store     store.CrossRefStore
	threshold float64
	topK      int
}

type MatcherParams struct {
	Threshold float64
	TopK      int
}

func NewMatcher(crossRefStore store.CrossRefStore, params MatcherParams) *Matcher {
	if params.Threshold <= 0 {
		params.Threshold = DefaultThreshold
	}
	if params.TopK <= 0 {
		params.TopK = DefaultTopK
	}
	return &Matcher{
		store:     crossRefStore,
		threshold: params.Threshold,
		topK:      params.TopK,
	}
}

// Report summarizes one matcher run.
type Report struct {
	EntitiesScanned int
	RecordsScanned  map[common.CrossRefSource]int
	NewMatches      map[common.CrossRefSource]int
}

type entityVariants struct {
	id       int64
	trigrams []map[string]struct{}
}

// Run scores every matchable entity against every reference dataset,
// records matches above the threshold, and recomputes the per-entity
// summaries. Running it twice without data changes inserts nothing new.
func (m *Matcher) Run(ctx context.Context) (*Report, error) {
	entities, err := m.store.ListMatchableEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing matchable entities: %w", err)
	}

	variants := make([]entityVariants, 0, len(entities))
	for _, e := range entities {
		v := buildVariants(e)
		if len(v.trigrams) == 0 {
			continue
		}
		variants = append(variants, v)
	}

	report := &Report{
		EntitiesScanned: len(entities),
		RecordsScanned:  make(map[common.CrossRefSource]int),
		NewMatches:      make(map[common.CrossRefSource]int),
	}

	for _, source := range common.CrossRefSources {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		inserted, scanned, err := m.runSource(ctx, source, variants)
		if err != nil {
			return report, fmt.Errorf("matching against %s: %w", source, err)
		}
		report.RecordsScanned[source] = scanned
		report.NewMatches[source] = inserted

		logger.Info(
			"cross-reference pass finished",
			"source", source,
			"records", scanned,
			"newMatches", inserted,
		)
	}

	return report, nil
}

func (m *Matcher) runSource(
	ctx context.Context,
	source common.CrossRefSource,
	variants []entityVariants,
) (inserted int, scanned int, err error) {
	records, err := m.store.ListReferenceRecords(ctx, source)
	if err != nil {
		return 0, 0, err
	}

	recordTrigrams := make([]map[string]struct{}, len(records))
	for i, r := range records {
		recordTrigrams[i] = trigramSet(NormalizeName(r.Name))
	}

	var matches []common.CrossRefMatch
	for _, entity := range variants {
		scored := scoreEntity(entity, records, recordTrigrams, m.threshold)
		if len(scored) > m.topK {
			scored = scored[:m.topK]
		}
		for _, s := range scored {
			matches = append(matches, common.CrossRefMatch{
				EntityID: entity.id,
				Source:   source,
				RecordID: s.recordID,
				Score:    s.score,
				Method:   matchMethod,
			})
		}
	}

	inserted, err = m.store.UpsertMatches(ctx, matches)
	if err != nil {
		return 0, len(records), err
	}

	if err := m.refreshSummaries(ctx, source, records); err != nil {
		return inserted, len(records), err
	}
	return inserted, len(records), nil
}

type scoredRecord struct {
	recordID int64
	score    float64
}

func scoreEntity(
	entity entityVariants,
	records []common.ReferenceRecord,
	recordTrigrams []map[string]struct{},
	threshold float64,
) []scoredRecord {
	var scored []scoredRecord
	for i := range records {
		best := 0.0
		for _, variant := range entity.trigrams {
			if s := jaccard(variant, recordTrigrams[i]); s > best {
				best = s
			}
		}
		if best >= threshold {
			scored = append(scored, scoredRecord{recordID: records[i].ID, score: best})
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].recordID < scored[j].recordID
	})
	return scored
}

// refreshSummaries rebuilds the denormalized per-entity summary lists from
// the surviving match rows. Confirmed false positives are excluded because
// ListActiveMatches filters them out.
func (m *Matcher) refreshSummaries(
	ctx context.Context,
	source common.CrossRefSource,
	records []common.ReferenceRecord,
) error {
	active, err := m.store.ListActiveMatches(ctx, source)
	if err != nil {
		return err
	}

	byID := make(map[int64]common.ReferenceRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	summaries := make(map[int64][]common.MatchSummary)
	for _, match := range active {
		record, ok := byID[match.RecordID]
		if !ok {
			continue
		}
		summaries[match.EntityID] = append(summaries[match.EntityID], common.MatchSummary{
			RecordID: record.ID,
			Name:     record.Name,
			Location: formatLocation(record.City, record.State),
			Detail:   record.Detail,
			Amount:   record.Amount,
			Date:     record.Date,
			Score:    match.Score,
		})
	}

	for _, list := range summaries {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Score != list[j].Score {
				return list[i].Score > list[j].Score
			}
			return list[i].RecordID < list[j].RecordID
		})
	}

	return m.store.ReplaceMatchSummaries(ctx, source, summaries)
}

func buildVariants(entity common.Entity) entityVariants {
	seen := make(map[string]bool)
	v := entityVariants{id: entity.ID}

	add := func(name string) {
		normalized := NormalizeName(name)
		if normalized == "" || seen[normalized] {
			return
		}
		seen[normalized] = true
		v.trigrams = append(v.trigrams, trigramSet(normalized))
	}

	add(entity.CanonicalName)
	for _, alias := range entity.Aliases {
		add(alias)
	}
	return v
}

func jaccard(setA, setB map[string]struct{}) float64 {
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	shared := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

func formatLocation(city, state string) string {
	city = strings.TrimSpace(city)
	state = strings.TrimSpace(state)
	switch {
	case city != "" && state != "":
		return city + ", " + state
	case city != "":
		return city
	default:
		return state
	}
}
