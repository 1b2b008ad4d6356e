package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/ai"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store/memory"
)

type fakeGroupingClient struct {
	groups map[string][]ai.AliasGroup
	calls  int
}

func (f *fakeGroupingClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeGroupingClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	f.calls++

	// One response per call, keyed by which entity names appear in the
	// prompt. Falls back to no groups.
	var groups []ai.AliasGroup
	for marker, g := range f.groups {
		if strings.Contains(prompt, marker) {
			groups = g
			break
		}
	}
	raw, err := json.Marshal(ai.AliasGroupsResponse{Groups: groups})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeGroupingClient) ResetMetrics()               {}
func (f *fakeGroupingClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func seedPeople(t *testing.T, s *memory.Store, names ...string) map[string]int64 {
	t.Helper()
	ids := make(map[string]int64, len(names))
	for _, name := range names {
		id, err := s.UpsertEntity(context.Background(), name, common.EntityPerson, "")
		if err != nil {
			t.Fatalf("seeding %q: %v", name, err)
		}
		ids[name] = id
	}
	return ids
}

func TestDeduperMergesConfidentGroups(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	ids := seedPeople(t, s, "Jeffrey Epstein", "J. Epstein", "Unrelated Person")

	client := &fakeGroupingClient{groups: map[string][]ai.AliasGroup{
		"Jeffrey Epstein": {
			{
				Name:       "Jeffrey Epstein",
				Members:    []string{"Jeffrey Epstein", "J. Epstein"},
				Confidence: 0.97,
				Reasoning:  "initial plus matching surname in the same corpus",
			},
		},
	}}

	deduper := NewDeduper(s, client, DeduperParams{})
	report, err := deduper.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.GroupsApplied != 1 || report.EntitiesMerged != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	if _, err := s.GetEntityID(ctx, "J. Epstein", common.EntityPerson); err == nil {
		t.Error("expected duplicate row removed")
	}

	entities, err := s.ListEntities(ctx, []common.EntityType{common.EntityPerson})
	if err != nil {
		t.Fatalf("listing entities: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 surviving entities, got %d", len(entities))
	}

	var canonical common.Entity
	for _, e := range entities {
		if e.ID == ids["Jeffrey Epstein"] {
			canonical = e
		}
	}
	found := false
	for _, alias := range canonical.Aliases {
		if alias == "J. Epstein" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected merged name kept as alias, got %v", canonical.Aliases)
	}

	if s.MergeCount() != 1 {
		t.Errorf("expected 1 audited merge, got %d", s.MergeCount())
	}
}

func TestDeduperSkipsLowConfidenceGroups(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedPeople(t, s, "M. Smith", "Michael Smith", "Mark Smith")

	client := &fakeGroupingClient{groups: map[string][]ai.AliasGroup{
		"M. Smith": {
			{
				Name:       "Michael Smith",
				Members:    []string{"M. Smith", "Michael Smith"},
				Confidence: 0.4,
				Reasoning:  "initial could be Michael or Mark",
			},
		},
	}}

	deduper := NewDeduper(s, client, DeduperParams{})
	report, err := deduper.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.GroupsApplied != 0 || report.GroupsSkipped != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	entities, err := s.ListEntities(ctx, []common.EntityType{common.EntityPerson})
	if err != nil {
		t.Fatalf("listing entities: %v", err)
	}
	if len(entities) != 3 {
		t.Errorf("expected no merges, got %d entities", len(entities))
	}
}

func TestDeduperIgnoresOverlappingGroups(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedPeople(t, s, "A. Name", "Alpha Name", "Al Name")

	// Two groups share a member; the second must not re-merge it.
	client := &fakeGroupingClient{groups: map[string][]ai.AliasGroup{
		"Alpha Name": {
			{
				Name:       "Alpha Name",
				Members:    []string{"Alpha Name", "A. Name"},
				Confidence: 0.95,
				Reasoning:  "same identity",
			},
			{
				Name:       "Al Name",
				Members:    []string{"Al Name", "A. Name"},
				Confidence: 0.95,
				Reasoning:  "overlapping proposal",
			},
		},
	}}

	deduper := NewDeduper(s, client, DeduperParams{})
	report, err := deduper.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.GroupsApplied != 1 {
		t.Errorf("expected only the first group applied, got %+v", report)
	}
	if report.GroupsSkipped != 1 {
		t.Errorf("expected overlapping group skipped, got %+v", report)
	}
}

func TestDeduperMergesNamesSharingANormalizedForm(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	// Distinct rows whose names collapse to the same normalized form.
	seedPeople(t, s, "Jane Roe", "Jane  Roe")

	client := &fakeGroupingClient{groups: map[string][]ai.AliasGroup{
		"Jane Roe": {
			{
				Name:       "Jane Roe",
				Members:    []string{"Jane Roe", "Jane  Roe"},
				Confidence: 0.96,
				Reasoning:  "same name with an OCR spacing artifact",
			},
		},
	}}

	report, err := NewDeduper(s, client, DeduperParams{}).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.GroupsApplied != 1 || report.EntitiesMerged != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if _, err := s.GetEntityID(ctx, "Jane  Roe", common.EntityPerson); err == nil {
		t.Error("expected the double-spaced row merged away")
	}
	if _, err := s.GetEntityID(ctx, "Jane Roe", common.EntityPerson); err != nil {
		t.Errorf("expected the canonical row kept: %v", err)
	}
}

func TestDeduperRelinksDocuments(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	ids := seedPeople(t, s, "Jeffrey Epstein", "J. Epstein")

	for doc, name := range map[int64]string{1: "Jeffrey Epstein", 2: "J. Epstein"} {
		err := s.LinkEntityToDocument(ctx, common.DocumentEntityLink{
			DocumentID:   doc,
			EntityID:     ids[name],
			MentionCount: 1,
		})
		if err != nil {
			t.Fatalf("linking: %v", err)
		}
	}

	client := &fakeGroupingClient{groups: map[string][]ai.AliasGroup{
		"Jeffrey Epstein": {
			{
				Name:       "Jeffrey Epstein",
				Members:    []string{"Jeffrey Epstein", "J. Epstein"},
				Confidence: 0.97,
				Reasoning:  "same identity",
			},
		},
	}}

	if _, err := NewDeduper(s, client, DeduperParams{}).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	canonical := ids["Jeffrey Epstein"]
	if s.Link(1, canonical) == nil || s.Link(2, canonical) == nil {
		t.Error("expected both documents linked to the canonical entity after merge")
	}
}
