package pipeline

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store/memory"
)

func TestApplyResolvesEntitiesAndTriples(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	canonicalizer := NewCanonicalizer(s)

	analysis := &common.DocumentAnalysis{
		Summary:         "summary",
		DetailedSummary: "detailed",
		DocumentType:    "flight_log",
		Entities: []common.ExtractedEntity{
			{Name: "G. Maxwell", Type: "person", Context: "Passengers: G. Maxwell"},
			{Name: "G. Maxwell", Type: "person", Context: "second mention"},
			{Name: "Palm Beach", Type: "location"},
		},
		Triples: []common.ExtractedTriple{
			{
				Subject:     "G. Maxwell",
				SubjectType: "person",
				Predicate:   "flew from",
				Object:      "Palm Beach",
				ObjectType:  "location",
			},
		},
	}

	if err := canonicalizer.Apply(ctx, 1, analysis); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	personID, err := s.GetEntityID(ctx, "G. Maxwell", common.EntityPerson)
	if err != nil {
		t.Fatalf("person entity not created: %v", err)
	}
	locationID, err := s.GetEntityID(ctx, "Palm Beach", common.EntityLocation)
	if err != nil {
		t.Fatalf("location entity not created: %v", err)
	}

	link := s.Link(1, personID)
	if link == nil {
		t.Fatal("expected person linked to document")
	}
	if link.MentionCount != 2 {
		t.Errorf("expected mention count 2, got %d", link.MentionCount)
	}
	if link.Snippet != "Passengers: G. Maxwell" {
		t.Errorf("expected first context kept as snippet, got %q", link.Snippet)
	}

	if s.Link(1, locationID) == nil {
		t.Error("expected location linked to document")
	}
	if s.TripleCount() != 1 {
		t.Errorf("expected 1 triple, got %d", s.TripleCount())
	}
}

func TestApplyCreatesTripleOnlyEntities(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	canonicalizer := NewCanonicalizer(s)

	analysis := &common.DocumentAnalysis{
		Summary:         "summary",
		DetailedSummary: "detailed",
		DocumentType:    "correspondence",
		Triples: []common.ExtractedTriple{
			{
				Subject:     "John Doe",
				SubjectType: "person",
				Predicate:   "wired funds to",
				Object:      "Offshore Trust",
				ObjectType:  "financial",
				Location:    "St. Thomas",
			},
		},
	}

	if err := canonicalizer.Apply(ctx, 5, analysis); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for _, want := range []struct {
		name string
		typ  common.EntityType
	}{
		{"John Doe", common.EntityPerson},
		{"Offshore Trust", common.EntityFinancial},
		{"St. Thomas", common.EntityLocation},
	} {
		id, err := s.GetEntityID(ctx, want.name, want.typ)
		if err != nil {
			t.Fatalf("entity %q not created: %v", want.name, err)
		}
		link := s.Link(5, id)
		if link == nil {
			t.Fatalf("entity %q not linked to document", want.name)
		}
		if link.MentionCount != 1 {
			t.Errorf("entity %q mention count = %d, expected 1", want.name, link.MentionCount)
		}
	}
}

func TestApplyUnknownTypeFallsBack(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	canonicalizer := NewCanonicalizer(s)

	analysis := &common.DocumentAnalysis{
		Summary:         "summary",
		DetailedSummary: "detailed",
		DocumentType:    "misc",
		Entities: []common.ExtractedEntity{
			{Name: "Something Odd", Type: "spacecraft"},
		},
	}

	if err := canonicalizer.Apply(ctx, 2, analysis); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := s.GetEntityID(ctx, "Something Odd", common.EntityUnknown); err != nil {
		t.Errorf("expected unrecognized type stored as unknown: %v", err)
	}
}

func TestApplyOrderIndexFollowsExtractionOrder(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	canonicalizer := NewCanonicalizer(s)

	analysis := &common.DocumentAnalysis{
		Summary:         "summary",
		DetailedSummary: "detailed",
		DocumentType:    "deposition",
		Triples: []common.ExtractedTriple{
			{Subject: "A", SubjectType: "person", Predicate: "met", Object: "B", ObjectType: "person"},
			{Subject: "B", SubjectType: "person", Predicate: "called", Object: "C", ObjectType: "person"},
			{Subject: "C", SubjectType: "person", Predicate: "paid", Object: "A", ObjectType: "person"},
		},
	}

	if err := canonicalizer.Apply(ctx, 3, analysis); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if s.TripleCount() != 3 {
		t.Fatalf("expected 3 triples, got %d", s.TripleCount())
	}
}

func TestConcurrentUpsertsResolveToOneEntity(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	const n = 16
	ids := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, err := s.UpsertEntity(ctx, "J. Smith", common.EntityPerson, "")
			if err != nil {
				t.Errorf("upsert %d failed: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	expected := make([]int64, n)
	for i := range expected {
		expected[i] = ids[0]
	}
	if !reflect.DeepEqual(ids, expected) {
		t.Errorf("concurrent upserts returned different ids: %v", ids)
	}

	entities, err := s.ListEntities(ctx, []common.EntityType{common.EntityPerson})
	if err != nil {
		t.Fatalf("listing entities: %v", err)
	}
	if len(entities) != 1 {
		t.Errorf("expected exactly one entity row, got %d", len(entities))
	}
}
