package crossref

import (
	"context"
	"testing"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store/memory"
)

func seedMatcherStore(t *testing.T) (*memory.Store, int64, int64) {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	orgID, err := s.UpsertEntity(ctx, "Acme Holdings LLC", common.EntityOrganization, "")
	if err != nil {
		t.Fatalf("seeding organization: %v", err)
	}
	personID, err := s.UpsertEntity(ctx, "John Smith", common.EntityPerson, "")
	if err != nil {
		t.Fatalf("seeding person: %v", err)
	}
	if _, err := s.UpsertEntity(ctx, "Palm Beach", common.EntityLocation, ""); err != nil {
		t.Fatalf("seeding location: %v", err)
	}

	amount := 150000.0
	s.SeedReferenceRecords(common.SourcePPP, []common.ReferenceRecord{
		{ID: 11, Name: "ACME HOLDINGS, INC.", City: "Miami", State: "FL", Detail: "First Bank", Amount: &amount, Date: "2020-04-15"},
		{ID: 12, Name: "Zyx Corp", City: "Austin", State: "TX", Detail: "Second Bank"},
	})
	s.SeedReferenceRecords(common.SourceFEC, []common.ReferenceRecord{
		{ID: 21, Name: "SMITH, JOHN", City: "New York", State: "NY", Detail: "Committee A"},
	})

	return s, orgID, personID
}

func TestMatcherRun(t *testing.T) {
	s, orgID, personID := seedMatcherStore(t)
	matcher := NewMatcher(s, MatcherParams{})

	report, err := matcher.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.NewMatches[common.SourcePPP] != 1 {
		t.Errorf("expected 1 new ppp match, got %d", report.NewMatches[common.SourcePPP])
	}
	if report.NewMatches[common.SourceFEC] != 1 {
		t.Errorf("expected 1 new fec match, got %d", report.NewMatches[common.SourceFEC])
	}
	if report.NewMatches[common.SourceGrants] != 0 {
		t.Errorf("expected 0 grants matches, got %d", report.NewMatches[common.SourceGrants])
	}

	summaries := s.MatchSummaries(orgID, common.SourcePPP)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 ppp summary for organization, got %d", len(summaries))
	}
	if summaries[0].RecordID != 11 {
		t.Errorf("expected summary for record 11, got %d", summaries[0].RecordID)
	}
	if summaries[0].Location != "Miami, FL" {
		t.Errorf("unexpected summary location %q", summaries[0].Location)
	}
	if summaries[0].Score < DefaultThreshold {
		t.Errorf("summary score %f below threshold", summaries[0].Score)
	}

	personSummaries := s.MatchSummaries(personID, common.SourceFEC)
	if len(personSummaries) != 1 {
		t.Fatalf("expected 1 fec summary for person, got %d", len(personSummaries))
	}
}

func TestMatcherRunIsIdempotent(t *testing.T) {
	s, _, _ := seedMatcherStore(t)
	matcher := NewMatcher(s, MatcherParams{})

	if _, err := matcher.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	before := s.MatchCount()

	report, err := matcher.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	for _, source := range common.CrossRefSources {
		if report.NewMatches[source] != 0 {
			t.Errorf("expected 0 new %s matches on rerun, got %d", source, report.NewMatches[source])
		}
	}
	if s.MatchCount() != before {
		t.Errorf("match count changed on rerun: %d -> %d", before, s.MatchCount())
	}
}

func TestMatcherExcludesFalsePositivesFromSummaries(t *testing.T) {
	s, orgID, _ := seedMatcherStore(t)
	matcher := NewMatcher(s, MatcherParams{})

	if _, err := matcher.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	s.MarkFalsePositive(orgID, common.SourcePPP, 11)

	if _, err := matcher.Run(context.Background()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if summaries := s.MatchSummaries(orgID, common.SourcePPP); len(summaries) != 0 {
		t.Errorf("expected false positive excluded from summaries, got %d entries", len(summaries))
	}
	// The match row itself survives so review decisions are not lost.
	if s.MatchCount() == 0 {
		t.Error("expected match rows to survive false positive flagging")
	}
}

func TestMatcherUsesAliases(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	id, err := s.UpsertEntity(ctx, "S.T. Company", common.EntityOrganization, "Southern Trust Company, Inc.")
	if err != nil {
		t.Fatalf("seeding entity: %v", err)
	}
	s.SeedReferenceRecords(common.SourceGrants, []common.ReferenceRecord{
		{ID: 31, Name: "SOUTHERN TRUST COMPANY INC", City: "St. Thomas", State: "VI", Detail: "HHS"},
	})

	matcher := NewMatcher(s, MatcherParams{})
	if _, err := matcher.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summaries := s.MatchSummaries(id, common.SourceGrants); len(summaries) != 1 {
		t.Fatalf("expected alias to produce a grants match, got %d", len(summaries))
	}
}

func TestMatcherTopKCap(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	id, err := s.UpsertEntity(ctx, "Acme Holdings", common.EntityOrganization, "")
	if err != nil {
		t.Fatalf("seeding entity: %v", err)
	}

	records := make([]common.ReferenceRecord, 8)
	for i := range records {
		records[i] = common.ReferenceRecord{ID: int64(100 + i), Name: "Acme Holdings LLC"}
	}
	s.SeedReferenceRecords(common.SourcePPP, records)

	matcher := NewMatcher(s, MatcherParams{TopK: 3})
	if _, err := matcher.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summaries := s.MatchSummaries(id, common.SourcePPP); len(summaries) != 3 {
		t.Errorf("expected matches capped at 3, got %d", len(summaries))
	}
}
