package pgx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
)

func (s *Store) ListMatchableEntities(ctx context.Context) ([]common.Entity, error) {
	rows, err := s.db.Query(ctx, listMatchableEntitiesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntities(rows)
}

func (s *Store) ListReferenceRecords(ctx context.Context, source common.CrossRefSource) ([]common.ReferenceRecord, error) {
	var query string
	switch source {
	case common.SourcePPP:
		query = listPPPLoansSQL
	case common.SourceFEC:
		query = listFECContributionsSQL
	case common.SourceGrants:
		query = listFederalGrantsSQL
	default:
		return nil, fmt.Errorf("unknown cross-reference source %q", source)
	}

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []common.ReferenceRecord
	for rows.Next() {
		var r common.ReferenceRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.City, &r.State, &r.Detail, &r.Amount, &r.Date); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) UpsertMatches(ctx context.Context, matches []common.CrossRefMatch) (int, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range matches {
		batch.Queue(upsertMatchSQL, m.EntityID, string(m.Source), m.RecordID, m.Score, m.Method)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range matches {
		tag, err := results.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, results.Close()
}

func (s *Store) ListActiveMatches(ctx context.Context, source common.CrossRefSource) ([]common.CrossRefMatch, error) {
	rows, err := s.db.Query(ctx, listActiveMatchesSQL, string(source))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []common.CrossRefMatch
	for rows.Next() {
		m := common.CrossRefMatch{Source: source}
		if err := rows.Scan(&m.EntityID, &m.RecordID, &m.Score, &m.Method, &m.HumanVerified); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *Store) ReplaceMatchSummaries(ctx context.Context, source common.CrossRefSource, summaries map[int64][]common.MatchSummary) error {
	column, err := summaryColumn(source)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	clearSQL := fmt.Sprintf(`UPDATE entities SET %s = '[]'::jsonb`, column)
	if _, err := tx.Exec(ctx, clearSQL); err != nil {
		return err
	}

	setSQL := fmt.Sprintf(`UPDATE entities SET %s = $2 WHERE id = $1`, column)
	for entityID, list := range summaries {
		if _, err := tx.Exec(ctx, setSQL, entityID, list); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// summaryColumn maps a source onto its denormalized entities column. The
// column name is interpolated into SQL, so it must come from this fixed set.
func summaryColumn(source common.CrossRefSource) (string, error) {
	switch source {
	case common.SourcePPP:
		return "ppp_matches", nil
	case common.SourceFEC:
		return "fec_matches", nil
	case common.SourceGrants:
		return "grants_matches", nil
	default:
		return "", fmt.Errorf("unknown cross-reference source %q", source)
	}
}

const listMatchableEntitiesSQL = `
SELECT id, canonical_name, entity_type, layer, aliases, document_count, connection_count
FROM entities
WHERE entity_type IN ('person', 'organization', 'financial')
ORDER BY id
`

const listPPPLoansSQL = `
SELECT id,
       borrower_name,
       COALESCE(borrower_city, ''),
       COALESCE(borrower_state, ''),
       COALESCE(lender, ''),
       loan_amount,
       COALESCE(date_approved::text, '')
FROM ppp_loans
WHERE borrower_name IS NOT NULL AND borrower_name <> ''
`

const listFECContributionsSQL = `
SELECT id,
       contributor_name,
       COALESCE(contributor_city, ''),
       COALESCE(contributor_state, ''),
       COALESCE(committee_name, ''),
       amount,
       COALESCE(contribution_date::text, '')
FROM fec_contributions
WHERE contributor_name IS NOT NULL AND contributor_name <> ''
`

const listFederalGrantsSQL = `
SELECT id,
       recipient_name,
       COALESCE(recipient_city, ''),
       COALESCE(recipient_state, ''),
       COALESCE(awarding_agency, ''),
       award_amount,
       COALESCE(award_date::text, '')
FROM federal_grants
WHERE recipient_name IS NOT NULL AND recipient_name <> ''
`

const upsertMatchSQL = `
INSERT INTO entity_crossref_matches (entity_id, source, record_id, score, match_method)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (entity_id, source, record_id) DO NOTHING
`

const listActiveMatchesSQL = `
SELECT entity_id, record_id, score, match_method, human_verified
FROM entity_crossref_matches
WHERE source = $1 AND NOT false_positive
`
