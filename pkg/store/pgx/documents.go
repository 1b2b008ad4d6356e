package pgx

import (
	"context"

	"github.com/subculture-collective/epstein-db/pipeline/internal/util"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

func (s *Store) InsertDocument(ctx context.Context, docID string, datasetID int, text string) (bool, error) {
	tag, err := s.db.Exec(ctx, insertDocumentSQL, docID, datasetID, util.SanitizePostgresText(text))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]common.PendingDocument, error) {
	rows, err := s.db.Query(ctx, fetchPendingSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []common.PendingDocument
	for rows.Next() {
		var doc common.PendingDocument
		if err := rows.Scan(&doc.ID, &doc.DocID, &doc.Text); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) Claim(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, claimDocumentSQL, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReclaimStale(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, reclaimStaleSQL, s.staleAfter.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) WriteResult(ctx context.Context, id int64, analysis common.DocumentAnalysis) error {
	tag, err := s.db.Exec(ctx, writeResultSQL,
		id,
		analysis.DocumentType,
		util.SanitizePostgresText(analysis.Summary),
		util.SanitizePostgresText(analysis.DetailedSummary),
		nullIfEmpty(analysis.DateEarliest),
		nullIfEmpty(analysis.DateLatest),
		analysis.ContentTags,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errorText string) error {
	tag, err := s.db.Exec(ctx, markFailedSQL, id, util.SanitizePostgresText(errorText))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

const insertDocumentSQL = `
INSERT INTO documents (doc_id, dataset_id, full_text, analysis_status)
VALUES ($1, $2, $3, 'pending')
ON CONFLICT (doc_id) DO NOTHING
`

const fetchPendingSQL = `
SELECT id, doc_id, full_text
FROM documents
WHERE analysis_status = 'pending'
  AND length(btrim(full_text)) > 0
ORDER BY id
LIMIT $1
`

const claimDocumentSQL = `
UPDATE documents
SET analysis_status = 'processing',
    processing_started_at = now()
WHERE id = $1
  AND analysis_status = 'pending'
`

const reclaimStaleSQL = `
UPDATE documents
SET analysis_status = 'pending',
    processing_started_at = NULL
WHERE analysis_status = 'processing'
  AND (processing_started_at IS NULL
       OR processing_started_at < now() - make_interval(secs => $1))
`

const writeResultSQL = `
UPDATE documents
SET analysis_status = 'complete',
    document_type = $2,
    summary = $3,
    detailed_summary = $4,
    date_earliest = $5,
    date_latest = $6,
    content_tags = $7,
    analysis_error = NULL,
    analyzed_at = now()
WHERE id = $1
`

const markFailedSQL = `
UPDATE documents
SET analysis_status = 'failed',
    analysis_error = $2
WHERE id = $1
`
