package pgx

import (
	"context"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
)

func (s *Store) ListEntityIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, listEntityIDsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListDocumentEntityLinks(ctx context.Context) ([]common.DocumentEntityLink, error) {
	rows, err := s.db.Query(ctx, listLinksSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []common.DocumentEntityLink
	for rows.Next() {
		var link common.DocumentEntityLink
		if err := rows.Scan(&link.DocumentID, &link.EntityID, &link.MentionCount); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *Store) ResetLayers(ctx context.Context, rootID int64) error {
	_, err := s.db.Exec(ctx, resetLayersSQL, rootID)
	return err
}

func (s *Store) AssignLayer(ctx context.Context, layer int, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, assignLayerSQL, layer, ids)
	return err
}

const listEntityIDsSQL = `
SELECT id FROM entities ORDER BY id
`

const listLinksSQL = `
SELECT document_id, entity_id, mention_count FROM document_entities
`

const resetLayersSQL = `
UPDATE entities
SET layer = CASE WHEN id = $1 THEN 0 ELSE NULL END
`

const assignLayerSQL = `
UPDATE entities SET layer = $1 WHERE id = ANY($2::bigint[])
`
