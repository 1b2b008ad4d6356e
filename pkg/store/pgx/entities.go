package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/subculture-collective/epstein-db/pipeline/internal/util"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
// The upsert handles the (canonical_name, entity_type) conflict itself, so
// seeing this code from it means the schema no longer matches expectations.
const uniqueViolation = "23505"

func (s *Store) UpsertEntity(ctx context.Context, name string, entityType common.EntityType, alias string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, upsertEntitySQL, name, string(entityType), alias).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%w: %s (%s)", store.ErrEntityConflict, name, entityType)
		}
		return 0, err
	}
	return id, nil
}

func (s *Store) LinkEntityToDocument(ctx context.Context, link common.DocumentEntityLink) error {
	_, err := s.db.Exec(ctx, linkEntitySQL,
		link.DocumentID,
		link.EntityID,
		link.MentionCount,
		util.SanitizePostgresText(link.Snippet),
	)
	return err
}

func (s *Store) InsertTriples(ctx context.Context, triples []common.Triple) error {
	if len(triples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range triples {
		batch.Queue(insertTripleSQL,
			t.DocumentID,
			t.SubjectID,
			t.ObjectID,
			t.LocationID,
			t.Predicate,
			t.ExplicitTopic,
			t.ImplicitTopic,
			t.Tags,
			t.OrderIndex,
		)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range triples {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return results.Close()
}

func (s *Store) GetEntityID(ctx context.Context, name string, entityType common.EntityType) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, getEntityIDSQL, name, string(entityType)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) ListEntities(ctx context.Context, types []common.EntityType) ([]common.Entity, error) {
	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	rows, err := s.db.Query(ctx, listEntitiesSQL, typeNames)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntities(rows)
}

func scanEntities(rows pgx.Rows) ([]common.Entity, error) {
	var entities []common.Entity
	for rows.Next() {
		var e common.Entity
		if err := rows.Scan(&e.ID, &e.CanonicalName, &e.Type, &e.Layer, &e.Aliases, &e.DocumentCount, &e.ConnectionCount); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (s *Store) MergeEntities(ctx context.Context, plan store.MergePlan) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, dupID := range plan.DuplicateIDs {
		if dupID == plan.CanonicalID {
			continue
		}

		var dupName string
		err := tx.QueryRow(ctx, mergeAliasesSQL, plan.CanonicalID, dupID).Scan(&dupName)
		if errors.Is(err, pgx.ErrNoRows) {
			// Already merged by an earlier plan in the same pass.
			continue
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, foldLinkCountsSQL, plan.CanonicalID, dupID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, dropShadowedLinksSQL, plan.CanonicalID, dupID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, repointLinksSQL, plan.CanonicalID, dupID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, repointTriplesSQL, plan.CanonicalID, dupID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, recordMergeSQL, plan.CanonicalID, dupID, dupName, plan.Confidence, plan.Reasoning); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, deleteEntitySQL, dupID); err != nil {
			return err
		}
	}

	if plan.CanonicalName != "" {
		// Skipped when another entity of the same type already owns the
		// target name; the existing canonical name stays.
		if _, err := tx.Exec(ctx, renameEntitySQL, plan.CanonicalID, plan.CanonicalName); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) RefreshEntityStats(ctx context.Context) error {
	_, err := s.db.Exec(ctx, refreshEntityStatsSQL)
	return err
}

const upsertEntitySQL = `
INSERT INTO entities (canonical_name, entity_type, aliases)
VALUES ($1, $2,
        CASE WHEN $3 = '' THEN '[]'::jsonb ELSE jsonb_build_array($3::text) END)
ON CONFLICT (canonical_name, entity_type) DO UPDATE
SET aliases = (
    SELECT COALESCE(jsonb_agg(DISTINCT x), '[]'::jsonb)
    FROM jsonb_array_elements(entities.aliases || EXCLUDED.aliases) AS x
)
RETURNING id
`

const linkEntitySQL = `
INSERT INTO document_entities (document_id, entity_id, mention_count, snippet)
VALUES ($1, $2, $3, $4)
ON CONFLICT (document_id, entity_id) DO UPDATE
SET mention_count = document_entities.mention_count + EXCLUDED.mention_count
`

const insertTripleSQL = `
INSERT INTO triples (
    document_id, subject_entity_id, object_entity_id, location_entity_id,
    predicate, explicit_topic, implicit_topic, tags, order_index
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const getEntityIDSQL = `
SELECT id FROM entities
WHERE canonical_name = $1 AND entity_type = $2
`

const listEntitiesSQL = `
SELECT id, canonical_name, entity_type, layer, aliases, document_count, connection_count
FROM entities
WHERE cardinality($1::text[]) = 0 OR entity_type = ANY($1::text[])
ORDER BY id
`

// mergeAliasesSQL folds the duplicate's name and aliases into the canonical
// row's alias set and returns the duplicate's name for the audit record.
const mergeAliasesSQL = `
UPDATE entities c
SET aliases = (
    SELECT COALESCE(jsonb_agg(DISTINCT x), '[]'::jsonb)
    FROM jsonb_array_elements(c.aliases || d.aliases || jsonb_build_array(d.canonical_name)) AS x
)
FROM entities d
WHERE c.id = $1 AND d.id = $2
RETURNING d.canonical_name
`

const foldLinkCountsSQL = `
UPDATE document_entities de
SET mention_count = de.mention_count + dup.mention_count
FROM document_entities dup
WHERE de.entity_id = $1
  AND dup.entity_id = $2
  AND dup.document_id = de.document_id
`

const dropShadowedLinksSQL = `
DELETE FROM document_entities dup
WHERE dup.entity_id = $2
  AND EXISTS (
      SELECT 1 FROM document_entities de
      WHERE de.entity_id = $1 AND de.document_id = dup.document_id
  )
`

const repointLinksSQL = `
UPDATE document_entities SET entity_id = $1 WHERE entity_id = $2
`

const repointTriplesSQL = `
UPDATE triples
SET subject_entity_id  = CASE WHEN subject_entity_id  = $2 THEN $1 ELSE subject_entity_id  END,
    object_entity_id   = CASE WHEN object_entity_id   = $2 THEN $1 ELSE object_entity_id   END,
    location_entity_id = CASE WHEN location_entity_id = $2 THEN $1 ELSE location_entity_id END
WHERE subject_entity_id = $2 OR object_entity_id = $2 OR location_entity_id = $2
`

const recordMergeSQL = `
INSERT INTO entity_merges (canonical_entity_id, duplicate_entity_id, duplicate_name, confidence, reasoning)
VALUES ($1, $2, $3, $4, $5)
`

const deleteEntitySQL = `
DELETE FROM entities WHERE id = $1
`

const renameEntitySQL = `
UPDATE entities c
SET canonical_name = $2,
    aliases = (
        SELECT COALESCE(jsonb_agg(DISTINCT x), '[]'::jsonb)
        FROM jsonb_array_elements(c.aliases || jsonb_build_array(c.canonical_name)) AS x
    )
WHERE c.id = $1
  AND c.canonical_name <> $2
  AND NOT EXISTS (
      SELECT 1 FROM entities o
      WHERE o.canonical_name = $2 AND o.entity_type = c.entity_type AND o.id <> c.id
  )
`

const refreshEntityStatsSQL = `
UPDATE entities e
SET document_count = (
        SELECT count(*) FROM document_entities de WHERE de.entity_id = e.id
    ),
    connection_count = (
        SELECT count(DISTINCT de2.entity_id)
        FROM document_entities de1
        JOIN document_entities de2
          ON de2.document_id = de1.document_id AND de2.entity_id <> e.id
        WHERE de1.entity_id = e.id
    )
`
