package store

import (
	"context"
	"errors"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrEntityConflict indicates the entity upsert invariant was violated.
	// This should be structurally impossible; observing it means the
	// persistence layer is broken and the run must abort.
	ErrEntityConflict = errors.New("store: entity uniqueness conflict")
)

// DocumentStore is the corpus reader/writer the orchestrator drives.
type DocumentStore interface {
	// FetchPending returns up to limit documents with pending status and
	// non-empty text.
	FetchPending(ctx context.Context, limit int) ([]common.PendingDocument, error)

	// Claim atomically transitions one document from pending to processing.
	// It reports false when the row was already claimed by another worker.
	Claim(ctx context.Context, id int64) (bool, error)

	// ReclaimStale moves documents stuck in processing (from a crashed run)
	// back to pending and returns how many were reclaimed.
	ReclaimStale(ctx context.Context) (int64, error)

	// WriteResult stores the extraction result and marks the document complete.
	WriteResult(ctx context.Context, id int64, analysis common.DocumentAnalysis) error

	// MarkFailed marks the document failed with a human-readable error.
	MarkFailed(ctx context.Context, id int64, errorText string) error

	// InsertDocument creates a pending corpus document; it reports false
	// when the doc_id already exists.
	InsertDocument(ctx context.Context, docID string, datasetID int, text string) (bool, error)
}

// MergePlan describes one audited merge of duplicate entities into a
// canonical row.
type MergePlan struct {
	CanonicalID   int64
	CanonicalName string
	DuplicateIDs  []int64
	Confidence    float64
	Reasoning     string
}

// EntityStore holds canonical entities, their document links and triples.
type EntityStore interface {
	// UpsertEntity resolves (name, type) to an entity id with a single
	// atomic insert-or-fetch. A non-empty alias is merged into the stored
	// alias set; existing aliases are never removed.
	UpsertEntity(ctx context.Context, name string, entityType common.EntityType, alias string) (int64, error)

	// LinkEntityToDocument upserts the (document, entity) join row,
	// incrementing mention_count on conflict.
	LinkEntityToDocument(ctx context.Context, link common.DocumentEntityLink) error

	// InsertTriples persists the triples extracted from one document.
	InsertTriples(ctx context.Context, triples []common.Triple) error

	// GetEntityID looks up an entity by exact (name, type).
	// Returns ErrNotFound when absent.
	GetEntityID(ctx context.Context, name string, entityType common.EntityType) (int64, error)

	// ListEntities returns entities of the given types; all when empty.
	ListEntities(ctx context.Context, types []common.EntityType) ([]common.Entity, error)

	// MergeEntities folds duplicate rows into the canonical one: document
	// links and triples are repointed, aliases merged, duplicates removed,
	// and the merge recorded for audit.
	MergeEntities(ctx context.Context, plan MergePlan) error

	// RefreshEntityStats recomputes the derived document_count and
	// connection_count columns the display API reads.
	RefreshEntityStats(ctx context.Context) error
}

// GraphStore is the layer classifier's view of the co-occurrence data.
type GraphStore interface {
	// ListEntityIDs returns the ids of every canonical entity.
	ListEntityIDs(ctx context.Context) ([]int64, error)

	// ListDocumentEntityLinks returns every (document, entity) pair;
	// co-occurrence edges are derived from it in-process.
	ListDocumentEntityLinks(ctx context.Context) ([]common.DocumentEntityLink, error)

	// ResetLayers clears the layer of every entity except the root.
	ResetLayers(ctx context.Context, rootID int64) error

	// AssignLayer sets the layer for the given entities.
	AssignLayer(ctx context.Context, layer int, ids []int64) error
}

// CrossRefStore is the matcher's view of entities, reference datasets and
// match rows.
type CrossRefStore interface {
	// ListMatchableEntities returns entities of cross-referencable types.
	ListMatchableEntities(ctx context.Context) ([]common.Entity, error)

	// ListReferenceRecords streams the name/amount/date projection of one
	// reference dataset.
	ListReferenceRecords(ctx context.Context, source common.CrossRefSource) ([]common.ReferenceRecord, error)

	// UpsertMatches inserts match rows, ignoring rows that already exist.
	// It returns the number of newly inserted rows.
	UpsertMatches(ctx context.Context, matches []common.CrossRefMatch) (int, error)

	// ListActiveMatches returns all matches for one source that are not
	// confirmed false positives.
	ListActiveMatches(ctx context.Context, source common.CrossRefSource) ([]common.CrossRefMatch, error)

	// ReplaceMatchSummaries overwrites the denormalized per-entity summary
	// list for one source. Entities absent from the map are reset to an
	// empty list; the summaries are a full recompute, never a patch.
	ReplaceMatchSummaries(ctx context.Context, source common.CrossRefSource, summaries map[int64][]common.MatchSummary) error
}
