package pipeline

import (
	"context"
	"fmt"

	"github.com/subculture-collective/epstein-db/pipeline/internal/util"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

const snippetLimit = 300

// Canonicalizer resolves raw extracted names to canonical entity ids and
// persists the per-document links and triples. Resolution for one document
// is sequential; concurrency safety across documents comes from the atomic
// upsert in the store.
type Canonicalizer struct {
	entities store.EntityStore
}

func NewCanonicalizer(entities store.EntityStore) *Canonicalizer {
	return &Canonicalizer{entities: entities}
}

type entityKey struct {
	name string
	typ  common.EntityType
}

// Apply persists the entities and triples of one analyzed document.
func (c *Canonicalizer) Apply(ctx context.Context, documentID int64, analysis *common.DocumentAnalysis) error {
	resolved := make(map[entityKey]int64)
	mentions := make(map[int64]int)
	snippets := make(map[int64]string)
	var order []int64

	resolve := func(name, rawType string) (int64, error) {
		key := entityKey{name: name, typ: common.ParseEntityType(rawType)}
		if id, ok := resolved[key]; ok {
			return id, nil
		}
		id, err := c.entities.UpsertEntity(ctx, key.name, key.typ, "")
		if err != nil {
			return 0, fmt.Errorf("resolving entity %q (%s): %w", key.name, key.typ, err)
		}
		resolved[key] = id
		order = append(order, id)
		return id, nil
	}

	for _, e := range analysis.Entities {
		id, err := resolve(e.Name, e.Type)
		if err != nil {
			return err
		}
		mentions[id]++
		if snippets[id] == "" && e.Context != "" {
			snippet, _ := util.Truncate(e.Context, snippetLimit, "...")
			snippets[id] = snippet
		}
	}

	triples := make([]common.Triple, 0, len(analysis.Triples))
	for i, t := range analysis.Triples {
		subjectID, err := resolve(t.Subject, t.SubjectType)
		if err != nil {
			return err
		}
		objectID, err := resolve(t.Object, t.ObjectType)
		if err != nil {
			return err
		}

		var locationID *int64
		if t.Location != "" {
			id, err := resolve(t.Location, string(common.EntityLocation))
			if err != nil {
				return err
			}
			locationID = &id
		}

		triples = append(triples, common.Triple{
			DocumentID:    documentID,
			SubjectID:     subjectID,
			ObjectID:      objectID,
			LocationID:    locationID,
			Predicate:     t.Predicate,
			ExplicitTopic: t.ExplicitTopic,
			ImplicitTopic: t.ImplicitTopic,
			Tags:          t.Tags,
			OrderIndex:    i,
		})
	}

	for _, id := range order {
		count := mentions[id]
		if count == 0 {
			// Triple endpoint that never appeared in the entity list still
			// gets a link row so co-occurrence sees it.
			count = 1
		}
		err := c.entities.LinkEntityToDocument(ctx, common.DocumentEntityLink{
			DocumentID:   documentID,
			EntityID:     id,
			MentionCount: count,
			Snippet:      snippets[id],
		})
		if err != nil {
			return fmt.Errorf("linking entity %d to document %d: %w", id, documentID, err)
		}
	}

	if err := c.entities.InsertTriples(ctx, triples); err != nil {
		return fmt.Errorf("inserting triples for document %d: %w", documentID, err)
	}
	return nil
}
