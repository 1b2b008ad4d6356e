package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

type documentRow struct {
	id        int64
	docID     string
	datasetID int
	text      string
	status    common.AnalysisStatus
	errorText string
	analysis  *common.DocumentAnalysis
}

type entityRow struct {
	id      int64
	name    string
	typ     common.EntityType
	layer   *int
	aliases map[string]struct{}
}

type mergeRecord struct {
	plan store.MergePlan
}

// Store is an in-memory implementation of the storage interfaces, used for
// isolated tests. All operations are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	nextDocID    int64
	nextEntityID int64

	documents map[int64]*documentRow
	docIDs    map[string]int64

	entities    map[int64]*entityRow
	entityByKey map[string]int64

	links   map[string]*common.DocumentEntityLink
	triples []common.Triple

	references map[common.CrossRefSource][]common.ReferenceRecord
	matches    map[string]*common.CrossRefMatch
	summaries  map[common.CrossRefSource]map[int64][]common.MatchSummary

	merges []mergeRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		documents:   make(map[int64]*documentRow),
		docIDs:      make(map[string]int64),
		entities:    make(map[int64]*entityRow),
		entityByKey: make(map[string]int64),
		links:       make(map[string]*common.DocumentEntityLink),
		references:  make(map[common.CrossRefSource][]common.ReferenceRecord),
		matches:     make(map[string]*common.CrossRefMatch),
		summaries:   make(map[common.CrossRefSource]map[int64][]common.MatchSummary),
	}
}

func entityKey(name string, typ common.EntityType) string {
	return name + "|" + string(typ)
}

func linkKey(documentID, entityID int64) string {
	return fmt.Sprintf("%d|%d", documentID, entityID)
}

func matchKey(m common.CrossRefMatch) string {
	return fmt.Sprintf("%d|%s|%d", m.EntityID, m.Source, m.RecordID)
}

// InsertDocument creates a pending corpus document.
func (s *Store) InsertDocument(ctx context.Context, docID string, datasetID int, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docIDs[docID]; exists {
		return false, nil
	}
	s.nextDocID++
	s.documents[s.nextDocID] = &documentRow{
		id:        s.nextDocID,
		docID:     docID,
		datasetID: datasetID,
		text:      text,
		status:    common.StatusPending,
	}
	s.docIDs[docID] = s.nextDocID
	return true, nil
}

// FetchPending returns pending documents with non-empty text, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]common.PendingDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.documents))
	for id, doc := range s.documents {
		if doc.status == common.StatusPending && strings.TrimSpace(doc.text) != "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]common.PendingDocument, 0, len(ids))
	for _, id := range ids {
		doc := s.documents[id]
		out = append(out, common.PendingDocument{ID: doc.id, DocID: doc.docID, Text: doc.text})
	}
	return out, nil
}

func (s *Store) Claim(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok || doc.status != common.StatusPending {
		return false, nil
	}
	doc.status = common.StatusProcessing
	return true, nil
}

func (s *Store) ReclaimStale(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, doc := range s.documents {
		if doc.status == common.StatusProcessing {
			doc.status = common.StatusPending
			count++
		}
	}
	return count, nil
}

func (s *Store) WriteResult(ctx context.Context, id int64, analysis common.DocumentAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return store.ErrNotFound
	}
	a := analysis
	doc.analysis = &a
	doc.status = common.StatusComplete
	doc.errorText = ""
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errorText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return store.ErrNotFound
	}
	doc.status = common.StatusFailed
	doc.errorText = errorText
	return nil
}

// DocumentStatus reports the status and error text of a document, for tests.
func (s *Store) DocumentStatus(id int64) (common.AnalysisStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return "", ""
	}
	return doc.status, doc.errorText
}

// DocumentAnalysisResult returns the stored analysis of a document, for tests.
func (s *Store) DocumentAnalysisResult(id int64) *common.DocumentAnalysis {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil
	}
	return doc.analysis
}

func (s *Store) UpsertEntity(ctx context.Context, name string, entityType common.EntityType, alias string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(name, entityType)
	id, exists := s.entityByKey[key]
	if !exists {
		s.nextEntityID++
		id = s.nextEntityID
		s.entities[id] = &entityRow{
			id:      id,
			name:    name,
			typ:     entityType,
			aliases: make(map[string]struct{}),
		}
		s.entityByKey[key] = id
	}
	if alias != "" {
		s.entities[id].aliases[alias] = struct{}{}
	}
	return id, nil
}

func (s *Store) LinkEntityToDocument(ctx context.Context, link common.DocumentEntityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(link.DocumentID, link.EntityID)
	if existing, ok := s.links[key]; ok {
		existing.MentionCount += link.MentionCount
		if existing.Snippet == "" {
			existing.Snippet = link.Snippet
		}
		return nil
	}
	l := link
	s.links[key] = &l
	return nil
}

func (s *Store) InsertTriples(ctx context.Context, triples []common.Triple) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.triples = append(s.triples, triples...)
	return nil
}

func (s *Store) GetEntityID(ctx context.Context, name string, entityType common.EntityType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entityByKey[entityKey(name, entityType)]
	if !ok {
		return 0, store.ErrNotFound
	}
	return id, nil
}

func (s *Store) ListEntities(ctx context.Context, types []common.EntityType) ([]common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[common.EntityType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	out := make([]common.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if len(types) > 0 && !wanted[e.typ] {
			continue
		}
		out = append(out, s.toEntityLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) toEntityLocked(e *entityRow) common.Entity {
	aliases := make([]string, 0, len(e.aliases))
	for a := range e.aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	var layer *int
	if e.layer != nil {
		l := *e.layer
		layer = &l
	}
	return common.Entity{
		ID:            e.id,
		CanonicalName: e.name,
		Type:          e.typ,
		Layer:         layer,
		Aliases:       aliases,
	}
}

func (s *Store) MergeEntities(ctx context.Context, plan store.MergePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical, ok := s.entities[plan.CanonicalID]
	if !ok {
		return store.ErrNotFound
	}

	for _, dupID := range plan.DuplicateIDs {
		dup, ok := s.entities[dupID]
		if !ok {
			continue
		}

		canonical.aliases[dup.name] = struct{}{}
		for a := range dup.aliases {
			canonical.aliases[a] = struct{}{}
		}

		for key, link := range s.links {
			if link.EntityID != dupID {
				continue
			}
			delete(s.links, key)
			merged := *link
			merged.EntityID = plan.CanonicalID
			mergedKey := linkKey(merged.DocumentID, merged.EntityID)
			if existing, exists := s.links[mergedKey]; exists {
				existing.MentionCount += merged.MentionCount
			} else {
				s.links[mergedKey] = &merged
			}
		}

		for i := range s.triples {
			if s.triples[i].SubjectID == dupID {
				s.triples[i].SubjectID = plan.CanonicalID
			}
			if s.triples[i].ObjectID == dupID {
				s.triples[i].ObjectID = plan.CanonicalID
			}
			if s.triples[i].LocationID != nil && *s.triples[i].LocationID == dupID {
				id := plan.CanonicalID
				s.triples[i].LocationID = &id
			}
		}

		delete(s.entityByKey, entityKey(dup.name, dup.typ))
		delete(s.entities, dupID)
	}

	if plan.CanonicalName != "" && plan.CanonicalName != canonical.name {
		delete(s.entityByKey, entityKey(canonical.name, canonical.typ))
		canonical.aliases[canonical.name] = struct{}{}
		canonical.name = plan.CanonicalName
		s.entityByKey[entityKey(canonical.name, canonical.typ)] = canonical.id
	}

	s.merges = append(s.merges, mergeRecord{plan: plan})
	return nil
}

// MergeCount reports how many merges have been recorded, for tests.
func (s *Store) MergeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.merges)
}

func (s *Store) RefreshEntityStats(ctx context.Context) error {
	return nil
}

func (s *Store) ListEntityIDs(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ListDocumentEntityLinks(ctx context.Context) ([]common.DocumentEntityLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]common.DocumentEntityLink, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, *link)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

func (s *Store) ResetLayers(ctx context.Context, rootID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entities {
		if id == rootID {
			zero := 0
			e.layer = &zero
			continue
		}
		e.layer = nil
	}
	return nil
}

func (s *Store) AssignLayer(ctx context.Context, layer int, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			l := layer
			e.layer = &l
		}
	}
	return nil
}

// EntityLayer reports the layer of an entity, for tests; nil when unset.
func (s *Store) EntityLayer(id int64) *int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	return e.layer
}

// SeedReferenceRecords loads reference rows for one dataset.
func (s *Store) SeedReferenceRecords(source common.CrossRefSource, records []common.ReferenceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[source] = append(s.references[source], records...)
}

func (s *Store) ListMatchableEntities(ctx context.Context) ([]common.Entity, error) {
	return s.ListEntities(ctx, []common.EntityType{
		common.EntityPerson, common.EntityOrganization, common.EntityFinancial,
	})
}

func (s *Store) ListReferenceRecords(ctx context.Context, source common.CrossRefSource) ([]common.ReferenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]common.ReferenceRecord, len(s.references[source]))
	copy(out, s.references[source])
	return out, nil
}

func (s *Store) UpsertMatches(ctx context.Context, matches []common.CrossRefMatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, m := range matches {
		key := matchKey(m)
		if _, exists := s.matches[key]; exists {
			continue
		}
		row := m
		s.matches[key] = &row
		inserted++
	}
	return inserted, nil
}

// MarkFalsePositive flags a match as a confirmed false positive, standing in
// for the human-review path in tests.
func (s *Store) MarkFalsePositive(entityID int64, source common.CrossRefSource, recordID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := matchKey(common.CrossRefMatch{EntityID: entityID, Source: source, RecordID: recordID})
	if m, ok := s.matches[key]; ok {
		m.FalsePositive = true
	}
}

func (s *Store) ListActiveMatches(ctx context.Context, source common.CrossRefSource) ([]common.CrossRefMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]common.CrossRefMatch, 0)
	for _, m := range s.matches {
		if m.Source == source && !m.FalsePositive {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

// MatchCount reports the number of stored match rows, for tests.
func (s *Store) MatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matches)
}

func (s *Store) ReplaceMatchSummaries(ctx context.Context, source common.CrossRefSource, summaries map[int64][]common.MatchSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := make(map[int64][]common.MatchSummary, len(summaries))
	for id, list := range summaries {
		copied := make([]common.MatchSummary, len(list))
		copy(copied, list)
		replaced[id] = copied
	}
	s.summaries[source] = replaced
	return nil
}

// MatchSummaries returns the stored summary list for one entity and source.
func (s *Store) MatchSummaries(entityID int64, source common.CrossRefSource) []common.MatchSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.summaries[source][entityID]
}

// TripleCount reports the number of stored triples, for tests.
func (s *Store) TripleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triples)
}

// Link returns the join row for a (document, entity) pair, for tests.
func (s *Store) Link(documentID, entityID int64) *common.DocumentEntityLink {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[linkKey(documentID, entityID)]
	if !ok {
		return nil
	}
	l := *link
	return &l
}
