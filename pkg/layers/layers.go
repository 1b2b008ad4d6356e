package layers

import (
	"context"
	"fmt"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

// OverflowLayer is the terminal bucket. Entities further than two hops from
// the root, or not connected to it at all, are not distinguished.
const OverflowLayer = 3

// Classifier assigns every canonical entity a breadth-first distance from
// the root entity over the co-occurrence graph. Two entities co-occur when
// they are linked to a shared document.
type Classifier struct {
	entities store.EntityStore
	graph    store.GraphStore
}

func NewClassifier(entities store.EntityStore, graph store.GraphStore) *Classifier {
	return &Classifier{
		entities: entities,
		graph:    graph,
	}
}

// Report summarizes one classification run.
type Report struct {
	RootID int64
	Counts map[int]int
	Total  int
}

// Run recomputes every entity's layer from scratch. The co-occurrence edges
// are derived in-process from the document-entity links loaded at the start
// of the run; extraction writes landing during the run show up in the next
// one.
func (c *Classifier) Run(ctx context.Context, rootName string, rootType common.EntityType) (*Report, error) {
	rootID, err := c.entities.GetEntityID(ctx, rootName, rootType)
	if err != nil {
		return nil, fmt.Errorf("resolving root entity %q: %w", rootName, err)
	}

	ids, err := c.graph.ListEntityIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	links, err := c.graph.ListDocumentEntityLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing document links: %w", err)
	}

	assignment := classify(rootID, ids, links)

	if err := c.graph.ResetLayers(ctx, rootID); err != nil {
		return nil, fmt.Errorf("resetting layers: %w", err)
	}
	for layer := 1; layer <= OverflowLayer; layer++ {
		if err := c.graph.AssignLayer(ctx, layer, assignment[layer]); err != nil {
			return nil, fmt.Errorf("assigning layer %d: %w", layer, err)
		}
	}

	report := &Report{
		RootID: rootID,
		Counts: make(map[int]int, OverflowLayer+1),
		Total:  len(ids),
	}
	for layer, members := range assignment {
		report.Counts[layer] = len(members)
	}
	report.Counts[0] = 1

	logger.Info(
		"layer classification finished",
		"root", rootName,
		"entities", report.Total,
		"layer1", report.Counts[1],
		"layer2", report.Counts[2],
		"layer3", report.Counts[3],
	)
	return report, nil
}

// classify labels each entity with its BFS distance from the root, capped at
// the overflow layer. A label is final once set; later, longer paths to the
// same entity never overwrite it.
func classify(rootID int64, ids []int64, links []common.DocumentEntityLink) map[int][]int64 {
	byDocument := make(map[int64][]int64)
	for _, link := range links {
		byDocument[link.DocumentID] = append(byDocument[link.DocumentID], link.EntityID)
	}

	adjacency := make(map[int64]map[int64]struct{})
	for _, members := range byDocument {
		for _, a := range members {
			for _, b := range members {
				if a == b {
					continue
				}
				if adjacency[a] == nil {
					adjacency[a] = make(map[int64]struct{})
				}
				adjacency[a][b] = struct{}{}
			}
		}
	}

	labeled := map[int64]int{rootID: 0}
	frontier := []int64{rootID}

	for layer := 1; layer < OverflowLayer; layer++ {
		var next []int64
		for _, id := range frontier {
			for neighbor := range adjacency[id] {
				if _, done := labeled[neighbor]; done {
					continue
				}
				labeled[neighbor] = layer
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	assignment := make(map[int][]int64, OverflowLayer)
	for _, id := range ids {
		layer, ok := labeled[id]
		if !ok {
			layer = OverflowLayer
		}
		if layer == 0 {
			continue
		}
		assignment[layer] = append(assignment[layer], id)
	}
	return assignment
}
