package ingest

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

// Bucket is the object-store surface the ingestor reads the corpus from.
type Bucket interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	GetText(ctx context.Context, key string) (string, error)
}

// Ingestor loads OCR'd text objects into the documents table as pending
// rows. Objects whose document id already exists are skipped, so re-running
// an ingest over the same prefix is harmless.
type Ingestor struct {
	bucket    Bucket
	documents store.DocumentStore
	datasetID int
}

func New(bucket Bucket, documents store.DocumentStore, datasetID int) *Ingestor {
	if datasetID <= 0 {
		datasetID = 1
	}
	return &Ingestor{
		bucket:    bucket,
		documents: documents,
		datasetID: datasetID,
	}
}

// Report summarizes one ingest run.
type Report struct {
	Listed   int
	Inserted int
	Skipped  int
	Empty    int
}

// Run lists every text object under prefix and inserts the new ones.
func (i *Ingestor) Run(ctx context.Context, prefix string) (*Report, error) {
	keys, err := i.bucket.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing corpus objects: %w", err)
	}

	report := &Report{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !strings.HasSuffix(key, ".txt") {
			continue
		}
		report.Listed++

		docID := docIDFromKey(key)
		if docID == "" {
			continue
		}

		text, err := i.bucket.GetText(ctx, key)
		if err != nil {
			return report, fmt.Errorf("downloading %s: %w", key, err)
		}
		if strings.TrimSpace(text) == "" {
			report.Empty++
			logger.Warn("skipping empty corpus object", "key", key)
			continue
		}

		inserted, err := i.documents.InsertDocument(ctx, docID, i.datasetID, text)
		if err != nil {
			return report, fmt.Errorf("inserting document %s: %w", docID, err)
		}
		if inserted {
			report.Inserted++
		} else {
			report.Skipped++
		}
	}

	logger.Info(
		"corpus ingest finished",
		"prefix", prefix,
		"listed", report.Listed,
		"inserted", report.Inserted,
		"skipped", report.Skipped,
		"empty", report.Empty,
	)
	return report, nil
}

// docIDFromKey derives the stable document id from an object key, e.g.
// "corpus/prod/DOJ-OGR-00011234.txt" becomes "DOJ-OGR-00011234".
func docIDFromKey(key string) string {
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}
