package ingest

import (
	"context"
	"testing"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/store/memory"
)

type fakeBucket struct {
	objects map[string]string
}

func (f *fakeBucket) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for key := range f.objects {
		keys = append(keys, key)
	}
	return keys, nil
}

func (f *fakeBucket) GetText(ctx context.Context, key string) (string, error) {
	return f.objects[key], nil
}

func TestIngestRun(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]string{
		"corpus/DOJ-OGR-001.txt": "first document text",
		"corpus/DOJ-OGR-002.txt": "second document text",
		"corpus/DOJ-OGR-003.txt": "   ",
		"corpus/manifest.json":   `{"not": "a document"}`,
	}}
	s := memory.New()

	report, err := New(bucket, s, 1).Run(context.Background(), "corpus/")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Listed != 3 {
		t.Errorf("expected 3 text objects listed, got %d", report.Listed)
	}
	if report.Inserted != 2 {
		t.Errorf("expected 2 documents inserted, got %d", report.Inserted)
	}
	if report.Empty != 1 {
		t.Errorf("expected 1 empty object, got %d", report.Empty)
	}

	pending, err := s.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("fetching pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending documents, got %d", len(pending))
	}
}

func TestIngestRerunSkipsExisting(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]string{
		"corpus/DOJ-OGR-001.txt": "document text",
	}}
	s := memory.New()
	ingestor := New(bucket, s, 1)

	if _, err := ingestor.Run(context.Background(), "corpus/"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	report, err := ingestor.Run(context.Background(), "corpus/")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if report.Inserted != 0 || report.Skipped != 1 {
		t.Errorf("expected rerun to skip existing document, got %+v", report)
	}
}
