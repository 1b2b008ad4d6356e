package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/store"
)

// Analyzer is the extraction call the orchestrator dispatches documents to.
type Analyzer interface {
	Analyze(ctx context.Context, doc common.PendingDocument) (*common.DocumentAnalysis, error)
}

// Orchestrator drains the pending document queue: it claims documents,
// dispatches them to the extraction client under bounded concurrency and
// rate limiting, and persists results or failure markers. A single
// document's failure never aborts the run.
type Orchestrator struct {
	documents     store.DocumentStore
	analyzer      Analyzer
	canonicalizer *Canonicalizer

	workers     int
	batchSize   int
	callTimeout time.Duration
	batchPause  time.Duration
	limiter     *rate.Limiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

type OrchestratorParams struct {
	// Workers bounds in-flight extraction calls. Defaults to 4.
	Workers int

	// BatchSize is how many pending documents are fetched per cycle.
	// Defaults to 50.
	BatchSize int

	// CallTimeout bounds one extraction call including retries.
	// Defaults to 5 minutes.
	CallTimeout time.Duration

	// BatchPause is the delay between batches. Defaults to 2 seconds.
	BatchPause time.Duration

	// RatePerSecond caps extraction call dispatch. Zero means no limit.
	RatePerSecond float64
}

func NewOrchestrator(
	documents store.DocumentStore,
	analyzer Analyzer,
	canonicalizer *Canonicalizer,
	params OrchestratorParams,
) *Orchestrator {
	if params.Workers <= 0 {
		params.Workers = 4
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 50
	}
	if params.CallTimeout <= 0 {
		params.CallTimeout = 5 * time.Minute
	}
	if params.BatchPause <= 0 {
		params.BatchPause = 2 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if params.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(params.RatePerSecond), 1)
	}

	return &Orchestrator{
		documents:     documents,
		analyzer:      analyzer,
		canonicalizer: canonicalizer,
		workers:       params.Workers,
		batchSize:     params.BatchSize,
		callTimeout:   params.CallTimeout,
		batchPause:    params.BatchPause,
		limiter:       limiter,
		stopCh:        make(chan struct{}),
	}
}

// Stop prevents new batches from being claimed. The in-flight batch drains
// normally. Safe to call more than once and from any goroutine.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
}

func (o *Orchestrator) stopped() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// RunReport aggregates the outcome of one orchestrator run.
type RunReport struct {
	Reclaimed int64
	Processed int
	Succeeded int
	Failed    int
}

// Run processes pending documents until none remain, the context is
// canceled, or Stop is called. It returns an error only for fatal
// conditions; per-document failures are recorded on the document rows and
// counted in the report.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	reclaimed, err := o.documents.ReclaimStale(ctx)
	if err != nil {
		return nil, fmt.Errorf("reclaiming stale documents: %w", err)
	}
	if reclaimed > 0 {
		logger.Warn("reclaimed documents stuck in processing", "count", reclaimed)
	}

	report := &RunReport{Reclaimed: reclaimed}

	for {
		if o.stopped() {
			logger.Info("stop requested, not claiming further documents")
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch, err := o.documents.FetchPending(ctx, o.batchSize)
		if err != nil {
			return report, fmt.Errorf("fetching pending documents: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		var mu sync.Mutex
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(o.workers)

		for _, doc := range batch {
			d := doc
			g.Go(func() error {
				select {
				case <-gCtx.Done():
					return nil
				default:
				}

				outcome, err := o.processDocument(gCtx, d)
				if err != nil {
					return err
				}
				if outcome == docSkipped {
					return nil
				}

				mu.Lock()
				report.Processed++
				if outcome == docSucceeded {
					report.Succeeded++
				} else {
					report.Failed++
				}
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return report, err
		}

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(o.batchPause):
		}
	}

	logger.Info(
		"extraction run finished",
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"reclaimed", report.Reclaimed,
	)
	return report, nil
}

// docOutcome is what one document dispatch amounts to in the run report.
type docOutcome int

const (
	docSkipped docOutcome = iota
	docSucceeded
	docFailed
)

// processDocument runs one document end to end. A returned error is fatal
// to the whole run; per-document failures are recorded and swallowed.
func (o *Orchestrator) processDocument(ctx context.Context, doc common.PendingDocument) (docOutcome, error) {
	claimed, err := o.documents.Claim(ctx, doc.ID)
	if err != nil {
		return docSkipped, fmt.Errorf("claiming document %s: %w", doc.DocID, err)
	}
	if !claimed {
		// Another worker took it between fetch and claim; it counts the
		// document, not us.
		return docSkipped, nil
	}

	if err := o.limiter.Wait(ctx); err != nil {
		return docSkipped, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	analysis, err := o.analyzer.Analyze(callCtx, doc)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return docSkipped, ctx.Err()
		}
		o.recordFailure(ctx, doc, err)
		return docFailed, nil
	}

	if err := o.documents.WriteResult(ctx, doc.ID, *analysis); err != nil {
		return docFailed, fmt.Errorf("writing result for document %s: %w", doc.DocID, err)
	}

	if err := o.canonicalizer.Apply(ctx, doc.ID, analysis); err != nil {
		if errors.Is(err, store.ErrEntityConflict) {
			// The atomic upsert makes this impossible unless the schema is
			// broken, so the run must not continue.
			return docFailed, err
		}
		o.recordFailure(ctx, doc, err)
		return docFailed, nil
	}

	logger.Debug(
		"document analyzed",
		"docId", doc.DocID,
		"entities", len(analysis.Entities),
		"triples", len(analysis.Triples),
	)
	return docSucceeded, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, doc common.PendingDocument, cause error) {
	message, _ := failureMessage(cause)
	logger.Error("document analysis failed", "docId", doc.DocID, "error", message)

	if err := o.documents.MarkFailed(ctx, doc.ID, message); err != nil {
		logger.Error("failed to mark document as failed", "docId", doc.DocID, "error", err)
	}
}
