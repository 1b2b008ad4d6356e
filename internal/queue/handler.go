package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/crossref"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/ingest"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/layers"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/leaselock"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/pipeline"
)

// JobMsg is the payload carried by every work queue message. Most jobs need
// no parameters; ingest carries the object prefix to load.
type JobMsg struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
}

// Handler dispatches queue messages to the pipeline stages. The batch
// passes run under a pass lock so concurrent workers never run the same
// pass twice.
type Handler struct {
	Orchestrator *pipeline.Orchestrator
	Deduper      *pipeline.Deduper
	Matcher      *crossref.Matcher
	Classifier   *layers.Classifier
	Ingestor     *ingest.Ingestor
	Locks        *leaselock.Client

	RootName string
	RootType common.EntityType
}

// Handle processes one message. A nil return acks the message; an error
// sends it to the retry queue.
func (h *Handler) Handle(ctx context.Context, queueName string, body []byte) error {
	var msg JobMsg
	if len(body) > 0 {
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("decoding message for %s: %w", queueName, err)
		}
	}

	switch queueName {
	case IngestQueue:
		_, err := h.Ingestor.Run(ctx, msg.Prefix)
		return err

	case AnalyzeQueue:
		_, err := h.Orchestrator.Run(ctx)
		return err

	case DedupeQueue:
		return h.withPass(ctx, leaselock.PassDedupe, func(ctx context.Context) error {
			_, err := h.Deduper.Run(ctx)
			return err
		})

	case CrossRefQueue:
		return h.withPass(ctx, leaselock.PassCrossRef, func(ctx context.Context) error {
			_, err := h.Matcher.Run(ctx)
			return err
		})

	case LayerQueue:
		return h.withPass(ctx, leaselock.PassLayers, func(ctx context.Context) error {
			_, err := h.Classifier.Run(ctx, h.RootName, h.RootType)
			return err
		})

	default:
		return fmt.Errorf("unknown queue %s", queueName)
	}
}

// withPass runs fn under the pass lock. A busy lock means another worker is
// already on it, so the message is dropped rather than retried.
func (h *Handler) withPass(ctx context.Context, pass leaselock.Pass, fn func(ctx context.Context) error) error {
	err := h.Locks.WithPass(ctx, pass, fn)
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Warn("pass already running elsewhere, dropping message", "pass", pass)
		return nil
	}
	return err
}
