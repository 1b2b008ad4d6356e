package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subculture-collective/epstein-db/pipeline/internal/db"
	"github.com/subculture-collective/epstein-db/pipeline/internal/storage"
	"github.com/subculture-collective/epstein-db/pipeline/internal/util"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/ai"
	oll "github.com/subculture-collective/epstein-db/pipeline/pkg/ai/ollama"
	oai "github.com/subculture-collective/epstein-db/pipeline/pkg/ai/openai"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/crossref"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/extract"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/ingest"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/layers"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/leaselock"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger/console"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/pipeline"
	pgxstore "github.com/subculture-collective/epstein-db/pipeline/pkg/store/pgx"
)

const usage = `usage: pipeline <command>

commands:
  migrate           apply database migrations
  ingest <prefix>   load corpus text objects under an S3 prefix
  analyze           run extraction over all pending documents
  dedupe            run the model-assisted alias merge pass
  crossref          match entities against the reference datasets
  layers            recompute entity layers from the root entity
`

func main() {
	util.LoadEnv()

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	})
	logger.Init(consoleLogger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if command == "migrate" {
		if err := db.Migrate(util.GetEnv("DATABASE_URL")); err != nil {
			logger.Fatal("Migration failed", "err", err)
		}
		return
	}

	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	pgStore := pgxstore.NewStore(pgConn, pgxstore.StoreParams{
		StaleAfter: time.Duration(util.GetEnvInt("STALE_AFTER_MINUTES", 30)) * time.Minute,
	})
	locks := leaselock.New(pgConn, 15*time.Minute)

	switch command {
	case "ingest":
		if len(os.Args) < 3 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		bucket, err := storage.NewCorpusBucket(ctx)
		if err != nil {
			logger.Fatal("Unable to create S3 client", "err", err)
		}
		ingestor := ingest.New(bucket, pgStore, util.GetEnvInt("DATASET_ID", 1))
		if _, err := ingestor.Run(ctx, os.Args[2]); err != nil {
			logger.Fatal("Ingest failed", "err", err)
		}

	case "analyze":
		aiClient := newAIClient()
		extractor := extract.NewClient(aiClient, extract.ClientParams{
			CharBudget: util.GetEnvInt("EXTRACT_CHAR_BUDGET", 60000),
			MaxRetries: util.GetEnvInt("EXTRACT_MAX_RETRIES", 3),
		})
		orchestrator := pipeline.NewOrchestrator(pgStore, extractor, pipeline.NewCanonicalizer(pgStore), pipeline.OrchestratorParams{
			Workers:       util.GetEnvInt("PIPELINE_WORKERS", 4),
			BatchSize:     util.GetEnvInt("PIPELINE_BATCH_SIZE", 50),
			CallTimeout:   time.Duration(util.GetEnvInt("PIPELINE_CALL_TIMEOUT_SECONDS", 300)) * time.Second,
			BatchPause:    time.Duration(util.GetEnvInt("PIPELINE_BATCH_PAUSE_SECONDS", 2)) * time.Second,
			RatePerSecond: util.GetEnvFloat("PIPELINE_RATE_PER_SECOND", 0),
		})

		go func() {
			<-ctx.Done()
			orchestrator.Stop()
		}()

		if _, err := orchestrator.Run(context.Background()); err != nil {
			logger.Fatal("Extraction run failed", "err", err)
		}
		logMetrics(aiClient)

	case "dedupe":
		aiClient := newAIClient()
		deduper := pipeline.NewDeduper(pgStore, aiClient, pipeline.DeduperParams{
			Confidence: util.GetEnvFloat("DEDUPE_CONFIDENCE", 0.85),
		})
		err := locks.WithPass(ctx, leaselock.PassDedupe, func(ctx context.Context) error {
			_, err := deduper.Run(ctx)
			return err
		})
		if err != nil {
			logger.Fatal("Dedupe run failed", "err", err)
		}
		logMetrics(aiClient)

	case "crossref":
		matcher := crossref.NewMatcher(pgStore, crossref.MatcherParams{
			Threshold: util.GetEnvFloat("CROSSREF_THRESHOLD", crossref.DefaultThreshold),
			TopK:      util.GetEnvInt("CROSSREF_TOP_K", crossref.DefaultTopK),
		})
		err := locks.WithPass(ctx, leaselock.PassCrossRef, func(ctx context.Context) error {
			_, err := matcher.Run(ctx)
			return err
		})
		if err != nil {
			logger.Fatal("Cross-reference run failed", "err", err)
		}

	case "layers":
		classifier := layers.NewClassifier(pgStore, pgStore)
		rootName := util.GetEnv("ROOT_ENTITY_NAME")
		rootType := common.EntityType(util.GetEnvString("ROOT_ENTITY_TYPE", string(common.EntityPerson)))
		err := locks.WithPass(ctx, leaselock.PassLayers, func(ctx context.Context) error {
			_, err := classifier.Run(ctx, rootName, rootType)
			return err
		})
		if err != nil {
			logger.Fatal("Layer run failed", "err", err)
		}

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func newAIClient() ai.Client {
	switch util.GetEnv("AI_ADAPTER") {
	case "ollama":
		client, err := oll.NewOllamaClient(oll.NewOllamaClientParams{
			ExtractionModel: util.GetEnv("AI_EXTRACT_MODEL"),
			GroupingModel:   util.GetEnv("AI_GROUPING_MODEL"),
			BaseURL:         util.GetEnv("AI_URL"),
			APIKey:          util.GetEnv("AI_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvInt("AI_MAX_CONCURRENT", 2)),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return oai.NewOpenAIClient(oai.NewOpenAIClientParams{
			ExtractionModel: util.GetEnv("AI_EXTRACT_MODEL"),
			GroupingModel:   util.GetEnv("AI_GROUPING_MODEL"),
			BaseURL:         util.GetEnv("AI_URL"),
			APIKey:          util.GetEnv("AI_KEY"),
		})
	}
}

func logMetrics(aiClient ai.Client) {
	metrics := aiClient.GetMetrics()
	logger.Info(
		"AI Metrics",
		"input_tokens", metrics.InputTokens,
		"output_tokens", metrics.OutputTokens,
		"total_tokens", metrics.TotalTokens,
		"tokens_per_second", metrics.TokenPerSecond,
	)
}
