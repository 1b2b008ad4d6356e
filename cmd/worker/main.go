package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subculture-collective/epstein-db/pipeline/internal/db"
	"github.com/subculture-collective/epstein-db/pipeline/internal/queue"
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

func newAIClient() ai.Client {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
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

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	if err := db.Migrate(util.GetEnv("DATABASE_URL")); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}

	pgConn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	bucket, err := storage.NewCorpusBucket(ctx)
	if err != nil {
		logger.Fatal("Unable to create S3 client", "err", err)
	}

	aiClient := newAIClient()
	pgStore := pgxstore.NewStore(pgConn, pgxstore.StoreParams{
		StaleAfter: time.Duration(util.GetEnvInt("STALE_AFTER_MINUTES", 30)) * time.Minute,
	})

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

	handler := &queue.Handler{
		Orchestrator: orchestrator,
		Deduper: pipeline.NewDeduper(pgStore, aiClient, pipeline.DeduperParams{
			Confidence: util.GetEnvFloat("DEDUPE_CONFIDENCE", 0.85),
		}),
		Matcher: crossref.NewMatcher(pgStore, crossref.MatcherParams{
			Threshold: util.GetEnvFloat("CROSSREF_THRESHOLD", crossref.DefaultThreshold),
			TopK:      util.GetEnvInt("CROSSREF_TOP_K", crossref.DefaultTopK),
		}),
		Classifier: layers.NewClassifier(pgStore, pgStore),
		Ingestor:   ingest.New(bucket, pgStore, util.GetEnvInt("DATASET_ID", 1)),
		Locks:      leaselock.New(pgConn, 15*time.Minute),

		RootName: util.GetEnv("ROOT_ENTITY_NAME"),
		RootType: common.EntityType(util.GetEnvString("ROOT_ENTITY_TYPE", string(common.EntityPerson))),
	}

	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	logger.Info("Listening for messages")

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queue.Queues {
		go func(qName string) {
			msgs, err := consumerCh.Consume(
				qName,
				fmt.Sprintf("%s_consumer", qName),
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				processingErr := handler.Handle(ctx, qm.queueName, qm.msg.Body)
				if processingErr != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
					handleProcessingError(consumerCh, qm.msg, qm.queueName)
				} else {
					if err := qm.msg.Ack(false); err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				metrics := aiClient.GetMetrics()
				logger.Info(
					"AI Metrics",
					"input_tokens", metrics.InputTokens,
					"output_tokens", metrics.OutputTokens,
					"total_tokens", metrics.TotalTokens,
					"tokens_per_second", metrics.TokenPerSecond,
				)
				logger.Info("Processing time", "duration", time.Since(startTime).Round(time.Second).String())
				aiClient.ResetMetrics()
			}
		}
	}()

	<-ctx.Done()
	orchestrator.Stop()
	logger.Info("Shutdown signal received, exiting...")
}

const maxRetries = 10

func handleProcessingError(ch *amqp.Channel, msg amqp.Delivery, queueName string) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	if retries >= maxRetries {
		dlqName := queueName + "_dlq"
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}
