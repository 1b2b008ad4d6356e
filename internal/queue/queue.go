package queue

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/subculture-collective/epstein-db/pipeline/internal/util"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
)

const (
	IngestQueue   = "ingest_queue"
	AnalyzeQueue  = "analyze_queue"
	DedupeQueue   = "dedupe_queue"
	CrossRefQueue = "crossref_queue"
	LayerQueue    = "layer_queue"
)

// Queues lists every work queue the worker consumes, in the order the
// pipeline stages naturally run.
var Queues = []string{IngestQueue, AnalyzeQueue, DedupeQueue, CrossRefQueue, LayerQueue}

func Init() *amqp091.Connection {
	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		util.GetEnv("RABBITMQ_USER"),
		util.GetEnv("RABBITMQ_PASSWORD"),
		util.GetEnv("RABBITMQ_HOST"),
		util.GetEnv("RABBITMQ_PORT"),
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares every work queue along with its retry queue (TTL
// dead-lettering back to the work queue) and its dead-letter queue.
func SetupQueues(ch *amqp091.Channel) error {
	for _, name := range Queues {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("declaring queue %s: %w", name, err)
		}

		_, err = ch.QueueDeclare(
			name+"_dlq",
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("declaring queue %s_dlq: %w", name, err)
		}

		_, err = ch.QueueDeclare(
			name+"_retry",
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(10000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return fmt.Errorf("declaring queue %s_retry: %w", name, err)
		}
	}

	return nil
}

// Publish sends one persistent message to a work queue.
func Publish(ch *amqp091.Channel, queueName string, data []byte) error {
	return ch.Publish(
		"",
		queueName,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
}
