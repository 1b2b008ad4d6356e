package openai

import (
	"math"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/ai"
)

// OpenAIClient implements ai.Client against an OpenAI-compatible endpoint.
// It is the default adapter for the extraction pipeline.
type OpenAIClient struct {
	extractionModel string
	groupingModel   string

	baseURL string
	apiKey  string

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient *openai.Client
}

// NewOpenAIClientParams defines the configuration for creating an OpenAIClient.
//
// ExtractionModel is used for per-document structured extraction.
// GroupingModel is used for the offline alias-grouping pass; it falls back
// to ExtractionModel when empty.
type NewOpenAIClientParams struct {
	ExtractionModel string
	GroupingModel   string

	BaseURL string
	APIKey  string
}

// NewOpenAIClient creates a client configured with the provided parameters.
func NewOpenAIClient(params NewOpenAIClientParams) *OpenAIClient {
	groupingModel := params.GroupingModel
	if groupingModel == "" {
		groupingModel = params.ExtractionModel
	}

	options := []option.RequestOption{
		option.WithAPIKey(params.APIKey),
	}
	if params.BaseURL != "" {
		options = append(options, option.WithBaseURL(params.BaseURL))
	}
	client := openai.NewClient(options...)

	return &OpenAIClient{
		extractionModel: params.ExtractionModel,
		groupingModel:   groupingModel,

		baseURL: params.BaseURL,
		apiKey:  params.APIKey,

		metricsLock: sync.Mutex{},
		metrics:     ai.ModelMetrics{},

		ChatClient: &client,
	}
}

// ResetMetrics clears all accumulated token and timing metrics to zero.
func (c *OpenAIClient) ResetMetrics() {
	c.metricsLock.Lock()
	c.metrics = ai.ModelMetrics{}
	c.metricsLock.Unlock()
}

// GetMetrics returns the accumulated token usage and timing since the last reset.
func (c *OpenAIClient) GetMetrics() ai.ModelMetrics {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	return c.metrics
}

func (c *OpenAIClient) modifyMetrics(m ai.ModelMetrics) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.metrics.InputTokens += m.InputTokens
	c.metrics.OutputTokens += m.OutputTokens
	c.metrics.TotalTokens += m.TotalTokens
	c.metrics.DurationMs += m.DurationMs

	if c.metrics.DurationMs > 0 {
		tokensPerSecond := (float64(c.metrics.TotalTokens) * 1000.0) / float64(c.metrics.DurationMs)
		c.metrics.TokenPerSecond = float32(math.Round(tokensPerSecond*100) / 100)
	}
}
