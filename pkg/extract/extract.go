package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/subculture-collective/epstein-db/pipeline/internal/util"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/ai"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/logger"
)

type responseEntity struct {
	Name    string `json:"name" jsonschema_description:"Entity name exactly as written in the document"`
	Type    string `json:"type" jsonschema_description:"One of the provided entity types"`
	Context string `json:"context" jsonschema_description:"Short snippet of the document text surrounding the mention"`
}

type responseTriple struct {
	Subject       string   `json:"subject" jsonschema_description:"Name of the subject entity"`
	SubjectType   string   `json:"subjectType" jsonschema_description:"Entity type of the subject"`
	Predicate     string   `json:"predicate" jsonschema_description:"Short verb phrase relating subject to object"`
	Object        string   `json:"object" jsonschema_description:"Name of the object entity"`
	ObjectType    string   `json:"objectType" jsonschema_description:"Entity type of the object"`
	Location      string   `json:"location" jsonschema_description:"Location the relationship occurred at, empty if unknown"`
	Timestamp     string   `json:"timestamp" jsonschema_description:"When the relationship occurred, empty if unknown"`
	ExplicitTopic string   `json:"explicitTopic" jsonschema_description:"Topic stated in the text, empty if none"`
	ImplicitTopic string   `json:"implicitTopic" jsonschema_description:"Topic inferred from context, empty if none"`
	Tags          []string `json:"tags" jsonschema_description:"Short lowercase tags for the relationship"`
}

type analysisResponse struct {
	Summary         string           `json:"summary" jsonschema_description:"One sentence summary of the document"`
	DetailedSummary string           `json:"detailedSummary" jsonschema_description:"Several sentence summary of the document"`
	DocumentType    string           `json:"documentType" jsonschema_description:"Short document classification such as deposition or flight_log"`
	DateEarliest    string           `json:"dateEarliest" jsonschema_description:"Earliest date referenced, YYYY-MM-DD, empty if none"`
	DateLatest      string           `json:"dateLatest" jsonschema_description:"Latest date referenced, YYYY-MM-DD, empty if none"`
	ContentTags     []string         `json:"contentTags" jsonschema_description:"Short lowercase content tags"`
	Entities        []responseEntity `json:"entities" jsonschema_description:"Named entities found in the document"`
	Triples         []responseTriple `json:"triples" jsonschema_description:"Relationships found in the document"`
}

// CallError reports a failed model call: transport errors, timeouts,
// provider refusals.
type CallError struct {
	DocID string
	Err   error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("extraction call for document %s failed: %v", e.DocID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// SchemaError reports a response that could not be decoded or that decoded
// but violated the expected shape. Raw carries an excerpt of the offending
// payload for the failure record.
type SchemaError struct {
	DocID string
	Raw   string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("extraction response for document %s failed validation: %v", e.DocID, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

const rawExcerptLimit = 512

// Client turns raw document text into a validated DocumentAnalysis via one
// schema-constrained model call.
type Client struct {
	aiClient   ai.Client
	validate   *validator.Validate
	charBudget int
	maxRetries int
}

type ClientParams struct {
	// CharBudget caps the document text sent to the model, in characters.
	// Defaults to 60000.
	CharBudget int

	// MaxRetries is how often a failed model call is retried. Defaults to 3.
	MaxRetries int
}

func NewClient(aiClient ai.Client, params ClientParams) *Client {
	if params.CharBudget <= 0 {
		params.CharBudget = 60000
	}
	if params.MaxRetries <= 0 {
		params.MaxRetries = 3
	}
	return &Client{
		aiClient:   aiClient,
		validate:   validator.New(),
		charBudget: params.CharBudget,
		maxRetries: params.MaxRetries,
	}
}

var entityTypeList = strings.Join([]string{
	string(common.EntityPerson),
	string(common.EntityOrganization),
	string(common.EntityLocation),
	string(common.EntityDate),
	string(common.EntityReference),
	string(common.EntityFinancial),
}, ", ")

// Analyze sends one document through the extraction model and returns the
// validated result. Failures carry either a CallError or a SchemaError.
func (c *Client) Analyze(ctx context.Context, doc common.PendingDocument) (*common.DocumentAnalysis, error) {
	text := prepareText(doc, c.charBudget)
	systemPrompt := fmt.Sprintf(ai.ExtractPrompt, entityTypeList, doc.DocID)

	var res analysisResponse
	err := util.RetryErrWithContext(ctx, c.maxRetries, func(ctx context.Context) error {
		res = analysisResponse{}
		err := c.aiClient.GenerateCompletionWithFormat(
			ctx,
			"analyze_document",
			"Summarize a document and extract its entities and relationships.",
			text,
			&res,
			ai.WithSystemPrompts(systemPrompt),
		)
		var malformed *ai.MalformedResponseError
		if errors.As(err, &malformed) {
			// The model answered, the answer just isn't JSON. That is a
			// shape failure for the record, not a call to repeat.
			return util.Permanent(err)
		}
		return err
	})
	if err != nil {
		var malformed *ai.MalformedResponseError
		if errors.As(err, &malformed) {
			excerpt, _ := util.Truncate(malformed.Raw, rawExcerptLimit, "...")
			return nil, &SchemaError{DocID: doc.DocID, Raw: excerpt, Err: err}
		}
		return nil, &CallError{DocID: doc.DocID, Err: err}
	}

	analysis := toAnalysis(res)
	if err := c.validate.Struct(analysis); err != nil {
		return nil, &SchemaError{DocID: doc.DocID, Raw: rawExcerpt(res), Err: err}
	}
	return analysis, nil
}

func toAnalysis(res analysisResponse) *common.DocumentAnalysis {
	analysis := &common.DocumentAnalysis{
		Summary:         strings.TrimSpace(res.Summary),
		DetailedSummary: strings.TrimSpace(res.DetailedSummary),
		DocumentType:    strings.TrimSpace(res.DocumentType),
		DateEarliest:    strings.TrimSpace(res.DateEarliest),
		DateLatest:      strings.TrimSpace(res.DateLatest),
		ContentTags:     res.ContentTags,
	}

	for _, e := range res.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		analysis.Entities = append(analysis.Entities, common.ExtractedEntity{
			Name:    name,
			Type:    e.Type,
			Context: e.Context,
		})
	}

	for _, t := range res.Triples {
		subject := strings.TrimSpace(t.Subject)
		object := strings.TrimSpace(t.Object)
		if subject == "" || object == "" {
			continue
		}
		analysis.Triples = append(analysis.Triples, common.ExtractedTriple{
			Subject:       subject,
			SubjectType:   t.SubjectType,
			Predicate:     strings.TrimSpace(t.Predicate),
			Object:        object,
			ObjectType:    t.ObjectType,
			Location:      strings.TrimSpace(t.Location),
			Timestamp:     t.Timestamp,
			ExplicitTopic: t.ExplicitTopic,
			ImplicitTopic: t.ImplicitTopic,
			Tags:          t.Tags,
		})
	}

	return analysis
}

func rawExcerpt(res analysisResponse) string {
	raw, err := json.Marshal(res)
	if err != nil {
		return ""
	}
	excerpt, _ := util.Truncate(string(raw), rawExcerptLimit, "...")
	return excerpt
}

func prepareText(doc common.PendingDocument, charBudget int) string {
	text, truncated := util.Truncate(doc.Text, charBudget, TruncationMarker)
	if truncated {
		logger.Warn(
			"document text exceeds extraction budget, truncating",
			"docId", doc.DocID,
			"chars", len([]rune(doc.Text)),
			"budget", charBudget,
			"tokens", countTokens(doc.Text),
		)
	}
	return text
}
