package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/ai"
	"github.com/subculture-collective/epstein-db/pipeline/pkg/common"
)

type fakeAIClient struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
	systems   []string
}

func (f *fakeAIClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeAIClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	options := &ai.GenerateOptions{}
	for _, opt := range opts {
		opt(options)
	}

	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.systems = append(f.systems, strings.Join(options.SystemPrompts, "\n"))

	if idx < len(f.errs) && f.errs[idx] != nil {
		return f.errs[idx]
	}
	if idx >= len(f.responses) {
		return errors.New("no response configured")
	}
	return json.Unmarshal([]byte(f.responses[idx]), out)
}

func (f *fakeAIClient) ResetMetrics()               {}
func (f *fakeAIClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

const validResponse = `{
	"summary": "Flight manifest for a trip from Palm Beach to Teterboro.",
	"detailedSummary": "The document lists passengers and crew for a February 2002 flight between Palm Beach International and Teterboro airport, including tail number and flight time.",
	"documentType": "flight_log",
	"dateEarliest": "2002-02-09",
	"dateLatest": "2002-02-09",
	"contentTags": ["aviation", "travel"],
	"entities": [
		{"name": "G. Maxwell", "type": "person", "context": "Passengers: G. Maxwell, J. Doe"},
		{"name": "Palm Beach", "type": "location", "context": "departing Palm Beach"}
	],
	"triples": [
		{
			"subject": "G. Maxwell",
			"subjectType": "person",
			"predicate": "flew from",
			"object": "Palm Beach",
			"objectType": "location",
			"location": "",
			"timestamp": "2002-02-09",
			"explicitTopic": "flight",
			"implicitTopic": "",
			"tags": ["travel"]
		}
	]
}`

func TestAnalyzeValidResponse(t *testing.T) {
	fake := &fakeAIClient{responses: []string{validResponse}}
	client := NewClient(fake, ClientParams{})

	analysis, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    1,
		DocID: "DOJ-OGR-00011234",
		Text:  "Passengers: G. Maxwell, J. Doe departing Palm Beach 02/09/2002",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if analysis.DocumentType != "flight_log" {
		t.Errorf("expected documentType flight_log, got %q", analysis.DocumentType)
	}
	if len(analysis.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(analysis.Entities))
	}
	if analysis.Entities[0].Name != "G. Maxwell" {
		t.Errorf("expected first entity G. Maxwell, got %q", analysis.Entities[0].Name)
	}
	if len(analysis.Triples) != 1 {
		t.Fatalf("expected 1 triple, got %d", len(analysis.Triples))
	}
	if analysis.Triples[0].Predicate != "flew from" {
		t.Errorf("unexpected predicate %q", analysis.Triples[0].Predicate)
	}
}

func TestAnalyzeIncludesDocIDInPrompt(t *testing.T) {
	fake := &fakeAIClient{responses: []string{validResponse}}
	client := NewClient(fake, ClientParams{})

	_, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    7,
		DocID: "DOJ-OGR-00099",
		Text:  "some text",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if !strings.Contains(fake.systems[0], "DOJ-OGR-00099") {
		t.Error("expected system prompt to reference the document id")
	}
	if !strings.Contains(fake.systems[0], string(common.EntityPerson)) {
		t.Error("expected system prompt to list entity types")
	}
}

func TestAnalyzeTruncatesLongText(t *testing.T) {
	fake := &fakeAIClient{responses: []string{validResponse}}
	client := NewClient(fake, ClientParams{CharBudget: 100})

	longText := strings.Repeat("deposition transcript page ", 50)
	_, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    2,
		DocID: "DOJ-OGR-00022",
		Text:  longText,
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	sent := fake.prompts[0]
	if !strings.HasSuffix(sent, TruncationMarker) {
		t.Error("expected truncated text to end with the truncation marker")
	}
	if len([]rune(sent)) != 100+len([]rune(TruncationMarker)) {
		t.Errorf("expected 100 runes plus marker, got %d", len([]rune(sent)))
	}
}

func TestAnalyzeRetriesTransientFailures(t *testing.T) {
	fake := &fakeAIClient{
		errs:      []error{errors.New("connection reset"), nil},
		responses: []string{"", validResponse},
	}
	client := NewClient(fake, ClientParams{MaxRetries: 3})

	_, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    3,
		DocID: "DOJ-OGR-00033",
		Text:  "some text",
	})
	if err != nil {
		t.Fatalf("Analyze failed after retry: %v", err)
	}
	if fake.calls != 2 {
		t.Errorf("expected 2 calls, got %d", fake.calls)
	}
}

func TestAnalyzeCallErrorAfterRetriesExhausted(t *testing.T) {
	cause := errors.New("model unavailable")
	fake := &fakeAIClient{errs: []error{cause, cause, cause}}
	client := NewClient(fake, ClientParams{MaxRetries: 3})

	_, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    4,
		DocID: "DOJ-OGR-00044",
		Text:  "some text",
	})

	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %T: %v", err, err)
	}
	if callErr.DocID != "DOJ-OGR-00044" {
		t.Errorf("expected doc id in error, got %q", callErr.DocID)
	}
	if fake.calls != 3 {
		t.Errorf("expected 3 calls, got %d", fake.calls)
	}
}

func TestAnalyzeSchemaErrorOnUnparseableResponse(t *testing.T) {
	cause := &ai.MalformedResponseError{
		Raw: "I could not analyze this document.",
		Err: errors.New("decode after repair"),
	}
	fake := &fakeAIClient{errs: []error{cause, cause, cause}}
	client := NewClient(fake, ClientParams{MaxRetries: 3})

	_, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    9,
		DocID: "DOJ-OGR-00099b",
		Text:  "some text",
	})

	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %T: %v", err, err)
	}
	if !strings.Contains(schemaErr.Raw, "could not analyze") {
		t.Errorf("expected raw excerpt of the payload, got %q", schemaErr.Raw)
	}
	if fake.calls != 1 {
		t.Errorf("expected 1 call for undecodable output, got %d", fake.calls)
	}
}

func TestAnalyzeSchemaErrorOnMissingFields(t *testing.T) {
	fake := &fakeAIClient{responses: []string{`{
		"summary": "",
		"detailedSummary": "",
		"documentType": "",
		"entities": [],
		"triples": []
	}`}}
	client := NewClient(fake, ClientParams{})

	_, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    5,
		DocID: "DOJ-OGR-00055",
		Text:  "some text",
	})

	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %T: %v", err, err)
	}
	if schemaErr.Raw == "" {
		t.Error("expected schema error to carry a raw excerpt")
	}
}

func TestAnalyzeSchemaErrorOnBadDate(t *testing.T) {
	bad := strings.Replace(validResponse, `"dateEarliest": "2002-02-09"`, `"dateEarliest": "Feb 9, 2002"`, 1)
	fake := &fakeAIClient{responses: []string{bad}}
	client := NewClient(fake, ClientParams{})

	_, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    6,
		DocID: "DOJ-OGR-00066",
		Text:  "some text",
	})

	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %T: %v", err, err)
	}
}

func TestAnalyzeDropsNamelessEntities(t *testing.T) {
	withBlank := strings.Replace(
		validResponse,
		`{"name": "Palm Beach", "type": "location", "context": "departing Palm Beach"}`,
		`{"name": "   ", "type": "location", "context": ""}`,
		1,
	)
	fake := &fakeAIClient{responses: []string{withBlank}}
	client := NewClient(fake, ClientParams{})

	analysis, err := client.Analyze(context.Background(), common.PendingDocument{
		ID:    8,
		DocID: "DOJ-OGR-00088",
		Text:  "some text",
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(analysis.Entities) != 1 {
		t.Fatalf("expected blank entity dropped, got %d entities", len(analysis.Entities))
	}
}
