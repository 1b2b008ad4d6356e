package common

import "strings"

// AnalysisStatus tracks a document through the extraction pipeline.
// Transitions are monotone within a run: pending → processing → complete|failed.
type AnalysisStatus string

const (
	StatusPending    AnalysisStatus = "pending"
	StatusProcessing AnalysisStatus = "processing"
	StatusComplete   AnalysisStatus = "complete"
	StatusFailed     AnalysisStatus = "failed"
)

// EntityType classifies a canonical entity.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityLocation     EntityType = "location"
	EntityDate         EntityType = "date"
	EntityReference    EntityType = "reference"
	EntityFinancial    EntityType = "financial"
	EntityUnknown      EntityType = "unknown"
)

// ParseEntityType maps a model-supplied type string onto a known EntityType,
// falling back to unknown rather than rejecting the entity.
func ParseEntityType(value string) EntityType {
	switch EntityType(strings.ToLower(strings.TrimSpace(value))) {
	case EntityPerson:
		return EntityPerson
	case EntityOrganization:
		return EntityOrganization
	case EntityLocation:
		return EntityLocation
	case EntityDate:
		return EntityDate
	case EntityReference:
		return EntityReference
	case EntityFinancial:
		return EntityFinancial
	default:
		return EntityUnknown
	}
}

// CrossRefSource identifies one of the three external reference datasets.
type CrossRefSource string

const (
	SourcePPP    CrossRefSource = "ppp"
	SourceFEC    CrossRefSource = "fec"
	SourceGrants CrossRefSource = "grants"
)

// CrossRefSources lists all reference datasets in matcher order.
var CrossRefSources = []CrossRefSource{SourcePPP, SourceFEC, SourceGrants}

// PendingDocument is the slice of a document row the orchestrator needs
// to claim and dispatch it: identifier plus raw OCR text.
type PendingDocument struct {
	ID    int64
	DocID string
	Text  string
}

// DocumentAnalysis is the validated result of one extraction call.
// Dates are ISO strings (YYYY-MM-DD) or empty when the model found none.
type DocumentAnalysis struct {
	Summary         string            `json:"summary" validate:"required"`
	DetailedSummary string            `json:"detailedSummary" validate:"required"`
	DocumentType    string            `json:"documentType" validate:"required"`
	DateEarliest    string            `json:"dateEarliest" validate:"omitempty,datetime=2006-01-02"`
	DateLatest      string            `json:"dateLatest" validate:"omitempty,datetime=2006-01-02"`
	ContentTags     []string          `json:"contentTags"`
	Entities        []ExtractedEntity `json:"entities" validate:"dive"`
	Triples         []ExtractedTriple `json:"triples" validate:"dive"`
}

// ExtractedEntity is a raw entity mention as the model reported it,
// before canonicalization.
type ExtractedEntity struct {
	Name    string `json:"name" validate:"required"`
	Type    string `json:"type" validate:"required"`
	Context string `json:"context"`
}

// ExtractedTriple is a raw subject-predicate-object relationship scoped to
// one document. Subject, object, and the optional location are surface forms
// resolved to canonical entities by the canonicalizer.
type ExtractedTriple struct {
	Subject       string   `json:"subject" validate:"required"`
	SubjectType   string   `json:"subjectType" validate:"required"`
	Predicate     string   `json:"predicate" validate:"required"`
	Object        string   `json:"object" validate:"required"`
	ObjectType    string   `json:"objectType" validate:"required"`
	Location      string   `json:"location"`
	Timestamp     string   `json:"timestamp"`
	ExplicitTopic string   `json:"explicitTopic"`
	ImplicitTopic string   `json:"implicitTopic"`
	Tags          []string `json:"tags"`
}

// Entity is a canonical, deduplicated identity. The (CanonicalName, Type)
// pair is unique. Layer is nil until the classifier has run.
type Entity struct {
	ID              int64
	CanonicalName   string
	Type            EntityType
	Layer           *int
	Aliases         []string
	DocumentCount   int
	ConnectionCount int
}

// Triple is a persisted relationship referencing canonical entity ids.
// OrderIndex preserves the position among triples extracted from the
// same document.
type Triple struct {
	DocumentID    int64
	SubjectID     int64
	ObjectID      int64
	LocationID    *int64
	Predicate     string
	ExplicitTopic string
	ImplicitTopic string
	Tags          []string
	OrderIndex    int
}

// DocumentEntityLink is one row of the document↔entity join table.
type DocumentEntityLink struct {
	DocumentID   int64
	EntityID     int64
	MentionCount int
	Snippet      string
}

// ReferenceRecord is the matcher's view of one row from a reference dataset.
// Detail carries the source-specific display field (lender, committee, agency).
type ReferenceRecord struct {
	ID     int64
	Name   string
	City   string
	State  string
	Detail string
	Amount *float64
	Date   string
}

// CrossRefMatch is a scored candidate correspondence between a canonical
// entity and a reference record. At most one row exists per
// (entity, source, record). The verification flags are set by human review,
// never by the matcher.
type CrossRefMatch struct {
	EntityID      int64
	Source        CrossRefSource
	RecordID      int64
	Score         float64
	Method        string
	HumanVerified bool
	FalsePositive bool
}

// MatchSummary is one element of the denormalized per-entity match list
// the display API reads. Recomputed wholesale after each matcher run.
type MatchSummary struct {
	RecordID int64    `json:"id"`
	Name     string   `json:"name"`
	Location string   `json:"location,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Amount   *float64 `json:"amount,omitempty"`
	Date     string   `json:"date,omitempty"`
	Score    float64  `json:"score"`
}
