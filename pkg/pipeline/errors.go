package pipeline

import (
	"errors"
	"fmt"

	"github.com/subculture-collective/epstein-db/pipeline/pkg/extract"
)

// failureMessage turns an extraction failure into the human-readable string
// stored on the document row, plus a short kind tag for logging. Schema
// failures keep an excerpt of the offending payload so reviewers can see
// what the model actually returned.
func failureMessage(cause error) (message string, kind string) {
	var schemaErr *extract.SchemaError
	if errors.As(cause, &schemaErr) {
		if schemaErr.Raw != "" {
			return fmt.Sprintf("invalid extraction response: %v (raw: %s)", schemaErr.Err, schemaErr.Raw), "schema"
		}
		return fmt.Sprintf("invalid extraction response: %v", schemaErr.Err), "schema"
	}

	var callErr *extract.CallError
	if errors.As(cause, &callErr) {
		return fmt.Sprintf("extraction call failed: %v", callErr.Err), "call"
	}

	return cause.Error(), "other"
}
