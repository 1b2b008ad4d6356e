package ai

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// MalformedResponseError reports model output that never became valid JSON,
// even after repair. Raw keeps the offending payload so failure records can
// carry an excerpt. Callers must not retry the call: the model already
// answered, the answer just isn't decodable.
type MalformedResponseError struct {
	Raw string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("model output is not decodable: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// GenerateSchema reflects a JSON Schema for out, shaped the way the
// structured-output APIs want it: inlined definitions, no extra properties.
func GenerateSchema(out any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(out)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return reflector.Reflect(reflect.New(t).Interface())
}

// UnmarshalFlexible decodes model output into out, tolerating the ways
// extraction models mangle JSON: the object encoded a second time as one
// string literal, a stray duplicate opening brace, and repairable syntax
// errors like unquoted keys or trailing commas. When nothing decodes it
// returns a MalformedResponseError carrying the payload.
func UnmarshalFlexible(input string, out any) error {
	input = strings.TrimSpace(input)
	original := input

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var nested string
	if err := json.Unmarshal([]byte(input), &nested); err == nil {
		nested = strings.TrimSpace(nested)
		if err := json.Unmarshal([]byte(nested), out); err == nil {
			return nil
		}
		input = nested
	}

	// A duplicated opening brace survives repair as a nested object, so it
	// has to go before the repair attempt.
	if strings.HasPrefix(input, "{") {
		if rest := strings.TrimSpace(input[1:]); strings.HasPrefix(rest, "{") {
			input = rest
		}
	}

	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return &MalformedResponseError{Raw: original, Err: fmt.Errorf("json repair: %w", err)}
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return &MalformedResponseError{Raw: original, Err: fmt.Errorf("decode after repair: %w", err)}
	}
	return nil
}
