package ai

import (
	"errors"
	"testing"
)

func TestUnmarshalFlexible_ObjectVariants(t *testing.T) {
	type analysis struct {
		Summary      string `json:"summary"`
		DocumentType string `json:"documentType,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  analysis
	}{
		{
			name:  "valid json object",
			input: `{"summary":"flight log"}`,
			want:  analysis{Summary: "flight log"},
		},
		{
			name:  "unquoted key and single quotes",
			input: `{summary: 'flight log'}`,
			want:  analysis{Summary: "flight log"},
		},
		{
			name:  "trailing comma",
			input: `{"summary":"flight log",}`,
			want:  analysis{Summary: "flight log"},
		},
		{
			name:  "missing endbracket",
			input: `{"summary":"flight log`,
			want:  analysis{Summary: "flight log"},
		},
		{
			name:  "stringified invalid json object",
			input: `"{summary: 'flight log'}"`,
			want:  analysis{Summary: "flight log"},
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\n  \"summary\": \"flight log\"\n}\n",
			want:  analysis{Summary: "flight log"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got analysis
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Summary != tc.want.Summary || got.DocumentType != tc.want.DocumentType {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_ArrayVariants(t *testing.T) {
	type entity struct {
		Name string `json:"name"`
	}

	input := `[{name:'A'},{name:'B',}]`
	var got []entity
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "A" || got[1].Name != "B" {
		t.Fatalf("UnmarshalFlexible() got = %+v, want two entities A,B", got)
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	type entity struct {
		Name string `json:"name"`
	}

	var got entity
	err := UnmarshalFlexible("I could not analyze this document.", &got)
	if err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}

	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
	}
	if malformed.Raw != "I could not analyze this document." {
		t.Fatalf("expected raw payload preserved, got %q", malformed.Raw)
	}
}

func TestUnmarshalFlexible_StringifiedWithNewlines(t *testing.T) {
	type doc struct {
		Summary string   `json:"summary"`
		Tags    []string `json:"tags"`
	}

	input := `"{\n  \"summary\": \"deposition transcript\",\n  \"tags\": [\"legal\", \"testimony\"]\n  }\n"`
	var got doc
	if err := UnmarshalFlexible(input, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if got.Summary != "deposition transcript" {
		t.Fatalf("unexpected summary: %q", got.Summary)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "legal" || got.Tags[1] != "testimony" {
		t.Fatalf("unexpected tags: %v", got.Tags)
	}
}
