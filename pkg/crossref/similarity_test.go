package crossref

import "testing"

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases", "Jeffrey Epstein", "jeffrey epstein"},
		{"folds accents", "José Pérez", "jose perez"},
		{"strips punctuation", "Smith, John Jr.", "smith john jr"},
		{"drops llc suffix", "Acme Holdings LLC", "acme holdings"},
		{"drops inc with punctuation", "ACME HOLDINGS, INC.", "acme holdings"},
		{"drops corp suffix", "Zyx Corp", "zyx"},
		{"keeps suffix when it is the whole name", "LLC", "llc"},
		{"collapses whitespace", "  Southern   Trust  Company ", "southern trust"},
		{"empty input", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeName(tt.input); got != tt.expected {
				t.Errorf("NormalizeName(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSimilarityIdentical(t *testing.T) {
	if got := Similarity("jeffrey epstein", "jeffrey epstein"); got != 1.0 {
		t.Errorf("expected 1.0 for identical names, got %f", got)
	}
}

func TestSimilarityCorporateVariants(t *testing.T) {
	a := NormalizeName("Acme Holdings LLC")
	b := NormalizeName("ACME HOLDINGS, INC.")
	if got := Similarity(a, b); got < DefaultThreshold {
		t.Errorf("expected corporate variants above %f, got %f", DefaultThreshold, got)
	}
}

func TestSimilarityReorderedPersonName(t *testing.T) {
	a := NormalizeName("John Smith")
	b := NormalizeName("SMITH, JOHN")
	if got := Similarity(a, b); got < DefaultThreshold {
		t.Errorf("expected reordered name above %f, got %f", DefaultThreshold, got)
	}
}

func TestSimilarityUnrelatedNames(t *testing.T) {
	a := NormalizeName("Zyx Corp")
	b := NormalizeName("Acme Holdings LLC")
	if got := Similarity(a, b); got >= DefaultThreshold {
		t.Errorf("expected unrelated names below %f, got %f", DefaultThreshold, got)
	}
}

func TestSimilaritySharedFirstWord(t *testing.T) {
	a := NormalizeName("Acme Holdings")
	b := NormalizeName("Acme Aviation")
	if got := Similarity(a, b); got >= DefaultThreshold {
		t.Errorf("expected different businesses below %f, got %f", DefaultThreshold, got)
	}
}

func TestSimilarityEmpty(t *testing.T) {
	if got := Similarity("", "jeffrey epstein"); got != 0 {
		t.Errorf("expected 0 for empty name, got %f", got)
	}
}
