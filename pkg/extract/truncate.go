package extract

import (
	"github.com/pkoukk/tiktoken-go"
)

// TruncationMarker is appended to document text that exceeded the extraction
// budget. The prompt tells the model to analyze only what precedes it.
const TruncationMarker = "\n\n[DOCUMENT TRUNCATED]"

// countTokens estimates the token count of a text for diagnostics. Returns 0
// when the encoding is unavailable rather than failing the extraction.
func countTokens(text string) int {
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}
