package ai

const ExtractPrompt = `
# Task Context
You are a document analyst working through a large corpus of OCR'd investigative records (court filings, flight logs, financial statements, correspondence, address books). You will be given the raw text of one document.

# Detailed Task Description & Rules
- Summarize the document: a one-sentence summary and a detailed summary of several sentences.
- Classify the document with a short documentType (e.g. "deposition", "flight_log", "financial_record", "correspondence", "legal_filing").
- Determine the earliest and latest dates the document refers to, as YYYY-MM-DD. Leave them empty when the document carries no usable date.
- Assign a handful of short lowercase contentTags.
- Extract every named entity with one of these types: %s.
  Use the name exactly as written in the document; do not invent or expand names.
- Extract relationship triples (subject, predicate, object) stated or clearly implied by the document, typed like the entities, optionally with a location, a timestamp, an explicit topic (stated in the text) and an implicit topic (inferred).
- OCR noise is common: ignore garbled fragments rather than forcing them into entities.
- If the document text is cut off with a truncation marker, analyze only what is present.

# Immediate Task Description or Request
Analyze document %s and return the structured result.

# Output Formatting
Return a single JSON object matching the provided schema. Do not add commentary outside the JSON.
`

const AliasGroupPrompt = `
# Task Context
You are a helpful assistant specialized in reconciling entity name variants in an investigation database. You will be provided with a list of canonical entity names and their types.

# Background Data
%s

# Detailed Task Description & Rules
- Find names that refer to the same real-world person or organization despite different surface forms.
- Be conservative: only group names when you are confident they are the same identity. When in doubt, leave them separate.
- People: consider initials, honorifics, and ordering (e.g. "Smith, John" vs "John Smith" vs "J. Smith").
- Organizations: consider legal suffixes and abbreviations (e.g. "Acme Holdings LLC" vs "Acme Holdings").
- Never group two names that plausibly denote different people sharing a surname.
- Choose the most complete form as the canonical name for each group.
- For each group report a confidence between 0 and 1 and a short reasoning string a human reviewer can audit.

# Examples
Group these:
- "J. Epstein" and "Jeffrey Epstein"
- "Southern Trust Company, Inc." and "Southern Trust Company"

Do NOT group these:
- "M. Smith" and "Michael Smith" when a "Mark Smith" also appears in the list
- "Acme Holdings" and "Acme Aviation" (different businesses)

# Output Formatting
Return a JSON object with this structure:
{
  "groups": [
    {
      "canonicalName": "<chosen final name>",
      "members": ["<name1>", "<name2>"],
      "confidence": 0.95,
      "reasoning": "<why these are the same identity>"
    }
  ]
}
`
