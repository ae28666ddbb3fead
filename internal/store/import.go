package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ImportFormat selects the decoder for an import document.
type ImportFormat string

const (
	ImportJSON ImportFormat = "json"
	ImportYAML ImportFormat = "yaml"
)

// ImportFormatForPath guesses the format from a file name.
func ImportFormatForPath(path string) ImportFormat {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return ImportYAML
	}
	return ImportJSON
}

const importSchemaURL = "snipd://schema/snippet-import.json"

// The export format of the launcher this daemon replaces: a flat array of
// {name, text, keyword} objects.
const importSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "text", "keyword"],
    "properties": {
      "name":    {"type": "string", "minLength": 1},
      "text":    {"type": "string"},
      "keyword": {"type": "string", "minLength": 1}
    }
  }
}`

var compiledImportSchema = jsonschema.MustCompileString(importSchemaURL, importSchema)

// ImportEntry is one snippet of an import document.
type ImportEntry struct {
	Name    string `json:"name" yaml:"name"`
	Text    string `json:"text" yaml:"text"`
	Keyword string `json:"keyword" yaml:"keyword"`
}

// ValidateImport decodes and schema-checks an import document.
func ValidateImport(data []byte, format ImportFormat) ([]ImportEntry, error) {
	var doc any
	switch format {
	case ImportYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: decode YAML: %w", ErrInvalidImport, err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: decode JSON: %w", ErrInvalidImport, err)
		}
	}

	if err := compiledImportSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImport, err)
	}

	// The document is schema-valid, so a JSON round trip is lossless.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize import: %w", err)
	}
	var entries []ImportEntry
	if err := json.Unmarshal(normalized, &entries); err != nil {
		return nil, fmt.Errorf("decode import entries: %w", err)
	}
	return entries, nil
}

// ImportSnippets inserts every entry of an import document whose keyword
// is not already taken. Entries with taken keywords are counted as skipped.
func (s *Store) ImportSnippets(data []byte, format ImportFormat) (*ImportResult, error) {
	entries, err := ValidateImport(data, format)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if err := validateSnippet(e.Name, e.Keyword); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO snippets (name, keyword, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(keyword) DO NOTHING`)
	if err != nil {
		return nil, fmt.Errorf("prepare import: %w", err)
	}
	defer stmt.Close()

	result := &ImportResult{}
	for _, e := range entries {
		now := time.Now().UnixNano()
		res, err := stmt.Exec(e.Name, e.Keyword, e.Text, now, now)
		if err != nil {
			return nil, fmt.Errorf("import snippet %q: %w", e.Keyword, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("import snippet %q: %w", e.Keyword, err)
		}
		if n == 0 {
			result.DuplicatesSkipped++
		} else {
			result.SnippetsAdded++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit import: %w", err)
	}
	return result, nil
}
