package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jc2409/jsonify/internal/models"
)

// ParseRecord validates a raw model answer into a record.
// Controlled values are matched case-insensitively and rewritten to their canonical spelling;
// anything outside a vocabulary is a *SchemaViolationError.
func ParseRecord(raw string) (*models.FileMetadataRecord, error) {
	obj, err := extractObject(raw)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil, &SchemaViolationError{Reason: "response is not a JSON object", Err: err}
	}
	for _, name := range models.RequiredFields {
		if _, ok := fields[name]; !ok {
			return nil, &SchemaViolationError{Reason: "incomplete record", Err: &models.MissingFieldError{Field: name}}
		}
	}

	rec := &models.FileMetadataRecord{}
	text := []struct {
		name string
		dst  *string
	}{
		{"title", &rec.Title},
		{"creator", &rec.Creator},
		{"description", &rec.Description},
		{"publisher", &rec.Publisher},
		{"contributor", &rec.Contributor},
		{"date", &rec.Date},
		{"identifier", &rec.Identifier},
		{"source", &rec.Source},
		{"language", &rec.Language},
		{"relation", &rec.Relation},
	}
	for _, f := range text {
		v, err := decodeText(fields[f.name])
		if err != nil {
			return nil, &SchemaViolationError{Reason: f.name, Err: err}
		}
		*f.dst = v
	}

	if rec.Subject, err = decodeControlled(models.Subjects, fields["subject"]); err != nil {
		return nil, err
	}
	if rec.Type, err = decodeControlled(models.ResourceTypes, fields["type"]); err != nil {
		return nil, err
	}
	if rec.Format, err = decodeControlled(models.Formats, fields["format"]); err != nil {
		return nil, err
	}

	keywords, err := decodeList(fields["keywords"])
	if err != nil {
		return nil, &SchemaViolationError{Reason: "keywords", Err: err}
	}
	rec.Keywords = dedupeKeywords(keywords)

	if err := rec.Validate(); err != nil {
		return nil, &SchemaViolationError{Reason: "controlled vocabulary", Err: err}
	}
	return rec, nil
}

// extractObject drops code fences and chatter around the outermost JSON object.
func extractObject(raw string) ([]byte, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return nil, &SchemaViolationError{Reason: "no JSON object in response"}
	}
	return []byte(raw[start : end+1]), nil
}

func decodeText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; "), nil
	}
	return "", fmt.Errorf("expected text, got %s", raw)
}

// decodeList accepts a list of strings or a single string.
func decodeList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	return nil, fmt.Errorf("expected a list of strings, got %s", raw)
}

func decodeControlled[T ~string](v *models.Vocabulary[T], raw json.RawMessage) ([]T, error) {
	values, err := decodeList(raw)
	if err != nil {
		return nil, &SchemaViolationError{Reason: v.Field(), Err: err}
	}
	out := make([]T, 0, len(values))
	seen := make(map[T]bool, len(values))
	for _, val := range values {
		term, ok := v.Canonical(val)
		if !ok {
			return nil, &SchemaViolationError{
				Reason: "controlled vocabulary",
				Err:    &models.VocabularyError{Field: v.Field(), Value: val},
			}
		}
		if seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
	}
	return out, nil
}

func dedupeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		key := strings.ToLower(kw)
		if kw == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	return out
}
