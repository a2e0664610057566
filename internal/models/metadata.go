package models

import "fmt"

// FileMetadataRecord is the schema-constrained description of one archive entry.
// Field order is the artifact key order.
type FileMetadataRecord struct {
	Title       string         `json:"title"`
	Creator     string         `json:"creator"`
	Description string         `json:"description"`
	Publisher   string         `json:"publisher"`
	Contributor string         `json:"contributor"`
	Date        string         `json:"date"`
	Identifier  string         `json:"identifier"`
	Source      string         `json:"source"`
	Language    string         `json:"language"`
	Relation    string         `json:"relation"`
	Subject     []Subject      `json:"subject"`
	Type        []ResourceType `json:"type"`
	Format      []Format       `json:"format"`
	Keywords    []string       `json:"keywords"`
}

// RequiredFields lists every key a conforming record must carry.
var RequiredFields = []string{
	"title", "creator", "description", "publisher", "contributor", "date",
	"identifier", "source", "language", "relation", "subject", "type", "format", "keywords",
}

// VocabularyError reports a controlled field value outside its closed set.
type VocabularyError struct {
	Field string
	Value string
}

func (e *VocabularyError) Error() string {
	return fmt.Sprintf("%s: %q is not a permitted value", e.Field, e.Value)
}

// MissingFieldError reports a required field that is absent or empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: required field missing", e.Field)
}

// Validate checks the controlled-vocabulary invariant.
func (r *FileMetadataRecord) Validate() error {
	if err := checkTerms(Subjects, r.Subject); err != nil {
		return err
	}
	if err := checkTerms(ResourceTypes, r.Type); err != nil {
		return err
	}
	return checkTerms(Formats, r.Format)
}

func checkTerms[T ~string](v *Vocabulary[T], values []T) error {
	if len(values) == 0 {
		return &MissingFieldError{Field: v.Field()}
	}
	for _, val := range values {
		if !v.Contains(val) {
			return &VocabularyError{Field: v.Field(), Value: string(val)}
		}
	}
	return nil
}
