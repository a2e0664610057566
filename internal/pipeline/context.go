package pipeline

import (
	"github.com/jc2409/jsonify/internal/extract"
	"github.com/jc2409/jsonify/internal/models"
)

// modifiedLayout has no zone: zip timestamps are wall-clock values.
const modifiedLayout = "2006-01-02T15:04:05"

// BuildContext assembles the inference input of one entry. It does no I/O.
func BuildContext(entry models.ArchiveEntry, rel string, class extract.Classification, text string) models.FileContext {
	modified := ""
	if !entry.Modified.IsZero() {
		modified = entry.Modified.Format(modifiedLayout)
	}
	return models.FileContext{
		RelativePath:     rel,
		MimeType:         class.MimeType,
		GuessedExtension: class.Extension,
		SizeBytes:        entry.Size,
		CreationDate:     models.CreationDateUnavailable,
		ModificationDate: modified,
		ExtractedText:    text,
	}
}
