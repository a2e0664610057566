package models

import "time"

// CreationDateUnavailable is reported because zip entries carry no creation time.
const CreationDateUnavailable = "Not available in zip file"

// UnknownExtension marks a MIME type with no known extension.
const UnknownExtension = "unknown"

// ArchiveEntry is the raw, untrusted metadata of one zip entry.
type ArchiveEntry struct {
	Index    int
	Name     string
	Size     uint64
	Modified time.Time
	IsDir    bool
}

// FileContext is the self-describing input of one inference call.
// It never references staging paths.
type FileContext struct {
	RelativePath     string `json:"relative_path"`
	MimeType         string `json:"mime_type"`
	GuessedExtension string `json:"guessed_extension"`
	SizeBytes        uint64 `json:"size_bytes"`
	CreationDate     string `json:"creation_date"`
	ModificationDate string `json:"modification_date"`
	ExtractedText    string `json:"extracted_text"`
}
