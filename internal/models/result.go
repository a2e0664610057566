package models

import "time"

type EntryStatus string

const (
	EntryOK     EntryStatus = "ok"
	EntryFailed EntryStatus = "failed"
)

// ErrorKind classifies a per-entry failure.
type ErrorKind string

const (
	KindInference       ErrorKind = "inference_error"
	KindSchemaViolation ErrorKind = "schema_violation"
	KindArtifactWrite   ErrorKind = "artifact_write_failure"
	KindEntryUnreadable ErrorKind = "entry_unreadable"
	KindEntryTooLarge   ErrorKind = "entry_too_large"
	KindCancelled       ErrorKind = "cancelled"
)

// ProcessingResult pairs one entry with its record or its failure.
type ProcessingResult struct {
	Index     int                 `json:"index"`
	Path      string              `json:"path"`
	Artifact  string              `json:"artifact,omitempty"`
	Status    EntryStatus         `json:"status"`
	ErrorKind ErrorKind           `json:"error_kind,omitempty"`
	Error     string              `json:"error,omitempty"`
	Metadata  *FileMetadataRecord `json:"metadata,omitempty"`
}

// OK reports whether the entry produced an artifact.
func (r ProcessingResult) OK() bool { return r.Status == EntryOK }

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunExpired   RunStatus = "expired"
)

// Run is the persisted summary of one archive run.
type Run struct {
	ID          string     `json:"id"`
	ArchiveName string     `json:"archive_name"`
	Status      RunStatus  `json:"status"`
	Eligible    int        `json:"eligible"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	OutputDir   string     `json:"-"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
