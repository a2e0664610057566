package ai

import (
	"context"
	"fmt"

	"github.com/jc2409/jsonify/internal/models"
)

// Client turns one file context into a conforming metadata record.
// Failures are either *InferenceError or *SchemaViolationError.
type Client interface {
	Infer(ctx context.Context, fc *models.FileContext) (*models.FileMetadataRecord, error)
}

// InferenceError means the call itself could not be completed.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// SchemaViolationError means a response arrived but does not conform to the record schema.
type SchemaViolationError struct {
	Reason string
	Err    error
}

func (e *SchemaViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema violation: %s: %v", e.Reason, e.Err)
	}
	return "schema violation: " + e.Reason
}

func (e *SchemaViolationError) Unwrap() error { return e.Err }
