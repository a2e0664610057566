// Package apperr holds the sentinel errors shared between the pipeline and its front ends.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")

	// ErrPathTraversal aborts a run: an entry path resolves outside the archive root.
	ErrPathTraversal = errors.New("path traversal rejected")
	// ErrUnreadableArchive aborts a run: the input is not a readable zip.
	ErrUnreadableArchive = errors.New("unreadable archive")
	// ErrStagingIO aborts a run: staging or output directories cannot be prepared or written.
	ErrStagingIO = errors.New("staging unavailable")
	// ErrNothingToPackage is returned when an output directory is absent or empty.
	ErrNothingToPackage = errors.New("nothing to package")
)

// AppError carries an HTTP status alongside the underlying error.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// MapError maps an error to an AppError with an appropriate HTTP status code.
func MapError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return New(http.StatusBadRequest, "Invalid request", err)
	case errors.Is(err, ErrPathTraversal):
		return New(http.StatusBadRequest, "Archive contains an entry outside its root", err)
	case errors.Is(err, ErrUnreadableArchive):
		return New(http.StatusBadRequest, "Archive could not be read", err)
	case errors.Is(err, ErrNotFound):
		return New(http.StatusNotFound, "Resource not found", err)
	case errors.Is(err, ErrNothingToPackage):
		return New(http.StatusNotFound, "No JSON files available for download", err)
	case errors.Is(err, ErrStagingIO):
		return New(http.StatusServiceUnavailable, "Staging storage unavailable", err)
	}
	return New(http.StatusInternalServerError, "Internal server error", err)
}
