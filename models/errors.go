package models

import (
	"errors"
	"fmt"
)

// Validation errors. Always caused by the client.
var (
	ErrUnrecognizedType = errors.New("unrecognized file type")
	ErrMixedTypes       = errors.New("file types not uniform, please don't mix ifcfg and .xml files")
	ErrMissingField     = errors.New("missing required multipart field")
	ErrInvalidFileName  = errors.New("invalid file name")
	ErrEmptySubmission  = errors.New("no files submitted")
	ErrMalformedUpload  = errors.New("malformed upload")
)

// ErrNotFound covers unknown, consumed and expired jobs alike.
var ErrNotFound = errors.New("job not found")

// Server errors. Details are logged, never returned to the client.
var (
	ErrExecutor      = errors.New("converter execution failed")
	ErrPersistence   = errors.New("ledger operation failed")
	ErrIO            = errors.New("workspace io failed")
	ErrPackaging     = errors.New("packaging failed")
	ErrOutputMissing = errors.New("converter output missing")
)

// MigrationError means the converter ran and rejected the input. Log carries
// the converter's stderr verbatim.
type MigrationError struct {
	Log string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("failed to migrate files: %s", e.Log)
}

// IsValidation reports whether err was caused by malformed client input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnrecognizedType) ||
		errors.Is(err, ErrMixedTypes) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidFileName) ||
		errors.Is(err, ErrEmptySubmission) ||
		errors.Is(err, ErrMalformedUpload)
}
