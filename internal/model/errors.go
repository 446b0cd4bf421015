package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound indicates a referenced mirror or entity does not exist for the
// given organization. Surfaced directly to the caller, never retried.
var ErrNotFound = eris.New("not found")

// ErrConflictPending indicates a modification is awaiting explicit conflict
// resolution and cannot re-enter the pipeline until resolved.
var ErrConflictPending = eris.New("modification has unresolved conflicts")

// FieldError describes a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries the field errors produced by the validation gate.
// A rejected delta is never persisted.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return eris.As(err, &ve)
}
