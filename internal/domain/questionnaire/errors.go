package questionnaire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTemplateNotFound = fmt.Errorf("questionnaire template %w", ErrNotFound)
	ErrResponseNotFound = fmt.Errorf("questionnaire response %w", ErrNotFound)

	// errDraftConflict is returned by ResponseRepository.Insert when another
	// transaction created the actor's open draft first.
	errDraftConflict = errors.New("open draft already exists")
)

// ValidationError describes a rejected input. Reason never echoes answer
// content.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure. The transaction it occurred in
// has been rolled back.
type PersistenceError struct {
	Op            string
	CorrelationID uuid.UUID
	Err           error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed (correlation_id=%s): %v", e.Op, e.CorrelationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
