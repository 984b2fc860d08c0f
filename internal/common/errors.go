// Package common defines the sentinel errors shared by the collection engine.
// Callers match them with errors.Is.
package common

import (
	"errors"
	"fmt"
)

var (
	// Client errors, never retried.
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidField = fmt.Errorf("invalid field reference: %w", ErrInvalidInput)

	// Lookup errors.
	ErrNotFound  = errors.New("not found")
	ErrNotActive = errors.New("form is not active")

	// Token mismatch on a submission is reported as a missing submission.
	ErrOwnershipDenied = fmt.Errorf("submission token mismatch: %w", ErrNotFound)
)
