package attendance

import (
	"errors"
	"strings"
)

// Error taxonomy. Handlers map these onto caller-visible outcomes; anything
// not matching one of them is treated as a store failure.
var (
	// ErrValidation rejects bad input before the store is touched.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an expected, recoverable collision such as a
	// duplicate attendance insert.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks operations on rows that do not exist.
	ErrNotFound = errors.New("not found")
)

// isUniqueViolation matches the uniqueness-constraint failures of both
// supported drivers. SQLite reports "UNIQUE constraint failed", Postgres
// "duplicate key value violates unique constraint".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
