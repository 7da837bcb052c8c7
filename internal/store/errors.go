package store

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

var (
	// ErrSessionNotFound is returned when no checkout session has the given id.
	ErrSessionNotFound = errors.New("store: session not found")
	// ErrJobNotFound is returned when a job is not found in the database.
	ErrJobNotFound = errors.New("store: job not found")
)

// IsUniqueViolation reports whether err is a unique constraint violation.
// Besides *pq.Error it accepts any driver error exposing SQLState().
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	var stateErr interface{ SQLState() string }
	if errors.As(err, &stateErr) {
		return stateErr.SQLState() == uniqueViolation
	}
	return false
}
