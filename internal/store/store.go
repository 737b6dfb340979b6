// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/policy-assistant/internal/domain"
)

// Repository persists the remote call records of every run.
type Repository interface {
	// WriteCall appends one call record for the current run.
	WriteCall(ctx context.Context, rec domain.APICallRecord) error

	// ListCalls returns the most recent records across runs, oldest first.
	// A non-positive limit returns every record.
	ListCalls(ctx context.Context, limit int) ([]domain.APICallRecord, error)

	// PruneCalls removes records older than retention and returns the count removed.
	PruneCalls(ctx context.Context, retention time.Duration) (int64, error)

	// RunID identifies the process whose records WriteCall stores.
	RunID() string

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
