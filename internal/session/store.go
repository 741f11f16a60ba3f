package session

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for session store operations.
var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrVersionConflict is returned when Update's expected version does not
	// match the stored version. The caller must re-read and retry.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("session store is closed")

	// ErrInvalidSession indicates a create request with missing fields.
	ErrInvalidSession = errors.New("invalid session")
)

// Mutation applies an in-place change to a session copy. The store commits
// the mutated copy only if the version check passes; mutations must not
// carry side effects of their own.
type Mutation func(*Session) error

// ListFilter bounds a List query. Zero values mean "no constraint" except
// Limit, which defaults to 100 when unset.
type ListFilter struct {
	ToolName string
	Status   Status
	Limit    int
}

// Store is the durable repository for session records.
//
// Update enforces single-writer discipline via optimistic concurrency:
// the caller supplies the version it read, and a mismatch fails with
// ErrVersionConflict without touching the stored session. Every successful
// Update is persisted before it returns.
type Store interface {
	// Create persists a new session for the given tool at its initial stage
	// and returns it. The ID is generated from the tool's prefix; a session
	// is never re-created under an existing ID.
	Create(ctx context.Context, toolName, idPrefix, initialStage string) (*Session, error)

	// Get retrieves a session by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Session, error)

	// Update applies mutate to a copy of the stored session and commits it
	// with an incremented version and refreshed UpdatedAt, provided the
	// stored version still equals expectedVersion.
	Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*Session, error)

	// List returns sessions matching the filter. This is an explicitly
	// bounded query; it is not a substitute for Get on the hot path.
	List(ctx context.Context, filter ListFilter) ([]*Session, error)

	// Expire removes sessions whose UpdatedAt is older than now minus the
	// store's TTL. Returns the number of sessions removed.
	Expire(ctx context.Context, now time.Time) (int, error)

	// Close flushes and closes the store.
	Close() error
}

const defaultListLimit = 100

// limitOrDefault normalizes a ListFilter limit.
func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
