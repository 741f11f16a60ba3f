package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// MemoryStore is an in-memory Store implementation.
//
// It is the default for tests and local development. All methods are safe
// for concurrent use; compare-and-swap semantics match the Badger store so
// engine behavior is identical across backends.
type MemoryStore struct {
	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewMemoryStore creates an in-memory session store. ttl bounds session
// lifetime for Expire; zero disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*Session),
	}
}

// Create persists a new session at the given initial stage.
func (m *MemoryStore) Create(ctx context.Context, toolName, idPrefix, initialStage string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if toolName == "" || idPrefix == "" || initialStage == "" {
		return nil, fmt.Errorf("%w: toolName, idPrefix and initialStage are required", ErrInvalidSession)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	now := timeNow()
	sess := &Session{
		ID:            NewID(idPrefix),
		ToolName:      toolName,
		Status:        StatusActive,
		CollectedData: make(map[string]map[string]any),
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	sess.SetStageToken(initialStage)

	m.sessions[sess.ID] = sess
	return sess.Clone(), nil
}

// Get retrieves a session by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.Clone(), nil
}

// Update applies mutate under a version check and commits the result.
func (m *MemoryStore) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	stored, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if stored.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrVersionConflict, stored.Version, expectedVersion)
	}

	next := stored.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	next.Version = expectedVersion + 1
	next.UpdatedAt = timeNow()
	if !next.UpdatedAt.After(stored.UpdatedAt) {
		// UpdatedAt must strictly increase even under a coarse clock.
		next.UpdatedAt = stored.UpdatedAt.Add(time.Nanosecond)
	}

	m.sessions[id] = next
	return next.Clone(), nil
}

// List returns sessions matching the filter, newest first.
func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	matched := make([]*Session, 0)
	for _, sess := range m.sessions {
		if filter.ToolName != "" && sess.ToolName != filter.ToolName {
			continue
		}
		if filter.Status != "" && sess.Status != filter.Status {
			continue
		}
		matched = append(matched, sess.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	limit := limitOrDefault(filter.Limit)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Expire removes sessions idle past the TTL.
func (m *MemoryStore) Expire(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.ttl <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	cutoff := now.Add(-m.ttl)
	removed := 0
	for id, sess := range m.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// Close closes the store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
