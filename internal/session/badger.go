package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const keyPrefix = "session/"

// BadgerConfig holds configuration for the Badger-backed store.
type BadgerConfig struct {
	// Path is the directory for the Badger database files.
	Path string

	// TTL bounds session lifetime for Expire. Zero disables expiry.
	TTL time.Duration

	// InMemory runs Badger without disk persistence (tests only).
	InMemory bool
}

// Validate validates the configuration.
func (c *BadgerConfig) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("badger path is required")
	}
	return nil
}

// BadgerStore is a Store backed by an embedded Badger key-value database.
//
// Sessions are stored as JSON values under "session/<id>". Badger's
// serializable transactions carry the read-check-write of Update, so two
// concurrent transitions on one session can never both commit against the
// same prior version.
type BadgerStore struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

// NewBadgerStore opens (or creates) the Badger database at cfg.Path.
func NewBadgerStore(cfg *BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if cfg == nil {
		return nil, errors.New("badger config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.Path, err)
	}

	return &BadgerStore{
		db:     db,
		ttl:    cfg.TTL,
		logger: logger,
	}, nil
}

// Create persists a new session at the given initial stage.
func (b *BadgerStore) Create(ctx context.Context, toolName, idPrefix, initialStage string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if toolName == "" || idPrefix == "" || initialStage == "" {
		return nil, fmt.Errorf("%w: toolName, idPrefix and initialStage are required", ErrInvalidSession)
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

	err := b.db.Update(func(txn *badger.Txn) error {
		return b.put(txn, sess)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	b.logger.Debug("created session",
		zap.String("session_id", sess.ID),
		zap.String("tool", toolName),
	)
	return sess, nil
}

// Get retrieves a session by ID.
func (b *BadgerStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sess *Session
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		sess, err = b.read(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Update applies mutate under a version check within one Badger transaction.
func (b *BadgerStore) Update(ctx context.Context, id string, expectedVersion int64, mutate Mutation) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var committed *Session
	err := b.db.Update(func(txn *badger.Txn) error {
		stored, err := b.read(txn, id)
		if err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("%w: have %d, want %d", ErrVersionConflict, stored.Version, expectedVersion)
		}

		next := stored.Clone()
		if err := mutate(next); err != nil {
			return err
		}

		next.Version = expectedVersion + 1
		next.UpdatedAt = timeNow()
		if !next.UpdatedAt.After(stored.UpdatedAt) {
			next.UpdatedAt = stored.UpdatedAt.Add(time.Nanosecond)
		}

		if err := b.put(txn, next); err != nil {
			return err
		}
		committed = next
		return nil
	})
	if err != nil {
		// A Badger write conflict means a racing writer committed first;
		// surface it in the store's own vocabulary.
		if errors.Is(err, badger.ErrConflict) {
			return nil, fmt.Errorf("%w: concurrent write detected", ErrVersionConflict)
		}
		return nil, err
	}
	return committed, nil
}

// List returns sessions matching the filter, newest first.
func (b *BadgerStore) List(ctx context.Context, filter ListFilter) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := make([]*Session, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sess Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return fmt.Errorf("failed to decode session: %w", err)
			}
			if filter.ToolName != "" && sess.ToolName != filter.ToolName {
				continue
			}
			if filter.Status != "" && sess.Status != filter.Status {
				continue
			}
			cp := sess
			matched = append(matched, &cp)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, ErrClosed
		}
		return nil, err
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
func (b *BadgerStore) Expire(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b.ttl <= 0 {
		return 0, nil
	}

	cutoff := now.Add(-b.ttl)
	var stale [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sess Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sess)
			})
			if err != nil {
				return err
			}
			if sess.UpdatedAt.Before(cutoff) {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range stale {
		err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			b.logger.Warn("failed to expire session", zap.ByteString("key", key), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		b.logger.Info("expired sessions", zap.Int("count", removed))
	}
	return removed, nil
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) read(txn *badger.Txn, id string) (*Session, error) {
	item, err := txn.Get([]byte(keyPrefix + id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var sess Session
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (b *BadgerStore) put(txn *badger.Txn, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	return txn.Set([]byte(keyPrefix+sess.ID), data)
}
