package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/opspilot/internal/patterns"

var tracer = otel.Tracer(instrumentationName)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound indicates an unknown pattern ID.
	ErrNotFound = errors.New("pattern not found")

	// ErrInvalidPattern indicates a pattern missing required fields.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// Embedder generates embeddings for pattern content.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds configuration for the pattern service.
type Config struct {
	// Path is the directory for persistent storage. Empty means
	// in-memory only.
	Path string

	// Collection is the chromem collection name.
	// Default: "opspilot_patterns"
	Collection string

	// Compress enables gzip compression for stored vectors.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "opspilot_patterns"
	}
}

// Service stores operational patterns for semantic retrieval. Vectors
// live in an embedded chromem database; the canonical pattern records are
// kept in a JSON catalog beside it, which is what resync diffs against.
type Service struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	config     Config
	logger     *zap.Logger

	mu      sync.RWMutex
	catalog map[string]Pattern
}

// NewService creates a pattern service. With a Path configured, both the
// vectors and the catalog persist across restarts.
func NewService(config Config, embedder Embedder, logger *zap.Logger) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	s := &Service{
		db:       db,
		embedder: embedder,
		config:   config,
		logger:   logger,
		catalog:  make(map[string]Pattern),
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", config.Collection, err)
	}
	s.collection = collection

	if err := s.loadCatalog(); err != nil {
		return nil, err
	}

	logger.Info("pattern service initialized",
		zap.String("collection", config.Collection),
		zap.Int("patterns", len(s.catalog)),
		zap.Bool("persistent", config.Path != ""),
	)
	return s, nil
}

func (s *Service) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

func (s *Service) catalogPath() string {
	return filepath.Join(s.config.Path, "patterns.json")
}

func (s *Service) loadCatalog() error {
	if s.config.Path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.catalogPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading pattern catalog: %w", err)
	}
	if err := json.Unmarshal(raw, &s.catalog); err != nil {
		return fmt.Errorf("parsing pattern catalog: %w", err)
	}
	return nil
}

// saveCatalog persists the catalog. Caller holds s.mu.
func (s *Service) saveCatalog() error {
	if s.config.Path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(s.catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pattern catalog: %w", err)
	}
	tmp := s.catalogPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing pattern catalog: %w", err)
	}
	return os.Rename(tmp, s.catalogPath())
}

func validatePattern(p *Pattern) error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPattern)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPattern)
	}
	if p.Expansion == "" {
		return fmt.Errorf("%w: expansion is required", ErrInvalidPattern)
	}
	return nil
}

// Upsert inserts or replaces one pattern.
func (s *Service) Upsert(ctx context.Context, p Pattern) error {
	ctx, span := tracer.Start(ctx, "patterns.upsert")
	defer span.End()
	span.SetAttributes(attribute.String("pattern_id", p.ID))

	if err := validatePattern(&p); err != nil {
		return err
	}
	p.UpdatedAt = timeNow()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.index(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.catalog[p.ID] = p
	return s.saveCatalog()
}

// index writes one pattern's vector. Caller holds s.mu.
func (s *Service) index(ctx context.Context, p Pattern) error {
	embeddings, err := s.embedder.EmbedDocuments(ctx, []string{p.content()})
	if err != nil {
		return fmt.Errorf("embedding pattern %s: %w", p.ID, err)
	}

	// chromem has no update; replace by delete + add.
	if _, exists := s.catalog[p.ID]; exists {
		if err := s.collection.Delete(ctx, nil, nil, p.ID); err != nil {
			return fmt.Errorf("removing stale vector for %s: %w", p.ID, err)
		}
	}

	doc := chromem.Document{
		ID:      p.ID,
		Content: p.content(),
		Metadata: map[string]string{
			"name": p.Name,
		},
		Embedding: embeddings[0],
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("indexing pattern %s: %w", p.ID, err)
	}
	return nil
}

// Delete removes a pattern by ID.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "patterns.delete")
	defer span.End()
	span.SetAttributes(attribute.String("pattern_id", id))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.catalog[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting vector for %s: %w", id, err)
	}
	delete(s.catalog, id)
	return s.saveCatalog()
}

// Get returns one pattern by ID.
func (s *Service) Get(_ context.Context, id string) (Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.catalog[id]
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// List returns all patterns sorted by ID.
func (s *Service) List(_ context.Context) []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pattern, 0, len(s.catalog))
	for _, p := range s.catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Search returns the k patterns most similar to the query.
func (s *Service) Search(ctx context.Context, query string, k int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "patterns.search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if query == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", ErrInvalidPattern)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrInvalidPattern)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// chromem rejects nResults larger than the collection.
	if count := s.collection.Count(); k > count {
		k = count
	}
	if k == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying patterns: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		p, ok := s.catalog[r.ID]
		if !ok {
			s.logger.Warn("vector without catalog entry", zap.String("pattern_id", r.ID))
			continue
		}
		matches = append(matches, Match{Pattern: p, Similarity: r.Similarity})
	}
	return matches, nil
}

// Resync reconciles the store with a desired pattern set: patterns not in
// the store are inserted, changed ones are re-indexed, and stored
// patterns missing from the desired set are deleted.
func (s *Service) Resync(ctx context.Context, desired []Pattern) (SyncStats, error) {
	ctx, span := tracer.Start(ctx, "patterns.resync")
	defer span.End()
	span.SetAttributes(attribute.Int("desired", len(desired)))

	var stats SyncStats
	for i := range desired {
		if err := validatePattern(&desired[i]); err != nil {
			return stats, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(desired))
	for _, p := range desired {
		seen[p.ID] = true
		existing, ok := s.catalog[p.ID]
		switch {
		case !ok:
			stats.Inserted++
		case existing.fingerprint() != p.fingerprint():
			stats.Updated++
		default:
			continue
		}
		p.UpdatedAt = timeNow()
		if err := s.index(ctx, p); err != nil {
			span.RecordError(err)
			return stats, err
		}
		s.catalog[p.ID] = p
	}

	for id := range s.catalog {
		if seen[id] {
			continue
		}
		if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
			span.RecordError(err)
			return stats, fmt.Errorf("deleting vector for %s: %w", id, err)
		}
		delete(s.catalog, id)
		stats.Deleted++
	}

	if err := s.saveCatalog(); err != nil {
		return stats, err
	}

	s.logger.Info("pattern resync complete",
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("deleted", stats.Deleted),
	)
	return stats, nil
}
