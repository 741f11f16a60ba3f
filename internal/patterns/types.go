package patterns

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Attribution records where a pattern came from.
type Attribution struct {
	Author string `json:"author,omitempty"`
	Source string `json:"source,omitempty"`
}

// Pattern is one operational runbook pattern: a named symptom class with
// the expansion an operator (or agent) should follow when it matches.
type Pattern struct {
	// ID is the stable pattern identifier.
	ID string `json:"id"`

	// Name is a short human-readable title.
	Name string `json:"name"`

	// Description summarizes when the pattern applies.
	Description string `json:"description"`

	// Triggers are symptom phrases that should match this pattern.
	Triggers []string `json:"triggers,omitempty"`

	// Expansion is the runbook body: the steps to take.
	Expansion string `json:"expansion"`

	// Resources are supporting links (docs, dashboards, past incidents).
	Resources []string `json:"resources,omitempty"`

	// Rationale explains why the expansion is the right response.
	Rationale string `json:"rationale,omitempty"`

	Attribution Attribution `json:"attribution,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// content is the text indexed for similarity search.
func (p *Pattern) content() string {
	parts := []string{p.Name, p.Description}
	parts = append(parts, p.Triggers...)
	parts = append(parts, p.Expansion)
	return strings.Join(parts, "\n")
}

// fingerprint hashes the searchable and displayed fields so resync can
// tell changed patterns from unchanged ones. UpdatedAt is excluded.
func (p *Pattern) fingerprint() string {
	clone := *p
	clone.UpdatedAt = time.Time{}
	triggers := append([]string(nil), clone.Triggers...)
	sort.Strings(triggers)
	clone.Triggers = triggers
	raw, _ := json.Marshal(&clone)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Match is one search hit.
type Match struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float32 `json:"similarity"`
}

// SyncStats reports what a resync changed.
type SyncStats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
}
