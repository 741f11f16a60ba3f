// Package patterns stores operational runbook patterns for semantic
// retrieval. Vectors live in an embedded chromem-go database; the
// canonical records live in a JSON catalog beside it. Resync reconciles
// the store against a desired pattern set and reports what changed.
package patterns
