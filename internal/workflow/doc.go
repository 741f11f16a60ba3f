// Package workflow provides the stage-graph engine behind opspilot's
// multi-stage wizards.
//
// Each tool registers a Graph of StageHandlers. Engine.Step resolves (or
// creates) the session, guards the client's stage token against the
// session's current position, validates the payload, and applies the
// transition under a single optimistic store update. Stages that implement
// CompoundStage additionally accept the answers for the following stage in
// the same request, applied as two internal transitions in one persisted
// update.
//
// Retried requests are safe by construction: all validation happens before
// persistence, the transform is pure, and a replay of an already-applied
// step observes the advanced stage and fails with STAGE_MISMATCH instead of
// double-applying.
package workflow
