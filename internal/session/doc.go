// Package session provides durable, uniquely-identified conversation state
// for tool invocations.
//
// A Session is the unit of resumable state shared by every opspilot tool:
// linear wizards advance it stage by stage, investigative tools append
// iterations and execution records to it. Sessions survive process restarts
// via the Badger-backed store and are guarded against concurrent writers by
// optimistic versioning: Update carries the caller's expected version and
// fails with ErrVersionConflict when a racing writer committed first.
package session
