// Package loop drives agentic investigations: an Oracle proposes
// diagnostic tool calls or a final analysis, an executor runs commands,
// and an execution gate decides whether remediation may proceed without
// user approval.
//
// The loop is bounded twice: MaxIterations caps Oracle tool calls within
// a single investigation cycle, and MaxInvestigationCycles caps how many
// times a failed validation may send the session back to investigate.
// Every iteration and execution record is persisted through the shared
// session store, so a crashed or cancelled request leaves an inspectable,
// resumable session rather than lost work.
package loop
