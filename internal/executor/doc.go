// Package executor runs cluster commands for the agentic loop via the
// kubectl binary. Diagnostics are limited to a read-only allowlist;
// remediation commands are validated to be bare kubectl invocations with
// no shell constructs before execution.
package executor
