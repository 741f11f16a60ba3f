// Package tools exposes the orchestrator to AI agents as MCP tools over
// stdio: the wizard step tools, the remediation loop tools, and the
// pattern store tools. Responses follow one envelope discipline: domain
// failures (missing fields, stage mismatches, unknown sessions) report a
// failed result, while only transport-level problems fail the call itself.
package tools
