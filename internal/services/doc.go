// Package services provides the centralized service registry for opspilot.
//
// Registry pattern for accessing all core services (session store,
// workflow engine, agentic loop, patterns, oracle, executor). Use
// NewRegistry() to create a registry with service instances, then
// accessor methods to retrieve individual services.
package services
