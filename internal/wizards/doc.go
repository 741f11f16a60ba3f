// Package wizards defines the concrete stage graphs built on the workflow
// engine: the pattern capture wizard and the project scaffold wizard. The
// graphs are declarative stage tables; all session state and transition
// discipline lives in the engine.
package wizards
