// Package oracle adapts an OpenAI-compatible chat model into the
// reasoning backend of the agentic loop. The model is constrained to a
// strict single-JSON-object contract; replies that do not parse are
// rejected as malformed and surface through the loop's retry path.
package oracle
