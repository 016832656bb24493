// Package search provides the retrieval engine.
//
// Composes FTS5 keyword search and embedded ANN semantic search with
// subject/agent scoping, token-budgeted truncation, and confidence labeling.
package search
