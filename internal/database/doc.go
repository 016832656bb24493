// Package database provides the SQLite storage layer: a core memories table,
// a standalone FTS5 keyword index kept in sync by triggers, and a vec0
// embedded ANN index over dense-vector embeddings, plus the relationship
// graph used for recall-time enrichment.
package database
