// Package api provides the local REST surface mirroring the tool set.
//
// Implements the HTTP API using Gin with bearer-token auth, a request body
// size cap, a fixed CORS allow-list, and sanitized error envelopes.
package api
