// Package mcp provides the Model Context Protocol tool surface.
//
// Implements a transport-agnostic JSON-RPC 2.0 core with a tier-gated tool
// registry, carried over a Content-Length framed byte stream or a
// session-scoped server-sent-events stream.
package mcp
