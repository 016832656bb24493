// Package memory provides the core memory service layer.
//
// Implements the write path: field validation, whitespace-snapped chunking of
// oversized content, embedding, persistence, and the post-commit push hook.
package memory
