// Package relationships manages typed, directed edges between memories,
// surfaced by recall as non-authoritative graph context.
package relationships
