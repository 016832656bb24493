package memory

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	// chunkThreshold is the content length below which a memory is stored
	// whole; above it, chunking kicks in.
	chunkThreshold = 2200

	// targetChunkSize is the nominal chunk length before whitespace snapping.
	targetChunkSize = 1800

	// chunkOverlap is how far each chunk's start backs up from the previous
	// chunk's nominal end, so adjacent chunks share context. The stride is
	// fixed at targetChunkSize - chunkOverlap.
	chunkOverlap = 220

	// snapWindow is how far back from the target boundary the chunker will
	// look for a whitespace break before giving up and cutting mid-word.
	snapWindow = 120
)

// Chunk is one piece of a larger memory, produced by ChunkText.
type Chunk struct {
	Content string
	Index   int // 0-based position among its siblings
	Total   int // total number of chunks in the set
}

// ShouldChunk reports whether text is long enough to require splitting.
func ShouldChunk(text string) bool {
	return len([]rune(text)) > chunkThreshold
}

// ChunkText splits text into whitespace-snapped chunks of at most
// targetChunkSize runes with up to chunkOverlap runes of shared context
// between consecutive chunks. Content at or under chunkThreshold is returned
// as a single trimmed chunk, or nil if it is all whitespace.
//
// Empty chunks (all-whitespace spans) are dropped rather than stored.
func ChunkText(text string) []Chunk {
	runes := []rune(text)
	if len(runes) <= chunkThreshold {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []Chunk{{Content: trimmed, Index: 0, Total: 1}}
	}

	var pieces []string
	start := 0
	for start < len(runes) {
		end := start + targetChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if end < len(runes) {
			end = snapToWhitespace(runes, start, end)
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			pieces = append(pieces, piece)
		}

		if end >= len(runes) {
			break
		}
		// Fixed stride from the nominal start, independent of where the
		// boundary snapped; the snap distance just narrows the overlap.
		start += targetChunkSize - chunkOverlap
	}

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Content: p, Index: i, Total: len(pieces)}
	}
	return chunks
}

// snapToWhitespace searches backward from end through the last snapWindow
// runes for a whitespace boundary and snaps the chunk end back to it. A
// break at or before the chunk's midpoint is rejected so a snap can never
// halve the chunk. If no break is found the original end is kept, even
// mid-word.
func snapToWhitespace(runes []rune, start, end int) int {
	midpoint := start + targetChunkSize/2
	windowStart := end - snapWindow
	if windowStart < 0 {
		windowStart = 0
	}

	for i := end - 1; i >= windowStart; i-- {
		if unicode.IsSpace(runes[i]) && i > midpoint {
			return i
		}
	}
	return end
}

// ChunkTags returns the reassembly tags a chunk should carry: a shared
// chunkset id for the whole set plus its own position within it.
func ChunkTags(setID uuid.UUID, c Chunk) []string {
	return []string{
		fmt.Sprintf("chunkset:%s", setID.String()),
		"chunked",
		fmt.Sprintf("chunk_index:%d", c.Index),
		fmt.Sprintf("chunk_total:%d", c.Total),
	}
}
