package database

import (
	"encoding/json"
	"sort"
	"time"
)

// Memory is an atomic unit of remembered text and its metadata.
type Memory struct {
	ID        string
	Content   string
	Type      string // semantic | episodic | procedural | preference
	Tags      []string
	Subject   string
	Source    string
	AgentID   string
	Embedding []float32 // 384-D, L2-normalized; nil if embedder was unavailable at write time
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	SyncedAt  *time.Time
	Deleted   bool
}

// TagsJSON serializes Tags to a lexicographically sorted, deduplicated JSON array.
func (m *Memory) TagsJSON() string {
	return tagsToJSON(m.Tags)
}

func tagsToJSON(tags []string) string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	b, _ := json.Marshal(out)
	return string(b)
}

// ParseTags deserializes a JSON tags array, returning nil on malformed input
// rather than erroring — a memory with unparseable tags still has real content.
func ParseTags(tagsJSON string) []string {
	if tagsJSON == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

// NormalizeType maps an unrecognized memory type to the default "semantic"
// rather than rejecting the write.
func NormalizeType(t string) string {
	if IsValidMemoryType(t) {
		return t
	}
	return "semantic"
}

// MemoryUpdate represents optional partial updates to a memory.
type MemoryUpdate struct {
	Content      *string
	Tags         []string
	Subject      *string
	ExpiresAt    *time.Time
	RemoveExpiry bool
	Embedding    []float32
}

// MemoryFilters controls ListMemories pagination.
type MemoryFilters struct {
	Limit  int
	Offset int
}

// SearchFilters controls SearchFTS scoping.
type SearchFilters struct {
	Limit int
}

// SearchResult pairs a memory with its retrieval score.
type SearchResult struct {
	Memory *Memory
	Score  float64
}

// Relationship is a typed, directed edge between two memories.
type Relationship struct {
	ID               string
	SourceMemoryID   string
	TargetMemoryID   string
	RelationshipType string
	CreatedAt        time.Time
}
