package relationships

import (
	"fmt"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
)

var log = logging.GetLogger("relationships")

// Service manages typed, directed edges between memories. Edges are used
// only to enrich recall responses with graph context; they never affect
// scoring or filtering.
type Service struct {
	db *database.Database
}

// NewService creates a new relationships service
func NewService(db *database.Database) *Service {
	return &Service{db: db}
}

// Create records an edge after checking both endpoints name live memories
// and the type is one of the known relationship types.
func (s *Service) Create(sourceID, targetID, relType string) (*database.Relationship, error) {
	if sourceID == "" || targetID == "" {
		return nil, fmt.Errorf("source and target memory ids are required")
	}
	if sourceID == targetID {
		return nil, fmt.Errorf("a memory cannot relate to itself")
	}
	if !database.IsValidRelationshipType(relType) {
		return nil, fmt.Errorf("invalid relationship type: %s", relType)
	}

	for _, id := range []string{sourceID, targetID} {
		m, err := s.db.GetMemory(id)
		if err != nil {
			return nil, fmt.Errorf("failed to look up memory %s: %w", id, err)
		}
		if m == nil || m.Deleted {
			return nil, fmt.Errorf("memory %s not found", id)
		}
	}

	r := &database.Relationship{
		SourceMemoryID:   sourceID,
		TargetMemoryID:   targetID,
		RelationshipType: relType,
	}
	if err := s.db.CreateRelationship(r); err != nil {
		return nil, err
	}

	log.Debug("relationship created", "source", sourceID, "target", targetID, "type", relType)
	return r, nil
}

// RelatedFor returns the directly adjacent edges for a memory, in both
// directions, without transitive closure.
func (s *Service) RelatedFor(memoryID string) ([]database.RelatedMemory, error) {
	if memoryID == "" {
		return nil, fmt.Errorf("memory id is required")
	}
	return s.db.GetDirectRelationships(memoryID)
}
