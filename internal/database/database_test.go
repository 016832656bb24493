package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDatabaseOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}
}

func TestDatabaseInitSchema(t *testing.T) {
	db := newTestDB(t)

	version, err := db.GetSchemaVersion()
	if err != nil {
		t.Fatalf("Failed to get schema version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("Expected schema version %d, got %d", SchemaVersion, version)
	}

	tables := []string{
		"memories", "memory_relationships", "migration_log",
		"schema_version", "memories_fts", "memories_vec",
	}
	for _, table := range tables {
		exists, err := db.TableExists(table)
		if err != nil {
			t.Fatalf("Failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("Table %s should exist", table)
		}
	}
}

func TestMemoryCRUD(t *testing.T) {
	db := newTestDB(t)

	t.Run("Create", func(t *testing.T) {
		mem := &Memory{
			Content: "Test memory content",
			Tags:    []string{"test", "golang"},
			Subject: "testing",
		}

		if err := db.CreateMemory(mem); err != nil {
			t.Fatalf("Failed to create memory: %v", err)
		}
		if mem.ID == "" {
			t.Error("Memory ID should be generated")
		}
		if mem.CreatedAt.IsZero() {
			t.Error("CreatedAt should be set")
		}
	})

	t.Run("CreateNormalizesUnknownType", func(t *testing.T) {
		mem := &Memory{Content: "Minimal memory", Type: "bogus"}
		if err := db.CreateMemory(mem); err != nil {
			t.Fatalf("Failed to create memory: %v", err)
		}

		retrieved, err := db.GetMemory(mem.ID)
		if err != nil {
			t.Fatalf("Failed to get memory: %v", err)
		}
		if retrieved.Type != "semantic" {
			t.Errorf("Expected default type 'semantic', got %s", retrieved.Type)
		}
	})

	t.Run("Read", func(t *testing.T) {
		mem := &Memory{
			Content: "Read test memory",
			Tags:    []string{"read", "test"},
			Source:  "test-source",
			Subject: "testing",
		}
		if err := db.CreateMemory(mem); err != nil {
			t.Fatalf("Failed to create memory: %v", err)
		}

		retrieved, err := db.GetMemory(mem.ID)
		if err != nil {
			t.Fatalf("Failed to get memory: %v", err)
		}
		if retrieved == nil {
			t.Fatal("Expected memory, got nil")
		}
		if retrieved.Content != mem.Content {
			t.Errorf("Content mismatch: expected %q, got %q", mem.Content, retrieved.Content)
		}
		if len(retrieved.Tags) != 2 {
			t.Errorf("Expected 2 tags, got %d", len(retrieved.Tags))
		}
		if retrieved.Source != mem.Source {
			t.Errorf("Source mismatch: expected %q, got %q", mem.Source, retrieved.Source)
		}
	})

	t.Run("ReadNotFound", func(t *testing.T) {
		retrieved, err := db.GetMemory("nonexistent-id")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if retrieved != nil {
			t.Error("Expected nil for nonexistent memory")
		}
	})

	t.Run("Update", func(t *testing.T) {
		mem := &Memory{Content: "Original content"}
		_ = db.CreateMemory(mem)

		newContent := "Updated content"
		updated, err := db.UpdateMemory(mem.ID, &MemoryUpdate{Content: &newContent})
		if err != nil {
			t.Fatalf("Failed to update memory: %v", err)
		}
		if updated == nil {
			t.Fatal("Expected updated memory, got nil")
		}
		if updated.Content != newContent {
			t.Errorf("Content not updated: expected %q, got %q", newContent, updated.Content)
		}
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		newContent := "test"
		updated, err := db.UpdateMemory("nonexistent-id", &MemoryUpdate{Content: &newContent})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if updated != nil {
			t.Error("Expected nil for nonexistent memory")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		mem := &Memory{Content: "To be deleted"}
		_ = db.CreateMemory(mem)

		ok, err := db.DeleteMemory(mem.ID)
		if err != nil {
			t.Fatalf("Failed to delete memory: %v", err)
		}
		if !ok {
			t.Error("Expected delete to report success")
		}

		retrieved, _ := db.GetMemory(mem.ID)
		if retrieved == nil || !retrieved.Deleted {
			t.Error("Memory should be tombstoned, not removed")
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		ok, err := db.DeleteMemory("nonexistent-id")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if ok {
			t.Error("Expected delete to report no-op for nonexistent memory")
		}
	})
}

func TestListMemories(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 10; i++ {
		mem := &Memory{Content: "Test memory " + string(rune('A'+i)), Subject: "test"}
		if i%2 == 0 {
			mem.Tags = []string{"even"}
		} else {
			mem.Tags = []string{"odd"}
		}
		_ = db.CreateMemory(mem)
	}

	t.Run("ListAll", func(t *testing.T) {
		memories, err := db.ListMemories(&MemoryFilters{Limit: 100})
		if err != nil {
			t.Fatalf("Failed to list memories: %v", err)
		}
		if len(memories) != 10 {
			t.Errorf("Expected 10 memories, got %d", len(memories))
		}
	})

	t.Run("ListWithLimit", func(t *testing.T) {
		memories, err := db.ListMemories(&MemoryFilters{Limit: 5})
		if err != nil {
			t.Fatalf("Failed to list memories: %v", err)
		}
		if len(memories) != 5 {
			t.Errorf("Expected 5 memories, got %d", len(memories))
		}
	})

	t.Run("ListWithOffset", func(t *testing.T) {
		memories, err := db.ListMemories(&MemoryFilters{Limit: 5, Offset: 5})
		if err != nil {
			t.Fatalf("Failed to list memories: %v", err)
		}
		if len(memories) != 5 {
			t.Errorf("Expected 5 memories, got %d", len(memories))
		}
	})
}

func TestCount(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 3; i++ {
		_ = db.CreateMemory(&Memory{Content: "counted"})
	}
	mem := &Memory{Content: "will be deleted"}
	_ = db.CreateMemory(mem)
	_, _ = db.DeleteMemory(mem.ID)

	count, err := db.Count()
	if err != nil {
		t.Fatalf("Failed to count memories: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 live memories, got %d", count)
	}
}

func TestSearchFTS(t *testing.T) {
	db := newTestDB(t)

	testData := []struct {
		content string
		tags    []string
	}{
		{"Go programming language basics", []string{"golang", "programming"}},
		{"Python for data science", []string{"python", "data"}},
		{"JavaScript frontend development", []string{"javascript", "frontend"}},
		{"Go advanced concurrency patterns", []string{"golang", "concurrency"}},
		{"Machine learning with Python", []string{"python", "ml"}},
	}
	for _, td := range testData {
		_ = db.CreateMemory(&Memory{Content: td.content, Tags: td.tags})
	}

	t.Run("SimpleSearch", func(t *testing.T) {
		results, err := db.SearchFTS("Go", &SearchFilters{})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) != 2 {
			t.Errorf("Expected 2 results for 'Go', got %d", len(results))
		}
	})

	t.Run("MultiWordSearch", func(t *testing.T) {
		results, err := db.SearchFTS("data science", &SearchFilters{})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) < 1 {
			t.Error("Expected at least 1 result for 'data science'")
		}
	})

	t.Run("NoResults", func(t *testing.T) {
		results, err := db.SearchFTS("nonexistent content xyz", &SearchFilters{})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("Expected 0 results, got %d", len(results))
		}
	})

	t.Run("SearchWithLimit", func(t *testing.T) {
		results, err := db.SearchFTS("programming", &SearchFilters{Limit: 1})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(results) > 1 {
			t.Errorf("Expected at most 1 result, got %d", len(results))
		}
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		_, err := db.SearchFTS("", &SearchFilters{})
		if err == nil {
			t.Error("Expected error for empty query")
		}
	})

	t.Run("QuoteMetacharacterDoesNotError", func(t *testing.T) {
		if _, err := db.SearchFTS(`"unterminated`, &SearchFilters{}); err != nil {
			t.Errorf("query with bare quote should not error, got: %v", err)
		}
	})
}

func TestRelationships(t *testing.T) {
	db := newTestDB(t)

	mem1 := &Memory{Content: "Memory 1"}
	mem2 := &Memory{Content: "Memory 2"}
	mem3 := &Memory{Content: "Memory 3"}
	_ = db.CreateMemory(mem1)
	_ = db.CreateMemory(mem2)
	_ = db.CreateMemory(mem3)

	t.Run("CreateRelationship", func(t *testing.T) {
		rel := &Relationship{
			SourceMemoryID:   mem1.ID,
			TargetMemoryID:   mem2.ID,
			RelationshipType: "relates_to",
		}
		if err := db.CreateRelationship(rel); err != nil {
			t.Fatalf("Failed to create relationship: %v", err)
		}
		if rel.ID == "" {
			t.Error("Relationship ID should be generated")
		}
	})

	t.Run("InvalidRelationshipType", func(t *testing.T) {
		rel := &Relationship{
			SourceMemoryID:   mem1.ID,
			TargetMemoryID:   mem2.ID,
			RelationshipType: "invalid-type",
		}
		if err := db.CreateRelationship(rel); err == nil {
			t.Error("Expected error for invalid relationship type")
		}
	})

	t.Run("GetDirectRelationships", func(t *testing.T) {
		_ = db.CreateRelationship(&Relationship{
			SourceMemoryID:   mem2.ID,
			TargetMemoryID:   mem3.ID,
			RelationshipType: "supports",
		})

		related, err := db.GetDirectRelationships(mem1.ID)
		if err != nil {
			t.Fatalf("Failed to get relationships: %v", err)
		}
		if len(related) != 1 {
			t.Errorf("Expected 1 direct relationship for mem1, got %d", len(related))
		}

		// mem2 participates in both edges (target of one, source of the other).
		related, err = db.GetDirectRelationships(mem2.ID)
		if err != nil {
			t.Fatalf("Failed to get relationships: %v", err)
		}
		if len(related) != 2 {
			t.Errorf("Expected 2 direct relationships for mem2, got %d", len(related))
		}
	})
}

func TestCascadeDelete(t *testing.T) {
	db := newTestDB(t)

	mem1 := &Memory{Content: "Memory 1"}
	mem2 := &Memory{Content: "Memory 2"}
	_ = db.CreateMemory(mem1)
	_ = db.CreateMemory(mem2)

	_ = db.CreateRelationship(&Relationship{
		SourceMemoryID:   mem1.ID,
		TargetMemoryID:   mem2.ID,
		RelationshipType: "relates_to",
	})

	var relCount int
	_ = db.QueryRow("SELECT COUNT(*) FROM memory_relationships").Scan(&relCount)
	if relCount != 1 {
		t.Fatalf("Expected 1 relationship, got %d", relCount)
	}

	// Tombstoning does not hard-delete the row, so the relationship survives
	// until a purge. Hard-delete it directly to verify the cascade.
	if _, err := db.Exec("DELETE FROM memories WHERE id = ?", mem1.ID); err != nil {
		t.Fatalf("Failed to hard-delete memory: %v", err)
	}

	_ = db.QueryRow("SELECT COUNT(*) FROM memory_relationships").Scan(&relCount)
	if relCount != 0 {
		t.Errorf("Expected 0 relationships after cascade delete, got %d", relCount)
	}
}

func TestFTS5Triggers(t *testing.T) {
	db := newTestDB(t)

	mem := &Memory{Content: "Unique searchable content xyz123"}
	_ = db.CreateMemory(mem)

	results, err := db.SearchFTS("xyz123", &SearchFilters{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 result after insert, got %d", len(results))
	}

	newContent := "Updated unique content abc789"
	if _, err := db.UpdateMemory(mem.ID, &MemoryUpdate{Content: &newContent}); err != nil {
		t.Fatalf("Failed to update memory: %v", err)
	}

	results, _ = db.SearchFTS("xyz123", &SearchFilters{})
	if len(results) != 0 {
		t.Errorf("Expected 0 results for old content, got %d", len(results))
	}

	results, _ = db.SearchFTS("abc789", &SearchFilters{})
	if len(results) != 1 {
		t.Errorf("Expected 1 result for new content, got %d", len(results))
	}
}

func TestCleanupExpired(t *testing.T) {
	db := newTestDB(t)

	past := pastTime()
	mem := &Memory{Content: "expired memory", ExpiresAt: &past}
	_ = db.CreateMemory(mem)
	_ = db.CreateMemory(&Memory{Content: "not expired"})

	n, err := db.CleanupExpired()
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 memory cleaned up, got %d", n)
	}

	retrieved, _ := db.GetMemory(mem.ID)
	if retrieved == nil || !retrieved.Deleted {
		t.Error("Expired memory should be tombstoned")
	}
}

func TestRelationshipTypes(t *testing.T) {
	validTypes := []string{"relates_to", "contradicts", "supports", "caused_by", "part_of", "duplicate_of", "supersedes"}
	for _, rt := range validTypes {
		if !IsValidRelationshipType(rt) {
			t.Errorf("Type %q should be valid", rt)
		}
	}

	invalidTypes := []string{"invalid", "references", "expands", ""}
	for _, rt := range invalidTypes {
		if IsValidRelationshipType(rt) {
			t.Errorf("Type %q should be invalid", rt)
		}
	}
}

func TestMemoryTypes(t *testing.T) {
	for _, mt := range []string{"semantic", "episodic", "procedural", "preference"} {
		if !IsValidMemoryType(mt) {
			t.Errorf("Type %q should be valid", mt)
		}
	}
	if IsValidMemoryType("bogus") {
		t.Error("Type 'bogus' should be invalid")
	}
}

func TestDatabaseStats(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		_ = db.CreateMemory(&Memory{Content: "Test memory"})
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.MemoryCount != 5 {
		t.Errorf("Expected 5 memories, got %d", stats.MemoryCount)
	}
	if stats.LiveCount != 5 {
		t.Errorf("Expected 5 live memories, got %d", stats.LiveCount)
	}
	if stats.SchemaVersion != SchemaVersion {
		t.Errorf("Expected schema version %d, got %d", SchemaVersion, stats.SchemaVersion)
	}
}

func pastTime() time.Time {
	return time.Now().Add(-time.Hour)
}

func newTestDB(t *testing.T) *Database {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
