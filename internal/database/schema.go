package database

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// CoreSchema contains the main table definitions.
const CoreSchema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- MEMORIES TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'semantic',
	tags TEXT, -- JSON array of strings, lexicographically deduplicated
	subject TEXT,
	source TEXT,
	agent_id TEXT,
	embedding BLOB, -- never written; vectors are stored in memories_vec
	expires_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	synced_at DATETIME,
	deleted BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memories_subject ON memories(subject);
CREATE INDEX IF NOT EXISTS idx_memories_agent_id ON memories(agent_id);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_updated_at ON memories(updated_at);
CREATE INDEX IF NOT EXISTS idx_memories_expires_at ON memories(expires_at);
CREATE INDEX IF NOT EXISTS idx_memories_deleted ON memories(deleted);
CREATE INDEX IF NOT EXISTS idx_memories_synced_at ON memories(synced_at);
-- live-set scans (deleted=0 AND not expired) dominate read traffic
CREATE INDEX IF NOT EXISTS idx_memories_live ON memories(deleted, expires_at);
-- push loop's unsynced-row scan
CREATE INDEX IF NOT EXISTS idx_memories_unsynced ON memories(synced_at, updated_at);

-- =============================================================================
-- MEMORY RELATIONSHIPS TABLE
-- Graph edges used only for recall-time enrichment (never for scoring).
-- =============================================================================
CREATE TABLE IF NOT EXISTS memory_relationships (
	id TEXT PRIMARY KEY,
	source_memory_id TEXT NOT NULL,
	target_memory_id TEXT NOT NULL,
	relationship_type TEXT NOT NULL CHECK (
		relationship_type IN ('relates_to', 'contradicts', 'supports', 'caused_by', 'part_of', 'duplicate_of', 'supersedes')
	),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (source_memory_id) REFERENCES memories(id) ON DELETE CASCADE,
	FOREIGN KEY (target_memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON memory_relationships(source_memory_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON memory_relationships(target_memory_id);

-- =============================================================================
-- WEBHOOKS TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS webhooks (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	secret TEXT,
	events TEXT NOT NULL DEFAULT '[]', -- JSON array of event names
	enabled BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- =============================================================================
-- MIGRATION LOG TABLE
-- =============================================================================
CREATE TABLE IF NOT EXISTS migration_log (
	id TEXT PRIMARY KEY,
	migration_type TEXT NOT NULL,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	success BOOLEAN DEFAULT 0,
	error_message TEXT
);
`

// FTS5Schema contains the full-text search configuration: a standalone FTS5
// table (not external-content) for reliable trigger-driven sync.
const FTS5Schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	id UNINDEXED,
	content,
	tags
);

CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories WHEN new.deleted = 0 BEGIN
	INSERT INTO memories_fts(id, content, tags) VALUES (new.id, new.content, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
	DELETE FROM memories_fts WHERE id = old.id;
END;

-- Tombstoning is an UPDATE, so the update trigger also evicts dead rows from
-- the index instead of leaving them behind until the purge.
CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE ON memories BEGIN
	DELETE FROM memories_fts WHERE id = old.id;
	INSERT INTO memories_fts(id, content, tags)
		SELECT new.id, new.content, new.tags WHERE new.deleted = 0;
END;
`

// VectorSchema creates the embedded ANN index over dense-vector embeddings,
// backed by the sqlite-vec vec0 virtual table module.
const VectorSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_vec USING vec0(
	memory_id TEXT PRIMARY KEY,
	embedding FLOAT[384]
);
`

// RelationshipTypes enumerates the valid memory_relationships.relationship_type values.
var RelationshipTypes = []string{
	"relates_to",
	"contradicts",
	"supports",
	"caused_by",
	"part_of",
	"duplicate_of",
	"supersedes",
}

// MemoryTypes enumerates the valid memories.type values. Unknown values
// deserialize to "semantic" at the boundary rather than being rejected.
var MemoryTypes = []string{
	"semantic",
	"episodic",
	"procedural",
	"preference",
}

// IsValidRelationshipType checks if a relationship type is valid.
func IsValidRelationshipType(t string) bool {
	for _, rt := range RelationshipTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// IsValidMemoryType checks if a memory type is valid.
func IsValidMemoryType(t string) bool {
	for _, mt := range MemoryTypes {
		if mt == t {
			return true
		}
	}
	return false
}
