package database

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	"github.com/google/uuid"
)

// CreateMemory inserts a new memory into the database, its keyword index
// entry (via trigger) and its vector index entry (if an embedding is present)
// all in one transaction.
func (d *Database) CreateMemory(m *Memory) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt
	m.Type = NormalizeType(m.Type)

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO memories (
			id, content, type, tags, subject, source, agent_id,
			expires_at, created_at, updated_at, deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`,
		m.ID, m.Content, m.Type, m.TagsJSON(), nullString(m.Subject),
		nullString(m.Source), nullString(m.AgentID), nullTime(m.ExpiresAt),
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create memory: %w", err)
	}

	if err := upsertVector(tx, m.ID, m.Embedding); err != nil {
		return fmt.Errorf("failed to index embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit memory: %w", err)
	}
	return nil
}

// GetMemory retrieves a live or tombstoned memory by ID, or (nil, nil) if absent.
func (d *Database) GetMemory(id string) (*Memory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	row := d.db.QueryRow(`
		SELECT id, content, type, tags, subject, source, agent_id,
		       expires_at, created_at, updated_at, synced_at, deleted
		FROM memories WHERE id = ?
	`, id)
	m, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	m.Embedding, err = d.getVector(id)
	if err != nil {
		log.Warn("failed to load embedding", "id", id, "error", err)
	}
	return m, nil
}

// UpdateMemory applies only the supplied fields, advances updated_at, and
// re-indexes the embedding when one is supplied. Returns (nil, nil) if id is absent.
func (d *Database) UpdateMemory(id string, updates *MemoryUpdate) (*Memory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var setClauses []string
	var args []interface{}

	if updates.Content != nil {
		setClauses = append(setClauses, "content = ?")
		args = append(args, *updates.Content)
	}
	if updates.Tags != nil {
		setClauses = append(setClauses, "tags = ?")
		args = append(args, tagsToJSON(updates.Tags))
	}
	if updates.Subject != nil {
		setClauses = append(setClauses, "subject = ?")
		args = append(args, nullString(*updates.Subject))
	}
	if updates.RemoveExpiry {
		setClauses = append(setClauses, "expires_at = NULL")
	} else if updates.ExpiresAt != nil {
		setClauses = append(setClauses, "expires_at = ?")
		args = append(args, *updates.ExpiresAt)
	}

	now := time.Now()
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, now)
	args = append(args, id)

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("UPDATE memories SET %s WHERE id = ? AND deleted = 0", strings.Join(setClauses, ", "))
	result, err := tx.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, nil
	}

	if updates.Embedding != nil {
		if err := upsertVector(tx, id, updates.Embedding); err != nil {
			return nil, fmt.Errorf("failed to re-index embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	m, err := d.getMemoryLocked(id)
	if err != nil || m == nil {
		return m, err
	}
	m.Embedding, _ = d.getVector(id)
	return m, nil
}

// DeleteMemory tombstones a memory: sets deleted=true and advances updated_at.
// It does not remove the row; that is purge_tombstones's job. The vector row
// is dropped immediately since the live set must never include tombstones.
func (d *Database) DeleteMemory(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE memories SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0
	`, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	if err := deleteVector(tx, id); err != nil {
		return false, fmt.Errorf("failed to remove embedding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return true, nil
}

// ListMemories returns the live set ordered by created_at desc.
func (d *Database) ListMemories(filters *MemoryFilters) ([]*Memory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := d.db.Query(`
		SELECT id, content, type, tags, subject, source, agent_id,
		       expires_at, created_at, updated_at, synced_at, deleted
		FROM memories
		WHERE deleted = 0 AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, time.Now(), limit, filters.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// Count returns the number of live memories.
func (d *Database) Count() (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE deleted = 0 AND (expires_at IS NULL OR expires_at > ?)`, time.Now()).Scan(&count)
	return count, err
}

// CleanupExpired tombstones every live record whose expires_at has passed,
// dropping vector rows alongside so the index never outlives the live set.
func (d *Database) CleanupExpired() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	rows, err := d.db.Query(`
		SELECT id FROM memories
		WHERE deleted = 0 AND expires_at IS NOT NULL AND expires_at <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to select expired memories: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if err := deleteVector(tx, id); err != nil {
			return 0, fmt.Errorf("failed to drop expired vector for %s: %w", id, err)
		}
		if _, err := tx.Exec(`
			UPDATE memories SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0
		`, now, id); err != nil {
			return 0, fmt.Errorf("failed to tombstone expired %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return len(ids), nil
}

// PurgeTombstones hard-deletes tombstones old enough and acknowledged by the
// cloud, removing the vector row first.
func (d *Database) PurgeTombstones() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	rows, err := d.db.Query(`
		SELECT id FROM memories
		WHERE deleted = 1 AND synced_at IS NOT NULL AND updated_at <= ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to select tombstones: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	purged := 0
	for _, id := range ids {
		if err := deleteVector(tx, id); err != nil {
			return purged, fmt.Errorf("failed to remove vector for %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
			return purged, fmt.Errorf("failed to purge %s: %w", id, err)
		}
		purged++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return purged, nil
}

// SearchFTS performs a keyword search: each whitespace-delimited token is
// wrapped as an FTS5 phrase to neutralize index-syntax metacharacters, and
// the native bm25() rank (lower is better) is sign-flipped into a positive
// score rather than renormalized across calls.
func (d *Database) SearchFTS(query string, filters *SearchFilters) ([]*SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is required")
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `
		SELECT m.id, m.content, m.type, m.tags, m.subject, m.source, m.agent_id,
		       m.expires_at, m.created_at, m.updated_at, m.synced_at, m.deleted,
		       bm25(memories_fts) as rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ? AND m.deleted = 0 AND (m.expires_at IS NULL OR m.expires_at > ?)
		ORDER BY rank
		LIMIT ?
	`

	rows, err := d.db.Query(sqlQuery, phraseQuery(query), time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	var results []*SearchResult
	for rows.Next() {
		var m Memory
		var tagsJSON string
		var subject, source, agentID sql.NullString
		var expiresAt, syncedAt sql.NullTime
		var rank float64

		if err := rows.Scan(
			&m.ID, &m.Content, &m.Type, &tagsJSON, &subject, &source, &agentID,
			&expiresAt, &m.CreatedAt, &m.UpdatedAt, &syncedAt, &m.Deleted, &rank,
		); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		m.Tags = ParseTags(tagsJSON)
		m.Subject = subject.String
		m.Source = source.String
		m.AgentID = agentID.String
		if expiresAt.Valid {
			m.ExpiresAt = &expiresAt.Time
		}
		if syncedAt.Valid {
			m.SyncedAt = &syncedAt.Time
		}

		results = append(results, &SearchResult{Memory: &m, Score: -rank})
	}
	return results, nil
}

// phraseQuery wraps each whitespace-delimited token in double quotes so FTS5
// treats the query as a sequence of literal phrases rather than parsing
// operators out of the caller's free text.
func phraseQuery(query string) string {
	fields := strings.Fields(query)
	phrases := make([]string, 0, len(fields))
	for _, f := range fields {
		escaped := strings.ReplaceAll(f, `"`, `""`)
		phrases = append(phrases, `"`+escaped+`"`)
	}
	return strings.Join(phrases, " ")
}

// ListSubjects aggregates live memories by their non-null subject.
func (d *Database) ListSubjects() ([]SubjectCount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT subject, COUNT(*) FROM memories
		WHERE deleted = 0 AND subject IS NOT NULL AND subject != ''
		  AND (expires_at IS NULL OR expires_at > ?)
		GROUP BY subject
		ORDER BY COUNT(*) DESC
	`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var out []SubjectCount
	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// SubjectCount is one row of the subject directory.
type SubjectCount struct {
	Subject string
	Count   int
}

// FindBySubject returns live memories with an exact subject match.
func (d *Database) FindBySubject(subject string, limit int) ([]*Memory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.Query(`
		SELECT id, content, type, tags, subject, source, agent_id,
		       expires_at, created_at, updated_at, synced_at, deleted
		FROM memories
		WHERE deleted = 0 AND subject = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, subject, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find by subject: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// FindByAgent returns live memories written by the given agent, newest first.
func (d *Database) FindByAgent(agentID string, limit int) ([]*Memory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.Query(`
		SELECT id, content, type, tags, subject, source, agent_id,
		       expires_at, created_at, updated_at, synced_at, deleted
		FROM memories
		WHERE deleted = 0 AND agent_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, agentID, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find by agent: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// FindBySubjectFuzzy returns live memories whose subject contains the query.
func (d *Database) FindBySubjectFuzzy(subject string, limit int) ([]*Memory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	rows, err := d.db.Query(`
		SELECT id, content, type, tags, subject, source, agent_id,
		       expires_at, created_at, updated_at, synced_at, deleted
		FROM memories
		WHERE deleted = 0 AND subject LIKE ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, "%"+subject+"%", time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fuzzy find by subject: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// --- Vector index (embedded ANN via sqlite-vec's vec0 virtual table) ---

// SemanticSearch runs a k-nearest-neighbors probe against the embedded ANN index.
func (d *Database) SemanticSearch(query []float32, k int) ([]*SearchResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	encoded, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query vector: %w", err)
	}

	rows, err := d.db.Query(`
		SELECT v.memory_id, v.distance
		FROM memories_vec v
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, encoded, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector index: %w", err)
	}
	defer rows.Close()

	type hit struct {
		id string
		d  float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.d); err != nil {
			return nil, fmt.Errorf("failed to scan vector hit: %w", err)
		}
		hits = append(hits, h)
	}

	var results []*SearchResult
	for _, h := range hits {
		m, err := d.getMemoryLocked(h.id)
		if err != nil || m == nil || m.Deleted {
			continue
		}
		if m.ExpiresAt != nil && !m.ExpiresAt.After(time.Now()) {
			continue
		}
		similarity := 1 - (h.d*h.d)/2
		if similarity < 0.15 {
			continue
		}
		results = append(results, &SearchResult{Memory: m, Score: similarity})
	}
	return results, nil
}

// getMemoryLocked fetches a memory without re-acquiring d.mu, for callers
// that already hold the read lock (e.g. SemanticSearch's join-back step).
func (d *Database) getMemoryLocked(id string) (*Memory, error) {
	row := d.db.QueryRow(`
		SELECT id, content, type, tags, subject, source, agent_id,
		       expires_at, created_at, updated_at, synced_at, deleted
		FROM memories WHERE id = ?
	`, id)
	m, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (d *Database) getVector(id string) ([]float32, error) {
	var raw []byte
	err := d.db.QueryRow(`SELECT embedding FROM memories_vec WHERE memory_id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeVector(raw)
}

// decodeVector reverses sqlite-vec's float32 serialization: consecutive
// little-endian 4-byte values.
func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("malformed vector blob: %d bytes", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

func upsertVector(tx *sql.Tx, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	encoded, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM memories_vec WHERE memory_id = ?`, id); err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO memories_vec (memory_id, embedding) VALUES (?, ?)`, id, encoded)
	return err
}

func deleteVector(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`DELETE FROM memories_vec WHERE memory_id = ?`, id)
	return err
}

// --- Relationships (graph enrichment) ---

// CreateRelationship records a typed, directed edge between two memories.
func (d *Database) CreateRelationship(r *Relationship) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !IsValidRelationshipType(r.RelationshipType) {
		return fmt.Errorf("invalid relationship type: %s", r.RelationshipType)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err := d.db.Exec(`
		INSERT INTO memory_relationships (id, source_memory_id, target_memory_id, relationship_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.SourceMemoryID, r.TargetMemoryID, r.RelationshipType, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create relationship: %w", err)
	}
	return nil
}

// RelatedMemory is one edge attached to a recall result for graph enrichment.
type RelatedMemory struct {
	MemoryID         string
	RelationshipType string
	Outbound         bool // true if the result memory is the source of the edge
}

// GetDirectRelationships returns the directly-adjacent edges for a memory id,
// without transitive closure, for use by recall's graph-context enrichment.
func (d *Database) GetDirectRelationships(memoryID string) ([]RelatedMemory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT source_memory_id, target_memory_id, relationship_type
		FROM memory_relationships
		WHERE source_memory_id = ? OR target_memory_id = ?
	`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get relationships: %w", err)
	}
	defer rows.Close()

	var out []RelatedMemory
	for rows.Next() {
		var src, tgt, typ string
		if err := rows.Scan(&src, &tgt, &typ); err != nil {
			return nil, err
		}
		if src == memoryID {
			out = append(out, RelatedMemory{MemoryID: tgt, RelationshipType: typ, Outbound: true})
		} else {
			out = append(out, RelatedMemory{MemoryID: src, RelationshipType: typ, Outbound: false})
		}
	}
	return out, nil
}

// --- Sync support (fetched/stamped by internal/sync) ---

// UnsyncedMemories fetches up to limit rows needing a push, oldest-updated first.
func (d *Database) UnsyncedMemories(limit int) ([]*Memory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, content, type, tags, subject, source, agent_id,
		       expires_at, created_at, updated_at, synced_at, deleted
		FROM memories
		WHERE synced_at IS NULL OR updated_at > synced_at
		ORDER BY updated_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsynced memories: %w", err)
	}
	defer rows.Close()
	memories, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}
	for _, m := range memories {
		m.Embedding, _ = d.getVector(m.ID)
	}
	return memories, nil
}

// StampSynced advances synced_at to at least the given time for the given ids.
func (d *Database) StampSynced(ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.Exec(`
			UPDATE memories SET synced_at = MAX(COALESCE(synced_at, 0), ?) WHERE id = ?
		`, at, id); err != nil {
			return fmt.Errorf("failed to stamp synced_at for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ApplyRemoteTombstone implements the "remote tombstone + exists locally" merge rule.
func (d *Database) ApplyRemoteTombstone(id string, remoteUpdatedAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE memories SET deleted = 1, updated_at = ?, synced_at = ? WHERE id = ?
	`, remoteUpdatedAt, remoteUpdatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to apply remote tombstone: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil
	}
	if err := deleteVector(tx, id); err != nil {
		return fmt.Errorf("failed to remove vector for remote tombstone: %w", err)
	}
	return tx.Commit()
}

// UpsertFromRemote implements the "exists locally, remote newer" and "absent
// locally" merge rules of the pull loop.
func (d *Database) UpsertFromRemote(m *Memory) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m.Type = NormalizeType(m.Type)
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO memories (id, content, type, tags, subject, source, agent_id, expires_at, created_at, updated_at, synced_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			type = excluded.type,
			tags = excluded.tags,
			subject = excluded.subject,
			source = excluded.source,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at,
			deleted = 0
	`,
		m.ID, m.Content, m.Type, m.TagsJSON(), nullString(m.Subject), nullString(m.Source),
		nullString(m.AgentID), nullTime(m.ExpiresAt), m.CreatedAt, m.UpdatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert from remote: %w", err)
	}
	if err := upsertVector(tx, m.ID, m.Embedding); err != nil {
		return fmt.Errorf("failed to re-index embedding from remote: %w", err)
	}
	return tx.Commit()
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemoryRow(row rowScanner) (*Memory, error) {
	var m Memory
	var tagsJSON string
	var subject, source, agentID sql.NullString
	var expiresAt, syncedAt sql.NullTime

	err := row.Scan(
		&m.ID, &m.Content, &m.Type, &tagsJSON, &subject, &source, &agentID,
		&expiresAt, &m.CreatedAt, &m.UpdatedAt, &syncedAt, &m.Deleted,
	)
	if err != nil {
		return nil, err
	}
	m.Tags = ParseTags(tagsJSON)
	m.Subject = subject.String
	m.Source = source.String
	m.AgentID = agentID.String
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Time
	}
	if syncedAt.Valid {
		m.SyncedAt = &syncedAt.Time
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*Memory, error) {
	var memories []*Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
