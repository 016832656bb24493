package database

import (
	"testing"
	"time"
)

func TestUnsyncedMemoriesAndStamp(t *testing.T) {
	db := newTestDB(t)

	m1 := &Memory{Content: "first"}
	m2 := &Memory{Content: "second"}
	_ = db.CreateMemory(m1)
	_ = db.CreateMemory(m2)

	unsynced, err := db.UnsyncedMemories(10)
	if err != nil {
		t.Fatalf("UnsyncedMemories failed: %v", err)
	}
	if len(unsynced) != 2 {
		t.Fatalf("Expected 2 unsynced memories, got %d", len(unsynced))
	}

	if err := db.StampSynced([]string{m1.ID, m2.ID}, time.Now()); err != nil {
		t.Fatalf("StampSynced failed: %v", err)
	}

	unsynced, err = db.UnsyncedMemories(10)
	if err != nil {
		t.Fatalf("UnsyncedMemories failed: %v", err)
	}
	if len(unsynced) != 0 {
		t.Fatalf("Expected 0 unsynced after stamping, got %d", len(unsynced))
	}

	// Mutation re-queues the record.
	newContent := "first, edited"
	if _, err := db.UpdateMemory(m1.ID, &MemoryUpdate{Content: &newContent}); err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}
	unsynced, _ = db.UnsyncedMemories(10)
	if len(unsynced) != 1 || unsynced[0].ID != m1.ID {
		t.Fatalf("Expected only the edited memory unsynced, got %d", len(unsynced))
	}
}

func TestStampSyncedNeverRegresses(t *testing.T) {
	db := newTestDB(t)

	m := &Memory{Content: "stamped"}
	_ = db.CreateMemory(m)

	later := time.Now().Add(time.Hour)
	if err := db.StampSynced([]string{m.ID}, later); err != nil {
		t.Fatalf("StampSynced failed: %v", err)
	}
	if err := db.StampSynced([]string{m.ID}, time.Now()); err != nil {
		t.Fatalf("StampSynced failed: %v", err)
	}

	got, _ := db.GetMemory(m.ID)
	if got.SyncedAt == nil || got.SyncedAt.Before(later.Add(-time.Second)) {
		t.Fatal("StampSynced with an earlier time regressed synced_at")
	}
}

func TestPurgeTombstonesPredicate(t *testing.T) {
	db := newTestDB(t)

	oldSynced := &Memory{Content: "old synced tombstone"}
	oldUnsynced := &Memory{Content: "old unsynced tombstone"}
	fresh := &Memory{Content: "fresh tombstone"}
	live := &Memory{Content: "live memory"}
	for _, m := range []*Memory{oldSynced, oldUnsynced, fresh, live} {
		_ = db.CreateMemory(m)
	}

	for _, id := range []string{oldSynced.ID, oldUnsynced.ID, fresh.ID} {
		if _, err := db.DeleteMemory(id); err != nil {
			t.Fatalf("DeleteMemory failed: %v", err)
		}
	}

	eightDaysAgo := time.Now().Add(-8 * 24 * time.Hour)
	if _, err := db.Exec(`UPDATE memories SET updated_at = ? WHERE id IN (?, ?)`,
		eightDaysAgo, oldSynced.ID, oldUnsynced.ID); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}
	if err := db.StampSynced([]string{oldSynced.ID, fresh.ID}, time.Now()); err != nil {
		t.Fatalf("StampSynced failed: %v", err)
	}

	purged, err := db.PurgeTombstones()
	if err != nil {
		t.Fatalf("PurgeTombstones failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("Expected exactly 1 purged row, got %d", purged)
	}

	// Only the old, acknowledged tombstone is gone.
	if m, _ := db.GetMemory(oldSynced.ID); m != nil {
		t.Error("old synced tombstone should be hard-deleted")
	}
	if m, _ := db.GetMemory(oldUnsynced.ID); m == nil {
		t.Error("unacknowledged tombstone must survive the purge")
	}
	if m, _ := db.GetMemory(fresh.ID); m == nil {
		t.Error("fresh tombstone must survive the purge")
	}
	if m, _ := db.GetMemory(live.ID); m == nil {
		t.Error("live memory must survive the purge")
	}
}

func TestApplyRemoteTombstone(t *testing.T) {
	db := newTestDB(t)

	m := &Memory{Content: "remotely deleted"}
	_ = db.CreateMemory(m)

	remoteTime := time.Now().Add(time.Minute)
	if err := db.ApplyRemoteTombstone(m.ID, remoteTime); err != nil {
		t.Fatalf("ApplyRemoteTombstone failed: %v", err)
	}

	got, _ := db.GetMemory(m.ID)
	if got == nil || !got.Deleted {
		t.Fatal("expected tombstone after remote delete")
	}
	if got.SyncedAt == nil {
		t.Fatal("remote tombstone must stamp synced_at")
	}

	// Absent id is a no-op.
	if err := db.ApplyRemoteTombstone("missing-id", remoteTime); err != nil {
		t.Fatalf("ApplyRemoteTombstone on absent id should not error: %v", err)
	}
}

func TestUpsertFromRemote(t *testing.T) {
	db := newTestDB(t)

	created := time.Now().Add(-time.Hour).Truncate(time.Second)
	updated := time.Now().Truncate(time.Second)

	remote := &Memory{
		ID:        "remote-1",
		Content:   "came from the cloud",
		Type:      "semantic",
		Tags:      []string{"remote"},
		CreatedAt: created,
		UpdatedAt: updated,
	}
	if err := db.UpsertFromRemote(remote); err != nil {
		t.Fatalf("UpsertFromRemote insert failed: %v", err)
	}

	got, _ := db.GetMemory("remote-1")
	if got == nil || got.Content != remote.Content {
		t.Fatal("remote insert did not land")
	}
	if got.SyncedAt == nil {
		t.Fatal("remote insert must stamp synced_at")
	}

	// A newer remote copy overwrites content without touching created_at.
	remote.Content = "newer cloud copy"
	remote.UpdatedAt = updated.Add(time.Minute)
	if err := db.UpsertFromRemote(remote); err != nil {
		t.Fatalf("UpsertFromRemote update failed: %v", err)
	}
	got, _ = db.GetMemory("remote-1")
	if got.Content != "newer cloud copy" {
		t.Fatal("remote update did not overwrite content")
	}
}

func TestSemanticSearchScoring(t *testing.T) {
	db := newTestDB(t)

	// Two orthogonal unit vectors plus the query's near-duplicate.
	near := make([]float32, 384)
	near[0] = 1
	far := make([]float32, 384)
	far[1] = 1

	m1 := &Memory{Content: "near the query", Embedding: near}
	m2 := &Memory{Content: "orthogonal to the query", Embedding: far}
	_ = db.CreateMemory(m1)
	_ = db.CreateMemory(m2)

	query := make([]float32, 384)
	query[0] = 1

	results, err := db.SemanticSearch(query, 20)
	if err != nil {
		t.Skipf("vector index unavailable in this build: %v", err)
	}

	// The orthogonal vector scores 1 - 2/2 = 0, below the 0.15 noise floor.
	if len(results) != 1 {
		t.Fatalf("Expected 1 result above the noise floor, got %d", len(results))
	}
	if results[0].Memory.ID != m1.ID {
		t.Fatalf("Expected nearest memory first, got %s", results[0].Memory.ID)
	}
	if results[0].Score < 0.99 {
		t.Fatalf("Expected near-identical similarity, got %f", results[0].Score)
	}
}

func TestDeleteMemoryDropsVector(t *testing.T) {
	db := newTestDB(t)

	vec := make([]float32, 384)
	vec[0] = 1
	m := &Memory{Content: "vectored", Embedding: vec}
	_ = db.CreateMemory(m)

	if _, err := db.DeleteMemory(m.ID); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM memories_vec WHERE memory_id = ?`, m.ID).Scan(&count); err != nil {
		t.Skipf("vector index unavailable in this build: %v", err)
	}
	if count != 0 {
		t.Fatal("tombstoning must remove the vector row")
	}
}

func TestWebhookCRUD(t *testing.T) {
	db := newTestDB(t)

	w, err := db.CreateWebhook("https://example.com/hook", "s3cret", []string{"memory.created"})
	if err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}

	if _, err := db.CreateWebhook("ftp://bad", "", nil); err == nil {
		t.Error("expected error for non-http URL")
	}
	if _, err := db.CreateWebhook("https://example.com", "", []string{"bogus.event"}); err == nil {
		t.Error("expected error for invalid event name")
	}

	forCreate, err := db.WebhooksForEvent("memory.created")
	if err != nil || len(forCreate) != 1 {
		t.Fatalf("expected 1 webhook for memory.created, got %d (%v)", len(forCreate), err)
	}
	forDelete, _ := db.WebhooksForEvent("memory.deleted")
	if len(forDelete) != 0 {
		t.Fatalf("expected 0 webhooks for memory.deleted, got %d", len(forDelete))
	}

	removed, err := db.DeleteWebhook(w.ID)
	if err != nil || !removed {
		t.Fatalf("DeleteWebhook failed: %v", err)
	}
}
