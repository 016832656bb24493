package relationships

import (
	"path/filepath"
	"testing"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
)

func newTestService(t *testing.T) (*Service, *database.Database) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewService(db), db
}

func TestCreateRelationship(t *testing.T) {
	svc, db := newTestService(t)

	m1 := &database.Memory{Content: "first"}
	m2 := &database.Memory{Content: "second"}
	_ = db.CreateMemory(m1)
	_ = db.CreateMemory(m2)

	r, err := svc.Create(m1.ID, m2.ID, "supports")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.ID == "" {
		t.Fatal("relationship id not assigned")
	}

	related, err := svc.RelatedFor(m1.ID)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(related) != 1 || related[0].MemoryID != m2.ID || !related[0].Outbound {
		t.Fatalf("unexpected edges: %+v", related)
	}

	// The reverse direction is visible from the target.
	related, _ = svc.RelatedFor(m2.ID)
	if len(related) != 1 || related[0].Outbound {
		t.Fatalf("expected inbound edge from target side: %+v", related)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc, db := newTestService(t)

	m := &database.Memory{Content: "only one"}
	_ = db.CreateMemory(m)

	if _, err := svc.Create("", m.ID, "supports"); err == nil {
		t.Error("empty source must be rejected")
	}
	if _, err := svc.Create(m.ID, m.ID, "supports"); err == nil {
		t.Error("self-edges must be rejected")
	}
	if _, err := svc.Create(m.ID, "missing-id", "supports"); err == nil {
		t.Error("absent target must be rejected")
	}

	m2 := &database.Memory{Content: "other"}
	_ = db.CreateMemory(m2)
	if _, err := svc.Create(m.ID, m2.ID, "not-a-type"); err == nil {
		t.Error("unknown relationship type must be rejected")
	}
}

func TestCreateRejectsTombstonedEndpoint(t *testing.T) {
	svc, db := newTestService(t)

	m1 := &database.Memory{Content: "live"}
	m2 := &database.Memory{Content: "dead"}
	_ = db.CreateMemory(m1)
	_ = db.CreateMemory(m2)
	_, _ = db.DeleteMemory(m2.ID)

	if _, err := svc.Create(m1.ID, m2.ID, "relates_to"); err == nil {
		t.Error("tombstoned endpoint must be rejected")
	}
}
