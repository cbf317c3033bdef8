package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dokzlo13/fauxhue/internal/db"
)

func openLedger(t *testing.T) (*Ledger, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB), database
}

func TestLedger_AppendAndGetByType(t *testing.T) {
	l, _ := openLedger(t)

	appends := []struct {
		eventType EventType
		light     string
	}{
		{EventActionCompleted, "1"},
		{EventActionFailed, "2"},
		{EventActionCompleted, "3"},
	}
	for _, a := range appends {
		if err := l.Append(a.eventType, "Fauxhue", map[string]any{"light": a.light, "action": "on"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	entries, err := l.GetByType(EventActionCompleted, 10)
	if err != nil {
		t.Fatalf("GetByType() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	// Newest first
	if entries[0].Payload["light"] != "3" || entries[1].Payload["light"] != "1" {
		t.Errorf("order = %v,%v, want 3,1", entries[0].Payload["light"], entries[1].Payload["light"])
	}
	if entries[0].Source != "Fauxhue" {
		t.Errorf("Source = %q", entries[0].Source)
	}

	limited, err := l.GetByType(EventActionCompleted, 1)
	if err != nil {
		t.Fatalf("GetByType() error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func TestLedger_NilPayload(t *testing.T) {
	l, _ := openLedger(t)

	if err := l.Append(EventActionFailed, "", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	entries, err := l.GetByType(EventActionFailed, 10)
	if err != nil {
		t.Fatalf("GetByType() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Payload != nil {
		t.Errorf("entries = %+v, want one entry without payload", entries)
	}
}

func TestLedger_Retention(t *testing.T) {
	l, database := openLedger(t)

	old := time.Now().Add(-48 * time.Hour).Unix()
	if _, err := database.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, payload, source) VALUES (?, ?, '', 'Fauxhue')`,
		string(EventActionCompleted), old,
	); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := l.Append(EventActionCompleted, "Fauxhue", nil); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	n, err := l.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	entries, err := l.GetByTimeRange(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("GetByTimeRange() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1", len(entries))
	}
}
