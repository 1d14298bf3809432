package history

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func TestAppendAndRecent(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	events := []Event{
		{Path: "/tmp/a", Verdict: VerdictClean},
		{Path: "/tmp/b", Verdict: VerdictInfected, ThreatName: "Test.Threat"},
		{Path: "/tmp/c", Verdict: VerdictLocked},
	}
	for _, ev := range events {
		if err := store.Append(ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := store.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	if recent[0].Path != "/tmp/c" {
		t.Fatalf("expected newest-first ordering, got %s", recent[0].Path)
	}
}

func TestPruneRemovesOldEvents(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	old := Event{Path: "/tmp/old", Verdict: VerdictClean, Timestamp: time.Now().AddDate(0, 0, -60)}
	if err := store.Append(old); err != nil {
		t.Fatalf("Append: %v", err)
	}
	recentEv := Event{Path: "/tmp/new", Verdict: VerdictClean, Timestamp: time.Now()}
	if err := store.Append(recentEv); err != nil {
		t.Fatalf("Append: %v", err)
	}

	deleted, err := store.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 pruned event, got %d", deleted)
	}

	all, err := store.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 1 || all[0].Path != "/tmp/new" {
		t.Fatalf("expected only the recent event to survive, got %+v", all)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening the same file with the same schema version must succeed.
	store2, err := Open(path, 30)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	// A database recorded under a different schema version is rejected.
	if err := store2.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("999"))
	}); err != nil {
		t.Fatalf("overwrite schema_version: %v", err)
	}
	if err := store2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := Open(path, 30); err == nil {
		t.Fatal("expected Open to reject a schema version mismatch")
	}
}
