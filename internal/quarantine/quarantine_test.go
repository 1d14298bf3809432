package quarantine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQuarantineAndRestoreRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "quarantine")
	workDir := t.TempDir()

	store, warn, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if warn != "" {
		t.Fatalf("unexpected warning on fresh store: %s", warn)
	}

	target := filepath.Join(workDir, "infected.txt")
	if err := os.WriteFile(target, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}

	entry, err := store.Quarantine(target, "Win.Test.EICAR_HDB-1")
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("expected original path to be gone, stat err = %v", err)
	}

	info, err := os.Stat(entry.QuarantinePath)
	if err != nil {
		t.Fatalf("stat quarantined file: %v", err)
	}
	if info.Mode().Perm() != 0 {
		t.Fatalf("expected quarantined file mode 0000, got %v", info.Mode().Perm())
	}

	entries := store.List()
	if len(entries) != 1 || entries[0].ID != entry.ID {
		t.Fatalf("expected single listed entry matching %s, got %+v", entry.ID, entries)
	}

	if err := store.Restore(entry.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restoredInfo, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat restored file: %v", err)
	}
	if restoredInfo.Mode().Perm() != 0o644 {
		t.Fatalf("expected restored mode 0644, got %v", restoredInfo.Mode().Perm())
	}

	if len(store.List()) != 0 {
		t.Fatalf("expected manifest empty after restore")
	}
}

func TestQuarantineThenDelete(t *testing.T) {
	root := filepath.Join(t.TempDir(), "quarantine")
	workDir := t.TempDir()

	store, _, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	target := filepath.Join(workDir, "bad.bin")
	if err := os.WriteFile(target, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}

	entry, err := store.Quarantine(target, "Some.Threat")
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	if err := store.Delete(entry.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := os.Stat(entry.QuarantinePath); !os.IsNotExist(err) {
		t.Fatalf("expected quarantined file removed, stat err = %v", err)
	}
	if len(store.List()) != 0 {
		t.Fatalf("expected manifest empty after delete")
	}
}

func TestOpenToleratesInvalidManifest(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(root, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, manifestFileName), []byte("{not valid json"), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	store, warn, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if warn == "" {
		t.Fatal("expected warning for structurally invalid manifest")
	}
	if len(store.List()) != 0 {
		t.Fatal("expected empty manifest after invalid load")
	}
}

func TestIDsAreUnique(t *testing.T) {
	root := t.TempDir()
	workDir := t.TempDir()
	store, _, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		path := filepath.Join(workDir, "f")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		entry, err := store.Quarantine(path, "t")
		if err != nil {
			t.Fatalf("Quarantine: %v", err)
		}
		if seen[entry.ID] {
			t.Fatalf("duplicate id generated: %s", entry.ID)
		}
		seen[entry.ID] = true
	}
}
