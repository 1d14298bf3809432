// Package quarantine is the manifest-tracked quarantine store (C2).
//
// The manifest is the sole source of truth for what is currently
// quarantined. Permission transitions follow a strict order on both the
// quarantine and restore paths. Open loads the manifest as written; it
// does not reconcile it against the files under the root, and files that
// no entry references are neither removed nor reported. Grounded on the teacher's moveFile/
// copyFile EXDEV fallback (cross-device rename handling) and on
// daemon/include/quarantine.h's QuarantineEntry field layout from the
// original implementation.
package quarantine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const manifestFileName = ".manifest.json"

// Entry is an immutable record of one quarantined file.
type Entry struct {
	ID             string `json:"id"`
	OriginalPath   string `json:"original_path"`
	QuarantinePath string `json:"quarantine_path"`
	ThreatName     string `json:"threat_name"`
	Timestamp      int64  `json:"timestamp"`
}

// Store is the manifest-backed quarantine store. All operations
// serialize on mu; the manifest is written by full replacement.
type Store struct {
	mu      sync.Mutex
	root    string
	entries []Entry
}

// Open creates the quarantine root (owner-only permissions) if missing
// and loads the manifest. A missing or structurally invalid manifest is
// treated as empty; the caller should log the returned warning, if any.
func Open(root string) (*Store, string, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, "", fmt.Errorf("quarantine: create root %s: %w", root, err)
	}
	if err := os.Chmod(root, 0o700); err != nil {
		return nil, "", fmt.Errorf("quarantine: chmod root %s: %w", root, err)
	}

	s := &Store{root: root}

	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return s, "", nil
		}
		return s, "", fmt.Errorf("quarantine: read manifest: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return s, fmt.Sprintf("quarantine: manifest at %s is structurally invalid, starting empty: %v", s.manifestPath(), err), nil
	}
	s.entries = entries
	return s, "", nil
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.root, manifestFileName)
}

// Quarantine strips permissions on path, moves it under the quarantine
// root, locks it at 0000, and records the manifest entry.
func (s *Store) Quarantine(path, threat string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Chmod(path, 0o000); err != nil {
		return Entry{}, fmt.Errorf("quarantine: strip permissions on %s: %w", path, err)
	}

	id := uuid.NewString()
	qpath := filepath.Join(s.root, fmt.Sprintf("%s_%s", id, filepath.Base(path)))

	if err := moveFile(path, qpath); err != nil {
		return Entry{}, fmt.Errorf("quarantine: move %s to %s: %w", path, qpath, err)
	}

	if err := os.Chmod(qpath, 0o000); err != nil {
		return Entry{}, fmt.Errorf("quarantine: lock %s: %w", qpath, err)
	}

	if len(threat) > 255 {
		threat = threat[:255]
	}
	entry := Entry{
		ID:             id,
		OriginalPath:   path,
		QuarantinePath: qpath,
		ThreatName:     threat,
		Timestamp:      time.Now().Unix(),
	}

	s.entries = append(s.entries, entry)
	if err := s.persistLocked(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Restore moves a quarantined file back to its original path and sets
// mode 0644. On failure, the file is re-locked at 0000 and the entry is
// left intact.
func (s *Store) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, entry, err := s.findLocked(id)
	if err != nil {
		return err
	}

	if chmodErr := os.Chmod(entry.QuarantinePath, 0o600); chmodErr != nil {
		return fmt.Errorf("quarantine: unlock %s: %w", entry.QuarantinePath, chmodErr)
	}

	if moveErr := moveFile(entry.QuarantinePath, entry.OriginalPath); moveErr != nil {
		_ = os.Chmod(entry.QuarantinePath, 0o000)
		return fmt.Errorf("quarantine: restore %s: %w", entry.OriginalPath, moveErr)
	}

	if chmodErr := os.Chmod(entry.OriginalPath, 0o644); chmodErr != nil {
		return fmt.Errorf("quarantine: set restored mode on %s: %w", entry.OriginalPath, chmodErr)
	}

	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	return s.persistLocked()
}

// Delete unlinks a quarantined file and removes its entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, entry, err := s.findLocked(id)
	if err != nil {
		return err
	}

	if err := os.Chmod(entry.QuarantinePath, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("quarantine: grant writability on %s: %w", entry.QuarantinePath, err)
	}
	if err := os.Remove(entry.QuarantinePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("quarantine: unlink %s: %w", entry.QuarantinePath, err)
	}

	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	return s.persistLocked()
}

// List returns a snapshot copy of all current entries.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Shutdown flushes the manifest.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) findLocked(id string) (int, Entry, error) {
	for i, e := range s.entries {
		if e.ID == id {
			return i, e, nil
		}
	}
	return 0, Entry{}, fmt.Errorf("quarantine: no entry with id %s", id)
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("quarantine: marshal manifest: %w", err)
	}
	tmp := s.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("quarantine: write manifest temp file: %w", err)
	}
	if err := os.Rename(tmp, s.manifestPath()); err != nil {
		return fmt.Errorf("quarantine: replace manifest: %w", err)
	}
	return nil
}

// moveFile renames src to dst, falling back to a copy-then-unlink
// whenever the rename fails, which covers a rename across a device
// boundary (EXDEV).
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return out.Sync()
}
