// Package history is a bbolt-backed diagnostic ledger of past scan
// verdicts. It is purely additive: the quarantine manifest (internal/
// quarantine) remains the sole authority over what is currently
// quarantined. History answers "what has this daemon ever done with
// this path," not "what is true right now."
//
// Bucket layout:
//
//	/events
//	    key:   RFC3339Nano timestamp + "_" + sequence  [sortable]
//	    value: JSON-encoded Event
//	/meta
//	    key:   "schema_version"
//	    value: "1"
package history

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketEvents = "events"
	bucketMeta   = "meta"
)

// Verdict mirrors the terminal outcomes the scan pipeline reaches.
type Verdict string

const (
	VerdictClean    Verdict = "clean"
	VerdictInfected Verdict = "infected"
	VerdictLocked   Verdict = "locked"
	VerdictVanished Verdict = "vanished"
	VerdictDropped  Verdict = "dropped"
)

// Event is a single recorded scan outcome.
type Event struct {
	Path         string    `json:"path"`
	Verdict      Verdict   `json:"verdict"`
	ThreatName   string    `json:"threat_name,omitempty"`
	QuarantineID string    `json:"quarantine_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store wraps a BoltDB instance with typed accessors for scan history.
type Store struct {
	db            *bolt.DB
	retentionDays int
	seq           atomic.Uint64
}

// Open opens (or creates) the history database at path. Initialises
// required buckets and verifies schema compatibility.
func Open(path string, retentionDays int) (*Store, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb, retentionDays: retentionDays}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("history: initialise: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("history: schema version mismatch: database has %q, daemon requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) eventKey(t time.Time) []byte {
	n := s.seq.Add(1)
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(time.RFC3339Nano), n))
}

// Append records a new scan history event.
func (s *Store) Append(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("history: marshal event: %w", err)
	}
	key := s.eventKey(ev.Timestamp)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.Put(key, data)
	})
}

// Prune deletes events older than the configured retention window.
// Returns the number of entries deleted.
func (s *Store) Prune() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	cutoffKey := []byte(cutoff.Format(time.RFC3339Nano))

	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			kc := make([]byte, len(k))
			copy(kc, k)
			toDelete = append(toDelete, kc)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Recent returns up to limit most-recent events, newest first. limit <= 0
// returns every event.
func (s *Store) Recent(limit int) ([]Event, error) {
	var events []Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}
