// Package journal provides a durable append-only event log backing the
// alignment kernel. Every outcome, audit verdict, patch mutation, and
// purge is journaled so state can be rebuilt after a restart.
package journal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies what an entry records.
type Kind string

const (
	KindOutcome    Kind = "outcome"
	KindAudit      Kind = "audit"
	KindPatch      Kind = "patch"
	KindTierChange Kind = "tier_change"
	KindUsage      Kind = "usage"
	KindPurge      Kind = "purge"
	KindNudge      Kind = "nudge"
)

// validKinds whitelist for deserialization safety.
var validKinds = map[Kind]bool{
	KindOutcome:    true,
	KindAudit:      true,
	KindPatch:      true,
	KindTierChange: true,
	KindUsage:      true,
	KindPurge:      true,
	KindNudge:      true,
}

// Entry is a single journaled event. Payload holds the JSON encoding of
// the domain record; the journal never interprets it.
type Entry struct {
	ID        string
	Kind      Kind
	Seq       uint64 // append order, tiebreaker for equal timestamps
	Payload   []byte
	Timestamp time.Time
	Checksum  []byte // HMAC-SHA256 of entry content
}

const (
	maxPayloadSize = 1 * 1024 * 1024 // 1MB per entry
	hmacKeySize    = 32
)

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// Journal manages the on-disk event log. Each entry is its own file so
// appends never rewrite existing data.
type Journal struct {
	path    string
	mu      sync.Mutex
	entries []Entry
	seq     uint64
	hmacKey []byte
	keyPath string
	logger  *zap.Logger
}

// New opens (or creates) a journal rooted at path.
func New(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("journal: path contains directory traversal: %s", path)
	}

	if err := os.MkdirAll(cleanPath, 0700); err != nil {
		return nil, fmt.Errorf("journal: failed to create directory: %w", err)
	}

	j := &Journal{
		path:    cleanPath,
		entries: make([]Entry, 0),
		logger:  logger,
	}

	if err := j.initHMACKey(); err != nil {
		return nil, fmt.Errorf("journal: failed to initialize HMAC key: %w", err)
	}

	if err := j.load(); err != nil {
		return nil, fmt.Errorf("journal: failed to load entries: %w", err)
	}

	logger.Info("journal opened",
		zap.String("path", cleanPath),
		zap.Int("entries_loaded", len(j.entries)))

	return j, nil
}

// initHMACKey generates or loads the integrity key. The key file lives
// next to the entries with 0600 permissions.
func (j *Journal) initHMACKey() error {
	j.keyPath = filepath.Join(j.path, ".hmac_key")

	if key, err := os.ReadFile(j.keyPath); err == nil {
		if len(key) != hmacKeySize {
			return fmt.Errorf("invalid key size: expected %d, got %d", hmacKeySize, len(key))
		}
		j.hmacKey = key
		return nil
	}

	key := make([]byte, hmacKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate HMAC key: %w", err)
	}

	if err := j.writeFileSecure(j.keyPath, func(f *os.File) error {
		_, err := f.Write(key)
		return err
	}); err != nil {
		return err
	}

	j.hmacKey = key
	return nil
}

// Append writes a new entry and returns its assigned ID.
func (j *Journal) Append(kind Kind, payload []byte) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !validKinds[kind] {
		return "", fmt.Errorf("journal: invalid entry kind: %s", kind)
	}
	if len(payload) > maxPayloadSize {
		return "", fmt.Errorf("journal: payload exceeds max size (%d > %d bytes)", len(payload), maxPayloadSize)
	}

	j.seq++
	entry := Entry{
		ID:        uuid.New().String(),
		Kind:      kind,
		Seq:       j.seq,
		Payload:   payload,
		Timestamp: timeNow(),
	}
	entry.Checksum = j.computeHMAC(entry)

	if err := j.writeEntrySecure(entry); err != nil {
		return "", err
	}

	j.entries = append(j.entries, entry)
	return entry.ID, nil
}

// computeHMAC covers every field that load trusts.
func (j *Journal) computeHMAC(entry Entry) []byte {
	h := hmac.New(sha256.New, j.hmacKey)
	h.Write([]byte(entry.ID))
	h.Write([]byte(entry.Kind))
	h.Write([]byte(strconv.FormatUint(entry.Seq, 10)))
	h.Write([]byte(entry.Timestamp.Format(time.RFC3339Nano)))
	h.Write(entry.Payload)
	return h.Sum(nil)
}

func (j *Journal) validateChecksum(entry Entry) bool {
	expected := j.computeHMAC(entry)
	return subtle.ConstantTimeCompare(entry.Checksum, expected) == 1
}

// writeEntrySecure writes an entry file atomically via tmp+rename.
func (j *Journal) writeEntrySecure(entry Entry) error {
	entryPath := filepath.Join(j.path, entry.ID+".jrn")
	return j.writeFileSecure(entryPath, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(entry)
	})
}

func (j *Journal) writeFileSecure(path string, write func(*os.File) error) error {
	tmpPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("journal: failed to create file: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("journal: failed to write file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("journal: failed to sync file: %w", err)
	}
	f.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("journal: failed to finalize file: %w", err)
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// load reads all journal entries from disk, skipping anything corrupted
// or tampered with, and orders them by timestamp with the append
// sequence breaking ties.
func (j *Journal) load() error {
	files, err := filepath.Glob(filepath.Join(j.path, "*.jrn"))
	if err != nil {
		return fmt.Errorf("failed to list journal files: %w", err)
	}

	for _, file := range files {
		entry, err := j.readEntry(file)
		if err != nil {
			j.logger.Warn("journal: skipping corrupted entry",
				zap.String("file", file),
				zap.Error(err))
			continue
		}

		if !j.validateChecksum(entry) {
			j.logger.Warn("journal: skipping entry with invalid checksum",
				zap.String("file", file))
			continue
		}

		if !validKinds[entry.Kind] {
			j.logger.Warn("journal: skipping entry with invalid kind",
				zap.String("file", file),
				zap.String("kind", string(entry.Kind)))
			continue
		}

		j.entries = append(j.entries, entry)
		if entry.Seq > j.seq {
			j.seq = entry.Seq
		}
	}

	sort.SliceStable(j.entries, func(a, b int) bool {
		if j.entries[a].Timestamp.Equal(j.entries[b].Timestamp) {
			return j.entries[a].Seq < j.entries[b].Seq
		}
		return j.entries[a].Timestamp.Before(j.entries[b].Timestamp)
	})

	return nil
}

func (j *Journal) readEntry(path string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	var entry Entry
	if err := gob.NewDecoder(f).Decode(&entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Entries returns all loaded entries of the given kinds, in timestamp
// order. With no kinds it returns everything.
func (j *Journal) Entries(kinds ...Kind) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(kinds) == 0 {
		out := make([]Entry, len(j.entries))
		copy(out, j.entries)
		return out
	}

	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	out := make([]Entry, 0)
	for _, e := range j.entries {
		if want[e.Kind] {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of loaded entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Compact removes entries older than the retention period. Patch and
// tier-change entries are always kept; they are the source of truth for
// rebuilding the store.
func (j *Journal) Compact(retentionDays int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	kept := make([]Entry, 0)

	for _, entry := range j.entries {
		durable := entry.Kind == KindPatch || entry.Kind == KindTierChange || entry.Kind == KindPurge
		if durable || entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
			continue
		}
		entryPath := filepath.Join(j.path, entry.ID+".jrn")
		if err := os.Remove(entryPath); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("journal: failed to remove compacted entry",
				zap.String("id", entry.ID),
				zap.Error(err))
		}
	}

	removed := len(j.entries) - len(kept)
	j.entries = kept
	j.logger.Info("journal: compaction complete",
		zap.Int("entries_kept", len(kept)),
		zap.Int("entries_removed", removed))

	return nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return nil
}
