// Package state persists what the agent last applied, so a restart does
// not rewrite every file.
//
// The snapshot is advisory. An entry is only trusted when the file it
// describes still hashes to the recorded digest.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the snapshot format written by Save.
const Version = 1

// Entry describes one applied row.
type Entry struct {
	ID           int64     `msgpack:"id"`
	Category     string    `msgpack:"category,omitempty"`
	Name         string    `msgpack:"name"`
	ModifiedTime time.Time `msgpack:"modified"`
	Digest       string    `msgpack:"digest"`
}

// Snapshot is the persisted sync state.
type Snapshot struct {
	Version  int       `msgpack:"version"`
	AgentID  string    `msgpack:"agent_id"`
	SavedAt  time.Time `msgpack:"saved_at"`
	Document *Entry    `msgpack:"document,omitempty"`
	Items    []Entry   `msgpack:"items"`
}

// Digest returns the hex sha256 of content.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Verify reads path and reports whether it still matches the entry. The
// content is returned when it does.
func (e Entry) Verify(path string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, false
	}
	if Digest(data) != e.Digest {
		return nil, false
	}
	return data, true
}

// Load reads a snapshot. A missing file returns nil, nil.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("unsupported state version %d", s.Version)
	}
	return &s, nil
}

// Save atomically writes s, stamping its version.
func Save(path string, s *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	s.Version = Version
	data, err := msgpack.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
