// Package home manages the confsync agent home directory.
//
// The home directory holds the agent's own state. Materialized configuration
// goes to conf/ unless the settings point elsewhere.
//
// Layout:
//
//	<root>/
//	  confsync.yml        agent settings (optional)
//	  agent_id            persistent agent identity
//	  state.msgpack       last-synced snapshot used for warm starts
//	  conf/               default materialization root
//	    application.yml
//	    <category>/<name>
//	  logs/
//	    confsync.log      rotating log file (when file logging is enabled)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir is a confsync home directory.
type Dir struct {
	root string
}

// New returns a Dir rooted at root.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns the platform default:
//   - Linux:   ~/.config/confsync
//   - macOS:   ~/Library/Application Support/confsync
//   - Windows: %APPDATA%/confsync
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "confsync")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// SettingsPath returns the default settings file path.
func (d Dir) SettingsPath() string {
	return filepath.Join(d.root, "confsync.yml")
}

// StatePath returns the sync-state snapshot path.
func (d Dir) StatePath() string {
	return filepath.Join(d.root, "state.msgpack")
}

// ConfDir returns the default materialization root.
func (d Dir) ConfDir() string {
	return filepath.Join(d.root, "conf")
}

// LogPath returns the default rotating log file path.
func (d Dir) LogPath() string {
	return filepath.Join(d.root, "logs", "confsync.log")
}

// EnsureExists creates the home directory (and parents) if needed.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// AgentID reads the persistent agent identity from <root>/agent_id,
// generating and persisting a UUIDv7 on first use.
func (d Dir) AgentID() (string, error) {
	return d.readOrCreate("agent_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: identity is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
