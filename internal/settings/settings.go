// Package settings loads the agent settings file.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"confsync/internal/logging"
)

// Settings is the decoded settings file. Durations are written as
// strings such as "3s".
type Settings struct {
	Remote  Remote `yaml:"remote"`
	Sync    Sync   `yaml:"sync"`
	ConfDir string `yaml:"conf_dir"` // default <home>/conf
	State   Toggle `yaml:"state"`
	Drift   Toggle `yaml:"drift"`
	Log     Log    `yaml:"log"`
}

// Remote describes the backend.
type Remote struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	DocumentTable string        `yaml:"document_table"`
	ItemTable     string        `yaml:"item_table"`
	DocumentID    int64         `yaml:"document_id"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`
}

// Sync controls scheduling.
type Sync struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`

	// Include limits managed items to keys matching any pattern
	// (doublestar syntax over "category/name"). Empty means all.
	Include []string `yaml:"include"`
}

// Toggle is an on/off feature switch.
type Toggle struct {
	Enabled bool `yaml:"enabled"`
}

// Log configures logging.
type Log struct {
	Level      string            `yaml:"level"`
	Components map[string]string `yaml:"components"` // component -> level
	File       string            `yaml:"file"`       // empty means stderr only
	MaxSizeMB  int               `yaml:"max_size_mb"`
	MaxBackups int               `yaml:"max_backups"`
	MaxAgeDays int               `yaml:"max_age_days"`
}

// Default returns the settings used when no file is present.
func Default() Settings {
	return Settings{
		Remote: Remote{
			Driver:        "mysql",
			DocumentTable: "config_document",
			ItemTable:     "config_item",
			DocumentID:    2,
			QueryTimeout:  60 * time.Second,
		},
		Sync: Sync{
			InitialDelay: 10 * time.Second,
			Interval:     3 * time.Second,
			StopTimeout:  5 * time.Second,
		},
		State: Toggle{Enabled: true},
		Drift: Toggle{Enabled: true},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads path over the defaults. A missing or empty file yields the
// defaults. Unknown keys are rejected.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (s Settings) Validate() error {
	var errs []error
	if s.Remote.Driver == "" {
		errs = append(errs, errors.New("remote.driver is required"))
	}
	if s.Remote.DSN == "" {
		errs = append(errs, errors.New("remote.dsn is required"))
	}
	if s.Remote.QueryTimeout <= 0 {
		errs = append(errs, errors.New("remote.query_timeout must be positive"))
	}
	if s.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if s.Sync.InitialDelay < 0 {
		errs = append(errs, errors.New("sync.initial_delay must not be negative"))
	}
	for _, p := range s.Sync.Include {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("sync.include: invalid pattern %q", p))
		}
	}
	if _, err := logging.ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	for component, level := range s.Log.Components {
		if _, err := logging.ParseLevel(level); err != nil {
			errs = append(errs, fmt.Errorf("log.components.%s: %w", component, err))
		}
	}
	return errors.Join(errs...)
}

// Marshal renders s as YAML.
func (s Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}
