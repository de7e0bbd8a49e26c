// Package materialize mirrors remote configuration onto the local
// filesystem.
//
// Items land at <root>/<category>/<name>; the document lands at
// <root>/<document name>. Every write goes through a temp file in the
// target directory followed by a rename, so readers see either the old or
// the new content, never a partial file.
package materialize

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"confsync/internal/logging"
	"confsync/internal/remote"
)

// DefaultDocumentName is the file the document is written to.
const DefaultDocumentName = "application.yml"

// ErrUnsafePath rejects a category or name that is not a single plain
// path element.
var ErrUnsafePath = errors.New("unsafe path element")

// Config configures a Materializer.
type Config struct {
	Root         string
	DocumentName string // default DefaultDocumentName
	Logger       *slog.Logger
}

// Materializer writes items and the document under a root directory.
type Materializer struct {
	root    string
	docName string
	logger  *slog.Logger
}

var _ remote.Listener = (*Materializer)(nil)

// New returns a Materializer. The root is created lazily on first write.
func New(cfg Config) (*Materializer, error) {
	if cfg.Root == "" {
		return nil, errors.New("materialize: root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("materialize: resolve root: %w", err)
	}
	docName := cfg.DocumentName
	if docName == "" {
		docName = DefaultDocumentName
	}
	if err := checkElem(docName); err != nil {
		return nil, fmt.Errorf("materialize: document name: %w", err)
	}
	return &Materializer{
		root:    root,
		docName: docName,
		logger:  logging.Default(cfg.Logger).With("component", "materializer"),
	}, nil
}

// Root returns the absolute root directory.
func (m *Materializer) Root() string { return m.root }

// DocumentPath returns where the document is written.
func (m *Materializer) DocumentPath() string {
	return filepath.Join(m.root, m.docName)
}

// DocumentName returns the document's file name within the root.
func (m *Materializer) DocumentName() string { return m.docName }

// ItemPath returns where the item with key is written. A category named
// like the document file is unsafe: it would share the document's path.
func (m *Materializer) ItemPath(key remote.Key) (string, error) {
	if err := checkElem(key.Category); err != nil {
		return "", fmt.Errorf("category %q: %w", key.Category, err)
	}
	if key.Category == m.docName {
		return "", fmt.Errorf("category %q is the document name: %w", key.Category, ErrUnsafePath)
	}
	if err := checkElem(key.Name); err != nil {
		return "", fmt.Errorf("name %q: %w", key.Name, err)
	}
	return filepath.Join(m.root, key.Category, key.Name), nil
}

// KeyOf maps a path under the root back to an item key. It reports false
// for the document, the root itself, and anything deeper than one
// category level.
func (m *Materializer) KeyOf(path string) (remote.Key, bool) {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return remote.Key{}, false
	}
	category, name, ok := strings.Cut(filepath.ToSlash(rel), "/")
	if !ok || strings.Contains(name, "/") {
		return remote.Key{}, false
	}
	key := remote.Key{Category: category, Name: name}
	if _, err := m.ItemPath(key); err != nil {
		return remote.Key{}, false
	}
	return key, true
}

func (m *Materializer) OnAdd(item remote.Item) error {
	return m.OnModify(item)
}

// OnModify creates the category directory if needed and replaces the item
// file. A failure affects only this item.
func (m *Materializer) OnModify(item remote.Item) error {
	path, err := m.ItemPath(item.Key())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create category directory: %w", err)
	}
	// Replacing a directory with a file needs the directory gone first.
	if info, err := os.Lstat(path); err == nil && info.IsDir() {
		if err := removeTree(path); err != nil {
			return fmt.Errorf("replace directory %s: %w", item.Key(), err)
		}
	}
	if err := writeAtomic(path, item.Content); err != nil {
		return fmt.Errorf("write %s: %w", item.Key(), err)
	}
	m.logger.Debug("wrote item", "key", item.Key().String(), "bytes", len(item.Content))
	return nil
}

// OnDelete removes the item's path and everything beneath it. A missing
// path is not an error.
func (m *Materializer) OnDelete(key remote.Key) error {
	path, err := m.ItemPath(key)
	if err != nil {
		return err
	}
	if err := removeTree(path); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	m.logger.Debug("removed item", "key", key.String())
	return nil
}

// WriteDocument replaces the document file. A directory at the document
// path is left alone and the write fails.
func (m *Materializer) WriteDocument(content []byte) error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	if info, err := os.Lstat(m.DocumentPath()); err == nil && info.IsDir() {
		return fmt.Errorf("write document: %s is a directory", m.DocumentPath())
	}
	if err := writeAtomic(m.DocumentPath(), content); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	m.logger.Debug("wrote document", "path", m.DocumentPath(), "bytes", len(content))
	return nil
}

func checkElem(s string) error {
	switch {
	case s == "", s == ".", s == "..":
		return ErrUnsafePath
	case strings.ContainsAny(s, `/\`+"\x00"):
		return ErrUnsafePath
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// removeTree deletes path depth-first. Symlinks are removed as links and
// never followed.
func removeTree(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		var errs []error
		for _, e := range entries {
			if err := removeTree(filepath.Join(path, e.Name())); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
