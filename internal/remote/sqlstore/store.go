// Package sqlstore provides a database/sql remote.Store.
//
// Two drivers are registered: "mysql" (github.com/go-sql-driver/mysql) for
// production backends and "sqlite" (modernc.org/sqlite) for local setups
// and tests. The pool holds a single connection; every query, including
// the wait for that connection, is bounded by Config.QueryTimeout.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"confsync/internal/logging"
	"confsync/internal/remote"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// sqliteMaxVariables is SQLITE_MAX_VARIABLE_NUMBER, the most bound
// parameters one statement may carry. MySQL DSNs get interpolateParams, so
// the server-side prepared statement limit of 65535 does not apply there.
const sqliteMaxVariables = 32766

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config configures a Store.
type Config struct {
	Driver        string
	DSN           string
	DocumentTable string
	ItemTable     string

	// QueryTimeout bounds each operation. Zero means unbounded.
	QueryTimeout time.Duration

	Logger *slog.Logger
}

// Store is a database/sql remote.Store.
type Store struct {
	db            *sql.DB
	driver        string
	documentTable string
	itemTable     string
	timeout       time.Duration
	logger        *slog.Logger
}

var _ remote.Store = (*Store)(nil)

// Open connects to the backend and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("dsn is required")
	}
	for _, t := range []string{cfg.DocumentTable, cfg.ItemTable} {
		if !identRe.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}

	if cfg.Driver == DriverSQLite && !strings.HasPrefix(cfg.DSN, "file:") {
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	dsn := cfg.DSN
	if cfg.Driver == DriverMySQL {
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:            db,
		driver:        cfg.Driver,
		documentTable: cfg.DocumentTable,
		itemTable:     cfg.ItemTable,
		timeout:       cfg.QueryTimeout,
		logger:        logging.Default(cfg.Logger).With("component", "sqlstore", "driver", cfg.Driver),
	}

	pctx, cancel := s.bound(ctx)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, remote.Unavailable("ping", err)
	}

	if cfg.Driver == DriverSQLite {
		if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set journal_mode: %w", err)
		}
	}

	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) FetchSingle(ctx context.Context, id int64) (*remote.Item, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var (
		name    sql.NullString
		content []byte
		mod     timestamp
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT name, content, modified_time FROM "+s.documentTable+" WHERE id = ?", id,
	).Scan(&name, &content, &mod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, remote.Unavailable("fetch single", err)
	}
	// A missing name is tolerated; the document is written to a fixed path.
	if !mod.Valid {
		return nil, fmt.Errorf("document %d: %w", id, remote.ErrMalformed)
	}
	return &remote.Item{
		ID:           id,
		Name:         name.String,
		Content:      content,
		ModifiedTime: mod.Time,
	}, nil
}

func (s *Store) FetchStatus(ctx context.Context) ([]remote.Status, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT id, category, name, modified_time FROM "+s.itemTable)
	if err != nil {
		return nil, remote.Unavailable("fetch status", err)
	}
	defer rows.Close()

	var out []remote.Status
	for rows.Next() {
		var (
			id             int64
			category, name sql.NullString
			mod            timestamp
		)
		if err := rows.Scan(&id, &category, &name, &mod); err != nil {
			return nil, remote.Unavailable("fetch status", err)
		}
		if !category.Valid || !name.Valid || category.String == "" || name.String == "" {
			s.logger.Warn("skipping item row without a key", "id", id)
			continue
		}
		out = append(out, remote.Status{
			ID:           id,
			Key:          remote.Key{Category: category.String, Name: name.String},
			ModifiedTime: mod.Time,
			Malformed:    !mod.Valid,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, remote.Unavailable("fetch status", err)
	}
	return out, nil
}

func (s *Store) FetchContents(ctx context.Context, ids []int64) ([]remote.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if s.driver == DriverSQLite && len(ids) > sqliteMaxVariables {
		return nil, fmt.Errorf("fetch contents: %d ids exceed the sqlite limit of %d bound parameters", len(ids), sqliteMaxVariables)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := "SELECT id, category, name, content, modified_time FROM " + s.itemTable +
		" WHERE id IN (" + placeholders(len(ids)) + ")"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, remote.Unavailable("fetch contents", err)
	}
	defer rows.Close()

	var out []remote.Item
	for rows.Next() {
		var (
			id             int64
			category, name sql.NullString
			content        []byte
			mod            timestamp
		)
		if err := rows.Scan(&id, &category, &name, &content, &mod); err != nil {
			return nil, remote.Unavailable("fetch contents", err)
		}
		if !category.Valid || !name.Valid || !mod.Valid {
			s.logger.Warn("skipping malformed item row", "id", id)
			continue
		}
		out = append(out, remote.Item{
			ID:           id,
			Category:     category.String,
			Name:         name.String,
			Content:      content,
			ModifiedTime: mod.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, remote.Unavailable("fetch contents", err)
	}
	return out, nil
}

// PutDocument creates or replaces the document row id.
func (s *Store) PutDocument(ctx context.Context, id int64, name string, content []byte, modified time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM "+s.documentTable+" WHERE id = ?", id).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				"INSERT INTO "+s.documentTable+" (id, name, content, modified_time) VALUES (?, ?, ?, ?)",
				id, name, nonNil(content), modified.UTC())
		case err == nil:
			_, err = tx.ExecContext(ctx,
				"UPDATE "+s.documentTable+" SET name = ?, content = ?, modified_time = ? WHERE id = ?",
				name, nonNil(content), modified.UTC(), id)
		}
		if err != nil {
			return fmt.Errorf("put document %d: %w", id, err)
		}
		return nil
	})
}

// PutItem upserts an item by category and name and returns its id.
func (s *Store) PutItem(ctx context.Context, category, name string, content []byte, modified time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM "+s.itemTable+" WHERE category = ? AND name = ?", category, name,
		).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				"INSERT INTO "+s.itemTable+" (category, name, content, modified_time) VALUES (?, ?, ?, ?)",
				category, name, nonNil(content), modified.UTC())
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err
		case err != nil:
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE "+s.itemTable+" SET content = ?, modified_time = ? WHERE id = ?",
			nonNil(content), modified.UTC(), id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("put item %s/%s: %w", category, name, err)
	}
	return id, nil
}

// DeleteItem removes the item with key. Missing keys are ignored.
func (s *Store) DeleteItem(ctx context.Context, key remote.Key) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM "+s.itemTable+" WHERE category = ? AND name = ?", key.Category, key.Name,
	); err != nil {
		return fmt.Errorf("delete item %s: %w", key, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// mysqlDSN turns on client-side interpolation so the IN list of
// FetchContents is not bound by the prepared statement parameter limit.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.InterpolateParams = true
	return cfg.FormatDSN(), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
