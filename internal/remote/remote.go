// Package remote defines the data model shared by the sync engine and the
// backends it reads from.
//
// A backend holds two tables. The document table carries whole-process
// settings; the engine reads one row of it by a well-known id. The item table
// carries many small files grouped by category, identified by
// category + "/" + name.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable wraps every backend failure: connection, query, timeout.
	// A cycle that sees it does nothing and waits for the next tick.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrMalformed marks a row with NULL or unparseable columns.
	ErrMalformed = errors.New("malformed row")
)

// Key identifies an item. It is unique within a cache.
type Key struct {
	Category string
	Name     string
}

// String renders the key as "category/name".
func (k Key) String() string {
	return k.Category + "/" + k.Name
}

// ParseKey splits "category/name" on the first slash.
func ParseKey(s string) (Key, error) {
	category, name, ok := strings.Cut(s, "/")
	if !ok || category == "" || name == "" {
		return Key{}, fmt.Errorf("invalid key %q: want category/name", s)
	}
	return Key{Category: category, Name: name}, nil
}

// Item is an immutable snapshot of one row. ID is only used to target a
// later content fetch.
type Item struct {
	ID           int64
	Category     string
	Name         string
	Content      []byte
	ModifiedTime time.Time
}

// Key returns the item's identity.
func (it Item) Key() Key {
	return Key{Category: it.Category, Name: it.Name}
}

// Clone returns a copy that shares no memory with it.
func (it Item) Clone() Item {
	c := it
	if it.Content != nil {
		c.Content = append([]byte(nil), it.Content...)
	}
	return c
}

// Status is the metadata of one item row, without content.
//
// Malformed rows are still reported: the key exists remotely, so it must
// not be deleted locally, but its version is unknown.
type Status struct {
	ID           int64
	Key          Key
	ModifiedTime time.Time
	Malformed    bool
}

// Store is the query surface the engine needs from a backend.
type Store interface {
	// FetchSingle returns the document row with the given id, or nil if
	// there is no such row.
	FetchSingle(ctx context.Context, id int64) (*Item, error)

	// FetchStatus scans metadata for every item row.
	FetchStatus(ctx context.Context) ([]Status, error)

	// FetchContents returns full rows for ids. Ids with no row are absent
	// from the result. An empty id list returns nil without querying.
	FetchContents(ctx context.Context, ids []int64) ([]Item, error)
}

// Listener reacts to materialization events. OnAdd and OnModify receive
// freshly fetched content; OnDelete receives the key that disappeared.
type Listener interface {
	OnAdd(item Item) error
	OnModify(item Item) error
	OnDelete(key Key) error
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are no-ops,
// and a nil OnAdd falls back to OnModify.
type ListenerFuncs struct {
	Add    func(Item) error
	Modify func(Item) error
	Delete func(Key) error
}

var _ Listener = ListenerFuncs{}

func (f ListenerFuncs) OnAdd(item Item) error {
	if f.Add != nil {
		return f.Add(item)
	}
	return f.OnModify(item)
}

func (f ListenerFuncs) OnModify(item Item) error {
	if f.Modify != nil {
		return f.Modify(item)
	}
	return nil
}

func (f ListenerFuncs) OnDelete(key Key) error {
	if f.Delete != nil {
		return f.Delete(key)
	}
	return nil
}

// Unavailable wraps err as a backend failure for op.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
