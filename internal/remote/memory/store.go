// Package memory provides an in-memory remote.Store.
//
// It is used by tests and by local development. Besides the Store contract
// it records every content query and can simulate backend outages.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"confsync/internal/remote"
)

// Op names a Store operation for failure injection.
type Op string

const (
	OpFetchSingle   Op = "fetch-single"
	OpFetchStatus   Op = "fetch-status"
	OpFetchContents Op = "fetch-contents"
)

type row struct {
	item      remote.Item
	malformed bool
}

// Store is an in-memory remote.Store.
type Store struct {
	mu       sync.Mutex
	docs     map[int64]row
	items    map[int64]row
	nextID   int64
	failures map[Op]error

	statusQueries  int
	contentQueries [][]int64
}

var _ remote.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		docs:     make(map[int64]row),
		items:    make(map[int64]row),
		failures: make(map[Op]error),
	}
}

// SetFailure makes op fail with err until cleared with a nil err.
func (s *Store) SetFailure(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// MarkMalformed flags the item row id as having an unreadable timestamp.
func (s *Store) MarkMalformed(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.items[id]; ok {
		r.malformed = true
		s.items[id] = r
	}
}

// ContentQueries returns the id list of every FetchContents call that
// reached the backend, in call order.
func (s *Store) ContentQueries() [][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]int64, len(s.contentQueries))
	for i, q := range s.contentQueries {
		out[i] = slices.Clone(q)
	}
	return out
}

// StatusQueries counts FetchStatus calls.
func (s *Store) StatusQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusQueries
}

func (s *Store) FetchSingle(ctx context.Context, id int64) (*remote.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(ctx, OpFetchSingle); err != nil {
		return nil, err
	}
	r, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	if r.malformed {
		return nil, remote.ErrMalformed
	}
	it := r.item.Clone()
	return &it, nil
}

func (s *Store) FetchStatus(ctx context.Context) ([]remote.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusQueries++
	if err := s.fail(ctx, OpFetchStatus); err != nil {
		return nil, err
	}
	out := make([]remote.Status, 0, len(s.items))
	for _, id := range s.sortedIDs() {
		r := s.items[id]
		st := remote.Status{ID: id, Key: r.item.Key(), Malformed: r.malformed}
		if !r.malformed {
			st.ModifiedTime = r.item.ModifiedTime
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) FetchContents(ctx context.Context, ids []int64) ([]remote.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contentQueries = append(s.contentQueries, slices.Clone(ids))
	if err := s.fail(ctx, OpFetchContents); err != nil {
		return nil, err
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []remote.Item
	for _, id := range s.sortedIDs() {
		r := s.items[id]
		if !want[id] || r.malformed {
			continue
		}
		out = append(out, r.item.Clone())
	}
	return out, nil
}

// PutDocument creates or replaces the document row id.
func (s *Store) PutDocument(_ context.Context, id int64, name string, content []byte, modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = row{item: remote.Item{ID: id, Name: name, Content: clone(content), ModifiedTime: modified}}
	return nil
}

// PutItem upserts an item by category and name and returns its id.
func (s *Store) PutItem(_ context.Context, category, name string, content []byte, modified time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := remote.Key{Category: category, Name: name}
	id := s.idOf(key)
	if id == 0 {
		s.nextID++
		id = s.nextID
	}
	s.items[id] = row{item: remote.Item{
		ID:           id,
		Category:     category,
		Name:         name,
		Content:      clone(content),
		ModifiedTime: modified,
	}}
	return id, nil
}

// DeleteItem removes the item with key. Missing keys are ignored.
func (s *Store) DeleteItem(_ context.Context, key remote.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id := s.idOf(key); id != 0 {
		delete(s.items, id)
	}
	return nil
}

func (s *Store) fail(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return remote.Unavailable(string(op), err)
	}
	if err := s.failures[op]; err != nil {
		return remote.Unavailable(string(op), err)
	}
	return nil
}

func (s *Store) idOf(key remote.Key) int64 {
	for id, r := range s.items {
		if r.item.Key() == key {
			return id
		}
	}
	return 0
}

func (s *Store) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}
