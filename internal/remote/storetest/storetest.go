// Package storetest provides a conformance suite for remote.Store
// implementations. Each backend wires TestStore with a constructor that
// returns a fresh, empty store.
package storetest

import (
	"context"
	"slices"
	"testing"
	"time"

	"confsync/internal/remote"
)

// Fixture is a Store that tests can populate.
type Fixture interface {
	remote.Store
	PutDocument(ctx context.Context, id int64, name string, content []byte, modified time.Time) error
	PutItem(ctx context.Context, category, name string, content []byte, modified time.Time) (int64, error)
	DeleteItem(ctx context.Context, key remote.Key) error
}

// Base is a millisecond-aligned UTC instant, so every backend can
// represent it exactly.
var Base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// At returns Base plus n seconds.
func At(n int) time.Time { return Base.Add(time.Duration(n) * time.Second) }

// TestStore runs the full suite.
func TestStore(t *testing.T, newStore func(t *testing.T) Fixture) {
	t.Run("FetchSingleMissing", func(t *testing.T) {
		s := newStore(t)
		got, err := s.FetchSingle(context.Background(), 2)
		if err != nil {
			t.Fatalf("FetchSingle: %v", err)
		}
		if got != nil {
			t.Fatalf("expected nil for a missing row, got %+v", got)
		}
	})

	t.Run("PutFetchSingle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.PutDocument(ctx, 2, "application.yml", []byte("server:\n  port: 8081\n"), At(1)); err != nil {
			t.Fatalf("PutDocument: %v", err)
		}
		got, err := s.FetchSingle(ctx, 2)
		if err != nil {
			t.Fatalf("FetchSingle: %v", err)
		}
		if got == nil {
			t.Fatal("expected document, got nil")
		}
		if got.ID != 2 || got.Name != "application.yml" {
			t.Errorf("got id=%d name=%q", got.ID, got.Name)
		}
		if string(got.Content) != "server:\n  port: 8081\n" {
			t.Errorf("Content: got %q", got.Content)
		}
		if !got.ModifiedTime.Equal(At(1)) {
			t.Errorf("ModifiedTime: got %v, want %v", got.ModifiedTime, At(1))
		}

		// Replacing the row moves the timestamp, including backwards.
		if err := s.PutDocument(ctx, 2, "application.yml", []byte("v0"), At(-5)); err != nil {
			t.Fatalf("PutDocument: %v", err)
		}
		got, err = s.FetchSingle(ctx, 2)
		if err != nil {
			t.Fatalf("FetchSingle: %v", err)
		}
		if !got.ModifiedTime.Equal(At(-5)) || string(got.Content) != "v0" {
			t.Errorf("after replace: got %v %q", got.ModifiedTime, got.Content)
		}
	})

	t.Run("FetchStatusEmpty", func(t *testing.T) {
		s := newStore(t)
		got, err := s.FetchStatus(context.Background())
		if err != nil {
			t.Fatalf("FetchStatus: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected empty snapshot, got %+v", got)
		}
	})

	t.Run("FetchStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := putItems(t, s, map[string]int{"rdb/a.yml": 1, "rdb/b.yml": 2, "es/c.yml": 3})

		got, err := s.FetchStatus(ctx)
		if err != nil {
			t.Fatalf("FetchStatus: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 rows, got %d", len(got))
		}
		byKey := make(map[string]remote.Status)
		for _, st := range got {
			byKey[st.Key.String()] = st
		}
		for key, n := range map[string]int{"rdb/a.yml": 1, "rdb/b.yml": 2, "es/c.yml": 3} {
			st, ok := byKey[key]
			if !ok {
				t.Errorf("missing %s", key)
				continue
			}
			if st.ID != ids[key] {
				t.Errorf("%s: id %d, want %d", key, st.ID, ids[key])
			}
			if !st.ModifiedTime.Equal(At(n)) {
				t.Errorf("%s: modified %v, want %v", key, st.ModifiedTime, At(n))
			}
			if st.Malformed {
				t.Errorf("%s: unexpectedly malformed", key)
			}
		}
	})

	t.Run("FetchContentsSubset", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := putItems(t, s, map[string]int{"rdb/a.yml": 1, "rdb/b.yml": 2, "es/c.yml": 3})

		got, err := s.FetchContents(ctx, []int64{ids["rdb/b.yml"], ids["es/c.yml"], 9999})
		if err != nil {
			t.Fatalf("FetchContents: %v", err)
		}
		var keys []string
		for _, it := range got {
			keys = append(keys, it.Key().String())
			if want := "content of " + it.Key().String(); string(it.Content) != want {
				t.Errorf("%s: content %q, want %q", it.Key(), it.Content, want)
			}
			if it.ID != ids[it.Key().String()] {
				t.Errorf("%s: id %d", it.Key(), it.ID)
			}
		}
		slices.Sort(keys)
		if !slices.Equal(keys, []string{"es/c.yml", "rdb/b.yml"}) {
			t.Errorf("got keys %v", keys)
		}
	})

	t.Run("FetchContentsEmptyIDs", func(t *testing.T) {
		s := newStore(t)
		got, err := s.FetchContents(context.Background(), nil)
		if err != nil {
			t.Fatalf("FetchContents: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected nothing, got %+v", got)
		}
	})

	t.Run("PutItemUpserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first, err := s.PutItem(ctx, "rdb", "a.yml", []byte("v1"), At(1))
		if err != nil {
			t.Fatalf("PutItem: %v", err)
		}
		second, err := s.PutItem(ctx, "rdb", "a.yml", []byte("v2"), At(2))
		if err != nil {
			t.Fatalf("PutItem: %v", err)
		}
		if first != second {
			t.Errorf("upsert changed id: %d -> %d", first, second)
		}
		got, err := s.FetchContents(ctx, []int64{second})
		if err != nil {
			t.Fatalf("FetchContents: %v", err)
		}
		if len(got) != 1 || string(got[0].Content) != "v2" || !got[0].ModifiedTime.Equal(At(2)) {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("DeleteItem", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		putItems(t, s, map[string]int{"rdb/a.yml": 1, "rdb/b.yml": 2})

		if err := s.DeleteItem(ctx, remote.Key{Category: "rdb", Name: "a.yml"}); err != nil {
			t.Fatalf("DeleteItem: %v", err)
		}
		if err := s.DeleteItem(ctx, remote.Key{Category: "rdb", Name: "missing.yml"}); err != nil {
			t.Fatalf("DeleteItem (missing): %v", err)
		}
		got, err := s.FetchStatus(ctx)
		if err != nil {
			t.Fatalf("FetchStatus: %v", err)
		}
		if len(got) != 1 || got[0].Key.String() != "rdb/b.yml" {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("ContentRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		content := []byte("dataSourceKey: defaultDS\n# ünïcødé\n\ttab\n")
		id, err := s.PutItem(ctx, "rdb", "mytest_user.yml", content, At(1))
		if err != nil {
			t.Fatalf("PutItem: %v", err)
		}
		got, err := s.FetchContents(ctx, []int64{id})
		if err != nil {
			t.Fatalf("FetchContents: %v", err)
		}
		if len(got) != 1 || string(got[0].Content) != string(content) {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := s.FetchStatus(ctx); err == nil {
			t.Fatal("expected error from cancelled context")
		}
	})
}

func putItems(t *testing.T, s Fixture, items map[string]int) map[string]int64 {
	t.Helper()
	ids := make(map[string]int64, len(items))
	for key, n := range items {
		k, err := remote.ParseKey(key)
		if err != nil {
			t.Fatal(err)
		}
		id, err := s.PutItem(context.Background(), k.Category, k.Name, []byte("content of "+key), At(n))
		if err != nil {
			t.Fatalf("PutItem %s: %v", key, err)
		}
		ids[key] = id
	}
	return ids
}
