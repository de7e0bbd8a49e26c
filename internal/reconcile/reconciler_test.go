package reconcile

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"confsync/internal/cache"
	"confsync/internal/materialize"
	"confsync/internal/remote"
	"confsync/internal/remote/memory"
)

var (
	v1 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	v2 = v1.Add(time.Minute)
)

// recorder is a Listener that records calls and can be told to fail.
type recorder struct {
	mu       sync.Mutex
	modified []string
	deleted  []string
	fail     map[string]error
}

func (r *recorder) OnAdd(it remote.Item) error { return r.OnModify(it) }

func (r *recorder) OnModify(it remote.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[it.Key().String()]; err != nil {
		return err
	}
	r.modified = append(r.modified, it.Key().String()+"="+string(it.Content))
	return nil
}

func (r *recorder) OnDelete(k remote.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[k.String()]; err != nil {
		return err
	}
	r.deleted = append(r.deleted, k.String())
	return nil
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modified, r.deleted = nil, nil
}

type fixture struct {
	store *memory.Store
	cache *cache.Cache
	rec   *recorder
	r     *Reconciler
}

func newFixture(t *testing.T, filter Filter, observers ...remote.Listener) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(), cache: cache.New(), rec: &recorder{}}
	r, err := New(Config{
		Store:     f.store,
		Cache:     f.cache,
		Applier:   f.rec,
		Observers: observers,
		Filter:    filter,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.r = r
	return f
}

func (f *fixture) put(t *testing.T, key, content string, mod time.Time) int64 {
	t.Helper()
	k, err := remote.ParseKey(key)
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.store.PutItem(context.Background(), k.Category, k.Name, []byte(content), mod)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) cycle(t *testing.T) Result {
	t.Helper()
	res, err := f.r.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	return res
}

func cacheContents(c *cache.Cache) map[string]string {
	out := make(map[string]string)
	for k, it := range c.Snapshot() {
		out[k.String()] = string(it.Content)
	}
	return out
}

func equalMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func TestDiff(t *testing.T) {
	a := remote.Key{Category: "rdb", Name: "a.yml"}
	b := remote.Key{Category: "rdb", Name: "b.yml"}
	c := remote.Key{Category: "es", Name: "c.yml"}

	tests := []struct {
		name        string
		cached      map[remote.Key]time.Time
		snapshot    map[remote.Key]remote.Status
		wantChanged []int64
		wantDeleted []remote.Key
	}{
		{
			name:     "empty",
			cached:   nil,
			snapshot: nil,
		},
		{
			name:        "add",
			snapshot:    map[remote.Key]remote.Status{a: {ID: 1, Key: a, ModifiedTime: v1}},
			wantChanged: []int64{1},
		},
		{
			name:        "modify",
			cached:      map[remote.Key]time.Time{a: v1},
			snapshot:    map[remote.Key]remote.Status{a: {ID: 1, Key: a, ModifiedTime: v2}},
			wantChanged: []int64{1},
		},
		{
			name:        "timestamp moved backwards",
			cached:      map[remote.Key]time.Time{a: v2},
			snapshot:    map[remote.Key]remote.Status{a: {ID: 1, Key: a, ModifiedTime: v1}},
			wantChanged: []int64{1},
		},
		{
			name:     "same instant in another zone",
			cached:   map[remote.Key]time.Time{a: v1},
			snapshot: map[remote.Key]remote.Status{a: {ID: 1, Key: a, ModifiedTime: v1.In(time.FixedZone("X", 3600))}},
		},
		{
			name:        "delete",
			cached:      map[remote.Key]time.Time{a: v1, b: v1, c: v1},
			snapshot:    map[remote.Key]remote.Status{a: {ID: 1, Key: a, ModifiedTime: v1}},
			wantDeleted: []remote.Key{c, b},
		},
		{
			name:     "malformed is neither fetched nor deleted",
			cached:   map[remote.Key]time.Time{a: v1},
			snapshot: map[remote.Key]remote.Status{a: {ID: 1, Key: a, Malformed: true}, b: {ID: 2, Key: b, Malformed: true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Diff(tt.cached, tt.snapshot)
			if !slices.Equal(p.Changed, tt.wantChanged) {
				t.Errorf("Changed: got %v, want %v", p.Changed, tt.wantChanged)
			}
			if !slices.Equal(p.Deleted, tt.wantDeleted) {
				t.Errorf("Deleted: got %v, want %v", p.Deleted, tt.wantDeleted)
			}
			if p.Empty() != (len(tt.wantChanged) == 0 && len(tt.wantDeleted) == 0) {
				t.Errorf("Empty: got %v", p.Empty())
			}
		})
	}
}

func TestScenarioModifyAndAdd(t *testing.T) {
	f := newFixture(t, Filter{})
	idA := f.put(t, "rdb/a.yml", "a-v2", v2)
	idB := f.put(t, "rdb/b.yml", "b-v1", v1)
	f.cache.Put(remote.Item{ID: idA, Category: "rdb", Name: "a.yml", Content: []byte("a-v1"), ModifiedTime: v1})

	res := f.cycle(t)

	q := f.store.ContentQueries()
	if len(q) != 1 || !slices.Equal(q[0], []int64{idA, idB}) {
		t.Errorf("expected one batched fetch of [%d %d], got %v", idA, idB, q)
	}
	want := map[string]string{"rdb/a.yml": "a-v2", "rdb/b.yml": "b-v1"}
	if got := cacheContents(f.cache); !equalMaps(got, want) {
		t.Errorf("cache: got %v, want %v", got, want)
	}
	if len(f.rec.modified) != 2 {
		t.Errorf("expected 2 OnModify calls, got %v", f.rec.modified)
	}
	if len(f.rec.deleted) != 0 {
		t.Errorf("expected no OnDelete calls, got %v", f.rec.deleted)
	}
	if res.Changed != 2 || len(res.Applied) != 2 || res.Remote != 2 {
		t.Errorf("result: %+v", res)
	}
}

func TestScenarioDelete(t *testing.T) {
	f := newFixture(t, Filter{})
	idA := f.put(t, "rdb/a.yml", "a-v1", v1)
	f.cache.Put(remote.Item{ID: idA, Category: "rdb", Name: "a.yml", Content: []byte("a-v1"), ModifiedTime: v1})
	f.cache.Put(remote.Item{ID: 99, Category: "rdb", Name: "b.yml", Content: []byte("b-v1"), ModifiedTime: v1})

	res := f.cycle(t)

	if q := f.store.ContentQueries(); len(q) != 0 {
		t.Errorf("expected zero content fetches, got %v", q)
	}
	if !slices.Equal(f.rec.deleted, []string{"rdb/b.yml"}) {
		t.Errorf("expected one OnDelete(rdb/b.yml), got %v", f.rec.deleted)
	}
	if got := cacheContents(f.cache); !equalMaps(got, map[string]string{"rdb/a.yml": "a-v1"}) {
		t.Errorf("cache: got %v", got)
	}
	if len(res.Deleted) != 1 {
		t.Errorf("result: %+v", res)
	}

	// Replaying the same snapshot does not delete again.
	f.rec.reset()
	f.cycle(t)
	if len(f.rec.deleted) != 0 {
		t.Errorf("delete re-triggered: %v", f.rec.deleted)
	}
}

func TestIdempotentCycles(t *testing.T) {
	f := newFixture(t, Filter{})
	f.put(t, "rdb/a.yml", "a", v1)
	f.put(t, "es/b.yml", "b", v1)

	f.cycle(t)
	f.rec.reset()
	before := len(f.store.ContentQueries())

	res := f.cycle(t)
	if res.Changes() != 0 || res.Changed != 0 {
		t.Errorf("unchanged snapshot produced work: %+v", res)
	}
	if len(f.rec.modified)+len(f.rec.deleted) != 0 {
		t.Errorf("unexpected listener calls: %v %v", f.rec.modified, f.rec.deleted)
	}
	if after := len(f.store.ContentQueries()); after != before {
		t.Errorf("unchanged snapshot issued a content query")
	}
}

func TestBatchedFetchRequestsOnlyChanged(t *testing.T) {
	f := newFixture(t, Filter{})
	var ids []int64
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, f.put(t, "rdb/"+name+".yml", name, v1))
	}
	f.cycle(t)

	f.put(t, "rdb/b.yml", "b2", v2)
	f.put(t, "rdb/d.yml", "d2", v2)
	f.cycle(t)

	q := f.store.ContentQueries()
	if len(q) != 2 {
		t.Fatalf("expected one content query per cycle, got %v", q)
	}
	if !slices.Equal(q[1], []int64{ids[1], ids[3]}) {
		t.Errorf("second query: got %v, want [%d %d]", q[1], ids[1], ids[3])
	}
}

func TestAddAndModifyShareOnePath(t *testing.T) {
	f := newFixture(t, Filter{})
	f.put(t, "rdb/new.yml", "n", v1)
	f.cycle(t)
	f.put(t, "rdb/new.yml", "n2", v2)
	f.cycle(t)

	want := []string{"rdb/new.yml=n", "rdb/new.yml=n2"}
	if !slices.Equal(f.rec.modified, want) {
		t.Errorf("got %v, want %v", f.rec.modified, want)
	}
}

func TestSnapshotFailureKeepsEverything(t *testing.T) {
	f := newFixture(t, Filter{})
	f.put(t, "rdb/a.yml", "a", v1)
	f.cycle(t)
	f.rec.reset()

	f.store.SetFailure(memory.OpFetchStatus, errors.New("connection reset"))
	_, err := f.r.Cycle(context.Background())
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(f.rec.deleted) != 0 {
		t.Errorf("outage deleted files: %v", f.rec.deleted)
	}
	if f.cache.Len() != 1 {
		t.Errorf("outage emptied the cache")
	}

	// A successful empty snapshot still deletes.
	f.store.SetFailure(memory.OpFetchStatus, nil)
	if err := f.store.DeleteItem(context.Background(), remote.Key{Category: "rdb", Name: "a.yml"}); err != nil {
		t.Fatal(err)
	}
	f.cycle(t)
	if !slices.Equal(f.rec.deleted, []string{"rdb/a.yml"}) {
		t.Errorf("expected delete after recovery, got %v", f.rec.deleted)
	}
}

func TestContentFailureIsNoOp(t *testing.T) {
	f := newFixture(t, Filter{})
	f.put(t, "rdb/a.yml", "a", v1)
	f.cache.Put(remote.Item{ID: 42, Category: "rdb", Name: "gone.yml", ModifiedTime: v1})

	f.store.SetFailure(memory.OpFetchContents, errors.New("timeout"))
	if _, err := f.r.Cycle(context.Background()); !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(f.rec.modified)+len(f.rec.deleted) != 0 {
		t.Errorf("failed cycle touched files: %v %v", f.rec.modified, f.rec.deleted)
	}

	f.store.SetFailure(memory.OpFetchContents, nil)
	f.cycle(t)
	if len(f.rec.modified) != 1 || len(f.rec.deleted) != 1 {
		t.Errorf("recovery cycle: %v %v", f.rec.modified, f.rec.deleted)
	}
}

func TestApplyFailureRetriedNextCycle(t *testing.T) {
	f := newFixture(t, Filter{})
	f.put(t, "rdb/a.yml", "a", v1)
	f.put(t, "rdb/b.yml", "b", v1)
	f.rec.fail = map[string]error{"rdb/a.yml": fs.ErrPermission}

	res, err := f.r.Cycle(context.Background())
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected joined apply error, got %v", err)
	}
	if len(res.Failed) != 1 || len(res.Applied) != 1 {
		t.Errorf("result: %+v", res)
	}
	if f.cache.Has(remote.Key{Category: "rdb", Name: "a.yml"}) {
		t.Error("failed item must not be cached")
	}

	f.rec.fail = nil
	res = f.cycle(t)
	if len(res.Applied) != 1 || res.Applied[0].String() != "rdb/a.yml" {
		t.Errorf("retry: %+v", res)
	}
}

func TestDeleteFailureRetriedNextCycle(t *testing.T) {
	f := newFixture(t, Filter{})
	key := remote.Key{Category: "rdb", Name: "a.yml"}
	f.cache.Put(remote.Item{ID: 1, Category: "rdb", Name: "a.yml", ModifiedTime: v1})
	f.rec.fail = map[string]error{"rdb/a.yml": fs.ErrPermission}

	if _, err := f.r.Cycle(context.Background()); err == nil {
		t.Fatal("expected delete error")
	}
	if !f.cache.Has(key) {
		t.Fatal("failed delete must keep the cache entry")
	}

	f.rec.fail = nil
	f.cycle(t)
	if f.cache.Has(key) || !slices.Equal(f.rec.deleted, []string{"rdb/a.yml"}) {
		t.Errorf("delete not retried: %v", f.rec.deleted)
	}
}

func TestMalformedRowIsLeftAlone(t *testing.T) {
	f := newFixture(t, Filter{})
	id := f.put(t, "rdb/a.yml", "a", v1)
	f.cycle(t)
	f.rec.reset()

	f.store.MarkMalformed(id)
	res := f.cycle(t)
	if res.Malformed != 1 {
		t.Errorf("Malformed: got %d", res.Malformed)
	}
	if len(f.rec.deleted)+len(f.rec.modified) != 0 {
		t.Errorf("malformed row caused work: %v %v", f.rec.modified, f.rec.deleted)
	}
	if !f.cache.Has(remote.Key{Category: "rdb", Name: "a.yml"}) {
		t.Error("malformed row evicted the cache entry")
	}
}

func TestInvalidateForcesRewrite(t *testing.T) {
	f := newFixture(t, Filter{})
	f.put(t, "rdb/a.yml", "a", v1)
	f.cycle(t)
	f.rec.reset()

	f.r.Invalidate(remote.Key{Category: "rdb", Name: "a.yml"})
	f.r.Invalidate(remote.Key{Category: "rdb", Name: "never-cached.yml"})
	res := f.cycle(t)
	if !slices.Equal(f.rec.modified, []string{"rdb/a.yml=a"}) {
		t.Errorf("got %v", f.rec.modified)
	}
	if res.Changed != 1 {
		t.Errorf("result: %+v", res)
	}

	f.rec.reset()
	f.cycle(t)
	if len(f.rec.modified) != 0 {
		t.Errorf("invalidation should be one-shot, got %v", f.rec.modified)
	}
}

func TestFilterExcludesKeys(t *testing.T) {
	filter, err := NewFilter("rdb/**")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, filter)
	f.put(t, "rdb/a.yml", "a", v1)
	f.put(t, "es/b.yml", "b", v1)
	// A key cached before the filter was narrowed is removed.
	f.cache.Put(remote.Item{ID: 77, Category: "es", Name: "old.yml", ModifiedTime: v1})

	res := f.cycle(t)
	if res.Remote != 1 {
		t.Errorf("Remote: got %d", res.Remote)
	}
	if !slices.Equal(f.rec.modified, []string{"rdb/a.yml=a"}) {
		t.Errorf("modified: %v", f.rec.modified)
	}
	if !slices.Equal(f.rec.deleted, []string{"es/old.yml"}) {
		t.Errorf("deleted: %v", f.rec.deleted)
	}
}

func TestNewFilterRejectsBadPattern(t *testing.T) {
	if _, err := NewFilter("rdb/[a-"); err == nil {
		t.Error("expected error")
	}
	f, err := NewFilter("rdb/*.yml", "es/**")
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]bool{
		"rdb/a.yml":  true,
		"rdb/a.json": false,
		"es/x/y.yml": true,
		"mq/a.yml":   false,
	}
	for key, want := range tests {
		k, _ := remote.ParseKey(key)
		if got := f.Match(k); got != want {
			t.Errorf("Match(%s) = %v, want %v", key, got, want)
		}
	}
}

func TestObserversNotified(t *testing.T) {
	obs := &recorder{}
	failing := remote.ListenerFuncs{Modify: func(remote.Item) error { return errors.New("observer down") }}
	f := newFixture(t, Filter{}, failing, obs)
	f.put(t, "rdb/a.yml", "a", v1)

	res := f.cycle(t)
	if len(res.Applied) != 1 {
		t.Fatalf("observer failure affected the cycle: %+v", res)
	}
	if !slices.Equal(obs.modified, []string{"rdb/a.yml=a"}) {
		t.Errorf("observer: %v", obs.modified)
	}

	if err := f.store.DeleteItem(context.Background(), remote.Key{Category: "rdb", Name: "a.yml"}); err != nil {
		t.Fatal(err)
	}
	f.cycle(t)
	if !slices.Equal(obs.deleted, []string{"rdb/a.yml"}) {
		t.Errorf("observer deletes: %v", obs.deleted)
	}
}

// duplicateStore reports the same key twice.
type duplicateStore struct{ *memory.Store }

func (duplicateStore) FetchStatus(context.Context) ([]remote.Status, error) {
	k := remote.Key{Category: "rdb", Name: "a.yml"}
	return []remote.Status{
		{ID: 7, Key: k, ModifiedTime: v2},
		{ID: 3, Key: k, ModifiedTime: v1},
	}, nil
}

func (duplicateStore) FetchContents(_ context.Context, ids []int64) ([]remote.Item, error) {
	var out []remote.Item
	for _, id := range ids {
		out = append(out, remote.Item{ID: id, Category: "rdb", Name: "a.yml", Content: []byte{byte('0' + id)}, ModifiedTime: v2})
	}
	return out, nil
}

func TestDuplicateKeysHighestIDWins(t *testing.T) {
	rec := &recorder{}
	r, err := New(Config{Store: duplicateStore{memory.NewStore()}, Cache: cache.New(), Applier: rec})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(rec.modified, []string{"rdb/a.yml=7"}) {
		t.Errorf("got %v", rec.modified)
	}
}

func TestConvergesOnFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "conf")
	m, err := materialize.New(materialize.Config{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	store := memory.NewStore()
	r, err := New(Config{Store: store, Cache: cache.New(), Applier: m})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	steps := []func(){
		func() {
			store.PutItem(ctx, "rdb", "a.yml", []byte("a1"), v1)
			store.PutItem(ctx, "rdb", "b.yml", []byte("b1"), v1)
			store.PutItem(ctx, "es", "c.yml", []byte("c1"), v1)
		},
		func() {
			store.PutItem(ctx, "rdb", "a.yml", []byte("a2"), v2)
			store.DeleteItem(ctx, remote.Key{Category: "rdb", Name: "b.yml"})
		},
		func() {
			store.DeleteItem(ctx, remote.Key{Category: "es", Name: "c.yml"})
			store.PutItem(ctx, "mq", "d.yml", []byte("d1"), v1)
		},
	}
	for i, step := range steps {
		step()
		if _, err := r.Cycle(ctx); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}

		want := make(map[string]string)
		st, _ := store.FetchStatus(ctx)
		var ids []int64
		for _, s := range st {
			ids = append(ids, s.ID)
		}
		items, _ := store.FetchContents(ctx, ids)
		for _, it := range items {
			want[it.Key().String()] = string(it.Content)
		}
		if got := readTree(t, root); !equalMaps(got, want) {
			t.Errorf("step %d: filesystem %v, want %v", i, got, want)
		}
	}
}

// readTree returns category/name -> content for every regular file two
// levels under root.
func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	cats, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range cats {
		if !c.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, c.Name()))
		if err != nil {
			t.Fatal(err)
		}
		for _, fe := range files {
			data, err := os.ReadFile(filepath.Join(root, c.Name(), fe.Name()))
			if err != nil {
				t.Fatal(err)
			}
			out[c.Name()+"/"+fe.Name()] = string(data)
		}
	}
	return out
}
