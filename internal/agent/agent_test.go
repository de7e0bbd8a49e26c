package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"confsync/internal/home"
	"confsync/internal/remote"
	"confsync/internal/remote/memory"
	"confsync/internal/remote/sqlstore"
	"confsync/internal/settings"
	"confsync/internal/state"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type modifications struct {
	mu   sync.Mutex
	keys []string
}

func (m *modifications) listener() remote.Listener {
	return remote.ListenerFuncs{Modify: func(it remote.Item) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.keys = append(m.keys, it.Key().String())
		return nil
	}}
}

func (m *modifications) get() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.keys)
}

func testSettings(t *testing.T) settings.Settings {
	t.Helper()
	s := settings.Default()
	s.ConfDir = filepath.Join(t.TempDir(), "conf")
	s.Sync.InitialDelay = 0
	s.Sync.Interval = 20 * time.Millisecond
	s.Sync.StopTimeout = 2 * time.Second
	return s
}

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.NewStore()
	if err := st.PutDocument(ctx, 2, "application.yml", []byte("server.port: 8080\n"), base); err != nil {
		t.Fatal(err)
	}
	for _, it := range []struct{ cat, name, content string }{
		{"rdb", "a.yml", "a: 1\n"},
		{"rdb", "b.yml", "b: 1\n"},
		{"es", "c.yml", "c: 1\n"},
	} {
		if _, err := st.PutItem(ctx, it.cat, it.name, []byte(it.content), base); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func newAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop() })
	return a
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSyncOnce(t *testing.T) {
	s := testSettings(t)
	hd := home.New(t.TempDir())
	a := newAgent(t, Config{Settings: s, Home: hd, Store: seedStore(t)})

	seq := a.Changes().Seq()
	sum, err := a.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if !sum.Document || len(sum.Items.Applied) != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if a.Changes().Seq() == seq {
		t.Error("change signal not fired")
	}

	if got := readFile(t, filepath.Join(s.ConfDir, "application.yml")); got != "server.port: 8080\n" {
		t.Errorf("document = %q", got)
	}
	if got := readFile(t, filepath.Join(s.ConfDir, "rdb", "b.yml")); got != "b: 1\n" {
		t.Errorf("rdb/b.yml = %q", got)
	}
	if a.Cache().Len() != 3 {
		t.Errorf("cache has %d items", a.Cache().Len())
	}

	// Nothing changed remotely: the second sync touches nothing.
	sum, err = a.SyncOnce(context.Background())
	if err != nil || sum.Document || sum.Items.Changes() != 0 {
		t.Errorf("second sync = %+v, %v", sum, err)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap, err := state.Load(hd.StatePath())
	if err != nil || snap == nil {
		t.Fatalf("state.Load = %v, %v", snap, err)
	}
	if snap.AgentID != a.AgentID() || snap.Document == nil || len(snap.Items) != 3 {
		t.Errorf("saved state = %+v", snap)
	}
}

func TestWarmStart(t *testing.T) {
	s := testSettings(t)
	hd := home.New(t.TempDir())
	st := seedStore(t)

	first := newAgent(t, Config{Settings: s, Home: hd, Store: st})
	if _, err := first.SyncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := first.Stop(); err != nil {
		t.Fatal(err)
	}

	// Tamper with one file while the agent is down.
	if err := os.WriteFile(filepath.Join(s.ConfDir, "rdb", "a.yml"), []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}

	mods := &modifications{}
	second := newAgent(t, Config{Settings: s, Home: hd, Store: st, Observers: []remote.Listener{mods.listener()}})
	sum, err := second.SyncOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Document {
		t.Error("unchanged document rewritten after restart")
	}
	if got := mods.get(); !slices.Equal(got, []string{"rdb/a.yml"}) {
		t.Errorf("rewritten after restart: %v", got)
	}
	if got := readFile(t, filepath.Join(s.ConfDir, "rdb", "a.yml")); got != "a: 1\n" {
		t.Errorf("tampered file not restored: %q", got)
	}
}

func TestWarmStartRemovesRowDeletedWhileDown(t *testing.T) {
	s := testSettings(t)
	hd := home.New(t.TempDir())
	st := seedStore(t)
	ctx := context.Background()

	first := newAgent(t, Config{Settings: s, Home: hd, Store: st})
	if _, err := first.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if err := first.Stop(); err != nil {
		t.Fatal(err)
	}

	// While the agent is down the file is edited locally and its row goes.
	path := filepath.Join(s.ConfDir, "rdb", "a.yml")
	if err := os.WriteFile(path, []byte("edited"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteItem(ctx, remote.Key{Category: "rdb", Name: "a.yml"}); err != nil {
		t.Fatal(err)
	}

	second := newAgent(t, Config{Settings: s, Home: hd, Store: st})
	sum, err := second.SyncOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Items.Deleted) != 1 || sum.Items.Deleted[0].String() != "rdb/a.yml" {
		t.Errorf("deleted = %v", sum.Items.Deleted)
	}
	if len(sum.Items.Applied) != 0 {
		t.Errorf("applied = %v", sum.Items.Applied)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("file of deleted row still present: %v", err)
	}
	if second.Cache().Len() != 2 {
		t.Errorf("cache has %d items", second.Cache().Len())
	}
}

func TestWarmStartDisabled(t *testing.T) {
	s := testSettings(t)
	s.State.Enabled = false
	hd := home.New(t.TempDir())
	st := seedStore(t)

	first := newAgent(t, Config{Settings: s, Home: hd, Store: st})
	if _, err := first.SyncOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := first.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(hd.StatePath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("state written while disabled: %v", err)
	}

	second := newAgent(t, Config{Settings: s, Home: hd, Store: st})
	sum, err := second.SyncOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Document || len(sum.Items.Applied) != 3 {
		t.Errorf("cold start should rewrite everything: %+v", sum)
	}
}

func TestScheduledSync(t *testing.T) {
	s := testSettings(t)
	st := seedStore(t)
	a := newAgent(t, Config{Settings: s, Home: home.New(t.TempDir()), Store: st})
	ctx := context.Background()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v", err)
	}

	itemPath := filepath.Join(s.ConfDir, "es", "c.yml")
	docPath := filepath.Join(s.ConfDir, "application.yml")
	waitFor(t, func() bool { return a.Cache().Len() == 3 })

	// Backend changes are picked up by later ticks.
	if _, err := st.PutItem(ctx, "es", "c.yml", []byte("c: 2\n"), base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := st.PutDocument(ctx, 2, "application.yml", []byte("server.port: 9090\n"), base.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteItem(ctx, remote.Key{Category: "rdb", Name: "b.yml"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		c, _ := os.ReadFile(itemPath)
		d, _ := os.ReadFile(docPath)
		_, gone := os.Stat(filepath.Join(s.ConfDir, "rdb", "b.yml"))
		return string(c) == "c: 2\n" && string(d) == "server.port: 9090\n" && errors.Is(gone, os.ErrNotExist)
	})

	// A file removed locally is written again.
	time.Sleep(100 * time.Millisecond)
	if err := os.Remove(itemPath); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		c, err := os.ReadFile(itemPath)
		return err == nil && string(c) == "c: 2\n"
	})

	jobs := a.Jobs()
	if len(jobs) != 2 || jobs[0].Name != JobDocument || jobs[1].Name != JobItems {
		t.Fatalf("jobs = %+v", jobs)
	}
	for _, j := range jobs {
		if j.Runs == 0 || j.Delay != s.Sync.Interval {
			t.Errorf("job %+v", j)
		}
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v", err)
	}
	if _, err := a.SyncOnce(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("SyncOnce after Stop = %v", err)
	}
}

func TestOutageKeepsFiles(t *testing.T) {
	s := testSettings(t)
	st := seedStore(t)
	a := newAgent(t, Config{Settings: s, Home: home.New(t.TempDir()), Store: st})
	ctx := context.Background()

	if _, err := a.SyncOnce(ctx); err != nil {
		t.Fatal(err)
	}
	down := errors.New("connection refused")
	st.SetFailure(memory.OpFetchSingle, down)
	st.SetFailure(memory.OpFetchStatus, down)

	_, err := a.SyncOnce(ctx)
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("SyncOnce during outage = %v", err)
	}
	if unlogged(err) != nil {
		t.Error("outage errors should not be logged again by the scheduler")
	}
	for _, p := range []string{"application.yml", "rdb/a.yml", "rdb/b.yml", "es/c.yml"} {
		if _, err := os.Stat(filepath.Join(s.ConfDir, filepath.FromSlash(p))); err != nil {
			t.Errorf("%s: %v", p, err)
		}
	}
}

func TestCategoryNamedLikeDocument(t *testing.T) {
	s := testSettings(t)
	st := seedStore(t)
	ctx := context.Background()
	if _, err := st.PutItem(ctx, "application.yml", "a.yml", []byte("x"), base); err != nil {
		t.Fatal(err)
	}
	a := newAgent(t, Config{Settings: s, Home: home.New(t.TempDir()), Store: st})

	sum, err := a.SyncOnce(ctx)
	if err == nil {
		t.Fatal("expected the unsafe item to fail")
	}
	if !sum.Document || len(sum.Items.Applied) != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Items.Failed) != 1 || sum.Items.Failed[0].String() != "application.yml/a.yml" {
		t.Errorf("failed = %v", sum.Items.Failed)
	}
	if a.Cache().Has(remote.Key{Category: "application.yml", Name: "a.yml"}) {
		t.Error("unsafe item cached")
	}

	// A newer document still lands, and the other items stay in place.
	if err := st.PutDocument(ctx, 2, "application.yml", []byte("server.port: 9090\n"), base.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	sum, _ = a.SyncOnce(ctx)
	if !sum.Document || len(sum.Items.Applied) != 0 || len(sum.Items.Deleted) != 0 {
		t.Errorf("second summary = %+v", sum)
	}
	if got := readFile(t, filepath.Join(s.ConfDir, "application.yml")); got != "server.port: 9090\n" {
		t.Errorf("document = %q", got)
	}
	for _, p := range []string{"rdb/a.yml", "rdb/b.yml", "es/c.yml"} {
		if _, err := os.Stat(filepath.Join(s.ConfDir, filepath.FromSlash(p))); err != nil {
			t.Errorf("%s: %v", p, err)
		}
	}
}

func TestIncludeFilter(t *testing.T) {
	s := testSettings(t)
	s.Sync.Include = []string{"rdb/**"}
	a := newAgent(t, Config{Settings: s, Home: home.New(t.TempDir()), Store: seedStore(t)})

	sum, err := a.SyncOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Items.Applied) != 2 {
		t.Errorf("applied = %v", sum.Items.Applied)
	}
	if _, err := os.Stat(filepath.Join(s.ConfDir, "es")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("excluded category materialized: %v", err)
	}
}

func TestSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "remote.db")

	admin, err := sqlstore.Open(ctx, sqlstore.Config{
		Driver:        sqlstore.DriverSQLite,
		DSN:           dsn,
		DocumentTable: "config_document",
		ItemTable:     "config_item",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := admin.PutDocument(ctx, 2, "application.yml", []byte("doc"), base); err != nil {
		t.Fatal(err)
	}
	if _, err := admin.PutItem(ctx, "rdb", "a.yml", []byte("a"), base); err != nil {
		t.Fatal(err)
	}
	if err := admin.Close(); err != nil {
		t.Fatal(err)
	}

	s := testSettings(t)
	s.Remote.Driver = sqlstore.DriverSQLite
	s.Remote.DSN = dsn
	a := newAgent(t, Config{Settings: s, Home: home.New(t.TempDir())})
	sum, err := a.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if !sum.Document || len(sum.Items.Applied) != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if got := readFile(t, filepath.Join(s.ConfDir, "rdb", "a.yml")); got != "a" {
		t.Errorf("rdb/a.yml = %q", got)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestNewErrors(t *testing.T) {
	s := testSettings(t)

	if _, err := New(context.Background(), Config{Settings: s}); err == nil {
		t.Error("expected error without home")
	}

	s.Remote.Driver = "oracle"
	s.Remote.DSN = "x"
	if _, err := New(context.Background(), Config{Settings: s, Home: home.New(t.TempDir())}); err == nil {
		t.Error("expected error for unsupported driver")
	}

	s = testSettings(t)
	s.Sync.Include = []string{"rdb/[a"}
	if _, err := New(context.Background(), Config{Settings: s, Home: home.New(t.TempDir()), Store: memory.NewStore()}); err == nil {
		t.Error("expected error for invalid include pattern")
	}
}
