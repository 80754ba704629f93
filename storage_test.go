package chatsync

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteIdentityStore {
	t.Helper()
	store, _, err := OpenSQLiteIdentityStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLiteIdentityStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteIdentityRoundTrip(t *testing.T) {
	store := newTestStore(t)

	got, err := LoadIdentity(store)
	if err != nil {
		t.Fatalf("LoadIdentity on empty store failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no identity, got %+v", got)
	}

	want := &Identity{ID: "u1", Email: "a@x.com", Username: "ay", Background: 3, Token: "tok"}
	if err := SaveIdentity(store, want); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}
	want.Username = "ay2"
	if err := SaveIdentity(store, want); err != nil {
		t.Fatalf("SaveIdentity (overwrite) failed: %v", err)
	}

	got, err = LoadIdentity(store)
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if got == nil || *got != *want {
		t.Fatalf("unexpected identity: got %+v want %+v", got, want)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got, _ := LoadIdentity(store); got != nil {
		t.Fatalf("expected identity to be cleared, got %+v", got)
	}
}

func TestSQLiteIdentitySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, path, err := OpenSQLiteIdentityStore(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if path != filepath.Join(dir, DefaultDBFileName) {
		t.Fatalf("unexpected db path %q", path)
	}
	if err := SaveIdentity(store, &Identity{Email: "a@x.com", Token: "tok"}); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	reopened, err := OpenSQLiteIdentityStorePath(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := LoadIdentity(reopened)
	if err != nil {
		t.Fatalf("LoadIdentity failed: %v", err)
	}
	if got == nil || got.Email != "a@x.com" || got.Token != "tok" {
		t.Fatalf("unexpected identity after reopen: %+v", got)
	}

	var version int
	if err := reopened.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("unexpected schema version: got %d want %d", version, len(migrations))
	}
}

func TestOpenSQLiteIdentityStoreRequiresDir(t *testing.T) {
	if _, _, err := OpenSQLiteIdentityStore(""); err == nil {
		t.Fatal("expected error for empty data directory")
	}
}

func TestOpenIdentityStoreScopes(t *testing.T) {
	mem, err := OpenIdentityStore(ScopeSession, "")
	if err != nil {
		t.Fatalf("session scope failed: %v", err)
	}
	if _, ok := mem.(*MemoryIdentityStore); !ok {
		t.Fatalf("session scope returned %T", mem)
	}

	dir := t.TempDir()
	dev, err := OpenIdentityStore(ScopeDevice, dir)
	if err != nil {
		t.Fatalf("device scope failed: %v", err)
	}
	defer dev.Close()
	if _, err := os.Stat(filepath.Join(dir, DefaultDBFileName)); err != nil {
		t.Fatalf("device scope did not create database: %v", err)
	}

	if _, err := OpenIdentityStore("cloud", dir); err == nil {
		t.Fatal("expected error for unknown scope")
	}

	if ScopeFor(true) != ScopeSession || ScopeFor(false) != ScopeDevice {
		t.Fatal("unexpected scope mapping")
	}
}

func TestMemoryIdentityStoreIsolation(t *testing.T) {
	a := NewMemoryIdentityStore()
	b := NewMemoryIdentityStore()
	if err := SaveIdentity(a, &Identity{Email: "a@x.com"}); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}
	if got, _ := LoadIdentity(b); got != nil {
		t.Fatalf("stores share state: %+v", got)
	}

	value := []byte(`{"email":"a@x.com"}`)
	if err := a.Put("raw", value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value[2] = 'X'
	got, ok, err := a.Get("raw")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(got) != `{"email":"a@x.com"}` {
		t.Fatalf("stored value aliased caller slice: %s", got)
	}
}
