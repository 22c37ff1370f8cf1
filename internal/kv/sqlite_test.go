package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLite_NewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rules.db")

	db, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer db.Close()
}

func TestSQLite_GetMissingKey(t *testing.T) {
	db := newTestSQLite(t)

	_, err := db.Get(context.Background(), "rules/nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_SetThenGet(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	if err := db.Set(ctx, "rules/u1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := db.Get(ctx, "rules/u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("got %s", got)
	}
}

func TestSQLite_SetOverwrites(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	db.Set(ctx, "rules/u1", []byte("first"))
	db.Set(ctx, "rules/u1", []byte("second"))

	got, err := db.Get(ctx, "rules/u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("got %q, want %q", got, "second")
	}

	count, err := db.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 key after overwrite, got %d", count)
	}
}

func TestSQLite_KeysByPrefix(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	for _, k := range []string{"rules/b", "rules/a", "meta/x", "rulesx"} {
		if err := db.Set(ctx, k, []byte("v")); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := db.Keys(ctx, "rules/")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "rules/a" || keys[1] != "rules/b" {
		t.Errorf("got %v, want [rules/a rules/b]", keys)
	}
}

func TestSQLite_BackupIsReadableCopy(t *testing.T) {
	ctx := context.Background()
	src := newTestSQLite(t)
	if err := src.Set(ctx, "rules/alice", []byte(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "backups", "rules.db")

	// Twice: the second backup must replace the first
	for i := 0; i < 2; i++ {
		if err := src.Backup(ctx, dest); err != nil {
			t.Fatalf("Backup #%d: %v", i+1, err)
		}
	}

	copyDB, err := NewSQLite(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyDB.Close()
	got, err := copyDB.Get(ctx, "rules/alice")
	if err != nil || string(got) != `{"v":1}` {
		t.Errorf("backup Get = %q, %v", got, err)
	}
}
