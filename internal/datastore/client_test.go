package datastore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := New(Options{Path: filepath.Join(t.TempDir(), "db.sqlite")})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_LazyInit(t *testing.T) {
	c := newTestClient(t)
	if c.Initialized() {
		t.Fatal("client must not open the file before first use")
	}
	if _, err := c.Query(context.Background(), "select 1", nil); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !c.Initialized() {
		t.Fatal("client should be initialized after first query")
	}
}

func TestClient_ExecuteThenQuery(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.Execute(ctx, "CREATE TABLE t (x INTEGER, y TEXT, z REAL, b BLOB, n TEXT)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := c.Execute(ctx, "INSERT INTO t VALUES (?, ?, ?, ?, ?)",
		[]Value{Integer(1), Text("a"), Real(2.5), Blob([]byte{0x01, 0xff}), Null()})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := c.Query(ctx, "SELECT x, y, z, b, n FROM t", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || len(rows[0]) != 5 {
		t.Fatalf("unexpected shape: %v", rows)
	}
	row := rows[0]
	if row[0].Kind != KindInteger || row[0].Integer != 1 {
		t.Fatalf("x = %v", row[0])
	}
	if row[1].Kind != KindText || row[1].Text != "a" {
		t.Fatalf("y = %v", row[1])
	}
	if row[2].Kind != KindReal || row[2].Real != 2.5 {
		t.Fatalf("z = %v", row[2])
	}
	if row[3].Kind != KindBlob || len(row[3].Blob) != 2 || row[3].Blob[1] != 0xff {
		t.Fatalf("b = %v", row[3])
	}
	if !row[4].IsNull() {
		t.Fatalf("n = %v, want Null", row[4])
	}
}

func TestClient_QueryNoRowsReturnsEmpty(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	if err := c.Execute(ctx, "CREATE TABLE e (id INTEGER)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	rows, err := c.Query(ctx, "SELECT id FROM e", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", rows)
	}
}

func TestClient_SQLErrorIsNotUnavailable(t *testing.T) {
	c := newTestClient(t)
	err := c.Execute(context.Background(), "NOT VALID SQL", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("syntax error must not be reported as unavailable: %v", err)
	}
}

func TestClient_InitFailureIsRetried(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	c := New(Options{Path: filepath.Join(blocker, "db.sqlite")})
	defer c.Close()

	_, err := c.Query(context.Background(), "select 1", nil)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if c.Initialized() {
		t.Fatal("failed init must not be cached")
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}
	if _, err := c.Query(context.Background(), "select 1", nil); err != nil {
		t.Fatalf("retry after repair: %v", err)
	}
}

func TestClient_ConcurrentFirstUseOpensOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Query(ctx, "select 1", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent query: %v", err)
	}
}

func TestClient_BootstrapRunsOnOpen(t *testing.T) {
	c := New(Options{
		Path:      filepath.Join(t.TempDir(), "db.sqlite"),
		Bootstrap: []string{"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)"},
	})
	defer c.Close()
	ctx := context.Background()
	if err := c.Execute(ctx, "INSERT INTO kv VALUES (?, ?)", []Value{Text("a"), Text("b")}); err != nil {
		t.Fatalf("insert into bootstrapped table: %v", err)
	}
	rows, err := c.Query(ctx, "SELECT v FROM kv WHERE k = ?", []Value{Text("a")})
	if err != nil || len(rows) != 1 || rows[0][0].Text != "b" {
		t.Fatalf("rows=%v err=%v", rows, err)
	}
}

func TestClient_CallsAfterCloseFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.sqlite")
	c := New(Options{Path: path})
	ctx := context.Background()
	if err := c.Execute(ctx, "create table t (v integer)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := c.Query(ctx, "select v from t", nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("query after close = %v, want ErrStoreUnavailable", err)
	}
	if err := c.Execute(ctx, "insert into t values (1)", nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("execute after close = %v, want ErrStoreUnavailable", err)
	}
	if c.Initialized() {
		t.Fatal("closed client must not reopen the file")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
