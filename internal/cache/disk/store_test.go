package disk

import (
	"context"
	"testing"
)

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store, err := Open(Config{Dir: t.TempDir(), MaxEntries: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "a", []byte("aa")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := store.Put(ctx, "b", []byte("bb")); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if _, ok, err := store.Get(ctx, "a"); err != nil || !ok {
		t.Fatalf("touch a: ok=%v err=%v", ok, err)
	}
	if err := store.Put(ctx, "c", []byte("cc")); err != nil {
		t.Fatalf("put c: %v", err)
	}

	if _, ok, _ := store.Get(ctx, "b"); ok {
		t.Fatalf("expected b to be evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok, err := store.Get(ctx, key); err != nil || !ok {
			t.Fatalf("expected %s to remain: ok=%v err=%v", key, ok, err)
		}
	}
}

func TestStoreMaxBytes(t *testing.T) {
	store, err := Open(Config{Dir: t.TempDir(), MaxEntries: 100, MaxBytes: 5})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	_ = store.Put(ctx, "a", []byte("aaa"))
	_ = store.Put(ctx, "b", []byte("bbb"))
	if store.Len() != 1 {
		t.Fatalf("expected byte limit to keep one entry, got %d", store.Len())
	}
}

func TestStoreRestoresFromIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Put(ctx, "persist", []byte("value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	raw, ok, err := reopened.Get(ctx, "persist")
	if err != nil || !ok {
		t.Fatalf("get persisted: ok=%v err=%v", ok, err)
	}
	if string(raw) != "value" {
		t.Fatalf("unexpected value: %q", raw)
	}
}

func TestStoreNilReceiver(t *testing.T) {
	var s *Store
	if _, _, err := s.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected error from nil store")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("nil flush: %v", err)
	}
}
