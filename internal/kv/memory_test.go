package kv

import (
	"context"
	"testing"
	"time"
)

func newMemStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(context.Background())
	t.Cleanup(s.Close)
	return s
}

func TestMemorySetGet(t *testing.T) {
	s := newMemStore(t)

	if err := s.Set(context.Background(), "k", []byte("v"), "", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, ok := s.Get(context.Background(), "k")
	if !ok || string(entry.Value) != "v" || entry.Negative() {
		t.Fatalf("unexpected entry %+v ok=%v", entry, ok)
	}
}

func TestMemoryNegativeTag(t *testing.T) {
	s := newMemStore(t)

	if err := s.Set(context.Background(), "k", nil, "not_found", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, ok := s.Get(context.Background(), "k")
	if !ok {
		t.Fatal("negative entry must be a hit")
	}
	if !entry.Negative() || entry.Tag != "not_found" {
		t.Fatalf("tag = %q", entry.Tag)
	}
}

func TestMemoryExpiry(t *testing.T) {
	s := newMemStore(t)

	if err := s.Set(context.Background(), "k", []byte("v"), "", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("entry should have expired")
	}
	if s.Len() != 0 {
		t.Fatalf("lazy expiry should have removed the entry, Len = %d", s.Len())
	}
}

func TestMemoryDelete(t *testing.T) {
	s := newMemStore(t)

	if err := s.Set(context.Background(), "k", []byte("v"), "", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatal("entry should be gone")
	}
}
