package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFSRoundTrip(t *testing.T) {
	store, err := NewFS(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "abcdef0123456789", strings.NewReader("hello blob")); err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := store.Get(ctx, "abcdef0123456789")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello blob" {
		t.Fatalf("read %q, want %q", data, "hello blob")
	}

	// Keys fan out over two directory levels.
	if _, err := os.Stat(filepath.Join(store.root, "ab", "cd", "abcdef0123456789")); err != nil {
		t.Fatalf("expected fanned-out path: %v", err)
	}

	if err := store.Delete(ctx, "abcdef0123456789"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "abcdef0123456789"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "abcdef0123456789"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFSOverwrite(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "deadbeef", strings.NewReader("first")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "deadbeef", strings.NewReader("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	rc, err := store.Get(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "second" {
		t.Fatalf("read %q, want %q", data, "second")
	}
}

func TestFSRejectsPathKeys(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/b", `a\b`, "x..y"} {
		if err := store.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Fatalf("expected invalid key error for %q", key)
		}
		if _, err := store.Get(ctx, key); err == nil {
			t.Fatalf("expected invalid key error on get for %q", key)
		}
	}
}

func TestFSShortKey(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "ab", strings.NewReader("tiny")); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, err := store.Get(ctx, "ab")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "tiny" {
		t.Fatalf("read %q, want %q", data, "tiny")
	}
}
