package storage

import (
	"context"
	"errors"
	"io"
	"testing"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem failed: %v", err)
	}
	return map[string]Store{
		"memory":     NewMemory(),
		"filesystem": fs,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := TranslatedKey("job-1", 3)
			if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := s.Put(ctx, key, []byte("translated text")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			got, err := s.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if string(got) != "translated text" {
				t.Errorf("content = %q", got)
			}

			ok, err := s.Exists(ctx, key)
			if err != nil || !ok {
				t.Errorf("Exists = %v, %v", ok, err)
			}

			r, err := s.GetStream(ctx, key)
			if err != nil {
				t.Fatalf("GetStream failed: %v", err)
			}
			streamed, _ := io.ReadAll(r)
			r.Close()
			if string(streamed) != "translated text" {
				t.Errorf("streamed content = %q", streamed)
			}
		})
	}
}

func TestListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 12; i++ {
				if err := s.Put(ctx, ChunkKey("job-a", i), []byte("x")); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.Put(ctx, ChunkKey("job-b", 0), []byte("y")); err != nil {
				t.Fatal(err)
			}

			keys, err := s.List(ctx, ChunkPrefix("job-a"))
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(keys) != 12 {
				t.Fatalf("expected 12 keys, got %d", len(keys))
			}
			// Zero-padded keys list in index order.
			for i, key := range keys {
				idx, err := ParseIndex(key)
				if err != nil {
					t.Fatalf("ParseIndex(%q): %v", key, err)
				}
				if idx != i {
					t.Errorf("key %q at position %d", key, i)
				}
			}

			if err := s.DeletePrefix(ctx, ChunkPrefix("job-a")); err != nil {
				t.Fatalf("DeletePrefix failed: %v", err)
			}
			keys, _ = s.List(ctx, ChunkPrefix("job-a"))
			if len(keys) != 0 {
				t.Errorf("expected no keys after DeletePrefix, got %d", len(keys))
			}
			if ok, _ := s.Exists(ctx, ChunkKey("job-b", 0)); !ok {
				t.Error("other job's objects must survive")
			}
		})
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, key := range []string{"../escape", "/abs/path", ".."} {
		if err := fs.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("key %q should be rejected", key)
		}
	}
}

func TestParseIndex(t *testing.T) {
	idx, err := ParseIndex(TranslatedKey("j", 42))
	if err != nil || idx != 42 {
		t.Errorf("ParseIndex = %d, %v", idx, err)
	}
	if _, err := ParseIndex("translated/j/"); err == nil {
		t.Error("expected error for empty index")
	}
	if _, err := ParseIndex("noslash"); err == nil {
		t.Error("expected error for key without slash")
	}
}
