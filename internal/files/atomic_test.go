package files

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.txt")

	if err := AtomicWrite(path, []byte("first"), 0600); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("content = %q", got)
	}

	// Last write wins on overwrite.
	if err := AtomicWrite(path, []byte("second"), 0600); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "second" {
		t.Errorf("after overwrite content = %q", got)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected a single file in dir, got %d entries", len(entries))
	}
}

func TestRejectSymlinkPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privileges on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.Mkdir(target, 0700); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	if err := RejectSymlinkPath(filepath.Join(link, "file.txt")); err == nil {
		t.Error("expected rejection for symlinked parent")
	}
	if err := RejectSymlinkPath(filepath.Join(target, "file.txt")); err != nil {
		t.Errorf("unexpected rejection: %v", err)
	}
	if err := RejectSymlinkPath(""); err == nil {
		t.Error("expected rejection for empty path")
	}
}
