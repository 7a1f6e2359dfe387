package posix

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pigsty-io/physback/internal/storage"
)

func TestAtomicWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)

	w, err := d.NewWrite("a/b/file.txt", storage.WriteOptions{CreatePath: true, Atomic: true, ModeFile: 0o640})
	if err != nil {
		t.Fatalf("NewWrite: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// The final name must not exist until Close (atomic contract).
	if _, err := os.Stat(filepath.Join(dir, "a/b/file.txt")); !os.IsNotExist(err) {
		t.Fatalf("final file should not exist before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := d.NewRead("a/b/file.txt", storage.ReadOptions{})
	if err != nil {
		t.Fatalf("NewRead: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want hello", data)
	}
}

func TestReadMissingIgnoreMissing(t *testing.T) {
	d := New(t.TempDir())
	r, err := d.NewRead("nope.txt", storage.ReadOptions{IgnoreMissing: true})
	if err != nil {
		t.Fatalf("expected no error with IgnoreMissing, got %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil reader for missing file")
	}
}

func TestReadMissingErrors(t *testing.T) {
	d := New(t.TempDir())
	if _, err := d.NewRead("nope.txt", storage.ReadOptions{}); err == nil {
		t.Fatalf("expected error for missing file without IgnoreMissing")
	}
}

func TestReadOffsetLimit(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("0123456789"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r, err := d.NewRead("f", storage.ReadOptions{Offset: 3, Limit: 4})
	if err != nil {
		t.Fatalf("NewRead: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "3456" {
		t.Fatalf("got %q, want 3456", data)
	}
}

func TestListSortedAndPathMissing(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)
	for _, name := range []string{"b.txt", "a.txt", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o640); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	entries, err := d.List(".", storage.LevelBasic)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 || entries[0].Name != "a.txt" || entries[2].Name != "c.txt" {
		t.Fatalf("unexpected listing order: %+v", entries)
	}

	if _, err := d.List("missing-dir", storage.LevelBasic); err == nil {
		t.Fatalf("expected PathMissing error for nonexistent directory")
	}
}

func TestPathCreateRemove(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)
	if err := d.PathCreate("nested/deep", storage.PathCreateOptions{}); err != nil {
		t.Fatalf("PathCreate: %v", err)
	}
	info, err := d.Info("nested/deep", storage.LevelType, false)
	if err != nil || !info.Exists || info.Type != storage.TypePath {
		t.Fatalf("expected created directory, got %+v err=%v", info, err)
	}
	if err := d.PathRemove("nested", storage.PathRemoveOptions{Recurse: true}); err != nil {
		t.Fatalf("PathRemove: %v", err)
	}
	info2, _ := d.Info("nested", storage.LevelExists, false)
	if info2.Exists {
		t.Fatalf("expected path removed")
	}
}

func TestInfoExistsFalseForMissing(t *testing.T) {
	d := New(t.TempDir())
	info, err := d.Info("does-not-exist", storage.LevelDetail, false)
	if err != nil {
		t.Fatalf("Info on missing path should not error: %v", err)
	}
	if info.Exists {
		t.Fatalf("expected Exists=false")
	}
}
