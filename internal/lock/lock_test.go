package lock

import "testing"

func TestAcquireExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	h, err := m.Acquire("main", TypeBackup)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire("main", TypeBackup); err == nil {
		t.Fatalf("expected second backup lock on same stanza to fail")
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	h2, err := m.Acquire("main", TypeBackup)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	h2.Release()
}

func TestArchiveAndBackupLocksCoexist(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	hb, err := m.Acquire("main", TypeBackup)
	if err != nil {
		t.Fatalf("Acquire backup: %v", err)
	}
	defer hb.Release()

	ha, err := m.Acquire("main", TypeArchive)
	if err != nil {
		t.Fatalf("Acquire archive: %v", err)
	}
	defer ha.Release()
}

func TestDifferentStanzasDoNotConflict(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	h1, err := m.Acquire("main", TypeBackup)
	if err != nil {
		t.Fatalf("Acquire main: %v", err)
	}
	defer h1.Release()

	h2, err := m.Acquire("other", TypeBackup)
	if err != nil {
		t.Fatalf("Acquire other: %v", err)
	}
	defer h2.Release()
}

func TestUpdateProgressAndReadState(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	h, err := m.Acquire("main", TypeBackup)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	if err := h.UpdateProgress(42); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	pid, percent, ok, err := ReadState(dir, "main", TypeBackup)
	if err != nil || !ok {
		t.Fatalf("ReadState: ok=%v err=%v", ok, err)
	}
	if percent != 42 {
		t.Fatalf("got percent %d, want 42", percent)
	}
	if pid == 0 {
		t.Fatalf("expected nonzero pid")
	}
}

func TestReadStateMissingLock(t *testing.T) {
	dir := t.TempDir()
	_, _, ok, err := ReadState(dir, "nope", TypeBackup)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing lock file")
	}
}
