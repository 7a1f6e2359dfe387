package backup

import (
	"context"
	"crypto/sha1" //nolint:gosec // matches the repository's on-disk checksum format
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/lock"
	"github.com/pigsty-io/physback/internal/manifest"
	"github.com/pigsty-io/physback/internal/parallel"
	"github.com/pigsty-io/physback/internal/pgctl"
	"github.com/pigsty-io/physback/internal/protocol"
	"github.com/pigsty-io/physback/internal/storage"
	"github.com/pigsty-io/physback/internal/storage/posix"
)

// fakeCluster is a pgctl.Cluster stand-in: no real postmaster involved.
type fakeCluster struct {
	identity   pgctl.Identity
	startSeg   string
	stopSeg    string
	startCalls int
	stopCalls  int
}

func (f *fakeCluster) Identify(ctx context.Context) (pgctl.Identity, error) {
	return f.identity, nil
}

func (f *fakeCluster) StartBackup(ctx context.Context, label string, startFast bool) (pgctl.BackupStart, error) {
	f.startCalls++
	return pgctl.BackupStart{LsnStart: "0/1000000", SegmentStart: f.startSeg, Timestamp: 1}, nil
}

func (f *fakeCluster) StopBackup(ctx context.Context) (pgctl.BackupStop, error) {
	f.stopCalls++
	return pgctl.BackupStop{LsnStop: "0/2000000", SegmentStop: f.stopSeg, Timestamp: 2}, nil
}

func (f *fakeCluster) IsRunning(ctx context.Context, dataDir string) (bool, error) {
	return true, nil
}

// testRig wires a storage driver, lock manager, and a worker pool backed
// by net.Pipe connections whose "file-backup" handler actually reads the
// source file and writes it straight through to the repository driver.
type testRig struct {
	t       *testing.T
	drv     *posix.Driver
	locks   *lock.Manager
	jobsSeen int32
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	return &testRig{
		t:     t,
		drv:   posix.New(t.TempDir()),
		locks: lock.New(t.TempDir()),
	}
}

func (rig *testRig) dial(ctx context.Context, n int) ([]*parallel.Worker, error) {
	if n <= 0 {
		n = 1
	}
	workers := make([]*parallel.Worker, n)
	for i := range workers {
		serverConn, clientConn := net.Pipe()
		srv := protocol.NewServer(protocol.Greeting{Name: "physback", Service: "worker", Version: "1"}, nil)
		srv.Handle(CmdFileBackup, func(sess *protocol.Session, raw json.RawMessage) error {
			atomic.AddInt32(&rig.jobsSeen, 1)
			var p FileBackupParam
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			content, err := os.ReadFile(p.SourcePath)
			if err != nil {
				return err
			}
			sum := sha1.Sum(content) //nolint:gosec
			checksum := hex.EncodeToString(sum[:])
			w, err := rig.drv.NewWrite(p.RepoPath, storage.WriteOptions{CreatePath: true, Atomic: true, ModeFile: 0o640})
			if err != nil {
				return err
			}
			if _, err := w.Write(content); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
			res := FileBackupResult{
				Name:           p.SourcePath,
				SourceChecksum: checksum,
				RepoSize:       int64(len(content)),
				RepoChecksum:   checksum,
			}
			data, err := json.Marshal(res)
			if err != nil {
				return err
			}
			return sess.SendData(data)
		})
		go func() { _ = srv.Serve(serverConn) }()
		client, err := protocol.Connect(clientConn, "physback", "worker", "1", time.Second)
		if err != nil {
			return nil, err
		}
		conn := clientConn
		workers[i] = &parallel.Worker{Client: client, Close: func() error { return conn.Close() }}
	}
	return workers, nil
}

func seedHistory(t *testing.T, drv storage.Driver, systemID int64, version string) {
	t.Helper()
	hist := info.PgHistory{{ID: 1, Version: version, SystemID: systemID, CatalogVersion: 202307, ControlVersion: 1300}}

	arch := &info.Archive{History: hist}
	archDoc, err := arch.ToDoc()
	if err != nil {
		t.Fatalf("archive ToDoc: %v", err)
	}
	if err := info.Save(drv, "archive.info", archDoc); err != nil {
		t.Fatalf("save archive.info: %v", err)
	}

	bk := info.NewBackup()
	bk.History = hist
	bkDoc, err := bk.ToDoc()
	if err != nil {
		t.Fatalf("backup ToDoc: %v", err)
	}
	if err := info.Save(drv, "backup.info", bkDoc); err != nil {
		t.Fatalf("save backup.info: %v", err)
	}
}

func writeDataFile(t *testing.T, dataDir, rel string, content []byte) {
	t.Helper()
	full := filepath.Join(dataDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, content, 0o640); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestRunFullBackupHappyPath(t *testing.T) {
	rig := newTestRig(t)
	seedHistory(t, rig.drv, 555111, "16")

	dataDir := t.TempDir()
	writeDataFile(t, dataDir, "PG_VERSION", []byte("16"))
	writeDataFile(t, dataDir, "base/1/1260", []byte("table bytes, repeated a bunch to matter"))

	cluster := &fakeCluster{
		identity: pgctl.Identity{Version: "16", SystemID: 555111},
		startSeg: "000000010000000000000001",
		stopSeg:  "000000010000000000000002",
	}
	orch := &Orchestrator{Storage: rig.drv, Locks: rig.locks, Cluster: cluster, Dial: rig.dial}

	rec, err := orch.Run(context.Background(), Options{
		Stanza:          "main",
		Type:            info.BackupFull,
		DataDir:         dataDir,
		Label:           "20260730-full",
		ProcessMax:      2,
		ProtocolTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Label != "20260730-full" || rec.Type != info.BackupFull {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.SizeOriginal == 0 || rec.SizeRepo == 0 {
		t.Fatalf("expected nonzero sizes, got %+v", rec)
	}
	if cluster.startCalls != 1 || cluster.stopCalls != 1 {
		t.Fatalf("expected exactly one start/stop backup call, got start=%d stop=%d", cluster.startCalls, cluster.stopCalls)
	}
	if atomic.LoadInt32(&rig.jobsSeen) != 2 {
		t.Fatalf("expected 2 file-backup jobs for a full backup, got %d", rig.jobsSeen)
	}

	m, err := manifest.Load(rig.drv, "20260730-full")
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("expected 2 manifest files, got %d", len(m.Files))
	}

	doc, err := info.Load(rig.drv, "backup.info")
	if err != nil {
		t.Fatalf("info.Load backup.info: %v", err)
	}
	bk, err := info.BackupFromDoc(doc)
	if err != nil {
		t.Fatalf("BackupFromDoc: %v", err)
	}
	stored, ok := bk.Current["20260730-full"]
	if !ok {
		t.Fatalf("backup.info missing the new record")
	}
	if stored.PgID != 1 {
		t.Fatalf("expected pgId 1, got %d", stored.PgID)
	}
}

func TestRunDiffBackupReferencesUnchangedFiles(t *testing.T) {
	rig := newTestRig(t)
	seedHistory(t, rig.drv, 555111, "16")

	dataDir := t.TempDir()
	writeDataFile(t, dataDir, "PG_VERSION", []byte("16"))
	writeDataFile(t, dataDir, "base/1/1260", []byte("unchanged table file content"))

	cluster := &fakeCluster{
		identity: pgctl.Identity{Version: "16", SystemID: 555111},
		startSeg: "000000010000000000000001",
		stopSeg:  "000000010000000000000002",
	}
	orch := &Orchestrator{Storage: rig.drv, Locks: rig.locks, Cluster: cluster, Dial: rig.dial}

	if _, err := orch.Run(context.Background(), Options{
		Stanza:          "main",
		Type:            info.BackupFull,
		DataDir:         dataDir,
		Label:           "20260730-full",
		ProcessMax:      2,
		ProtocolTimeout: 2 * time.Second,
	}); err != nil {
		t.Fatalf("full Run: %v", err)
	}
	atomic.StoreInt32(&rig.jobsSeen, 0)

	// Only PG_VERSION changes; base/1/1260 is untouched so its size and
	// mtime stay identical, and the diff backup should reference it
	// rather than copy it again.
	time.Sleep(1100 * time.Millisecond) // ensure a distinct whole-second mtime for the changed file
	writeDataFile(t, dataDir, "PG_VERSION", []byte("16.1"))

	rec, err := orch.Run(context.Background(), Options{
		Stanza:          "main",
		Type:            info.BackupDiff,
		DataDir:         dataDir,
		Label:           "20260730-diff",
		ProcessMax:      2,
		ProtocolTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("diff Run: %v", err)
	}
	if rec.Prior != "20260730-full" {
		t.Fatalf("expected diff backup's prior to be the full backup, got %q", rec.Prior)
	}
	if atomic.LoadInt32(&rig.jobsSeen) != 1 {
		t.Fatalf("expected exactly 1 file-backup job for the diff (only the changed file), got %d", rig.jobsSeen)
	}

	m, err := manifest.Load(rig.drv, "20260730-diff")
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}
	unchanged, ok := m.FindFile("base/1/1260")
	if !ok {
		t.Fatalf("expected unchanged file to still be cataloged")
	}
	if unchanged.Reference != "20260730-full" {
		t.Fatalf("expected unchanged file to reference the full backup, got %q", unchanged.Reference)
	}
	changed, ok := m.FindFile("PG_VERSION")
	if !ok {
		t.Fatalf("expected changed file to be cataloged")
	}
	if changed.Reference != "" {
		t.Fatalf("expected changed file to have no reference (freshly copied), got %q", changed.Reference)
	}
}

func TestRunFailsOnHistoryMismatch(t *testing.T) {
	rig := newTestRig(t)
	seedHistory(t, rig.drv, 555111, "16")

	// Corrupt backup.info's history so it no longer matches archive.info.
	badHist := info.PgHistory{{ID: 1, Version: "15", SystemID: 999, CatalogVersion: 1, ControlVersion: 1}}
	bk := info.NewBackup()
	bk.History = badHist
	doc, err := bk.ToDoc()
	if err != nil {
		t.Fatalf("ToDoc: %v", err)
	}
	if err := info.Save(rig.drv, "backup.info", doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	dataDir := t.TempDir()
	writeDataFile(t, dataDir, "PG_VERSION", []byte("16"))

	cluster := &fakeCluster{identity: pgctl.Identity{Version: "16", SystemID: 555111}}
	orch := &Orchestrator{Storage: rig.drv, Locks: rig.locks, Cluster: cluster, Dial: rig.dial}

	_, err = orch.Run(context.Background(), Options{
		Stanza:          "main",
		Type:            info.BackupFull,
		DataDir:         dataDir,
		Label:           "20260730-full",
		ProcessMax:      1,
		ProtocolTimeout: time.Second,
	})
	if err == nil {
		t.Fatalf("expected a history mismatch error")
	}
}

func TestRunFailsOnSystemIDMismatch(t *testing.T) {
	rig := newTestRig(t)
	seedHistory(t, rig.drv, 555111, "16")

	dataDir := t.TempDir()
	writeDataFile(t, dataDir, "PG_VERSION", []byte("16"))

	cluster := &fakeCluster{identity: pgctl.Identity{Version: "16", SystemID: 1}}
	orch := &Orchestrator{Storage: rig.drv, Locks: rig.locks, Cluster: cluster, Dial: rig.dial}

	_, err := orch.Run(context.Background(), Options{
		Stanza:          "main",
		Type:            info.BackupFull,
		DataDir:         dataDir,
		Label:           "20260730-full",
		ProcessMax:      1,
		ProtocolTimeout: time.Second,
	})
	if err == nil {
		t.Fatalf("expected a systemId mismatch error")
	}
}

func TestRunFailsWhenLockAlreadyHeld(t *testing.T) {
	rig := newTestRig(t)
	seedHistory(t, rig.drv, 555111, "16")

	held, err := rig.locks.Acquire("main", lock.TypeBackup)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	dataDir := t.TempDir()
	writeDataFile(t, dataDir, "PG_VERSION", []byte("16"))

	cluster := &fakeCluster{identity: pgctl.Identity{Version: "16", SystemID: 555111}}
	orch := &Orchestrator{Storage: rig.drv, Locks: rig.locks, Cluster: cluster, Dial: rig.dial}

	_, err = orch.Run(context.Background(), Options{
		Stanza:          "main",
		Type:            info.BackupFull,
		DataDir:         dataDir,
		Label:           "20260730-full",
		ProcessMax:      1,
		ProtocolTimeout: time.Second,
	})
	if err == nil {
		t.Fatalf("expected a lock-held error")
	}
}
