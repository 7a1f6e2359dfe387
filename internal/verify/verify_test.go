package verify

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // matches the repository's on-disk checksum format
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/manifest"
	"github.com/pigsty-io/physback/internal/parallel"
	"github.com/pigsty-io/physback/internal/protocol"
	"github.com/pigsty-io/physback/internal/storage"
	"github.com/pigsty-io/physback/internal/storage/posix"
)

func newDial(t *testing.T, drv storage.Driver) func(ctx context.Context, n int) ([]*parallel.Worker, error) {
	t.Helper()
	return func(ctx context.Context, n int) ([]*parallel.Worker, error) {
		if n <= 0 {
			n = 1
		}
		workers := make([]*parallel.Worker, n)
		for i := range workers {
			serverConn, clientConn := net.Pipe()
			srv := protocol.NewServer(protocol.Greeting{Name: "physback", Service: "worker", Version: "1"}, nil)
			srv.Handle(CmdVerifyFile, func(sess *protocol.Session, raw json.RawMessage) error {
				var p FileVerifyParam
				if err := json.Unmarshal(raw, &p); err != nil {
					return err
				}
				r, err := drv.NewRead(p.RepoPath, storage.ReadOptions{IgnoreMissing: true})
				if err != nil {
					return err
				}
				reason := ReasonOK
				if r == nil {
					reason = ReasonFileMissing
				} else {
					buf := &bytes.Buffer{}
					if _, err := buf.ReadFrom(r); err != nil {
						r.Close()
						return err
					}
					r.Close()
					sum := sha1.Sum(buf.Bytes()) //nolint:gosec
					got := hex.EncodeToString(sum[:])
					switch {
					case p.ExpectedRepoChecksum != "" && got != p.ExpectedRepoChecksum:
						reason = ReasonChecksumMismatch
					case p.ExpectedSourceChecksum != "" && got != p.ExpectedSourceChecksum:
						reason = ReasonChecksumMismatch
					case p.Size > 0 && int64(buf.Len()) != p.Size:
						reason = ReasonSizeInvalid
					}
				}
				data, err := json.Marshal(FileVerifyResult{Reason: reason})
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
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func seedRepo(t *testing.T, drv storage.Driver) {
	t.Helper()

	hist := info.PgHistory{{ID: 1, Version: "16", SystemID: 555111, CatalogVersion: 1, ControlVersion: 1}}
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
	bk.Current["20260730-full"] = info.BackupRecord{
		Label:        "20260730-full",
		Type:         info.BackupFull,
		PgID:         1,
		ArchiveStart: "000000010000000000000001",
		ArchiveStop:  "000000010000000000000003",
	}
	bkDoc, err := bk.ToDoc()
	if err != nil {
		t.Fatalf("backup ToDoc: %v", err)
	}
	if err := info.Save(drv, "backup.info", bkDoc); err != nil {
		t.Fatalf("save backup.info: %v", err)
	}

	m := manifest.New()
	m.Data = manifest.Data{BackupLabel: "20260730-full", BackupType: "full", PgID: 1, PgVersion: "16", PgSystemID: 555111}
	m.Paths = []manifest.Path{{Name: ""}}
	content := []byte("steady table bytes")
	m.Files = []manifest.File{{Name: "PG_VERSION", Size: int64(len(content)), Checksum: sha1Hex(content), RepoChecksum: sha1Hex(content)}}
	if err := manifest.Save(drv, m); err != nil {
		t.Fatalf("manifest.Save: %v", err)
	}
	writeRepoFile(t, drv, "backup/20260730-full/PG_VERSION", content)

	seg1 := []byte("wal segment one content")
	writeRepoFile(t, drv, "archive/16-1/0000000100000000/000000010000000000000001-"+sha1Hex(seg1), seg1)
	seg2 := []byte("wal segment two content")
	writeRepoFile(t, drv, "archive/16-1/0000000100000000/000000010000000000000002-"+sha1Hex(seg2), seg2)
	seg3 := []byte("wal segment three content")
	writeRepoFile(t, drv, "archive/16-1/0000000100000000/000000010000000000000003-"+sha1Hex(seg3), seg3)
}

func writeRepoFile(t *testing.T, drv storage.Driver, path string, content []byte) {
	t.Helper()
	w, err := drv.NewWrite(path, storage.WriteOptions{CreatePath: true, Atomic: true, ModeFile: 0o640})
	if err != nil {
		t.Fatalf("NewWrite %s: %v", path, err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func TestRunReportsValidRepository(t *testing.T) {
	drv := posix.New(t.TempDir())
	seedRepo(t, drv)

	orch := &Orchestrator{Storage: drv, Dial: newDial(t, drv)}
	report, err := orch.Run(context.Background(), Options{ProcessMax: 2, ProtocolTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Archives) != 1 {
		t.Fatalf("expected 1 archive result, got %d", len(report.Archives))
	}
	if report.Archives[0].Counts[ReasonOK] != 3 {
		t.Fatalf("expected 3 ok wal segments, got %+v", report.Archives[0].Counts)
	}
	if len(report.Archives[0].Ranges) != 1 {
		t.Fatalf("expected a single contiguous wal range, got %+v", report.Archives[0].Ranges)
	}
	if len(report.Backups) != 1 || report.Backups[0].Status != StatusValid {
		t.Fatalf("expected one valid backup, got %+v", report.Backups)
	}
}

func TestRunFlagsChecksumMismatch(t *testing.T) {
	drv := posix.New(t.TempDir())
	seedRepo(t, drv)

	// Corrupt the repo copy of PG_VERSION after cataloging it with the
	// original checksum.
	writeRepoFile(t, drv, "backup/20260730-full/PG_VERSION", []byte("corrupted bytes!!"))

	orch := &Orchestrator{Storage: drv, Dial: newDial(t, drv)}
	report, err := orch.Run(context.Background(), Options{ProcessMax: 2, ProtocolTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Backups) != 1 || report.Backups[0].Status != StatusInvalid {
		t.Fatalf("expected the backup to be flagged invalid, got %+v", report.Backups)
	}
	if report.Backups[0].Counts[ReasonChecksumMismatch] != 1 {
		t.Fatalf("expected 1 checksum mismatch, got %+v", report.Backups[0].Counts)
	}
}

func TestRunDetectsWalGapAndMarksOverlappingBackupInvalid(t *testing.T) {
	drv := posix.New(t.TempDir())
	seedRepo(t, drv)

	// Segment 2 is missing entirely, opening a gap inside the backup's
	// own archiveStart/archiveStop range.
	entries, err := drv.List("archive/16-1/0000000100000000", storage.LevelExists)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range entries {
		if len(e.Name) >= 24 && e.Name[:24] == "000000010000000000000002" {
			if err := drv.Remove("archive/16-1/0000000100000000/"+e.Name, storage.RemoveOptions{}); err != nil {
				t.Fatalf("Remove: %v", err)
			}
		}
	}

	orch := &Orchestrator{Storage: drv, Dial: newDial(t, drv)}
	report, err := orch.Run(context.Background(), Options{ProcessMax: 2, ProtocolTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Archives[0].Ranges) != 2 {
		t.Fatalf("expected segment 1 and segment 3 to form two separate ranges, got %+v", report.Archives[0].Ranges)
	}
	if len(report.Backups) != 1 || report.Backups[0].Status != StatusInvalid {
		t.Fatalf("expected the backup to be marked invalid by the missing wal segment, got %+v", report.Backups)
	}
	if report.Backups[0].WalInvalidCount < 1 {
		t.Fatalf("expected a nonzero walInvalidCount, got %d", report.Backups[0].WalInvalidCount)
	}
}

func TestRunReportsMissingManifest(t *testing.T) {
	drv := posix.New(t.TempDir())
	seedRepo(t, drv)

	if err := drv.Remove("backup/20260730-full/backup.manifest", storage.RemoveOptions{}); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}
	if err := drv.Remove("backup/20260730-full/backup.manifest.copy", storage.RemoveOptions{}); err != nil {
		t.Fatalf("remove manifest copy: %v", err)
	}

	orch := &Orchestrator{Storage: drv, Dial: newDial(t, drv)}
	report, err := orch.Run(context.Background(), Options{ProcessMax: 2, ProtocolTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Backups) != 1 || report.Backups[0].Status != StatusMissingManifest {
		t.Fatalf("expected missing-manifest status, got %+v", report.Backups)
	}
}
