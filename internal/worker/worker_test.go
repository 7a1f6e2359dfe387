package worker

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pigsty-io/physback/internal/backup"
	"github.com/pigsty-io/physback/internal/protocol"
	"github.com/pigsty-io/physback/internal/restore"
	"github.com/pigsty-io/physback/internal/storage"
	"github.com/pigsty-io/physback/internal/storage/posix"
	"github.com/pigsty-io/physback/internal/verify"
)

func dial(t *testing.T, drv storage.Driver) (*protocol.Client, func()) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	srv := NewServer(protocol.Greeting{Name: "physback", Service: "worker", Version: "1"}, drv)
	go func() { _ = srv.Serve(serverConn) }()
	client, err := protocol.Connect(clientConn, "physback", "worker", "1", time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })
	return client, func() { clientConn.Close() }
}

func TestFileBackupHandlerWritesRepoCopy(t *testing.T) {
	srcDir := t.TempDir()
	repoRoot := t.TempDir()
	drv := posix.New(repoRoot)

	srcPath := filepath.Join(srcDir, "PG_VERSION")
	if err := os.WriteFile(srcPath, []byte("16\n"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	client, closeFn := dial(t, drv)
	defer closeFn()

	sid, err := client.Open(backup.CmdFileBackup)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	param := backup.FileBackupParam{SourcePath: srcPath, RepoPath: "backup/20260730-full/PG_VERSION"}
	res, err := client.Process(sid, param)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var result backup.FileBackupResult
	if err := json.Unmarshal(protocol.DataGet(res), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.RepoSize != 3 {
		t.Fatalf("expected repoSize 3, got %d", result.RepoSize)
	}
	if result.SourceChecksum == "" || result.RepoChecksum == "" {
		t.Fatalf("expected non-empty checksums, got %+v", result)
	}

	got, err := os.ReadFile(filepath.Join(repoRoot, "backup/20260730-full/PG_VERSION"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "16\n" {
		t.Fatalf("repo copy = %q, want %q", got, "16\n")
	}
}

func TestFileRestoreHandlerWritesDestFile(t *testing.T) {
	repoRoot := t.TempDir()
	drv := posix.New(repoRoot)
	destDir := t.TempDir()

	w, err := drv.NewWrite("backup/20260730-full/PG_VERSION", storage.WriteOptions{CreatePath: true, Atomic: true, ModeFile: 0o640})
	if err != nil {
		t.Fatalf("NewWrite: %v", err)
	}
	if _, err := w.Write([]byte("16\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	client, closeFn := dial(t, drv)
	defer closeFn()

	destPath := filepath.Join(destDir, "PG_VERSION")
	sid, err := client.Open(restore.CmdFileRestore)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	param := restore.FileRestoreParam{RepoPath: "backup/20260730-full/PG_VERSION", DestPath: destPath}
	res, err := client.Process(sid, param)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var result restore.FileRestoreResult
	if err := json.Unmarshal(protocol.DataGet(res), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Size != 3 {
		t.Fatalf("expected size 3, got %d", result.Size)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "16\n" {
		t.Fatalf("dest copy = %q, want %q", got, "16\n")
	}
}

func TestFileRestoreHandlerZerosSelectiveFile(t *testing.T) {
	repoRoot := t.TempDir()
	drv := posix.New(repoRoot)
	destDir := t.TempDir()

	client, closeFn := dial(t, drv)
	defer closeFn()

	destPath := filepath.Join(destDir, "16384")
	sid, err := client.Open(restore.CmdFileRestore)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	param := restore.FileRestoreParam{DestPath: destPath, Zero: true, Size: 8192}
	if _, err := client.Process(sid, param); err != nil {
		t.Fatalf("Process: %v", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 8192 {
		t.Fatalf("zeroed file size = %d, want 8192", info.Size())
	}
}

func TestVerifyFileHandlerDetectsMissingAndMismatch(t *testing.T) {
	repoRoot := t.TempDir()
	drv := posix.New(repoRoot)

	w, err := drv.NewWrite("backup/20260730-full/PG_VERSION", storage.WriteOptions{CreatePath: true, Atomic: true, ModeFile: 0o640})
	if err != nil {
		t.Fatalf("NewWrite: %v", err)
	}
	if _, err := w.Write([]byte("16\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	client, closeFn := dial(t, drv)
	defer closeFn()

	sid, err := client.Open(verify.CmdVerifyFile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	res, err := client.Process(sid, verify.FileVerifyParam{RepoPath: "backup/20260730-full/MISSING"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var missingResult verify.FileVerifyResult
	if err := json.Unmarshal(protocol.DataGet(res), &missingResult); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if missingResult.Reason != verify.ReasonFileMissing {
		t.Fatalf("expected fileMissing, got %q", missingResult.Reason)
	}

	sid2, err := client.Open(verify.CmdVerifyFile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	res2, err := client.Process(sid2, verify.FileVerifyParam{RepoPath: "backup/20260730-full/PG_VERSION", ExpectedRepoChecksum: "deadbeef"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var mismatchResult verify.FileVerifyResult
	if err := json.Unmarshal(protocol.DataGet(res2), &mismatchResult); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mismatchResult.Reason != verify.ReasonChecksumMismatch {
		t.Fatalf("expected checksumMismatch, got %q", mismatchResult.Reason)
	}
}
