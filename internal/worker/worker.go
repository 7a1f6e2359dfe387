// Package worker implements the real (non-test-fake) job handlers a
// "physback local-worker" process registers against a protocol.Server:
// file-backup, file-restore, and verify-file, each streaming through
// internal/iofilter's filter chain against an internal/storage.Driver.
package worker

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pigsty-io/physback/internal/backup"
	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/iofilter"
	"github.com/pigsty-io/physback/internal/metrics"
	"github.com/pigsty-io/physback/internal/protocol"
	"github.com/pigsty-io/physback/internal/restore"
	"github.com/pigsty-io/physback/internal/storage"
	"github.com/pigsty-io/physback/internal/verify"
)

// NewServer builds a protocol.Server with the file-backup, file-restore,
// and verify-file handlers registered against drv, the repository
// backend the worker process was launched with.
func NewServer(greeting protocol.Greeting, drv storage.Driver) *protocol.Server {
	srv := protocol.NewServer(greeting, nil)
	srv.Handle(backup.CmdFileBackup, fileBackupHandler(drv))
	srv.Handle(restore.CmdFileRestore, fileRestoreHandler(drv))
	srv.Handle(verify.CmdVerifyFile, verifyFileHandler(drv))
	return srv
}

func fileBackupHandler(drv storage.Driver) protocol.Handler {
	return func(sess *protocol.Session, raw json.RawMessage) error {
		var p backup.FileBackupParam
		if err := json.Unmarshal(raw, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "worker.fileBackup", err)
		}

		src, err := os.Open(p.SourcePath)
		if err != nil {
			return errkind.New(errkind.KindFileOpen, "worker.fileBackup", err)
		}
		defer src.Close()

		group := iofilter.NewGroup()
		srcHash := iofilter.NewSHA1Hash("sourceHash")
		group.Add(srcHash)

		var blockFilter *iofilter.BlockMapBuilderFilter
		if p.BlockIncr {
			blockFilter = iofilter.NewBlockMapBuilder(p.BlockSize, p.PriorMap, p.PriorLabel)
			group.Add(blockFilter)
		}
		if p.Compress != iofilter.CompressNone {
			comp, err := iofilter.NewCompress(p.Compress, p.CompressLvl)
			if err != nil {
				return err
			}
			group.Add(comp)
		}
		if p.CipherPass != "" {
			group.Add(iofilter.NewCipher(iofilter.CipherEncrypt, p.CipherPass, false))
		}
		repoSize := iofilter.NewSize("repoSize")
		group.Add(repoSize)
		repoHash := iofilter.NewSHA1Hash("repoHash")
		group.Add(repoHash)

		w, err := drv.NewWrite(p.RepoPath, storage.WriteOptions{CreatePath: true, Atomic: true, ModeFile: 0o640})
		if err != nil {
			return err
		}
		writer := iofilter.NewWriter(w, group)
		if _, err := io.Copy(writer, src); err != nil {
			w.Close()
			return errkind.New(errkind.KindFileRead, "worker.fileBackup", err)
		}
		if err := writer.Close(); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return errkind.New(errkind.KindFileWrite, "worker.fileBackup", err)
		}

		result := backup.FileBackupResult{
			Name:           filepath.Base(p.RepoPath),
			SourceChecksum: hex.EncodeToString(mustBytes(srcHash.Result())),
			RepoChecksum:   hex.EncodeToString(mustBytes(repoHash.Result())),
		}
		if n, ok := sizeResult(repoSize.Result()); ok {
			result.RepoSize = n
			metrics.BytesTransferred.Add(float64(n))
		}
		if blockFilter != nil {
			bm, ok := group.Result("blockMap")
			if ok {
				if m, ok := bm.(*iofilter.BlockMap); ok {
					encoded, err := iofilter.EncodeBlockMap(m)
					if err != nil {
						return err
					}
					result.BlockMapSize = int64(len(encoded))
				}
			}
		}

		data, err := json.Marshal(result)
		if err != nil {
			return errkind.New(errkind.KindJsonFormatError, "worker.fileBackup", err)
		}
		return sess.SendData(data)
	}
}

func fileRestoreHandler(drv storage.Driver) protocol.Handler {
	return func(sess *protocol.Session, raw json.RawMessage) error {
		var p restore.FileRestoreParam
		if err := json.Unmarshal(raw, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "worker.fileRestore", err)
		}

		if err := os.MkdirAll(filepath.Dir(p.DestPath), 0o750); err != nil {
			return errkind.New(errkind.KindFileWrite, "worker.fileRestore", err)
		}
		dest, err := os.OpenFile(p.DestPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			return errkind.New(errkind.KindFileOpen, "worker.fileRestore", err)
		}
		defer dest.Close()

		if p.Zero {
			if err := dest.Truncate(p.Size); err != nil {
				return errkind.New(errkind.KindFileWrite, "worker.fileRestore", err)
			}
			sum := iofilter.NewSHA1Hash("destHash")
			zeros := make([]byte, p.Size)
			_, _ = sum.Push(zeros)
			_, _ = sum.Push(nil)
			result := restore.FileRestoreResult{Name: filepath.Base(p.DestPath), Size: p.Size, Checksum: hex.EncodeToString(mustBytes(sum.Result()))}
			data, err := json.Marshal(result)
			if err != nil {
				return err
			}
			return sess.SendData(data)
		}

		if p.BlockIncr && p.PriorMap != nil && p.Compress == iofilter.CompressNone && p.CipherPass == "" {
			return restoreBlockIncremental(sess, drv, p, dest)
		}

		r, err := drv.NewRead(p.RepoPath, storage.ReadOptions{})
		if err != nil {
			return err
		}
		defer r.Close()

		group := iofilter.NewGroup()
		if p.CipherPass != "" {
			group.Add(iofilter.NewCipher(iofilter.CipherDecrypt, p.CipherPass, false))
		}
		if p.Compress != iofilter.CompressNone {
			dec, err := iofilter.NewDecompress(p.Compress)
			if err != nil {
				return err
			}
			group.Add(dec)
		}
		destHash := iofilter.NewSHA1Hash("destHash")
		group.Add(destHash)
		destSize := iofilter.NewSize("destSize")
		group.Add(destSize)

		reader := iofilter.NewReader(r, group)
		n, err := io.Copy(dest, reader)
		if err != nil {
			return errkind.New(errkind.KindFileWrite, "worker.fileRestore", err)
		}
		metrics.BytesTransferred.Add(float64(n))

		result := restore.FileRestoreResult{
			Name:     filepath.Base(p.DestPath),
			Size:     n,
			Checksum: hex.EncodeToString(mustBytes(destHash.Result())),
		}
		data, err := json.Marshal(result)
		if err != nil {
			return errkind.New(errkind.KindJsonFormatError, "worker.fileRestore", err)
		}
		return sess.SendData(data)
	}
}

// restoreBlockIncremental reassembles a file from a block-incremental
// restore job: for each entry in p.PriorMap.Blocks, a nil Ref means the
// block's bytes are next in p.RepoPath's (sparse, changed-blocks-only)
// stream; a non-nil Ref means the bytes are unchanged and live at
// Ref.Offset/Ref.Size in the sibling repo file named by Ref.BackupLabel.
// Only meaningful when the backup was written uncompressed and
// unencrypted, since compression/encryption make the recorded byte
// offsets unseekable in the stored file.
func restoreBlockIncremental(sess *protocol.Session, drv storage.Driver, p restore.FileRestoreParam, dest *os.File) error {
	changed, err := drv.NewRead(p.RepoPath, storage.ReadOptions{IgnoreMissing: true})
	if err != nil {
		return err
	}
	var changedR *bufio.Reader
	if changed != nil {
		defer changed.Close()
		changedR = bufio.NewReader(changed)
	}

	hash := iofilter.NewSHA1Hash("destHash")
	var total int64
	blocks := p.PriorMap.Blocks
	for i, entry := range blocks {
		var block []byte
		if entry.Ref != nil {
			refPath := repoPathForLabel(p.RepoPath, entry.Ref.BackupLabel)
			rr, err := drv.NewRead(refPath, storage.ReadOptions{Offset: entry.Ref.Offset, Limit: entry.Ref.Size})
			if err != nil {
				return err
			}
			block, err = io.ReadAll(rr)
			rr.Close()
			if err != nil {
				return errkind.New(errkind.KindFileRead, "worker.fileRestore", err)
			}
		} else if changedR != nil {
			if i == len(blocks)-1 {
				block, err = io.ReadAll(changedR)
			} else {
				block = make([]byte, p.PriorMap.BlockSize)
				_, err = io.ReadFull(changedR, block)
			}
			if err != nil {
				return errkind.New(errkind.KindFileRead, "worker.fileRestore", err)
			}
		}
		if len(block) == 0 {
			continue
		}
		if _, err := dest.Write(block); err != nil {
			return errkind.New(errkind.KindFileWrite, "worker.fileRestore", err)
		}
		_, _ = hash.Push(block)
		total += int64(len(block))
	}
	_, _ = hash.Push(nil)

	result := restore.FileRestoreResult{
		Name:     filepath.Base(p.DestPath),
		Size:     total,
		Checksum: hex.EncodeToString(mustBytes(hash.Result())),
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errkind.New(errkind.KindJsonFormatError, "worker.fileRestore", err)
	}
	return sess.SendData(data)
}

// repoPathForLabel swaps the backup-label path segment of a
// "backup/<label>/<name>[.ext]" repo path for label, the sibling file
// in another backup's directory.
func repoPathForLabel(repoPath, label string) string {
	parts := strings.SplitN(repoPath, "/", 3)
	if len(parts) != 3 {
		return repoPath
	}
	return parts[0] + "/" + label + "/" + parts[2]
}

func verifyFileHandler(drv storage.Driver) protocol.Handler {
	return func(sess *protocol.Session, raw json.RawMessage) error {
		var p verify.FileVerifyParam
		if err := json.Unmarshal(raw, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "worker.verifyFile", err)
		}

		reason := verify.ReasonOK
		r, err := drv.NewRead(p.RepoPath, storage.ReadOptions{IgnoreMissing: true})
		if err != nil {
			return err
		}
		if r == nil {
			reason = verify.ReasonFileMissing
		} else {
			group := iofilter.NewGroup()
			repoHash := iofilter.NewSHA1Hash("repoHash")
			repoSize := iofilter.NewSize("repoSize")
			group.Add(repoHash).Add(repoSize)

			var sourceHash *iofilter.HashFilter
			decodeSource := p.ExpectedRepoChecksum == "" && p.ExpectedSourceChecksum != ""
			if decodeSource {
				if p.CipherPass != "" {
					group.Add(iofilter.NewCipher(iofilter.CipherDecrypt, p.CipherPass, false))
				}
				if p.Compress != iofilter.CompressNone {
					dec, err := iofilter.NewDecompress(p.Compress)
					if err != nil {
						return err
					}
					group.Add(dec)
				}
				sourceHash = iofilter.NewSHA1Hash("sourceHash")
				group.Add(sourceHash)
			}

			tee := iofilter.NewReader(r, group)
			n, err := io.Copy(io.Discard, tee)
			r.Close()
			if err != nil {
				reason = verify.ReasonOtherError
			} else {
				switch {
				case !decodeSource && p.ExpectedRepoChecksum != "" && hex.EncodeToString(mustBytes(repoHash.Result())) != p.ExpectedRepoChecksum:
					reason = verify.ReasonChecksumMismatch
				case decodeSource && hex.EncodeToString(mustBytes(sourceHash.Result())) != p.ExpectedSourceChecksum:
					reason = verify.ReasonChecksumMismatch
				case p.Size > 0 && n != p.Size:
					reason = verify.ReasonSizeInvalid
				}
			}
		}

		data, err := json.Marshal(verify.FileVerifyResult{Reason: reason})
		if err != nil {
			return errkind.New(errkind.KindJsonFormatError, "worker.verifyFile", err)
		}
		return sess.SendData(data)
	}
}

func mustBytes(v any, err error) []byte {
	if err != nil || v == nil {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

func sizeResult(v any, err error) (int64, bool) {
	if err != nil || v == nil {
		return 0, false
	}
	n, ok := v.(uint64)
	if !ok {
		return 0, false
	}
	return int64(n), true
}
