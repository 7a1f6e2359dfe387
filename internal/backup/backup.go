// Package backup implements the backup orchestrator: lock acquisition,
// prior-manifest selection, file enumeration with the
// reference-vs-copy decision, job dispatch through internal/parallel,
// and the final manifest/InfoBackup update.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/iofilter"
	"github.com/pigsty-io/physback/internal/lock"
	"github.com/pigsty-io/physback/internal/manifest"
	"github.com/pigsty-io/physback/internal/parallel"
	"github.com/pigsty-io/physback/internal/pgctl"
	"github.com/pigsty-io/physback/internal/storage"
)

// CmdFileBackup is the worker protocol command id a file-backup job
// opens a session against; internal/worker's ServeDriver-style handler
// registers it.
const CmdFileBackup = "file-backup"

// BlockIncrThreshold is the minimum source file size block-incremental
// mode kicks in for; smaller files are always copied whole.
const BlockIncrThreshold = 8 * 1024 * 1024

// Options configures one backup run.
type Options struct {
	Stanza      string
	Type        info.BackupType
	DataDir     string
	Label       string // backup label, usually timestampStart-formatted by the caller
	Compress    iofilter.CompressType
	CompressLvl int
	CipherPass  string
	StartFast   bool
	BlockIncr   bool
	ProcessMax  int
	ProtocolTimeout time.Duration
}

// FileBackupParam is the job payload a file-backup worker executes.
type FileBackupParam struct {
	SourcePath  string               `json:"sourcePath"`  // absolute path under the PG data directory
	RepoPath    string               `json:"repoPath"`    // backup/<label>/<name>[.ext]
	Compress    iofilter.CompressType `json:"compress"`
	CompressLvl int                  `json:"compressLvl"`
	CipherPass  string               `json:"cipherPass"`
	BlockIncr   bool                 `json:"blockIncr"`
	PriorMap    *iofilter.BlockMap   `json:"priorMap,omitempty"`
	PriorLabel  string               `json:"priorLabel,omitempty"`
	BlockSize   int                  `json:"blockSize,omitempty"`
}

// FileBackupResult is what a file-backup job reports back.
type FileBackupResult struct {
	Name              string   `json:"name"`
	SourceChecksum    string   `json:"sourceChecksum"`
	RepoSize          int64    `json:"repoSize"`
	RepoChecksum      string   `json:"repoChecksum"`
	ChecksumPageError bool     `json:"checksumPageError"`
	InvalidPages      []uint32 `json:"invalidPages,omitempty"`
	BlockMapSize      int64    `json:"blockMapSize,omitempty"`
}

// Orchestrator drives one backup run against a repository.
type Orchestrator struct {
	Storage storage.Driver
	Locks   *lock.Manager
	Cluster pgctl.Cluster
	// Dial returns a connected worker pool sized n; nil workers are
	// closed by the executor on completion.
	Dial func(ctx context.Context, n int) ([]*parallel.Worker, error)
}

// Run executes the full backup in order and returns the new record.
func (o *Orchestrator) Run(ctx context.Context, opt Options) (*info.BackupRecord, error) {
	h, err := o.Locks.Acquire(opt.Stanza, lock.TypeBackup)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	archiveDoc, err := info.Load(o.Storage, "archive.info")
	if err != nil {
		return nil, err
	}
	arch, err := info.ArchiveFromDoc(archiveDoc)
	if err != nil {
		return nil, err
	}
	backupDoc, err := info.Load(o.Storage, "backup.info")
	if err != nil {
		return nil, err
	}
	bk, err := info.BackupFromDoc(backupDoc)
	if err != nil {
		return nil, err
	}
	if err := arch.MatchesBackupHistory(bk.History); err != nil {
		return nil, err
	}

	identity, err := o.Cluster.Identify(ctx)
	if err != nil {
		return nil, err
	}
	current, ok := bk.History.Current()
	if !ok {
		return nil, errkind.New(errkind.KindFormatError, "backup.Run", fmt.Errorf("stanza %s has no pg history", opt.Stanza))
	}
	if current.SystemID != identity.SystemID {
		return nil, errkind.New(errkind.KindBackupMismatch, "backup.Run",
			fmt.Errorf("running cluster systemId %d does not match repository history %d", identity.SystemID, current.SystemID))
	}

	if opt.Type == "" {
		opt.Type = info.BackupFull
		if _, ok := bk.Latest(); ok {
			opt.Type = info.BackupIncr
		}
	}

	var priorRecord *info.BackupRecord
	var priorManifest *manifest.Manifest
	if opt.Type != info.BackupFull {
		var rec info.BackupRecord
		var found bool
		if opt.Type == info.BackupDiff {
			rec, found = bk.LatestFullOrDiff()
		} else {
			rec, found = bk.Latest()
		}
		if !found {
			return nil, errkind.New(errkind.KindBackupSetInvalid, "backup.Run",
				fmt.Errorf("no prior backup available for a %s backup", opt.Type))
		}
		m, err := manifest.Load(o.Storage, rec.Label)
		if err != nil {
			return nil, err
		}
		priorRecord = &rec
		priorManifest = m
	}

	start, err := o.Cluster.StartBackup(ctx, opt.Label, opt.StartFast)
	if err != nil {
		return nil, err
	}

	files, paths, err := enumerateDataDir(opt.DataDir)
	if err != nil {
		return nil, err
	}

	m := manifest.New()
	m.Data = manifest.Data{
		BackupLabel:    opt.Label,
		BackupType:     string(opt.Type),
		TimestampStart: time.Now().Unix(),
		LsnStart:       start.LsnStart,
		ArchiveStart:   start.SegmentStart,
		PgID:           current.ID,
		PgVersion:      identity.Version,
		PgSystemID:     identity.SystemID,
		OptionCompress: opt.Compress != iofilter.CompressNone,
		OptionOnline:   true,
	}
	if priorRecord != nil {
		m.Data.BackupPrior = priorRecord.Label
	}
	m.Paths = paths
	m.Targets = []manifest.Target{{Name: "pg_data", Type: "path", Path: opt.DataDir}}

	jobs := make([]parallel.Job, 0, len(files))
	fileByName := make(map[string]manifest.File, len(files))
	for _, f := range files {
		rec := f
		var priorFile manifest.File
		var havePrior bool
		if priorManifest != nil {
			priorFile, havePrior = priorManifest.FindFile(rec.Name)
		}
		if havePrior && priorFile.Size == rec.Size && priorFile.Timestamp == rec.Timestamp {
			rec.Reference = referenceLabel(priorFile, priorRecord)
			rec.Checksum = priorFile.Checksum
			rec.RepoChecksum = priorFile.RepoChecksum
			rec.RepoSize = priorFile.RepoSize
			fileByName[rec.Name] = rec
			continue
		}
		fileByName[rec.Name] = rec

		param := FileBackupParam{
			SourcePath:  filepath.Join(opt.DataDir, rec.Name),
			RepoPath:    repoFilePath(opt.Label, rec.Name, opt.Compress),
			Compress:    opt.Compress,
			CompressLvl: opt.CompressLvl,
			CipherPass:  opt.CipherPass,
		}
		if opt.BlockIncr && havePrior && rec.Size >= BlockIncrThreshold {
			param.BlockIncr = true
			param.BlockSize = 8192
			param.PriorLabel = priorFile.Reference
			if param.PriorLabel == "" {
				param.PriorLabel = priorRecord.Label
			}
		}
		jobs = append(jobs, parallel.Job{ID: CmdFileBackup, Param: param, Label: rec.Name})
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return fileByName[jobs[i].Label].Size > fileByName[jobs[j].Label].Size
	})

	if len(jobs) > 0 {
		workers, err := o.Dial(ctx, opt.ProcessMax)
		if err != nil {
			return nil, err
		}
		exec := parallel.New(workers, parallel.QueueSource(jobs), opt.ProtocolTimeout)
		var firstErr error
		if err := exec.Run(func(jr parallel.JobResult) {
			if jr.Err != nil {
				if firstErr == nil {
					firstErr = jr.Err
				}
				return
			}
			var res FileBackupResult
			if e := parallel.DecodeResult(jr.Result, &res); e != nil {
				if firstErr == nil {
					firstErr = e
				}
				return
			}
			rec := fileByName[jr.Job.Label]
			rec.Checksum = res.SourceChecksum
			rec.RepoSize = res.RepoSize
			rec.RepoChecksum = res.RepoChecksum
			rec.ChecksumPageError = res.ChecksumPageError
			rec.ChecksumPageErrorList = res.InvalidPages
			rec.BlockIncrMapSize = res.BlockMapSize
			fileByName[jr.Job.Label] = rec
		}); err != nil {
			return nil, err
		}
		if firstErr != nil {
			return nil, firstErr
		}
	}

	for _, f := range fileByName {
		m.Files = append(m.Files, f)
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Name < m.Files[j].Name })

	stop, err := o.Cluster.StopBackup(ctx)
	if err != nil {
		return nil, err
	}
	m.Data.TimestampStop = time.Now().Unix()
	m.Data.LsnStop = stop.LsnStop
	m.Data.ArchiveStop = stop.SegmentStop

	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := manifest.Save(o.Storage, m); err != nil {
		return nil, err
	}

	rec := info.BackupRecord{
		Label:              opt.Label,
		Type:               opt.Type,
		TimestampStart:      m.Data.TimestampStart,
		TimestampStop:       m.Data.TimestampStop,
		ArchiveStart:        m.Data.ArchiveStart,
		ArchiveStop:         m.Data.ArchiveStop,
		LsnStart:            m.Data.LsnStart,
		LsnStop:             m.Data.LsnStop,
		PgID:                current.ID,
		OptionCompress:      m.Data.OptionCompress,
		OptionOnline:        m.Data.OptionOnline,
	}
	if priorRecord != nil {
		rec.Prior = priorRecord.Label
	}
	refs := make(map[string]bool)
	for _, f := range m.Files {
		rec.SizeOriginal += f.Size
		rec.SizeRepo += f.RepoSize
		if f.Reference != "" && !refs[f.Reference] {
			refs[f.Reference] = true
			rec.Reference = append(rec.Reference, f.Reference)
		}
	}
	sort.Strings(rec.Reference)
	bk.Current[opt.Label] = rec
	if err := bk.Validate(); err != nil {
		return nil, err
	}
	newDoc, err := bk.ToDoc()
	if err != nil {
		return nil, err
	}
	if err := info.Save(o.Storage, "backup.info", newDoc); err != nil {
		return nil, err
	}
	return &rec, nil
}

func referenceLabel(priorFile manifest.File, priorRecord *info.BackupRecord) string {
	if priorFile.Reference != "" {
		return priorFile.Reference
	}
	if priorRecord != nil {
		return priorRecord.Label
	}
	return ""
}

func repoFilePath(label, name string, compress iofilter.CompressType) string {
	ext := map[iofilter.CompressType]string{
		iofilter.CompressGzip: ".gz",
		iofilter.CompressZstd: ".zst",
	}[compress]
	return "backup/" + label + "/" + name + ext
}

// enumerateDataDir walks dataDir, skipping entries PostgreSQL recreates
// on startup: postmaster.pid/.opts, the WAL directory (archived
// separately), pgsql_tmp directories, and *.tmp files.
func enumerateDataDir(dataDir string) ([]manifest.File, []manifest.Path, error) {
	var files []manifest.File
	var paths []manifest.Path

	err := filepath.WalkDir(dataDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(dataDir, p)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			paths = append(paths, manifest.Path{Name: ""})
			return nil
		}
		if excludedFromBackup(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			paths = append(paths, manifest.Path{Name: filepath.ToSlash(rel)})
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil // links are cataloged separately by the caller (tablespace/link maps)
		}
		fi, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		files = append(files, manifest.File{
			Name:      filepath.ToSlash(rel),
			Size:      fi.Size(),
			Mode:      uint32(fi.Mode().Perm()),
			Timestamp: fi.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, nil, errkind.New(errkind.KindFileRead, "backup.enumerateDataDir", err)
	}
	return files, paths, nil
}

func excludedFromBackup(rel string) bool {
	switch rel {
	case "postmaster.pid", "postmaster.opts", "pg_wal", "pg_xlog":
		return true
	}
	return filepath.Base(rel) == "pgsql_tmp" || filepath.Ext(rel) == ".tmp"
}
