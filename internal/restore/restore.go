// Package restore implements the restore orchestrator: destination
// validation, manifest load and remapping, ownership
// resolution, destination cleaning, selective-restore, job dispatch
// through internal/parallel, and recovery configuration.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/iofilter"
	"github.com/pigsty-io/physback/internal/lock"
	"github.com/pigsty-io/physback/internal/manifest"
	"github.com/pigsty-io/physback/internal/parallel"
	"github.com/pigsty-io/physback/internal/pgctl"
	"github.com/pigsty-io/physback/internal/storage"
)

// CmdFileRestore is the worker protocol command id a file-restore job
// opens a session against.
const CmdFileRestore = "file-restore"

// builtinDatabaseNames are the databases a selective restore is forbidden
// from excluding.
var builtinDatabaseNames = map[string]bool{"template0": true, "template1": true, "postgres": true}

// RecoveryTarget selects how PostgreSQL should replay WAL after restore.
type RecoveryTarget struct {
	Type  string // "none" | "default" | "immediate" | "xid" | "time" | "name" | "lsn"
	Value string
}

// Options configures one restore run.
type Options struct {
	Stanza  string
	Set     string // backup label; empty selects the latest backup
	DataDir string // destination PG data directory

	Delta bool
	Force bool

	TablespaceMap map[string]string // tablespace name/oid -> destination path
	LinkMap       map[string]string // link name -> destination path
	LinkAll       bool

	DbInclude []string // database names or numeric oids to keep; others are zero-filled

	Recovery RecoveryTarget

	CipherPass      string
	ProcessMax      int
	ProtocolTimeout time.Duration
}

// FileRestoreParam is the job payload a file-restore worker executes.
type FileRestoreParam struct {
	RepoPath    string                `json:"repoPath"`    // backup/<ref-or-set>/<name>[.ext]
	DestPath    string                `json:"destPath"`    // absolute path under the destination data dir
	Compress    iofilter.CompressType `json:"compress"`
	CipherPass  string                `json:"cipherPass"`
	Zero        bool                  `json:"zero"` // selective-restore: write zeroed sparse blocks instead
	Size        int64                 `json:"size"`
	BlockIncr   bool                  `json:"blockIncr"`
	BlockSize   int                   `json:"blockSize,omitempty"`
	PriorMap    *iofilter.BlockMap    `json:"priorMap,omitempty"`
	PriorLabel  string                `json:"priorLabel,omitempty"`
}

// FileRestoreResult is what a file-restore job reports back.
type FileRestoreResult struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Orchestrator drives one restore run against a repository.
type Orchestrator struct {
	Storage storage.Driver
	Locks   *lock.Manager
	Cluster pgctl.Cluster
	// Dial returns a connected worker pool sized n.
	Dial func(ctx context.Context, n int) ([]*parallel.Worker, error)
}

// Run executes the restore in order: validate, load, remap, clean,
// dispatch, and write recovery configuration.
func (o *Orchestrator) Run(ctx context.Context, opt Options) (*manifest.Manifest, error) {
	h, err := o.Locks.Acquire(opt.Stanza, lock.TypeBackup)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	delta, force, err := o.validateDestination(ctx, opt)
	if err != nil {
		return nil, err
	}
	opt.Delta, opt.Force = delta, force

	backupDoc, err := info.Load(o.Storage, "backup.info")
	if err != nil {
		return nil, err
	}
	bk, err := info.BackupFromDoc(backupDoc)
	if err != nil {
		return nil, err
	}
	rec, err := selectBackup(bk, opt.Set)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Load(o.Storage, rec.Label)
	if err != nil {
		return nil, err
	}
	if m.Data.BackupLabel != rec.Label {
		return nil, errkind.New(errkind.KindFormatError, "restore.Run",
			fmt.Errorf("manifest backupLabel %q does not match selected set %q", m.Data.BackupLabel, rec.Label))
	}

	applyRemapping(m, opt)

	uid, gid := resolveOwnership(opt.DataDir)

	if err := cleanDestination(opt.DataDir, m, opt.Delta); err != nil {
		return nil, err
	}

	zeroExpr, err := selectiveRestoreExpr(m, opt.DbInclude)
	if err != nil {
		return nil, err
	}

	// Stage the manifest at the destination immediately so a second,
	// interrupted restore can detect the partial attempt.
	if err := writeDestinationManifest(opt.DataDir, m); err != nil {
		return nil, err
	}

	files := m.SizeDescendingFiles()
	jobs := make([]parallel.Job, 0, len(files))
	for _, f := range files {
		if f.Size == 0 {
			continue // zero-length files short-circuit, never dispatched as jobs
		}
		repoLabel := rec.Label
		if f.Reference != "" {
			repoLabel = f.Reference
		}
		param := FileRestoreParam{
			RepoPath:   repoPath(repoLabel, f, m.Data.OptionCompress),
			DestPath:   filepath.Join(opt.DataDir, f.Name),
			CipherPass: opt.CipherPass,
			Size:       f.Size,
			Zero:       zeroExpr != nil && zeroExpr.MatchString(f.Name),
		}
		if m.Data.OptionCompress {
			param.Compress = iofilter.CompressGzip
		}
		if f.BlockIncrMapSize > 0 {
			param.BlockIncr = true
			param.BlockSize = 8192
			param.PriorLabel = repoLabel
		}
		jobs = append(jobs, parallel.Job{ID: CmdFileRestore, Param: param, Label: f.Name})
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return paramSize(jobs[i]) > paramSize(jobs[j])
	})

	if len(jobs) > 0 {
		workers, err := o.Dial(ctx, opt.ProcessMax)
		if err != nil {
			return nil, err
		}
		exec := parallel.New(workers, parallel.QueueSource(jobs), opt.ProtocolTimeout)
		var firstErr error
		if err := exec.Run(func(jr parallel.JobResult) {
			if jr.Err != nil && firstErr == nil {
				firstErr = jr.Err
			}
		}); err != nil {
			return nil, err
		}
		if firstErr != nil {
			return nil, firstErr
		}
	}

	if err := reconcileOwnership(opt.DataDir, m, uid, gid); err != nil {
		return nil, err
	}

	if err := writeRecoveryConfig(opt.DataDir, opt.Recovery); err != nil {
		return nil, err
	}

	return m, nil
}

func paramSize(j parallel.Job) int64 {
	p, ok := j.Param.(FileRestoreParam)
	if !ok {
		return 0
	}
	return p.Size
}

func selectBackup(bk *info.Backup, set string) (info.BackupRecord, error) {
	if set != "" {
		rec, ok := bk.Current[set]
		if !ok {
			return info.BackupRecord{}, errkind.New(errkind.KindBackupSetInvalid, "restore.selectBackup",
				fmt.Errorf("backup set %q not found", set))
		}
		return rec, nil
	}
	rec, ok := bk.Latest()
	if !ok {
		return info.BackupRecord{}, errkind.New(errkind.KindBackupSetInvalid, "restore.selectBackup",
			fmt.Errorf("no backups available to restore"))
	}
	return rec, nil
}

func repoPath(label string, f manifest.File, compress bool) string {
	ext := ""
	if compress {
		ext = iofilter.CompressGzip.Ext()
	}
	return "backup/" + label + "/" + f.Name + ext
}

// validateDestination enforces that the destination must not have a
// running postmaster, and that delta/force require prior state to
// already exist there.
func (o *Orchestrator) validateDestination(ctx context.Context, opt Options) (delta bool, force bool, err error) {
	running, err := o.Cluster.IsRunning(ctx, opt.DataDir)
	if err != nil {
		return false, false, err
	}
	if running {
		return false, false, errkind.New(errkind.KindPostmasterRunning, "restore.validateDestination",
			fmt.Errorf("a postmaster is running against %s", opt.DataDir))
	}

	delta, force = opt.Delta, opt.Force
	if delta || force {
		hasState := fileExists(filepath.Join(opt.DataDir, "PG_VERSION")) ||
			fileExists(filepath.Join(opt.DataDir, "backup.manifest"))
		if !hasState {
			delta, force = false, false
		}
	}
	if !delta && !force {
		empty, err := dirEmpty(opt.DataDir)
		if err != nil {
			return false, false, err
		}
		if !empty {
			return false, false, errkind.New(errkind.KindPathNotEmpty, "restore.validateDestination",
				fmt.Errorf("destination %s is not empty; use --delta or --force", opt.DataDir))
		}
	}
	return delta, force, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func dirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, errkind.New(errkind.KindFileRead, "restore.dirEmpty", err)
	}
	return len(entries) == 0, nil
}

// applyRemapping rewrites manifest targets/links to their mapped
// destinations, or drops unmapped links unless LinkAll is set.
func applyRemapping(m *manifest.Manifest, opt Options) {
	for i := range m.Targets {
		t := &m.Targets[i]
		if t.Name == "pg_data" {
			t.Path = opt.DataDir
			continue
		}
		if mapped, ok := opt.TablespaceMap[t.Name]; ok {
			t.Path = mapped
		}
	}
	kept := m.Links[:0]
	for _, l := range m.Links {
		if mapped, ok := opt.LinkMap[l.Name]; ok {
			l.Destination = mapped
			kept = append(kept, l)
			continue
		}
		if opt.LinkAll {
			kept = append(kept, l)
			continue
		}
		// unmapped link dropped from the restore set; a warning is emitted
		logrus.Warnf("link %s has no mapping and is not restored", l.Name)
	}
	m.Links = kept
}

// resolveOwnership returns the uid/gid restored files are given. When
// restoring as root it is the data directory's owner, falling back to
// the invoking uid/gid when the directory cannot be stat'ed; non-root
// restores use the invoking uid/gid. Per-file owners recorded in the
// manifest are not consulted.
func resolveOwnership(dataDir string) (uid, gid int) {
	if os.Geteuid() == 0 {
		if fi, err := os.Stat(dataDir); err == nil {
			if st, ok := fi.Sys().(*syscall.Stat_t); ok {
				return int(st.Uid), int(st.Gid)
			}
		}
	}
	return os.Geteuid(), os.Getegid()
}

func reconcileOwnership(dataDir string, m *manifest.Manifest, uid, gid int) error {
	if os.Geteuid() != 0 {
		return nil // non-root: files were already written with the current uid/gid
	}
	for _, f := range m.Files {
		_ = os.Chown(filepath.Join(dataDir, f.Name), uid, gid) //nolint:errcheck // best-effort ownership reconciliation
	}
	return nil
}

// cleanDestination enforces that non-delta requires an empty destination
// (already checked in validateDestination); delta mode
// recurses and removes filesystem entries the manifest doesn't know
// about, leaving known entries for the restore jobs to overwrite.
func cleanDestination(dataDir string, m *manifest.Manifest, delta bool) error {
	if !delta {
		return nil
	}
	known := map[string]bool{}
	for _, f := range m.Files {
		known[filepath.ToSlash(f.Name)] = true
	}
	for _, p := range m.Paths {
		known[filepath.ToSlash(p.Name)] = true
	}
	for _, l := range m.Links {
		known[filepath.ToSlash(l.Name)] = true
	}
	return filepath.WalkDir(dataDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, rerr := filepath.Rel(dataDir, p)
		if rerr != nil || rel == "." {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if known[rel] || rel == "backup.manifest" {
			return nil
		}
		if d.IsDir() {
			if err := os.RemoveAll(p); err != nil {
				return errkind.New(errkind.KindFileRemove, "restore.cleanDestination", err)
			}
			return filepath.SkipDir
		}
		if err := os.Remove(p); err != nil {
			return errkind.New(errkind.KindFileRemove, "restore.cleanDestination", err)
		}
		return nil
	})
}

// selectiveRestoreExpr builds the regular expression matching files
// that should be restored as zeroed sparse blocks: the contents of
// every cataloged database NOT named in include.
func selectiveRestoreExpr(m *manifest.Manifest, include []string) (*regexp.Regexp, error) {
	if len(include) == 0 {
		return nil, nil
	}
	wanted := map[string]bool{}
	for _, v := range include {
		if builtinDatabaseNames[v] {
			return nil, errkind.New(errkind.KindDbInvalid, "restore.selectiveRestoreExpr",
				fmt.Errorf("built-in database %q may not be excluded from a selective restore", v))
		}
		wanted[v] = true
	}
	var excludedOIDs []string
	for _, db := range m.Databases {
		if builtinDatabaseNames[db.Name] {
			continue
		}
		if wanted[db.Name] || wanted[fmt.Sprintf("%d", db.OID)] {
			continue
		}
		excludedOIDs = append(excludedOIDs, fmt.Sprintf("%d", db.OID))
	}
	if len(excludedOIDs) == 0 {
		return nil, nil
	}
	pattern := "^base/(" + joinAlternation(excludedOIDs) + ")/"
	return regexp.Compile(pattern)
}

func joinAlternation(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += regexp.QuoteMeta(p)
	}
	return out
}

// writeDestinationManifest copies the selected manifest to the
// destination's backup.manifest so an interrupted restore is detectable.
func writeDestinationManifest(dataDir string, m *manifest.Manifest) error {
	d, err := m.ToDoc()
	if err != nil {
		return err
	}
	d.Stamp()
	return os.WriteFile(filepath.Join(dataDir, "backup.manifest"), d.Encode(), 0o640)
}

// writeRecoveryConfig writes the recovery signal and settings that bring
// the restored cluster up to the requested recovery target.
func writeRecoveryConfig(dataDir string, target RecoveryTarget) error {
	if target.Type == "" || target.Type == "none" {
		return nil
	}
	lines := "restore_command = 'physback archive-get %f %p'\n"
	switch target.Type {
	case "immediate":
		lines += "recovery_target = 'immediate'\n"
	case "xid":
		lines += fmt.Sprintf("recovery_target_xid = '%s'\n", target.Value)
	case "time":
		lines += fmt.Sprintf("recovery_target_time = '%s'\n", target.Value)
	case "name":
		lines += fmt.Sprintf("recovery_target_name = '%s'\n", target.Value)
	case "lsn":
		lines += fmt.Sprintf("recovery_target_lsn = '%s'\n", target.Value)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "postgresql.auto.conf"), []byte(lines), 0o640); err != nil {
		return errkind.New(errkind.KindFileWrite, "restore.writeRecoveryConfig", err)
	}
	signal := filepath.Join(dataDir, "recovery.signal")
	if err := os.WriteFile(signal, nil, 0o640); err != nil {
		return errkind.New(errkind.KindFileWrite, "restore.writeRecoveryConfig", err)
	}
	return nil
}
