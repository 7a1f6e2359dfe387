// Package verify implements the repository cross-checking orchestrator:
// info-file reconciliation, PG history matching, WAL range/gap
// analysis, per-backup manifest verification, and per-archive
// and per-backup status reporting.
package verify

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pigsty-io/physback/internal/archive"
	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/iofilter"
	"github.com/pigsty-io/physback/internal/manifest"
	"github.com/pigsty-io/physback/internal/parallel"
	"github.com/pigsty-io/physback/internal/storage"
	"github.com/pigsty-io/physback/internal/walseg"
)

// CmdVerifyFile is the worker protocol command id a verify-file job
// opens a session against.
const CmdVerifyFile = "verify-file"

// Reason is the per-file verification outcome taxonomy.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonFileMissing      Reason = "fileMissing"
	ReasonChecksumMismatch Reason = "checksumMismatch"
	ReasonSizeInvalid      Reason = "sizeInvalid"
	ReasonOtherError       Reason = "otherError"
)

// Status is a backup or archive's overall verification outcome.
type Status string

const (
	StatusValid           Status = "valid"
	StatusInvalid         Status = "invalid"
	StatusMissingManifest Status = "missing-manifest"
	StatusInProgress      Status = "in-progress"
)

// FileVerifyParam is the job payload a verify-file worker executes. A
// non-empty ExpectedRepoChecksum lets the worker compare the stored
// bytes directly; otherwise it decodes through the inverse filter chain
// and compares against ExpectedSourceChecksum.
type FileVerifyParam struct {
	RepoPath               string                `json:"repoPath"`
	Size                   int64                 `json:"size"`
	ExpectedRepoChecksum   string                `json:"expectedRepoChecksum,omitempty"`
	ExpectedSourceChecksum string                `json:"expectedSourceChecksum,omitempty"`
	Compress               iofilter.CompressType `json:"compress"`
	CipherPass             string                `json:"cipherPass"`
}

// FileVerifyResult is what a verify-file job reports back.
type FileVerifyResult struct {
	Name   string `json:"name"`
	Reason Reason `json:"reason"`
}

// ArchiveResult is one archive-id's WAL range and duplicate findings.
type ArchiveResult struct {
	ArchiveID         string        `json:"archiveId"`
	Ranges            []walseg.Range `json:"ranges"`
	DuplicateSegments []string      `json:"duplicateSegments,omitempty"`
	Counts            map[Reason]int `json:"counts"`
}

// BackupResult is one backup's verification summary.
type BackupResult struct {
	Label           string         `json:"label"`
	Status          Status         `json:"status"`
	Counts          map[Reason]int `json:"counts,omitempty"`
	WalInvalidCount int64          `json:"walInvalidCount"`
}

// Report is the full run's output.
type Report struct {
	Archives []ArchiveResult `json:"archives"`
	Backups  []BackupResult  `json:"backups"`
}

// Options configures one verify run.
type Options struct {
	Set             string // restrict to a single backup label; empty verifies all
	SegSize         uint64 // defaults to walseg.DefaultSegSize
	ProcessMax      int
	ProtocolTimeout time.Duration
}

// Orchestrator drives one verify run against a repository.
type Orchestrator struct {
	Storage storage.Driver
	Dial    func(ctx context.Context, n int) ([]*parallel.Worker, error)
}

// Run executes the full cross-check in order and returns its report.
func (o *Orchestrator) Run(ctx context.Context, opt Options) (*Report, error) {
	segSize := opt.SegSize
	if segSize == 0 {
		segSize = walseg.DefaultSegSize
	}

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

	report := &Report{}
	walInvalidByBackup := map[string]int64{}
	invalidByBackup := map[string]bool{}

	for _, h := range bk.History {
		archiveID := archive.ArchiveID(h.Version, h.ID)
		entries, dupSegments, err := o.listArchiveSegments(archiveID)
		if err != nil {
			return nil, err
		}
		segments := make([]string, len(entries))
		for i, e := range entries {
			segments[i] = e.Segment
		}
		sort.Strings(segments)
		ranges, err := walseg.BuildRanges(segments, segSize)
		if err != nil {
			return nil, err
		}

		counts, invalidSegments, err := o.verifySegments(ctx, opt, entries, arch.CipherPass)
		if err != nil {
			return nil, err
		}

		for label, rec := range bk.Current {
			if rec.ArchiveStart == "" || rec.ArchiveStop == "" {
				continue
			}
			bkLo, bkHi, err := backupLinearRange(rec, segSize)
			if err != nil {
				continue
			}
			for _, segName := range invalidSegments {
				n, perr := walseg.Parse(segName)
				if perr != nil {
					continue
				}
				pos := linearIndex(n, segSize)
				if pos >= bkLo && pos <= bkHi {
					walInvalidByBackup[label]++
					invalidByBackup[label] = true
				}
			}
		}

		for i := 1; i < len(ranges); i++ {
			stopName, serr := walseg.Parse(ranges[i-1].Stop)
			startName, terr := walseg.Parse(ranges[i].Start)
			if serr != nil || terr != nil {
				continue
			}
			gapLo := linearIndex(stopName, segSize) + 1
			gapHi := linearIndex(startName, segSize) - 1
			if gapHi < gapLo {
				continue
			}
			for label, rec := range bk.Current {
				if rec.ArchiveStart == "" || rec.ArchiveStop == "" {
					continue
				}
				bkLo, bkHi, err := backupLinearRange(rec, segSize)
				if err != nil {
					continue
				}
				lo, hi := max64(gapLo, bkLo), min64(gapHi, bkHi)
				if hi >= lo {
					walInvalidByBackup[label] += hi - lo + 1
					invalidByBackup[label] = true
				}
			}
		}

		report.Archives = append(report.Archives, ArchiveResult{
			ArchiveID:         archiveID,
			Ranges:            ranges,
			DuplicateSegments: dupSegments,
			Counts:            counts,
		})
	}

	labels, err := o.listBackupLabels()
	if err != nil {
		return nil, err
	}
	mostRecent := ""
	if len(labels) > 0 {
		mostRecent = labels[len(labels)-1]
	}

	for _, label := range labels {
		if opt.Set != "" && label != opt.Set {
			continue
		}
		m, err := manifest.Load(o.Storage, label)
		if err != nil {
			_, known := bk.Current[label]
			status := StatusMissingManifest
			if !known && label == mostRecent {
				status = StatusInProgress
			}
			report.Backups = append(report.Backups, BackupResult{Label: label, Status: status})
			continue
		}

		counts, err := o.verifyManifestFiles(ctx, opt, label, m, arch.CipherPass)
		if err != nil {
			return nil, err
		}
		status := StatusValid
		if counts[ReasonFileMissing]+counts[ReasonChecksumMismatch]+counts[ReasonSizeInvalid]+counts[ReasonOtherError] > 0 {
			status = StatusInvalid
		}
		if invalidByBackup[label] {
			status = StatusInvalid
		}
		report.Backups = append(report.Backups, BackupResult{
			Label:           label,
			Status:          status,
			Counts:          counts,
			WalInvalidCount: walInvalidByBackup[label],
		})
	}

	return report, nil
}

func backupLinearRange(rec info.BackupRecord, segSize uint64) (lo, hi int64, err error) {
	loName, err := walseg.Parse(rec.ArchiveStart)
	if err != nil {
		return 0, 0, err
	}
	hiName, err := walseg.Parse(rec.ArchiveStop)
	if err != nil {
		return 0, 0, err
	}
	return linearIndex(loName, segSize), linearIndex(hiName, segSize), nil
}

func linearIndex(n walseg.Name, segSize uint64) int64 {
	return int64(n.LogID)*int64(walseg.SegPerFile(segSize)) + int64(n.SegID)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// walEntry is one archived WAL segment file found in the repository.
type walEntry struct {
	Segment  string
	Path     string
	Sha1     string
	Compress iofilter.CompressType
}

// listArchiveSegments lists every archived file under archive/<archiveID>
// and parses its "<segment>-<sha1>[.ext]" name.
func (o *Orchestrator) listArchiveSegments(archiveID string) ([]walEntry, []string, error) {
	base := "archive/" + archiveID
	prefixEntries, err := o.Storage.List(base, storage.LevelExists)
	if err != nil {
		if isKind(err, errkind.KindPathMissing) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	bySegment := map[string][]walEntry{}
	for _, pe := range prefixEntries {
		dir := base + "/" + pe.Name
		files, ferr := o.Storage.List(dir, storage.LevelExists)
		if ferr != nil {
			continue
		}
		for _, fe := range files {
			segment, sha1hex, compress, ok := parseArchiveFileName(fe.Name)
			if !ok {
				continue
			}
			bySegment[segment] = append(bySegment[segment], walEntry{
				Segment: segment, Path: dir + "/" + fe.Name, Sha1: sha1hex, Compress: compress,
			})
		}
	}
	var entries []walEntry
	var duplicates []string
	for seg, es := range bySegment {
		entries = append(entries, es[0])
		if len(es) > 1 {
			duplicates = append(duplicates, seg)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Segment < entries[j].Segment })
	sort.Strings(duplicates)
	return entries, duplicates, nil
}

func parseArchiveFileName(name string) (segment, sha1hex string, compress iofilter.CompressType, ok bool) {
	if len(name) < 26 || name[24] != '-' {
		return "", "", 0, false
	}
	segment = name[:24]
	rest := name[25:]
	switch {
	case strings.HasSuffix(rest, ".gz"):
		sha1hex = strings.TrimSuffix(rest, ".gz")
		compress = iofilter.CompressGzip
	case strings.HasSuffix(rest, ".zst"):
		sha1hex = strings.TrimSuffix(rest, ".zst")
		compress = iofilter.CompressZstd
	default:
		sha1hex = rest
	}
	return segment, sha1hex, compress, true
}

// listBackupLabels lists the labels present under backup/, ascending.
func (o *Orchestrator) listBackupLabels() ([]string, error) {
	entries, err := o.Storage.List("backup", storage.LevelExists)
	if err != nil {
		if isKind(err, errkind.KindPathMissing) {
			return nil, nil
		}
		return nil, err
	}
	labels := make([]string, 0, len(entries))
	for _, e := range entries {
		labels = append(labels, e.Name)
	}
	sort.Strings(labels)
	return labels, nil
}

func isKind(err error, k errkind.Kind) bool {
	e, ok := err.(*errkind.Error)
	return ok && e.Kind == k
}

// verifySegments dispatches a verify-file job per WAL segment and
// returns the reason counts plus the list of segments found invalid.
func (o *Orchestrator) verifySegments(ctx context.Context, opt Options, entries []walEntry, cipherPass string) (map[Reason]int, []string, error) {
	if len(entries) == 0 {
		return map[Reason]int{}, nil, nil
	}
	jobs := make([]parallel.Job, 0, len(entries))
	for _, e := range entries {
		param := FileVerifyParam{
			RepoPath:             e.Path,
			ExpectedRepoChecksum: e.Sha1,
			Compress:             e.Compress,
			CipherPass:           cipherPass,
		}
		jobs = append(jobs, parallel.Job{ID: CmdVerifyFile, Param: param, Label: e.Segment})
	}
	return o.runVerifyJobs(ctx, opt, jobs)
}

// verifyManifestFiles dispatches a verify-file job per cataloged file
// (skipping zero-length files) and returns the reason counts.
func (o *Orchestrator) verifyManifestFiles(ctx context.Context, opt Options, label string, m *manifest.Manifest, cipherPass string) (map[Reason]int, error) {
	jobs := make([]parallel.Job, 0, len(m.Files))
	for _, f := range m.Files {
		if f.Size == 0 {
			continue
		}
		repoLabel := label
		if f.Reference != "" {
			repoLabel = f.Reference
		}
		ext := ""
		compress := iofilter.CompressNone
		if m.Data.OptionCompress {
			compress = iofilter.CompressGzip
			ext = compress.Ext()
		}
		param := FileVerifyParam{
			RepoPath:               "backup/" + repoLabel + "/" + f.Name + ext,
			Size:                   f.Size,
			ExpectedRepoChecksum:   f.RepoChecksum,
			ExpectedSourceChecksum: f.Checksum,
			Compress:               compress,
			CipherPass:             cipherPass,
		}
		jobs = append(jobs, parallel.Job{ID: CmdVerifyFile, Param: param, Label: f.Name})
	}
	counts, _, err := o.runVerifyJobs(ctx, opt, jobs)
	return counts, err
}

func (o *Orchestrator) runVerifyJobs(ctx context.Context, opt Options, jobs []parallel.Job) (map[Reason]int, []string, error) {
	counts := map[Reason]int{}
	if len(jobs) == 0 {
		return counts, nil, nil
	}
	workers, err := o.Dial(ctx, opt.ProcessMax)
	if err != nil {
		return nil, nil, err
	}
	var invalid []string
	exec := parallel.New(workers, parallel.QueueSource(jobs), opt.ProtocolTimeout)
	if err := exec.Run(func(jr parallel.JobResult) {
		if jr.Err != nil {
			// A single job's protocol error surfaces as otherError rather
			// than aborting the whole verify run.
			counts[ReasonOtherError]++
			invalid = append(invalid, jr.Job.Label)
			return
		}
		var res FileVerifyResult
		if e := parallel.DecodeResult(jr.Result, &res); e != nil {
			counts[ReasonOtherError]++
			invalid = append(invalid, jr.Job.Label)
			return
		}
		counts[res.Reason]++
		if res.Reason != ReasonOK {
			invalid = append(invalid, jr.Job.Label)
		}
	}); err != nil {
		return nil, nil, err
	}
	return counts, invalid, nil
}
