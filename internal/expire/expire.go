// Package expire implements retention-based pruning of expired backups
// and the WAL segments no surviving backup still needs.
package expire

import (
	"fmt"
	"sort"

	"github.com/pigsty-io/physback/internal/archive"
	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/lock"
	"github.com/pigsty-io/physback/internal/storage"
	"github.com/pigsty-io/physback/internal/walseg"
)

// Options configures a single expire run.
type Options struct {
	Stanza string

	// RetentionFull is the number of newest full backups (and
	// whatever diff/incr chains to them) to keep.
	RetentionFull int

	// RetentionDiff, if nonzero, additionally caps how many diff
	// backups chained to the newest kept full are retained; older
	// diffs (and any incr chained to them) expire even though their
	// full backup survives.
	RetentionDiff int
}

// Report summarizes what a run expired.
type Report struct {
	ExpiredBackups []string
	KeptBackups    []string
	RemovedWalDirs []string
}

// Orchestrator expires backups/WAL against a repository.
type Orchestrator struct {
	Storage storage.Driver
	Locks   *lock.Manager
}

// Run applies the retention policy: keep the
// newest RetentionFull full backups and everything that chains to
// them, expire the rest, drop a candidate's backup/<label>/ and
// InfoBackup record only if no surviving backup still references it,
// then prune WAL segments older than the minimum bound any surviving
// backup needs.
func (o *Orchestrator) Run(opt Options) (*Report, error) {
	if opt.RetentionFull <= 0 {
		return nil, errkind.New(errkind.KindConfig, "expire.Run", fmt.Errorf("retention-full must be positive"))
	}

	archH, err := o.Locks.Acquire(opt.Stanza, lock.TypeArchive)
	if err != nil {
		return nil, err
	}
	defer archH.Release()
	backupH, err := o.Locks.Acquire(opt.Stanza, lock.TypeBackup)
	if err != nil {
		return nil, err
	}
	defer backupH.Release()

	backupDoc, err := info.Load(o.Storage, "backup.info")
	if err != nil {
		return nil, err
	}
	bk, err := info.BackupFromDoc(backupDoc)
	if err != nil {
		return nil, err
	}

	keep, expired := partition(bk, opt)
	referenced := referencedLabels(bk, keep)

	report := &Report{}
	for _, label := range expired {
		if referenced[label] {
			keep[label] = true
			continue
		}
		if err := o.removeBackup(label); err != nil {
			return nil, err
		}
		delete(bk.Current, label)
		report.ExpiredBackups = append(report.ExpiredBackups, label)
	}
	for label := range keep {
		report.KeptBackups = append(report.KeptBackups, label)
	}
	sort.Strings(report.ExpiredBackups)
	sort.Strings(report.KeptBackups)

	newDoc, err := bk.ToDoc()
	if err != nil {
		return nil, err
	}
	if err := info.Save(o.Storage, "backup.info", newDoc); err != nil {
		return nil, err
	}

	removedDirs, err := o.pruneArchive(bk)
	if err != nil {
		return nil, err
	}
	report.RemovedWalDirs = removedDirs
	return report, nil
}

// partition splits backup.info's current labels into keep/expire sets
// following the retention-full (and optional retention-diff) counts.
// A diff or incr backup is kept whenever the full (or diff) backup it
// chains to is kept; this must be resolved oldest-to-newest since a
// backup's Prior always points at an earlier label.
func partition(bk *info.Backup, opt Options) (keep map[string]bool, expired []string) {
	labels := bk.Labels()
	keep = make(map[string]bool)

	fullsSeen := 0
	diffsKeptForNewestFull := 0
	newestFullKept := ""
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		rec := bk.Current[label]
		if rec.Type == info.BackupFull {
			fullsSeen++
			if fullsSeen <= opt.RetentionFull {
				keep[label] = true
				if newestFullKept == "" {
					newestFullKept = label
				}
			}
		}
	}
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		rec := bk.Current[label]
		if rec.Type == info.BackupFull {
			continue
		}
		prior, ok := bk.Current[rec.Prior]
		if !ok || !keep[rec.Prior] {
			continue
		}
		if rec.Type == info.BackupDiff && opt.RetentionDiff > 0 && prior.Label == newestFullKept {
			if diffsKeptForNewestFull >= opt.RetentionDiff {
				continue
			}
			diffsKeptForNewestFull++
		}
		keep[label] = true
	}
	// incr backups chain to the nearest full/diff/incr; propagate keep
	// status forward (oldest to newest) so an incr chained to a kept
	// incr is kept too.
	changed := true
	for changed {
		changed = false
		for _, label := range labels {
			if keep[label] {
				continue
			}
			rec := bk.Current[label]
			if rec.Type == info.BackupIncr && keep[rec.Prior] {
				keep[label] = true
				changed = true
			}
		}
	}

	for _, label := range labels {
		if !keep[label] {
			expired = append(expired, label)
		}
	}
	return keep, expired
}

// referencedLabels returns every label any kept backup's manifest
// Reference list names: a referenced backup is never removed even if
// outside the retention window. It is read from
// BackupRecord.Reference, which the backup orchestrator populates from
// the union of every manifest.File.Reference in that backup.
func referencedLabels(bk *info.Backup, keep map[string]bool) map[string]bool {
	referenced := make(map[string]bool)
	for label := range keep {
		rec, ok := bk.Current[label]
		if !ok {
			continue
		}
		for _, r := range rec.Reference {
			referenced[r] = true
		}
	}
	return referenced
}

func (o *Orchestrator) removeBackup(label string) error {
	return o.Storage.PathRemove("backup/"+label, storage.PathRemoveOptions{Recurse: true})
}

// pruneArchive removes WAL segment files strictly older than the
// minimum segment any surviving backup still needs, per PG history
// entry, then removes any prefix directory left empty by that pruning.
func (o *Orchestrator) pruneArchive(bk *info.Backup) ([]string, error) {
	minByArchiveID := make(map[string]walseg.Name)
	haveMin := make(map[string]bool)

	for _, rec := range bk.Current {
		if rec.ArchiveStart == "" {
			continue
		}
		pgEntry, ok := pgEntryForID(bk.History, rec.PgID)
		if !ok {
			continue
		}
		archiveID := archive.ArchiveID(pgEntry.Version, pgEntry.ID)
		n, err := walseg.Parse(rec.ArchiveStart)
		if err != nil {
			return nil, errkind.New(errkind.KindFormatError, "expire.pruneArchive", err)
		}
		if !haveMin[archiveID] || walseg.Compare(n, minByArchiveID[archiveID]) < 0 {
			minByArchiveID[archiveID] = n
			haveMin[archiveID] = true
		}
	}

	var removed []string
	for _, h := range bk.History {
		archiveID := archive.ArchiveID(h.Version, h.ID)
		min, ok := haveMin[archiveID]

		prefixes, err := o.Storage.List("archive/"+archiveID, storage.LevelExists)
		if err != nil {
			if errkind.As(err) == errkind.KindPathMissing {
				continue
			}
			return nil, err
		}
		for _, prefixEntry := range prefixes {
			dir := "archive/" + archiveID + "/" + prefixEntry.Name
			files, err := o.Storage.List(dir, storage.LevelExists)
			if err != nil {
				return nil, err
			}
			remaining := 0
			for _, f := range files {
				segment, parseOK := segmentFromFileName(f.Name)
				if !parseOK {
					remaining++
					continue
				}
				n, err := walseg.Parse(segment)
				if err != nil {
					remaining++
					continue
				}
				// ok==false means no surviving backup references this
				// PG history entry's WAL at all, so every file in it
				// is stale regardless of position.
				if ok && walseg.Compare(n, min) >= 0 {
					remaining++
					continue
				}
				if err := o.Storage.Remove(dir+"/"+f.Name, storage.RemoveOptions{}); err != nil {
					return nil, err
				}
				removed = append(removed, dir+"/"+f.Name)
			}
			if remaining == 0 {
				if err := o.Storage.PathRemove(dir, storage.PathRemoveOptions{Recurse: true}); err != nil {
					return nil, err
				}
			}
		}
	}
	sort.Strings(removed)
	return removed, nil
}

// segmentFromFileName extracts the 24-hex segment name from an archive
// filename of the form "<segment>-<sha1hex>[.ext]" (the format
// internal/archive writes).
func segmentFromFileName(name string) (string, bool) {
	if len(name) < 26 || name[24] != '-' {
		return "", false
	}
	return name[:24], true
}

func pgEntryForID(h info.PgHistory, id int) (info.PgEntry, bool) {
	for _, e := range h {
		if e.ID == id {
			return e, true
		}
	}
	return info.PgEntry{}, false
}
