package info

import (
	"fmt"
	"sort"

	"github.com/pigsty-io/physback/internal/errkind"
)

// PgEntry is one PG history tuple. Id is monotonically increasing
// across stanza-upgrade operations.
type PgEntry struct {
	ID             int    `json:"id"`
	Version        string `json:"version"`
	SystemID       int64  `json:"systemId"`
	CatalogVersion int    `json:"catalogVersion"`
	ControlVersion int    `json:"controlVersion"`
}

// PgHistory is an ordered sequence of PgEntry, current entry last.
type PgHistory []PgEntry

// Current returns the last (most recent) entry, or ok=false if empty.
func (h PgHistory) Current() (PgEntry, bool) {
	if len(h) == 0 {
		return PgEntry{}, false
	}
	return h[len(h)-1], true
}

// Validate enforces the strictly-increasing-id invariant.
func (h PgHistory) Validate() error {
	for i := 1; i < len(h); i++ {
		if h[i].ID <= h[i-1].ID {
			return errkind.New(errkind.KindFormatError, "info.PgHistory.Validate",
				fmt.Errorf("history ids not strictly increasing at index %d: %d <= %d", i, h[i].ID, h[i-1].ID))
		}
	}
	return nil
}

func pgHistoryFromDoc(d *Doc) (PgHistory, error) {
	sec := d.Section("db")
	if sec == nil {
		return nil, errkind.New(errkind.KindFormatError, "info.pgHistoryFromDoc", fmt.Errorf("missing db section"))
	}
	entries := make([]PgEntry, 0, len(sec))
	for k := range sec {
		var e PgEntry
		if ok, err := d.Get("db", k, &e); err == nil && ok {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	h := PgHistory(entries)
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func pgHistoryToDoc(d *Doc, h PgHistory) error {
	for _, e := range h {
		if err := d.Set("db", fmt.Sprintf("history-id-%d", e.ID), e); err != nil {
			return err
		}
	}
	return nil
}

// Archive is the archive.info document: a PgHistory plus an optional
// cipher subpass.
type Archive struct {
	History    PgHistory
	CipherPass string // empty when the repository is unencrypted
}

func (a *Archive) ToDoc() (*Doc, error) {
	d := New()
	if err := pgHistoryToDoc(d, a.History); err != nil {
		return nil, err
	}
	if a.CipherPass != "" {
		if err := d.Set("cipher", "cipher-pass", a.CipherPass); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// MatchesBackupHistory enforces that InfoArchive's history must equal
// the InfoBackup history, id-for-id.
func (a *Archive) MatchesBackupHistory(backupHistory PgHistory) error {
	if len(a.History) != len(backupHistory) {
		return errkind.New(errkind.KindBackupMismatch, "info.Archive.MatchesBackupHistory",
			fmt.Errorf("history length mismatch: archive has %d entries, backup has %d", len(a.History), len(backupHistory)))
	}
	for i := range a.History {
		if a.History[i] != backupHistory[i] {
			return errkind.New(errkind.KindBackupMismatch, "info.Archive.MatchesBackupHistory",
				fmt.Errorf("history entry %d mismatch: archive=%+v backup=%+v", i, a.History[i], backupHistory[i]))
		}
	}
	return nil
}

func ArchiveFromDoc(d *Doc) (*Archive, error) {
	h, err := pgHistoryFromDoc(d)
	if err != nil {
		return nil, err
	}
	a := &Archive{History: h}
	_, _ = d.Get("cipher", "cipher-pass", &a.CipherPass)
	return a, nil
}

// BackupType distinguishes full backups from differential/incremental.
type BackupType string

const (
	BackupFull BackupType = "full"
	BackupDiff BackupType = "diff"
	BackupIncr BackupType = "incr"
)

// BackupRecord is one entry in backup.info's label -> record map.
type BackupRecord struct {
	Label         string     `json:"label"`
	Type          BackupType `json:"type"`
	Prior         string     `json:"prior,omitempty"`
	ArchiveStart  string     `json:"archiveStart,omitempty"`
	ArchiveStop   string     `json:"archiveStop,omitempty"`
	LsnStart      string     `json:"lsnStart,omitempty"`
	LsnStop       string     `json:"lsnStop,omitempty"`
	TimestampStart int64     `json:"timestampStart"`
	TimestampStop  int64     `json:"timestampStop"`
	SizeOriginal   int64     `json:"sizeOriginal"`
	SizeDelta      int64     `json:"sizeDelta"`
	SizeRepo       int64     `json:"sizeRepo"`
	SizeRepoDelta  int64     `json:"sizeRepoDelta"`
	PgID           int       `json:"pgId"`
	OptionArchiveCheck bool  `json:"optionArchiveCheck"`
	OptionCompress     bool  `json:"optionCompress"`
	OptionOnline       bool  `json:"optionOnline"`
	Reference          []string `json:"reference,omitempty"`
}

// ComposesWith enforces the type-composition invariant: diff must
// chain to full, incr to full|diff|incr.
func (r BackupRecord) ComposesWith(prior BackupRecord) error {
	switch r.Type {
	case BackupFull:
		return nil
	case BackupDiff:
		if prior.Type != BackupFull {
			return errkind.New(errkind.KindBackupSetInvalid, "info.BackupRecord.ComposesWith",
				fmt.Errorf("diff backup %s must chain to a full backup, got %s (%s)", r.Label, prior.Type, prior.Label))
		}
	case BackupIncr:
		if prior.Type != BackupFull && prior.Type != BackupDiff && prior.Type != BackupIncr {
			return errkind.New(errkind.KindBackupSetInvalid, "info.BackupRecord.ComposesWith",
				fmt.Errorf("incr backup %s has invalid prior type %s (%s)", r.Label, prior.Type, prior.Label))
		}
	}
	return nil
}

// Backup is the backup.info document.
type Backup struct {
	History PgHistory
	Current map[string]BackupRecord // label -> record
}

func NewBackup() *Backup { return &Backup{Current: make(map[string]BackupRecord)} }

// Validate checks every non-full record's prior exists and composes.
func (b *Backup) Validate() error {
	if err := b.History.Validate(); err != nil {
		return err
	}
	for label, rec := range b.Current {
		if rec.Type == BackupFull {
			continue
		}
		prior, ok := b.Current[rec.Prior]
		if !ok {
			return errkind.New(errkind.KindBackupSetInvalid, "info.Backup.Validate",
				fmt.Errorf("backup %s references missing prior %s", label, rec.Prior))
		}
		if err := rec.ComposesWith(prior); err != nil {
			return err
		}
	}
	return nil
}

// Labels returns backup labels ordered by TimestampStart ascending,
// matching the order InfoBackup.current is meant to preserve.
func (b *Backup) Labels() []string {
	labels := make([]string, 0, len(b.Current))
	for l := range b.Current {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		return b.Current[labels[i]].TimestampStart < b.Current[labels[j]].TimestampStart
	})
	return labels
}

// Latest returns the most recently started backup, or ok=false if none.
func (b *Backup) Latest() (BackupRecord, bool) {
	labels := b.Labels()
	if len(labels) == 0 {
		return BackupRecord{}, false
	}
	return b.Current[labels[len(labels)-1]], true
}

// LatestFullOrDiff returns the newest full or diff backup, the valid
// prior for a new differential backup.
func (b *Backup) LatestFullOrDiff() (BackupRecord, bool) {
	labels := b.Labels()
	for i := len(labels) - 1; i >= 0; i-- {
		r := b.Current[labels[i]]
		if r.Type == BackupFull || r.Type == BackupDiff {
			return r, true
		}
	}
	return BackupRecord{}, false
}

func (b *Backup) ToDoc() (*Doc, error) {
	d := New()
	if err := pgHistoryToDoc(d, b.History); err != nil {
		return nil, err
	}
	for label, rec := range b.Current {
		if err := d.Set("backup:current", label, rec); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func BackupFromDoc(d *Doc) (*Backup, error) {
	h, err := pgHistoryFromDoc(d)
	if err != nil {
		return nil, err
	}
	b := &Backup{History: h, Current: make(map[string]BackupRecord)}
	for label := range d.Section("backup:current") {
		var rec BackupRecord
		if ok, err := d.Get("backup:current", label, &rec); err == nil && ok {
			b.Current[label] = rec
		}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}
