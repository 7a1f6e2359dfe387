// Package manifest implements the per-backup file inventory: targets,
// paths, files, links, and databases, stored with the same two-copy
// checksummed format internal/info uses for repository metadata.
package manifest

import (
	"fmt"
	"sort"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/info"
	"github.com/pigsty-io/physback/internal/storage"
)

// Data is the manifest's header record.
type Data struct {
	BackupLabel   string `json:"backupLabel"`
	BackupPrior   string `json:"backupPrior,omitempty"`
	BackupType    string `json:"backupType"`
	TimestampStart int64 `json:"timestampStart"`
	TimestampStop  int64 `json:"timestampStop"`
	ArchiveStart   string `json:"archiveStart,omitempty"`
	ArchiveStop    string `json:"archiveStop,omitempty"`
	LsnStart       string `json:"lsnStart,omitempty"`
	LsnStop        string `json:"lsnStop,omitempty"`
	PgID           int    `json:"pgId"`
	PgVersion      string `json:"pgVersion"`
	PgSystemID     int64  `json:"pgSystemId"`
	OptionArchiveCheck bool `json:"optionArchiveCheck"`
	OptionCompress     bool `json:"optionCompress"`
	OptionOnline       bool `json:"optionOnline"`
	OptionChecksumPage bool `json:"optionChecksumPage"`
}

// Target is a root path the backup covers: the base data directory, an
// external tablespace, or a symlinked directory target.
type Target struct {
	Name string `json:"name"`
	Type string `json:"type"` // "path" | "link"
	Path string `json:"path"`
	File string `json:"file,omitempty"` // set when Type==link targets a file, not a directory
}

// Path is one directory entry.
type Path struct {
	Name  string `json:"name"`
	Mode  uint32 `json:"mode"`
	User  string `json:"user"`
	Group string `json:"group"`
}

// File is one file entry.
type File struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"` // SHA-1 hex of source content
	Mode       uint32 `json:"mode"`
	User       string `json:"user"`
	Group      string `json:"group"`
	Timestamp  int64  `json:"timestamp"`
	Reference  string `json:"reference,omitempty"` // prior backup label this file's content is identical to

	BundleID     string `json:"bundleId,omitempty"`
	BundleOffset int64  `json:"bundleOffset,omitempty"`
	RepoSize     int64  `json:"repoSize,omitempty"`
	RepoChecksum string `json:"repoChecksum,omitempty"`

	BlockIncrMapSize int64 `json:"blockIncrMapSize,omitempty"`

	ChecksumPageError bool    `json:"checksumPageError,omitempty"`
	ChecksumPageErrorList []uint32 `json:"checksumPageErrorList,omitempty"`
}

// Link is a symlink entry.
type Link struct {
	Name        string `json:"name"`
	Destination string `json:"destination"`
	User        string `json:"user"`
	Group       string `json:"group"`
}

// Database is one cataloged PG database.
type Database struct {
	Name         string `json:"name"`
	OID          uint32 `json:"oid"`
	LastSystemOID uint32 `json:"lastSystemOid"`
}

// Manifest is the full per-backup inventory.
type Manifest struct {
	Data      Data
	Targets   []Target
	Paths     []Path
	Files     []File
	Links     []Link
	Databases []Database
}

func New() *Manifest { return &Manifest{} }

// Validate enforces the manifest's structural invariants.
func (m *Manifest) Validate() error {
	targetNames := map[string]bool{}
	for _, t := range m.Targets {
		if targetNames[t.Name] {
			return dup("target", t.Name)
		}
		targetNames[t.Name] = true
	}
	pathNames := map[string]bool{}
	for _, p := range m.Paths {
		if pathNames[p.Name] {
			return dup("path", p.Name)
		}
		pathNames[p.Name] = true
	}
	if len(m.Paths) == 0 {
		return errkind.New(errkind.KindFormatError, "manifest.Validate", fmt.Errorf("manifest has no paths; at least the pg data base path must exist"))
	}
	fileNames := map[string]bool{}
	for _, f := range m.Files {
		if fileNames[f.Name] {
			return dup("file", f.Name)
		}
		fileNames[f.Name] = true
		if !containingPathExists(pathNames, f.Name) {
			return errkind.New(errkind.KindFormatError, "manifest.Validate", fmt.Errorf("file %s has no containing path in the path list", f.Name))
		}
	}
	if len(m.Files) == 0 {
		return errkind.New(errkind.KindFormatError, "manifest.Validate", fmt.Errorf("manifest has no files"))
	}
	linkNames := map[string]bool{}
	for _, l := range m.Links {
		if linkNames[l.Name] {
			return dup("link", l.Name)
		}
		linkNames[l.Name] = true
	}
	dbNames := map[string]bool{}
	for _, db := range m.Databases {
		if dbNames[db.Name] {
			return dup("database", db.Name)
		}
		dbNames[db.Name] = true
	}
	return nil
}

// ValidateReferences checks every file's Reference names a backup
// label present in priorLabels (the repository's full InfoBackup
// label set, since a reference may skip several generations back).
func (m *Manifest) ValidateReferences(priorLabels map[string]bool) error {
	for _, f := range m.Files {
		if f.Reference != "" && !priorLabels[f.Reference] {
			return errkind.New(errkind.KindFormatError, "manifest.ValidateReferences",
				fmt.Errorf("file %s references nonexistent backup %s", f.Name, f.Reference))
		}
	}
	return nil
}

func dup(kind, name string) error {
	return errkind.New(errkind.KindFormatError, "manifest.Validate", fmt.Errorf("duplicate %s name: %s", kind, name))
}

func containingPathExists(pathNames map[string]bool, fileName string) bool {
	for p := range pathNames {
		if p == "" {
			continue
		}
		if len(fileName) > len(p) && fileName[:len(p)] == p && fileName[len(p)] == '/' {
			return true
		}
		if fileName == p {
			return true
		}
	}
	// A single base path ("") covers everything relative to the target root.
	return pathNames[""]
}

// FindFile returns the file entry named name, if present.
func (m *Manifest) FindFile(name string) (File, bool) {
	for _, f := range m.Files {
		if f.Name == name {
			return f, true
		}
	}
	return File{}, false
}

// SizeDescendingFiles returns a copy of Files sorted largest-first, the
// queue order the backup/restore orchestrators dispatch jobs in.
func (m *Manifest) SizeDescendingFiles() []File {
	out := append([]File(nil), m.Files...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	return out
}

// ToDoc serializes into the info.Doc sectioned format.
func (m *Manifest) ToDoc() (*info.Doc, error) {
	d := info.New()
	if err := d.Set("backup", "data", m.Data); err != nil {
		return nil, err
	}
	for _, t := range m.Targets {
		if err := d.Set("backup:target", t.Name, t); err != nil {
			return nil, err
		}
	}
	for _, p := range m.Paths {
		if err := d.Set("target:path", p.Name, p); err != nil {
			return nil, err
		}
	}
	for _, f := range m.Files {
		if err := d.Set("target:file", f.Name, f); err != nil {
			return nil, err
		}
	}
	for _, l := range m.Links {
		if err := d.Set("target:link", l.Name, l); err != nil {
			return nil, err
		}
	}
	for _, db := range m.Databases {
		if err := d.Set("backup:db", db.Name, db); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// FromDoc parses a manifest from its info.Doc sectioned form.
func FromDoc(d *info.Doc) (*Manifest, error) {
	m := New()
	if ok, err := d.Get("backup", "data", &m.Data); err != nil {
		return nil, err
	} else if !ok {
		return nil, errkind.New(errkind.KindFormatError, "manifest.FromDoc", fmt.Errorf("missing backup.data section"))
	}
	for name := range d.Section("backup:target") {
		var t Target
		if ok, err := d.Get("backup:target", name, &t); err == nil && ok {
			m.Targets = append(m.Targets, t)
		}
	}
	for name := range d.Section("target:path") {
		var p Path
		if ok, err := d.Get("target:path", name, &p); err == nil && ok {
			m.Paths = append(m.Paths, p)
		}
	}
	for name := range d.Section("target:file") {
		var f File
		if ok, err := d.Get("target:file", name, &f); err == nil && ok {
			m.Files = append(m.Files, f)
		}
	}
	for name := range d.Section("target:link") {
		var l Link
		if ok, err := d.Get("target:link", name, &l); err == nil && ok {
			m.Links = append(m.Links, l)
		}
	}
	for name := range d.Section("backup:db") {
		var db Database
		if ok, err := d.Get("backup:db", name, &db); err == nil && ok {
			m.Databases = append(m.Databases, db)
		}
	}
	sort.Slice(m.Targets, func(i, j int) bool { return m.Targets[i].Name < m.Targets[j].Name })
	sort.Slice(m.Paths, func(i, j int) bool { return m.Paths[i].Name < m.Paths[j].Name })
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Name < m.Files[j].Name })
	sort.Slice(m.Links, func(i, j int) bool { return m.Links[i].Name < m.Links[j].Name })
	sort.Slice(m.Databases, func(i, j int) bool { return m.Databases[i].Name < m.Databases[j].Name })
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// manifestPath builds backup/<label>/backup.manifest.
func manifestPath(label string) string {
	return "backup/" + label + "/backup.manifest"
}

// Save writes the two-copy checksummed manifest under backup/<label>/.
func Save(drv storage.Driver, m *Manifest) error {
	d, err := m.ToDoc()
	if err != nil {
		return err
	}
	return info.Save(drv, manifestPath(m.Data.BackupLabel), d)
}

// Load reads and validates a manifest, enforcing that its backupLabel
// matches the requested label; a mismatch fails with FormatError.
func Load(drv storage.Driver, label string) (*Manifest, error) {
	d, err := info.Load(drv, manifestPath(label))
	if err != nil {
		return nil, err
	}
	m, err := FromDoc(d)
	if err != nil {
		return nil, err
	}
	if m.Data.BackupLabel != label {
		return nil, errkind.New(errkind.KindFormatError, "manifest.Load",
			fmt.Errorf("manifest backupLabel %q does not match path label %q", m.Data.BackupLabel, label))
	}
	return m, nil
}
