// Package info implements the repository's line-oriented sectioned
// key/value metadata documents: the format backing archive.info,
// backup.info, and the backup.manifest
// `backrest` section shared by internal/manifest.
package info

import (
	"bufio"
	"bytes"
	"crypto/sha1" //nolint:gosec // repository checksums are SHA-1 by on-disk format, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/storage"
)

// CurrentFormat is the repository format version this package writes
// and the only one it reads; targeting only format 5.
const CurrentFormat = 5

// Version is stamped into every info file's backrest-version key.
var Version = "1.0.0"

// Doc is a sectioned key/value document: section name -> key -> raw
// JSON value. Every PG-history-bearing doc embeds a PgHistory and every
// doc embeds a Backrest header; callers build those into the matching
// sections via Set before Encode.
type Doc struct {
	sections map[string]map[string]json.RawMessage
	order    []string // first-seen section order, preserved on re-encode
}

func New() *Doc {
	return &Doc{sections: make(map[string]map[string]json.RawMessage)}
}

// Set stores value (marshaled to JSON) under section/key.
func (d *Doc) Set(section, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errkind.New(errkind.KindJsonFormatError, "info.Doc.Set", err)
	}
	return d.SetRaw(section, key, raw)
}

func (d *Doc) SetRaw(section, key string, raw json.RawMessage) error {
	if d.sections[section] == nil {
		d.sections[section] = make(map[string]json.RawMessage)
		d.order = append(d.order, section)
	}
	d.sections[section][key] = raw
	return nil
}

// Get unmarshals section/key into out; returns ok=false if absent.
func (d *Doc) Get(section, key string, out interface{}) (ok bool, err error) {
	sec, ok := d.sections[section]
	if !ok {
		return false, nil
	}
	raw, ok := sec[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, errkind.New(errkind.KindJsonFormatError, "info.Doc.Get", err)
	}
	return true, nil
}

// Section returns the raw key/value map for a section, or nil.
func (d *Doc) Section(name string) map[string]json.RawMessage { return d.sections[name] }

// checksumPayload builds the canonical bytes the checksum is computed
// over: sections and keys sorted, excluding backrest-checksum itself.
func (d *Doc) checksumPayload() []byte {
	sectionNames := make([]string, 0, len(d.sections))
	for s := range d.sections {
		sectionNames = append(sectionNames, s)
	}
	sort.Strings(sectionNames)

	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for si, s := range sectionNames {
		if si > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, "%q:{", s)
		keys := make([]string, 0, len(d.sections[s]))
		for k := range d.sections[s] {
			if s == "backrest" && k == "backrest-checksum" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for ki, k := range keys {
			if ki > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(buf, "%q:%s", k, d.sections[s][k])
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// Checksum computes the SHA-1 hex digest over the canonical payload.
func (d *Doc) Checksum() string {
	h := sha1.Sum(d.checksumPayload()) //nolint:gosec
	return hex.EncodeToString(h[:])
}

// Stamp sets the backrest section (format/version) and the trailing
// checksum; call immediately before Encode.
func (d *Doc) Stamp() {
	_ = d.Set("backrest", "backrest-format", CurrentFormat)
	_ = d.Set("backrest", "backrest-version", Version)
	_ = d.SetRaw("backrest", "backrest-checksum", json.RawMessage(fmt.Sprintf("%q", d.Checksum())))
}

// Verify reports whether the stored backrest-checksum matches the
// recomputed one.
func (d *Doc) Verify() error {
	var stored string
	ok, err := d.Get("backrest", "backrest-checksum", &stored)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.New(errkind.KindFormatError, "info.Doc.Verify", fmt.Errorf("missing backrest-checksum"))
	}
	if stored != d.Checksum() {
		return errkind.New(errkind.KindChecksumError, "info.Doc.Verify", fmt.Errorf("checksum mismatch: stored %s computed %s", stored, d.Checksum()))
	}
	return nil
}

// Encode renders the document as "[section]\nkey=jsonvalue\n" blocks in
// first-seen section order with the backrest section always last.
func (d *Doc) Encode() []byte {
	buf := &bytes.Buffer{}
	sections := append([]string(nil), d.order...)
	sort.SliceStable(sections, func(i, j int) bool {
		if sections[i] == "backrest" {
			return false
		}
		if sections[j] == "backrest" {
			return true
		}
		return false
	})
	for _, s := range sections {
		fmt.Fprintf(buf, "[%s]\n", s)
		keys := make([]string, 0, len(d.sections[s]))
		for k := range d.sections[s] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%s=%s\n", k, d.sections[s][k])
		}
	}
	return buf.Bytes()
}

// Decode parses the "[section]\nkey=value\n" format written by Encode.
func Decode(data []byte) (*Doc, error) {
	d := New()
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	section := ""
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, errkind.New(errkind.KindFormatError, "info.Decode", fmt.Errorf("malformed line %q", line))
		}
		if section == "" {
			return nil, errkind.New(errkind.KindFormatError, "info.Decode", fmt.Errorf("key/value before any section: %q", line))
		}
		key := line[:eq]
		val := line[eq+1:]
		if err := d.SetRaw(section, key, json.RawMessage(val)); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errkind.New(errkind.KindFormatError, "info.Decode", err)
	}
	return d, nil
}

// Save writes the document as two copies (path and path+".copy") with a
// freshly stamped checksum, the repository's always-two-step
// info/manifest write rule.
func Save(drv storage.Driver, path string, d *Doc) error {
	d.Stamp()
	data := d.Encode()
	for _, p := range []string{path, path + ".copy"} {
		w, err := drv.NewWrite(p, storage.WriteOptions{CreatePath: true, Atomic: true, ModeFile: 0o640})
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return errkind.New(errkind.KindFileWrite, "info.Save", err)
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads path, falling back to path+".copy" if the main copy is
// missing, malformed, or fails checksum verification.
func Load(drv storage.Driver, path string) (*Doc, error) {
	d, err := loadOne(drv, path)
	if err == nil {
		return d, nil
	}
	d2, err2 := loadOne(drv, path+".copy")
	if err2 == nil {
		return d2, nil
	}
	return nil, errkind.New(errkind.KindFormatError, "info.Load", fmt.Errorf("both %s (%v) and its copy (%v) failed", path, err, err2))
}

func loadOne(drv storage.Driver, path string) (*Doc, error) {
	r, err := drv.NewRead(path, storage.ReadOptions{})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errkind.New(errkind.KindFileMissing, "info.loadOne", fmt.Errorf("missing: %s", path))
	}
	defer r.Close()
	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, errkind.New(errkind.KindFileRead, "info.loadOne", err)
	}
	d, err := Decode(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if err := d.Verify(); err != nil {
		return nil, err
	}
	return d, nil
}
