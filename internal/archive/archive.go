// Package archive implements WAL segment push/get: SHA-1 addressed,
// atomically written, optionally compressed and encrypted,
// serialized per stanza by the archive lock.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/iofilter"
	"github.com/pigsty-io/physback/internal/lock"
	"github.com/pigsty-io/physback/internal/storage"
)

// compressExt maps a CompressType to its on-disk filename extension.
var compressExt = map[iofilter.CompressType]string{
	iofilter.CompressNone: "",
	iofilter.CompressGzip: ".gz",
	iofilter.CompressZstd: ".zst",
}

// segmentPrefix is the first 16 hex characters of a 24-hex segment
// name, the two-level directory prefix archive files are stored under.
func segmentPrefix(segment string) (string, error) {
	if len(segment) != 24 {
		return "", errkind.New(errkind.KindFormatError, "archive.segmentPrefix", fmt.Errorf("segment name %q is not 24 hex chars", segment))
	}
	return segment[:16], nil
}

func dirPath(archiveID, segment string) (string, error) {
	prefix, err := segmentPrefix(segment)
	if err != nil {
		return "", err
	}
	return "archive/" + archiveID + "/" + prefix, nil
}

// Pusher writes WAL segments into the repository, serialized per
// stanza by an archive lock the caller holds for the duration.
type Pusher struct {
	Storage     storage.Driver
	ArchiveID   string
	Compress    iofilter.CompressType
	CompressLvl int
	CipherPass  string // empty disables encryption
}

// Push stores segment (named name) read from r. Returns nil if an
// identical file (same sha1) already exists; fails with FileExists on a
// same-name/different-content conflict.
func (p *Pusher) Push(name string, r io.Reader) error {
	content, err := io.ReadAll(r)
	if err != nil {
		return errkind.New(errkind.KindFileRead, "archive.Pusher.Push", err)
	}

	hashFilter := iofilter.NewSHA1Hash("source")
	if _, err := hashFilter.Push(content); err != nil {
		return err
	}
	digest, _ := hashFilter.Result()
	sha1hex := iofilter.HexDigest(digest.([]byte))

	dir, err := dirPath(p.ArchiveID, name)
	if err != nil {
		return err
	}

	existing, err := p.Storage.List(dir, storage.LevelExists)
	if err != nil {
		var e *errkind.Error
		if !(asErrkind(err, &e) && e.Kind == errkind.KindPathMissing) {
			return err
		}
	}
	for _, entry := range existing {
		if !strings.HasPrefix(entry.Name, name+"-") {
			continue
		}
		if entry.Name == p.fileName(name, sha1hex) {
			return nil // identical content already archived
		}
		return errkind.New(errkind.KindFileExists, "archive.Pusher.Push",
			fmt.Errorf("segment %s already archived with a different checksum (%s)", name, entry.Name))
	}

	encoded, err := p.encode(content)
	if err != nil {
		return err
	}

	full := dir + "/" + p.fileName(name, sha1hex)
	w, err := p.Storage.NewWrite(full, storage.WriteOptions{CreatePath: true, Atomic: true, ModeFile: 0o640})
	if err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		w.Close()
		return errkind.New(errkind.KindFileWrite, "archive.Pusher.Push", err)
	}
	return w.Close()
}

func (p *Pusher) fileName(name, sha1hex string) string {
	ext := compressExt[p.Compress]
	return name + "-" + sha1hex + ext
}

func (p *Pusher) encode(content []byte) ([]byte, error) {
	g := iofilter.NewGroup()
	if p.Compress != iofilter.CompressNone {
		cf, err := iofilter.NewCompress(p.Compress, p.CompressLvl)
		if err != nil {
			return nil, err
		}
		g.Add(cf)
	}
	if p.CipherPass != "" {
		g.Add(iofilter.NewCipher(iofilter.CipherEncrypt, p.CipherPass, true))
	}
	out := &bytes.Buffer{}
	w := iofilter.NewWriter(out, g)
	if _, err := w.Write(content); err != nil {
		return nil, errkind.New(errkind.KindFileWrite, "archive.Pusher.encode", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Getter reads WAL segments back out of the repository.
type Getter struct {
	Storage    storage.Driver
	ArchiveIDs []string // current id first, then prior history entries as PG-upgrade fallback
	CipherPass string
}

// Get finds the unique file matching segment name across ArchiveIDs (in
// order) and writes its decoded content to w.
func (g *Getter) Get(name string, w io.Writer) error {
	for _, id := range g.ArchiveIDs {
		dir, err := dirPath(id, name)
		if err != nil {
			return err
		}
		entries, err := g.Storage.List(dir, storage.LevelExists)
		if err != nil {
			continue
		}
		var match string
		count := 0
		for _, e := range entries {
			if strings.HasPrefix(e.Name, name+"-") {
				match = e.Name
				count++
			}
		}
		if count == 0 {
			continue
		}
		if count > 1 {
			return errkind.New(errkind.KindFormatError, "archive.Getter.Get", fmt.Errorf("duplicate archive entries for segment %s in %s", name, dir))
		}
		r, err := g.Storage.NewRead(dir+"/"+match, storage.ReadOptions{})
		if err != nil {
			return err
		}
		defer r.Close()
		content, err := io.ReadAll(r)
		if err != nil {
			return errkind.New(errkind.KindFileRead, "archive.Getter.Get", err)
		}
		decoded, err := g.decode(content, match)
		if err != nil {
			return err
		}
		_, err = w.Write(decoded)
		return err
	}
	return errkind.New(errkind.KindFileMissing, "archive.Getter.Get", fmt.Errorf("segment %s not found in any archive id", name))
}

func (g *Getter) decode(content []byte, fileName string) ([]byte, error) {
	grp := iofilter.NewGroup()
	if g.CipherPass != "" {
		grp.Add(iofilter.NewCipher(iofilter.CipherDecrypt, g.CipherPass, true))
	}
	switch {
	case strings.HasSuffix(fileName, ".gz"):
		df, err := iofilter.NewDecompress(iofilter.CompressGzip)
		if err != nil {
			return nil, err
		}
		grp.Add(df)
	case strings.HasSuffix(fileName, ".zst"):
		df, err := iofilter.NewDecompress(iofilter.CompressZstd)
		if err != nil {
			return nil, err
		}
		grp.Add(df)
	}
	out := &bytes.Buffer{}
	w := iofilter.NewWriter(out, grp)
	if _, err := w.Write(content); err != nil {
		return nil, errkind.New(errkind.KindFileRead, "archive.Getter.decode", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func asErrkind(err error, target **errkind.Error) bool {
	e, ok := err.(*errkind.Error)
	if ok {
		*target = e
	}
	return ok
}

// ArchiveID builds the "<pgVersion>-<pgId>" identifier from a PG
// history entry.
func ArchiveID(pgVersion string, pgID int) string {
	return pgVersion + "-" + strconv.Itoa(pgID)
}

// LockHolder wraps an acquired archive lock; callers defer Release.
type LockHolder = lock.Handle
