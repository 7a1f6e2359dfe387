// Package sftp implements storage.Driver over an SFTP server, for
// stanzas configured with repo-type=sftp.
package sftp

import (
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/sftp"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/storage"
)

// Driver roots every path under Base on the remote SFTP server reachable
// through Client.
type Driver struct {
	Client *sftp.Client
	Base   string
}

// New builds an sftp driver. Client is expected to already be connected
// (internal/config owns dialing and host-key verification policy).
func New(client *sftp.Client, base string) *Driver {
	return &Driver{Client: client, Base: base}
}

func (d *Driver) Name() string { return "sftp" }

func (d *Driver) resolve(p string) string { return path.Join(d.Base, p) }

func (d *Driver) Info(p string, level storage.InfoLevel, followLink bool) (storage.Info, error) {
	full := d.resolve(p)
	var fi os.FileInfo
	var err error
	if followLink {
		fi, err = d.Client.Stat(full)
	} else {
		fi, err = d.Client.Lstat(full)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return storage.Info{Exists: false}, nil
		}
		return storage.Info{}, errkind.New(errkind.KindFileOpen, "sftp.Info", err)
	}
	info := storage.Info{Exists: true}
	if level == storage.LevelExists {
		return info, nil
	}
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		info.Type = storage.TypeLink
	case fi.IsDir():
		info.Type = storage.TypePath
	case fi.Mode().IsRegular():
		info.Type = storage.TypeFile
	default:
		info.Type = storage.TypeSpecial
	}
	if level == storage.LevelType {
		return info, nil
	}
	info.Size = fi.Size()
	info.ModTime = fi.ModTime()
	info.Mode = uint32(fi.Mode().Perm())
	if level == storage.LevelDetail && info.Type == storage.TypeLink {
		if dest, err := d.Client.ReadLink(full); err == nil {
			info.LinkDestination = dest
		}
	}
	return info, nil
}

func (d *Driver) List(p string, level storage.InfoLevel) ([]storage.ListEntry, error) {
	full := d.resolve(p)
	entries, err := d.Client.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.New(errkind.KindPathMissing, "sftp.List", err)
		}
		return nil, errkind.New(errkind.KindFileOpen, "sftp.List", err)
	}
	out := make([]storage.ListEntry, 0, len(entries))
	for _, e := range entries {
		info, err := d.Info(path.Join(p, e.Name()), level, false)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.ListEntry{Name: e.Name(), Info: info})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *Driver) NewRead(p string, opts storage.ReadOptions) (storage.ReadCloser, error) {
	full := d.resolve(p)
	f, err := d.Client.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			if opts.IgnoreMissing {
				return nil, nil
			}
			return nil, errkind.New(errkind.KindFileMissing, "sftp.NewRead", err)
		}
		return nil, errkind.New(errkind.KindFileOpen, "sftp.NewRead", err)
	}
	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, 0); err != nil {
			f.Close()
			return nil, errkind.New(errkind.KindFileRead, "sftp.NewRead", err)
		}
	}
	if opts.Limit > 0 {
		return &limitedReadCloser{f: f, remain: opts.Limit}, nil
	}
	return f, nil
}

type limitedReadCloser struct {
	f      *sftp.File
	remain int64
}

func (l *limitedReadCloser) Read(p []byte) (int, error) {
	if l.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remain {
		p = p[:l.remain]
	}
	n, err := l.f.Read(p)
	l.remain -= int64(n)
	return n, err
}

func (l *limitedReadCloser) Close() error { return l.f.Close() }

// atomicWriter writes to a ".tmp" remote path and renames into place on
// Close, mirroring posix's atomic contract over SFTP's POSIX-rename
// extension.
type atomicWriter struct {
	d        *Driver
	f        *sftp.File
	tmpPath  string
	destPath string
	opts     storage.WriteOptions
}

func (w *atomicWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *atomicWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return errkind.New(errkind.KindFileWrite, "sftp.atomicWriter.Close", err)
	}
	if w.opts.ModeFile != 0 {
		_ = w.d.Client.Chmod(w.tmpPath, fs.FileMode(w.opts.ModeFile))
	}
	if !w.opts.TimeModified.IsZero() {
		_ = w.d.Client.Chtimes(w.tmpPath, w.opts.TimeModified, w.opts.TimeModified)
	}
	if err := w.d.Client.PosixRename(w.tmpPath, w.destPath); err != nil {
		return errkind.New(errkind.KindFileWrite, "sftp.atomicWriter.Close", err)
	}
	return nil
}

func (d *Driver) NewWrite(p string, opts storage.WriteOptions) (storage.WriteCloser, error) {
	full := d.resolve(p)
	if opts.CreatePath {
		if err := d.Client.MkdirAll(path.Dir(full)); err != nil {
			return nil, errkind.New(errkind.KindFileWrite, "sftp.NewWrite", err)
		}
	}
	target := full
	if opts.Atomic {
		target = full + ".tmp"
	}
	f, err := d.Client.Create(target)
	if err != nil {
		return nil, errkind.New(errkind.KindFileOpen, "sftp.NewWrite", err)
	}
	if opts.Atomic {
		return &atomicWriter{d: d, f: f, tmpPath: target, destPath: full, opts: opts}, nil
	}
	return &plainWriter{d: d, f: f, opts: opts}, nil
}

type plainWriter struct {
	d    *Driver
	f    *sftp.File
	opts storage.WriteOptions
}

func (w *plainWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *plainWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return errkind.New(errkind.KindFileWrite, "sftp.plainWriter.Close", err)
	}
	if w.opts.ModeFile != 0 {
		_ = w.d.Client.Chmod(w.f.Name(), fs.FileMode(w.opts.ModeFile))
	}
	return nil
}

func (d *Driver) Remove(p string, opts storage.RemoveOptions) error {
	full := d.resolve(p)
	err := d.Client.Remove(full)
	if err != nil {
		if os.IsNotExist(err) {
			if opts.ErrorOnMissing {
				return errkind.New(errkind.KindFileMissing, "sftp.Remove", err)
			}
			return nil
		}
		return errkind.New(errkind.KindFileRemove, "sftp.Remove", err)
	}
	return nil
}

func (d *Driver) PathCreate(p string, opts storage.PathCreateOptions) error {
	full := d.resolve(p)
	if opts.NoParentCreate {
		if err := d.Client.Mkdir(full); err != nil && !strings.Contains(err.Error(), "exist") {
			return errkind.New(errkind.KindFileWrite, "sftp.PathCreate", err)
		}
		return nil
	}
	if err := d.Client.MkdirAll(full); err != nil {
		return errkind.New(errkind.KindFileWrite, "sftp.PathCreate", err)
	}
	return nil
}

func (d *Driver) PathRemove(p string, opts storage.PathRemoveOptions) error {
	full := d.resolve(p)
	if opts.Recurse {
		if err := d.Client.RemoveAll(full); err != nil {
			if os.IsNotExist(err) {
				if opts.ErrorOnMissing {
					return errkind.New(errkind.KindPathMissing, "sftp.PathRemove", err)
				}
				return nil
			}
			return errkind.New(errkind.KindFileRemove, "sftp.PathRemove", err)
		}
		return nil
	}
	if err := d.Client.Remove(full); err != nil {
		if os.IsNotExist(err) {
			if opts.ErrorOnMissing {
				return errkind.New(errkind.KindPathMissing, "sftp.PathRemove", err)
			}
			return nil
		}
		return errkind.New(errkind.KindFileRemove, "sftp.PathRemove", err)
	}
	return nil
}

// PathSync is a no-op: the SFTP protocol has no directory-fsync primitive.
func (d *Driver) PathSync(p string) error { return nil }

var _ storage.Driver = (*Driver)(nil)
