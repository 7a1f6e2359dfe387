// Package posix implements storage.Driver over the local filesystem.
package posix

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/storage"
)

// Driver roots every path under Base, treating the repository as a
// rooted subtree rather than absolute host paths.
type Driver struct {
	Base string
}

// New builds a posix driver rooted at base. base need not yet exist.
func New(base string) *Driver {
	return &Driver{Base: base}
}

func (d *Driver) Name() string { return "posix" }

func (d *Driver) resolve(path string) string {
	return filepath.Join(d.Base, path)
}

func (d *Driver) Info(path string, level storage.InfoLevel, followLink bool) (storage.Info, error) {
	full := d.resolve(path)
	var fi os.FileInfo
	var err error
	if followLink {
		fi, err = os.Stat(full)
	} else {
		fi, err = os.Lstat(full)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return storage.Info{Exists: false}, nil
		}
		return storage.Info{}, errkind.New(errkind.KindFileOpen, "posix.Info", err)
	}
	info := storage.Info{Exists: true}
	if level == storage.LevelExists {
		return info, nil
	}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
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
	if level == storage.LevelBasic {
		return info, nil
	}

	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		info.UserID = int(stat.Uid)
		info.GroupID = int(stat.Gid)
		if u, err := user.LookupId(strconv.Itoa(info.UserID)); err == nil {
			info.User = u.Username
		}
		if g, err := user.LookupGroupId(strconv.Itoa(info.GroupID)); err == nil {
			info.Group = g.Name
		}
	}
	if info.Type == storage.TypeLink {
		if dest, err := os.Readlink(full); err == nil {
			info.LinkDestination = dest
		}
	}
	return info, nil
}

func (d *Driver) List(path string, level storage.InfoLevel) ([]storage.ListEntry, error) {
	full := d.resolve(path)
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.New(errkind.KindPathMissing, "posix.List", err)
		}
		return nil, errkind.New(errkind.KindFileOpen, "posix.List", err)
	}
	out := make([]storage.ListEntry, 0, len(entries))
	for _, e := range entries {
		info, err := d.Info(filepath.Join(path, e.Name()), level, false)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.ListEntry{Name: e.Name(), Info: info})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type rangeReader struct {
	f      *os.File
	remain int64 // -1 means unbounded
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.remain == 0 {
		return 0, io.EOF
	}
	if r.remain > 0 && int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.f.Read(p)
	if r.remain > 0 {
		r.remain -= int64(n)
	}
	return n, err
}

func (r *rangeReader) Close() error { return r.f.Close() }

func (d *Driver) NewRead(path string, opts storage.ReadOptions) (storage.ReadCloser, error) {
	full := d.resolve(path)
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			if opts.IgnoreMissing {
				return nil, nil
			}
			return nil, errkind.New(errkind.KindFileMissing, "posix.NewRead", err)
		}
		return nil, errkind.New(errkind.KindFileOpen, "posix.NewRead", err)
	}
	if opts.Offset > 0 {
		if _, err := f.Seek(opts.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, errkind.New(errkind.KindFileRead, "posix.NewRead", err)
		}
	}
	remain := int64(-1)
	if opts.Limit > 0 {
		remain = opts.Limit
	}
	return &rangeReader{f: f, remain: remain}, nil
}

type atomicWriter struct {
	f        *os.File
	tmpPath  string
	destPath string
	opts     storage.WriteOptions
	closed   bool
}

func (w *atomicWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *atomicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.opts.SyncFile {
		if err := w.f.Sync(); err != nil {
			w.f.Close()
			return errkind.New(errkind.KindFileWrite, "posix.atomicWriter.Close", err)
		}
	}
	if err := w.f.Close(); err != nil {
		return errkind.New(errkind.KindFileWrite, "posix.atomicWriter.Close", err)
	}
	if w.opts.ModeFile != 0 {
		_ = os.Chmod(w.tmpPath, os.FileMode(w.opts.ModeFile))
	}
	if !w.opts.TimeModified.IsZero() {
		_ = os.Chtimes(w.tmpPath, w.opts.TimeModified, w.opts.TimeModified)
	}
	if err := os.Rename(w.tmpPath, w.destPath); err != nil {
		return errkind.New(errkind.KindFileWrite, "posix.atomicWriter.Close", fmt.Errorf("atomic rename failed: %w", err))
	}
	return nil
}

func (d *Driver) NewWrite(path string, opts storage.WriteOptions) (storage.WriteCloser, error) {
	full := d.resolve(path)
	if opts.CreatePath {
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return nil, errkind.New(errkind.KindFileWrite, "posix.NewWrite", err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if opts.Truncate && !opts.Atomic {
		flags |= os.O_TRUNC
	}
	target := full
	if opts.Atomic {
		target = full + ".tmp"
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(target, flags, 0o640)
	if err != nil {
		return nil, errkind.New(errkind.KindFileOpen, "posix.NewWrite", err)
	}
	if opts.Atomic {
		return &atomicWriter{f: f, tmpPath: target, destPath: full, opts: opts}, nil
	}
	return &plainWriter{f: f, opts: opts}, nil
}

type plainWriter struct {
	f    *os.File
	opts storage.WriteOptions
}

func (w *plainWriter) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *plainWriter) Close() error {
	if w.opts.SyncFile {
		if err := w.f.Sync(); err != nil {
			w.f.Close()
			return errkind.New(errkind.KindFileWrite, "posix.plainWriter.Close", err)
		}
	}
	if err := w.f.Close(); err != nil {
		return errkind.New(errkind.KindFileWrite, "posix.plainWriter.Close", err)
	}
	if w.opts.ModeFile != 0 {
		_ = os.Chmod(w.f.Name(), os.FileMode(w.opts.ModeFile))
	}
	if !w.opts.TimeModified.IsZero() {
		_ = os.Chtimes(w.f.Name(), w.opts.TimeModified, w.opts.TimeModified)
	}
	return nil
}

func (d *Driver) Remove(path string, opts storage.RemoveOptions) error {
	full := d.resolve(path)
	err := os.Remove(full)
	if err != nil {
		if os.IsNotExist(err) {
			if opts.ErrorOnMissing {
				return errkind.New(errkind.KindFileMissing, "posix.Remove", err)
			}
			return nil
		}
		return errkind.New(errkind.KindFileRemove, "posix.Remove", err)
	}
	return nil
}

func (d *Driver) PathCreate(path string, opts storage.PathCreateOptions) error {
	full := d.resolve(path)
	mode := os.FileMode(0o750)
	if opts.Mode != 0 {
		mode = os.FileMode(opts.Mode)
	}
	if opts.ErrorOnExists {
		if err := os.Mkdir(full, mode); err != nil {
			if os.IsExist(err) {
				return errkind.New(errkind.KindPathExists, "posix.PathCreate", err)
			}
			return errkind.New(errkind.KindFileWrite, "posix.PathCreate", err)
		}
		return nil
	}
	if opts.NoParentCreate {
		if err := os.Mkdir(full, mode); err != nil && !os.IsExist(err) {
			return errkind.New(errkind.KindFileWrite, "posix.PathCreate", err)
		}
		return nil
	}
	if err := os.MkdirAll(full, mode); err != nil {
		return errkind.New(errkind.KindFileWrite, "posix.PathCreate", err)
	}
	return nil
}

func (d *Driver) PathRemove(path string, opts storage.PathRemoveOptions) error {
	full := d.resolve(path)
	if opts.Recurse {
		if err := os.RemoveAll(full); err != nil {
			return errkind.New(errkind.KindFileRemove, "posix.PathRemove", err)
		}
		return nil
	}
	err := os.Remove(full)
	if err != nil {
		if os.IsNotExist(err) {
			if opts.ErrorOnMissing {
				return errkind.New(errkind.KindPathMissing, "posix.PathRemove", err)
			}
			return nil
		}
		return errkind.New(errkind.KindFileRemove, "posix.PathRemove", err)
	}
	return nil
}

func (d *Driver) PathSync(path string) error {
	full := d.resolve(path)
	f, err := os.Open(full)
	if err != nil {
		return errkind.New(errkind.KindFileOpen, "posix.PathSync", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return errkind.New(errkind.KindFileWrite, "posix.PathSync", err)
	}
	return nil
}

var _ storage.Driver = (*Driver)(nil)
