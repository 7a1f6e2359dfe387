// Package s3 implements storage.Driver over an S3-compatible object
// store via the AWS SDK v2, for stanzas configured with repo-type=s3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/storage"
)

// Driver stores repository objects as S3 keys under Prefix in Bucket.
// Object storage has no real directories, so PathCreate/PathSync are
// no-ops and PathRemove/List operate on key prefixes.
type Driver struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// New builds an S3 driver. client is expected to be pre-configured with
// region/credentials/endpoint by the caller (internal/config), keeping
// this package free of AWS credential-resolution policy.
func New(client *s3.Client, bucket, prefix string) *Driver {
	return &Driver{Client: client, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}
}

func (d *Driver) Name() string { return "s3" }

func (d *Driver) key(p string) string {
	if d.Prefix == "" {
		return strings.TrimPrefix(p, "/")
	}
	return d.Prefix + "/" + strings.TrimPrefix(p, "/")
}

func (d *Driver) Info(p string, level storage.InfoLevel, followLink bool) (storage.Info, error) {
	ctx := context.Background()
	out, err := d.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &d.Bucket, Key: awssdk.String(d.key(p))})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return storage.Info{Exists: false}, nil
		}
		return storage.Info{}, errkind.New(errkind.KindFileOpen, "s3.Info", err)
	}
	info := storage.Info{Exists: true, Type: storage.TypeFile}
	if level >= storage.LevelBasic {
		if out.ContentLength != nil {
			info.Size = *out.ContentLength
		}
		if out.LastModified != nil {
			info.ModTime = *out.LastModified
		}
	}
	return info, nil
}

func (d *Driver) List(p string, level storage.InfoLevel) ([]storage.ListEntry, error) {
	ctx := context.Background()
	prefix := d.key(p)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var entries []storage.ListEntry
	var token *string
	for {
		out, err := d.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &d.Bucket,
			Prefix:            &prefix,
			Delimiter:         awssdk.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errkind.New(errkind.KindFileOpen, "s3.List", err)
		}
		for _, obj := range out.Contents {
			name := strings.TrimPrefix(*obj.Key, prefix)
			if name == "" {
				continue
			}
			info := storage.Info{Exists: true, Type: storage.TypeFile}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.ModTime = *obj.LastModified
			}
			entries = append(entries, storage.ListEntry{Name: name, Info: info})
		}
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, storage.ListEntry{Name: name, Info: storage.Info{Exists: true, Type: storage.TypePath}})
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	if len(entries) == 0 {
		return nil, errkind.New(errkind.KindPathMissing, "s3.List", errors.New("no objects under prefix "+prefix))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (d *Driver) NewRead(p string, opts storage.ReadOptions) (storage.ReadCloser, error) {
	ctx := context.Background()
	input := &s3.GetObjectInput{Bucket: &d.Bucket, Key: awssdk.String(d.key(p))}
	if opts.Offset > 0 || opts.Limit > 0 {
		end := ""
		if opts.Limit > 0 {
			end = itoa(opts.Offset + opts.Limit - 1)
		}
		rangeHdr := "bytes=" + itoa(opts.Offset) + "-" + end
		input.Range = &rangeHdr
	}
	out, err := d.Client.GetObject(ctx, input)
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			if opts.IgnoreMissing {
				return nil, nil
			}
			return nil, errkind.New(errkind.KindFileMissing, "s3.NewRead", err)
		}
		return nil, errkind.New(errkind.KindFileOpen, "s3.NewRead", err)
	}
	return out.Body, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// bufferWriter buffers the whole object in memory and performs a single
// PutObject on Close: S3 has no partial-write-then-rename primitive, so
// buffer-then-put is this driver's equivalent of the "atomic" contract.
type bufferWriter struct {
	d    *Driver
	key  string
	buf  bytes.Buffer
}

func (w *bufferWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufferWriter) Close() error {
	ctx := context.Background()
	_, err := w.d.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &w.d.Bucket,
		Key:    &w.key,
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return errkind.New(errkind.KindFileWrite, "s3.bufferWriter.Close", err)
	}
	return nil
}

func (d *Driver) NewWrite(p string, opts storage.WriteOptions) (storage.WriteCloser, error) {
	return &bufferWriter{d: d, key: d.key(p)}, nil
}

func (d *Driver) Remove(p string, opts storage.RemoveOptions) error {
	ctx := context.Background()
	if opts.ErrorOnMissing {
		if info, err := d.Info(p, storage.LevelExists, false); err == nil && !info.Exists {
			return errkind.New(errkind.KindFileMissing, "s3.Remove", errors.New("object missing: "+p))
		}
	}
	_, err := d.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &d.Bucket, Key: awssdk.String(d.key(p))})
	if err != nil {
		return errkind.New(errkind.KindFileRemove, "s3.Remove", err)
	}
	return nil
}

// PathCreate is a no-op: S3 prefixes come into existence with their
// first object.
func (d *Driver) PathCreate(p string, opts storage.PathCreateOptions) error { return nil }

// PathRemove deletes every object under the prefix.
func (d *Driver) PathRemove(p string, opts storage.PathRemoveOptions) error {
	entries, err := d.List(p, storage.LevelExists)
	if err != nil {
		var e *errkind.Error
		if errors.As(err, &e) && e.Kind == errkind.KindPathMissing {
			if opts.ErrorOnMissing {
				return err
			}
			return nil
		}
		return err
	}
	ctx := context.Background()
	for _, entry := range entries {
		if entry.Info.Type == storage.TypePath {
			if err := d.PathRemove(path.Join(p, entry.Name), opts); err != nil {
				return err
			}
			continue
		}
		key := d.key(path.Join(p, entry.Name))
		if _, err := d.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &d.Bucket, Key: &key}); err != nil {
			return errkind.New(errkind.KindFileRemove, "s3.PathRemove", err)
		}
	}
	return nil
}

// PathSync is a no-op: S3 writes are immediately durable once PutObject
// returns.
func (d *Driver) PathSync(p string) error { return nil }

var _ storage.Driver = (*Driver)(nil)
