// Package remote implements storage.Driver as a proxy that forwards
// every operation over internal/protocol to a worker process holding
// the real driver — a remote-proxy backend, used when a repository
// backend is only reachable from a helper process, e.g. a
// privilege-separated SFTP credential.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/protocol"
	"github.com/pigsty-io/physback/internal/storage"
)

const (
	cmdInfo       = "storage-info"
	cmdList       = "storage-list"
	cmdRead       = "storage-read"
	cmdWrite      = "storage-write"
	cmdRemove     = "storage-remove"
	cmdPathCreate = "storage-path-create"
	cmdPathRemove = "storage-path-remove"
	cmdPathSync   = "storage-path-sync"
)

// Driver forwards every storage.Driver call to Client as a no-session
// command, buffering whole-file payloads (repository objects are
// bounded in size, matching the buffering already used by the iofilter
// decompressor and the s3 driver's write path).
type Driver struct {
	Client *protocol.Client
}

func New(client *protocol.Client) *Driver { return &Driver{Client: client} }

func (d *Driver) Name() string { return "remote" }

type infoParam struct {
	Path       string          `json:"path"`
	Level      storage.InfoLevel `json:"level"`
	FollowLink bool            `json:"followLink"`
}

func (d *Driver) Info(path string, level storage.InfoLevel, followLink bool) (storage.Info, error) {
	res, err := d.Client.Execute(cmdInfo, infoParam{Path: path, Level: level, FollowLink: followLink})
	if err != nil {
		return storage.Info{}, err
	}
	var info storage.Info
	if err := json.Unmarshal(protocol.DataGet(res), &info); err != nil {
		return storage.Info{}, errkind.New(errkind.KindJsonFormatError, "remote.Driver.Info", err)
	}
	return info, nil
}

type listParam struct {
	Path  string            `json:"path"`
	Level storage.InfoLevel `json:"level"`
}

func (d *Driver) List(path string, level storage.InfoLevel) ([]storage.ListEntry, error) {
	res, err := d.Client.Execute(cmdList, listParam{Path: path, Level: level})
	if err != nil {
		return nil, err
	}
	var entries []storage.ListEntry
	if err := json.Unmarshal(protocol.DataGet(res), &entries); err != nil {
		return nil, errkind.New(errkind.KindJsonFormatError, "remote.Driver.List", err)
	}
	return entries, nil
}

type readParam struct {
	Path string               `json:"path"`
	Opts storage.ReadOptions  `json:"opts"`
}

// readEnvelope prefixes the payload with a one-line JSON header so the
// client can distinguish "missing, ignored" from real content without
// a second round trip.
type readEnvelope struct {
	Missing bool `json:"missing"`
}

func (d *Driver) NewRead(path string, opts storage.ReadOptions) (storage.ReadCloser, error) {
	res, err := d.Client.Execute(cmdRead, readParam{Path: path, Opts: opts})
	if err != nil {
		return nil, err
	}
	if len(res.Data) == 0 {
		return nil, errkind.New(errkind.KindProtocolError, "remote.Driver.NewRead", fmt.Errorf("empty response: missing envelope frame"))
	}
	var env readEnvelope
	if err := json.Unmarshal(res.Data[0], &env); err != nil {
		return nil, errkind.New(errkind.KindJsonFormatError, "remote.Driver.NewRead", err)
	}
	if env.Missing {
		return nil, nil
	}
	buf := &bytes.Buffer{}
	for _, chunk := range res.Data[1:] {
		buf.Write(chunk)
	}
	return io.NopCloser(buf), nil
}

type writeParam struct {
	Path string              `json:"path"`
	Opts storage.WriteOptions `json:"opts"`
}

type bufferWriter struct {
	d    *Driver
	path string
	opts storage.WriteOptions
	buf  bytes.Buffer
}

func (w *bufferWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufferWriter) Close() error {
	data, err := json.Marshal(struct {
		Param writeParam `json:"param"`
		Body  []byte     `json:"body"`
	}{Param: writeParam{Path: w.path, Opts: w.opts}, Body: w.buf.Bytes()})
	if err != nil {
		return errkind.New(errkind.KindJsonFormatError, "remote.bufferWriter.Close", err)
	}
	if _, err := w.d.Client.Execute(cmdWrite, json.RawMessage(data)); err != nil {
		return err
	}
	return nil
}

func (d *Driver) NewWrite(path string, opts storage.WriteOptions) (storage.WriteCloser, error) {
	return &bufferWriter{d: d, path: path, opts: opts}, nil
}

type pathParam struct {
	Path string      `json:"path"`
	Opts interface{} `json:"opts"`
}

func (d *Driver) Remove(path string, opts storage.RemoveOptions) error {
	_, err := d.Client.Execute(cmdRemove, pathParam{Path: path, Opts: opts})
	return err
}

func (d *Driver) PathCreate(path string, opts storage.PathCreateOptions) error {
	_, err := d.Client.Execute(cmdPathCreate, pathParam{Path: path, Opts: opts})
	return err
}

func (d *Driver) PathRemove(path string, opts storage.PathRemoveOptions) error {
	_, err := d.Client.Execute(cmdPathRemove, pathParam{Path: path, Opts: opts})
	return err
}

func (d *Driver) PathSync(path string) error {
	_, err := d.Client.Execute(cmdPathSync, pathParam{Path: path})
	return err
}

var _ storage.Driver = (*Driver)(nil)
