package remote

import (
	"encoding/json"
	"io"

	"github.com/pigsty-io/physback/internal/errkind"
	"github.com/pigsty-io/physback/internal/protocol"
	"github.com/pigsty-io/physback/internal/storage"
)

// ServeDriver registers handlers on srv that execute every storage-*
// command against local, the driver actually touching the filesystem
// or object store. A worker process pairs this with a local posix/s3/
// sftp driver so a client elsewhere in the pipeline can reach it
// through Driver without knowing which backend it is.
func ServeDriver(srv *protocol.Server, local storage.Driver) {
	srv.Handle(cmdInfo, func(sess *protocol.Session, param json.RawMessage) error {
		var p infoParam
		if err := json.Unmarshal(param, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "remote.ServeDriver.info", err)
		}
		info, err := local.Info(p.Path, p.Level, p.FollowLink)
		if err != nil {
			return err
		}
		b, _ := json.Marshal(info)
		return sess.SendData(b)
	})

	srv.Handle(cmdList, func(sess *protocol.Session, param json.RawMessage) error {
		var p listParam
		if err := json.Unmarshal(param, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "remote.ServeDriver.list", err)
		}
		entries, err := local.List(p.Path, p.Level)
		if err != nil {
			return err
		}
		b, _ := json.Marshal(entries)
		return sess.SendData(b)
	})

	srv.Handle(cmdRead, func(sess *protocol.Session, param json.RawMessage) error {
		var p readParam
		if err := json.Unmarshal(param, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "remote.ServeDriver.read", err)
		}
		r, err := local.NewRead(p.Path, p.Opts)
		if err != nil {
			return err
		}
		if r == nil {
			env, _ := json.Marshal(readEnvelope{Missing: true})
			return sess.SendData(env)
		}
		defer r.Close()
		env, _ := json.Marshal(readEnvelope{Missing: false})
		if err := sess.SendData(env); err != nil {
			return err
		}
		buf := make([]byte, 256*1024)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				if err := sess.SendData(append([]byte(nil), buf[:n]...)); err != nil {
					return err
				}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return errkind.New(errkind.KindFileRead, "remote.ServeDriver.read", rerr)
			}
		}
	})

	srv.Handle(cmdWrite, func(sess *protocol.Session, param json.RawMessage) error {
		var req struct {
			Param writeParam `json:"param"`
			Body  []byte     `json:"body"`
		}
		if err := json.Unmarshal(param, &req); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "remote.ServeDriver.write", err)
		}
		w, err := local.NewWrite(req.Param.Path, req.Param.Opts)
		if err != nil {
			return err
		}
		if _, err := w.Write(req.Body); err != nil {
			w.Close()
			return errkind.New(errkind.KindFileWrite, "remote.ServeDriver.write", err)
		}
		return w.Close()
	})

	srv.Handle(cmdRemove, func(sess *protocol.Session, param json.RawMessage) error {
		var p struct {
			Path string                `json:"path"`
			Opts storage.RemoveOptions `json:"opts"`
		}
		if err := json.Unmarshal(param, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "remote.ServeDriver.remove", err)
		}
		return local.Remove(p.Path, p.Opts)
	})

	srv.Handle(cmdPathCreate, func(sess *protocol.Session, param json.RawMessage) error {
		var p struct {
			Path string                     `json:"path"`
			Opts storage.PathCreateOptions `json:"opts"`
		}
		if err := json.Unmarshal(param, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "remote.ServeDriver.pathCreate", err)
		}
		return local.PathCreate(p.Path, p.Opts)
	})

	srv.Handle(cmdPathRemove, func(sess *protocol.Session, param json.RawMessage) error {
		var p struct {
			Path string                     `json:"path"`
			Opts storage.PathRemoveOptions `json:"opts"`
		}
		if err := json.Unmarshal(param, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "remote.ServeDriver.pathRemove", err)
		}
		return local.PathRemove(p.Path, p.Opts)
	})

	srv.Handle(cmdPathSync, func(sess *protocol.Session, param json.RawMessage) error {
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(param, &p); err != nil {
			return errkind.New(errkind.KindJsonFormatError, "remote.ServeDriver.pathSync", err)
		}
		return local.PathSync(p.Path)
	})
}
