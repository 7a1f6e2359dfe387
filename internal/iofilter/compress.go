package iofilter

import (
	"bytes"
	"fmt"
	"io"

	kpgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/pigsty-io/physback/internal/errkind"
)

// CompressType enumerates the repository's supported compression
// codecs: gzip (.gz) and zstd (.zst). bz2 and lz4 have no CompressType
// value; files in those formats are neither read nor written.
type CompressType int

const (
	CompressNone CompressType = iota
	CompressGzip
	CompressZstd
)

func (t CompressType) Ext() string {
	switch t {
	case CompressGzip:
		return ".gz"
	case CompressZstd:
		return ".zst"
	default:
		return ""
	}
}

// CompressFilter streams input through a codec's writer, which writes
// into an in-memory buffer that each Push drains, so the codec's own
// io.WriteCloser can be driven by Push/Result.
type CompressFilter struct {
	name string
	typ  CompressType
	out  bytes.Buffer
	zw   io.WriteCloser
}

// NewCompress builds a compress filter for typ at the given level
// (for zstd, mapped onto the coarser zstd.EncoderLevel steps).
func NewCompress(typ CompressType, level int) (*CompressFilter, error) {
	f := &CompressFilter{name: "compress", typ: typ}
	switch typ {
	case CompressGzip:
		gz, err := kpgzip.NewWriterLevel(&f.out, normalizeGzipLevel(level))
		if err != nil {
			return nil, errkind.New(errkind.KindConfig, "iofilter.NewCompress", err)
		}
		f.zw = gz
	case CompressZstd:
		enc, err := zstd.NewWriter(&f.out, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return nil, errkind.New(errkind.KindConfig, "iofilter.NewCompress", err)
		}
		f.zw = enc
	default:
		return nil, errkind.New(errkind.KindConfig, "iofilter.NewCompress", fmt.Errorf("unsupported compression type %d", typ))
	}
	return f, nil
}

func normalizeGzipLevel(level int) int {
	if level <= 0 {
		return kpgzip.DefaultCompression
	}
	if level > 9 {
		return 9
	}
	return level
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 6:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func (f *CompressFilter) Name() string { return f.name }

func (f *CompressFilter) Push(in []byte) ([][]byte, error) {
	if in == nil {
		if err := f.zw.Close(); err != nil {
			return nil, errkind.New(errkind.KindFileWrite, "iofilter.CompressFilter", err)
		}
		out := f.drain()
		return [][]byte{out}, nil
	}
	if _, err := f.zw.Write(in); err != nil {
		return nil, errkind.New(errkind.KindFileWrite, "iofilter.CompressFilter", err)
	}
	return [][]byte{f.drain()}, nil
}

func (f *CompressFilter) drain() []byte {
	b := append([]byte{}, f.out.Bytes()...)
	f.out.Reset()
	return b
}

func (f *CompressFilter) Result() (any, error) { return nil, nil }

// DecompressFilter is the inverse of CompressFilter. Repository files are
// bounded in size, so the filter buffers the full compressed payload and
// decodes it in one pass when the stream ends, rather than driving the
// codec's reader incrementally.
type DecompressFilter struct {
	name string
	typ  CompressType
	in   bytes.Buffer
}

// NewDecompress builds a decompress filter for typ.
func NewDecompress(typ CompressType) (*DecompressFilter, error) {
	switch typ {
	case CompressGzip, CompressZstd:
		return &DecompressFilter{name: "decompress", typ: typ}, nil
	default:
		return nil, errkind.New(errkind.KindConfig, "iofilter.NewDecompress", fmt.Errorf("unsupported compression type %d", typ))
	}
}

func (f *DecompressFilter) Name() string { return f.name }

func (f *DecompressFilter) Push(in []byte) ([][]byte, error) {
	if in != nil {
		f.in.Write(in)
		return nil, nil
	}
	var zr io.ReadCloser
	switch f.typ {
	case CompressGzip:
		gr, err := kpgzip.NewReader(bytes.NewReader(f.in.Bytes()))
		if err != nil {
			return nil, errkind.New(errkind.KindFormatError, "iofilter.DecompressFilter", err)
		}
		zr = gr
	case CompressZstd:
		dec, err := zstd.NewReader(bytes.NewReader(f.in.Bytes()))
		if err != nil {
			return nil, errkind.New(errkind.KindFormatError, "iofilter.DecompressFilter", err)
		}
		zr = dec.IOReadCloser()
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, errkind.New(errkind.KindFormatError, "iofilter.DecompressFilter", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return [][]byte{out}, nil
}

func (f *DecompressFilter) Result() (any, error) { return nil, nil }
