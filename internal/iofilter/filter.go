// Package iofilter implements the composable streaming filter chain
// (IoFilterGroup) that backs every repository read/write: hash, size,
// compression, block-cipher encrypt/decrypt, page-checksum validation,
// delta-map building, and block-map building/reading.
package iofilter

import "io"

// Filter transforms a stream of byte blocks and produces an optional
// typed result once the stream ends.
type Filter interface {
	// Name identifies the filter for result lookup and ordering checks.
	Name() string
	// Push consumes one input block (nil marks end-of-stream) and
	// returns zero or more output blocks.
	Push(in []byte) ([][]byte, error)
	// Result returns this filter's final payload. Called once after
	// the last Push(nil).
	Result() (any, error)
}

// Group is an ordered pipeline of filters attached to a reader or writer.
// Blocks flow: input -> filters[0] -> filters[1] -> ... -> sink.
type Group struct {
	filters []Filter
	results map[string]any
}

// NewGroup builds an empty filter group; filters are added with Add in
// the order they should process data.
func NewGroup() *Group {
	return &Group{results: make(map[string]any)}
}

// Add appends a filter to the end of the pipeline.
func (g *Group) Add(f Filter) *Group {
	g.filters = append(g.filters, f)
	return g
}

// Len reports how many filters are attached.
func (g *Group) Len() int { return len(g.filters) }

// process pushes one block (or nil for end-of-stream) through every
// filter in order, fanning each filter's output blocks into the next
// filter's input one at a time.
func (g *Group) process(block []byte) ([][]byte, error) {
	cur := [][]byte{block}
	for _, f := range g.filters {
		var next [][]byte
		for _, b := range cur {
			out, err := f.Push(b)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		cur = next
	}
	return cur, nil
}

// finish drains every filter in turn with a final nil Push, feeding each
// filter's own flush output into the next filter as regular data before
// that filter gets its own terminal nil Push. This cascades end-of-stream
// down the whole chain: a filter several stages deep (e.g. a cipher after
// a compressor) gets its Push(nil) exactly once, after all of its real
// input has arrived. It returns the pipeline's trailing output, which the
// caller (Writer/Reader) still has to deliver to the sink/buffer.
func (g *Group) finish() ([][]byte, error) {
	var cur [][]byte
	for _, f := range g.filters {
		var next [][]byte
		for _, b := range cur {
			out, err := f.Push(b)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		out, err := f.Push(nil)
		if err != nil {
			return nil, err
		}
		next = append(next, out...)
		cur = next
	}
	for _, f := range g.filters {
		res, err := f.Result()
		if err != nil {
			return nil, err
		}
		if res != nil {
			g.results[f.Name()] = res
		}
	}
	return cur, nil
}

// Result looks up a completed filter's result by the name its Name
// method reports.
func (g *Group) Result(name string) (any, bool) {
	v, ok := g.results[name]
	return v, ok
}

// Writer wraps an io.Writer, running every write through the filter
// group before the sink sees it.
type Writer struct {
	group *Group
	sink  io.Writer
	done  bool
}

// NewWriter attaches group to sink; group's filters run in attach order,
// the last filter's output is what reaches sink.
func NewWriter(sink io.Writer, group *Group) *Writer {
	return &Writer{group: group, sink: sink}
}

func (w *Writer) Write(p []byte) (int, error) {
	out, err := w.group.process(p)
	if err != nil {
		return 0, err
	}
	for _, b := range out {
		if len(b) == 0 {
			continue
		}
		if _, err := w.sink.Write(b); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close drains the filter group and flushes any tail output. It must be
// called exactly once, after the last Write.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	out, err := w.group.finish()
	if err != nil {
		return err
	}
	for _, b := range out {
		if len(b) == 0 {
			continue
		}
		if _, err := w.sink.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// Group exposes the underlying filter group so callers can read results
// after Close.
func (w *Writer) Group() *Group { return w.group }

// Reader wraps an io.Reader, running every read block through the
// filter group before returning it to the caller.
type Reader struct {
	group  *Group
	src    io.Reader
	buf    []byte
	srcEOF bool
	done   bool
}

// NewReader attaches group to src.
func NewReader(src io.Reader, group *Group) *Reader {
	return &Reader{group: group, src: src}
}

const readBlockSize = 64 * 1024

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		if r.srcEOF {
			out, err := r.group.finish()
			if err != nil {
				return 0, err
			}
			r.done = true
			for _, b := range out {
				r.buf = append(r.buf, b...)
			}
			if len(r.buf) == 0 {
				return 0, io.EOF
			}
			break
		}
		chunk := make([]byte, readBlockSize)
		n, err := r.src.Read(chunk)
		if n > 0 {
			out, perr := r.group.process(chunk[:n])
			if perr != nil {
				return 0, perr
			}
			for _, b := range out {
				r.buf = append(r.buf, b...)
			}
		}
		if err == io.EOF {
			r.srcEOF = true
		} else if err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Group exposes the underlying filter group so callers can read results
// after the reader has returned io.EOF.
func (r *Reader) Group() *Group { return r.group }
