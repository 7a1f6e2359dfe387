package iofilter

import (
	"crypto/sha1" //nolint:gosec // repository format mandates SHA-1 block checksums
	"encoding/json"

	"github.com/pigsty-io/physback/internal/errkind"
)

// BlockRef points a block-map entry at the prior backup that still holds
// the unchanged bytes for that block.
type BlockRef struct {
	BackupLabel string `json:"backupLabel"`
	Offset      int64  `json:"offset"`
	Size        int64  `json:"size"`
}

// BlockMapEntry describes one fixed-size block of a block-incremental
// file. Ref is nil when the block's new bytes are stored inline in the
// current backup; otherwise it points at the prior backup copy.
type BlockMapEntry struct {
	BlockNo  uint32    `json:"blockNo"`
	Checksum []byte    `json:"checksum"`
	Ref      *BlockRef `json:"ref,omitempty"`
}

// BlockMap is the sparse per-file structure for block-incremental
// backups: reconstructing the file by iterating Blocks in order and
// interleaving with the referenced bases must yield the original bytes.
type BlockMap struct {
	BlockSize uint32          `json:"blockSize"`
	Blocks    []BlockMapEntry `json:"blocks"`
}

// EncodeBlockMap serializes a block map for storage alongside a backup
// file's optional block-incremental map.
func EncodeBlockMap(m *BlockMap) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errkind.New(errkind.KindJsonFormatError, "iofilter.EncodeBlockMap", err)
	}
	return b, nil
}

// DecodeBlockMap parses a stored block map.
func DecodeBlockMap(data []byte) (*BlockMap, error) {
	var m BlockMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errkind.New(errkind.KindJsonFormatError, "iofilter.DecodeBlockMap", err)
	}
	return &m, nil
}

// BlockHash is one block's position and checksum, the deltaMap filter's
// per-block output.
type BlockHash struct {
	BlockNo  uint32
	Checksum []byte
}

// DeltaMapFilter splits the stream into fixed blockSize chunks and emits
// a SHA-1 per block, passing bytes through unchanged. For a file of size
// s, it produces ceil(s/blockSize) hashes regardless of the source
// reader's own I/O chunking, by buffering across Push calls.
type DeltaMapFilter struct {
	blockSize int
	buf       []byte
	blockNo   uint32
	hashes    []BlockHash
}

// NewDeltaMap builds the filter.
func NewDeltaMap(blockSize int) *DeltaMapFilter {
	if blockSize <= 0 {
		blockSize = 8192
	}
	return &DeltaMapFilter{blockSize: blockSize}
}

func (f *DeltaMapFilter) Name() string { return "deltaMap" }

func (f *DeltaMapFilter) Push(in []byte) ([][]byte, error) {
	if in == nil {
		if len(f.buf) > 0 {
			f.emit(f.buf)
			f.buf = nil
		}
		return nil, nil
	}
	f.buf = append(f.buf, in...)
	for len(f.buf) >= f.blockSize {
		f.emit(f.buf[:f.blockSize])
		f.buf = f.buf[f.blockSize:]
	}
	return [][]byte{in}, nil
}

func (f *DeltaMapFilter) emit(block []byte) {
	h := sha1.Sum(block) //nolint:gosec
	f.hashes = append(f.hashes, BlockHash{BlockNo: f.blockNo, Checksum: h[:]})
	f.blockNo++
}

func (f *DeltaMapFilter) Result() (any, error) {
	return f.hashes, nil
}

// BlockMapBuilderFilter is the write-side block-incremental filter: it
// compares each new block's checksum against a prior backup's block map
// and, for unchanged blocks, drops the bytes from the output stream
// (the restore side will fetch them from the prior backup instead) while
// recording a Ref entry; changed blocks pass through and get a nil-Ref
// entry the caller fills in with this backup's own offset once written.
type BlockMapBuilderFilter struct {
	blockSize  int
	prior      map[uint32][]byte // blockNo -> checksum, from the prior map
	priorLabel string
	priorRef   map[uint32]BlockRef
	buf        []byte
	blockNo    uint32
	entries    []BlockMapEntry
}

// NewBlockMapBuilder builds the filter. priorMap may be nil for the
// first block-incremental backup of a file (every block is "changed").
func NewBlockMapBuilder(blockSize int, priorMap *BlockMap, priorLabel string) *BlockMapBuilderFilter {
	f := &BlockMapBuilderFilter{blockSize: blockSize, priorLabel: priorLabel}
	if priorMap != nil {
		f.prior = make(map[uint32][]byte, len(priorMap.Blocks))
		f.priorRef = make(map[uint32]BlockRef, len(priorMap.Blocks))
		for _, e := range priorMap.Blocks {
			f.prior[e.BlockNo] = e.Checksum
			if e.Ref != nil {
				f.priorRef[e.BlockNo] = *e.Ref
			} else {
				// The prior backup stored this block inline at its own
				// offset within its own file copy.
				f.priorRef[e.BlockNo] = BlockRef{
					BackupLabel: priorLabel,
					Offset:      int64(e.BlockNo) * int64(blockSize),
					Size:        int64(blockSize),
				}
			}
		}
	}
	return f
}

func (f *BlockMapBuilderFilter) Name() string { return "blockMap" }

func (f *BlockMapBuilderFilter) Push(in []byte) ([][]byte, error) {
	if in == nil {
		if len(f.buf) > 0 {
			out := f.handleBlock(f.buf)
			f.buf = nil
			return out, nil
		}
		return nil, nil
	}
	f.buf = append(f.buf, in...)
	var out [][]byte
	for len(f.buf) >= f.blockSize {
		out = append(out, f.handleBlock(f.buf[:f.blockSize])...)
		f.buf = f.buf[f.blockSize:]
	}
	return out, nil
}

func (f *BlockMapBuilderFilter) handleBlock(block []byte) [][]byte {
	h := sha1.Sum(block) //nolint:gosec
	checksum := h[:]
	blockNo := f.blockNo
	f.blockNo++

	if prev, ok := f.prior[blockNo]; ok && bytesEqual(prev, checksum) {
		ref := f.priorRef[blockNo]
		f.entries = append(f.entries, BlockMapEntry{BlockNo: blockNo, Checksum: checksum, Ref: &ref})
		return nil
	}
	f.entries = append(f.entries, BlockMapEntry{BlockNo: blockNo, Checksum: checksum})
	return [][]byte{block}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (f *BlockMapBuilderFilter) Result() (any, error) {
	return &BlockMap{BlockSize: uint32(f.blockSize), Blocks: f.entries}, nil
}
