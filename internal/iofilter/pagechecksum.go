package iofilter

// PageChecksumFilter scans a stream of fixed-size PostgreSQL pages,
// recomputes each page's checksum, and records the page numbers whose
// stored checksum doesn't match. Pages whose LSN exceeds lsnLimit are
// ignored: a page can be torn by a concurrent write during backup, and
// PostgreSQL guarantees only that pages written before the backup's
// start LSN are consistent.
type PageChecksumFilter struct {
	blockSize   int
	pageNo0     uint32
	lsnLimit    uint64
	pos         int
	page        []byte
	invalid     []uint32
	pageCounter uint32
}

// NewPageChecksum builds the filter. pageNo0 is the page number of the
// first page in this stream; page numbers recorded as invalid count on
// from it.
func NewPageChecksum(blockSize int, pageNo0 uint32, lsnLimit uint64) *PageChecksumFilter {
	if blockSize <= 0 {
		blockSize = 8192
	}
	return &PageChecksumFilter{
		blockSize:   blockSize,
		pageNo0:     pageNo0,
		lsnLimit:    lsnLimit,
		pageCounter: pageNo0,
	}
}

func (f *PageChecksumFilter) Name() string { return "pageChecksum" }

func (f *PageChecksumFilter) Push(in []byte) ([][]byte, error) {
	if in == nil {
		f.checkPartialTail()
		return nil, nil
	}
	f.page = append(f.page, in...)
	for len(f.page) >= f.blockSize {
		f.checkPage(f.page[:f.blockSize])
		f.page = f.page[f.blockSize:]
		f.pageCounter++
	}
	return [][]byte{in}, nil
}

// checkPartialTail handles a final short page (the source file's size is
// not a multiple of blockSize, e.g. the last page of a relation segment);
// pgBackRest treats a short final page as valid without checksumming it.
func (f *PageChecksumFilter) checkPartialTail() {
	f.page = nil
}

func (f *PageChecksumFilter) checkPage(page []byte) {
	lsn := pageLSN(page)
	if lsn > f.lsnLimit {
		return
	}
	stored := pageChecksumField(page)
	computed := computePageChecksum(page, f.pageCounter)
	if stored != computed {
		f.invalid = append(f.invalid, f.pageCounter)
	}
}

// pageLSN reads the page header's LSN (first 8 bytes: high/low halves).
func pageLSN(page []byte) uint64 {
	if len(page) < 8 {
		return 0
	}
	hi := uint32(page[0]) | uint32(page[1])<<8 | uint32(page[2])<<16 | uint32(page[3])<<24
	lo := uint32(page[4]) | uint32(page[5])<<8 | uint32(page[6])<<16 | uint32(page[7])<<24
	return uint64(hi)<<32 | uint64(lo)
}

// pageChecksumField reads the 16-bit checksum stored at byte offset 8
// (PostgreSQL's pd_checksum field position within PageHeaderData).
func pageChecksumField(page []byte) uint16 {
	if len(page) < 10 {
		return 0
	}
	return uint16(page[8]) | uint16(page[9])<<8
}

// computePageChecksum recomputes PostgreSQL's FNV-1a-derived page
// checksum with the checksum field itself masked to zero, folding in the
// page's block number as PostgreSQL does to detect misplaced pages.
func computePageChecksum(page []byte, blockNo uint32) uint16 {
	const fnvPrime = 16777619
	const fnvOffset = 2166136261

	masked := make([]byte, len(page))
	copy(masked, page)
	masked[8] = 0
	masked[9] = 0

	hash := uint32(fnvOffset)
	for i := 0; i+4 <= len(masked); i += 4 {
		word := uint32(masked[i]) | uint32(masked[i+1])<<8 | uint32(masked[i+2])<<16 | uint32(masked[i+3])<<24
		hash = (hash ^ word) * fnvPrime
	}
	hash ^= blockNo
	result := uint16(hash ^ (hash >> 16))
	if result == 0 {
		result = 1 // PostgreSQL reserves 0 to mean "no checksum computed"
	}
	return result
}

// InvalidPages is the filter's final result: page numbers with a
// checksum mismatch.
type InvalidPages struct {
	Pages []uint32
}

func (f *PageChecksumFilter) Result() (any, error) {
	return &InvalidPages{Pages: f.invalid}, nil
}
