// Package walseg implements PostgreSQL WAL segment name arithmetic:
// parsing the 24-hex-character segment identifier, computing distances
// and successors, and deriving the two-level archive storage prefix.
//
// A segment name encodes (timeline, logId, segId) where segId ranges
// over [0, segPerFile) for the configured WAL segment size (segPerFile =
// (1<<32)/segSize, classically 16MB segments -> 0x100 (256) segments per 4GB log).
package walseg

import (
	"fmt"

	"github.com/pigsty-io/physback/internal/errkind"
)

const (
	// DefaultSegSize is PostgreSQL's default WAL segment size, 16MiB.
	DefaultSegSize uint64 = 16 * 1024 * 1024
	nameLen        int    = 24
)

// SegPerFile returns how many segments fit in one 4GiB logical WAL file
// for the given segment size.
func SegPerFile(segSize uint64) uint32 {
	return uint32((uint64(1) << 32) / segSize)
}

// Name is a parsed WAL segment identifier.
type Name struct {
	Timeline uint32
	LogID    uint32
	SegID    uint32
}

// Parse decodes a 24-hex-character segment name.
func Parse(segment string) (Name, error) {
	if len(segment) != nameLen {
		return Name{}, errkind.New(errkind.KindFormatError, "walseg.Parse",
			fmt.Errorf("segment name %q must be %d hex characters", segment, nameLen))
	}
	var tl, logID, segID uint32
	if _, err := fmt.Sscanf(segment, "%08X%08X%08X", &tl, &logID, &segID); err != nil {
		return Name{}, errkind.New(errkind.KindFormatError, "walseg.Parse",
			fmt.Errorf("segment name %q is not valid hex: %w", segment, err))
	}
	return Name{Timeline: tl, LogID: logID, SegID: segID}, nil
}

// String renders the canonical 24-hex-character form.
func (n Name) String() string {
	return fmt.Sprintf("%08X%08X%08X", n.Timeline, n.LogID, n.SegID)
}

// Next returns the segment immediately following n within the same
// timeline, given segSize. The segId component wraps into logId at
// SegPerFile(segSize).
func (n Name) Next(segSize uint64) Name {
	perFile := SegPerFile(segSize)
	segID := n.SegID + 1
	logID := n.LogID
	if segID >= perFile {
		segID = 0
		logID++
	}
	return Name{Timeline: n.Timeline, LogID: logID, SegID: segID}
}

// linear returns a monotonic index within the timeline suitable for
// distance arithmetic: logId*perFile + segId.
func (n Name) linear(segSize uint64) uint64 {
	perFile := uint64(SegPerFile(segSize))
	return uint64(n.LogID)*perFile + uint64(n.SegID)
}

// Dist computes walSegmentDist(a, b): the number of segments in the
// closed-open range [a, b) on a's timeline. b is not required to share
// a's timeline value in the struct, only its arithmetic position is used.
func Dist(a, b Name, segSize uint64) int64 {
	return int64(b.linear(segSize)) - int64(a.linear(segSize))
}

// Prefix returns the first 16 hex characters of the segment name, the
// directory physback stores the segment's archive file under.
func Prefix(segment string) string {
	if len(segment) < 16 {
		return segment
	}
	return segment[:16]
}

// Compare orders two segment names on the same timeline by position.
// It returns -1, 0, or 1.
func Compare(a, b Name) int {
	if a.LogID != b.LogID {
		if a.LogID < b.LogID {
			return -1
		}
		return 1
	}
	if a.SegID != b.SegID {
		if a.SegID < b.SegID {
			return -1
		}
		return 1
	}
	return 0
}

// Range is an inclusive [Start, Stop] span of segment names on one timeline.
type Range struct {
	Start string
	Stop  string
}

// BuildRanges walks a sorted, deduplicated list of segment names on a
// single timeline and groups them into contiguous ranges, starting a
// new range whenever the computed successor of the current segment
// does not match the next observed segment.
func BuildRanges(segments []string, segSize uint64) ([]Range, error) {
	if len(segments) == 0 {
		return nil, nil
	}
	var ranges []Range
	rangeStart := segments[0]
	prev, err := Parse(segments[0])
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(segments); i++ {
		cur, err := Parse(segments[i])
		if err != nil {
			return nil, err
		}
		expected := prev.Next(segSize)
		if expected != cur {
			ranges = append(ranges, Range{Start: rangeStart, Stop: prev.String()})
			rangeStart = segments[i]
		}
		prev = cur
	}
	ranges = append(ranges, Range{Start: rangeStart, Stop: prev.String()})
	return ranges, nil
}
