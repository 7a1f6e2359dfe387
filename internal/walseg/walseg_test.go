package walseg

import "testing"

func TestParseRoundTrip(t *testing.T) {
	n, err := Parse("0000000100000003000000AB")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Timeline != 1 || n.LogID != 3 || n.SegID != 0xAB {
		t.Fatalf("unexpected parse result: %+v", n)
	}
	if got := n.String(); got != "0000000100000003000000AB" {
		t.Fatalf("String() = %s", got)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("tooshort"); err == nil {
		t.Fatalf("expected error for short segment name")
	}
}

func TestNextWraps(t *testing.T) {
	perFile := SegPerFile(DefaultSegSize)
	n := Name{Timeline: 1, LogID: 0, SegID: perFile - 1}
	next := n.Next(DefaultSegSize)
	if next.LogID != 1 || next.SegID != 0 {
		t.Fatalf("Next() did not wrap: %+v", next)
	}
}

func TestDistMatchesSegmentCount(t *testing.T) {
	// For any two segment names a < b on the same timeline,
	// walSegmentDist(a, b+1) = count of segments in [a, b].
	a, _ := Parse("000000010000000000000003")
	b, _ := Parse("000000010000000000000009")
	bNext := b.Next(DefaultSegSize)

	dist := Dist(a, bNext, DefaultSegSize)
	count := int64(0)
	cur := a
	for {
		count++
		if cur == b {
			break
		}
		cur = cur.Next(DefaultSegSize)
	}
	if dist != count {
		t.Fatalf("Dist() = %d, want %d", dist, count)
	}
}

func TestBuildRangesContiguous(t *testing.T) {
	segs := []string{
		"000000010000000000000001",
		"000000010000000000000002",
		"000000010000000000000003",
	}
	ranges, err := BuildRanges(segs, DefaultSegSize)
	if err != nil {
		t.Fatalf("BuildRanges: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("expected 1 contiguous range, got %d", len(ranges))
	}
	if ranges[0].Start != segs[0] || ranges[0].Stop != segs[2] {
		t.Fatalf("unexpected range: %+v", ranges[0])
	}
}

func TestBuildRangesGap(t *testing.T) {
	segs := []string{
		"000000010000000000000001",
		"000000010000000000000002",
		"000000010000000000000005",
		"000000010000000000000006",
	}
	ranges, err := BuildRanges(segs, DefaultSegSize)
	if err != nil {
		t.Fatalf("BuildRanges: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges across the gap, got %d: %+v", len(ranges), ranges)
	}
	if ranges[0].Stop != segs[1] || ranges[1].Start != segs[2] {
		t.Fatalf("unexpected ranges: %+v", ranges)
	}
}

func TestPrefix(t *testing.T) {
	if got := Prefix("000000010000000000000001"); got != "0000000100000000" {
		t.Fatalf("Prefix() = %s", got)
	}
}

func TestCompare(t *testing.T) {
	a, _ := Parse("000000010000000000000001")
	b, _ := Parse("000000010000000000000002")
	if Compare(a, b) != -1 {
		t.Fatalf("expected a < b")
	}
	if Compare(b, a) != 1 {
		t.Fatalf("expected b > a")
	}
	if Compare(a, a) != 0 {
		t.Fatalf("expected a == a")
	}
}
