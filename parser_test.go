package pieload

import (
	"testing"

	"github.com/xyproto/pieload/internal/testelf"
)

func TestParseMinimalExecutable(t *testing.T) {
	b := testelf.NewBuilder()
	b.SetEntry(0x1000)
	b.AddLoadSegment(0x1000, make([]byte, 4096), testelf.PFR|testelf.PFX)
	img := b.Build()

	p, err := Parse(img)
	if err != ErrNone {
		t.Fatalf("Parse: %v", err)
	}
	if got := p.MemLen(); got != 4096 {
		t.Fatalf("MemLen = %d, want 4096", got)
	}
	if got := p.MemAlign(); got != 4096 {
		t.Fatalf("MemAlign = %d, want 4096", got)
	}
	if segs := p.Segments(); len(segs) != 1 {
		t.Fatalf("Segments() len = %d, want 1", len(segs))
	}
}

func TestParseBSSOnlySegment(t *testing.T) {
	b := testelf.NewBuilder()
	b.AddLoadSegment(0x1000, []byte{0x90}, testelf.PFR|testelf.PFX)
	b.SetEntry(0x1000)
	b.AddBSSSegment(0x2000, 8192, testelf.PFR|testelf.PFW)
	img := b.Build()

	p, err := Parse(img)
	if err != ErrNone {
		t.Fatalf("Parse: %v", err)
	}
	segs := p.Segments()
	if len(segs) != 2 {
		t.Fatalf("Segments() len = %d, want 2", len(segs))
	}
	if segs[1].FileSize != 0 || segs[1].MemSize != 8192 {
		t.Fatalf("bss segment = %+v, want FileSize=0 MemSize=8192", segs[1])
	}
}

func TestParseTwoNonOverlappingSegments(t *testing.T) {
	b := testelf.NewBuilder()
	b.SetEntry(0x0)
	b.AddLoadSegment(0x0, make([]byte, 4096), testelf.PFR|testelf.PFX)
	b.AddLoadSegment(0x1000, make([]byte, 2048), testelf.PFR|testelf.PFW)
	img := b.Build()

	p, err := Parse(img)
	if err != ErrNone {
		t.Fatalf("Parse: %v", err)
	}
	if got := p.MemLen(); got != 2*4096 {
		t.Fatalf("MemLen = %d, want %d", got, 2*4096)
	}
}

func TestParseSegmentOverlapRejected(t *testing.T) {
	b := testelf.NewBuilder()
	b.SetEntry(0)
	b.AddLoadSegment(0, make([]byte, 8192), testelf.PFR)
	b.AddBSSSegment(0x1000, 4096, testelf.PFR|testelf.PFW)
	img := b.Build()

	_, err := Parse(img)
	if err != ErrSegmentOverlap {
		t.Fatalf("err = %v, want ErrSegmentOverlap", err)
	}
}

func TestParseTruncatedProgramHeaderTable(t *testing.T) {
	b := testelf.NewBuilder()
	b.SetEntry(0)
	b.AddLoadSegment(0, make([]byte, 4096), testelf.PFR)
	img := b.Build()

	// Truncate so e_phoff + e_phnum*56 > len(img).
	truncated := img[:testelf.HeaderSize+10]

	_, err := Parse(truncated)
	if err != ErrTruncatedTable {
		t.Fatalf("err = %v, want ErrTruncatedTable", err)
	}
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	if err != ErrTooShort {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
}

func TestParseBadMagic(t *testing.T) {
	b := testelf.NewBuilder()
	b.SetEntry(0)
	b.AddLoadSegment(0, make([]byte, 4096), testelf.PFR)
	img := b.Build()
	img[0] = 0x00

	_, err := Parse(img)
	if err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestParseEntryOutsideSegmentRejected(t *testing.T) {
	b := testelf.NewBuilder()
	b.SetEntry(0x9000) // not inside the single PT_LOAD
	b.AddLoadSegment(0, make([]byte, 4096), testelf.PFR|testelf.PFX)
	img := b.Build()

	_, err := Parse(img)
	if err != ErrBadEntry {
		t.Fatalf("err = %v, want ErrBadEntry", err)
	}
}

func TestParseMemLenMultipleOfAlign(t *testing.T) {
	b := testelf.NewBuilder()
	b.SetEntry(0)
	b.AddLoadSegment(0, make([]byte, 100), testelf.PFR)
	b.AddBSSSegment(0x5000, 500, testelf.PFR|testelf.PFW)
	img := b.Build()

	p, err := Parse(img)
	if err != ErrNone {
		t.Fatalf("Parse: %v", err)
	}
	align := p.MemAlign()
	if align < PageSize {
		t.Fatalf("MemAlign = %d, want >= %d", align, PageSize)
	}
	if p.MemLen()%align != 0 {
		t.Fatalf("MemLen %d not a multiple of MemAlign %d", p.MemLen(), align)
	}
}

func TestParseIsPureFunctionOfInput(t *testing.T) {
	b := testelf.NewBuilder()
	b.SetEntry(0x1000)
	b.AddLoadSegment(0x1000, make([]byte, 4096), testelf.PFR|testelf.PFX)
	img := b.Build()

	p1, err1 := Parse(img)
	p2, err2 := Parse(img)
	if err1 != err2 || p1.MemLen() != p2.MemLen() || p1.MemAlign() != p2.MemAlign() {
		t.Fatalf("Parse is not idempotent: (%+v,%v) != (%+v,%v)", p1, err1, p2, err2)
	}
}
