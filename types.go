package pieload

import "github.com/xyproto/pieload/internal/handle"

// SegmentInfo is a read-only, copy-out view of one validated PT_LOAD
// entry: virtual range, file range, required alignment and
// permission flags. Parsed.Segments returns these for callers that
// want to inspect the image before loading it, e.g. to size a custom
// allocator precisely rather than trust MemLen alone.
type SegmentInfo struct {
	VAddr    uint64
	FileOff  uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
	Flags    Prot
}

// Prot is the permission triple derived from a PT_LOAD's p_flags,
// passed to the protection callback and recorded in Ready.Protections.
type Prot uint8

const (
	ProtR Prot = 1 << iota
	ProtW
	ProtX
)

func (p Prot) String() string {
	var b [3]byte
	i := 0
	if p&ProtR != 0 {
		b[i] = 'R'
		i++
	}
	if p&ProtW != 0 {
		b[i] = 'W'
		i++
	}
	if p&ProtX != 0 {
		b[i] = 'X'
		i++
	}
	if i == 0 {
		return "-"
	}
	return string(b[:i])
}

func protFromFlags(pFlags uint32) Prot {
	var p Prot
	if pFlags&pfR != 0 {
		p |= ProtR
	}
	if pFlags&pfW != 0 {
		p |= ProtW
	}
	if pFlags&pfX != 0 {
		p |= ProtX
	}
	return p
}

// Protection records one call the relocator made (or would make) to
// the protection callback: the address range and permission triple
// derived from a PT_LOAD's p_flags.
type Protection struct {
	Addr uint64
	Len  uint64
	Prot Prot
}

// ProtectFunc installs memory protections for a region. It is called
// at most once per PT_LOAD, in program-header order; overlapping
// calls are allowed and the last call's protection wins for shared
// bytes. A non-nil return aborts relocation with ErrProtectFailed.
type ProtectFunc func(addr, length uint64, prot Prot) error

// Parsed is the result of a successful Parse: the input slice plus
// every offset and size the parser validated against it. Parsed
// values are plain, read-only data — they hold no guard and may be
// shared across goroutines or handed to Load more than once (spec:
// "the Parsed handle remains independently valid and may be re-used
// with a fresh destination" after a failed Load).
type Parsed struct {
	data []byte

	minVAddr uint64
	maxVAddr uint64
	align    uint64
	entry    uint64
	isDyn    bool

	segments    [maxTrackedSegments]SegmentInfo
	numSegments int

	hasDynamic bool
	dynVAddr   uint64
	dynFileOff uint64
	dynFileSz  uint64
}

// MemLen returns the image span in bytes: the contiguous region every
// PT_LOAD must be materialised into.
func (p *Parsed) MemLen() uint64 {
	return alignUp(p.maxVAddr, p.align) - alignDown(p.minVAddr, p.align)
}

// MemAlign returns the image's required alignment: the largest
// p_align among its PT_LOAD segments, never smaller than PageSize.
func (p *Parsed) MemAlign() uint64 {
	return p.align
}

// Segments returns a read-only view of the validated PT_LOAD table,
// in program-header order. The returned slice aliases Parsed's own
// backing array; it is valid only as long as Parsed is.
func (p *Parsed) Segments() []SegmentInfo {
	return p.segments[:p.numSegments]
}

// Loaded is the result of a successful Load: a mutable destination
// slice now holding the materialised image, plus everything the
// relocator needs to find PT_DYNAMIC inside it. Reloc consumes a
// Loaded exactly once; a second call panics via the embedded guard.
type Loaded struct {
	dest []byte

	minVAddr uint64
	span     uint64
	align    uint64
	entryOff uint64 // e_entry - min_vaddr, offset into dest

	segments    [maxTrackedSegments]SegmentInfo
	numSegments int

	hasDynamic bool
	dynOff     uint64 // in-image offset of PT_DYNAMIC
	dynSz      uint64

	guard handle.Guard
}

// Ready is the result of a successful Reloc: the owning memory slice
// and the absolute entry pointer, plus a record of every protection
// call the relocator made.
type Ready struct {
	dest      []byte
	entryAddr uint64
	base      uint64

	protections    [maxTrackedSegments]Protection
	numProtections int
}

// Entry returns the absolute entry pointer: base + (e_entry - min_vaddr).
func (r *Ready) Entry() uint64 {
	return r.entryAddr
}

// Mem returns the owning memory slice backing the loaded, relocated
// image.
func (r *Ready) Mem() []byte {
	return r.dest
}

// Protections returns the (addr, len, prot) triples the relocator
// passed (or would have passed, if protect was nil) to the protection
// callback, one per PT_LOAD, in program-header order.
func (r *Ready) Protections() []Protection {
	return r.protections[:r.numProtections]
}
