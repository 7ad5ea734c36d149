// Package testelf builds synthetic ELF64 images for exercising the
// parser, loader and relocator. It is adapted from the standalone
// ELF64 writer in the retrieved pack (lcox74-bfcc's pkg/elf), which
// already shaped Header64/Phdr64 and a Builder around exactly the
// PT_LOAD structures the core validates. This version adds ET_DYN
// support and a PT_DYNAMIC/RELA/RELR writer so the fixtures can cover
// the relocator's test matrix, not just the loader's.
package testelf

import "encoding/binary"

// ELF64 structural sizes and constants, matching the names pieload
// uses on the reader side.
const (
	HeaderSize = 64
	PhdrSize   = 56
	PageSize   = 0x1000

	ClassElf64   = 2
	Data2LSB     = 1
	VersionCur   = 1
	MachineX8664 = 62

	TypeExec = 2
	TypeDyn  = 3

	PTLoad    = 1
	PTDynamic = 2

	PFX = 0x1
	PFW = 0x2
	PFR = 0x4

	DTNull    = 0
	DTRela    = 7
	DTRelaSz  = 8
	DTRelaEnt = 9
	DTRelrSz  = 35
	DTRelr    = 36
	DTRelrEnt = 37

	RelX8664None     = 0
	RelX8664_64      = 1
	RelX8664GlobDat  = 6
	RelX8664JumpSlot = 7
	RelX8664Relative = 8

	RelaEntrySize = 24
	DynEntrySize  = 16
)

// DynEntry is one (d_tag, d_val) pair in a PT_DYNAMIC table.
type DynEntry struct {
	Tag uint64
	Val uint64
}

// RelaEntry is one Elf64_Rela record.
type RelaEntry struct {
	Offset uint64
	Info   uint64 // (sym << 32) | type
	Addend int64
}

// segment is a to-be-emitted program header plus its file content.
type segment struct {
	ptype  uint32
	flags  uint32
	vaddr  uint64
	data   []byte
	memSz  uint64
	align  uint64
	isBSS  bool
}

// Builder assembles a synthetic ELF64 image byte-by-byte the way
// lcox74-bfcc's elf.Builder does, extended with a dynamic-segment
// writer.
type Builder struct {
	etype    uint16
	entry    uint64
	segments []segment
}

// NewBuilder creates a builder for an ET_DYN image (the default this
// loader expects); call SetType to produce an ET_EXEC fixture.
func NewBuilder() *Builder {
	return &Builder{etype: TypeDyn}
}

// SetType overrides the e_type field (TypeExec or TypeDyn).
func (b *Builder) SetType(etype uint16) {
	b.etype = etype
}

// SetEntry sets the entry point virtual address.
func (b *Builder) SetEntry(vaddr uint64) {
	b.entry = vaddr
}

// AddLoadSegment adds a loadable segment backed by file data.
func (b *Builder) AddLoadSegment(vaddr uint64, data []byte, flags uint32) {
	b.segments = append(b.segments, segment{
		ptype: PTLoad,
		flags: flags,
		vaddr: vaddr,
		data:  data,
		memSz: uint64(len(data)),
		align: PageSize,
	})
}

// AddBSSSegment adds a zero-initialized, file-data-free segment whose
// memory size may exceed its (zero) file size.
func (b *Builder) AddBSSSegment(vaddr, memSz uint64, flags uint32) {
	b.segments = append(b.segments, segment{
		ptype: PTLoad,
		flags: flags,
		vaddr: vaddr,
		memSz: memSz,
		align: PageSize,
		isBSS: true,
	})
}

// AddDynamicSegment adds a PT_LOAD carrying the encoded dynamic table
// at vaddr, plus the matching PT_DYNAMIC entry the parser requires to
// find it. flags is normally PFR (dynamic tables are read-only data).
func (b *Builder) AddDynamicSegment(vaddr uint64, entries []DynEntry, flags uint32) {
	data := EncodeDyn(entries)
	b.segments = append(b.segments, segment{
		ptype: PTLoad,
		flags: flags,
		vaddr: vaddr,
		data:  data,
		memSz: uint64(len(data)),
		align: PageSize,
	})
	b.segments = append(b.segments, segment{
		ptype: PTDynamic,
		flags: flags,
		vaddr: vaddr,
		data:  data,
		memSz: uint64(len(data)),
		align: 8,
	})
}

// EncodeDyn encodes a dynamic table, including the trailing DT_NULL
// terminator the caller must not supply itself.
func EncodeDyn(entries []DynEntry) []byte {
	out := make([]byte, 0, (len(entries)+1)*DynEntrySize)
	for _, e := range entries {
		out = appendLE64(out, e.Tag)
		out = appendLE64(out, e.Val)
	}
	out = appendLE64(out, DTNull)
	out = appendLE64(out, 0)
	return out
}

// EncodeRela encodes a table of Elf64_Rela entries.
func EncodeRela(entries []RelaEntry) []byte {
	out := make([]byte, 0, len(entries)*RelaEntrySize)
	for _, e := range entries {
		out = appendLE64(out, e.Offset)
		out = appendLE64(out, e.Info)
		out = appendLE64(out, uint64(e.Addend))
	}
	return out
}

// EncodeRelr encodes a sequence of raw DT_RELR words (addresses or
// bitmaps); callers compute the gABI encoding themselves and pass the
// resulting words here.
func EncodeRelr(words []uint64) []byte {
	out := make([]byte, 0, len(words)*8)
	for _, w := range words {
		out = appendLE64(out, w)
	}
	return out
}

// Build produces the final ELF64 image: header, then every program
// header in insertion order, then every segment's file data padded to
// a page boundary after the headers.
func (b *Builder) Build() []byte {
	numPhdrs := len(b.segments)
	headerSpan := HeaderSize + numPhdrs*PhdrSize
	dataOffset := alignUp(uint64(headerSpan), PageSize)

	out := make([]byte, 0, dataOffset)
	out = b.writeHeader(out, numPhdrs)

	// Each non-BSS segment starts at a page-aligned file offset so its
	// p_vaddr (almost always page-aligned in these fixtures) stays
	// congruent to p_offset modulo p_align, as every PT_LOAD requires.
	fileOffset := dataOffset
	offsets := make([]uint64, numPhdrs)
	for i, seg := range b.segments {
		if seg.isBSS {
			offsets[i] = 0
			continue
		}
		offsets[i] = fileOffset
		fileOffset = alignUp(fileOffset+uint64(len(seg.data)), PageSize)
	}

	for i, seg := range b.segments {
		out = appendLE32(out, seg.ptype)
		out = appendLE32(out, seg.flags)
		out = appendLE64(out, offsets[i])
		out = appendLE64(out, seg.vaddr)
		out = appendLE64(out, seg.vaddr) // p_paddr, unused by the reader
		if seg.isBSS {
			out = appendLE64(out, 0)
		} else {
			out = appendLE64(out, uint64(len(seg.data)))
		}
		out = appendLE64(out, seg.memSz)
		out = appendLE64(out, seg.align)
	}

	for uint64(len(out)) < dataOffset {
		out = append(out, 0)
	}
	for _, seg := range b.segments {
		if seg.isBSS {
			continue
		}
		out = append(out, seg.data...)
		padded := alignUp(uint64(len(out)), PageSize)
		for uint64(len(out)) < padded {
			out = append(out, 0)
		}
	}

	return out
}

func (b *Builder) writeHeader(out []byte, numPhdrs int) []byte {
	var ident [16]byte
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = ClassElf64
	ident[5] = Data2LSB
	ident[6] = VersionCur

	out = append(out, ident[:]...)
	out = appendLE16(out, b.etype)
	out = appendLE16(out, MachineX8664)
	out = appendLE32(out, VersionCur)
	out = appendLE64(out, b.entry)
	out = appendLE64(out, HeaderSize)
	out = appendLE64(out, 0) // e_shoff
	out = appendLE32(out, 0) // e_flags
	out = appendLE16(out, HeaderSize)
	out = appendLE16(out, PhdrSize)
	out = appendLE16(out, uint16(numPhdrs))
	out = appendLE16(out, 0) // e_shentsize
	out = appendLE16(out, 0) // e_shnum
	out = appendLE16(out, 0) // e_shstrndx
	return out
}

func appendLE16(out []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(out, buf[:]...)
}

func appendLE32(out []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(out, buf[:]...)
}

func appendLE64(out []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(out, buf[:]...)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
