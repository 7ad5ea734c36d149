package pieload

import (
	"encoding/binary"

	"github.com/xyproto/pieload/internal/bitset"
)

// Parse validates an untrusted byte slice as an ELF64 x86_64 image
// (ET_EXEC or ET_DYN) and produces a Parsed descriptor. It never
// allocates and never reads outside bytes: every offset it touches is
// checked before the read. bytes is borrowed read-only for the
// lifetime of the returned Parsed.
func Parse(bytes []byte) (Parsed, Error) {
	var p Parsed

	if len(bytes) < elfHeaderSize {
		return Parsed{}, ErrTooShort
	}

	if bytes[0] != 0x7f || bytes[1] != 'E' || bytes[2] != 'L' || bytes[3] != 'F' {
		return Parsed{}, ErrBadMagic
	}
	if bytes[eiClass] != elfClass64 {
		return Parsed{}, ErrBadClass
	}
	if bytes[eiData] != elfData2LSB {
		return Parsed{}, ErrBadData
	}
	if bytes[eiVersion] != evCurrent {
		return Parsed{}, ErrBadVersion
	}

	eType := binary.LittleEndian.Uint16(bytes[16:18])
	eMachine := binary.LittleEndian.Uint16(bytes[18:20])
	eVersion := binary.LittleEndian.Uint32(bytes[20:24])
	eEntry := binary.LittleEndian.Uint64(bytes[24:32])
	ePhOff := binary.LittleEndian.Uint64(bytes[32:40])
	eEhSize := binary.LittleEndian.Uint16(bytes[52:54])
	ePhEntSize := binary.LittleEndian.Uint16(bytes[54:56])
	ePhNum := binary.LittleEndian.Uint16(bytes[56:58])

	if eMachine != emX86_64 {
		return Parsed{}, ErrBadMachine
	}
	if eType != etExec && eType != etDyn {
		return Parsed{}, ErrBadType
	}
	if eVersion != evCurrent {
		return Parsed{}, ErrBadVersion
	}
	if eEhSize != elfHeaderSize || ePhEntSize != progHeaderSize {
		return Parsed{}, ErrBadHeaderSize
	}

	phTableLen := uint64(ePhNum) * uint64(progHeaderSize)
	phTableEnd := ePhOff + phTableLen
	if phTableEnd < ePhOff || phTableEnd > uint64(len(bytes)) {
		return Parsed{}, ErrTruncatedTable
	}

	var (
		ranges       bitset.Ranges
		haveLoad     bool
		minVAddr     uint64
		maxVAddr     uint64
		align        uint64 = PageSize
		numSegments  int
		segments     [maxTrackedSegments]SegmentInfo
		hasDynamic   bool
		dynVAddr     uint64
		dynFileOff   uint64
		dynFileSz    uint64
	)

	for i := uint16(0); i < ePhNum; i++ {
		off := ePhOff + uint64(i)*uint64(progHeaderSize)
		ph := bytes[off : off+progHeaderSize]

		pType := binary.LittleEndian.Uint32(ph[0:4])
		pFlags := binary.LittleEndian.Uint32(ph[4:8])
		pOffset := binary.LittleEndian.Uint64(ph[8:16])
		pVAddr := binary.LittleEndian.Uint64(ph[16:24])
		pFileSz := binary.LittleEndian.Uint64(ph[32:40])
		pMemSz := binary.LittleEndian.Uint64(ph[40:48])
		pAlign := binary.LittleEndian.Uint64(ph[48:56])

		switch pType {
		case ptLoad:
			fileEnd := pOffset + pFileSz
			if fileEnd < pOffset || fileEnd > uint64(len(bytes)) {
				return Parsed{}, ErrTruncatedTable
			}
			if pFileSz > pMemSz {
				return Parsed{}, ErrBadSegment
			}
			if pAlign == 0 || !isPowerOfTwo(pAlign) || pAlign%PageSize != 0 {
				return Parsed{}, ErrBadSegment
			}
			if pVAddr%pAlign != pOffset%pAlign {
				return Parsed{}, ErrBadSegment
			}

			vEnd := pVAddr + pMemSz
			if vEnd < pVAddr {
				return Parsed{}, ErrBadSegment
			}
			if numSegments >= maxTrackedSegments {
				return Parsed{}, ErrTooManySegments
			}
			if !ranges.Insert(pVAddr, vEnd) {
				return Parsed{}, ErrSegmentOverlap
			}

			segments[numSegments] = SegmentInfo{
				VAddr:    pVAddr,
				FileOff:  pOffset,
				FileSize: pFileSz,
				MemSize:  pMemSz,
				Align:    pAlign,
				Flags:    protFromFlags(pFlags),
			}
			numSegments++

			if !haveLoad {
				minVAddr, maxVAddr = pVAddr, vEnd
				haveLoad = true
			} else {
				if pVAddr < minVAddr {
					minVAddr = pVAddr
				}
				if vEnd > maxVAddr {
					maxVAddr = vEnd
				}
			}
			if pAlign > align {
				align = pAlign
			}

		case ptDynamic:
			if hasDynamic {
				return Parsed{}, ErrBadDynamic
			}
			fileEnd := pOffset + pFileSz
			if fileEnd < pOffset || fileEnd > uint64(len(bytes)) {
				return Parsed{}, ErrTruncatedTable
			}
			hasDynamic = true
			dynVAddr = pVAddr
			dynFileOff = pOffset
			dynFileSz = pFileSz
		}
	}

	if !haveLoad {
		return Parsed{}, ErrBadSegment
	}

	if hasDynamic {
		dynEnd := dynVAddr + dynFileSz
		enclosed := false
		for i := 0; i < numSegments; i++ {
			s := segments[i]
			if dynVAddr >= s.VAddr && dynEnd <= s.VAddr+s.MemSize {
				enclosed = true
				break
			}
		}
		if !enclosed {
			return Parsed{}, ErrBadDynamic
		}
	}

	entryOK := false
	for i := 0; i < numSegments; i++ {
		s := segments[i]
		if eEntry >= s.VAddr && eEntry < s.VAddr+s.MemSize {
			entryOK = true
			break
		}
	}
	if !entryOK {
		return Parsed{}, ErrBadEntry
	}

	p.data = bytes
	p.minVAddr = minVAddr
	p.maxVAddr = maxVAddr
	p.align = align
	p.entry = eEntry
	p.isDyn = eType == etDyn
	p.segments = segments
	p.numSegments = numSegments
	p.hasDynamic = hasDynamic
	p.dynVAddr = dynVAddr
	p.dynFileOff = dynFileOff
	p.dynFileSz = dynFileSz

	return p, ErrNone
}
