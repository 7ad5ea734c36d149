package pieload

import "encoding/binary"

// RelocOptions tunes the relocator's handling of relocation kinds the
// bare spec leaves rejected by default.
type RelocOptions struct {
	// AllowAbsoluteAliases permits R_X86_64_64, R_X86_64_GLOB_DAT and
	// R_X86_64_JUMP_SLOT entries with a zero symbol index to be
	// treated as RELATIVE, using the slot's current contents as the
	// implicit addend. Off by default: a producer toolchain must be
	// known to emit these before a caller opts in.
	AllowAbsoluteAliases bool
}

const relrWordBits = 64 // bits per DT_RELR entry on a 64-bit target

// Reloc consumes l, rewrites its dynamic relocations against base, and
// (if protect is non-nil) invokes protect once per PT_LOAD with the
// permission triple derived from p_flags. On success it returns a
// Ready handle owning the destination slice; the returned byte slice
// is nil. On failure the destination slice is returned to the caller
// unchanged except for whatever relocations were already applied
// in-place before the failing step (the spec makes no rollback
// guarantee: a partially relocated buffer must be treated as unusable
// by the caller).
//
// l is consumed unconditionally: calling Reloc a second time on the
// same Loaded panics, whether or not the first call succeeded.
func (l *Loaded) Reloc(base uint64, protect ProtectFunc, opts RelocOptions) (Ready, []byte, Error) {
	l.guard.Consume()

	if !l.hasDynamic {
		if base != l.LoaderBase() {
			return Ready{}, l.dest, ErrNotRelocatable
		}
	} else if err := l.applyDynamicRelocations(base, opts); err != ErrNone {
		return Ready{}, l.dest, err
	}

	var ready Ready
	for i := 0; i < l.numSegments; i++ {
		s := l.segments[i]
		off := s.VAddr - l.minVAddr
		addr := base + off
		length := alignUp(s.MemSize, PageSize)
		prot := s.Flags

		if ready.numProtections < maxTrackedSegments {
			ready.protections[ready.numProtections] = Protection{Addr: addr, Len: length, Prot: prot}
			ready.numProtections++
		}

		if protect != nil {
			if protectErr := protect(addr, length, prot); protectErr != nil {
				return Ready{}, l.dest, ErrProtectFailed
			}
		}
	}

	ready.dest = l.dest
	ready.entryAddr = base + l.entryOff
	ready.base = base

	return ready, nil, ErrNone
}

// applyDynamicRelocations walks PT_DYNAMIC, locates the RELA and RELR
// tables if present, and rewrites every in-image slot they describe.
func (l *Loaded) applyDynamicRelocations(base uint64, opts RelocOptions) Error {
	var (
		haveRela              bool
		relaVAddr, relaSz     uint64
		relaEnt               uint64
		haveRelr              bool
		relrVAddr, relrSz     uint64
		relrEnt               uint64
	)

dynWalk:
	for pos := uint64(0); pos+dynEntrySize <= l.dynSz; pos += dynEntrySize {
		entry := l.dest[l.dynOff+pos : l.dynOff+pos+dynEntrySize]
		tag := binary.LittleEndian.Uint64(entry[0:8])
		val := binary.LittleEndian.Uint64(entry[8:16])

		switch tag {
		case dtNull:
			break dynWalk
		case dtRela:
			haveRela = true
			relaVAddr = val
		case dtRelaSz:
			relaSz = val
		case dtRelaEnt:
			relaEnt = val
		case dtRelr:
			haveRelr = true
			relrVAddr = val
		case dtRelrSz:
			relrSz = val
		case dtRelrEnt:
			relrEnt = val
		}
	}

	if haveRela {
		if err := l.applyRela(base, relaVAddr, relaSz, relaEnt, opts); err != ErrNone {
			return err
		}
	}
	if haveRelr {
		if err := l.applyRelr(base, relrVAddr, relrSz, relrEnt); err != ErrNone {
			return err
		}
	}
	return ErrNone
}

func (l *Loaded) vaddrOffset(vaddr, size uint64) (uint64, Error) {
	if vaddr < l.minVAddr {
		return 0, ErrBadDynamic
	}
	off := vaddr - l.minVAddr
	end := off + size
	if end < off || end > l.span {
		return 0, ErrBadDynamic
	}
	return off, ErrNone
}

func (l *Loaded) applyRela(base, relaVAddr, relaSz, relaEnt uint64, opts RelocOptions) Error {
	if relaEnt != relaEntrySize {
		return ErrBadDynamic
	}
	if relaSz%relaEnt != 0 {
		return ErrBadDynamic
	}
	tableOff, verr := l.vaddrOffset(relaVAddr, relaSz)
	if verr != ErrNone {
		return verr
	}

	count := relaSz / relaEnt
	for i := uint64(0); i < count; i++ {
		entry := l.dest[tableOff+i*relaEnt : tableOff+i*relaEnt+relaEnt]
		rOffset := binary.LittleEndian.Uint64(entry[0:8])
		rInfo := binary.LittleEndian.Uint64(entry[8:16])
		rAddend := binary.LittleEndian.Uint64(entry[16:24])

		relType := rInfo & 0xFFFFFFFF
		sym := rInfo >> 32

		slotOff, err := l.vaddrOffset(rOffset, 8)
		if err != ErrNone {
			return ErrBadDynamic
		}

		switch {
		case relType == rX86_64None:
			// no-op
		case relType == rX86_64Relative:
			binary.LittleEndian.PutUint64(l.dest[slotOff:slotOff+8], base+rAddend)
		case sym != 0:
			return ErrUnsupportedReloc
		case opts.AllowAbsoluteAliases && isAbsoluteAliasType(relType):
			current := binary.LittleEndian.Uint64(l.dest[slotOff : slotOff+8])
			binary.LittleEndian.PutUint64(l.dest[slotOff:slotOff+8], base+current)
		default:
			return ErrUnsupportedReloc
		}
	}
	return ErrNone
}

func isAbsoluteAliasType(relType uint64) bool {
	switch relType {
	case rX86_64_64, rX86_64GlobDat, rX86_64JumpSlot:
		return true
	default:
		return false
	}
}

// applyRelr decodes the SysV gABI RELR bitmap-compressed stream of
// RELATIVE relocations: each 8-byte entry either carries an address
// (low bit clear) or a bitmap of offsets relative to the last address
// (low bit set), per the scheme documented for DT_RELR.
func (l *Loaded) applyRelr(base, relrVAddr, relrSz, relrEnt uint64) Error {
	if relrEnt != 8 {
		return ErrBadDynamic
	}
	if relrSz%relrEnt != 0 {
		return ErrBadDynamic
	}
	tableOff, verr := l.vaddrOffset(relrVAddr, relrSz)
	if verr != ErrNone {
		return verr
	}

	count := relrSz / relrEnt
	var cur uint64
	applyAt := func(vaddr uint64) Error {
		off, err := l.vaddrOffset(vaddr, 8)
		if err != ErrNone {
			return err
		}
		existing := binary.LittleEndian.Uint64(l.dest[off : off+8])
		binary.LittleEndian.PutUint64(l.dest[off:off+8], base+existing)
		return ErrNone
	}

	for i := uint64(0); i < count; i++ {
		entry := binary.LittleEndian.Uint64(l.dest[tableOff+i*8 : tableOff+i*8+8])
		if entry&1 == 0 {
			if err := applyAt(entry); err != ErrNone {
				return err
			}
			cur = entry + 8
		} else {
			addr := cur
			bits := entry >> 1
			for bits != 0 {
				if bits&1 != 0 {
					if err := applyAt(addr); err != ErrNone {
						return err
					}
				}
				addr += 8
				bits >>= 1
			}
			cur += 8 * (relrWordBits - 1)
		}
	}
	return ErrNone
}
