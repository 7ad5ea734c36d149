package pieload

import "unsafe"

// Load takes p and a mutable, aligned destination slice sized to
// p.MemLen(), materialising the image's PT_LOAD segments into it. On
// success it returns a Loaded handle that owns dest; the returned
// byte slice is nil. On failure dest is returned unchanged: a failed
// stage surrenders the destination slice back to the caller, and the
// returned Loaded is the zero value.
//
// p itself is never consumed: it holds no mutable state, so it may be
// reused with a fresh destination after a failed Load.
func (p *Parsed) Load(dest []byte) (Loaded, []byte, Error) {
	memLen := p.MemLen()
	memAlign := p.MemAlign()

	if uint64(len(dest)) < memLen {
		return Loaded{}, dest, ErrBadDestination
	}
	if memLen > 0 {
		addr := uintptr(unsafe.Pointer(&dest[0]))
		if uint64(addr)%memAlign != 0 {
			return Loaded{}, dest, ErrBadDestination
		}
	}

	clear(dest[:memLen])

	for i := 0; i < p.numSegments; i++ {
		s := p.segments[i]
		off := s.VAddr - p.minVAddr
		copy(dest[off:off+s.FileSize], p.data[s.FileOff:s.FileOff+s.FileSize])
	}

	var l Loaded
	l.dest = dest
	l.minVAddr = p.minVAddr
	l.span = memLen
	l.align = memAlign
	l.entryOff = p.entry - p.minVAddr
	l.segments = p.segments
	l.numSegments = p.numSegments
	l.hasDynamic = p.hasDynamic
	if p.hasDynamic {
		l.dynOff = p.dynVAddr - p.minVAddr
		l.dynSz = p.dynFileSz
	}

	return l, nil, ErrNone
}

// LoaderBase returns the destination slice's starting address, the
// natural default virtual base to pass to Reloc when the image is
// being loaded for the caller's own address space.
func (l *Loaded) LoaderBase() uint64 {
	if len(l.dest) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&l.dest[0])))
}
