// Package bitset implements the bounded, heap-free range table the
// parser uses to detect overlapping PT_LOAD virtual ranges. Capacity
// is fixed at compile time so the parser never allocates; inserting
// past capacity is a caller-visible failure rather than a silent grow.
package bitset

// Capacity is the maximum number of ranges a Ranges value can track.
const Capacity = 64

// Ranges is a fixed-capacity, sorted set of non-overlapping half-open
// intervals [Lo, Hi). It is a value type: its zero value is an empty
// set ready to use.
type Ranges struct {
	lo, hi [Capacity]uint64
	n      int
}

// Insert adds [lo, hi) to the set. It reports false without modifying
// the set if the range is empty (lo >= hi), overlaps an existing one,
// or capacity is exhausted; the caller tells a full set apart by
// checking Len() == Capacity beforehand, and an empty range by
// comparing lo and hi, if it needs to.
func (r *Ranges) Insert(lo, hi uint64) bool {
	if lo >= hi {
		return false
	}
	// Find the insertion point keeping lo[] sorted ascending, checking
	// for overlap against neighbours as we go.
	pos := 0
	for pos < r.n && r.lo[pos] < lo {
		pos++
	}
	if pos > 0 && r.hi[pos-1] > lo {
		return false // overlaps predecessor
	}
	if pos < r.n && r.lo[pos] < hi {
		return false // overlaps successor
	}
	if r.n >= Capacity {
		return false
	}
	copy(r.lo[pos+1:r.n+1], r.lo[pos:r.n])
	copy(r.hi[pos+1:r.n+1], r.hi[pos:r.n])
	r.lo[pos] = lo
	r.hi[pos] = hi
	r.n++
	return true
}

// Len reports how many ranges are currently tracked.
func (r *Ranges) Len() int {
	return r.n
}
