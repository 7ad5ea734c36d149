package pieload

import (
	"math/rand"
	"testing"
)

// TestParseNeverReadsOutOfBounds checks that Parse on arbitrary byte
// sequences either fails cleanly or returns a descriptor whose
// recorded offsets all satisfy off+size <= len(input), and that it
// never panics. This is a plain math/rand-seeded loop rather than an
// imported fuzzing library.
func TestParseNeverReadsOutOfBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 2000; trial++ {
		n := rng.Intn(512)
		buf := make([]byte, n)
		rng.Read(buf)

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Parse panicked on trial %d (len=%d): %v", trial, n, r)
				}
			}()

			p, err := Parse(buf)
			if err != ErrNone {
				return
			}

			if p.MemAlign() < PageSize {
				t.Fatalf("trial %d: MemAlign = %d, want >= %d", trial, p.MemAlign(), PageSize)
			}
			if p.MemLen()%p.MemAlign() != 0 {
				t.Fatalf("trial %d: MemLen %d not a multiple of MemAlign %d", trial, p.MemLen(), p.MemAlign())
			}
			for _, s := range p.Segments() {
				if s.FileOff+s.FileSize > uint64(len(buf)) {
					t.Fatalf("trial %d: segment file range [%d,%d) exceeds input len %d",
						trial, s.FileOff, s.FileOff+s.FileSize, len(buf))
				}
			}
		}()
	}
}

// TestParseIdempotentUnderRandomInput complements
// TestParseIsPureFunctionOfInput with randomly generated inputs,
// including ones that fail to parse.
func TestParseIdempotentUnderRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	for trial := 0; trial < 500; trial++ {
		n := rng.Intn(256)
		buf := make([]byte, n)
		rng.Read(buf)

		p1, err1 := Parse(buf)
		p2, err2 := Parse(buf)
		if err1 != err2 {
			t.Fatalf("trial %d: err1=%v err2=%v", trial, err1, err2)
		}
		if err1 == ErrNone && (p1.MemLen() != p2.MemLen() || p1.MemAlign() != p2.MemAlign()) {
			t.Fatalf("trial %d: non-idempotent parse", trial)
		}
	}
}
