// Command pieload-demo parses, loads, and relocates a PIE ELF64 image
// given on the command line. It supplies the two collaborators the
// core library deliberately stays out of: an anonymous mmap as the
// destination allocator, and mprotect as the protection callback. It
// prints the resulting entry address and memory span; it never jumps
// to the entry point.
package main

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	"github.com/xyproto/env/v2"
	"golang.org/x/sys/unix"

	"github.com/xyproto/pieload"
)

var verbose bool

func main() {
	defaultVerbose := env.Bool("PIELOAD_VERBOSE", false)
	baseOverride := env.Int("PIELOAD_BASE", 0)

	flag.BoolVar(&verbose, "v", defaultVerbose, "trace parsing, loading and relocation")
	base := flag.Uint64("base", uint64(baseOverride), "virtual base for relocation (0 = loader_base)")
	allowAliases := flag.Bool("allow-absolute-aliases", false, "accept sym==0 R_X86_64_64/GLOB_DAT/JUMP_SLOT as RELATIVE")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: pieload-demo [flags] <elf-path>\n")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *base, *allowAliases); err != nil {
		fmt.Fprintf(os.Stderr, "pieload-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, base uint64, allowAliases bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	parsed, perr := pieload.Parse(raw)
	if perr != pieload.ErrNone {
		return fmt.Errorf("parse %s: %w", path, perr)
	}
	trace("parsed %s: %d segment(s), mem_len=%#x mem_align=%#x",
		path, len(parsed.Segments()), parsed.MemLen(), parsed.MemAlign())

	dest, merr := unix.Mmap(-1, 0, int(parsed.MemLen()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if merr != nil {
		return fmt.Errorf("mmap: %w", merr)
	}

	loaded, failedDest, lerr := parsed.Load(dest)
	if lerr != pieload.ErrNone {
		unmap(failedDest)
		return fmt.Errorf("load %s: %w", path, lerr)
	}
	trace("loaded at %#x", loaded.LoaderBase())

	if base == 0 {
		base = loaded.LoaderBase()
	}

	loaderBase := loaded.LoaderBase()
	protect := func(addr, length uint64, prot pieload.Prot) error {
		trace("protect %#x..%#x %s", addr, addr+length, prot)
		if base != loaderBase {
			// Relocating for a foreign address space: there is nothing
			// at addr in this process to mprotect.
			return nil
		}
		return mprotect(addr, length, prot)
	}

	ready, failedDest, rerr := loaded.Reloc(base, protect, pieload.RelocOptions{AllowAbsoluteAliases: allowAliases})
	if rerr != pieload.ErrNone {
		unmap(failedDest)
		return fmt.Errorf("reloc %s: %w", path, rerr)
	}

	fmt.Printf("entry=%#x mem=[%#x,%#x)\n", ready.Entry(),
		addrOf(ready.Mem()), addrOf(ready.Mem())+uint64(len(ready.Mem())))
	return nil
}

func mprotect(addr, length uint64, prot pieload.Prot) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
	return unix.Mprotect(b, protToSyscall(prot))
}

func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func protToSyscall(p pieload.Prot) int {
	var flags int
	if p&pieload.ProtR != 0 {
		flags |= unix.PROT_READ
	}
	if p&pieload.ProtW != 0 {
		flags |= unix.PROT_WRITE
	}
	if p&pieload.ProtX != 0 {
		flags |= unix.PROT_EXEC
	}
	return flags
}

func unmap(b []byte) {
	if b == nil {
		return
	}
	if err := unix.Munmap(b); err != nil {
		fmt.Fprintf(os.Stderr, "pieload-demo: munmap: %v\n", err)
	}
}

func trace(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "pieload-demo: "+format+"\n", args...)
	}
}
