// Package emu runs a static x86-64 executable inside the unicorn CPU
// emulator. Only the raw system calls a freestanding program needs are
// serviced; everything else fails with ENOSYS.
//
// The emulator itself is only linked with the "unicorn" build tag. Loader and
// system call handling live here so they build and test without cgo.
package emu

import (
	"debug/elf"
	"errors"
	"fmt"

	"doit/internal/elfx"
)

// Name is the backend's registry key.
const Name = "emu"

const (
	pageSize  = 0x1000
	stackTop  = 0x7fff_f000_0000
	stackSize = 8 << 20
)

// Page protections, numerically equal to unicorn's PROT_* values.
const (
	protRead  = 1
	protWrite = 2
	protExec  = 4
)

// ErrDynamic is returned for executables that need a dynamic loader.
var ErrDynamic = errors.New("emulator runs static executables only")

// Mapping is one page-aligned emulator mapping.
type Mapping struct {
	Addr, Size uint64
	Prot       int
}

// Write is file-backed content copied into a mapping.
type Write struct {
	Addr uint64
	Data []byte
}

// Layout is the memory image of a loaded executable.
type Layout struct {
	Mappings []Mapping
	Writes   []Write
	Entry    uint64
	Break    uint64 // first page above the image, where the heap starts
}

// Plan lays out the PT_LOAD segments of im as emulator mappings. The bss
// tail of each segment stays zero-filled.
func Plan(im *elfx.Image) (Layout, error) {
	if !im.Static() {
		return Layout{}, fmt.Errorf("%w (interpreter %s)", ErrDynamic, im.Interp)
	}

	lay := Layout{Entry: im.Entry}
	for _, l := range im.Loads {
		if l.Memsz == 0 {
			continue
		}
		start := l.Vaddr &^ (pageSize - 1)
		end := alignUp(l.Vaddr + l.Memsz)
		p := prot(l.Flags)

		// Segments may share a boundary page with the previous one.
		if n := len(lay.Mappings); n > 0 {
			prev := &lay.Mappings[n-1]
			if prevEnd := prev.Addr + prev.Size; start < prevEnd {
				prev.Prot |= p
				start = prevEnd
			}
		}
		if end > start {
			lay.Mappings = append(lay.Mappings, Mapping{Addr: start, Size: end - start, Prot: p})
		}
		if data := im.SegmentData(l); len(data) > 0 {
			lay.Writes = append(lay.Writes, Write{Addr: l.Vaddr, Data: data})
		}
		if end > lay.Break {
			lay.Break = end
		}
	}
	if len(lay.Mappings) == 0 {
		return Layout{}, errors.New("no loadable segments")
	}
	return lay, nil
}

func prot(f elf.ProgFlag) int {
	p := 0
	if f&elf.PF_R != 0 {
		p |= protRead
	}
	if f&elf.PF_W != 0 {
		p |= protWrite
	}
	if f&elf.PF_X != 0 {
		p |= protExec
	}
	return p
}

func alignUp(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}
