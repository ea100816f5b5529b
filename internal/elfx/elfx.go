// Package elfx provides helpers for opening x86-64 ELF executables, locating
// segments and sections, mapping virtual addresses to file offsets and
// naming code addresses.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sys/unix"
)

// ErrNotX86_64 is returned for ELF files of another machine or class.
var ErrNotX86_64 = errors.New("not an x86-64 ELF executable")

type Image struct {
	Path    string
	File    *elf.File
	All     []byte
	Entry   uint64
	Interp  string // PT_INTERP, empty for static executables
	Loads   []Seg
	Text    Section
	Rodata  Section
	Data    Section
	PLT     Section
	PLTSec  Section
	Syms    []Sym // sorted by address
	PLTRels []PLTRel
	stubs   map[uint64]string
	f       *os.File
}

type Seg struct {
	Vaddr, Off, Filesz, Memsz uint64
	Flags                     elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

// Contains reports whether va lies in the section.
func (s Section) Contains(va uint64) bool {
	return s.Size != 0 && va >= s.VA && va < s.VA+s.Size
}

type Sym struct {
	Name string
	Addr uint64
	Size uint64
	Func bool
}

type PLTRel struct {
	GOT     uint64
	SymName string
}

// Open maps path and indexes its segments, sections and symbols.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		f.Close()
		return nil, fmt.Errorf("%s: %w (%s %s)", path, ErrNotX86_64, f.Class, f.Machine)
	}

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := unix.Mmap(int(of.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		of.Close()
		f.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, File: f, All: all, Entry: f.Entry, f: of}
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			im.Loads = append(im.Loads, Seg{
				Vaddr:  p.Vaddr,
				Off:    p.Off,
				Filesz: p.Filesz,
				Memsz:  p.Memsz,
				Flags:  p.Flags,
			})
		case elf.PT_INTERP:
			if b, ok := im.slice(p.Off, p.Filesz); ok {
				im.Interp = strings.TrimRight(string(b), "\x00")
			}
		}
	}

	for _, s := range f.Sections {
		sec := Section{s.Name, s.Addr, s.Offset, s.Size}
		switch s.Name {
		case ".text":
			im.Text = sec
		case ".rodata":
			im.Rodata = sec
		case ".data":
			im.Data = sec
		case ".plt":
			im.PLT = sec
		case ".plt.sec":
			im.PLTSec = sec
		}
	}

	im.loadSymbols()
	im.loadPLTRelocations()
	im.parsePLTStubs()

	// Fallback if stripped of section headers.
	if im.Text.Size == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var merr *multierror.Error
	if im.All != nil {
		if err := unix.Munmap(im.All); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("munmap: %w", err))
		}
		im.All = nil
	}
	if im.f != nil {
		if err := im.f.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close file: %w", err))
		}
		im.f = nil
	}
	if im.File != nil {
		if err := im.File.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close elf: %w", err))
		}
		im.File = nil
	}
	return merr.ErrorOrNil()
}

// Static reports whether the image runs without a dynamic loader.
func (im *Image) Static() bool {
	return im.Interp == ""
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l.Off + (va - l.Vaddr), true
		}
	}
	return 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual address range [va, va+size).
// It returns (nil, false) if the VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	return im.slice(off, size)
}

// SegmentData returns the file-backed bytes of a load segment.
func (im *Image) SegmentData(s Seg) []byte {
	b, _ := im.slice(s.Off, s.Filesz)
	return b
}

// Executable returns the PT_LOAD segments mapped executable.
func (im *Image) Executable() []Seg {
	var out []Seg
	for _, l := range im.Loads {
		if l.Flags&elf.PF_X != 0 {
			out = append(out, l)
		}
	}
	return out
}

func (im *Image) slice(off, size uint64) ([]byte, bool) {
	end := off + size
	if end < off || end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// Symbolize names the code address va as symbol+offset, demangled. It
// returns false when no symbol covers va.
func (im *Image) Symbolize(va uint64) (string, bool) {
	if name, ok := im.stubs[va]; ok {
		return name + "@plt", true
	}
	s, ok := im.FunctionAt(va)
	if !ok {
		return "", false
	}
	name := demangle.Filter(s.Name, demangle.NoClones)
	if va == s.Addr {
		return name, true
	}
	return fmt.Sprintf("%s+%#x", name, va-s.Addr), true
}

// FunctionAt returns the function symbol covering va. Symbols without a
// size cover only their first byte.
func (im *Image) FunctionAt(va uint64) (Sym, bool) {
	i := sort.Search(len(im.Syms), func(i int) bool { return im.Syms[i].Addr > va }) - 1
	for ; i >= 0; i-- {
		s := im.Syms[i]
		if !s.Func {
			continue
		}
		end := s.Addr + max(s.Size, 1)
		if va >= end {
			return Sym{}, false
		}
		return s, true
	}
	return Sym{}, false
}

// FindFunctionByName returns the address of the named function symbol.
func (im *Image) FindFunctionByName(name string) (uint64, bool) {
	for _, s := range im.Syms {
		if s.Func && s.Name == name {
			return s.Addr, true
		}
	}
	return 0, false
}

// PLTName returns the imported symbol an x86-64 PLT stub jumps to.
func (im *Image) PLTName(va uint64) (string, bool) {
	name, ok := im.stubs[va]
	return name, ok
}

// loadSymbols merges .symtab and .dynsym, skipping undefined entries.
func (im *Image) loadSymbols() {
	type key struct {
		name string
		addr uint64
	}
	seen := make(map[key]bool)
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Value == 0 || s.Section == elf.SHN_UNDEF || s.Name == "" {
				continue
			}
			k := key{s.Name, s.Value}
			if seen[k] {
				continue
			}
			seen[k] = true
			isFunc := elf.ST_TYPE(s.Info) == elf.STT_FUNC
			im.Syms = append(im.Syms, Sym{Name: s.Name, Addr: s.Value, Size: s.Size, Func: isFunc})
		}
	}
	if syms, err := im.File.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := im.File.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.SliceStable(im.Syms, func(i, j int) bool { return im.Syms[i].Addr < im.Syms[j].Addr })
}

// loadPLTRelocations reads .rela.plt (24-byte RELA entries).
func (im *Image) loadPLTRelocations() {
	sec := im.File.Section(".rela.plt")
	if sec == nil {
		return
	}
	data, err := sec.Data()
	if err != nil {
		return
	}
	dynsyms, err := im.File.DynamicSymbols()
	if err != nil {
		return
	}

	const entrySize = 24
	for off := 0; off+entrySize <= len(data); off += entrySize {
		got := binary.LittleEndian.Uint64(data[off:])
		info := binary.LittleEndian.Uint64(data[off+8:])
		idx := uint32(info >> 32)
		var name string
		if idx > 0 && int(idx) <= len(dynsyms) {
			name = dynsyms[idx-1].Name // relocation indices count the null symbol
		}
		im.PLTRels = append(im.PLTRels, PLTRel{GOT: got, SymName: name})
	}
}

// parsePLTStubs scans .plt and .plt.sec for "jmp [rip+disp32]" stubs and
// names each by the relocation of the GOT slot it jumps through.
//
//	ff 25 <disp32>          jmp  [rip+disp32]
//	f2 ff 25 <disp32>       bnd jmp [rip+disp32]
//	f3 0f 1e fa ...         endbr64 before either form
func (im *Image) parsePLTStubs() {
	if len(im.PLTRels) == 0 {
		return
	}
	byGOT := make(map[uint64]string, len(im.PLTRels))
	for _, r := range im.PLTRels {
		byGOT[r.GOT] = r.SymName
	}

	im.stubs = make(map[uint64]string)
	for _, sec := range []Section{im.PLTSec, im.PLT} {
		const stubSize = 16
		for va := sec.VA; va+stubSize <= sec.VA+sec.Size; va += stubSize {
			stub, ok := im.SliceVA(va, stubSize)
			if !ok {
				break
			}
			if got, ok := stubGOT(va, stub); ok {
				if name, ok := byGOT[got]; ok {
					if _, dup := im.stubs[va]; !dup {
						im.stubs[va] = name
					}
				}
			}
		}
	}
}

func stubGOT(va uint64, stub []byte) (uint64, bool) {
	i := 0
	if len(stub) >= 4 && stub[0] == 0xf3 && stub[1] == 0x0f && stub[2] == 0x1e && stub[3] == 0xfa {
		i = 4
	}
	if i < len(stub) && stub[i] == 0xf2 {
		i++
	}
	if i+6 > len(stub) || stub[i] != 0xff || stub[i+1] != 0x25 {
		return 0, false
	}
	disp := int32(binary.LittleEndian.Uint32(stub[i+2:]))
	next := va + uint64(i) + 6
	return uint64(int64(next) + int64(disp)), true
}
