package analysis

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
	"doit/internal/elfx"
	"doit/internal/logging"
)

const (
	relaEntSize     = 24
	rX86_64Relative = 8
	rX86_64GlobDat  = 6
)

// Resolver finds the destination of calls and jumps, including indirect
// ones through RIP-relative pointer slots.
type Resolver struct {
	img         *elfx.Image
	relocations map[uint64]uint64 // slot address -> target after relocation
}

// NewResolver indexes the relocations of img.
func NewResolver(img *elfx.Image) *Resolver {
	r := &Resolver{
		img:         img,
		relocations: make(map[uint64]uint64),
	}
	r.loadRelocations()
	return r
}

// loadRelocations loads R_X86_64_RELATIVE and R_X86_64_GLOB_DAT relocations
// whose target is known statically.
func (r *Resolver) loadRelocations() {
	if r.img.File == nil {
		return
	}
	for _, section := range r.img.File.Sections {
		if section.Type != elf.SHT_RELA {
			continue
		}
		data, err := section.Data()
		if err != nil {
			continue
		}
		var syms []elf.Symbol
		for i := 0; i+relaEntSize <= len(data); i += relaEntSize {
			offset := binary.LittleEndian.Uint64(data[i:])
			info := binary.LittleEndian.Uint64(data[i+8:])
			addend := int64(binary.LittleEndian.Uint64(data[i+16:]))

			switch elf.R_TYPE64(info) {
			case rX86_64Relative:
				if addend > 0 {
					r.relocations[offset] = uint64(addend)
				}
			case rX86_64GlobDat:
				if syms == nil {
					syms, _ = r.img.File.DynamicSymbols()
				}
				// DynamicSymbols skips the null entry.
				idx := int(elf.R_SYM64(info)) - 1
				if idx >= 0 && idx < len(syms) && syms[idx].Value != 0 {
					r.relocations[offset] = syms[idx].Value
				}
			}
		}
	}

	if logging.IsDebug() {
		lg := logging.NewLogger()
		lg.Debug("loaded relocations", "count", len(r.relocations))
	}
}

// Target returns the destination of a direct or RIP-relative indirect
// call or jump.
func (r *Resolver) Target(inst disasm.Inst) (uint64, bool) {
	switch inst.Category {
	case disasm.CategoryCall, disasm.CategoryUncondBranch, disasm.CategoryCondBranch:
	default:
		return 0, false
	}
	switch arg := inst.Raw.Args[0].(type) {
	case x86asm.Rel:
		return uint64(int64(inst.Next()) + int64(arg)), true
	case x86asm.Mem:
		slot, ok := RIPRelative(inst, arg)
		if !ok {
			return 0, false
		}
		return r.slot(slot)
	}
	return 0, false
}

// slot reads the code pointer stored at va.
func (r *Resolver) slot(va uint64) (uint64, bool) {
	if t, ok := r.relocations[va]; ok {
		return t, true
	}
	b, ok := r.img.SliceVA(va, 8)
	if !ok {
		return 0, false
	}
	t := binary.LittleEndian.Uint64(b)
	if logging.IsDebug() {
		lg := logging.NewLogger()
		lg.Debug("pointer slot", "slot", fmt.Sprintf("0x%x", va), "target", fmt.Sprintf("0x%x", t))
	}
	return t, t != 0
}

// Name describes a resolved target: its symbol when there is one, else a
// local label.
func (r *Resolver) Name(va uint64) string {
	if name, ok := r.img.Symbolize(va); ok {
		return name
	}
	return localLabel(va)
}

// RIPRelative returns the absolute address a RIP-relative memory operand
// refers to.
func RIPRelative(inst disasm.Inst, m x86asm.Mem) (uint64, bool) {
	if m.Base != x86asm.RIP || m.Index != 0 {
		return 0, false
	}
	return uint64(int64(inst.Next()) + int64(int32(m.Disp))), true
}

func localLabel(va uint64) string {
	return fmt.Sprintf("loc_%x", va)
}
