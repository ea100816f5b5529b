// Package host connects the decision engine to an execution backend. A
// backend stops the target before every instruction and hands the
// Instrumenter a Machine view of the paused state.
package host

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
)

// Machine is the paused state of the traced thread.
type Machine interface {
	// Reg returns a full 64-bit register (RAX..R15, RIP).
	Reg(r x86asm.Reg) (uint64, error)
	// SegmentBase returns the linear base of FS or GS.
	SegmentBase(seg x86asm.Reg) (uint64, error)
	// MemRead reads size bytes of target memory.
	MemRead(addr, size uint64) ([]byte, error)
}

// ReadReg returns the value of any general purpose register, including the
// 8, 16 and 32-bit views, by reading the containing 64-bit register.
func ReadReg(m Machine, r x86asm.Reg) (uint64, error) {
	full, shift, mask := widen(r)
	v, err := m.Reg(full)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", r, err)
	}
	return (v >> shift) & mask, nil
}

func widen(r x86asm.Reg) (x86asm.Reg, uint, uint64) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := r - x86asm.AL
		switch {
		case i < 4:
			return x86asm.RAX + i, 0, 0xff
		case i < 8: // AH, CH, DH, BH
			return x86asm.RAX + i - 4, 8, 0xff
		default: // SPB.. and R8B.. follow the high-byte registers
			return x86asm.RAX + i - 4, 0, 0xff
		}
	case r >= x86asm.AX && r <= x86asm.R15W:
		return x86asm.RAX + (r - x86asm.AX), 0, 0xffff
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return x86asm.RAX + (r - x86asm.EAX), 0, 0xffffffff
	case r == x86asm.IP:
		return x86asm.RIP, 0, 0xffff
	case r == x86asm.EIP:
		return x86asm.RIP, 0, 0xffffffff
	}
	return r, 0, ^uint64(0)
}

// EffectiveAddress evaluates memory operand op of inst against the paused
// machine. It must be called before inst executes.
func EffectiveAddress(m Machine, inst disasm.Inst, op disasm.MemOp) (uint64, error) {
	mem := op.Mem

	var ea uint64
	switch mem.Base {
	case 0:
	case x86asm.RIP, x86asm.EIP:
		ea = inst.Next()
	default:
		v, err := ReadReg(m, mem.Base)
		if err != nil {
			return 0, err
		}
		ea = v
	}

	if mem.Index != 0 {
		v, err := ReadReg(m, mem.Index)
		if err != nil {
			return 0, err
		}
		scale := uint64(mem.Scale)
		if scale == 0 {
			scale = 1
		}
		ea += v * scale
	}

	ea += uint64(displacement(mem))

	if !op.Implicit && inst.Raw.AddrSize == 32 {
		ea = uint64(uint32(ea))
	}

	switch mem.Segment {
	case x86asm.FS, x86asm.GS:
		base, err := m.SegmentBase(mem.Segment)
		if err != nil {
			return 0, fmt.Errorf("read %s base: %w", mem.Segment, err)
		}
		ea += base
	}
	return ea, nil
}

// displacement sign-extends a 32-bit displacement. The decoder stores disp32
// zero-extended; absolute forms without base or index are left alone.
func displacement(mem x86asm.Mem) int64 {
	if mem.Base == 0 && mem.Index == 0 {
		return mem.Disp
	}
	if mem.Disp >= 0 && mem.Disp <= 0xffffffff {
		return int64(int32(uint32(mem.Disp)))
	}
	return mem.Disp
}
