// Package disasm defines the instruction descriptor consumed by the
// enforcer, built on top of the x86-64 decoder from golang.org/x/arch.
package disasm

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the longest legal x86 encoding.
const MaxInstLen = 15

// ErrTruncated is returned when the code buffer ends inside an instruction.
var ErrTruncated = errors.New("truncated instruction")

// Inst is a decoded instruction at a known virtual address.
type Inst struct {
	VA       uint64    // virtual address of instruction
	Op       x86asm.Op // dense opcode identifier
	Category Category
	Mnemonic string // upper-case mnemonic, as the decoder names it
	Text     string // Intel syntax disassembly
	Len      int    // encoded length in bytes
	Operands []Operand
	MemOps   []MemOp
	Raw      x86asm.Inst
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Decode decodes the 64-bit instruction at the start of code, which is
// assumed to live at va.
func Decode(code []byte, va uint64) (Inst, error) {
	raw, err := x86asm.Decode(code, 64)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) {
			return Inst{}, fmt.Errorf("decode at %#x: %w", va, ErrTruncated)
		}
		return Inst{}, fmt.Errorf("decode at %#x: %w", va, err)
	}
	// The decoder reports some short or invalid encodings as Op(0) with no
	// error.
	if raw.Op == 0 {
		if len(code) < MaxInstLen {
			return Inst{}, fmt.Errorf("decode at %#x: %w", va, ErrTruncated)
		}
		return Inst{}, fmt.Errorf("decode at %#x: %w", va, x86asm.ErrUnrecognized)
	}
	return FromX86(raw, va), nil
}

// FromX86 builds the descriptor for an already decoded instruction.
func FromX86(raw x86asm.Inst, va uint64) Inst {
	inst := Inst{
		VA:       va,
		Op:       raw.Op,
		Category: Categorize(raw),
		Mnemonic: raw.Op.String(),
		Text:     x86asm.IntelSyntax(raw, va, nil),
		Len:      raw.Len,
		Raw:      raw,
	}

	for i, arg := range raw.Args {
		if arg == nil {
			break
		}
		inst.Operands = append(inst.Operands, operandFor(arg))
		if mem, ok := arg.(x86asm.Mem); ok && accessesMemory(raw.Op) {
			inst.Operands[i].MemIndex = len(inst.MemOps)
			inst.MemOps = append(inst.MemOps, MemOp{
				Mem:    mem,
				Size:   memSize(raw),
				Access: explicitAccess(raw.Op, i),
			})
		}
	}
	inst.MemOps = append(inst.MemOps, implicitStackOps(raw)...)
	return inst
}

// DecodeStream performs a linear sweep over code. Undecodable bytes are
// skipped one at a time and reported through bad, when non-nil.
func DecodeStream(code []byte, base uint64, bad func(va uint64, err error)) Stream {
	var out Stream
	for off := 0; off < len(code); {
		va := base + uint64(off)
		inst, err := Decode(code[off:], va)
		if err != nil {
			if bad != nil {
				bad(va, err)
			}
			off++
			continue
		}
		out = append(out, inst)
		off += inst.Len
	}
	return out
}

// OperandIsReg reports whether operand i exists and is a register.
func (i Inst) OperandIsReg(n int) bool {
	return n < len(i.Operands) && i.Operands[n].Kind == OperandReg
}

// OperandReg returns the register of operand n, or 0.
func (i Inst) OperandReg(n int) x86asm.Reg {
	if !i.OperandIsReg(n) {
		return 0
	}
	return i.Operands[n].Reg
}

// MemoryReadIndex returns the index into MemOps of the first operand that is
// read, or -1 when the instruction reads no memory.
func (i Inst) MemoryReadIndex() int {
	for n, m := range i.MemOps {
		if m.Access&Read != 0 {
			return n
		}
	}
	return -1
}

// Next returns the address of the following instruction.
func (i Inst) Next() uint64 {
	return i.VA + uint64(i.Len)
}

func (i Inst) String() string {
	return fmt.Sprintf("%x: %s", i.VA, i.Text)
}
