package disasm

import "golang.org/x/arch/x86/x86asm"

// Category is the coarse architectural role of an instruction.
type Category int

const (
	CategoryOther Category = iota
	CategoryCall
	CategoryReturn
	CategoryUncondBranch
	CategoryCondBranch
	CategoryNop
	CategoryWideNop
)

var categoryNames = [...]string{
	CategoryOther:        "other",
	CategoryCall:         "call",
	CategoryReturn:       "return",
	CategoryUncondBranch: "uncond_branch",
	CategoryCondBranch:   "cond_branch",
	CategoryNop:          "nop",
	CategoryWideNop:      "widenop",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// Categorize classifies a decoded instruction.
func Categorize(raw x86asm.Inst) Category {
	switch raw.Op {
	case x86asm.CALL, x86asm.LCALL:
		return CategoryCall
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return CategoryReturn
	case x86asm.JMP, x86asm.LJMP:
		return CategoryUncondBranch
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return CategoryCondBranch
	case x86asm.NOP:
		// 0F 1F /0 carries a ModRM operand; the one-byte form has none.
		if raw.Args[0] != nil {
			return CategoryWideNop
		}
		return CategoryNop
	}
	return CategoryOther
}
