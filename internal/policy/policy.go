// Package policy holds the opcode allow-list and the compliance rule applied
// to every instruction the enforcer sees.
package policy

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
)

// OpcodeSpace is the number of opcode identifiers the decoder can produce.
// XTEST is the last entry of the x86asm opcode enumeration.
const OpcodeSpace = int(x86asm.XTEST) + 1

// Table is a flat allow-list indexed by opcode. It is read-only once built
// and safe for concurrent use.
type Table struct {
	allowed [OpcodeSpace]bool
	count   int
}

// New marks every opcode in ops as allowed. Duplicates are harmless.
func New(ops []x86asm.Op) *Table {
	t := &Table{}
	for _, op := range ops {
		t.mustInRange(op)
		if !t.allowed[op] {
			t.allowed[op] = true
			t.count++
		}
	}
	return t
}

// Default builds the table from the compiled-in DOIT list.
func Default() *Table {
	return New(DefaultOpcodes)
}

// Allowed reports whether op is explicitly on the allow-list.
func (t *Table) Allowed(op x86asm.Op) bool {
	t.mustInRange(op)
	return t.allowed[op]
}

// Len returns the number of distinct allowed opcodes.
func (t *Table) Len() int {
	return t.count
}

// Opcodes lists the allowed opcodes in identifier order.
func (t *Table) Opcodes() []x86asm.Op {
	out := make([]x86asm.Op, 0, t.count)
	for i, ok := range t.allowed {
		if ok {
			out = append(out, x86asm.Op(i))
		}
	}
	return out
}

// Compliant reports whether inst may run without a warning: its opcode is
// allow-listed or its category is exempt.
func (t *Table) Compliant(inst disasm.Inst) bool {
	return t.Allowed(inst.Op) || ExemptCategory(inst.Category)
}

// ExemptCategory reports whether every instruction of category c is
// implicitly allowed. Control flow and no-ops are never enumerated.
func ExemptCategory(c disasm.Category) bool {
	switch c {
	case disasm.CategoryCall,
		disasm.CategoryReturn,
		disasm.CategoryUncondBranch,
		disasm.CategoryCondBranch,
		disasm.CategoryNop,
		disasm.CategoryWideNop:
		return true
	}
	return false
}

// An opcode outside the decoder's enumeration means the table was sized for
// a different decoder. That is a programming error, not a runtime condition.
func (t *Table) mustInRange(op x86asm.Op) {
	if int(op) >= OpcodeSpace {
		panic(fmt.Sprintf("policy: opcode %d outside table of %d entries", op, OpcodeSpace))
	}
}
