// Package enforcer decides, once per static instruction, whether the
// instruction violates the allow-list and which trace fields to record each
// time it executes.
package enforcer

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
	"doit/internal/policy"
)

// Kind tags an Action.
type Kind uint8

const (
	EmitWarning Kind = iota
	EmitAddress
	EmitMemoryOperandAddress
	EmitSpecialValue
	EmitTerminator
)

func (k Kind) String() string {
	switch k {
	case EmitWarning:
		return "warning"
	case EmitAddress:
		return "address"
	case EmitMemoryOperandAddress:
		return "memop"
	case EmitSpecialValue:
		return "value"
	case EmitTerminator:
		return "endl"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// ValueSource says where EmitSpecialValue reads from.
type ValueSource uint8

const (
	FromRegister ValueSource = iota + 1
	FromMemoryRead
)

// Action is one step of an instrumentation plan. Only the fields relevant to
// Kind are set.
type Action struct {
	Kind     Kind
	Mnemonic string      // EmitWarning
	Index    int         // EmitMemoryOperandAddress; memory operand for FromMemoryRead
	Source   ValueSource // EmitSpecialValue
	Reg      x86asm.Reg  // FromRegister
	Size     int         // FromMemoryRead, in bytes
}

func (a Action) String() string {
	switch a.Kind {
	case EmitWarning:
		return fmt.Sprintf("warning(%s)", a.Mnemonic)
	case EmitMemoryOperandAddress:
		return fmt.Sprintf("memop(%d)", a.Index)
	case EmitSpecialValue:
		if a.Source == FromRegister {
			return fmt.Sprintf("value(%s)", a.Reg)
		}
		return fmt.Sprintf("value(mem%d/%d)", a.Index, a.Size)
	}
	return a.Kind.String()
}

// Plan is the ordered action list for one instruction site.
type Plan []Action

// Warning returns the static warning action, if any.
func (p Plan) Warning() (Action, bool) {
	if len(p) > 0 && p[0].Kind == EmitWarning {
		return p[0], true
	}
	return Action{}, false
}

// Dynamic returns the actions that run on every execution.
func (p Plan) Dynamic() Plan {
	if _, ok := p.Warning(); ok {
		return p[1:]
	}
	return p
}

// Engine applies a policy table to instruction descriptors.
type Engine struct {
	policy *policy.Table
}

// New returns an engine backed by table.
func New(table *policy.Table) *Engine {
	return &Engine{policy: table}
}

// Policy returns the table the engine checks against.
func (e *Engine) Policy() *policy.Table {
	return e.policy
}

// Decide builds the plan for inst. The warning, when present, comes first;
// the dynamic actions follow in firing order: instruction address, memory
// operand addresses, the POPCNT source value, and the record terminator.
func (e *Engine) Decide(inst disasm.Inst) Plan {
	plan := make(Plan, 0, len(inst.MemOps)+4)

	if !e.policy.Compliant(inst) {
		plan = append(plan, Action{Kind: EmitWarning, Mnemonic: inst.Mnemonic})
	}

	plan = append(plan, Action{Kind: EmitAddress})
	for i := range inst.MemOps {
		plan = append(plan, Action{Kind: EmitMemoryOperandAddress, Index: i})
	}

	if inst.Op == x86asm.POPCNT {
		plan = append(plan, popcntSource(inst))
	}

	return append(plan, Action{Kind: EmitTerminator})
}

// popcntSource records the value POPCNT is about to count: the source
// register, or else the memory word being read.
func popcntSource(inst disasm.Inst) Action {
	if inst.OperandIsReg(1) {
		return Action{Kind: EmitSpecialValue, Source: FromRegister, Reg: inst.OperandReg(1)}
	}
	idx := inst.MemoryReadIndex()
	size := 0
	if idx >= 0 {
		size = inst.MemOps[idx].Size
	}
	return Action{Kind: EmitSpecialValue, Source: FromMemoryRead, Index: idx, Size: size}
}
