package disasm

import "golang.org/x/arch/x86/x86asm"

// OperandKind classifies an instruction argument.
type OperandKind int

const (
	OperandReg OperandKind = iota
	OperandMem
	OperandImm
	OperandRel
)

// Operand is one argument in Intel order.
type Operand struct {
	Kind     OperandKind
	Reg      x86asm.Reg // valid for OperandReg
	MemIndex int        // index into Inst.MemOps, -1 if the argument is not a memory access
}

// Access describes how a memory operand is used.
type Access uint8

const (
	Read Access = 1 << iota
	Write
)

func (a Access) String() string {
	switch a {
	case Read:
		return "r"
	case Write:
		return "w"
	case Read | Write:
		return "rw"
	}
	return "-"
}

// MemOp is a memory operand. Implicit stack accesses are expressed with the
// same addressing form as explicit ones (e.g. [rsp-8] for a push).
type MemOp struct {
	Mem      x86asm.Mem
	Size     int // bytes
	Access   Access
	Implicit bool
}

func operandFor(arg x86asm.Arg) Operand {
	switch a := arg.(type) {
	case x86asm.Reg:
		return Operand{Kind: OperandReg, Reg: a, MemIndex: -1}
	case x86asm.Mem:
		return Operand{Kind: OperandMem, MemIndex: -1}
	case x86asm.Imm:
		return Operand{Kind: OperandImm, MemIndex: -1}
	default:
		return Operand{Kind: OperandRel, MemIndex: -1}
	}
}

// accessesMemory is false for instructions whose memory argument is only an
// address computation or a hint.
func accessesMemory(op x86asm.Op) bool {
	switch op {
	case x86asm.LEA, x86asm.NOP:
		return false
	}
	return true
}

// readOnlyFirst lists instructions whose first argument is a source.
var readOnlyFirst = map[x86asm.Op]bool{
	x86asm.CMP: true, x86asm.TEST: true, x86asm.BT: true,
	x86asm.PUSH: true, x86asm.CALL: true, x86asm.JMP: true,
	x86asm.LCALL: true, x86asm.LJMP: true,
	x86asm.CMPSB: true, x86asm.CMPSW: true, x86asm.CMPSD: true, x86asm.CMPSQ: true,
	x86asm.UCOMISD: true, x86asm.UCOMISS: true, x86asm.COMISD: true, x86asm.COMISS: true,
	x86asm.PREFETCHNTA: true, x86asm.PREFETCHT0: true, x86asm.PREFETCHT1: true,
	x86asm.PREFETCHT2: true, x86asm.PREFETCHW: true, x86asm.CLFLUSH: true,
	x86asm.PTEST: true, x86asm.LDMXCSR: true, x86asm.FLDCW: true,
}

// writeOnlyFirst lists instructions that store to their first argument
// without reading it.
var writeOnlyFirst = map[x86asm.Op]bool{
	x86asm.MOV: true, x86asm.MOVBE: true, x86asm.POP: true,
	x86asm.MOVSB: true, x86asm.MOVSW: true, x86asm.MOVSD: true, x86asm.MOVSQ: true,
	x86asm.STOSB: true, x86asm.STOSW: true, x86asm.STOSD: true, x86asm.STOSQ: true,
	x86asm.MOVAPS: true, x86asm.MOVAPD: true, x86asm.MOVUPS: true, x86asm.MOVUPD: true,
	x86asm.MOVDQA: true, x86asm.MOVDQU: true, x86asm.MOVD: true, x86asm.MOVQ: true,
	x86asm.MOVSS: true, x86asm.MOVSD_XMM: true, x86asm.MOVNTI: true, x86asm.MOVNTDQ: true,
	x86asm.MOVNTPS: true, x86asm.MOVNTPD: true, x86asm.MOVHPS: true, x86asm.MOVLPS: true,
	x86asm.MOVHPD: true, x86asm.MOVLPD: true, x86asm.STMXCSR: true, x86asm.FNSTCW: true,
	x86asm.SETA: true, x86asm.SETAE: true, x86asm.SETB: true, x86asm.SETBE: true,
	x86asm.SETE: true, x86asm.SETG: true, x86asm.SETGE: true, x86asm.SETL: true,
	x86asm.SETLE: true, x86asm.SETNE: true, x86asm.SETNO: true, x86asm.SETNP: true,
	x86asm.SETNS: true, x86asm.SETO: true, x86asm.SETP: true, x86asm.SETS: true,
	x86asm.PEXTRB: true, x86asm.PEXTRD: true, x86asm.PEXTRQ: true, x86asm.PEXTRW: true,
	x86asm.EXTRACTPS: true, x86asm.FST: true, x86asm.FSTP: true, x86asm.FIST: true,
	x86asm.FISTP: true, x86asm.FISTTP: true,
}

func explicitAccess(op x86asm.Op, argIndex int) Access {
	if argIndex > 0 {
		return Read
	}
	switch {
	case readOnlyFirst[op]:
		return Read
	case writeOnlyFirst[op]:
		return Write
	}
	return Read | Write
}

// memSize returns the width of the explicit memory argument. String
// instructions carry it in the opcode rather than in MemBytes.
func memSize(raw x86asm.Inst) int {
	switch raw.Op {
	case x86asm.MOVSB, x86asm.CMPSB, x86asm.STOSB, x86asm.LODSB, x86asm.SCASB:
		return 1
	case x86asm.MOVSW, x86asm.CMPSW, x86asm.STOSW, x86asm.LODSW, x86asm.SCASW:
		return 2
	case x86asm.MOVSD, x86asm.CMPSD, x86asm.STOSD, x86asm.LODSD, x86asm.SCASD:
		return 4
	case x86asm.MOVSQ, x86asm.CMPSQ, x86asm.STOSQ, x86asm.LODSQ, x86asm.SCASQ:
		return 8
	}
	if raw.MemBytes > 0 {
		return raw.MemBytes
	}
	return raw.DataSize / 8
}

// implicitStackOps returns the stack slots moved by push/pop style
// instructions, in addition to any explicit memory argument. The return
// address traffic of call and ret is not reported.
func implicitStackOps(raw x86asm.Inst) []MemOp {
	slot := 8
	if raw.DataSize == 16 {
		slot = 2
	}
	below := x86asm.Mem{Segment: x86asm.SS, Base: x86asm.RSP, Disp: int64(-slot)}
	top := x86asm.Mem{Segment: x86asm.SS, Base: x86asm.RSP}

	switch raw.Op {
	case x86asm.PUSH, x86asm.PUSHF, x86asm.PUSHFQ:
		return []MemOp{{Mem: below, Size: slot, Access: Write, Implicit: true}}
	case x86asm.POP, x86asm.POPF, x86asm.POPFQ:
		return []MemOp{{Mem: top, Size: slot, Access: Read, Implicit: true}}
	case x86asm.LEAVE:
		return []MemOp{{Mem: x86asm.Mem{Segment: x86asm.SS, Base: x86asm.RBP}, Size: 8, Access: Read, Implicit: true}}
	}
	return nil
}
