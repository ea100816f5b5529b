package disasm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want Category
	}{
		{name: "call rel32", code: []byte{0xe8, 0x11, 0x22, 0x33, 0x44}, want: CategoryCall},
		{name: "ret", code: []byte{0xc3}, want: CategoryReturn},
		{name: "jmp rel8", code: []byte{0xeb, 0x11}, want: CategoryUncondBranch},
		{name: "jz rel8", code: []byte{0x74, 0x11}, want: CategoryCondBranch},
		{name: "jnz rel8", code: []byte{0x75, 0x11}, want: CategoryCondBranch},
		{name: "loop", code: []byte{0xe2, 0xfe}, want: CategoryCondBranch},
		{name: "one byte nop", code: []byte{0x90}, want: CategoryNop},
		{name: "wide nop", code: []byte{0x0f, 0x1f, 0x00}, want: CategoryWideNop},
		{name: "pause", code: []byte{0xf3, 0x90}, want: CategoryOther},
		{name: "mov", code: []byte{0x8b, 0x11}, want: CategoryOther},
		{name: "push", code: []byte{0x50}, want: CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.code, 0x1000)
			require.NoError(t, err)
			require.Equal(t, tt.want, inst.Category, "category of %s", inst.Text)
		})
	}
}

func TestMemoryOperands(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		op      x86asm.Op
		count   int
		sizes   []int
		access  []Access
		implied []bool
	}{
		{
			name:  "register mov has none",
			code:  []byte{0x48, 0x89, 0xd8}, // mov rax, rbx
			op:    x86asm.MOV,
			count: 0,
		},
		{
			name:    "load",
			code:    []byte{0x8b, 0x11}, // mov edx, [rcx]
			op:      x86asm.MOV,
			count:   1,
			sizes:   []int{4},
			access:  []Access{Read},
			implied: []bool{false},
		},
		{
			name:    "store",
			code:    []byte{0x89, 0x11}, // mov [rcx], edx
			op:      x86asm.MOV,
			count:   1,
			sizes:   []int{4},
			access:  []Access{Write},
			implied: []bool{false},
		},
		{
			name:    "read modify write",
			code:    []byte{0x01, 0x11}, // add [rcx], edx
			op:      x86asm.ADD,
			count:   1,
			sizes:   []int{4},
			access:  []Access{Read | Write},
			implied: []bool{false},
		},
		{
			name:  "lea is address generation",
			code:  []byte{0x48, 0x8d, 0x04, 0x24}, // lea rax, [rsp]
			op:    x86asm.LEA,
			count: 0,
		},
		{
			name:  "wide nop is a hint",
			code:  []byte{0x0f, 0x1f, 0x00},
			op:    x86asm.NOP,
			count: 0,
		},
		{
			name:    "push writes below the stack pointer",
			code:    []byte{0x50},
			op:      x86asm.PUSH,
			count:   1,
			sizes:   []int{8},
			access:  []Access{Write},
			implied: []bool{true},
		},
		{
			name:    "pop reads the stack top",
			code:    []byte{0x58},
			op:      x86asm.POP,
			count:   1,
			sizes:   []int{8},
			access:  []Access{Read},
			implied: []bool{true},
		},
		{
			name:  "ret reports no operand",
			code:  []byte{0xc3},
			op:    x86asm.RET,
			count: 0,
		},
		{
			name:    "leave reads the saved frame pointer",
			code:    []byte{0xc9},
			op:      x86asm.LEAVE,
			count:   1,
			sizes:   []int{8},
			access:  []Access{Read},
			implied: []bool{true},
		},
		{
			name:    "movsb has two explicit operands",
			code:    []byte{0xf3, 0xa4},
			op:      x86asm.MOVSB,
			count:   2,
			sizes:   []int{1, 1},
			access:  []Access{Write, Read},
			implied: []bool{false, false},
		},
		{
			name:    "popcnt from memory",
			code:    []byte{0xf3, 0x0f, 0xb8, 0x11}, // popcnt edx, [rcx]
			op:      x86asm.POPCNT,
			count:   1,
			sizes:   []int{4},
			access:  []Access{Read},
			implied: []bool{false},
		},
		{
			name:    "64-bit popcnt from memory",
			code:    []byte{0xf3, 0x48, 0x0f, 0xb8, 0x11}, // popcnt rdx, [rcx]
			op:      x86asm.POPCNT,
			count:   1,
			sizes:   []int{8},
			access:  []Access{Read},
			implied: []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.code, 0x401000)
			require.NoError(t, err)
			require.Equal(t, tt.op, inst.Op)
			require.Len(t, inst.MemOps, tt.count, "memory operands of %s", inst.Text)
			for i, m := range inst.MemOps {
				require.Equal(t, tt.sizes[i], m.Size, "size of operand %d", i)
				require.Equal(t, tt.access[i], m.Access, "access of operand %d", i)
				require.Equal(t, tt.implied[i], m.Implicit, "implicit flag of operand %d", i)
			}
		})
	}
}

func TestPopcntOperands(t *testing.T) {
	reg, err := Decode([]byte{0xf3, 0x0f, 0xb8, 0xc1}, 0) // popcnt eax, ecx
	require.NoError(t, err)
	require.True(t, reg.OperandIsReg(1))
	require.Equal(t, x86asm.ECX, reg.OperandReg(1))
	require.Equal(t, -1, reg.MemoryReadIndex())

	mem, err := Decode([]byte{0xf3, 0x0f, 0xb8, 0x11}, 0) // popcnt edx, [rcx]
	require.NoError(t, err)
	require.False(t, mem.OperandIsReg(1))
	require.Equal(t, x86asm.Reg(0), mem.OperandReg(1))
	require.Equal(t, 0, mem.MemoryReadIndex())
	require.Equal(t, 0, mem.Operands[1].MemIndex)
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"call missing rel32", []byte{0xe8, 0x11}},
		{"two-byte opcode missing modrm", []byte{0x0f, 0xff}},
		{"prefixes only", []byte{0x66, 0x66}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.code, 0x10)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrTruncated), "got %v", err)
			require.Zero(t, inst.Op)
		})
	}
}

func TestDecodeStreamSkipsShortTail(t *testing.T) {
	var bad []uint64
	stream := DecodeStream([]byte{0x90, 0xe8, 0x11}, 0x2000, func(va uint64, err error) {
		bad = append(bad, va)
	})
	require.Len(t, stream, 1)
	require.Equal(t, x86asm.NOP, stream[0].Op)
	require.Equal(t, []uint64{0x2001, 0x2002}, bad)
}

func TestDecodeStream(t *testing.T) {
	code := []byte{
		0x8b, 0x11, // mov edx, [rcx]
		0x90,       // nop
		0xc3,       // ret
	}
	var bad []uint64
	stream := DecodeStream(code, 0x2000, func(va uint64, err error) {
		bad = append(bad, va)
	})
	require.Empty(t, bad)
	require.Len(t, stream, 3)
	require.Equal(t, uint64(0x2000), stream[0].VA)
	require.Equal(t, uint64(0x2002), stream[1].VA)
	require.Equal(t, uint64(0x2003), stream[2].VA)
	require.Equal(t, uint64(0x2004), stream[2].Next())
	require.Equal(t, "MOV", stream[0].Mnemonic)
}
