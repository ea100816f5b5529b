package enforcer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
	"doit/internal/policy"
)

func decode(t *testing.T, code ...byte) disasm.Inst {
	t.Helper()
	inst, err := disasm.Decode(code, 0x401000)
	require.NoError(t, err)
	return inst
}

func kinds(p Plan) []Kind {
	out := make([]Kind, len(p))
	for i, a := range p {
		out[i] = a.Kind
	}
	return out
}

func TestAllowListedNeverWarns(t *testing.T) {
	engine := New(policy.Default())
	for _, op := range policy.DefaultOpcodes {
		for _, cat := range []disasm.Category{disasm.CategoryOther, disasm.CategoryCall, disasm.CategoryNop} {
			plan := engine.Decide(disasm.Inst{Op: op, Category: cat, Mnemonic: op.String()})
			_, warned := plan.Warning()
			require.False(t, warned, "%v in category %v", op, cat)
		}
	}
}

func TestExemptCategoriesNeverWarn(t *testing.T) {
	engine := New(policy.New(nil))
	tests := []struct {
		name string
		code []byte
	}{
		{name: "call", code: []byte{0xe8, 0, 0, 0, 0}},
		{name: "ret", code: []byte{0xc3}},
		{name: "jmp", code: []byte{0xeb, 0x00}},
		{name: "jz", code: []byte{0x74, 0x00}},
		{name: "nop", code: []byte{0x90}},
		{name: "wide nop", code: []byte{0x0f, 0x1f, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := engine.Decide(decode(t, tt.code...))
			_, warned := plan.Warning()
			require.False(t, warned)
		})
	}
}

func TestViolationWarnsOnceWithMnemonic(t *testing.T) {
	engine := New(policy.New(nil))
	plan := engine.Decide(decode(t, 0x48, 0x89, 0xd8)) // mov rax, rbx

	w, ok := plan.Warning()
	require.True(t, ok)
	require.Equal(t, "MOV", w.Mnemonic)

	warnings := 0
	for _, a := range plan {
		if a.Kind == EmitWarning {
			warnings++
		}
	}
	require.Equal(t, 1, warnings)
	require.Equal(t, EmitWarning, plan[0].Kind, "warning precedes every dynamic action")
	require.Equal(t, []Kind{EmitAddress, EmitTerminator}, kinds(plan.Dynamic()))
}

func TestFieldCountMatchesMemoryOperands(t *testing.T) {
	engine := New(policy.Default())
	tests := []struct {
		name   string
		code   []byte
		memops int
		value  bool
	}{
		{name: "register only", code: []byte{0x48, 0x31, 0xc0}, memops: 0},      // xor rax, rax
		{name: "load", code: []byte{0x8b, 0x11}, memops: 1},                     // mov edx, [rcx]
		{name: "push", code: []byte{0x50}, memops: 1},                           // push rax
		{name: "rep movsb", code: []byte{0xf3, 0xa4}, memops: 2},                // rep movsb
		{name: "popcnt reg", code: []byte{0xf3, 0x0f, 0xb8, 0xc1}, value: true}, // popcnt eax, ecx
		{name: "popcnt mem", code: []byte{0xf3, 0x0f, 0xb8, 0x11}, memops: 1, value: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := engine.Decide(decode(t, tt.code...)).Dynamic()

			var addrs, mems, values, ends int
			for _, a := range plan {
				switch a.Kind {
				case EmitAddress:
					addrs++
				case EmitMemoryOperandAddress:
					mems++
				case EmitSpecialValue:
					values++
				case EmitTerminator:
					ends++
				}
			}
			require.Equal(t, 1, addrs)
			require.Equal(t, tt.memops, mems)
			require.Equal(t, 1, ends)
			if tt.value {
				require.Equal(t, 1, values)
			} else {
				require.Zero(t, values)
			}
			require.Equal(t, EmitTerminator, plan[len(plan)-1].Kind)
		})
	}
}

func TestActionOrder(t *testing.T) {
	engine := New(policy.New(nil))
	plan := engine.Decide(decode(t, 0xf3, 0x0f, 0xb8, 0x11)) // popcnt edx, [rcx]

	require.Equal(t, []Kind{
		EmitWarning,
		EmitAddress,
		EmitMemoryOperandAddress,
		EmitSpecialValue,
		EmitTerminator,
	}, kinds(plan))
	require.Equal(t, "POPCNT", plan[0].Mnemonic)
	require.Equal(t, 0, plan[2].Index)
}

func TestPopcntSource(t *testing.T) {
	engine := New(policy.Default())

	reg := engine.Decide(decode(t, 0xf3, 0x48, 0x0f, 0xb8, 0xc3)) // popcnt rax, rbx
	v := reg.Dynamic()[1]
	require.Equal(t, EmitSpecialValue, v.Kind)
	require.Equal(t, FromRegister, v.Source)
	require.Equal(t, x86asm.RBX, v.Reg)

	tests := []struct {
		name string
		code []byte
		size int
	}{
		{name: "16-bit", code: []byte{0xf3, 0x66, 0x0f, 0xb8, 0x11}, size: 2},
		{name: "32-bit", code: []byte{0xf3, 0x0f, 0xb8, 0x11}, size: 4},
		{name: "64-bit", code: []byte{0xf3, 0x48, 0x0f, 0xb8, 0x11}, size: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := engine.Decide(decode(t, tt.code...)).Dynamic()
			v := plan[2]
			require.Equal(t, EmitSpecialValue, v.Kind)
			require.Equal(t, FromMemoryRead, v.Source)
			require.Equal(t, 0, v.Index)
			require.Equal(t, tt.size, v.Size)
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	engine := New(policy.New(nil))
	inst := decode(t, 0x01, 0x11) // add [rcx], edx
	require.Equal(t, engine.Decide(inst), engine.Decide(inst))
}
