package host

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
	"doit/internal/enforcer"
	"doit/internal/policy"
	"doit/internal/trace"
)

type fakeMachine struct {
	regs map[x86asm.Reg]uint64
	segs map[x86asm.Reg]uint64
	mem  map[uint64][]byte
}

func (f *fakeMachine) Reg(r x86asm.Reg) (uint64, error) {
	v, ok := f.regs[r]
	if !ok {
		return 0, fmt.Errorf("register %s not set", r)
	}
	return v, nil
}

func (f *fakeMachine) SegmentBase(seg x86asm.Reg) (uint64, error) {
	v, ok := f.segs[seg]
	if !ok {
		return 0, fmt.Errorf("segment %s not set", seg)
	}
	return v, nil
}

func (f *fakeMachine) MemRead(addr, size uint64) ([]byte, error) {
	for base, b := range f.mem {
		if addr >= base && addr+size <= base+uint64(len(b)) {
			off := addr - base
			return b[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("unmapped %#x", addr)
}

func TestReadReg(t *testing.T) {
	m := &fakeMachine{regs: map[x86asm.Reg]uint64{
		x86asm.RAX: 0x1122334455667788,
		x86asm.RSP: 0x00007ffc0000abcd,
		x86asm.R8:  0xa0a1a2a3a4a5a6a7,
		x86asm.R9:  0xffffffff00000001,
		x86asm.RIP: 0x0000000000401234,
	}}

	tests := []struct {
		reg  x86asm.Reg
		want uint64
	}{
		{reg: x86asm.RAX, want: 0x1122334455667788},
		{reg: x86asm.EAX, want: 0x55667788},
		{reg: x86asm.AX, want: 0x7788},
		{reg: x86asm.AL, want: 0x88},
		{reg: x86asm.AH, want: 0x77},
		{reg: x86asm.SPB, want: 0xcd},
		{reg: x86asm.SP, want: 0xabcd},
		{reg: x86asm.R8B, want: 0xa7},
		{reg: x86asm.R8W, want: 0xa6a7},
		{reg: x86asm.R9L, want: 0x00000001},
		{reg: x86asm.EIP, want: 0x401234},
	}
	for _, tt := range tests {
		t.Run(tt.reg.String(), func(t *testing.T) {
			got, err := ReadReg(m, tt.reg)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := ReadReg(m, x86asm.RBX)
	require.Error(t, err)
}

func TestEffectiveAddress(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		regs map[x86asm.Reg]uint64
		segs map[x86asm.Reg]uint64
		want uint64
	}{
		{
			name: "base",
			code: []byte{0x8b, 0x11}, // mov edx, [rcx]
			regs: map[x86asm.Reg]uint64{x86asm.RCX: 0x1000},
			want: 0x1000,
		},
		{
			name: "base index scale disp8",
			code: []byte{0x8b, 0x44, 0x91, 0x10}, // mov eax, [rcx+rdx*4+0x10]
			regs: map[x86asm.Reg]uint64{x86asm.RCX: 0x1000, x86asm.RDX: 3},
			want: 0x101c,
		},
		{
			name: "negative disp32",
			code: []byte{0x8b, 0x81, 0xf0, 0xff, 0xff, 0xff}, // mov eax, [rcx-0x10]
			regs: map[x86asm.Reg]uint64{x86asm.RCX: 0x1000},
			want: 0xff0,
		},
		{
			name: "rip relative",
			code: []byte{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, // mov eax, [rip+0x10]
			want: 0x401016,
		},
		{
			name: "fs override",
			code: []byte{0x64, 0x48, 0x8b, 0x04, 0x25, 0x28, 0x00, 0x00, 0x00}, // mov rax, fs:[0x28]
			segs: map[x86asm.Reg]uint64{x86asm.FS: 0x7f0000001000},
			want: 0x7f0000001028,
		},
		{
			name: "32-bit address size",
			code: []byte{0x67, 0x8b, 0x01}, // mov eax, [ecx]
			regs: map[x86asm.Reg]uint64{x86asm.RCX: 0x100001000},
			want: 0x1000,
		},
		{
			name: "push slot",
			code: []byte{0x50}, // push rax
			regs: map[x86asm.Reg]uint64{x86asm.RSP: 0x7ff0},
			want: 0x7fe8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := disasm.Decode(tt.code, 0x401000)
			require.NoError(t, err)
			require.NotEmpty(t, inst.MemOps, inst.Text)

			m := &fakeMachine{regs: tt.regs, segs: tt.segs}
			got, err := EffectiveAddress(m, inst, inst.MemOps[0])
			require.NoError(t, err)
			require.Equal(t, tt.want, got, "%s", inst.Text)
		})
	}
}

func newInstrumenter(t *testing.T, table *policy.Table) (*Instrumenter, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return NewInstrumenter(enforcer.New(table), trace.NewWriter(&out)), &out
}

func TestMovThenRet(t *testing.T) {
	ins, out := newInstrumenter(t, policy.New(nil))
	code := []byte{
		0x48, 0x89, 0xd8, // mov rax, rbx
		0xc3, // ret
	}
	m := &fakeMachine{regs: map[x86asm.Reg]uint64{x86asm.RSP: 0x7ff0}}

	require.NoError(t, ins.Before(m, 0x1000, code[0:]))
	require.NoError(t, ins.Before(m, 0x1003, code[3:]))
	require.NoError(t, ins.Fini(ExitStatus{}))

	require.Equal(t, "Warning: Unallowed opcode MOV\n0x1000 \n0x1003 \nExit Called\n", out.String())
}

func TestPopcntMemoryValue(t *testing.T) {
	ins, out := newInstrumenter(t, policy.Default())
	word := make([]byte, 8)
	binary.LittleEndian.PutUint64(word, 0x11223344deadbeef)
	m := &fakeMachine{
		regs: map[x86asm.Reg]uint64{x86asm.RCX: 0x5000},
		mem:  map[uint64][]byte{0x5000: word},
	}

	require.NoError(t, ins.Before(m, 0x2000, []byte{0xf3, 0x0f, 0xb8, 0x11})) // popcnt edx, [rcx]
	require.NoError(t, ins.Fini(ExitStatus{}))

	lines, err := trace.ReadAll(out)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, trace.LineWarning, lines[0].Kind)
	require.Equal(t, "POPCNT", lines[0].Mnemonic)
	require.Equal(t, []uint64{0x2000, 0x5000, 0xdeadbeef}, lines[1].Fields)
	require.Equal(t, trace.LineExit, lines[2].Kind)
}

func TestPopcntRegisterValue(t *testing.T) {
	ins, out := newInstrumenter(t, policy.New([]x86asm.Op{x86asm.POPCNT}))
	m := &fakeMachine{regs: map[x86asm.Reg]uint64{x86asm.RBX: 0xff00ff}}

	require.NoError(t, ins.Before(m, 0x2000, []byte{0xf3, 0x48, 0x0f, 0xb8, 0xc3})) // popcnt rax, rbx
	require.NoError(t, ins.Trace().Flush())
	require.Equal(t, "0x2000 0xff00ff \n", out.String())
}

func TestDecisionCachedPerAddress(t *testing.T) {
	ins, out := newInstrumenter(t, policy.New(nil))
	m := &fakeMachine{regs: map[x86asm.Reg]uint64{x86asm.RCX: 0x1000}}
	code := []byte{0x8b, 0x11} // mov edx, [rcx]

	require.NoError(t, ins.Before(m, 0x1000, code))
	m.regs[x86asm.RCX] = 0x2000
	// The bytes are only looked at the first time an address is seen.
	require.NoError(t, ins.Before(m, 0x1000, []byte{0x90}))
	require.NoError(t, ins.Fini(ExitStatus{}))

	require.Equal(t, "Warning: Unallowed opcode MOV\n0x1000 0x1000 \n0x1000 0x2000 \nExit Called\n", out.String())
	require.Equal(t, Counters{Steps: 2, Sites: 1, Violations: 1}, ins.Counters())
}

func TestResetDropsCachedDecisions(t *testing.T) {
	ins, out := newInstrumenter(t, policy.New(nil))
	m := &fakeMachine{regs: map[x86asm.Reg]uint64{x86asm.RCX: 0x1000}}

	require.NoError(t, ins.Before(m, 0x1000, []byte{0x8b, 0x11})) // mov edx, [rcx]
	ins.Reset()
	require.False(t, ins.Known(0x1000))
	require.NoError(t, ins.Before(m, 0x1000, []byte{0x90}))
	require.NoError(t, ins.Trace().Flush())

	require.Equal(t, "Warning: Unallowed opcode MOV\n0x1000 0x1000 \n0x1000 \n", out.String())
	require.Equal(t, uint64(2), ins.Counters().Steps)
}

func TestUndecodableInstruction(t *testing.T) {
	ins, out := newInstrumenter(t, policy.Default())
	m := &fakeMachine{}

	require.NoError(t, ins.Before(m, 0x3000, []byte{0xe8, 0x11}))
	require.NoError(t, ins.Before(m, 0x3000, []byte{0xe8, 0x11}))
	require.NoError(t, ins.Trace().Flush())

	require.Equal(t, "Warning: Unallowed opcode UNKNOWN\n0x3000 \n0x3000 \n", out.String())
	require.Equal(t, 1, ins.Counters().Undecoded)
}

func TestRegisterReadFailureAborts(t *testing.T) {
	ins, _ := newInstrumenter(t, policy.Default())
	err := ins.Before(&fakeMachine{}, 0x1000, []byte{0x8b, 0x11})
	require.Error(t, err)
	require.Contains(t, err.Error(), "RCX")
}

func TestFailedRecordStaysOnItsLine(t *testing.T) {
	ins, out := newInstrumenter(t, policy.Default())
	m := &fakeMachine{}

	require.NoError(t, ins.Before(m, 0x1000, []byte{0x90}))
	require.Error(t, ins.Before(m, 0x1001, []byte{0x8b, 0x11})) // mov edx, [rcx] with no RCX
	require.NoError(t, ins.Fini(ExitStatus{}))

	require.Equal(t, "0x1000 \n0x1001 \nExit Called\n", out.String())
	lines, err := trace.ReadAll(strings.NewReader(out.String()))
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.Equal(t, trace.LineExit, lines[2].Kind)
}

func TestFiniOnce(t *testing.T) {
	ins, out := newInstrumenter(t, policy.Default())
	require.NoError(t, ins.Fini(ExitStatus{Code: 3}))
	require.NoError(t, ins.Fini(ExitStatus{Code: 3}))
	require.Equal(t, "Exit Called\n", out.String())
}

type scriptBackend struct {
	steps []uint64
	code  map[uint64][]byte
	m     Machine
}

func (b *scriptBackend) Name() string { return "script" }

func (b *scriptBackend) Run(ctx context.Context, _ Target, ins *Instrumenter) (ExitStatus, error) {
	for _, pc := range b.steps {
		if err := ctx.Err(); err != nil {
			return ExitStatus{Killed: true}, nil
		}
		if err := ins.Before(b.m, pc, b.code[pc]); err != nil {
			return ExitStatus{}, err
		}
	}
	return ExitStatus{Code: 0}, nil
}

func TestRegistry(t *testing.T) {
	backend := &scriptBackend{
		steps: []uint64{0x10, 0x12, 0x10, 0x12},
		code: map[uint64][]byte{
			0x10: {0x31, 0xc0}, // xor eax, eax
			0x12: {0x75, 0xfc}, // jnz 0x10
		},
		m: &fakeMachine{},
	}
	Register("script-test", func() Backend { return backend })
	require.Panics(t, func() { Register("script-test", func() Backend { return backend }) })
	require.Contains(t, Backends(), "script-test")

	_, err := Lookup("no-such-backend")
	require.True(t, errors.Is(err, ErrUnknownBackend))

	b, err := Lookup("script-test")
	require.NoError(t, err)
	ins, out := newInstrumenter(t, policy.Default())
	status, err := b.Run(context.Background(), Target{}, ins)
	require.NoError(t, err)
	require.NoError(t, ins.Fini(status))
	require.Equal(t, "0x10 \n0x12 \n0x10 \n0x12 \nExit Called\n", out.String())
}

func TestInitError(t *testing.T) {
	err := InitError(errors.New("fork/exec: permission denied"))
	require.True(t, errors.Is(err, ErrInit))
	require.Equal(t, "host initialization failed: fork/exec: permission denied", err.Error())
}
