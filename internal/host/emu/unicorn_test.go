//go:build unicorn

package emu

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"doit/internal/elfx/elfxtest"
	"doit/internal/enforcer"
	"doit/internal/host"
	"doit/internal/policy"
	"doit/internal/trace"
)

func emulate(t *testing.T, ctx context.Context, code []byte, stdout *bytes.Buffer) (host.ExitStatus, []trace.Line) {
	t.Helper()
	var out bytes.Buffer
	ins := host.NewInstrumenter(enforcer.New(policy.Default()), trace.NewWriter(&out))
	status, err := New().Run(ctx, host.Target{Path: elfxtest.Write(t, code), Stdout: stdout}, ins)
	require.NoError(t, err)
	require.NoError(t, ins.Fini(status))
	lines, err := trace.ReadAll(&out)
	require.NoError(t, err)
	return status, lines
}

func TestEmulateWriteAndExit(t *testing.T) {
	code := []byte{
		0xbf, 0x01, 0x00, 0x00, 0x00, // mov edi, 1
		0x48, 0x8d, 0x35, 0x15, 0x00, 0x00, 0x00, // lea rsi, [rip+0x15]
		0xba, 0x03, 0x00, 0x00, 0x00, // mov edx, 3
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0x0f, 0x05, // syscall
		0x31, 0xff, // xor edi, edi
		0xb8, 0x3c, 0x00, 0x00, 0x00, // mov eax, 60
		0x0f, 0x05, // syscall
		'h', 'i', '\n',
	}
	var stdout bytes.Buffer
	status, lines := emulate(t, context.Background(), code, &stdout)
	require.Equal(t, host.ExitStatus{}, status)
	require.Equal(t, "hi\n", stdout.String())

	var warned []string
	for _, l := range lines {
		if l.Kind == trace.LineWarning {
			warned = append(warned, l.Mnemonic)
		}
	}
	require.Equal(t, []string{"SYSCALL"}, warned)
	require.Equal(t, trace.LineExit, lines[len(lines)-1].Kind)
}

func TestEmulatePopcntFromMemory(t *testing.T) {
	code := []byte{
		0xf3, 0x48, 0x0f, 0xb8, 0x05, 0x09, 0x00, 0x00, 0x00, // popcnt rax, [rip+0x9]
		0x31, 0xff, // xor edi, edi
		0xb8, 0x3c, 0x00, 0x00, 0x00, // mov eax, 60
		0x0f, 0x05, // syscall
		0xef, 0xbe, 0xad, 0xde, 0x00, 0x00, 0x00, 0x00,
	}
	_, lines := emulate(t, context.Background(), code, nil)
	require.Equal(t, "POPCNT", lines[0].Mnemonic)
	data := uint64(elfxtest.CodeVA + 18)
	require.Equal(t, []uint64{elfxtest.CodeVA, data, 0xdeadbeef}, lines[1].Fields)
}

func TestEmulateFault(t *testing.T) {
	code := []byte{0x48, 0x8b, 0x04, 0x25, 0x00, 0x00, 0x00, 0x00} // mov rax, [0]
	status, _ := emulate(t, context.Background(), code, nil)
	require.Equal(t, "SIGSEGV", status.Signal)
}

func TestEmulateCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	status, _ := emulate(t, ctx, []byte{0xeb, 0xfe}, nil)
	require.True(t, status.Killed)
}

func TestEmulateMissingProgram(t *testing.T) {
	var out bytes.Buffer
	ins := host.NewInstrumenter(enforcer.New(policy.Default()), trace.NewWriter(&out))
	_, err := New().Run(context.Background(), host.Target{Path: "/nonexistent"}, ins)
	require.True(t, errors.Is(err, host.ErrInit))
}
