package colorize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoColor(t *testing.T) {
	t.Setenv(NoColorEnv, "1")
	require.False(t, Enabled())

	line := "400080     mov      eax, 0x1"
	require.Equal(t, line, ColorizeInstructionLine(line))
	require.Equal(t, "Exit Called", ColorizeTraceLine("Exit Called"))
	out, err := ColorizeAssembly("xor eax, eax")
	require.NoError(t, err)
	require.Equal(t, "xor eax, eax", out)
}

func TestColorizePreservesText(t *testing.T) {
	t.Setenv(NoColorEnv, "")
	require.True(t, Enabled())

	lines := []string{
		"400080     mov      eax, 0x1",
		"400082     popcnt   eax, ecx                           ; unallowed, source value traced",
		"400080  start:",
		"not an address",
	}
	require.Contains(t, ColorizeInstructionLine(lines[0]), ansiAddress)
	require.Contains(t, ColorizeInstructionLine(lines[1]), ansiWarning)
	for _, l := range lines {
		out := ColorizeInstructionLine(l)
		require.Equal(t, l, StripANSI(out))
	}

	traces := []string{
		"0x401000 0x7ffd0 ",
		"Warning: Unallowed opcode POPCNT",
		"Exit Called",
	}
	for _, l := range traces {
		out := ColorizeTraceLine(l)
		require.NotEqual(t, l, out)
		require.Equal(t, l, StripANSI(out))
	}
}

func TestStyleRegistered(t *testing.T) {
	require.NotNil(t, DisasmDark)
	require.Equal(t, styleName, getDisasmStyle().Name)
}
