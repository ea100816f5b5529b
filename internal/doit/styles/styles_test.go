package styles

import (
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/require"
)

func TestRenderMarkdown(t *testing.T) {
	out := ansi.Strip(RenderMarkdown("# doit audit\n\n- **3** unallowed sites\n", 80))
	require.Contains(t, out, "doit audit")
	require.Contains(t, out, "3 unallowed sites")
}

func TestRow(t *testing.T) {
	row := Row("records", "42")
	require.Contains(t, row, "records")
	require.Contains(t, row, "42")
	require.Equal(t, 1, strings.Count(row, "\n")+1)
}
