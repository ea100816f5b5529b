package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMem map[uint64][]byte

func (m fakeMem) MemRead(addr, size uint64) ([]byte, error) {
	b, ok := m[addr]
	if !ok {
		return nil, fmt.Errorf("unmapped %#x", addr)
	}
	if uint64(len(b)) < size {
		return b, nil
	}
	return b[:size], nil
}

func TestRecordFormat(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)

	require.NoError(t, w.Address(0x401000))
	require.NoError(t, w.Address(0x7ffd0000abc0))
	require.NoError(t, w.Address(0))
	require.NoError(t, w.Terminate())
	require.NoError(t, w.Warning("DIV"))
	require.NoError(t, w.Exit())

	require.Equal(t, "0x401000 0x7ffd0000abc0 0x0 \nWarning: Unallowed opcode DIV\nExit Called\n", out.String())
	require.Equal(t, Stats{Records: 1, Warnings: 1, Fields: 3}, w.Stats())
}

func TestValueWidths(t *testing.T) {
	word := make([]byte, 8)
	binary.LittleEndian.PutUint64(word, 0x1122334455667788)
	mem := fakeMem{0x1000: word}

	tests := []struct {
		size int
		want string
	}{
		{size: 2, want: "0x7788 "},
		{size: 4, want: "0x55667788 "},
		{size: 8, want: "0x1122334455667788 "},
		{size: 1, want: "0x1122334455667788 "},
		{size: 16, want: "0x1122334455667788 "},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("size %d", tt.size), func(t *testing.T) {
			var out bytes.Buffer
			w := NewWriter(&out)
			require.NoError(t, w.Value(tt.size, 0x1000, mem))
			require.NoError(t, w.Flush())
			require.Equal(t, tt.want, out.String())
		})
	}
}

func TestValueReadFailure(t *testing.T) {
	w := NewWriter(&bytes.Buffer{})
	err := w.Value(4, 0xdead, fakeMem{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "0xdead")
}

type closeRecorder struct {
	bytes.Buffer
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestExitClosesOnce(t *testing.T) {
	sink := &closeRecorder{}
	w := NewWriter(sink)

	require.NoError(t, w.Exit())
	require.True(t, errors.Is(w.Exit(), ErrClosed))
	require.True(t, errors.Is(w.Address(1), ErrClosed))
	require.True(t, errors.Is(w.Terminate(), ErrClosed))
	require.Equal(t, 1, sink.closed)
	require.Equal(t, "Exit Called\n", sink.String())
}

func TestInitFailedThenClose(t *testing.T) {
	sink := &closeRecorder{}
	w := NewWriter(sink)

	require.NoError(t, w.InitFailed(errors.New("exec: no such file")))
	require.NoError(t, w.Close())
	require.True(t, errors.Is(w.Exit(), ErrClosed))
	require.Equal(t, 1, sink.closed)

	line, err := ParseLine(strings.TrimSuffix(sink.String(), "\n"))
	require.NoError(t, err)
	require.Equal(t, LineInitFailed, line.Kind)
	require.Equal(t, "exec: no such file", line.Message)
}

func TestCreateDefaultsPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.InitFailed(errors.New("fork/exec ./missing: no such file or directory")))
	require.NoError(t, w.Exit())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "Host initialization failed: fork/exec ./missing: no such file or directory\nExit Called\n", string(data))
}

func TestConcurrentFieldsStayWhole(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = w.Address(uint64(0xabcdef00 + g))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Flush())

	for _, f := range strings.Fields(out.String()) {
		require.Len(t, f, len("0xabcdef00"), "field %q was split", f)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		in   string
		want Line
	}{
		{
			in:   "0x401000 0x7ffc10 0x3 ",
			want: Line{Kind: LineRecord, Fields: []uint64{0x401000, 0x7ffc10, 0x3}, Text: "0x401000 0x7ffc10 0x3 "},
		},
		{
			in:   "Warning: Unallowed opcode MOV",
			want: Line{Kind: LineWarning, Mnemonic: "MOV", Text: "Warning: Unallowed opcode MOV"},
		},
		{
			in:   "Exit Called",
			want: Line{Kind: LineExit, Text: "Exit Called"},
		},
		{
			in:   "Host initialization failed: boom",
			want: Line{Kind: LineInitFailed, Message: "boom", Text: "Host initialization failed: boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.want.Kind.String(), func(t *testing.T) {
			got, err := ParseLine(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLine("401000")
	require.Error(t, err)
	_, err = ParseLine("0xzz")
	require.Error(t, err)
}

func TestWriterOutputParses(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.Warning("MOV"))
	require.NoError(t, w.Address(0x1000))
	require.NoError(t, w.Terminate())
	require.NoError(t, w.Address(0x1003))
	require.NoError(t, w.Address(0x7fff0000))
	require.NoError(t, w.Terminate())
	require.NoError(t, w.Exit())

	lines, err := ReadAll(&out)
	require.NoError(t, err)
	require.Len(t, lines, 4)
	require.Equal(t, LineWarning, lines[0].Kind)
	require.Equal(t, uint64(0x1000), lines[1].Address())
	require.Equal(t, []uint64{0x1003, 0x7fff0000}, lines[2].Fields)
	require.Equal(t, LineExit, lines[3].Kind)
}
