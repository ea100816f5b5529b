// Package trace writes and reads the line-oriented execution trace.
//
// Each executed instruction produces one record: space separated "0x"
// prefixed lower-case hex fields terminated by a newline. Diagnostic lines
// share the same stream.
package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// DefaultPath is where the trace goes when no output is configured.
const DefaultPath = "trace.txt"

const (
	warningPrefix    = "Warning: Unallowed opcode "
	exitLine         = "Exit Called"
	initFailedPrefix = "Host initialization failed: "
)

// ErrClosed is returned by writes after Exit.
var ErrClosed = errors.New("trace closed")

// MemReader reads target memory.
type MemReader interface {
	MemRead(addr, size uint64) ([]byte, error)
}

// Stats counts what has been written.
type Stats struct {
	Records  uint64
	Warnings uint64
	Fields   uint64
}

// Writer is the shared trace sink. Every method performs one ordered append
// under a lock, so concurrent callers never split a field.
type Writer struct {
	mu      sync.Mutex
	buf     *bufio.Writer
	closer  io.Closer
	scratch []byte
	stats   Stats
	closed  bool
}

// NewWriter wraps w. If w is an io.Closer it is closed by Exit.
func NewWriter(w io.Writer) *Writer {
	tw := &Writer{
		buf:     bufio.NewWriterSize(w, 64*1024),
		scratch: make([]byte, 0, 32),
	}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

// Create truncates or creates the trace file at path.
func Create(path string) (*Writer, error) {
	if path == "" {
		path = DefaultPath
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	return NewWriter(f), nil
}

// Address appends "0x<hex> ".
func (w *Writer) Address(v uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.field(v)
}

// Value reads an unsigned little-endian word of the given size at addr and
// appends it like Address. Sizes other than 2 and 4 are read as 8 bytes.
func (w *Writer) Value(size int, addr uint64, mem MemReader) error {
	width := ValueWidth(size)
	raw, err := mem.MemRead(addr, uint64(width))
	if err != nil {
		return fmt.Errorf("read value at %#x: %w", addr, err)
	}
	if len(raw) < width {
		return fmt.Errorf("read value at %#x: short read of %d bytes", addr, len(raw))
	}

	var v uint64
	switch width {
	case 2:
		v = uint64(binary.LittleEndian.Uint16(raw))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(raw))
	default:
		v = binary.LittleEndian.Uint64(raw)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.field(v)
}

// ValueWidth maps a memory operand size to the width printed for it.
func ValueWidth(size int) int {
	switch size {
	case 2, 4:
		return size
	}
	return 8
}

// Terminate ends the current record.
func (w *Writer) Terminate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.stats.Records++
	return w.buf.WriteByte('\n')
}

// Warning writes the policy violation line for mnemonic.
func (w *Writer) Warning(mnemonic string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.stats.Warnings++
	return w.line(warningPrefix + mnemonic)
}

// InitFailed records that the host could not start the target.
func (w *Writer) InitFailed(cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.line(initFailedPrefix + cause.Error())
}

// Exit writes the final line, flushes and closes the sink. Later calls
// return ErrClosed.
func (w *Writer) Exit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	err := w.line(exitLine)
	if ferr := w.buf.Flush(); err == nil {
		err = ferr
	}
	w.closed = true
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("close trace: %w", err)
	}
	return nil
}

// Close flushes and closes the sink without writing the exit line. It is
// used when the target never started.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Flush pushes buffered output to the sink without closing it.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.buf.Flush()
}

// Stats returns a snapshot of the counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Writer) field(v uint64) error {
	if w.closed {
		return ErrClosed
	}
	b := append(w.scratch[:0], '0', 'x')
	b = strconv.AppendUint(b, v, 16)
	b = append(b, ' ')
	w.stats.Fields++
	_, err := w.buf.Write(b)
	return err
}

func (w *Writer) line(s string) error {
	if _, err := w.buf.WriteString(s); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}
