package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LineKind classifies a trace line.
type LineKind int

const (
	LineRecord LineKind = iota
	LineWarning
	LineExit
	LineInitFailed
)

func (k LineKind) String() string {
	switch k {
	case LineRecord:
		return "record"
	case LineWarning:
		return "warning"
	case LineExit:
		return "exit"
	case LineInitFailed:
		return "init-failed"
	}
	return "unknown"
}

// Line is one parsed trace line.
type Line struct {
	Kind     LineKind
	Fields   []uint64 // LineRecord: instruction address first
	Mnemonic string   // LineWarning
	Message  string   // LineInitFailed
	Text     string   // the raw line without the newline
}

// Address returns the instruction address of a record.
func (l Line) Address() uint64 {
	if len(l.Fields) == 0 {
		return 0
	}
	return l.Fields[0]
}

// ParseLine parses a single line without its trailing newline.
func ParseLine(s string) (Line, error) {
	switch {
	case s == exitLine:
		return Line{Kind: LineExit, Text: s}, nil
	case strings.HasPrefix(s, warningPrefix):
		return Line{Kind: LineWarning, Mnemonic: strings.TrimPrefix(s, warningPrefix), Text: s}, nil
	case strings.HasPrefix(s, initFailedPrefix):
		return Line{Kind: LineInitFailed, Message: strings.TrimPrefix(s, initFailedPrefix), Text: s}, nil
	}

	line := Line{Kind: LineRecord, Text: s}
	for _, f := range strings.Fields(s) {
		if !strings.HasPrefix(f, "0x") {
			return Line{}, fmt.Errorf("field %q: missing 0x prefix", f)
		}
		v, err := strconv.ParseUint(f[2:], 16, 64)
		if err != nil {
			return Line{}, fmt.Errorf("field %q: %w", f, err)
		}
		line.Fields = append(line.Fields, v)
	}
	return line, nil
}

// Scanner reads a trace line by line.
type Scanner struct {
	sc   *bufio.Scanner
	line Line
	err  error
	n    int
}

// NewScanner returns a scanner over r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{sc: sc}
}

// Scan advances to the next line. It returns false at EOF or on the first
// malformed line; Err distinguishes the two.
func (s *Scanner) Scan() bool {
	if s.err != nil || !s.sc.Scan() {
		return false
	}
	s.n++
	line, err := ParseLine(s.sc.Text())
	if err != nil {
		s.err = fmt.Errorf("line %d: %w", s.n, err)
		return false
	}
	s.line = line
	return true
}

// Line returns the most recently scanned line.
func (s *Scanner) Line() Line {
	return s.line
}

// Err returns the first parse or read error.
func (s *Scanner) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.sc.Err()
}

// ReadAll parses an entire trace.
func ReadAll(r io.Reader) ([]Line, error) {
	var out []Line
	sc := NewScanner(r)
	for sc.Scan() {
		out = append(out, sc.Line())
	}
	return out, sc.Err()
}
