package analysis

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"doit/internal/elfx"
)

// EscapeUnprintable returns a string where printable Unicode runes are preserved.
// Control and unprintable runes are escaped as \uXXXX. Invalid UTF-8 is escaped as \xXX.
func EscapeUnprintable(b []byte) string {
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		switch {
		case r == utf8.RuneError && size == 1:
			fmt.Fprintf(&sb, "\\x%02X", b[0])
		case unicode.IsPrint(r):
			sb.WriteRune(r)
		default:
			fmt.Fprintf(&sb, "\\u%04X", r)
		}
		b = b[size:]
	}
	return sb.String()
}

// ReadCString reads a NUL-terminated string of at most maxLen bytes at va
// and returns it escaped, with its raw length.
func ReadCString(im *elfx.Image, va uint64, maxLen int) (string, int, bool) {
	off, ok := im.VA2Off(va)
	if !ok || off >= uint64(len(im.All)) {
		return "", 0, false
	}
	n := min(uint64(maxLen), uint64(len(im.All))-off)
	raw, ok := im.SliceVA(va, n)
	if !ok {
		return "", 0, false
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return EscapeUnprintable(raw), len(raw), true
}

// TryResolveCString returns the string literal at addr when addr points into
// read-only or initialised data and the bytes there look like text.
func TryResolveCString(im *elfx.Image, addr uint64) (string, bool) {
	if !im.Rodata.Contains(addr) && !im.Data.Contains(addr) {
		return "", false
	}
	s, n, ok := ReadCString(im, addr, MaxStringLength)
	if !ok || n < 2 || !mostlyPrintable(s) {
		return "", false
	}
	return s, true
}

func mostlyPrintable(s string) bool {
	escaped := strings.Count(s, `\x`) + strings.Count(s, `\u`)
	return escaped*4 <= len(s)
}
