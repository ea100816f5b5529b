// Package colorize highlights x86 listings and trace lines for the terminal.
// Setting DOIT_NO_COLOR disables all highlighting.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// NoColorEnv disables highlighting when set to any value.
const NoColorEnv = "DOIT_NO_COLOR"

const (
	ansiReset   = "\033[0m"
	ansiAddress = "\033[38;2;79;79;79m"
	ansiComment = "\033[38;2;235;194;237m"
	ansiWarning = "\033[38;2;255;95;95m"
	ansiExit    = "\033[38;2;120;200;120m"
	ansiValue   = "\033[38;2;255;95;135m"
)

// Enabled reports whether output should be highlighted.
func Enabled() bool {
	return os.Getenv(NoColorEnv) == ""
}

// Disable turns highlighting off for the rest of the process.
func Disable() {
	os.Setenv(NoColorEnv, "1")
}

// getAssemblyLexer returns an x86 assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"nasm", "gas", "GAS"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	for _, name := range []string{styleName, "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// ColorizeAssembly highlights a block of Intel syntax assembly.
func ColorizeAssembly(code string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	lexer := getAssemblyLexer()
	if lexer == nil {
		return code, nil
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// ColorizeInstructionLine colorizes one audit listing line while preserving
// its column layout:
//
//	"<hexaddr>   mnemonic operands        ; comment"
//	"<hexaddr>  label:"
func ColorizeInstructionLine(line string) string {
	if !Enabled() {
		return line
	}

	addr, rest, ok := strings.Cut(line, " ")
	if !ok || !isHex(addr) {
		return colorizeFullLine(line)
	}

	trimmed := strings.TrimSpace(rest)
	if strings.HasSuffix(trimmed, ":") && !strings.Contains(trimmed, ";") {
		return fmt.Sprintf("%s%s%s %s%s%s", ansiAddress, addr, ansiReset, ansiComment, rest, ansiReset)
	}

	code, comment, hasComment := strings.Cut(rest, ";")
	out := fmt.Sprintf("%s%s%s %s", ansiAddress, addr, ansiReset, colorizeFullLine(code))
	if hasComment {
		color := ansiComment
		if strings.HasPrefix(strings.TrimSpace(comment), "unallowed") {
			color = ansiWarning
		}
		out += fmt.Sprintf("%s;%s%s", color, comment, ansiReset)
	}
	return out
}

// ColorizeTraceLine highlights one line of a trace file.
func ColorizeTraceLine(line string) string {
	if !Enabled() {
		return line
	}
	switch {
	case strings.HasPrefix(line, "Warning:"), strings.HasPrefix(line, "Host initialization failed"):
		return ansiWarning + line + ansiReset
	case line == "Exit Called":
		return ansiExit + line + ansiReset
	}
	addr, fields, ok := strings.Cut(line, " ")
	if !ok {
		return ansiAddress + line + ansiReset
	}
	return fmt.Sprintf("%s%s%s %s%s%s", ansiAddress, addr, ansiReset, ansiValue, fields, ansiReset)
}

// colorizeFullLine uses Chroma to colorize an assembly fragment
func colorizeFullLine(line string) string {
	out, err := ColorizeAssembly(line)
	if err != nil {
		return line
	}
	// The lexer terminates its input with a newline.
	return strings.ReplaceAll(out, "\n", "")
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !((ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')) {
			return false
		}
	}
	return true
}

// StripANSI removes ANSI escape sequences.
func StripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
