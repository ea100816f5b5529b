package analysis

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
	"doit/internal/elfx"
	"doit/internal/enforcer"
)

// AnnotatedInst represents a disassembled instruction with annotations
type AnnotatedInst struct {
	VA          uint64
	Mnemonic    string
	Operands    string
	Annotations []string // Comments to display
	Violation   bool
}

// String formats the instruction with fixed-width columns and the
// annotations after a semicolon. Labels end with a colon and carry no
// operands.
func (a AnnotatedInst) String() string {
	if strings.HasSuffix(a.Mnemonic, ":") {
		return fmt.Sprintf("%x  %s", a.VA, a.Mnemonic)
	}
	base := fmt.Sprintf("%-10x %-8s %-34s", a.VA, a.Mnemonic, a.Operands)
	if len(a.Annotations) > 0 {
		return fmt.Sprintf("%s ; %s", base, strings.Join(a.Annotations, ", "))
	}
	return strings.TrimRight(base, " ")
}

// IsLabel reports whether the line is a label rather than an instruction.
func (a AnnotatedInst) IsLabel() bool {
	return strings.HasSuffix(a.Mnemonic, ":")
}

// Annotate builds the listing for stream, whose plans were decided in
// order. It stops after limit lines and reports whether it did.
func Annotate(im *elfx.Image, stream disasm.Stream, plans []enforcer.Plan, limit int) ([]AnnotatedInst, bool) {
	resolver := NewResolver(im)
	starts := functionStarts(im)

	// First pass: local branch targets that have no symbol.
	labels := make(map[uint64]string)
	inStream := make(map[uint64]bool, len(stream))
	for _, inst := range stream {
		inStream[inst.VA] = true
	}
	for _, inst := range stream {
		if inst.Category != disasm.CategoryCondBranch && inst.Category != disasm.CategoryUncondBranch {
			continue
		}
		if t, ok := resolver.Target(inst); ok && inStream[t] {
			if _, isFunc := starts[t]; !isFunc {
				labels[t] = localLabel(t)
			}
		}
	}

	var out []AnnotatedInst
	for i, inst := range stream {
		if len(out) >= limit {
			return out, true
		}
		if name, ok := starts[inst.VA]; ok {
			out = append(out, AnnotatedInst{VA: inst.VA, Mnemonic: name + ":"})
		} else if l, ok := labels[inst.VA]; ok {
			out = append(out, AnnotatedInst{VA: inst.VA, Mnemonic: l + ":"})
		}

		mnemonic, operands := splitText(inst.Text)
		line := AnnotatedInst{VA: inst.VA, Mnemonic: mnemonic, Operands: operands}
		if _, ok := plans[i].Warning(); ok {
			line.Violation = true
			line.Annotations = append(line.Annotations, "unallowed")
		}
		line.Annotations = append(line.Annotations, annotations(im, resolver, labels, inst)...)
		out = append(out, line)
	}
	return out, false
}

func annotations(im *elfx.Image, resolver *Resolver, labels map[uint64]string, inst disasm.Inst) []string {
	var notes []string
	if t, ok := resolver.Target(inst); ok {
		if l, local := labels[t]; local {
			notes = append(notes, "-> "+l)
		} else {
			notes = append(notes, "-> "+resolver.Name(t))
		}
		return notes
	}
	for _, arg := range inst.Raw.Args {
		m, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		if va, ok := RIPRelative(inst, m); ok {
			if s, ok := TryResolveCString(im, va); ok {
				notes = append(notes, fmt.Sprintf("%q", s))
			} else {
				notes = append(notes, fmt.Sprintf("0x%x", va))
			}
		}
	}
	if inst.Op == x86asm.POPCNT {
		notes = append(notes, "source value traced")
	}
	return notes
}

// prefixes that IntelSyntax prints as separate words before the mnemonic.
var prefixes = map[string]bool{
	"lock": true, "rep": true, "repe": true, "repne": true, "repz": true, "repnz": true,
	"bnd": true, "notrack": true, "xacquire": true, "xrelease": true,
	"data16": true, "addr32": true, "rex.w": true,
}

// splitText separates the mnemonic column, prefixes included, from the
// operands of an Intel syntax line.
func splitText(text string) (string, string) {
	words := strings.Fields(text)
	n := 0
	for n < len(words)-1 && prefixes[words[n]] {
		n++
	}
	if len(words) == 0 {
		return "", ""
	}
	mnemonic := strings.Join(words[:n+1], " ")
	operands := strings.TrimSpace(strings.TrimPrefix(text, mnemonic))
	if !strings.HasPrefix(text, mnemonic) {
		operands = strings.Join(words[n+1:], " ")
	}
	return mnemonic, operands
}
