package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/arch/x86/x86asm"

	"doit/internal/disasm"
	"doit/internal/elfx"
	"doit/internal/enforcer"
	"doit/internal/policy"
)

// Options tunes an audit.
type Options struct {
	// Listing keeps the annotated listing of every swept instruction.
	Listing bool
	// Detectors enrich findings; nil runs DefaultDetectors.
	Detectors *DetectorChain
}

// Finding is a reachable-looking instruction the allow-list rejects.
type Finding struct {
	VA       uint64    `json:"-"`
	Address  string    `json:"address"`
	Op       x86asm.Op `json:"-"`
	Mnemonic string    `json:"mnemonic"`
	Text     string    `json:"text"`
	Function string    `json:"function,omitempty"`
	// Fields is the number of values each execution adds to the trace
	// record, the address included.
	Fields int      `json:"fields"`
	Notes  []string `json:"notes,omitempty"`
}

// Range is a half-open address range.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Count is a tally for one key.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Report is the result of auditing one executable.
type Report struct {
	Path         string          `json:"path"`
	Digest       string          `json:"digest"`
	Entry        string          `json:"entry"`
	Static       bool            `json:"static"`
	Code         []Range         `json:"code"`
	Instructions int             `json:"instructions"`
	Exempt       int             `json:"exempt"`
	Findings     []Finding       `json:"findings"`
	Mnemonics    []Count         `json:"mnemonics"`
	Functions    []Count         `json:"functions"`
	Undecoded    []Range         `json:"undecoded,omitempty"`
	Listing      []AnnotatedInst `json:"-"`
	Truncated    bool            `json:"truncated,omitempty"`
}

// Compliant reports whether the audit found nothing outside the allow-list.
func (r *Report) Compliant() bool {
	return len(r.Findings) == 0 && len(r.Undecoded) == 0
}

// Audit sweeps the code of im and applies engine to every instruction.
func Audit(im *elfx.Image, engine *enforcer.Engine, opts Options) (*Report, error) {
	ranges := codeRanges(im)
	if len(ranges) == 0 {
		return nil, errors.New("no executable code")
	}

	sum := sha256.Sum256(im.All)
	rep := &Report{
		Path:   im.Path,
		Digest: hex.EncodeToString(sum[:]),
		Entry:  fmt.Sprintf("0x%x", im.Entry),
		Static: im.Static(),
		Code:   ranges,
	}

	var stream disasm.Stream
	for _, rg := range ranges {
		code, ok := im.SliceVA(rg.Start, rg.End-rg.Start)
		if !ok {
			return nil, fmt.Errorf("code range 0x%x-0x%x is not file backed", rg.Start, rg.End)
		}
		stream = append(stream, disasm.DecodeStream(code, rg.Start, func(va uint64, _ error) {
			rep.addUndecoded(va)
		})...)
	}
	rep.Instructions = len(stream)

	plans := make([]enforcer.Plan, len(stream))
	for i, inst := range stream {
		plan := engine.Decide(inst)
		plans[i] = plan
		if policy.ExemptCategory(inst.Category) {
			rep.Exempt++
		}
		if _, ok := plan.Warning(); !ok {
			continue
		}
		rep.Findings = append(rep.Findings, Finding{
			VA:       inst.VA,
			Address:  fmt.Sprintf("0x%x", inst.VA),
			Op:       inst.Op,
			Mnemonic: inst.Mnemonic,
			Text:     inst.Text,
			Function: functionName(im, inst.VA),
			Fields:   fields(plan),
		})
	}

	detectors := opts.Detectors
	if detectors == nil {
		detectors = DefaultDetectors()
	}
	rep.Findings = detectors.Detect(rep.Findings)
	rep.Mnemonics = tally(rep.Findings, func(f Finding) string { return f.Mnemonic })
	rep.Functions = tally(rep.Findings, func(f Finding) string {
		if f.Function == "" {
			return "(unknown)"
		}
		return f.Function
	})

	if opts.Listing {
		rep.Listing, rep.Truncated = Annotate(im, stream, plans, MaxListing)
	}
	return rep, nil
}

// codeRanges prefers .text and falls back to executable segments for
// stripped images without section headers.
func codeRanges(im *elfx.Image) []Range {
	if im.Text.Size != 0 {
		return []Range{{Start: im.Text.VA, End: im.Text.VA + im.Text.Size}}
	}
	var out []Range
	for _, s := range im.Executable() {
		if s.Filesz != 0 {
			out = append(out, Range{Start: s.Vaddr, End: s.Vaddr + s.Filesz})
		}
	}
	return out
}

// addUndecoded records one rejected byte, merging runs.
func (r *Report) addUndecoded(va uint64) {
	if n := len(r.Undecoded); n > 0 && r.Undecoded[n-1].End == va {
		r.Undecoded[n-1].End++
		return
	}
	r.Undecoded = append(r.Undecoded, Range{Start: va, End: va + 1})
}

// fields counts the values a plan records per execution.
func fields(plan enforcer.Plan) int {
	n := 0
	for _, a := range plan.Dynamic() {
		if a.Kind != enforcer.EmitTerminator {
			n++
		}
	}
	return n
}

func tally(findings []Finding, key func(Finding) string) []Count {
	counts := make(map[string]int)
	for _, f := range findings {
		counts[key(f)]++
	}
	out := make([]Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, Count{Name: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
