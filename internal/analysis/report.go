package analysis

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Markdown renders the report for a terminal markdown renderer.
func (r *Report) Markdown() string {
	var b strings.Builder

	kind := "dynamic"
	if r.Static {
		kind = "static"
	}
	fmt.Fprintf(&b, "# doit audit\n\n```\n; %s (%s)\n; %s\n; entry %s\n```\n\n", filepath.Base(r.Path), kind, r.Digest, r.Entry)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- **%s** instructions swept\n", humanize.Comma(int64(r.Instructions)))
	fmt.Fprintf(&b, "- **%s** exempt control flow and no-ops\n", humanize.Comma(int64(r.Exempt)))
	fmt.Fprintf(&b, "- **%s** unallowed sites across **%s** mnemonics\n",
		humanize.Comma(int64(len(r.Findings))), humanize.Comma(int64(len(r.Mnemonics))))
	if n := r.undecodedBytes(); n > 0 {
		fmt.Fprintf(&b, "- **%s** undecodable bytes in %d runs\n", humanize.Comma(int64(n)), len(r.Undecoded))
	}
	if r.Compliant() {
		b.WriteString("\nEvery instruction is on the allow-list.\n")
		return b.String()
	}

	if len(r.Mnemonics) > 0 {
		b.WriteString("\n## Mnemonics\n\n| Mnemonic | Sites |\n|---|---:|\n")
		for _, c := range r.Mnemonics {
			fmt.Fprintf(&b, "| `%s` | %s |\n", c.Name, humanize.Comma(int64(c.Count)))
		}
	}

	if len(r.Functions) > 0 {
		b.WriteString("\n## Functions\n\n| Function | Sites |\n|---|---:|\n")
		for i, c := range r.Functions {
			if i == 20 {
				fmt.Fprintf(&b, "| %s more | |\n", humanize.Comma(int64(len(r.Functions)-i)))
				break
			}
			fmt.Fprintf(&b, "| `%s` | %s |\n", escapeCell(c.Name), humanize.Comma(int64(c.Count)))
		}
	}

	if len(r.Findings) > 0 {
		b.WriteString("\n## Sites\n\n")
		for i, f := range r.Findings {
			if i == MaxSites {
				fmt.Fprintf(&b, "\n_%s more sites not shown_\n", humanize.Comma(int64(len(r.Findings)-i)))
				break
			}
			fmt.Fprintf(&b, "- `%s` `%s`", f.Address, f.Text)
			if f.Function != "" {
				fmt.Fprintf(&b, " in `%s`", f.Function)
			}
			if len(f.Notes) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(f.Notes, "; "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ListingText returns the annotated listing, one instruction per line.
func (r *Report) ListingText() string {
	var b strings.Builder
	for _, l := range r.Listing {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}
	if r.Truncated {
		fmt.Fprintf(&b, "; listing truncated after %s lines\n", humanize.Comma(int64(len(r.Listing))))
	}
	return b.String()
}

func (r *Report) undecodedBytes() uint64 {
	var n uint64
	for _, rg := range r.Undecoded {
		n += rg.End - rg.Start
	}
	return n
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
