package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	pathpkg "path/filepath"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"doit/internal/analysis"
	"doit/internal/doit/styles"
	"doit/internal/elfx"
	"doit/internal/enforcer"
	"doit/internal/policy"
	"doit/internal/ui/colorize"
)

// exitNonCompliant is the status of an audit that found unallowed sites.
const exitNonCompliant = 2

var auditCmd = &cobra.Command{
	Use:   "audit [file]",
	Short: "Check a binary against the allow-list without running it",
	Long: `Sweep the executable code of an ELF file, apply the same decision engine
the run command uses, and report every instruction outside the allow-list.
The command exits with status 2 when unallowed instructions are found.`,
	Example: `
# Markdown report
doit audit ./target

# Annotated listing of every instruction
doit audit --full ./target

# Machine-readable report
doit audit --json ./target > report.json

# Print the allow-list
doit audit --list-allowed
  `,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		showFull, _ := cmd.Flags().GetBool("full")
		listAllowed, _ := cmd.Flags().GetBool("list-allowed")

		table := policy.Default()
		if listAllowed {
			return writeAllowed(cmd.OutOrStdout(), table)
		}
		if len(args) != 1 {
			return fmt.Errorf("usage: doit audit <file>")
		}

		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %v", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", args[0])
			}
			return fmt.Errorf("cannot access file: %v", err)
		}

		report, err := auditFile(absPath, table, showFull)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch {
		case jsonOutput:
			if err := writeJSON(out, report); err != nil {
				return err
			}
		default:
			writeReport(out, report, showFull)
		}

		if !report.Compliant() {
			return &ExitError{
				Code: exitNonCompliant,
				Err:  fmt.Errorf("%d unallowed instruction sites", len(report.Findings)+len(report.Undecoded)),
			}
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().BoolP("json", "j", false, "Output the report as JSON")
	auditCmd.Flags().BoolP("full", "f", false, "Include the annotated listing")
	auditCmd.Flags().Bool("list-allowed", false, "Print the allow-list and exit")
}

func auditFile(path string, table *policy.Table, listing bool) (*analysis.Report, error) {
	img, err := elfx.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF: %w", err)
	}
	defer img.Close()

	report, err := analysis.Audit(img, enforcer.New(table), analysis.Options{Listing: listing})
	if err != nil {
		return nil, fmt.Errorf("audit %s: %w", path, err)
	}
	slog.Debug("Audit finished", "file", path, "instructions", report.Instructions, "findings", len(report.Findings))
	return report, nil
}

func writeAllowed(w io.Writer, table *policy.Table) error {
	for _, op := range table.Opcodes() {
		if _, err := fmt.Fprintln(w, op); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, report *analysis.Report) error {
	bts, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(bts))
	return err
}

// writeReport renders the markdown report with glamour on a terminal and
// prints it raw otherwise.
func writeReport(w io.Writer, report *analysis.Report, showFull bool) {
	md := report.Markdown()
	if colorize.Enabled() && term.IsTerminal(os.Stdout.Fd()) {
		width, _, err := term.GetSize(os.Stdout.Fd())
		if err != nil || width <= 0 {
			width = 100
		}
		fmt.Fprintln(w, styles.RenderMarkdown(md, width-2))
	} else {
		fmt.Fprintln(w, md)
	}

	if !showFull {
		return
	}
	for _, line := range strings.Split(strings.TrimSuffix(report.ListingText(), "\n"), "\n") {
		fmt.Fprintln(w, colorize.ColorizeInstructionLine(line))
	}
}
