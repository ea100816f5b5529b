package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"doit/internal/doit/styles"
	"doit/internal/enforcer"
	"doit/internal/host"
	_ "doit/internal/host/emu"
	"doit/internal/logging"
	"doit/internal/policy"
	"doit/internal/trace"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- program [args...]",
	Short: "Run a program under the allow-list and trace it",
	Long: `Run a program under instrumentation. Every executed instruction is
recorded in the trace together with its memory operand addresses; executing
an instruction outside the allow-list adds a warning line. The trace ends
with "Exit Called" when the program finishes.`,
	Example: `
# Trace with the default ptrace host
doit run -- ./target input.bin

# Emulate a static binary and write the trace elsewhere
doit run --backend emu -o /tmp/t.txt -- ./target
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)

		logger := logging.NewLogger()
		defer logger.Close()

		backend, err := host.Lookup(cfg.Backend)
		if err != nil {
			return &ExitError{Code: 1, Err: err}
		}
		if s, ok := backend.(interface{ SetLogger(*log.Logger) }); ok {
			s.SetLogger(logger.Logger)
		}

		out, err := trace.Create(cfg.Output)
		if err != nil {
			return &ExitError{Code: 1, Err: err}
		}

		ins := host.NewInstrumenter(enforcer.New(policy.Default()), out, host.WithLogger(logger.Logger))
		target := host.Target{
			Path:   args[0],
			Args:   args[1:],
			Stdin:  cmd.InOrStdin(),
			Stdout: cmd.OutOrStdout(),
			Stderr: cmd.ErrOrStderr(),
		}

		slog.Debug("Starting target", "backend", backend.Name(), "program", target.Path, "args", target.Args, "trace", cfg.Output)
		status, runErr := backend.Run(cmd.Context(), target, ins)
		if errors.Is(runErr, host.ErrInit) {
			return &ExitError{Code: 1, Err: initFailed(out, runErr)}
		}

		finiErr := ins.Fini(status)
		if !cfg.Quiet {
			summary(cmd.ErrOrStderr(), backend.Name(), cfg.Output, status, ins)
		}
		switch {
		case runErr != nil:
			return &ExitError{Code: 1, Err: runErr}
		case finiErr != nil:
			return &ExitError{Code: 1, Err: finiErr}
		case status.Code != 0:
			return &ExitError{Code: status.Code, Err: fmt.Errorf("target %s", status)}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("output", "o", trace.DefaultPath, "Trace file")
	runCmd.Flags().String("backend", defaultConfig().Backend, "Execution host ("+strings.Join(host.Backends(), "|")+")")
	runCmd.Flags().BoolP("quiet", "q", false, "Hide the run summary")
	runCmd.Flags().SetInterspersed(false)
}

// initFailed records a host start failure in the trace and closes it.
func initFailed(out *trace.Writer, err error) error {
	cause := strings.TrimPrefix(err.Error(), host.ErrInit.Error()+": ")
	if werr := out.InitFailed(errors.New(cause)); werr != nil {
		slog.Error("Failed to record init failure", "error", werr)
	}
	if cerr := out.Close(); cerr != nil {
		slog.Error("Failed to close trace", "error", cerr)
	}
	return err
}

func summary(w io.Writer, backend, path string, status host.ExitStatus, ins *host.Instrumenter) {
	c := ins.Counters()
	st := ins.Trace().Stats()

	violations := styles.OK.Render("none")
	if c.Violations > 0 {
		violations = styles.Warn.Render(humanize.Comma(int64(c.Violations)))
	}

	lines := []string{
		styles.Title.Render("doit run"),
		styles.Row("backend", backend),
		styles.Row("status", status.String()),
		styles.Row("instructions", humanize.Comma(int64(c.Steps))),
		styles.Row("sites", humanize.Comma(int64(c.Sites))),
		styles.Row("violations", violations),
		styles.Row("trace", fmt.Sprintf("%s (%s records, %s fields)", path, humanize.Comma(int64(st.Records)), humanize.Comma(int64(st.Fields)))),
	}
	if c.Undecoded > 0 {
		lines = append(lines, styles.Row("undecoded", styles.Warn.Render(humanize.Comma(int64(c.Undecoded)))))
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
