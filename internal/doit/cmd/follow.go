package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	"doit/internal/trace"
	"doit/internal/ui/colorize"
)

var followCmd = &cobra.Command{
	Use:   "follow [trace]",
	Short: "Print a trace as it is written",
	Long: `Follow a trace file while a run is writing it. Following stops at the
"Exit Called" line, at a host initialization failure, or on interrupt.`,
	Example: `
# Watch warnings only
doit follow -w trace.txt
  `,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := trace.DefaultPath
		if len(args) == 1 {
			path = args[0]
		}
		warningsOnly, _ := cmd.Flags().GetBool("warnings")
		poll, _ := cmd.Flags().GetBool("poll")

		return follow(cmd.Context(), cmd.OutOrStdout(), path, followOptions{
			warningsOnly: warningsOnly,
			poll:         poll,
		})
	},
}

func init() {
	followCmd.Flags().BoolP("warnings", "w", false, "Only print warning and exit lines")
	followCmd.Flags().Bool("poll", false, "Poll for changes instead of using inotify")
}

type followOptions struct {
	warningsOnly bool
	poll         bool
}

func follow(ctx context.Context, w io.Writer, path string, opts followOptions) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow: true,
		ReOpen: true,
		Poll:   opts.poll,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow %s: %w", path, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if l.Err != nil {
				return fmt.Errorf("failed to read %s: %w", path, l.Err)
			}
			line, err := trace.ParseLine(l.Text)
			if err != nil {
				slog.Debug("Skipping malformed trace line", "line", l.Text, "error", err)
				continue
			}
			if opts.warningsOnly && line.Kind == trace.LineRecord {
				continue
			}
			fmt.Fprintln(w, colorize.ColorizeTraceLine(line.Text))
			if line.Kind == trace.LineExit || line.Kind == trace.LineInitFailed {
				return nil
			}
		}
	}
}
