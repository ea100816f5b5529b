// Package cmd implements the doit command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"doit/internal/doit/log"
	"doit/internal/ui/colorize"
)

// ExitError carries the exit status doit should end with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().String("log-file", "", "Write diagnostic logs to this file instead of stderr")

	rootCmd.AddCommand(runCmd, auditCmd, followCmd, viewCmd, schemaCmd)
}

var rootCmd = &cobra.Command{
	Use:   "doit",
	Short: "Instruction-class enforcer and execution tracer",
	Long: `doit runs an x86-64 program under instrumentation, checks every executed
instruction against a compiled-in allow-list, and writes an execution trace
of instruction addresses, memory operand addresses and selected values.`,
	Example: `
# Trace a program into trace.txt
doit run -- ./target arg1 arg2

# Check a binary without running it
doit audit ./target

# Browse a finished trace
doit view trace.txt
  `,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := ResolveCwd(cmd); err != nil {
			return err
		}
		debug, _ := cmd.Flags().GetBool("debug")
		logFile, _ := cmd.Flags().GetString("log-file")
		if debug && os.Getenv("DOIT_LOG_LEVEL") == "" {
			os.Setenv("DOIT_LOG_LEVEL", "debug")
		}
		log.Setup(logFile, debug)
		if !term.IsTerminal(os.Stdout.Fd()) {
			colorize.Disable()
		}
		return nil
	},
}

// Execute runs the root command and exits the process on failure.
func Execute() {
	os.Exit(execute(context.Background(), os.Args[1:]))
}

func execute(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	defer log.Close()

	var err error
	if plainOutput(args) {
		err = rootCmd.ExecuteContext(ctx)
	} else {
		err = fang.Execute(ctx, rootCmd, fang.WithNotifySignal(os.Interrupt))
	}
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	return 1
}

// plainOutput reports whether fang's styled output should be bypassed.
func plainOutput(args []string) bool {
	for _, arg := range args {
		if arg == "--json" || arg == "-j" {
			return true
		}
	}
	return !term.IsTerminal(os.Stdout.Fd())
}

func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		err := os.Chdir(cwd)
		if err != nil {
			return "", fmt.Errorf("failed to change directory: %v", err)
		}
		return cwd, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %v", err)
	}
	return cwd, nil
}
