package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"doit/internal/host/ptrace"
	"doit/internal/trace"
)

// Config is the effective configuration of a doit run.
type Config struct {
	Debug    bool   `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	LogFile  string `json:"logFile,omitempty" jsonschema:"title=Log File,description=File receiving diagnostic logs instead of stderr"`
	LogLevel string `json:"logLevel,omitempty" jsonschema:"title=Log Level,description=Level of the charm logger (DOIT_LOG_LEVEL),enum=debug,enum=info,enum=warn,enum=error"`
	Output   string `json:"output" jsonschema:"title=Trace Output,description=Path of the trace file,default=trace.txt"`
	Backend  string `json:"backend" jsonschema:"title=Backend,description=Execution host,enum=ptrace,enum=emu,default=ptrace"`
	Quiet    bool   `json:"quiet" jsonschema:"title=Quiet,description=Suppress the run summary"`
	NoColor  bool   `json:"noColor" jsonschema:"title=No Color,description=Disable colored output (DOIT_NO_COLOR)"`
	Profile  bool   `json:"profile" jsonschema:"title=Profile,description=Serve pprof on localhost:6060 (DOIT_PROFILE)"`
}

func defaultConfig() Config {
	return Config{
		Output:  trace.DefaultPath,
		Backend: ptrace.Name,
	}
}

// loadConfig merges the environment and the flags of cmd over the defaults.
func loadConfig(cmd *cobra.Command) Config {
	cfg := defaultConfig()
	cfg.LogLevel = os.Getenv("DOIT_LOG_LEVEL")
	cfg.NoColor = os.Getenv("DOIT_NO_COLOR") != ""
	cfg.Profile = os.Getenv("DOIT_PROFILE") != ""

	flags := cmd.Flags()
	cfg.Debug, _ = flags.GetBool("debug")
	cfg.LogFile, _ = flags.GetString("log-file")
	if v, err := flags.GetString("output"); err == nil && v != "" {
		cfg.Output = v
	}
	if v, err := flags.GetString("backend"); err == nil && v != "" {
		cfg.Backend = v
	}
	cfg.Quiet, _ = flags.GetBool("quiet")
	return cfg
}
