// Package cli implements the modelrm command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"modelrm/internal/client"
	"modelrm/internal/config"
)

const defaultServer = "http://localhost:8080"

// Options holds flags shared by every command.
type Options struct {
	ConfigPath string
	Server     string
	LogLevel   string
	LogFormat  string
	// Output is table or json.
	Output  string
	Timeout time.Duration
	// Retries bounds client retries on 502/503/504 and transport errors.
	Retries int

	Logger zerolog.Logger
	Out    io.Writer
	Err    io.Writer
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, version string) int {
	root := NewRootCommand(version, os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// NewRootCommand builds the modelrm command tree writing to out and errOut.
func NewRootCommand(version string, out, errOut io.Writer) *cobra.Command {
	opts := &Options{Out: out, Err: errOut, Logger: zerolog.Nop()}
	root := &cobra.Command{
		Use:   "modelrm",
		Short: "Hardware-aware model resource manager",
		Long: `modelrm profiles GPU and host memory, picks a quantization level for each
model that fits, books the memory before a model is built and swaps sets of
models between two workload modes.

Run "modelrm serve" to start the HTTP API; the other commands either work
offline from the config file or talk to a running server (--server).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", envStr(EnvConfig, ""), "config file (.yaml|.json|.toml); env "+EnvConfig)
	pf.StringVar(&opts.Server, "server", envStr(EnvServer, defaultServer), "modelrm server URL; env "+EnvServer)
	pf.StringVar(&opts.LogLevel, "log-level", envStr(EnvLogLevel, "info"), "log level: debug|info|warn|error")
	pf.StringVar(&opts.LogFormat, "log-format", "console", "log format: console|json")
	pf.StringVarP(&opts.Output, "output", "o", "table", "output format: table|json")
	pf.DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "per-request timeout for server commands")
	pf.IntVar(&opts.Retries, "retries", 3, "retries for unavailable-server responses (503 includes out of memory)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		switch opts.Output {
		case "table", "json":
		default:
			return fmt.Errorf("invalid output %q (table|json)", opts.Output)
		}
		l, err := NewLogger(errOut, opts.LogLevel, opts.LogFormat)
		if err != nil {
			return err
		}
		opts.Logger = l
		return nil
	}

	root.AddCommand(
		newServeCommand(opts),
		newProfileCommand(opts),
		newModelsCommand(opts),
		newPlanCommand(opts),
		newStatusCommand(opts),
		newAllocationsCommand(opts),
		newLoadCommand(opts),
		newUnloadCommand(opts),
		newActivateCommand(opts),
		newTouchCommand(opts),
		newModeCommand(opts),
	)
	return root
}

// loadConfig reads --config when given, otherwise returns the defaults.
func loadConfig(opts *Options) (config.Config, error) {
	if opts.ConfigPath == "" {
		return config.Defaults(), nil
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func newClient(opts *Options) *client.Client {
	return client.New(opts.Server,
		client.WithLogger(opts.Logger),
		client.WithTimeout(opts.Timeout),
		client.WithRetryMax(opts.Retries))
}

func (o *Options) json() bool { return o.Output == "json" }
