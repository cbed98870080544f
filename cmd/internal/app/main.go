package app

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type cliOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the nearby CLI.
func NewRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "nearby",
		Short:         "Pair with one nearby device and keep ranging to it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", EnvString("NEARBY_CONFIG", ""), "TOML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd(opts), identityCmd(opts), checkCmd(opts))
	return root
}

// Main runs the CLI and returns the process exit code.
func Main(args []string, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			fmt.Fprintln(stderr, "capability unavailable:", err)
			return 2
		}
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func (o *cliOptions) load() (Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

func runCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Advertise, browse, and range with the first matching peer until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return Run(ctx, cfg, NewLogger(cfg.LogLevel, cfg.LogFormat))
		},
	}
}

func identityCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the persistent device identifier, creating it if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			id, err := loadDeviceID(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func checkCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report whether ranging is available on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := CheckCapability(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ranging capability available")
			return nil
		},
	}
}
