package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/metrics"
	"github.com/randomizedcoder/go-headless-launcher/internal/orchestrator"
)

// commandContext holds persistent flags and the loaded configuration.
type commandContext struct {
	configFlag string
	logFormat  string
	logLevel   string
	verbose    bool

	cfg *config.Config
}

// ensureConfig loads and validates the configuration once. Flags override
// the file and the environment.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	cfg, err := config.Load(c.configFlag)
	if err != nil {
		return nil, err
	}
	if c.logFormat != "" {
		cfg.Logging.Format = c.logFormat
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.verbose {
		cfg.Logging.Verbose = true
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration error:\n%w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) logger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Verbose)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "headless-launcher",
		Short:         "Start Xvfb and PulseAudio, prepare the workspace, then run the web service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return launch(cmd, ctx, cfg)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (TOML or YAML)")
	flags.StringVar(&ctx.logFormat, "log-format", "", "Log format: auto, json, text")
	flags.StringVar(&ctx.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVarP(&ctx.verbose, "verbose", "v", false, "Verbose logging, including daemon output")

	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newPlanCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// launch runs the startup sequence and maps its result to an exit status.
func launch(cmd *cobra.Command, ctx *commandContext, cfg *config.Config) error {
	runID := uuid.NewString()
	logger := logging.WithRun(ctx.logger(cfg), runID)
	logging.SetDefault(logger)

	if logging.IsTerminal(os.Stdout.Fd()) {
		printBanner(cmd.OutOrStdout(), cfg, runID)
	}

	logger.Info("starting",
		"version", version,
		"display", cfg.Display.Target,
		"service_addr", cfg.ServiceAddr(),
		"exec", cfg.Service.Exec,
	)

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(metrics.CollectorConfig{Version: version, RunID: runID})
	orch := orchestrator.New(cfg, collector, logger, orchestrator.WithOutput(cmd.OutOrStdout()))

	code, err := orch.Run(sigCtx)
	if err != nil {
		logger.Error("launch_failed", "error", err)
		return &exitError{code: code}
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
