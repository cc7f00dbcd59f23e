package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-headless-launcher/internal/audio"
	"github.com/randomizedcoder/go-headless-launcher/internal/config"
	"github.com/randomizedcoder/go-headless-launcher/internal/display"
	"github.com/randomizedcoder/go-headless-launcher/internal/logging"
	"github.com/randomizedcoder/go-headless-launcher/internal/preflight"
	"github.com/randomizedcoder/go-headless-launcher/internal/process"
	"github.com/randomizedcoder/go-headless-launcher/internal/service"
	"github.com/randomizedcoder/go-headless-launcher/internal/workspace"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run preflight checks and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result := preflight.RunAll(cfg)
			preflight.PrintResults(cmd.OutOrStdout(), result)
			if !result.Passed {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}

func newPlanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the commands and changes a launch would make",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderPlan(cfg))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "headless-launcher %s\n", version)
		},
	}
}

// renderPlan lists each step of the sequence without running anything.
func renderPlan(cfg *config.Config) string {
	logger := logging.Discard()
	env := process.NewEnv()
	env.Set(display.EnvVar, cfg.Display.Target)

	disp := display.New(cfg.Display, cfg.Readiness, env, logger, false)
	aud := audio.New(cfg.Audio, cfg.Readiness, env, logger, false)
	svc := service.New(cfg, env, logger)

	settle := func(probe string, timeout, delay config.Duration) string {
		if cfg.Readiness.Mode == config.ReadinessSleep {
			return "sleep " + delay.String()
		}
		return fmt.Sprintf("probe %s (timeout %s)", probe, timeout)
	}

	ws := "nothing to do"
	if pending := workspace.Check(cfg.Workspace); len(pending) > 0 {
		ws = strings.Join(pending, "\n")
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Stage", "Action"})
	rows := [][2]string{
		{"display", disp.Spec().String()},
		{"settle", settle(disp.SocketPath(), cfg.Readiness.DisplayTimeout, cfg.Readiness.DisplaySettle)},
		{"audio", aud.Spec().String()},
		{"settle", settle(cfg.Audio.CtlBinary+" info", cfg.Readiness.AudioTimeout, cfg.Readiness.AudioSettle)},
		{"sink", fmt.Sprintf("%s set-default-sink %s", cfg.Audio.CtlBinary, cfg.Audio.SinkIndex)},
		{"workspace", ws},
		{"reap", fmt.Sprintf("terminate %q (grace %s)", cfg.Reaper.ProcessName, cfg.Reaper.Grace)},
		{"settle", "sleep " + cfg.Readiness.ReapSettle.String()},
		{"service", svc.Spec().String()},
	}
	for i, r := range rows {
		tw.AppendRow(table.Row{i + 1, r[0], r[1]})
	}
	return tw.Render()
}
