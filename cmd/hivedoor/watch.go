// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/watch"
)

func watchCommand() *cli.Command {
	var (
		connection hostConnection
		refresh    time.Duration
	)
	return &cli.Command{
		Name:    "watch",
		Summary: "Live dashboard of workers, GPUs, and the queen log",
		Description: `Watch renders a full-screen dashboard that polls the host: one pane
of live workers with their budgets, one of GPUs with leases and the
newest status line, and the tail of the queen log.

Keys: / filters workers and GPUs by fuzzy id match, G re-pins the
log to its newest line, q quits.`,
		Usage: "hivedoor watch [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			flagSet.DurationVar(&refresh, "refresh", 2*time.Second, "poll interval")
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			if refresh <= 0 {
				return cli.Validation("--refresh must be positive")
			}

			c, err := connection.attach(ctx, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			source := watch.NewClientSource(c, watch.ClientSourceOptions{})
			model := watch.New(source, watch.Options{Refresh: refresh})
			program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := program.Run(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		},
	}
}
