// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/hivefs"
)

func mountCommand() *cli.Command {
	var (
		connection hostConnection
		allowOther bool
	)
	return &cli.Command{
		Name:    "mount",
		Summary: "Mount the namespace as a local filesystem",
		Description: `Mount exposes the ticket's view of the namespace as a read-only
FUSE filesystem. Ring files read as their retained window; spawned
and killed workers appear and vanish as the host changes.

The command stays in the foreground and unmounts on interrupt.`,
		Usage: "hivedoor mount <mountpoint> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mount", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			flagSet.BoolVar(&allowOther, "allow-other", false, "let other users read the mount (needs user_allow_other in /etc/fuse.conf)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Mount and browse with ordinary tools",
				Command:     "hivedoor mount /mnt/hive & cat /mnt/hive/log/queen.log",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one mountpoint argument")
			}
			mountpoint := args[0]

			c, err := connection.attach(ctx, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			server, err := hivefs.Mount(hivefs.Options{
				Mountpoint: mountpoint,
				Client:     c,
				AllowOther: allowOther,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "mounted %s (interrupt to unmount)\n", mountpoint)
			go func() {
				<-ctx.Done()
				if err := server.Unmount(); err != nil {
					logger.Warn("unmount failed", "mountpoint", mountpoint, "error", err)
				}
			}()
			server.Wait()
			return nil
		},
	}
}
