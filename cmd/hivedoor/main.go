// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Hivedoor is the operator command line for a hivedoor host. It mints
// and inspects capability tickets, spawns and revokes workers over the
// operator console, streams ring logs, renders the live dashboard, and
// mounts the namespace as a local filesystem.
//
// Every subcommand that talks to a host takes --host or --console plus
// a ticket (flag or $HIVEDOOR_TICKET); keygen and mint work offline
// against the keystore.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/lib/version"
)

func main() {
	if err := rootCommand().Execute(os.Args[1:]); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "hivedoor",
		Summary: "Operator tooling for a hivedoor host",
		Description: `Hivedoor drives a running hivedoor-server: mint tickets, spawn and
revoke workers, stream logs, inspect the audit trail, and watch the
host live.

Key material lives in an age-sealed keystore; 'keygen' creates it and
'mint' issues tickets from it without the server's involvement. The
remaining commands talk to the host's wire listener or its operator
console.`,
		Subcommands: []*cli.Command{
			keygenCommand(),
			mintCommand(),
			inspectCommand(),
			spawnCommand(),
			killCommand(),
			statusCommand(),
			tailCommand(),
			auditCommand(),
			watchCommand(),
			mountCommand(),
			docsCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "Create the keystore and mint a queen ticket",
				Command:     "hivedoor keygen && hivedoor mint --role queen",
			},
			{
				Description: "Spawn a heartbeat worker with a 50-tick budget",
				Command:     "hivedoor spawn --ticks 50",
			},
			{
				Description: "Follow the queen log",
				Command:     "hivedoor tail --follow /log/queen.log",
			},
			{
				Description: "Watch workers, GPUs, and the log live",
				Command:     "hivedoor watch",
			},
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version and build information",
		Usage:   "hivedoor version",
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			fmt.Println("hivedoor " + version.Full())
			return nil
		},
	}
}
