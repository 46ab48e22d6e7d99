// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/spf13/pflag"

	"github.com/hivedoor/hivedoor/client"
	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
)

// spawnRequest mirrors the host's control grammar. The JSON line is
// the wire contract; the host validates it again on arrival. A gpu
// spawn carries its lifetime in ttl_s; a heartbeat spawn carries it
// through the budget rider.
type spawnRequest struct {
	Spawn    string       `json:"spawn"`
	Ticks    uint64       `json:"ticks,omitempty"`
	Gpu      string       `json:"gpu,omitempty"`
	MemMB    uint32       `json:"mem_mb,omitempty"`
	Streams  uint8        `json:"streams,omitempty"`
	TTLSecs  uint32       `json:"ttl_s,omitempty"`
	Priority uint8        `json:"priority,omitempty"`
	Budget   *budgetPatch `json:"budget,omitempty"`
}

type budgetPatch struct {
	Ticks   uint64 `json:"ticks,omitempty"`
	Ops     uint64 `json:"ops,omitempty"`
	TTLSecs uint32 `json:"ttl_s,omitempty"`
}

func spawnCommand() *cli.Command {
	var (
		connection consoleConnection
		gpu        string
		ticks      uint64
		mem        uint32
		streams    uint8
		priority   uint8
		ttl        time.Duration
	)
	return &cli.Command{
		Name:    "spawn",
		Summary: "Spawn a worker through the operator console",
		Description: `Spawn asks the host to create a worker. Without --gpu it spawns a
heartbeat worker, which requires --ticks. With --gpu it spawns a gpu
worker holding a lease on that device, which requires --mem and
--streams.

The command prints the queen log line the spawn produced, which names
the new worker id.`,
		Usage: "hivedoor spawn [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("spawn", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			flagSet.StringVar(&gpu, "gpu", "", "gpu id to lease (spawns a gpu worker)")
			flagSet.Uint64Var(&ticks, "ticks", 0, "tick budget for a heartbeat worker")
			flagSet.Uint32Var(&mem, "mem", 0, "gpu memory reservation in MiB")
			flagSet.Uint8Var(&streams, "streams", 0, "gpu stream reservation")
			flagSet.Uint8Var(&priority, "priority", 0, "gpu scheduling priority")
			flagSet.DurationVar(&ttl, "ttl", 0, "worker lifetime (0 = role default)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "A heartbeat worker that lives for 50 ticks",
				Command:     "hivedoor spawn --ticks 50",
			},
			{
				Description: "A gpu worker holding 4 GiB and 2 streams on gpu0",
				Command:     "hivedoor spawn --gpu gpu0 --mem 4096 --streams 2",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			if ttl < 0 || ttl/time.Second > math.MaxUint32 {
				return cli.Validation("--ttl %s is out of range", ttl)
			}
			ttlSeconds := uint32(ttl / time.Second)

			var request spawnRequest
			if gpu == "" {
				if ticks == 0 {
					return cli.Validation("a heartbeat worker requires --ticks").
						WithHint("pass --gpu to spawn a gpu worker instead")
				}
				request = spawnRequest{Spawn: "heartbeat", Ticks: ticks}
				if ttlSeconds > 0 {
					request.Budget = &budgetPatch{TTLSecs: ttlSeconds}
				}
			} else {
				if mem == 0 {
					return cli.Validation("a gpu worker requires --mem")
				}
				if streams == 0 {
					return cli.Validation("a gpu worker requires --streams")
				}
				request = spawnRequest{
					Spawn:    "gpu",
					Gpu:      gpu,
					MemMB:    mem,
					Streams:  streams,
					TTLSecs:  ttlSeconds,
					Priority: priority,
				}
			}
			payload, err := json.Marshal(request)
			if err != nil {
				return err
			}

			con, err := connection.attach(ctx, logger)
			if err != nil {
				return err
			}
			defer con.Close()

			// The console acks SPAWN before the control plane runs it,
			// so the outcome lives in the queen log. The conversation is
			// sequential: by the time TAIL answers, the spawn has been
			// applied or rejected.
			prior := lastQueenLine(ctx, con)
			if _, err := con.Command(ctx, "SPAWN "+string(payload)); err != nil {
				return err
			}
			line := lastQueenLine(ctx, con)
			if line == "" || line == prior {
				return cli.Unavailable("host accepted the spawn but logged nothing new").
					WithHint("check 'hivedoor tail /log/queen.log' for the control plane's verdict")
			}
			fmt.Println(line)
			return nil
		},
	}
}

// lastQueenLine fetches the newest queen log line, or "" when the log
// is empty or unreadable.
func lastQueenLine(ctx context.Context, con *client.Console) string {
	reply, err := con.Command(ctx, "TAIL /log/queen.log 1")
	if err != nil || len(reply.Body) == 0 {
		return ""
	}
	return reply.Body[len(reply.Body)-1]
}

func killCommand() *cli.Command {
	var connection consoleConnection
	return &cli.Command{
		Name:    "kill",
		Summary: "Revoke a worker",
		Description: `Kill revokes a worker: its ledger entry is torn down, any gpu lease
is released, and its namespace subtree is removed. The host suggests
a close id when the named worker does not exist.`,
		Usage: "hivedoor kill <worker-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("kill", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Revoke worker-3",
				Command:     "hivedoor kill worker-3",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one worker id")
			}
			con, err := connection.attach(ctx, logger)
			if err != nil {
				return err
			}
			defer con.Close()

			reply, err := con.Command(ctx, "KILL "+args[0])
			if err != nil {
				return err
			}
			fmt.Println(reply.Ack)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	var connection consoleConnection
	return &cli.Command{
		Name:    "status",
		Summary: "List live workers and their budgets",
		Description: `Status prints one row per live worker: id, role, remaining budget,
and the gpu it holds, straight from the host's worker ledger.`,
		Usage: "hivedoor status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			con, err := connection.attach(ctx, logger)
			if err != nil {
				return err
			}
			defer con.Close()

			reply, err := con.Command(ctx, "STATUS")
			if err != nil {
				return err
			}
			fmt.Println(reply.Ack)
			for _, row := range reply.Body {
				fmt.Println(row)
			}
			return nil
		},
	}
}
