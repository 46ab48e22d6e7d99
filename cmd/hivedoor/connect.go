// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/hivedoor/hivedoor/client"
	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/lib/config"
	"github.com/hivedoor/hivedoor/policy"
)

// ticketEnv is the environment fallback for --ticket. Tokens on a
// command line leak through process listings and shell history; the
// environment variable is the recommended way to carry one.
const ticketEnv = "HIVEDOOR_TICKET"

// serverDefaults mirrors the server's own defaults so a stock client
// finds a stock host with no flags at all.
var serverDefaults = config.Default()

const defaultTimeout = 10 * time.Second

// hostConnection carries the flags shared by every command that
// attaches a wire session.
type hostConnection struct {
	address string
	ticket  string
	timeout time.Duration
}

func (hc *hostConnection) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&hc.address, "host", serverDefaults.Listen, "wire listener address of the host")
	flagSet.StringVar(&hc.ticket, "ticket", "", "capability ticket (default $"+ticketEnv+")")
	flagSet.DurationVar(&hc.timeout, "timeout", defaultTimeout, "per-operation wire timeout")
}

func (hc *hostConnection) token() (string, error) {
	if hc.ticket != "" {
		return hc.ticket, nil
	}
	if token := os.Getenv(ticketEnv); token != "" {
		return token, nil
	}
	return "", cli.Validation("no ticket given").
		WithHint("pass --ticket or export %s (mint one with 'hivedoor mint')", ticketEnv)
}

// attach dials the wire listener and attaches with the ticket. The
// caller owns the returned client.
func (hc *hostConnection) attach(ctx context.Context, logger *slog.Logger) (*client.Client, error) {
	token, err := hc.token()
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(ctx, hc.address, client.Options{Logger: logger, Timeout: hc.timeout})
	if err != nil {
		return nil, cli.Unavailable("dialing %s: %v", hc.address, err).
			WithHint("is hivedoor-server running?")
	}
	if err := c.Attach(ctx, token); err != nil {
		c.Close()
		return nil, fmt.Errorf("attaching to %s: %w", hc.address, err)
	}
	return c, nil
}

// consoleConnection carries the flags shared by commands that drive
// the operator console instead of the wire protocol.
type consoleConnection struct {
	address string
	ticket  string
	role    string
	timeout time.Duration
}

func (cc *consoleConnection) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&cc.address, "console", serverDefaults.Console.Listen, "network console address of the host")
	flagSet.StringVar(&cc.ticket, "ticket", "", "capability ticket (default $"+ticketEnv+")")
	flagSet.StringVar(&cc.role, "role", policy.RoleQueen.String(), "role label presented at attach")
	flagSet.DurationVar(&cc.timeout, "timeout", defaultTimeout, "per-command console timeout")
}

// attach dials the console and runs ATTACH. The caller owns the
// returned console connection.
func (cc *consoleConnection) attach(ctx context.Context, logger *slog.Logger) (*client.Console, error) {
	if cc.ticket == "" {
		cc.ticket = os.Getenv(ticketEnv)
	}
	if cc.ticket == "" {
		return nil, cli.Validation("no ticket given").
			WithHint("pass --ticket or export %s (mint one with 'hivedoor mint')", ticketEnv)
	}
	role, err := policy.ParseRole(cc.role)
	if err != nil {
		return nil, cli.Validation("bad --role: %v", err).
			WithHint("one of: %s", roleLabels())
	}
	con, err := client.DialConsole(ctx, cc.address, client.Options{Logger: logger, Timeout: cc.timeout})
	if err != nil {
		return nil, cli.Unavailable("dialing console %s: %v", cc.address, err).
			WithHint("is hivedoor-server running?")
	}
	if err := con.Attach(ctx, role, cc.ticket); err != nil {
		con.Close()
		return nil, fmt.Errorf("attaching console at %s: %w", cc.address, err)
	}
	return con, nil
}

func roleLabels() string {
	labels := ""
	for i, role := range policy.Roles() {
		if i > 0 {
			labels += ", "
		}
		labels += role.String()
	}
	return labels
}
