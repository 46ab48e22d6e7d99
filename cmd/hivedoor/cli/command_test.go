// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "hivedoor",
		Subcommands: []*Command{
			{
				Name: "version",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					called = "version"
					return nil
				},
			},
			{
				Name: "status",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					called = "status"
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"status"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "status" {
		t.Errorf("dispatched to %q, want %q", called, "status")
	}
}

func TestExecuteNestedSubcommands(t *testing.T) {
	var called string
	var receivedArgs []string

	root := &Command{
		Name: "hivedoor",
		Subcommands: []*Command{
			{
				Name: "ticket",
				Subcommands: []*Command{
					{
						Name: "mint",
						Run: func(_ context.Context, args []string, _ *slog.Logger) error {
							called = "ticket mint"
							receivedArgs = args
							return nil
						},
					},
				},
			},
		},
	}

	if err := root.Execute([]string{"ticket", "mint", "extra-arg"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "ticket mint" {
		t.Errorf("dispatched to %q, want %q", called, "ticket mint")
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "extra-arg" {
		t.Errorf("args = %v, want [extra-arg]", receivedArgs)
	}
}

func TestExecuteFlagParsing(t *testing.T) {
	var address string
	var target string

	command := &Command{
		Name: "tail",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			flagSet.StringVar(&address, "host", "127.0.0.1:9564", "host address")
			return flagSet
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) > 0 {
				target = args[0]
			}
			return nil
		},
	}

	if err := command.Execute([]string{"--host", "10.0.0.7:9564", "/log/queen.log"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if address != "10.0.0.7:9564" {
		t.Errorf("address = %q, want %q", address, "10.0.0.7:9564")
	}
	if target != "/log/queen.log" {
		t.Errorf("target = %q, want %q", target, "/log/queen.log")
	}
}

func TestExecuteUnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "watch",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			flagSet.Duration("refresh", 0, "refresh interval")
			flagSet.String("ticket", "", "capability ticket")
			return flagSet
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error { return nil },
	}

	err := command.Execute([]string{"--refersh", "2s"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "did you mean --refresh") {
		t.Errorf("error = %q, want suggestion for '--refresh'", errStr)
	}
	if !strings.Contains(errStr, "refersh") {
		t.Errorf("error = %q, should mention the bad flag", errStr)
	}
	if !strings.Contains(errStr, "--help") {
		t.Errorf("error = %q, should point to --help", errStr)
	}
}

func TestExecuteUnknownFlagNoSuggestion(t *testing.T) {
	command := &Command{
		Name: "watch",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			flagSet.Duration("refresh", 0, "refresh interval")
			return flagSet
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error { return nil },
	}

	err := command.Execute([]string{"--zzzzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not suggest for distant flag", err.Error())
	}
	if !strings.Contains(err.Error(), "--help") {
		t.Errorf("error = %q, should point to --help", err.Error())
	}
}

func TestExecuteUnknownSubcommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "hivedoor",
		Subcommands: []*Command{
			{Name: "status"},
			{Name: "spawn"},
			{Name: "version"},
		},
	}

	err := root.Execute([]string{"spwan"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), "did you mean \"spawn\"") {
		t.Errorf("error = %q, want suggestion for 'spawn'", err.Error())
	}
}

func TestExecuteUnknownSubcommandNoSuggestion(t *testing.T) {
	root := &Command{
		Name: "hivedoor",
		Subcommands: []*Command{
			{Name: "status"},
			{Name: "spawn"},
		},
	}

	err := root.Execute([]string{"zzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not contain suggestion for distant input", err.Error())
	}
}

func TestExecuteHelpFlag(t *testing.T) {
	for _, helpArg := range []string{"-h", "--help", "help"} {
		t.Run(helpArg, func(t *testing.T) {
			root := &Command{
				Name:    "hivedoor",
				Summary: "Host operator tooling",
				Subcommands: []*Command{
					{Name: "status", Summary: "Show the host status"},
				},
			}

			if err := root.Execute([]string{helpArg}); err != nil {
				t.Errorf("Execute(%q) error: %v", helpArg, err)
			}
		})
	}
}

func TestExecuteNoArgsShowsHelp(t *testing.T) {
	root := &Command{
		Name: "hivedoor",
		Subcommands: []*Command{
			{Name: "status", Summary: "Show the host status"},
		},
	}

	err := root.Execute([]string{})
	if err == nil {
		t.Fatal("Execute() = nil, want error for missing subcommand")
	}
	if !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %q, want 'subcommand required'", err.Error())
	}
}

func TestPrintHelp(t *testing.T) {
	command := &Command{
		Name:        "hivedoor",
		Description: "Operator tooling for a hivedoor host.",
		Subcommands: []*Command{
			{Name: "status", Summary: "Show sessions, workers, and leases"},
			{Name: "watch", Summary: "Live dashboard"},
			{Name: "version", Summary: "Print version information"},
		},
		Examples: []Example{
			{
				Description: "Open the live dashboard",
				Command:     "hivedoor watch --ticket $TOKEN",
			},
			{
				Description: "Spawn a heartbeat worker",
				Command:     "hivedoor spawn --ticks 30",
			},
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"Operator tooling for a hivedoor host.",
		"Usage:",
		"hivedoor <command> [flags]",
		"Commands:",
		"status",
		"Show sessions, workers, and leases",
		"watch",
		"Live dashboard",
		"Examples:",
		"hivedoor watch --ticket $TOKEN",
		"hivedoor spawn --ticks 30",
		"Run 'hivedoor <command> --help'",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestPrintHelpWithFlags(t *testing.T) {
	command := &Command{
		Name:    "tail",
		Summary: "Stream a log ring",
		Usage:   "hivedoor tail <path> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			flagSet.String("host", "127.0.0.1:9564", "wire listener address")
			flagSet.Bool("follow", false, "keep streaming as the ring grows")
			return flagSet
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"hivedoor tail <path> [flags]",
		"Flags:",
		"host",
		"follow",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestFullName(t *testing.T) {
	root := &Command{Name: "hivedoor"}
	ticket := &Command{Name: "ticket", parent: root}
	mint := &Command{Name: "mint", parent: ticket}

	if got := root.fullName(); got != "hivedoor" {
		t.Errorf("root.fullName() = %q, want %q", got, "hivedoor")
	}
	if got := ticket.fullName(); got != "hivedoor ticket" {
		t.Errorf("ticket.fullName() = %q, want %q", got, "hivedoor ticket")
	}
	if got := mint.fullName(); got != "hivedoor ticket mint" {
		t.Errorf("mint.fullName() = %q, want %q", got, "hivedoor ticket mint")
	}
}

func TestCommandErrorHint(t *testing.T) {
	err := Validation("no ticket given").WithHint("pass --ticket or set $HIVEDOOR_TICKET")
	msg := err.Error()
	if !strings.Contains(msg, "no ticket given") {
		t.Errorf("error = %q, should contain the message", msg)
	}
	if !strings.Contains(msg, "hint: pass --ticket") {
		t.Errorf("error = %q, should contain the hint", msg)
	}

	bare := NotFound("worker-9 not found")
	if strings.Contains(bare.Error(), "hint") {
		t.Errorf("error without hint should not mention one: %q", bare.Error())
	}
}
