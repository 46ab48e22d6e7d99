// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/lib/clock"
	"github.com/hivedoor/hivedoor/lib/ticket"
	"github.com/hivedoor/hivedoor/policy"
)

func mintCommand() *cli.Command {
	var (
		keystorePath string
		identityPath string
		roleLabel    string
		subject      string
		scope        string
		ticks        uint64
		ops          uint64
		ttl          time.Duration
	)
	return &cli.Command{
		Name:    "mint",
		Summary: "Issue a capability ticket from the keystore",
		Description: `Mint signs a ticket offline from the local keystore and prints the
token on stdout. A host sharing the same master secret accepts it at
attach time.

Budget flags left at zero defer to the host's per-role defaults.
Worker roles require --subject; gpu workers additionally require
--scope naming the GPU directory their mount is clipped to.`,
		Usage: "hivedoor mint --role <role> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mint", pflag.ContinueOnError)
			flagSet.StringVar(&keystorePath, "keystore", serverDefaults.Keystore.Path, "sealed master secret to mint under")
			flagSet.StringVar(&identityPath, "identity", serverDefaults.Keystore.IdentityPath, "age identity that unseals the keystore")
			flagSet.StringVar(&roleLabel, "role", "", "ticket role ("+roleLabels()+")")
			flagSet.StringVar(&subject, "subject", "", "worker or observer name the ticket is issued to")
			flagSet.StringVar(&scope, "scope", "", "gpu id a worker-gpu mount is clipped to")
			flagSet.Uint64Var(&ticks, "ticks", 0, "tick budget (0 = role default)")
			flagSet.Uint64Var(&ops, "ops", 0, "operation budget (0 = role default)")
			flagSet.DurationVar(&ttl, "ttl", 0, "ticket lifetime (0 = role default)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "A queen ticket for the operator console",
				Command:     "hivedoor mint --role queen",
			},
			{
				Description: "A gpu worker clipped to gpu0 with a 2-minute lifetime",
				Command:     "hivedoor mint --role worker-gpu --subject trainer --scope gpu0 --ttl 2m",
			},
			{
				Description: "Export the token for later commands",
				Command:     "export HIVEDOOR_TICKET=$(hivedoor mint --role queen)",
			},
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			if roleLabel == "" {
				return cli.Validation("--role is required").
					WithHint("one of: %s", roleLabels())
			}
			role, err := policy.ParseRole(roleLabel)
			if err != nil {
				return cli.Validation("bad --role: %v", err).
					WithHint("one of: %s", roleLabels())
			}
			if ttl < 0 || ttl/time.Second > math.MaxUint32 {
				return cli.Validation("--ttl %s is out of range", ttl)
			}
			claims := ticket.Claims{
				Role:       role,
				Subject:    subject,
				MountScope: scope,
				Budget: ticket.Budget{
					Ticks:      ticks,
					Ops:        ops,
					TTLSeconds: uint32(ttl / time.Second),
				},
			}
			token, err := mintToken(keystorePath, identityPath, claims)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

// mintToken unseals the keystore and signs the claims. Claims
// validation happens inside Mint, so a bad role and subject combination
// fails before anything touches the terminal.
func mintToken(keystorePath, identityPath string, claims ticket.Claims) (string, error) {
	identity, err := ticket.ReadIdentity(identityPath)
	if err != nil {
		return "", cli.NotFound("reading identity: %v", err).
			WithHint("run 'hivedoor keygen' to create the keystore")
	}
	secret, err := ticket.LoadMasterSecret(keystorePath, identity)
	if err != nil {
		return "", fmt.Errorf("unsealing keystore: %w", err)
	}
	authority, err := ticket.NewAuthority(secret, clock.Real())
	if err != nil {
		return "", fmt.Errorf("building authority: %w", err)
	}
	raw, err := authority.Mint(claims)
	if err != nil {
		return "", err
	}
	return ticket.FormatToken(raw), nil
}

func inspectCommand() *cli.Command {
	var (
		keystorePath string
		identityPath string
		verify       bool
		asJSON       bool
	)
	return &cli.Command{
		Name:    "inspect",
		Summary: "Decode a ticket's claims",
		Description: `Inspect decodes the claims a token carries and prints them. Without
--verify the integrity tag is not checked: the output shows what the
token claims, not what a host would accept. With --verify the token
is checked against the local keystore the way a host would check it.`,
		Usage: "hivedoor inspect <token> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
			flagSet.BoolVar(&verify, "verify", false, "check the token against the local keystore")
			flagSet.BoolVar(&asJSON, "json", false, "print claims as JSON")
			flagSet.StringVar(&keystorePath, "keystore", serverDefaults.Keystore.Path, "keystore for --verify")
			flagSet.StringVar(&identityPath, "identity", serverDefaults.Keystore.IdentityPath, "age identity for --verify")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Show what a token claims",
				Command:     "hivedoor inspect $HIVEDOOR_TICKET",
			},
			{
				Description: "Check it the way a host would",
				Command:     "hivedoor inspect --verify $HIVEDOOR_TICKET",
			},
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one token argument")
			}
			raw, err := ticket.ParseToken(args[0])
			if err != nil {
				return cli.Validation("%v", err)
			}

			var claims ticket.Claims
			if verify {
				identity, err := ticket.ReadIdentity(identityPath)
				if err != nil {
					return cli.NotFound("reading identity: %v", err).
						WithHint("--verify needs the keystore; omit it to decode without checking")
				}
				secret, err := ticket.LoadMasterSecret(keystorePath, identity)
				if err != nil {
					return fmt.Errorf("unsealing keystore: %w", err)
				}
				authority, err := ticket.NewAuthority(secret, clock.Real())
				if err != nil {
					return fmt.Errorf("building authority: %w", err)
				}
				claims, err = authority.Verify(raw)
				if err != nil {
					return fmt.Errorf("ticket rejected: %w", err)
				}
			} else {
				claims, err = ticket.DecodeClaims(raw)
				if err != nil {
					return cli.Validation("%v", err)
				}
			}

			if asJSON {
				encoded, err := json.MarshalIndent(claims, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(encoded))
				return nil
			}
			printClaims(os.Stdout, claims, verify)
			return nil
		},
	}
}

func printClaims(out io.Writer, claims ticket.Claims, verified bool) {
	fmt.Fprintf(out, "role:     %s\n", claims.Role)
	if claims.Subject != "" {
		fmt.Fprintf(out, "subject:  %s\n", claims.Subject)
	}
	if claims.MountScope != "" {
		fmt.Fprintf(out, "scope:    %s\n", claims.MountScope)
	}
	fmt.Fprintf(out, "budget:   %s\n", describeBudget(claims.Budget))
	if claims.IssuedAt != 0 {
		issued := time.UnixMilli(claims.IssuedAt).UTC()
		fmt.Fprintf(out, "issued:   %s\n", issued.Format(time.RFC3339))
	}
	if verified {
		fmt.Fprintf(out, "verified: yes\n")
	} else {
		fmt.Fprintf(out, "verified: not checked (use --verify)\n")
	}
}

func describeBudget(budget ticket.Budget) string {
	if budget == (ticket.Budget{}) {
		return "role default"
	}
	describe := func(n uint64) string {
		if n == 0 {
			return "default"
		}
		return fmt.Sprintf("%d", n)
	}
	ttl := "default"
	if budget.TTLSeconds > 0 {
		ttl = (time.Duration(budget.TTLSeconds) * time.Second).String()
	}
	return fmt.Sprintf("ticks=%s ops=%s ttl=%s",
		describe(budget.Ticks), describe(budget.Ops), ttl)
}
