// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/lib/ticket"
)

func keygenCommand() *cli.Command {
	var (
		keystorePath    string
		identityPath    string
		extraRecipients []string
		force           bool
	)
	return &cli.Command{
		Name:    "keygen",
		Summary: "Create the keystore a deployment mints tickets from",
		Description: `Keygen generates a fresh master secret and an age identity, then
writes two files: the identity as a plain key file and the secret
sealed to that identity as the keystore.

hivedoor-server reads the pair at startup to build its ticket
authority; 'hivedoor mint' reads the same pair to issue tickets
offline. Additional --recipient keys let an escrow identity unseal
the same keystore.`,
		Usage: "hivedoor keygen [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVar(&keystorePath, "keystore", serverDefaults.Keystore.Path, "where to write the sealed master secret")
			flagSet.StringVar(&identityPath, "identity", serverDefaults.Keystore.IdentityPath, "where to write the age identity")
			flagSet.StringArrayVar(&extraRecipients, "recipient", nil, "additional age recipient to seal to (repeatable)")
			flagSet.BoolVar(&force, "force", false, "overwrite existing key files")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Create the keystore in the default location",
				Command:     "hivedoor keygen",
			},
			{
				Description: "Seal to an additional escrow recipient",
				Command:     "hivedoor keygen --recipient age1ql3z7hjy54pw3hyww5ayyfg7zqgvc7w3j2elw8zmrj2kg5sfn9aqmcac8p",
			},
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			return runKeygen(keygenParams{
				keystorePath:    keystorePath,
				identityPath:    identityPath,
				extraRecipients: extraRecipients,
				force:           force,
				out:             os.Stdout,
			})
		},
	}
}

type keygenParams struct {
	keystorePath    string
	identityPath    string
	extraRecipients []string
	force           bool
	out             io.Writer
}

func runKeygen(p keygenParams) error {
	if !p.force {
		for _, path := range []string{p.keystorePath, p.identityPath} {
			if _, err := os.Stat(path); err == nil {
				return cli.Validation("%s already exists", path).
					WithHint("pass --force to overwrite it")
			}
		}
	}

	secret, err := ticket.GenerateMasterSecret()
	if err != nil {
		return fmt.Errorf("generating master secret: %w", err)
	}
	identity, recipient, err := ticket.GenerateRecipient()
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}

	recipients := append([]string{recipient}, p.extraRecipients...)
	sealed, err := ticket.SealMasterSecret(secret, recipients)
	if err != nil {
		return fmt.Errorf("sealing master secret: %w", err)
	}

	for _, path := range []string{p.keystorePath, p.identityPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
		}
	}
	if err := ticket.WriteIdentity(p.identityPath, identity); err != nil {
		return err
	}
	if err := ticket.WriteKeystore(p.keystorePath, sealed); err != nil {
		return err
	}

	fmt.Fprintf(p.out, "keystore:  %s\n", p.keystorePath)
	fmt.Fprintf(p.out, "identity:  %s\n", p.identityPath)
	fmt.Fprintf(p.out, "recipient: %s\n", recipient)
	return nil
}
