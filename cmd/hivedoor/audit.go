// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/engine"
	"github.com/hivedoor/hivedoor/lib/codec"
)

// maxResyncScan bounds the search for a record boundary in a cut
// stream. The cut head is at most one record, far smaller than this.
const maxResyncScan = 4096

func auditCommand() *cli.Command {
	var (
		connection hostConnection
		asJSON     bool
		diag       bool
		limit      int
	)
	return &cli.Command{
		Name:    "audit",
		Summary: "Print the host's denial and revocation trail",
		Description: `Audit reads the /log/audit stream and prints one record per line.
The stream is a ring of concatenated CBOR records: eviction can cut
the oldest record mid-byte, so decoding resynchronizes on the first
record boundary it can find and notes how many bytes it skipped.

Reading the audit stream takes a queen ticket.`,
		Usage: "hivedoor audit [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("audit", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "print one JSON object per record")
			flagSet.BoolVar(&diag, "diag", false, "print CBOR diagnostic notation per record")
			flagSet.IntVar(&limit, "limit", 0, "print only the newest N records (0 = all)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "The full retained trail",
				Command:     "hivedoor audit",
			},
			{
				Description: "The last twenty records as JSON",
				Command:     "hivedoor audit --limit 20 --json",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			c, err := connection.attach(ctx, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			data, err := c.ReadFile(ctx, "/log/audit")
			if err != nil {
				return fmt.Errorf("reading /log/audit: %w", err)
			}

			records, synced, err := decodeAuditRecords(data)
			if err != nil {
				return fmt.Errorf("decoding audit stream: %w", err)
			}
			if synced > 0 {
				fmt.Fprintf(os.Stderr, "audit: skipped %d bytes of cut leading record\n", synced)
			}

			if diag {
				return diagnoseStream(data[synced:])
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}
			for _, rec := range records {
				if asJSON {
					encoded, err := json.Marshal(rec)
					if err != nil {
						return err
					}
					fmt.Println(string(encoded))
					continue
				}
				fmt.Println(formatAuditRecord(rec))
			}
			return nil
		},
	}
}

// decodeAuditRecords decodes a concatenated record stream. CBOR has no
// framing to resynchronize on, so when the ring has cut the head the
// decoder probes successive offsets until a plausible record decodes.
// Returns the records, the sync offset, and an error when nothing in
// the scan window decodes.
func decodeAuditRecords(data []byte) ([]engine.AuditRecord, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}
	scan := len(data)
	if scan > maxResyncScan {
		scan = maxResyncScan
	}
	for offset := 0; offset < scan; offset++ {
		if records, ok := decodeRecordsFrom(data[offset:]); ok {
			return records, offset, nil
		}
	}
	return nil, 0, fmt.Errorf("no record boundary in the first %d bytes", scan)
}

// decodeRecordsFrom decodes records until the stream ends. The first
// record gates the offset: it must decode and carry a known kind.
// Later decode failures end the stream quietly; appends are whole
// records, so a cut tail means the read raced eviction.
func decodeRecordsFrom(data []byte) ([]engine.AuditRecord, bool) {
	decoder := codec.NewDecoder(bytes.NewReader(data))

	var first engine.AuditRecord
	if err := decoder.Decode(&first); err != nil {
		return nil, false
	}
	if first.Kind != engine.AuditDeny && first.Kind != engine.AuditRevoke {
		return nil, false
	}

	records := []engine.AuditRecord{first}
	for {
		var rec engine.AuditRecord
		if err := decoder.Decode(&rec); err != nil {
			return records, true
		}
		records = append(records, rec)
	}
}

// diagnoseStream prints each record in CBOR diagnostic notation.
func diagnoseStream(data []byte) error {
	for len(data) > 0 {
		notation, rest, err := codec.DiagnoseFirst(data)
		if err != nil {
			// The cut tail of a raced eviction.
			fmt.Fprintf(os.Stderr, "audit: %d undecodable trailing bytes\n", len(data))
			return nil
		}
		fmt.Println(notation)
		data = rest
	}
	return nil
}

func formatAuditRecord(rec engine.AuditRecord) string {
	when := time.UnixMilli(rec.TimeMs).UTC().Format("2006-01-02T15:04:05.000Z")
	line := fmt.Sprintf("%s %-7s seq=%d session=%d", when, rec.Kind, rec.Seq, rec.Session)
	if rec.Tag != 0 {
		line += fmt.Sprintf(" tag=%d", rec.Tag)
	}
	if rec.Role != "" {
		line += " role=" + rec.Role
	}
	if rec.Subject != "" {
		line += " subject=" + rec.Subject
	}
	if rec.Op != "" {
		line += " op=" + rec.Op
	}
	if rec.Path != "" {
		line += " path=" + rec.Path
	}
	if rec.Detail != "" {
		line += fmt.Sprintf(" detail=%q", rec.Detail)
	}
	return line
}
