// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/hivedoor/hivedoor/client"
	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/lib/ninep"
)

const defaultTailLines = 10

// tailProbeBytes bounds how much of a stream the initial tail pulls.
// Plenty for the default line count without draining a full ring.
const tailProbeBytes = 16 * 1024

func tailCommand() *cli.Command {
	var (
		connection hostConnection
		lines      int
		follow     bool
		interval   time.Duration
	)
	return &cli.Command{
		Name:    "tail",
		Summary: "Print the tail of an append stream",
		Description: `Tail reads the retained window of an append stream and prints its
last lines. With --follow it keeps polling and streams new bytes as
they arrive; when the ring evicts bytes faster than they are read,
the gap is reported on stderr and the stream resumes at the oldest
retained byte.`,
		Usage: "hivedoor tail [path] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			connection.addFlags(flagSet)
			flagSet.IntVar(&lines, "lines", defaultTailLines, "number of lines to print")
			flagSet.BoolVar(&follow, "follow", false, "keep streaming new bytes")
			flagSet.DurationVar(&interval, "interval", time.Second, "poll interval for --follow")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Last ten lines of the queen log",
				Command:     "hivedoor tail",
			},
			{
				Description: "Follow a worker's telemetry stream",
				Command:     "hivedoor tail --follow /worker/worker-1/telemetry",
			},
		},
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			path := "/log/queen.log"
			switch len(args) {
			case 0:
			case 1:
				path = args[0]
			default:
				return cli.Validation("expected at most one path argument")
			}
			if lines <= 0 {
				return cli.Validation("--lines must be positive")
			}
			if interval <= 0 {
				return cli.Validation("--interval must be positive")
			}

			c, err := connection.attach(ctx, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			file, err := c.Open(ctx, path, ninep.OpenRead)
			if err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
			defer file.Close(ctx)

			stat, err := file.Stat(ctx)
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			end := stat.Base + stat.Length
			start := stat.Base
			if stat.Length > tailProbeBytes {
				start = end - tailProbeBytes
			}
			data, err := readRange(ctx, file, start, end)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			for _, line := range lastLines(data, lines, start > 0) {
				fmt.Println(line)
			}

			if !follow {
				return nil
			}
			return followStream(ctx, file, end, interval)
		},
	}
}

// followStream polls the stream and copies new bytes to stdout until
// the context ends.
func followStream(ctx context.Context, file *client.File, cursor uint64, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		stat, err := file.Stat(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stat: %w", err)
		}
		end := stat.Base + stat.Length
		dropFragment := false
		if stat.Base > cursor {
			fmt.Fprintf(os.Stderr, "tail: %d bytes evicted before they were read\n", stat.Base-cursor)
			cursor = stat.Base
			dropFragment = true
		}
		if end <= cursor {
			continue
		}

		data, err := readRange(ctx, file, cursor, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		cursor = end
		if dropFragment {
			if i := bytes.IndexByte(data, '\n'); i >= 0 {
				data = data[i+1:]
			} else {
				data = nil
			}
		}
		os.Stdout.Write(data)
	}
}

// readRange pulls [start, end) in iounit-sized reads.
func readRange(ctx context.Context, file *client.File, start, end uint64) ([]byte, error) {
	buf := make([]byte, 0, end-start)
	cursor := start
	for cursor < end {
		count := end - cursor
		if count > uint64(file.IOUnit()) {
			count = uint64(file.IOUnit())
		}
		chunk, err := file.ReadAt(ctx, cursor, uint32(count))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			break
		}
		buf = append(buf, chunk...)
		cursor += uint64(len(chunk))
	}
	return buf, nil
}

// lastLines splits data into lines and returns the last n. When the
// read did not start at the stream origin the first split line may be
// the tail half of a cut line; truncatedHead drops it. A trailing
// unterminated line counts as a line.
func lastLines(data []byte, n int, truncatedHead bool) []string {
	text := string(data)
	if truncatedHead {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			return nil
		}
		text = text[i+1:]
	}
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
