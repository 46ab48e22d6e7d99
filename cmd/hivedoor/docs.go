// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/hivedoor/hivedoor/cmd/hivedoor/cli"
	"github.com/hivedoor/hivedoor/lib/mdterm"
)

//go:embed docs/*.md
var docsFS embed.FS

// docsRenderWidth caps the render width; full-width text on a wide
// terminal is harder to read than a narrower column.
const docsRenderWidth = 100

func docsCommand() *cli.Command {
	return &cli.Command{
		Name:    "docs",
		Summary: "Render the built-in documentation",
		Description: `Docs renders the built-in manual in the terminal. Without a topic it
lists what is available.`,
		Usage: "hivedoor docs [topic]",
		Examples: []cli.Example{
			{
				Description: "List topics",
				Command:     "hivedoor docs",
			},
			{
				Description: "Read about tickets and budgets",
				Command:     "hivedoor docs tickets",
			},
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			switch len(args) {
			case 0:
				return listTopics(os.Stdout)
			case 1:
				return renderTopic(os.Stdout, args[0])
			default:
				return cli.Validation("expected at most one topic argument")
			}
		},
	}
}

func listTopics(out io.Writer) error {
	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 2, 0, 3, ' ', 0)
	fmt.Fprintln(writer, "TOPIC\tABOUT")
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".md")
		content, err := docsFS.ReadFile("docs/" + entry.Name())
		if err != nil {
			return err
		}
		fmt.Fprintf(writer, "%s\t%s\n", name, firstHeading(content))
	}
	return writer.Flush()
}

func renderTopic(out io.Writer, topic string) error {
	content, err := docsFS.ReadFile("docs/" + topic + ".md")
	if err != nil {
		names, listErr := topicNames()
		if listErr != nil {
			return listErr
		}
		return cli.NotFound("no topic %q", topic).
			WithHint("topics: %s", strings.Join(names, ", "))
	}

	width := docsRenderWidth
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && w < width {
			width = w
		}
	}
	fmt.Fprint(out, mdterm.Render(string(content), mdterm.DefaultTheme(), width))
	return nil
}

func topicNames() ([]string, error) {
	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), ".md"))
	}
	return names, nil
}

func firstHeading(content []byte) string {
	for _, line := range strings.Split(string(content), "\n") {
		if after, ok := strings.CutPrefix(line, "# "); ok {
			return after
		}
	}
	return ""
}
