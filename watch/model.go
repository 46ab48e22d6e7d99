// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/junegunn/fzf/src/util"

	"github.com/hivedoor/hivedoor/lib/fuzzy"
)

// Theme is the dashboard palette. ANSI 256-color codes for broad
// terminal compatibility.
type Theme struct {
	Title  lipgloss.Color
	Header lipgloss.Color
	Faint  lipgloss.Color
	Error  lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal palette.
var DefaultTheme = Theme{
	Title:  lipgloss.Color("255"),
	Header: lipgloss.Color("75"),  // blue
	Faint:  lipgloss.Color("245"), // gray
	Error:  lipgloss.Color("196"), // bright red
}

// KeyMap defines the dashboard key bindings.
type KeyMap struct {
	Up       key.Binding
	Down     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	Top      key.Binding
	Bottom   key.Binding
	Refresh  key.Binding

	// Filter enters filter input mode; FilterClear drops an applied
	// filter outside input mode.
	Filter      key.Binding
	FilterClear key.Binding

	Quit key.Binding
}

// DefaultKeyMap is the built-in binding set. Vim-style scrolling for
// the log pane alongside the arrow keys.
var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "scroll up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "scroll down"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("ctrl+u", "pgup"),
		key.WithHelp("C-u", "page up"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("ctrl+d", "pgdown"),
		key.WithHelp("C-d", "page down"),
	),
	Top: key.NewBinding(
		key.WithKeys("g", "home"),
		key.WithHelp("g", "top"),
	),
	Bottom: key.NewBinding(
		key.WithKeys("G", "end"),
		key.WithHelp("G", "follow"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Filter: key.NewBinding(
		key.WithKeys("/"),
		key.WithHelp("/", "filter"),
	),
	FilterClear: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("Esc", "clear filter"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// refreshTickMsg fires on the refresh interval.
type refreshTickMsg struct{}

// snapshotMsg delivers a completed refresh.
type snapshotMsg struct {
	snapshot Snapshot
}

// refreshFailedMsg delivers a failed refresh. The previous snapshot
// stays on screen; the error goes to the status segment.
type refreshFailedMsg struct {
	err error
}

const (
	defaultRefreshEvery = 2 * time.Second
	fetchTimeout        = 5 * time.Second

	// maxPaneRows caps the worker and GPU tables so a busy host
	// cannot squeeze the log pane off the screen.
	maxPaneRows = 6

	minLogHeight = 3
)

// Options configures a dashboard Model.
type Options struct {
	// Refresh is the poll interval. Defaults to 2s.
	Refresh time.Duration
	// Theme overrides the palette. Zero value means DefaultTheme.
	Theme Theme
}

// Model is the top-level bubbletea model for the dashboard.
type Model struct {
	source       Source
	keys         KeyMap
	theme        Theme
	refreshEvery time.Duration

	// Terminal dimensions (set by WindowSizeMsg).
	width  int
	height int
	ready  bool

	snapshot     Snapshot
	haveSnapshot bool
	fetching     bool
	lastError    string

	// Log pane. While follow is set, each refresh pins the viewport
	// to the newest line; scrolling up releases it, G restores it.
	logView viewport.Model
	follow  bool

	// Filter state. While filtering, keystrokes build the query;
	// a non-empty filter narrows the worker and GPU panes by fuzzy
	// id match.
	filtering bool
	filter    []rune
	slab      *util.Slab
}

// New creates a dashboard over the given source.
func New(source Source, opts Options) Model {
	refreshEvery := opts.Refresh
	if refreshEvery <= 0 {
		refreshEvery = defaultRefreshEvery
	}
	theme := opts.Theme
	if theme == (Theme{}) {
		theme = DefaultTheme
	}
	return Model{
		source:       source,
		keys:         DefaultKeyMap,
		theme:        theme,
		refreshEvery: refreshEvery,
		// Init issues the first fetch; the flag stops the first tick
		// from doubling it.
		fetching: true,
		follow:   true,
		slab:     fuzzy.NewSlab(),
	}
}

// Init starts the first fetch and the refresh timer.
func (model Model) Init() tea.Cmd {
	return tea.Batch(model.fetchCmd(), model.tickCmd())
}

// fetchCmd runs one source refresh off the event loop.
func (model Model) fetchCmd() tea.Cmd {
	source := model.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snapshot, err := source.Snapshot(ctx)
		if err != nil {
			return refreshFailedMsg{err: err}
		}
		return snapshotMsg{snapshot: snapshot}
	}
}

// tickCmd schedules the next refresh tick.
func (model Model) tickCmd() tea.Cmd {
	return tea.Tick(model.refreshEvery, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

// Update handles one message.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.ready = true
		model.resize()
		if model.follow {
			model.logView.GotoBottom()
		}
		return model, nil

	case tea.KeyMsg:
		return model.handleKey(message)

	case refreshTickMsg:
		commands := []tea.Cmd{model.tickCmd()}
		if !model.fetching {
			model.fetching = true
			commands = append(commands, model.fetchCmd())
		}
		return model, tea.Batch(commands...)

	case snapshotMsg:
		model.fetching = false
		model.lastError = ""
		model.snapshot = message.snapshot
		model.haveSnapshot = true
		model.resize()
		model.logView.SetContent(strings.Join(message.snapshot.Log, "\n"))
		if model.follow {
			model.logView.GotoBottom()
		}
		return model, nil

	case refreshFailedMsg:
		model.fetching = false
		model.lastError = message.err.Error()
		return model, nil
	}
	return model, nil
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	if model.filtering {
		return model.handleFilterKey(message)
	}
	switch {
	case key.Matches(message, model.keys.Quit):
		return model, tea.Quit
	case key.Matches(message, model.keys.Refresh):
		if model.fetching {
			return model, nil
		}
		model.fetching = true
		return model, model.fetchCmd()
	case key.Matches(message, model.keys.Filter):
		model.filtering = true
		return model, nil
	case key.Matches(message, model.keys.FilterClear):
		model.filter = nil
		model.resize()
		return model, nil
	case key.Matches(message, model.keys.Up):
		model.logView.LineUp(1)
		model.follow = model.logView.AtBottom()
	case key.Matches(message, model.keys.Down):
		model.logView.LineDown(1)
		model.follow = model.logView.AtBottom()
	case key.Matches(message, model.keys.PageUp):
		model.logView.HalfViewUp()
		model.follow = model.logView.AtBottom()
	case key.Matches(message, model.keys.PageDown):
		model.logView.HalfViewDown()
		model.follow = model.logView.AtBottom()
	case key.Matches(message, model.keys.Top):
		model.logView.GotoTop()
		model.follow = false
	case key.Matches(message, model.keys.Bottom):
		model.logView.GotoBottom()
		model.follow = true
	}
	return model, nil
}

// handleFilterKey routes keystrokes while the filter input is active.
// Enter keeps the query, escape drops it, ctrl+c still quits.
func (model Model) handleFilterKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch message.Type {
	case tea.KeyCtrlC:
		return model, tea.Quit
	case tea.KeyEscape:
		model.filtering = false
		model.filter = nil
		model.resize()
		return model, nil
	case tea.KeyEnter:
		model.filtering = false
		return model, nil
	case tea.KeyBackspace:
		if len(model.filter) > 0 {
			model.filter = model.filter[:len(model.filter)-1]
			model.resize()
		}
		return model, nil
	case tea.KeyRunes:
		model.filter = append(model.filter, message.Runes...)
		model.resize()
		return model, nil
	}
	return model, nil
}

// visibleWorkers applies the fuzzy filter to the worker pane.
func (model Model) visibleWorkers() []WorkerRow {
	if len(model.filter) == 0 {
		return model.snapshot.Workers
	}
	var rows []WorkerRow
	for _, row := range model.snapshot.Workers {
		if fuzzy.Match(row.ID, model.filter, model.slab).Score > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

// visibleGpus applies the fuzzy filter to the GPU pane.
func (model Model) visibleGpus() []GpuRow {
	if len(model.filter) == 0 {
		return model.snapshot.Gpus
	}
	var rows []GpuRow
	for _, row := range model.snapshot.Gpus {
		if fuzzy.Match(row.ID, model.filter, model.slab).Score > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

// resize recomputes the log viewport from the terminal size and the
// current pane row counts.
func (model *Model) resize() {
	if !model.ready {
		return
	}
	model.logView.Width = model.width
	logHeight := model.height - model.chromeLines()
	if logHeight < minLogHeight {
		logHeight = minLogHeight
	}
	model.logView.Height = logHeight
}

// chromeLines counts every rendered line except the log viewport:
// header, pane titles, table rows, separators, and the footer.
func (model Model) chromeLines() int {
	return 1 + // header
		1 + // blank
		1 + paneRows(len(model.visibleWorkers())) +
		1 + // blank
		1 + paneRows(len(model.visibleGpus())) +
		1 + // blank
		1 + // log title
		1 // footer
}

// paneRows is the rendered row count for a table with n entries: one
// "(none)" line when empty, capped rows plus an overflow note when
// large.
func paneRows(n int) int {
	if n == 0 {
		return 1
	}
	if n > maxPaneRows {
		return maxPaneRows + 1
	}
	return n
}

// View renders the dashboard.
func (model Model) View() string {
	if !model.ready {
		return "Loading..."
	}

	faint := lipgloss.NewStyle().Foreground(model.theme.Faint)
	workers := model.visibleWorkers()
	gpus := model.visibleGpus()

	var b strings.Builder
	b.WriteString(model.headerLine())
	b.WriteString("\n\n")

	b.WriteString(model.paneTitle(paneCount("WORKERS", len(workers), len(model.snapshot.Workers))))
	b.WriteString("\n")
	for _, line := range model.workerLines(workers) {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(model.paneTitle(paneCount("GPUS", len(gpus), len(model.snapshot.Gpus))))
	b.WriteString("\n")
	for _, line := range model.gpuLines(gpus) {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	logTitle := model.paneTitle("QUEEN LOG")
	if !model.follow {
		logTitle += faint.Render("  (scrolled, G to follow)")
	}
	b.WriteString(logTitle)
	b.WriteString("\n")
	b.WriteString(model.logView.View())
	b.WriteString("\n")

	b.WriteString(faint.Render("r refresh   / filter   j/k scroll   G follow   q quit"))
	return b.String()
}

// paneCount formats a pane title: plain count normally, shown/total
// when a filter narrows the pane.
func paneCount(name string, shown, total int) string {
	if shown == total {
		return fmt.Sprintf("%s (%d)", name, total)
	}
	return fmt.Sprintf("%s (%d/%d)", name, shown, total)
}

// headerLine is the top status line: title, refresh stamp, and the
// last refresh error if any.
func (model Model) headerLine() string {
	title := lipgloss.NewStyle().Foreground(model.theme.Title).Bold(true).Render("hivedoor watch")

	var status string
	switch {
	case model.lastError != "":
		status = lipgloss.NewStyle().Foreground(model.theme.Error).
			Render("refresh failed: " + model.lastError)
	case model.haveSnapshot:
		status = lipgloss.NewStyle().Foreground(model.theme.Faint).
			Render("refreshed " + model.snapshot.Taken.Format("15:04:05"))
	default:
		status = lipgloss.NewStyle().Foreground(model.theme.Faint).Render("connecting")
	}

	line := title + "  " + status
	if model.filtering || len(model.filter) > 0 {
		query := "filter: " + string(model.filter)
		if model.filtering {
			query += "_"
		}
		line += "  " + lipgloss.NewStyle().Foreground(model.theme.Header).Render(query)
	}
	return ansi.Truncate(line, model.width, "…")
}

func (model Model) paneTitle(text string) string {
	return lipgloss.NewStyle().Foreground(model.theme.Header).Bold(true).Render(text)
}

// workerLines renders the worker table: id column sized to the
// longest id, telemetry filling the rest of the width.
func (model Model) workerLines(rows []WorkerRow) []string {
	faint := lipgloss.NewStyle().Foreground(model.theme.Faint)
	if len(rows) == 0 {
		return []string{faint.Render("  (none)")}
	}

	idWidth := 8
	for _, row := range rows {
		if len(row.ID) > idWidth {
			idWidth = len(row.ID)
		}
	}

	shown := rows
	overflow := 0
	if len(shown) > maxPaneRows {
		overflow = len(shown) - maxPaneRows
		shown = shown[:maxPaneRows]
	}

	var lines []string
	for _, row := range shown {
		line := "  " + padCell(row.ID, idWidth) + "  " + row.Telemetry
		lines = append(lines, ansi.Truncate(line, model.width, "…"))
	}
	if overflow > 0 {
		lines = append(lines, faint.Render(fmt.Sprintf("  … and %d more", overflow)))
	}
	return lines
}

// gpuLines renders the GPU table: id, registration info, and the
// latest status line.
func (model Model) gpuLines(rows []GpuRow) []string {
	faint := lipgloss.NewStyle().Foreground(model.theme.Faint)
	if len(rows) == 0 {
		return []string{faint.Render("  (none)")}
	}

	idWidth := 8
	infoWidth := 12
	for _, row := range rows {
		if len(row.ID) > idWidth {
			idWidth = len(row.ID)
		}
		if len(row.Info) > infoWidth {
			infoWidth = len(row.Info)
		}
	}
	if infoWidth > 32 {
		infoWidth = 32
	}

	shown := rows
	overflow := 0
	if len(shown) > maxPaneRows {
		overflow = len(shown) - maxPaneRows
		shown = shown[:maxPaneRows]
	}

	var lines []string
	for _, row := range shown {
		line := "  " + padCell(row.ID, idWidth) + "  " + padCell(row.Info, infoWidth) + "  " + row.Status
		lines = append(lines, ansi.Truncate(line, model.width, "…"))
	}
	if overflow > 0 {
		lines = append(lines, faint.Render(fmt.Sprintf("  … and %d more", overflow)))
	}
	return lines
}

// padCell truncates text to the column width and pads it with spaces,
// measuring display cells rather than bytes.
func padCell(text string, width int) string {
	text = ansi.Truncate(text, width, "…")
	if gap := width - ansi.StringWidth(text); gap > 0 {
		text += strings.Repeat(" ", gap)
	}
	return text
}
