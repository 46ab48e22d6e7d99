// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package mdterm renders GFM markdown as ANSI-styled terminal text.
//
// The renderer walks the goldmark AST directly instead of implementing
// goldmark's renderer interface: terminal output needs
// accumulate-then-wrap semantics, where a paragraph's inline content
// collects in a buffer and is word-wrapped as a unit when the
// paragraph closes. Soft line breaks become spaces, so source text
// hard-wrapped at one width reflows cleanly at another. Code blocks
// keep their exact line structure and are syntax-highlighted through
// chroma when a language is named.
package mdterm

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// wrapBreakpoints are the characters ansi.Wrap may break a line after
// when no space is in reach.
const wrapBreakpoints = " ,.;-+|"

// Theme selects the colors applied to rendered output.
type Theme struct {
	// Heading colors level 1 and 2 headings. Deeper levels render
	// bold in the default text color.
	Heading lipgloss.TerminalColor

	// Faint colors code spans, plain code blocks, and link targets.
	Faint lipgloss.TerminalColor

	// Rule colors thematic breaks, blockquote bars, and table frames.
	Rule lipgloss.TerminalColor
}

// DefaultTheme is tuned for dark terminals.
func DefaultTheme() Theme {
	return Theme{
		Heading: lipgloss.Color("12"),
		Faint:   lipgloss.Color("8"),
		Rule:    lipgloss.Color("8"),
	}
}

// The parser configuration never changes and a goldmark.Markdown is
// safe to share, so one instance serves every Render call.
var (
	parseOnce sync.Once
	parser    goldmark.Markdown
)

func sharedParser() goldmark.Markdown {
	parseOnce.Do(func() {
		parser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return parser
}

// Render parses markdown and returns styled terminal text wrapped at
// width columns. Output is always ANSI256: the caller decides where it
// goes, and auto-detection would strip color whenever stdout is not a
// TTY (including every test).
func Render(markdown string, theme Theme, width int) string {
	if markdown == "" {
		return ""
	}
	if width <= 0 {
		width = 80
	}

	source := []byte(markdown)
	document := sharedParser().Parser().Parse(text.NewReader(source))

	lip := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(termenv.ANSI256))
	lip.SetColorProfile(termenv.ANSI256)

	state := &renderState{source: source, theme: theme, width: width, lip: lip}
	ast.Walk(document, state.walk)

	return strings.TrimRight(state.out.String(), "\n")
}

// renderState carries one Render call's walk. Inline content gathers
// in the inline buffer until the enclosing block closes, then wraps
// and lands in out with the current indent applied to every line.
type renderState struct {
	source []byte
	theme  Theme
	width  int
	lip    *lipgloss.Renderer

	out    strings.Builder
	inline strings.Builder

	// Nesting counters, not booleans: **a *b* c** needs the bold to
	// survive the inner emphasis closing.
	bold   int
	italic int
	strike int

	// indent is the concatenated per-line prefix of every open block
	// container; bullet, when set, replaces it for exactly one line.
	stack       []indentFrame
	indent      string
	indentWidth int
	bullet      string

	lists []listFrame

	// Trailing newline count in out, for blank-line coalescing.
	blankRun int
}

type indentFrame struct {
	text  string
	width int
}

type listFrame struct {
	ordered bool
	next    int
	tight   bool
}

func (s *renderState) style() lipgloss.Style {
	return s.lip.NewStyle()
}

// contentWidth is the wrap column left after indentation, floored so
// pathological nesting cannot wrap single characters.
func (s *renderState) contentWidth() int {
	width := s.width - s.indentWidth
	if width < 10 {
		width = 10
	}
	return width
}

func (s *renderState) pushIndent(prefixText string, visible int) {
	s.stack = append(s.stack, indentFrame{text: prefixText, width: visible})
	s.indent += prefixText
	s.indentWidth += visible
}

func (s *renderState) popIndent() {
	if len(s.stack) == 0 {
		return
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	s.indent = s.indent[:len(s.indent)-len(top.text)]
	s.indentWidth -= top.width
}

// emit writes text to the output, tracking how many newlines it now
// ends with.
func (s *renderState) emit(chunk string) {
	if chunk == "" {
		return
	}
	s.out.WriteString(chunk)

	trailing := 0
	for i := len(chunk) - 1; i >= 0 && chunk[i] == '\n'; i-- {
		trailing++
	}
	if trailing == len(chunk) {
		s.blankRun += trailing
	} else {
		s.blankRun = trailing
	}
}

func (s *renderState) endLine() {
	if s.blankRun < 1 {
		s.emit("\n")
	}
}

func (s *renderState) blankLine() {
	for s.blankRun < 2 {
		s.emit("\n")
	}
}

// linePrefix returns the prefix for the next emitted line, consuming
// the pending bullet if one is set.
func (s *renderState) linePrefix() string {
	if s.bullet != "" {
		b := s.bullet
		s.bullet = ""
		return b
	}
	return s.indent
}

// indented prepends the indent to every line of chunk. The first line
// takes the pending bullet when one is set.
func (s *renderState) indented(chunk string) string {
	lines := strings.Split(chunk, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i == 0 {
			b.WriteString(s.linePrefix())
		} else {
			b.WriteString(s.indent)
		}
		b.WriteString(line)
		if i < len(lines)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// flushInline wraps and indents the gathered inline content, clearing
// the buffer.
func (s *renderState) flushInline() string {
	content := s.inline.String()
	s.inline.Reset()
	if content == "" {
		return ""
	}
	return s.indented(ansi.Wrap(content, s.contentWidth(), wrapBreakpoints))
}

// styledText renders body text under the current emphasis state.
func (s *renderState) styledText(content string) string {
	if s.bold == 0 && s.italic == 0 && s.strike == 0 {
		return content
	}
	style := s.style()
	if s.bold > 0 {
		style = style.Bold(true)
	}
	if s.italic > 0 {
		style = style.Italic(true)
	}
	if s.strike > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(content)
}

// inlineText walks a node's children and returns their rendered inline
// content, leaving the caller's buffer and emphasis state untouched.
func (s *renderState) inlineText(node ast.Node) string {
	savedInline := s.inline.String()
	savedBold, savedItalic, savedStrike := s.bold, s.italic, s.strike

	s.inline.Reset()
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		ast.Walk(child, s.walk)
	}
	result := s.inline.String()

	s.inline.Reset()
	s.inline.WriteString(savedInline)
	s.bold, s.italic, s.strike = savedBold, savedItalic, savedStrike
	return result
}

func (s *renderState) inTightList() bool {
	return len(s.lists) > 0 && s.lists[len(s.lists)-1].tight
}

func (s *renderState) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {
	case ast.KindDocument:

	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			s.inline.Reset()
		} else if flushed := s.flushInline(); flushed != "" {
			s.emit(flushed)
			s.endLine()
			if !s.inTightList() {
				s.blankLine()
			}
		}

	case ast.KindHeading:
		if entering {
			s.inline.Reset()
		} else {
			s.closeHeading(node.(*ast.Heading))
		}

	case ast.KindFencedCodeBlock:
		if entering {
			block := node.(*ast.FencedCodeBlock)
			s.codeBlock(blockLines(block, s.source), string(block.Language(s.source)))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindCodeBlock:
		if entering {
			s.codeBlock(blockLines(node.(*ast.CodeBlock), s.source), "")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			bar := s.style().Foreground(s.theme.Rule).Render("│") + " "
			s.pushIndent(bar, 2)
		} else {
			s.popIndent()
			s.blankLine()
		}

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			start := 0
			if list.IsOrdered() {
				start = list.Start
			}
			s.lists = append(s.lists, listFrame{ordered: list.IsOrdered(), next: start, tight: list.IsTight})
		} else {
			s.lists = s.lists[:len(s.lists)-1]
			if !s.inTightList() {
				s.blankLine()
			}
		}

	case ast.KindListItem:
		if entering {
			s.openListItem()
		} else {
			s.popIndent()
			if s.inTightList() {
				s.endLine()
			} else {
				s.blankLine()
			}
		}

	case ast.KindThematicBreak:
		if entering {
			rule := s.style().Foreground(s.theme.Rule).Render(strings.Repeat("─", s.contentWidth()))
			s.blankLine()
			s.emit(s.indented(rule))
			s.endLine()
			s.blankLine()
		}

	case ast.KindText:
		if entering {
			textNode := node.(*ast.Text)
			s.inline.WriteString(s.styledText(string(textNode.Segment.Value(s.source))))
			if textNode.SoftLineBreak() {
				// The reflow rule: a source line break inside a
				// paragraph is a word gap, not a layout instruction.
				s.inline.WriteString(" ")
			}
			if textNode.HardLineBreak() {
				s.inline.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			s.inline.WriteString(s.styledText(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		delta := 1
		if !entering {
			delta = -1
		}
		if node.(*ast.Emphasis).Level >= 2 {
			s.bold += delta
		} else {
			s.italic += delta
		}

	case extast.KindStrikethrough:
		if entering {
			s.strike++
		} else {
			s.strike--
		}

	case ast.KindCodeSpan:
		if entering {
			s.inline.WriteString(s.style().Foreground(s.theme.Faint).Render(spanText(node, s.source)))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		if entering {
			s.inline.WriteString(s.inlineText(node))
			if url := string(node.(*ast.Link).Destination); url != "" {
				s.inline.WriteString(" " + s.style().Foreground(s.theme.Faint).Render("("+url+")"))
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindAutoLink:
		if entering {
			url := string(node.(*ast.AutoLink).URL(s.source))
			s.inline.WriteString(s.style().Foreground(s.theme.Faint).Render(url))
		}

	case ast.KindImage:
		if entering {
			alt := ansi.Strip(s.inlineText(node))
			faint := s.style().Foreground(s.theme.Faint)
			s.inline.WriteString(faint.Render("[" + alt + "]"))
			if url := string(node.(*ast.Image).Destination); url != "" {
				s.inline.WriteString(" " + faint.Render("("+url+")"))
			}
			return ast.WalkSkipChildren, nil
		}

	case extast.KindTaskCheckBox:
		if entering {
			if node.(*extast.TaskCheckBox).IsChecked {
				s.inline.WriteString(s.styledText("[x] "))
			} else {
				s.inline.WriteString(s.styledText("[ ] "))
			}
		}

	case extast.KindTable:
		if entering {
			s.table(node.(*extast.Table))
			return ast.WalkSkipChildren, nil
		}
	}

	return ast.WalkContinue, nil
}

// closeHeading flushes the gathered heading text with its own style.
// Inline styling inside the heading is stripped first so emphasis
// markers cannot fight the heading color.
func (s *renderState) closeHeading(heading *ast.Heading) {
	content := ansi.Strip(s.inline.String())
	s.inline.Reset()
	if content == "" {
		return
	}

	style := s.style().Bold(true)
	if heading.Level <= 2 {
		style = style.Foreground(s.theme.Heading)
	}

	s.blankLine()
	s.emit(s.indented(ansi.Wrap(style.Render(content), s.contentWidth(), wrapBreakpoints)))
	s.endLine()
	s.blankLine()
}

// codeBlock emits code line by line, never reflowed. Named languages
// go through chroma; highlighting failures fall back to faint plain
// text.
func (s *renderState) codeBlock(code, language string) {
	var rendered string
	if language != "" {
		var b strings.Builder
		if err := quick.Highlight(&b, code, language, "terminal256", "native"); err == nil {
			rendered = b.String()
		}
	}
	if rendered == "" {
		rendered = s.style().Foreground(s.theme.Faint).Render(code)
	}

	s.blankLine()
	for _, line := range strings.Split(strings.TrimRight(rendered, "\n"), "\n") {
		s.emit(s.linePrefix() + line)
		s.endLine()
	}
	s.blankLine()
}

func (s *renderState) openListItem() {
	if len(s.lists) == 0 {
		return
	}
	frame := &s.lists[len(s.lists)-1]

	bullet := "- "
	if frame.ordered {
		bullet = fmt.Sprintf("%d. ", frame.next)
		frame.next++
	}

	// The bullet replaces the whole indent for the item's first line;
	// continuation lines get matching spaces so wrapped text aligns
	// under the item text.
	s.bullet = s.indent + bullet
	s.pushIndent(strings.Repeat(" ", len(bullet)), len(bullet))
}

// table renders a GFM table with padded columns. Cells wider than the
// available width are truncated, not wrapped: a table that cannot fit
// is better cut than scrambled.
func (s *renderState) table(table *extast.Table) {
	var header []string
	var rows [][]string
	for child := table.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.Kind() {
		case extast.KindTableHeader:
			header = s.tableRow(child)
		case extast.KindTableRow:
			rows = append(rows, s.tableRow(child))
		}
	}

	columns := len(header)
	if columns == 0 && len(rows) > 0 {
		columns = len(rows[0])
	}
	if columns == 0 {
		return
	}

	widths := make([]int, columns)
	measure := func(cells []string) {
		for i, cell := range cells {
			if i < columns && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	measure(header)
	for _, row := range rows {
		measure(row)
	}

	// Clamp each column so the whole row fits the content width.
	available := s.contentWidth() - 2*(columns-1)
	perColumn := available / columns
	if perColumn < 3 {
		perColumn = 3
	}
	for i := range widths {
		if widths[i] > perColumn {
			widths[i] = perColumn
		}
	}

	s.blankLine()
	if len(header) > 0 {
		s.emit(s.linePrefix() + s.tableLine(header, widths, table.Alignments, s.style().Bold(true)))
		s.endLine()

		frame := make([]string, columns)
		for i, w := range widths {
			frame[i] = strings.Repeat("─", w)
		}
		s.emit(s.indent + s.style().Foreground(s.theme.Rule).Render(strings.Join(frame, "  ")))
		s.endLine()
	}
	for _, row := range rows {
		s.emit(s.indent + s.tableLine(row, widths, table.Alignments, s.style()))
		s.endLine()
	}
	s.blankLine()
}

func (s *renderState) tableRow(row ast.Node) []string {
	var cells []string
	for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
		if cell.Kind() == extast.KindTableCell {
			cells = append(cells, s.inlineText(cell))
		}
	}
	return cells
}

func (s *renderState) tableLine(cells []string, widths []int, alignments []extast.Alignment, base lipgloss.Style) string {
	parts := make([]string, len(widths))
	for i, width := range widths {
		var cell string
		if i < len(cells) {
			cell = cells[i]
		}
		if lipgloss.Width(cell) > width {
			cell = ansi.Truncate(cell, width, "…")
		}

		pad := width - lipgloss.Width(cell)
		if pad < 0 {
			pad = 0
		}
		var align extast.Alignment
		if i < len(alignments) {
			align = alignments[i]
		}
		switch align {
		case extast.AlignRight:
			cell = strings.Repeat(" ", pad) + cell
		case extast.AlignCenter:
			cell = strings.Repeat(" ", pad/2) + cell + strings.Repeat(" ", pad-pad/2)
		default:
			cell += strings.Repeat(" ", pad)
		}
		parts[i] = cell
	}
	return base.Render(strings.Join(parts, "  "))
}

// blockLines joins a block node's raw source lines.
func blockLines(node ast.Node, source []byte) string {
	var b strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		b.Write(segment.Value(source))
	}
	return b.String()
}

// spanText collects the literal text of a code span's children.
func spanText(node ast.Node, source []byte) string {
	var b strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch child := child.(type) {
		case *ast.Text:
			b.Write(child.Segment.Value(source))
		case *ast.String:
			b.Write(child.Value)
		}
	}
	return b.String()
}
