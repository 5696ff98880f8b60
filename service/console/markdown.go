// Copyright 2026 The Tuwunel Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"fmt"
	"os"
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

// Theme is the console color palette. All colors are lipgloss ANSI
// 256-color codes so the console looks the same across terminals.
type Theme struct {
	Text    lipgloss.Color
	Faint   lipgloss.Color
	Heading lipgloss.Color
	Code    lipgloss.Color
	Link    lipgloss.Color
	Rule    lipgloss.Color
	Prompt  lipgloss.Color
	Help    lipgloss.Color
}

// defaultTheme is tuned for dark 256-color terminals.
var defaultTheme = Theme{
	Text:    lipgloss.Color("252"),
	Faint:   lipgloss.Color("245"),
	Heading: lipgloss.Color("255"),
	Code:    lipgloss.Color("222"),
	Link:    lipgloss.Color("111"),
	Rule:    lipgloss.Color("240"),
	Prompt:  lipgloss.Color("114"),
	Help:    lipgloss.Color("241"),
}

// wrapBreakpoints are the characters ansi.Wrap may break a line after
// when a word alone exceeds the render width.
const wrapBreakpoints = " ,.;-"

// replyParser is shared across renders. The goldmark parser carries no
// per-parse state of its own, so a single instance is safe.
var (
	replyParser     goldmark.Markdown
	replyParserOnce sync.Once
)

func getReplyParser() goldmark.Markdown {
	replyParserOnce.Do(func() {
		replyParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return replyParser
}

// renderMarkdown converts an admin reply (markdown) into styled
// terminal text wrapped to width. Soft line breaks inside paragraphs
// become spaces so the reply reflows at the actual terminal width
// instead of keeping the server's arbitrary line breaks.
func renderMarkdown(input string, theme Theme, width int) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	source := []byte(input)
	document := getReplyParser().Parser().Parse(text.NewReader(source))

	// Force the ANSI256 profile. Console output goes through the
	// bubbletea renderer (or a pipe in tests), so lipgloss's own
	// TTY detection would otherwise strip all color. SetColorProfile
	// is needed on top of the termenv option because the renderer
	// re-detects from the environment unless a profile is pinned.
	styles := lipgloss.NewRenderer(os.Stdout, termenv.WithProfile(termenv.ANSI256))
	styles.SetColorProfile(termenv.ANSI256)

	// newlines starts at 2: empty output counts as blank, so a reply
	// that opens with a heading or code block is not pushed down by
	// leading blank lines.
	r := &replyRenderer{
		source:   source,
		theme:    theme,
		width:    width,
		styles:   styles,
		newlines: 2,
	}
	ast.Walk(document, r.visit)
	return strings.TrimRight(r.out.String(), "\n")
}

// replyRenderer walks the goldmark AST directly instead of going
// through goldmark's renderer interface. Terminal output needs
// accumulate-then-wrap semantics: inline content of a paragraph is
// collected whole and word-wrapped as a unit when the block closes,
// which the streaming renderer callbacks cannot express.
type replyRenderer struct {
	source []byte
	theme  Theme
	width  int
	styles *lipgloss.Renderer

	out    strings.Builder
	inline strings.Builder

	// Indentation for nested containers (blockquotes, list bodies).
	// prefix is the concatenation of the stack, prefixWidth its
	// visible width.
	indents     []indentLevel
	prefix      string
	prefixWidth int

	// bullet, when set, replaces the prefix for the next emitted line
	// only. List items set it so the marker appears once and the
	// continuation lines align under the text.
	bullet string

	// Style nesting depth. Counters rather than booleans so nested
	// emphasis unwinds correctly.
	bold   int
	italic int
	strike int

	lists []listLevel

	// Trailing newline count at the end of out, for blank line
	// management between blocks.
	newlines int
}

type indentLevel struct {
	text  string
	width int
}

type listLevel struct {
	ordered bool
	next    int
	tight   bool
}

func (r *replyRenderer) style() lipgloss.Style {
	return r.styles.NewStyle()
}

// contentWidth is the wrap width left after indentation, clamped so
// deeply nested content still gets usable lines.
func (r *replyRenderer) contentWidth() int {
	width := r.width - r.prefixWidth
	if width < 10 {
		width = 10
	}
	return width
}

func (r *replyRenderer) pushIndent(text string, width int) {
	r.indents = append(r.indents, indentLevel{text: text, width: width})
	r.prefix += text
	r.prefixWidth += width
}

func (r *replyRenderer) popIndent() {
	if len(r.indents) == 0 {
		return
	}
	top := r.indents[len(r.indents)-1]
	r.indents = r.indents[:len(r.indents)-1]
	r.prefix = r.prefix[:len(r.prefix)-len(top.text)]
	r.prefixWidth -= top.width
}

func (r *replyRenderer) inTightList() bool {
	return len(r.lists) > 0 && r.lists[len(r.lists)-1].tight
}

// emit appends to the output, updating the trailing newline count.
func (r *replyRenderer) emit(s string) {
	if s == "" {
		return
	}
	r.out.WriteString(s)
	trailing := 0
	for i := len(s) - 1; i >= 0 && s[i] == '\n'; i-- {
		trailing++
	}
	if trailing == len(s) {
		r.newlines += trailing
	} else {
		r.newlines = trailing
	}
}

func (r *replyRenderer) breakLine() {
	if r.newlines < 1 {
		r.emit("\n")
	}
}

func (r *replyRenderer) blankLine() {
	for r.newlines < 2 {
		r.emit("\n")
	}
}

// linePrefix returns the indentation for the line about to be
// emitted, consuming the pending list bullet if one is set.
func (r *replyRenderer) linePrefix() string {
	if r.bullet != "" {
		bullet := r.bullet
		r.bullet = ""
		return bullet
	}
	return r.prefix
}

// prefixed indents every line of content: the first line gets the
// pending bullet (if any), continuation lines the plain prefix.
func (r *replyRenderer) prefixed(content string) string {
	lines := strings.Split(content, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i == 0 {
			b.WriteString(r.linePrefix())
		} else {
			b.WriteString("\n")
			b.WriteString(r.prefix)
		}
		b.WriteString(line)
	}
	return b.String()
}

// flushInline wraps the accumulated inline content and indents it.
// Resets the accumulator.
func (r *replyRenderer) flushInline() string {
	content := r.inline.String()
	r.inline.Reset()
	if content == "" {
		return ""
	}
	return r.prefixed(ansi.Wrap(content, r.contentWidth(), wrapBreakpoints))
}

// textStyle styles plain text with the active emphasis state.
func (r *replyRenderer) textStyle(content string) string {
	style := r.style().Foreground(r.theme.Text)
	if r.bold > 0 {
		style = style.Bold(true)
	}
	if r.italic > 0 {
		style = style.Italic(true)
	}
	if r.strike > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(content)
}

// collectInline renders a node's children into a string without
// touching the caller's accumulator or style state.
func (r *replyRenderer) collectInline(node ast.Node) string {
	savedInline := r.inline.String()
	savedBold, savedItalic, savedStrike := r.bold, r.italic, r.strike

	r.inline.Reset()
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		ast.Walk(child, r.visit)
	}
	result := r.inline.String()

	r.inline.Reset()
	r.inline.WriteString(savedInline)
	r.bold, r.italic, r.strike = savedBold, savedItalic, savedStrike
	return result
}

// highlight syntax-highlights code with chroma. Unknown languages and
// chroma failures fall back to faint unhighlighted text.
func (r *replyRenderer) highlight(code, language string) string {
	if language == "" {
		return r.style().Foreground(r.theme.Faint).Render(code)
	}
	var b strings.Builder
	if err := quick.Highlight(&b, code, language, "terminal256", "monokai"); err != nil {
		return r.style().Foreground(r.theme.Faint).Render(code)
	}
	return b.String()
}

func (r *replyRenderer) visit(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {

	case ast.KindDocument:

	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			r.inline.Reset()
		} else if flushed := r.flushInline(); flushed != "" {
			r.emit(flushed)
			r.breakLine()
			if !r.inTightList() {
				r.blankLine()
			}
		}

	case ast.KindHeading:
		if entering {
			r.inline.Reset()
		} else {
			r.closeHeading(node.(*ast.Heading))
		}

	case ast.KindFencedCodeBlock:
		if entering {
			block := node.(*ast.FencedCodeBlock)
			r.writeCodeLines(r.highlight(r.blockText(block), string(block.Language(r.source))))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindCodeBlock:
		if entering {
			faint := r.style().Foreground(r.theme.Faint)
			r.writeCodeLines(faint.Render(r.blockText(node)))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			r.pushIndent("│ ", 2)
		} else {
			r.popIndent()
			r.blankLine()
		}

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			start := 0
			if list.IsOrdered() {
				start = list.Start
			}
			r.lists = append(r.lists, listLevel{ordered: list.IsOrdered(), next: start, tight: list.IsTight})
		} else {
			if len(r.lists) > 0 {
				r.lists = r.lists[:len(r.lists)-1]
			}
			if !r.inTightList() {
				r.blankLine()
			}
		}

	case ast.KindListItem:
		if entering {
			r.openListItem()
		} else {
			r.popIndent()
			if r.inTightList() {
				r.breakLine()
			} else {
				r.blankLine()
			}
		}

	case ast.KindThematicBreak:
		if entering {
			rule := r.style().Foreground(r.theme.Rule).Render(strings.Repeat("─", r.contentWidth()))
			r.blankLine()
			r.emit(r.prefixed(rule))
			r.breakLine()
			r.blankLine()
		}

	case ast.KindHTMLBlock:
		if entering {
			stripped := strings.TrimSpace(stripTags(r.blockText(node)))
			if stripped != "" {
				r.emit(r.prefixed(r.style().Foreground(r.theme.Faint).Render(stripped)))
				r.breakLine()
				r.blankLine()
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindText:
		if entering {
			textNode := node.(*ast.Text)
			r.inline.WriteString(r.textStyle(string(textNode.Segment.Value(r.source))))
			if textNode.SoftLineBreak() {
				// Soft breaks become spaces so the paragraph reflows
				// at the terminal width.
				r.inline.WriteString(" ")
			}
			if textNode.HardLineBreak() {
				r.inline.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			r.inline.WriteString(r.textStyle(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		if node.(*ast.Emphasis).Level >= 2 {
			if entering {
				r.bold++
			} else {
				r.bold--
			}
		} else {
			if entering {
				r.italic++
			} else {
				r.italic--
			}
		}

	case ast.KindCodeSpan:
		if entering {
			var code strings.Builder
			for child := node.FirstChild(); child != nil; child = child.NextSibling() {
				switch inner := child.(type) {
				case *ast.Text:
					code.Write(inner.Segment.Value(r.source))
				case *ast.String:
					code.Write(inner.Value)
				}
			}
			r.inline.WriteString(r.style().Foreground(r.theme.Code).Render(code.String()))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		if entering {
			link := node.(*ast.Link)
			r.inline.WriteString(r.collectInline(link))
			if url := string(link.Destination); url != "" {
				r.inline.WriteString(" " + r.style().Foreground(r.theme.Link).Render("("+url+")"))
			}
			return ast.WalkSkipChildren, nil
		}

	case ast.KindAutoLink:
		if entering {
			url := string(node.(*ast.AutoLink).URL(r.source))
			r.inline.WriteString(r.style().Foreground(r.theme.Link).Render(url))
		}

	case ast.KindImage:
		if entering {
			image := node.(*ast.Image)
			alt := ansi.Strip(r.collectInline(image))
			label := "image"
			if alt != "" {
				label = alt
			}
			faint := r.style().Foreground(r.theme.Faint)
			r.inline.WriteString(faint.Render("[" + label + "] (" + string(image.Destination) + ")"))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindRawHTML:
		if entering {
			raw := node.(*ast.RawHTML)
			var b strings.Builder
			for i := 0; i < raw.Segments.Len(); i++ {
				seg := raw.Segments.At(i)
				b.Write(seg.Value(r.source))
			}
			if stripped := stripTags(b.String()); stripped != "" {
				r.inline.WriteString(r.textStyle(stripped))
			}
		}

	case extast.KindStrikethrough:
		if entering {
			r.strike++
		} else {
			r.strike--
		}

	case extast.KindTable:
		if entering {
			r.writeTable(node)
			return ast.WalkSkipChildren, nil
		}

	case extast.KindTaskCheckBox:
		if entering {
			if node.(*extast.TaskCheckBox).IsChecked {
				r.inline.WriteString(r.textStyle("[x] "))
			} else {
				r.inline.WriteString(r.textStyle("[ ] "))
			}
		}
	}

	return ast.WalkContinue, nil
}

func (r *replyRenderer) closeHeading(heading *ast.Heading) {
	// The heading carries its own style. Strip whatever the inline
	// pass applied before restyling.
	content := ansi.Strip(r.inline.String())
	r.inline.Reset()
	if content == "" {
		return
	}
	style := r.style().Bold(true).Foreground(r.theme.Text)
	if heading.Level <= 2 {
		style = style.Foreground(r.theme.Heading)
	}
	wrapped := ansi.Wrap(style.Render(content), r.contentWidth(), wrapBreakpoints)
	r.blankLine()
	r.emit(r.prefixed(wrapped))
	r.breakLine()
	r.blankLine()
}

// blockText concatenates the raw source lines of a leaf block.
func (r *replyRenderer) blockText(node ast.Node) string {
	var b strings.Builder
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(r.source))
	}
	return b.String()
}

// writeCodeLines emits pre-styled code line by line, keeping the
// block's own line breaks. Code is never word-wrapped.
func (r *replyRenderer) writeCodeLines(styled string) {
	r.blankLine()
	for _, line := range strings.Split(strings.TrimRight(styled, "\n"), "\n") {
		r.emit(r.linePrefix() + line)
		r.breakLine()
	}
	r.blankLine()
}

func (r *replyRenderer) openListItem() {
	if len(r.lists) == 0 {
		return
	}
	top := &r.lists[len(r.lists)-1]

	var marker string
	if top.ordered {
		marker = fmt.Sprintf("%d. ", top.next)
		top.next++
	} else {
		marker = "- "
	}

	// The bullet replaces the whole prefix on the item's first line;
	// continuation lines indent by the marker width to align.
	width := len(marker)
	r.bullet = r.prefix + marker
	r.pushIndent(strings.Repeat(" ", width), width)
}

// writeTable renders a GFM table as padded columns. Cells are not
// wrapped; a table wider than the terminal overflows, which is the
// honest rendering for tabular data.
func (r *replyRenderer) writeTable(table ast.Node) {
	var rows [][]string
	headerRows := 0
	for section := table.FirstChild(); section != nil; section = section.NextSibling() {
		var cells []string
		for cell := section.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, ansi.Strip(r.collectInline(cell)))
		}
		if section.Kind() == extast.KindTableHeader {
			headerRows++
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 {
		return
	}

	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := ansi.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	bold := r.style().Bold(true).Foreground(r.theme.Heading)
	plain := r.style().Foreground(r.theme.Text)
	rule := r.style().Foreground(r.theme.Rule)

	r.blankLine()
	for rowIndex, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			padding := strings.Repeat(" ", widths[i]-ansi.StringWidth(cell))
			if rowIndex < headerRows {
				b.WriteString(bold.Render(cell))
			} else {
				b.WriteString(plain.Render(cell))
			}
			b.WriteString(padding)
		}
		r.emit(r.linePrefix() + strings.TrimRight(b.String(), " "))
		r.breakLine()
		if rowIndex == headerRows-1 {
			total := 0
			for _, w := range widths {
				total += w + 2
			}
			r.emit(r.linePrefix() + rule.Render(strings.Repeat("─", total-2)))
			r.breakLine()
		}
	}
	r.blankLine()
}

// stripTags removes angle-bracket tags, leaving the text between them.
func stripTags(html string) string {
	var b strings.Builder
	depth := 0
	for _, ch := range html {
		switch {
		case ch == '<':
			depth++
		case ch == '>':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(ch)
		}
	}
	return b.String()
}
