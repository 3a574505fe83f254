// Package tablenorm turns a table cell grid into Markdown or HTML markup.
//
// Fully blank rows are dropped; a table with fewer than two remaining rows
// is degenerate and yields nothing. Ragged rows are padded to the widest
// row and the first row is always the header.
package tablenorm

import (
	"html"
	"strings"

	"github.com/hazyhaar/kbingest/docpipe"
)

// Markup selects the output syntax.
type Markup string

const (
	Markdown Markup = "markdown"
	HTML     Markup = "html"
)

// Normalize renders rows. ok is false for degenerate tables.
func Normalize(rows [][]docpipe.Cell, markup Markup) (out string, ok bool) {
	var kept [][]docpipe.Cell
	width := 0
	for _, row := range rows {
		if blankRow(row) {
			continue
		}
		kept = append(kept, row)
		width = max(width, len(row))
	}
	if len(kept) < 2 {
		return "", false
	}

	grid := make([][]string, len(kept))
	for i, row := range kept {
		cells := make([]string, width)
		for j, c := range row {
			cells[j] = renderCell(c, markup)
		}
		grid[i] = cells
	}

	if markup == HTML {
		return renderHTML(grid), true
	}
	return renderMarkdown(grid), true
}

// FromText normalizes a plain-text grid, as produced from PDF column
// detection.
func FromText(rows [][]string, markup Markup) (string, bool) {
	cells := make([][]docpipe.Cell, len(rows))
	for i, row := range rows {
		cells[i] = make([]docpipe.Cell, len(row))
		for j, s := range row {
			cells[i][j] = docpipe.TextCell(s)
		}
	}
	return Normalize(cells, markup)
}

func blankRow(row []docpipe.Cell) bool {
	for _, c := range row {
		if strings.TrimSpace(c.Text()) != "" {
			return false
		}
	}
	return true
}

// renderCell joins the cell's paragraphs with a line-break marker and keeps
// bold and italic runs.
func renderCell(c docpipe.Cell, markup Markup) string {
	var paras []string
	for _, runs := range c.Paragraphs {
		if s := strings.TrimSpace(renderRuns(runs, markup, true)); s != "" {
			paras = append(paras, s)
		}
	}
	return strings.Join(paras, "<br>")
}

// RenderRuns renders one paragraph's runs with their emphasis and links.
// Markdown text is emitted as written; HTML text is escaped.
func RenderRuns(runs []docpipe.Run, markup Markup) string {
	return strings.TrimSpace(renderRuns(runs, markup, false))
}

func renderRuns(runs []docpipe.Run, markup Markup, cell bool) string {
	merged := mergeRuns(runs)
	var sb strings.Builder
	for i := 0; i < len(merged); {
		j := i
		var inner strings.Builder
		for ; j < len(merged) && merged[j].Link == merged[i].Link; j++ {
			inner.WriteString(renderRun(merged[j], markup, cell))
		}
		sb.WriteString(wrapLink(inner.String(), merged[i].Link, markup))
		i = j
	}
	return sb.String()
}

func wrapLink(text, link string, markup Markup) string {
	if link == "" || strings.TrimSpace(text) == "" {
		return text
	}
	if markup == HTML {
		return `<a href="` + html.EscapeString(link) + `">` + text + "</a>"
	}
	return "[" + text + "](" + link + ")"
}

// mergeRuns fuses neighbouring runs with identical emphasis so a word split
// across runs does not come out as "**war****ning**".
func mergeRuns(runs []docpipe.Run) []docpipe.Run {
	var out []docpipe.Run
	for _, r := range runs {
		if n := len(out); n > 0 && out[n-1].Bold == r.Bold && out[n-1].Italic == r.Italic && out[n-1].Link == r.Link {
			out[n-1].Text += r.Text
			continue
		}
		out = append(out, r)
	}
	return out
}

func renderRun(r docpipe.Run, markup Markup, cell bool) string {
	text := r.Text
	switch {
	case markup == HTML:
		text = html.EscapeString(text)
		text = strings.ReplaceAll(text, "\n", "<br>")
	case cell:
		text = escapeMarkdownCell(text)
	}
	if strings.TrimSpace(text) == "" || (!r.Bold && !r.Italic) {
		return text
	}

	// Emphasis markers must hug the text, so surrounding spaces move outside.
	core := strings.TrimSpace(text)
	lead := text[:strings.Index(text, core)]
	trail := text[len(lead)+len(core):]

	var pre, post string
	switch {
	case markup == HTML && r.Bold && r.Italic:
		pre, post = "<strong><em>", "</em></strong>"
	case markup == HTML && r.Bold:
		pre, post = "<strong>", "</strong>"
	case markup == HTML:
		pre, post = "<em>", "</em>"
	case r.Bold && r.Italic:
		pre, post = "***", "***"
	case r.Bold:
		pre, post = "**", "**"
	default:
		pre, post = "*", "*"
	}
	return lead + pre + core + post + trail
}

func escapeMarkdownCell(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\r\n", "<br>")
	return strings.ReplaceAll(s, "\n", "<br>")
}

func renderMarkdown(grid [][]string) string {
	var sb strings.Builder
	writeRow := func(cells []string) {
		sb.WriteString("|")
		for _, c := range cells {
			sb.WriteString(" ")
			sb.WriteString(c)
			sb.WriteString(" |")
		}
		sb.WriteString("\n")
	}
	writeRow(grid[0])
	sep := make([]string, len(grid[0]))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, row := range grid[1:] {
		writeRow(row)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func renderHTML(grid [][]string) string {
	var sb strings.Builder
	sb.WriteString("<table>\n<thead>\n<tr>")
	for _, c := range grid[0] {
		sb.WriteString("<th>" + c + "</th>")
	}
	sb.WriteString("</tr>\n</thead>\n<tbody>\n")
	for _, row := range grid[1:] {
		sb.WriteString("<tr>")
		for _, c := range row {
			sb.WriteString("<td>" + c + "</td>")
		}
		sb.WriteString("</tr>\n")
	}
	sb.WriteString("</tbody>\n</table>")
	return sb.String()
}
