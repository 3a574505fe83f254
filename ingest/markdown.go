package ingest

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/hazyhaar/kbingest/assemble"
)

var splitParser = goldmark.New(goldmark.WithExtensions(extension.GFM)).Parser()

// MarkdownSection is one article cut from a Markdown file.
type MarkdownSection struct {
	Title   string
	Level   int
	Content string // raw Markdown between this heading and the next
	Line    int    // 1-based line of the heading
	EndLine int    // last line of the section
}

var setextUnderline = regexp.MustCompile(`^ {0,3}(=+|-+)[ \t]*$`)

// SplitMarkdown cuts src at every top-level heading of level 1..maxLevel.
// The heading line itself is not part of Content; text before the first
// heading and sections with no content are dropped. Deeper headings,
// tables, lists and images stay in the body as written. Headings inside
// code blocks, lists or quotes never split.
func SplitMarkdown(src []byte, maxLevel int) []MarkdownSection {
	if maxLevel <= 0 {
		maxLevel = 3
	}
	doc := splitParser.Parse(text.NewReader(src))

	type cut struct {
		title      string
		level      int
		start, end int // heading line bounds in src
	}
	var cuts []cut
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > maxLevel || h.Lines().Len() == 0 {
			continue
		}
		first := h.Lines().At(0)
		last := h.Lines().At(h.Lines().Len() - 1)
		start := lineStart(src, first.Start)
		end := lineEnd(src, last.Stop)
		atx := bytes.HasPrefix(bytes.TrimLeft(src[start:], " "), []byte("#"))
		if next := lineEnd(src, end); !atx && end < len(src) && setextUnderline.Match(bytes.TrimRight(src[end:next], "\r\n")) {
			end = next
		}
		cuts = append(cuts, cut{
			title: headingText(h, src),
			level: h.Level,
			start: start,
			end:   end,
		})
	}

	var out []MarkdownSection
	for i, c := range cuts {
		stop := len(src)
		if i+1 < len(cuts) {
			stop = cuts[i+1].start
		}
		body := assemble.CollapseBlankLines(string(src[c.end:stop]))
		if body == "" || c.title == "" {
			continue
		}
		out = append(out, MarkdownSection{
			Title:   c.title,
			Level:   c.level,
			Content: body,
			Line:    bytes.Count(src[:c.start], []byte("\n")) + 1,
			EndLine: bytes.Count(src[:stop], []byte("\n")),
		})
	}
	return out
}

// headingText is the heading's visible text: links reduced to their label,
// inline HTML (anchors like <a id="x"></a>) dropped.
func headingText(h *ast.Heading, src []byte) string {
	var sb strings.Builder
	ast.Walk(h, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			sb.Write(n.Segment.Value(src))
			if n.SoftLineBreak() || n.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(n.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

func lineStart(src []byte, off int) int {
	return bytes.LastIndexByte(src[:off], '\n') + 1
}

// lineEnd returns the offset just past the newline ending the line that
// holds off, or len(src).
func lineEnd(src []byte, off int) int {
	if off >= len(src) {
		return len(src)
	}
	i := bytes.IndexByte(src[off:], '\n')
	if i < 0 {
		return len(src)
	}
	return off + i + 1
}
