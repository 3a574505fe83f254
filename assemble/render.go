package assemble

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/kbingest/docpipe"
	"github.com/hazyhaar/kbingest/tablenorm"
)

// Renderer is the output-markup strategy.
type Renderer interface {
	Markup() tablenorm.Markup
	Paragraph(text string) string
	// Runs renders a paragraph that carries emphasis or links.
	Runs(runs []docpipe.Run) string
	Image(alt, url string) string
	Join(blocks []string) string
	// Finalize post-processes the joined body.
	Finalize(body string) string
}

// MarkdownRenderer emits Markdown; paragraphs pass through verbatim.
type MarkdownRenderer struct{}

func (MarkdownRenderer) Markup() tablenorm.Markup { return tablenorm.Markdown }

func (MarkdownRenderer) Paragraph(text string) string { return strings.TrimSpace(text) }

func (MarkdownRenderer) Runs(runs []docpipe.Run) string {
	return tablenorm.RenderRuns(runs, tablenorm.Markdown)
}

func (MarkdownRenderer) Image(alt, url string) string {
	return "![" + strings.NewReplacer("[", "", "]", "").Replace(alt) + "](" + url + ")"
}

func (MarkdownRenderer) Join(blocks []string) string { return strings.Join(blocks, "\n\n") }

func (MarkdownRenderer) Finalize(body string) string { return body }

// HTMLRenderer emits an HTML fragment, optionally passed through the
// bluemonday UGC policy.
type HTMLRenderer struct {
	Sanitize bool
	policy   *bluemonday.Policy
}

// NewHTMLRenderer returns an HTML renderer.
func NewHTMLRenderer(sanitize bool) *HTMLRenderer {
	r := &HTMLRenderer{Sanitize: sanitize}
	if sanitize {
		r.policy = bluemonday.UGCPolicy()
	}
	return r
}

func (*HTMLRenderer) Markup() tablenorm.Markup { return tablenorm.HTML }

func (*HTMLRenderer) Paragraph(text string) string {
	text = html.EscapeString(strings.TrimSpace(text))
	return "<p>" + strings.ReplaceAll(text, "\n", "<br>\n") + "</p>"
}

func (*HTMLRenderer) Runs(runs []docpipe.Run) string {
	return "<p>" + tablenorm.RenderRuns(runs, tablenorm.HTML) + "</p>"
}

func (*HTMLRenderer) Image(alt, url string) string {
	return `<p><img src="` + html.EscapeString(url) + `" alt="` + html.EscapeString(alt) + `"></p>`
}

func (*HTMLRenderer) Join(blocks []string) string { return strings.Join(blocks, "\n\n") }

func (r *HTMLRenderer) Finalize(body string) string {
	if r.policy == nil {
		return body
	}
	return r.policy.Sanitize(body)
}

// RendererFor returns the renderer for markup.
func RendererFor(markup tablenorm.Markup, sanitize bool) Renderer {
	if markup == tablenorm.HTML {
		return NewHTMLRenderer(sanitize)
	}
	return MarkdownRenderer{}
}
