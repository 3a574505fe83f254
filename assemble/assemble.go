// Package assemble merges a section skeleton with its tables and images into
// the final body string.
//
// Blocks keep document order. Images embedded at an exact paragraph follow
// that paragraph. Images only known by page or table are anchored after a
// trigger phrase ("如图所示", "see figure"), each phrase occurrence taking at
// most one image; images left over go to the end of the section.
package assemble

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/hazyhaar/kbingest/docpipe"
	"github.com/hazyhaar/kbingest/imgextract"
	"github.com/hazyhaar/kbingest/segment"
	"github.com/hazyhaar/kbingest/tablenorm"
)

// Config controls assembly.
type Config struct {
	Markup       tablenorm.Markup `json:"markup" yaml:"markup"`
	Anchors      []AnchorSpec     `json:"anchors" yaml:"anchors"`
	SanitizeHTML bool             `json:"sanitize_html" yaml:"sanitize_html"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Validate checks the markup name and compiles the anchors.
func (c Config) Validate() error {
	switch c.Markup {
	case "", tablenorm.Markdown, tablenorm.HTML:
	default:
		return fmt.Errorf("assemble: unknown markup %q", c.Markup)
	}
	_, err := CompileAnchors(c.Anchors)
	return err
}

// Section is an assembled section.
type Section struct {
	Title     string                   `json:"title"`
	Level     int                      `json:"level"`
	Content   string                   `json:"content"`
	PageStart int                      `json:"page_start"`
	PageEnd   int                      `json:"page_end"`
	Images    []imgextract.ImageRecord `json:"images,omitempty"`
	Tables    int                      `json:"tables,omitempty"`

	// SkippedTables counts degenerate tables left out.
	SkippedTables int `json:"-"`

	hasText bool
}

// Empty reports a section with no text, no table and no image.
func (s Section) Empty() bool {
	return !s.hasText && s.Tables == 0 && len(s.Images) == 0
}

// Assembler builds section bodies.
type Assembler struct {
	renderer Renderer
	anchors  []Anchor
	logger   *slog.Logger
}

// New returns an Assembler for cfg.
func New(cfg Config) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	anchors, err := CompileAnchors(cfg.Anchors)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		renderer: RendererFor(cfg.Markup, cfg.SanitizeHTML),
		anchors:  anchors,
		logger:   logger,
	}, nil
}

// Markup returns the output markup.
func (a *Assembler) Markup() tablenorm.Markup { return a.renderer.Markup() }

// Assemble builds one section. Every catalogued image positioned in the
// section's range is placed in it.
func (a *Assembler) Assemble(sk segment.Skeleton, cat *imgextract.Catalog) Section {
	return a.assemble(sk, cat, map[int]bool{})
}

// AssembleAll builds every section and drops the empty ones. An image is
// placed once, in the first section whose range holds it; ranges only
// overlap when several headings share a PDF page.
func (a *Assembler) AssembleAll(sks []segment.Skeleton, cat *imgextract.Catalog) []Section {
	used := map[int]bool{}
	out := make([]Section, 0, len(sks))
	for _, sk := range sks {
		sec := a.assemble(sk, cat, used)
		if sec.Empty() {
			a.logger.Debug("empty section dropped", "title", sk.Title, "start", sk.Start, "end", sk.End)
			continue
		}
		out = append(out, sec)
	}
	return out
}

// fragment is one output block: paragraph text still to be rendered, or
// finished markup (tables, inline images). runs is set when the paragraph
// carries emphasis or links worth rendering.
type fragment struct {
	text string
	runs []docpipe.Run
	raw  bool
}

// formattedRuns returns p's runs when they carry formatting and still spell
// p.Text; segmentation may have rewritten the text (outline heading lines).
func formattedRuns(p *docpipe.Paragraph) []docpipe.Run {
	formatted := false
	var sb strings.Builder
	for _, r := range p.Runs {
		sb.WriteString(r.Text)
		if strings.TrimSpace(r.Text) != "" && (r.Bold || r.Italic || r.Link != "") {
			formatted = true
		}
	}
	if !formatted || strings.TrimSpace(sb.String()) != strings.TrimSpace(p.Text) {
		return nil
	}
	return p.Runs
}

func (a *Assembler) assemble(sk segment.Skeleton, cat *imgextract.Catalog, used map[int]bool) Section {
	sec := Section{Title: sk.Title, Level: sk.Level, PageStart: sk.Start, PageEnd: sk.End}
	if cat == nil {
		cat = &imgextract.Catalog{}
	}
	byRef := make(map[string]int, len(cat.Records))
	for i, r := range cat.Records {
		if r.Ref != "" {
			if _, dup := byRef[r.Ref]; !dup {
				byRef[r.Ref] = i
			}
		}
	}

	var frags []fragment
	for _, el := range sk.Blocks {
		switch el.Kind {
		case docpipe.ElemTable:
			markup, ok := tablenorm.Normalize(el.Table.Rows, a.renderer.Markup())
			if !ok {
				sec.SkippedTables++
				continue
			}
			sec.Tables++
			frags = append(frags, fragment{text: markup, raw: true})
		case docpipe.ElemParagraph:
			p := el.Paragraph
			if strings.TrimSpace(p.Text) != "" {
				frags = append(frags, fragment{text: p.Text, runs: formattedRuns(p)})
			}
			for _, id := range p.ImageRefs {
				i, ok := byRef[id]
				if !ok || used[i] {
					continue
				}
				used[i] = true
				rec := cat.Records[i]
				sec.Images = append(sec.Images, rec)
				frags = append(frags, fragment{text: a.renderer.Image(a.fallbackAlt(frags), rec.URL), raw: true})
			}
		}
	}

	var floating []imgextract.ImageRecord
	for i, r := range cat.Records {
		if used[i] || r.Pos < sk.Start || r.Pos > sk.End {
			continue
		}
		used[i] = true
		floating = append(floating, r)
	}

	frags = a.anchorImages(frags, floating)
	sec.Images = append(sec.Images, floating...)

	blocks := make([]string, 0, len(frags))
	for _, f := range frags {
		if f.raw {
			blocks = append(blocks, f.text)
			continue
		}
		if f.runs != nil {
			blocks = append(blocks, a.renderer.Runs(f.runs))
			sec.hasText = true
			continue
		}
		if s := a.renderer.Paragraph(f.text); s != "" {
			blocks = append(blocks, s)
			sec.hasText = true
		}
	}
	sec.Content = CollapseBlankLines(a.renderer.Finalize(a.renderer.Join(blocks)))
	return sec
}

// anchorImages places floating images after trigger phrases, in order; the
// rest are appended to the section.
func (a *Assembler) anchorImages(frags []fragment, images []imgextract.ImageRecord) []fragment {
	if len(images) == 0 {
		return frags
	}

	texts := map[int]string{}
	var order []int
	for i, f := range frags {
		if !f.raw {
			texts[i] = f.text
			order = append(order, i)
		}
	}
	matches := findMatches(texts, order, a.anchors)

	anchored := min(len(images), len(matches))
	perFrag := map[int][]int{} // fragment -> indexes into matches
	for k := 0; k < anchored; k++ {
		perFrag[matches[k].frag] = append(perFrag[matches[k].frag], k)
	}

	out := make([]fragment, 0, len(frags)+len(images))
	for i, f := range frags {
		ks, ok := perFrag[i]
		if !ok {
			out = append(out, f)
			continue
		}
		prev := 0
		for _, k := range ks {
			m := matches[k]
			if part := strings.TrimSpace(f.text[prev:m.end]); part != "" {
				out = append(out, fragment{text: part})
			}
			out = append(out, fragment{text: a.renderer.Image(m.alt, images[k].URL), raw: true})
			prev = m.end
		}
		if rest := strings.TrimSpace(f.text[prev:]); rest != "" {
			out = append(out, fragment{text: rest})
		}
	}

	for _, img := range images[anchored:] {
		out = append(out, fragment{text: a.renderer.Image(a.fallbackAlt(frags), img.URL), raw: true})
	}
	if anchored < len(images) {
		a.logger.Debug("images without anchor appended", "count", len(images)-anchored)
	}
	return out
}

// fallbackAlt captions unanchored images in the section's language.
func (a *Assembler) fallbackAlt(frags []fragment) string {
	for _, f := range frags {
		if f.raw {
			continue
		}
		for _, r := range f.text {
			if unicode.Is(unicode.Han, r) {
				return "配图"
			}
		}
	}
	return "figure"
}

var (
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
	blankRun      = regexp.MustCompile(`\n{4,}`)
)

// CollapseBlankLines reduces any run of three or more blank lines to two
// and trims the result.
func CollapseBlankLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = trailingSpace.ReplaceAllString(s, "\n")
	s = blankRun.ReplaceAllString(s, "\n\n\n")
	return strings.TrimSpace(s)
}
