package segment

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/kbingest/docpipe"
)

// Pattern segments by numbered heading detection. The first match wins:
// there is no confidence scoring, so Strictness is the only guard against
// numbered list items posing as headings.
type Pattern struct {
	Strictness      Strictness
	MaxHeadingRunes int
	LargeFontRatio  float64
	StyleHeadings   bool
	FallbackTitle   string
	Logger          *slog.Logger

	re *regexp.Regexp
}

func newPattern(cfg Config) (*Pattern, error) {
	re, err := regexp.Compile(cfg.HeadingPattern)
	if err != nil {
		return nil, fmt.Errorf("segment: heading pattern: %w", err)
	}
	return &Pattern{
		Strictness:      cfg.Strictness,
		MaxHeadingRunes: cfg.MaxHeadingRunes,
		LargeFontRatio:  cfg.LargeFontRatio,
		StyleHeadings:   cfg.StyleHeadings,
		FallbackTitle:   cfg.FallbackTitle,
		Logger:          cfg.Logger,
		re:              re,
	}, nil
}

// NewPattern returns a pattern segmenter with cfg's pattern settings.
func NewPattern(cfg Config) (*Pattern, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.defaults()
	return newPattern(cfg)
}

// heading is a detected heading paragraph.
type heading struct {
	level int
	title string
}

func (p *Pattern) Segment(src docpipe.Source) (*Result, error) {
	first, last := src.Positions()
	elements := src.Elements()
	base := src.BaseFontSize()
	res := &Result{Mode: ModePattern}

	var cur *Skeleton
	for _, el := range elements {
		if el.Kind == docpipe.ElemParagraph {
			if h, ok := p.detect(el.Paragraph, base); ok {
				if cur != nil {
					res.Sections = append(res.Sections, *cur)
				}
				cur = &Skeleton{Title: h.title, Level: h.level, Start: el.Pos()}
				continue
			}
		}
		if cur == nil {
			res.Discarded++
			continue
		}
		cur.Blocks = append(cur.Blocks, el)
	}
	if cur != nil {
		res.Sections = append(res.Sections, *cur)
	}

	if len(res.Sections) == 0 {
		p.logger().Warn("no heading found, keeping document as one section",
			"source", src.Path(), "strictness", p.Strictness)
		res.Fallback = true
		res.Discarded = 0
		res.Sections = []Skeleton{{
			Title:    p.FallbackTitle,
			Start:    first,
			End:      last,
			Blocks:   elements,
			Implicit: true,
		}}
		return res, nil
	}

	// Ranges: each section ends before the next heading's position. Page
	// positions can repeat, so a section never ends before it starts.
	for i := range res.Sections {
		end := last
		if i+1 < len(res.Sections) {
			end = res.Sections[i+1].Start - 1
		}
		res.Sections[i].End = max(end, res.Sections[i].Start)
	}
	if res.Discarded > 0 {
		p.logger().Debug("preamble before first heading discarded", "elements", res.Discarded)
	}
	return res, nil
}

// detect classifies one paragraph.
func (p *Pattern) detect(para *docpipe.Paragraph, base float64) (heading, bool) {
	text := strings.TrimSpace(para.Text)
	if text == "" || strings.Contains(text, "\n") {
		return heading{}, false
	}
	styleLevel := HeadingLevel(para.Style)

	m := p.re.FindStringSubmatch(text)
	if m == nil {
		// An unnumbered "Warning" styled Heading 3 is body text unless
		// style headings were asked for.
		if p.StyleHeadings && styleLevel > 0 {
			return heading{level: styleLevel, title: text}, true
		}
		return heading{}, false
	}

	h := heading{
		level: strings.Count(strings.TrimSuffix(m[1], "."), ".") + 1,
		title: strings.TrimSpace(m[2]),
	}

	switch p.Strictness {
	case Permissive:
		return h, true
	case Styled:
		return h, styleLevel > 0
	}

	if styleLevel > 0 {
		return h, true
	}
	if utf8.RuneCountInString(text) > p.MaxHeadingRunes {
		return heading{}, false
	}
	if para.Bold() {
		return h, true
	}
	if base > 0 && para.FontSize() >= base*p.LargeFontRatio {
		return h, true
	}
	return heading{}, false
}

func (p *Pattern) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
