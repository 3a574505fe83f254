// Package segment splits a docpipe.Source into section skeletons: a heading,
// a level, a position range and the body elements that fall inside it.
//
// Two strategies exist. The outline strategy trusts the document's bookmark
// tree. The pattern strategy scans paragraphs for numbered headings
// ("2.3 Wiring") filtered by a configurable strictness. Auto picks outline
// whenever the source has one.
package segment

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hazyhaar/kbingest/docpipe"
)

// ErrNoOutline is returned when the outline strategy is requested for a
// source without bookmarks.
var ErrNoOutline = errors.New("segment: source has no outline")

// Mode selects the strategy.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeOutline Mode = "outline"
	ModePattern Mode = "pattern"
)

// Strictness controls how much evidence a numbered paragraph needs before
// it is accepted as a heading.
type Strictness string

const (
	// Permissive accepts any paragraph matching the number pattern.
	Permissive Strictness = "permissive"
	// Formatted additionally requires a heading style, or a short line that
	// is bold or set in a larger font than the body.
	Formatted Strictness = "format"
	// Styled requires a heading paragraph style.
	Styled Strictness = "style"
)

// DefaultHeadingPattern matches "3 Title", "2.1 Title" and "2.1. Title".
// Components are capped at three digits so years and quantities do not
// open sections.
const DefaultHeadingPattern = `^(\d{1,3}(?:\.\d{1,3})*)\.?\s+(\S.*)$`

// Config controls segmentation.
type Config struct {
	Mode            Mode       `json:"mode" yaml:"mode"`
	Strictness      Strictness `json:"strictness" yaml:"strictness"`
	MaxHeadingRunes int        `json:"max_heading_runes" yaml:"max_heading_runes"`
	LargeFontRatio  float64    `json:"large_font_ratio" yaml:"large_font_ratio"`
	HeadingPattern  string     `json:"heading_pattern" yaml:"heading_pattern"`

	// StyleHeadings lets a heading-styled paragraph without a number open
	// a section at its style level. Off by default: numbered manuals use
	// heading styles for callouts too.
	StyleHeadings bool `json:"style_headings" yaml:"style_headings"`

	// FallbackTitle names the single section produced when no heading is
	// found at all.
	FallbackTitle string `json:"-" yaml:"-"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.Strictness == "" {
		c.Strictness = Formatted
	}
	if c.MaxHeadingRunes <= 0 {
		c.MaxHeadingRunes = 60
	}
	if c.LargeFontRatio <= 0 {
		c.LargeFontRatio = 1.15
	}
	if c.HeadingPattern == "" {
		c.HeadingPattern = DefaultHeadingPattern
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks enum values and the heading pattern.
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeAuto, ModeOutline, ModePattern:
	default:
		return fmt.Errorf("segment: unknown mode %q", c.Mode)
	}
	switch c.Strictness {
	case "", Permissive, Formatted, Styled:
	default:
		return fmt.Errorf("segment: unknown strictness %q", c.Strictness)
	}
	if c.HeadingPattern != "" {
		re, err := regexp.Compile(c.HeadingPattern)
		if err != nil {
			return fmt.Errorf("segment: heading pattern: %w", err)
		}
		if re.NumSubexp() < 2 {
			return fmt.Errorf("segment: heading pattern needs two groups (number, title)")
		}
	}
	return nil
}

// Skeleton is a section before tables and images are merged in.
type Skeleton struct {
	Title  string
	Level  int // 0 for the implicit or fallback section
	Start  int
	End    int
	Blocks []docpipe.Element

	// Implicit marks a section no heading opened: the outline preamble or
	// the whole-document fallback.
	Implicit bool
}

// Result is the output of one segmentation.
type Result struct {
	Sections []Skeleton
	Mode     Mode // strategy actually used
	Fallback bool // no heading found, one unsectioned section returned

	// Discarded counts body elements before the first detected heading.
	Discarded int
}

// Segmenter produces skeletons for a source.
type Segmenter interface {
	Segment(src docpipe.Source) (*Result, error)
}

// New returns the segmenter selected by cfg.Mode.
func New(cfg Config) (Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.defaults()

	pattern, err := newPattern(cfg)
	if err != nil {
		return nil, err
	}
	outline := &Outline{Logger: cfg.Logger}

	switch cfg.Mode {
	case ModeOutline:
		return outline, nil
	case ModePattern:
		return pattern, nil
	}
	return &Auto{Outline: outline, Pattern: pattern}, nil
}

// Auto uses the outline when the source has one and the pattern strategy
// otherwise.
type Auto struct {
	Outline *Outline
	Pattern *Pattern
}

func (a *Auto) Segment(src docpipe.Source) (*Result, error) {
	if len(src.Outline()) > 0 {
		return a.Outline.Segment(src)
	}
	return a.Pattern.Segment(src)
}

// HeadingLevel returns the heading level carried by a paragraph style name,
// 0 when the style is not a heading. "Heading 2", "heading2", "Titre2",
// "Überschrift 3" and "标题 1" are recognised, plus Title and Subtitle.
func HeadingLevel(style string) int {
	lower := strings.ToLower(strings.Join(strings.Fields(style), ""))

	switch lower {
	case "title":
		return 1
	case "subtitle":
		return 2
	}

	for _, prefix := range []string{"heading", "titre", "überschrift", "标题"} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := lower[len(prefix):]
		if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '9' {
			return int(rest[0] - '0')
		}
	}
	return 0
}

// blocksIn returns the elements whose position lies in [start, end].
func blocksIn(elements []docpipe.Element, start, end int) []docpipe.Element {
	var out []docpipe.Element
	for _, el := range elements {
		if p := el.Pos(); p >= start && p <= end {
			out = append(out, el)
		}
	}
	return out
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
