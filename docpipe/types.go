package docpipe

import "strings"

// Format identifies a source document type.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
	FormatMD   Format = "md"
	FormatHTML Format = "html"
)

// PositionKind says what a position number counts.
type PositionKind string

const (
	PositionPage      PositionKind = "page"      // 1-based PDF page
	PositionParagraph PositionKind = "paragraph" // 0-based body element index
)

// Run is a span of text sharing one formatting.
type Run struct {
	Text   string  `json:"text"`
	Bold   bool    `json:"bold,omitempty"`
	Italic bool    `json:"italic,omitempty"`
	Size   float64 `json:"size,omitempty"` // points; 0 when unknown
	Link   string  `json:"link,omitempty"` // hyperlink target, Markdown and HTML only
}

// Paragraph is one block of body text.
type Paragraph struct {
	Pos       int      `json:"pos"`
	Text      string   `json:"text"`
	Style     string   `json:"style,omitempty"` // resolved style name, e.g. "Heading 2"
	Runs      []Run    `json:"runs,omitempty"`
	ImageRefs []string `json:"image_refs,omitempty"` // ImageRef.ID values anchored here
}

// Bold reports whether every non-blank run is bold.
func (p *Paragraph) Bold() bool {
	seen := false
	for _, r := range p.Runs {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		if !r.Bold {
			return false
		}
		seen = true
	}
	return seen
}

// FontSize returns the largest run size, 0 when no run carries one.
func (p *Paragraph) FontSize() float64 {
	var max float64
	for _, r := range p.Runs {
		if r.Size > max && strings.TrimSpace(r.Text) != "" {
			max = r.Size
		}
	}
	return max
}

// Cell is one table cell: a sequence of paragraphs, each a sequence of runs.
type Cell struct {
	Paragraphs [][]Run `json:"paragraphs"`
}

// TextCell builds a single-paragraph plain cell.
func TextCell(s string) Cell {
	if s == "" {
		return Cell{}
	}
	return Cell{Paragraphs: [][]Run{{{Text: s}}}}
}

// Text returns the cell's plain text, paragraphs joined by newlines.
func (c Cell) Text() string {
	parts := make([]string, 0, len(c.Paragraphs))
	for _, p := range c.Paragraphs {
		var sb strings.Builder
		for _, r := range p {
			sb.WriteString(r.Text)
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "\n")
}

// Table is a grid of cells anchored at a position.
type Table struct {
	Pos  int      `json:"pos"`
	Rows [][]Cell `json:"rows"`
}

// ElementKind distinguishes body elements.
type ElementKind int

const (
	ElemParagraph ElementKind = iota
	ElemTable
)

// Element is one body element in document order.
type Element struct {
	Kind      ElementKind
	Paragraph *Paragraph
	Table     *Table
}

// Pos returns the element's position.
func (e Element) Pos() int {
	if e.Kind == ElemTable {
		return e.Table.Pos
	}
	return e.Paragraph.Pos
}

// OutlineEntry is one bookmark: a heading and the position it starts at.
type OutlineEntry struct {
	Level int    `json:"level"`
	Title string `json:"title"`
	Start int    `json:"start"`
}

// ImageRef is an embedded image not yet read.
type ImageRef struct {
	ID     string // unique within the source (rId, object number, path)
	Pos    int
	Name   string // original name inside the container, for logs
	Inline bool   // anchored to an exact paragraph rather than a page
	Open   func() ([]byte, error)
}

// Source is an opened document. Implementations are not safe for concurrent
// use; a Source lives for one pipeline run.
type Source interface {
	Format() Format
	Path() string
	PositionKind() PositionKind
	// Positions returns the first and last position; last < first when empty.
	Positions() (first, last int)
	Elements() []Element
	Images() []ImageRef
	Outline() []OutlineEntry
	// BaseFontSize is the dominant body font size, 0 when unknown.
	BaseFontSize() float64
	Close() error
}
