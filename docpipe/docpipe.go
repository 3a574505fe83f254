// Package docpipe opens source documents behind a single Source interface.
//
// Supported formats:
//   - .pdf   pdfcpu for structure (outline, images, page count) and
//     ledongthuc/pdf for positioned text (fonts, sizes, table grids)
//   - .docx  archive/zip + encoding/xml over word/document.xml
//   - .md    goldmark AST (headings, paragraphs, GFM tables, images)
//   - .html  hidden nodes stripped, then html-to-markdown into the .md path
//
// Usage:
//
//	src, err := docpipe.Open(ctx, "/path/to/manual.pdf", docpipe.Options{})
//	defer src.Close()
//	for _, el := range src.Elements() { ... }
package docpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedFormat is returned by Detect and Open for unknown inputs.
var ErrUnsupportedFormat = errors.New("docpipe: unsupported format")

// Options configures Open.
type Options struct {
	// MaxFileSize is the largest file accepted (default: 200 MB).
	MaxFileSize int64 `json:"max_file_size" yaml:"max_file_size"`

	// MaxXMLDepth bounds element nesting in DOCX parts (default: 256).
	MaxXMLDepth int `json:"max_xml_depth" yaml:"max_xml_depth"`

	// TextFixups replaces mis-mapped glyphs in PDF text ("弼" -> "当"), for
	// manuals whose embedded fonts carry a broken ToUnicode table.
	TextFixups map[string]string `json:"text_fixups" yaml:"text_fixups"`

	// ImageRoot confines local Markdown and HTML image references. Empty
	// means the document's own directory.
	ImageRoot string `json:"-" yaml:"-"`

	// Logger for per-page and per-part diagnostics.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (o *Options) defaults() {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 200 * 1024 * 1024
	}
	if o.MaxXMLDepth <= 0 {
		o.MaxXMLDepth = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Detect returns the format of path. The extension decides for zip-based
// containers; content sniffing confirms PDF and catches mislabelled files.
func Detect(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	byExt, extOK := formatForExt(ext)

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		if extOK {
			return byExt, nil
		}
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	switch {
	case mt.Is("application/pdf"):
		return FormatPDF, nil
	case mt.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"):
		return FormatDocx, nil
	case mt.Is("text/html"):
		if byExt == FormatMD {
			// Markdown with inline HTML sniffs as HTML.
			return FormatMD, nil
		}
		return FormatHTML, nil
	case mt.Is("application/zip"):
		if byExt == FormatDocx {
			return FormatDocx, nil
		}
	case strings.HasPrefix(mt.String(), "text/"):
		if extOK && byExt != FormatPDF && byExt != FormatDocx {
			return byExt, nil
		}
	}
	if extOK && byExt != FormatPDF {
		return byExt, nil
	}
	return "", fmt.Errorf("%w: %q (%s)", ErrUnsupportedFormat, ext, mt.String())
}

func formatForExt(ext string) (Format, bool) {
	switch ext {
	case ".pdf":
		return FormatPDF, true
	case ".docx":
		return FormatDocx, true
	case ".md", ".markdown":
		return FormatMD, true
	case ".html", ".htm":
		return FormatHTML, true
	}
	return "", false
}

// SupportedFormats returns all supported format names.
func SupportedFormats() []string {
	return []string{string(FormatPDF), string(FormatDocx), string(FormatMD), string(FormatHTML)}
}

// Open detects the format of path and opens it.
func Open(ctx context.Context, path string, opts Options) (Source, error) {
	opts.defaults()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > opts.MaxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), opts.MaxFileSize)
	}

	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts.Logger.Debug("opening document", "path", path, "format", format, "bytes", info.Size())

	var src Source
	switch format {
	case FormatPDF:
		src, err = openPDF(ctx, path, opts)
	case FormatDocx:
		src, err = openDocx(path, opts)
	case FormatMD:
		src, err = openMarkdown(path, opts)
	case FormatHTML:
		src, err = openHTML(path, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s (%s): %w", path, format, err)
	}
	return src, nil
}

// source carries what every adapter shares.
type source struct {
	format   Format
	path     string
	kind     PositionKind
	first    int
	last     int
	elements []Element
	images   []ImageRef
	outline  []OutlineEntry
	baseSize float64
	closeFn  func() error
}

func (s *source) Format() Format             { return s.format }
func (s *source) Path() string               { return s.path }
func (s *source) PositionKind() PositionKind { return s.kind }
func (s *source) Positions() (int, int)      { return s.first, s.last }
func (s *source) Elements() []Element        { return s.elements }
func (s *source) Images() []ImageRef         { return s.images }
func (s *source) Outline() []OutlineEntry    { return s.outline }
func (s *source) BaseFontSize() float64      { return s.baseSize }

func (s *source) Close() error {
	if s.closeFn == nil {
		return nil
	}
	fn := s.closeFn
	s.closeFn = nil
	return fn()
}

// dominantSize returns the font size carrying the most characters, which is
// the body size in practice. Sizes are bucketed to half points.
func dominantSize(elements []Element) float64 {
	weights := map[float64]int{}
	for _, el := range elements {
		if el.Kind != ElemParagraph {
			continue
		}
		for _, r := range el.Paragraph.Runs {
			if r.Size <= 0 {
				continue
			}
			weights[math.Round(r.Size*2)/2] += len([]rune(strings.TrimSpace(r.Text)))
		}
	}
	if len(weights) == 0 {
		return 0
	}
	sizes := make([]float64, 0, len(weights))
	for s := range weights {
		sizes = append(sizes, s)
	}
	sort.Float64s(sizes)
	best := sizes[0]
	for _, s := range sizes {
		if weights[s] > weights[best] {
			best = s
		}
	}
	return best
}

// joinRuns concatenates run texts.
func joinRuns(runs []Run) string {
	var sb strings.Builder
	for _, r := range runs {
		sb.WriteString(r.Text)
	}
	return sb.String()
}
