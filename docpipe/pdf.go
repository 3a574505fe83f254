package docpipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	lpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Layout tolerances in PDF user-space units (points).
const (
	lineTolerance  = 2.0  // glyphs within this Y distance share a line
	wordGapRatio   = 0.25 // gap > ratio*size inserts a space
	columnGapRatio = 2.0  // gap > ratio*size starts a new cell
	minTableRows   = 2
)

// openPDF reads the document structure with pdfcpu and its positioned text
// with ledongthuc/pdf. Pages ledongthuc cannot decode fall back to the
// pdfcpu content stream.
func openPDF(ctx context.Context, path string, opts Options) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	if pctx.PageCount == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	src := &source{
		format: FormatPDF,
		path:   path,
		kind:   PositionPage,
		first:  1,
		last:   pctx.PageCount,
	}

	src.outline = pdfOutline(pctx, opts.Logger)

	lines, err := pdfLines(path, pctx, opts.Logger)
	if err != nil {
		return nil, err
	}
	for _, page := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src.elements = append(src.elements, pageElements(page)...)
	}
	if fix := newTextFixer(opts.TextFixups); fix != nil {
		fix.elements(src.elements)
		for i := range src.outline {
			src.outline[i].Title = fix.Replace(src.outline[i].Title)
		}
	}
	src.baseSize = dominantSize(src.elements)

	src.images = pdfImageRefs(pctx, opts.Logger)
	return src, nil
}

// textFixer applies Options.TextFixups to extracted text.
type textFixer struct {
	*strings.Replacer
}

// newTextFixer returns nil for an empty map. Longer keys win over their
// prefixes so "ab" is replaced before "a".
func newTextFixer(fixups map[string]string) *textFixer {
	if len(fixups) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fixups))
	for k := range fixups {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, fixups[k])
	}
	return &textFixer{strings.NewReplacer(pairs...)}
}

func (f *textFixer) runs(runs []Run) {
	for i := range runs {
		runs[i].Text = f.Replace(runs[i].Text)
	}
}

func (f *textFixer) elements(els []Element) {
	for _, el := range els {
		switch el.Kind {
		case ElemParagraph:
			f.runs(el.Paragraph.Runs)
			el.Paragraph.Text = f.Replace(el.Paragraph.Text)
		case ElemTable:
			for _, row := range el.Table.Rows {
				for _, cell := range row {
					for _, para := range cell.Paragraphs {
						f.runs(para)
					}
				}
			}
		}
	}
}

// pdfOutline flattens the bookmark tree depth-first. Level is depth+1.
func pdfOutline(pctx *model.Context, logger *slog.Logger) []OutlineEntry {
	bms, err := pdfcpu.Bookmarks(pctx)
	if err != nil {
		logger.Debug("pdf has no usable outline", "error", err)
		return nil
	}
	var out []OutlineEntry
	var walk func([]pdfcpu.Bookmark, int)
	walk = func(list []pdfcpu.Bookmark, depth int) {
		for _, bm := range list {
			title := strings.TrimSpace(bm.Title)
			if title != "" && bm.PageFrom > 0 {
				out = append(out, OutlineEntry{Level: depth + 1, Title: title, Start: bm.PageFrom})
			}
			walk(bm.Kids, depth+1)
		}
	}
	walk(bms, 0)
	return out
}

// pdfImageRefs lists image XObjects page by page in object-number order.
// Bytes are extracted lazily, one page at a time.
func pdfImageRefs(pctx *model.Context, logger *slog.Logger) []ImageRef {
	cache := &pageImageCache{pctx: pctx, logger: logger}
	var refs []ImageRef
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		objNrs := pdfcpu.ImageObjNrs(pctx, pageNr)
		sort.Ints(objNrs)
		for _, objNr := range objNrs {
			page, obj := pageNr, objNr
			refs = append(refs, ImageRef{
				ID:   fmt.Sprintf("p%d-obj%d", page, obj),
				Pos:  page,
				Name: "obj" + strconv.Itoa(obj),
				Open: func() ([]byte, error) { return cache.get(page, obj) },
			})
		}
	}
	return refs
}

// pageImageCache keeps the decoded images of the most recent page.
type pageImageCache struct {
	pctx   *model.Context
	logger *slog.Logger
	page   int
	data   map[int][]byte
}

func (c *pageImageCache) get(page, objNr int) ([]byte, error) {
	if c.page != page || c.data == nil {
		imgs, err := pdfcpu.ExtractPageImages(c.pctx, page, false)
		if err != nil {
			return nil, fmt.Errorf("extract page %d images: %w", page, err)
		}
		c.page = page
		c.data = make(map[int][]byte, len(imgs))
		for key, img := range imgs {
			if img.Reader == nil {
				continue
			}
			b, err := io.ReadAll(img)
			if err != nil {
				c.logger.Warn("pdf image read failed", "page", page, "obj", key, "error", err)
				continue
			}
			nr := img.ObjNr
			if nr == 0 {
				nr = key
			}
			c.data[nr] = b
		}
	}
	b, ok := c.data[objNr]
	if !ok {
		return nil, fmt.Errorf("image object %d not extractable on page %d", objNr, page)
	}
	return b, nil
}

// pdfLine is one visual line, split into cells at wide gaps.
type pdfLine struct {
	Page  int
	Y     float64
	Cells [][]Run
}

func (l pdfLine) runs() []Run {
	var out []Run
	for i, c := range l.Cells {
		if i > 0 {
			out = append(out, Run{Text: " "})
		}
		out = append(out, c...)
	}
	return out
}

// pdfLines returns text lines grouped per page.
func pdfLines(path string, pctx *model.Context, logger *slog.Logger) ([][]pdfLine, error) {
	pages := make([][]pdfLine, pctx.PageCount)

	f, r, err := lpdf.Open(path)
	if err != nil {
		logger.Warn("positioned text unavailable, using content streams", "error", err)
		for i := range pages {
			pages[i] = streamLines(pctx, i+1)
		}
		return pages, nil
	}
	defer f.Close()

	n := r.NumPage()
	for i := range pages {
		pageNr := i + 1
		var lines []pdfLine
		var perr error
		if pageNr <= n {
			lines, perr = positionedLines(r, pageNr)
		}
		if perr != nil || len(lines) == 0 {
			if perr != nil {
				logger.Debug("page text fallback", "page", pageNr, "error", perr)
			}
			lines = streamLines(pctx, pageNr)
		}
		pages[i] = lines
	}
	return pages, nil
}

// positionedLines decodes one page. The reader panics on some malformed
// content streams, so the panic is turned into an error.
func positionedLines(r *lpdf.Reader, pageNr int) (lines []pdfLine, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page %d: %v", pageNr, rec)
		}
	}()
	p := r.Page(pageNr)
	if p.V.IsNull() {
		return nil, nil
	}
	return groupLines(pageNr, p.Content().Text), nil
}

// groupLines clusters glyphs into lines top to bottom, then splits each line
// into words and cells by horizontal gaps.
func groupLines(pageNr int, texts []lpdf.Text) []pdfLine {
	glyphs := make([]lpdf.Text, 0, len(texts))
	for _, t := range texts {
		if t.S == "" || t.S == "\n" {
			continue
		}
		glyphs = append(glyphs, t)
	}
	if len(glyphs) == 0 {
		return nil
	}
	sort.SliceStable(glyphs, func(i, j int) bool {
		if diff := glyphs[i].Y - glyphs[j].Y; diff > lineTolerance || diff < -lineTolerance {
			return glyphs[i].Y > glyphs[j].Y
		}
		return glyphs[i].X < glyphs[j].X
	})

	var lines []pdfLine
	start := 0
	for i := 1; i <= len(glyphs); i++ {
		if i < len(glyphs) && abs(glyphs[i].Y-glyphs[start].Y) <= lineTolerance {
			continue
		}
		row := append([]lpdf.Text(nil), glyphs[start:i]...)
		sort.SliceStable(row, func(a, b int) bool { return row[a].X < row[b].X })
		if line := buildLine(pageNr, row); len(line.Cells) > 0 {
			lines = append(lines, line)
		}
		start = i
	}
	return lines
}

func buildLine(pageNr int, row []lpdf.Text) pdfLine {
	line := pdfLine{Page: pageNr, Y: row[0].Y}
	var cell []Run
	var cur *Run
	prevEnd := row[0].X

	flushCell := func() {
		if cur != nil {
			cell = append(cell, *cur)
			cur = nil
		}
		if text := strings.TrimSpace(joinRuns(cell)); text != "" {
			line.Cells = append(line.Cells, trimRuns(cell))
		}
		cell = nil
	}

	for i, g := range row {
		size := g.FontSize
		if size <= 0 {
			size = 10
		}
		gap := g.X - prevEnd
		if i > 0 && gap > columnGapRatio*size {
			flushCell()
		} else if i > 0 && gap > wordGapRatio*size && cur != nil && !strings.HasSuffix(cur.Text, " ") {
			cur.Text += " "
		}
		bold := isBoldFont(g.Font)
		if cur == nil || cur.Bold != bold || cur.Size != g.FontSize {
			if cur != nil {
				cell = append(cell, *cur)
			}
			cur = &Run{Bold: bold, Size: g.FontSize}
		}
		cur.Text += g.S
		prevEnd = g.X + g.W
	}
	flushCell()
	return line
}

func trimRuns(runs []Run) []Run {
	out := append([]Run(nil), runs...)
	for len(out) > 0 && strings.TrimSpace(out[0].Text) == "" {
		out = out[1:]
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1].Text) == "" {
		out = out[:len(out)-1]
	}
	if len(out) > 0 {
		out[0].Text = strings.TrimLeftFunc(out[0].Text, unicode.IsSpace)
		last := len(out) - 1
		out[last].Text = strings.TrimRightFunc(out[last].Text, unicode.IsSpace)
	}
	return out
}

var boldFontRe = regexp.MustCompile(`(?i)(bold|black|heavy|semibold|demi|,b$|-b$)`)

func isBoldFont(name string) bool {
	return boldFontRe.MatchString(name)
}

// pageElements turns lines into paragraphs, folding runs of multi-cell lines
// into one table grid.
func pageElements(lines []pdfLine) []Element {
	var out []Element
	for i := 0; i < len(lines); {
		j := i
		for j < len(lines) && len(lines[j].Cells) >= 2 {
			j++
		}
		if j-i >= minTableRows {
			t := &Table{Pos: lines[i].Page}
			for _, l := range lines[i:j] {
				row := make([]Cell, len(l.Cells))
				for c, runs := range l.Cells {
					row[c] = Cell{Paragraphs: [][]Run{runs}}
				}
				t.Rows = append(t.Rows, row)
			}
			out = append(out, Element{Kind: ElemTable, Table: t})
			i = j
			continue
		}
		l := lines[i]
		runs := l.runs()
		out = append(out, Element{Kind: ElemParagraph, Paragraph: &Paragraph{
			Pos:  l.Page,
			Text: strings.TrimSpace(joinRuns(runs)),
			Runs: runs,
		}})
		i++
	}
	return out
}

// streamLines extracts a page's text straight from its content stream via
// pdfcpu. No font information survives, only line structure.
func streamLines(pctx *model.Context, pageNr int) []pdfLine {
	r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
	if err != nil || r == nil {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return nil
	}
	var lines []pdfLine
	for _, text := range strings.Split(extractTextFromStream(data), "\n") {
		text = cleanPDFLine(text)
		if text == "" {
			continue
		}
		lines = append(lines, pdfLine{Page: pageNr, Cells: [][]Run{{{Text: text}}}})
	}
	return lines
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// extractTextFromStream reads Tj, TJ and ' operators, starting a new line on
// T*, Td and TD.
func extractTextFromStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")), bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// decodePDFString handles the literal-string escapes of PDF 32000 7.3.4.2.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] < '0' || raw[i] > '7' {
				sb.WriteByte(raw[i])
				continue
			}
			val := int(raw[i] - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		}
	}
	return sb.String()
}

// cleanPDFLine collapses whitespace and drops non-printable runes.
func cleanPDFLine(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
