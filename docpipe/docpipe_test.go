package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lpdf "github.com/ledongthuc/pdf"
)

// writeZip writes name->content entries into a new archive at path.
func writeZip(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)
	for name, data := range entries {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const testDocumentXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"
  xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main"
  xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
<w:body>
<w:p><w:pPr><w:pStyle w:val="2"/><w:rPr><w:b/></w:rPr></w:pPr><w:r><w:t>1.1 Power supply</w:t></w:r></w:p>
<w:p><w:r><w:rPr><w:b/><w:sz w:val="28"/></w:rPr><w:t>Warning:</w:t></w:r><w:r><w:rPr><w:sz w:val="21"/></w:rPr><w:t xml:space="preserve"> use the bundled adapter.</w:t></w:r></w:p>
<w:p><w:r><w:t>如图所示：</w:t></w:r><w:r><w:drawing><a:graphic><a:graphicData><a:blip r:embed="rId5"/></a:graphicData></a:graphic></w:drawing></w:r></w:p>
<w:p></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>Port</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Voltage</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>DC</w:t></w:r></w:p><w:p><w:r><w:rPr><w:i/></w:rPr><w:t>rear</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>12V</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
</w:body>
</w:document>`

const testStylesXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:styles xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:style w:type="paragraph" w:styleId="2"><w:name w:val="heading 2"/></w:style>
</w:styles>`

const testRelsXML = `<?xml version="1.0" encoding="UTF-8"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId5" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/image1.png"/>
<Relationship Id="rId9" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/hyperlink" Target="https://example.com" TargetMode="External"/>
</Relationships>`

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"a.md":   []byte("# Title\n\nbody\n"),
		"b.html": []byte("<!DOCTYPE html><html><body><h1>x</h1></body></html>"),
		"c.pdf":  []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n"),
	}
	for name, data := range files {
		os.WriteFile(filepath.Join(dir, name), data, 0o644)
	}
	docx := filepath.Join(dir, "d.docx")
	writeZip(t, docx, map[string][]byte{"word/document.xml": []byte(testDocumentXML)})

	tests := []struct {
		name string
		want Format
	}{
		{"a.md", FormatMD},
		{"b.html", FormatHTML},
		{"c.pdf", FormatPDF},
		{"d.docx", FormatDocx},
	}
	for _, tt := range tests {
		got, err := Detect(filepath.Join(dir, tt.name))
		if err != nil {
			t.Errorf("Detect(%q): %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Detect(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}

	os.WriteFile(filepath.Join(dir, "e.xyz"), []byte{0x00, 0x01, 0x02}, 0o644)
	if _, err := Detect(filepath.Join(dir, "e.xyz")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestOpen_Missing(t *testing.T) {
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "nope.pdf"), Options{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestOpenDocx(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manual.docx")
	writeZip(t, path, map[string][]byte{
		"word/document.xml":            []byte(testDocumentXML),
		"word/styles.xml":              []byte(testStylesXML),
		"word/_rels/document.xml.rels": []byte(testRelsXML),
		"word/media/image1.png":        pngBytes(t, 80, 60),
	})

	src, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if src.Format() != FormatDocx || src.PositionKind() != PositionParagraph {
		t.Fatalf("format/kind = %s/%s", src.Format(), src.PositionKind())
	}
	els := src.Elements()
	if len(els) != 4 {
		t.Fatalf("expected 4 elements (3 paragraphs + table, empty paragraph skipped), got %d", len(els))
	}
	first, last := src.Positions()
	if first != 0 || last != 3 {
		t.Fatalf("positions = %d..%d, want 0..3", first, last)
	}

	heading := els[0].Paragraph
	if heading.Style != "heading 2" {
		t.Errorf("style = %q, want resolved name 'heading 2'", heading.Style)
	}
	if heading.Bold() {
		t.Error("paragraph-mark bold must not mark runs bold")
	}

	warn := els[1].Paragraph
	if len(warn.Runs) != 2 || !warn.Runs[0].Bold || warn.Runs[0].Size != 14 {
		t.Fatalf("runs = %+v", warn.Runs)
	}
	if warn.Text != "Warning: use the bundled adapter." {
		t.Errorf("text = %q", warn.Text)
	}
	if warn.FontSize() != 14 {
		t.Errorf("font size = %v, want 14", warn.FontSize())
	}

	fig := els[2].Paragraph
	if len(fig.ImageRefs) != 1 {
		t.Fatalf("image refs = %v", fig.ImageRefs)
	}

	tbl := els[3].Table
	if els[3].Kind != ElemTable || len(tbl.Rows) != 2 {
		t.Fatalf("table = %+v", els[3])
	}
	cell := tbl.Rows[1][0]
	if len(cell.Paragraphs) != 2 || !cell.Paragraphs[1][0].Italic {
		t.Fatalf("cell = %+v", cell)
	}
	if cell.Text() != "DC\nrear" {
		t.Errorf("cell text = %q", cell.Text())
	}

	imgs := src.Images()
	if len(imgs) != 1 {
		t.Fatalf("images = %d, want 1", len(imgs))
	}
	if imgs[0].Pos != 2 || !imgs[0].Inline || imgs[0].ID != fig.ImageRefs[0] {
		t.Fatalf("image ref = %+v", imgs[0])
	}
	data, err := imgs[0].Open()
	if err != nil || !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("image open: %v (%d bytes)", err, len(data))
	}
}

func TestDocx_TextBoxKeepsEnclosingParagraph(t *testing.T) {
	const doc = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"
  xmlns:mc="http://schemas.openxmlformats.org/markup-compatibility/2006"
  xmlns:wps="http://schemas.microsoft.com/office/word/2010/wordprocessingShape"
  xmlns:v="urn:schemas-microsoft-com:vml">
<w:body>
<w:p>
<w:r><w:t xml:space="preserve">Connect the cable first.</w:t></w:r>
<w:r><mc:AlternateContent>
<mc:Choice Requires="wps"><w:drawing><wps:wsp><wps:txbx><w:txbxContent>
<w:p><w:r><w:rPr><w:b/></w:rPr><w:t>Callout</w:t></w:r></w:p>
</w:txbxContent></wps:txbx></wps:wsp></w:drawing></mc:Choice>
<mc:Fallback><w:pict><v:shape><v:textbox><w:txbxContent>
<w:p><w:r><w:t>Callout</w:t></w:r></w:p>
</w:txbxContent></v:textbox></v:shape></w:pict></mc:Fallback>
</mc:AlternateContent></w:r>
<w:r><w:t xml:space="preserve"> Then power on.</w:t></w:r>
</w:p>
<w:p><w:r><w:t>Next step.</w:t></w:r></w:p>
</w:body>
</w:document>`
	path := filepath.Join(t.TempDir(), "textbox.docx")
	writeZip(t, path, map[string][]byte{"word/document.xml": []byte(doc)})

	src, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	var got []string
	for _, el := range src.Elements() {
		got = append(got, el.Paragraph.Text)
	}
	want := []string{"Connect the cable first. Then power on.", "Callout", "Next step."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("paragraphs = %q, want %q", got, want)
	}
	if box := src.Elements()[1].Paragraph; box.Pos != 1 || !box.Bold() {
		t.Errorf("text box paragraph = %+v", box)
	}
}

func TestDocx_XMLBomb(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bomb.docx")

	var xmlB strings.Builder
	xmlB.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	xmlB.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for i := 0; i < 300; i++ {
		xmlB.WriteString("<w:p>")
	}
	xmlB.WriteString("<w:r><w:t>deep</w:t></w:r>")
	for i := 0; i < 300; i++ {
		xmlB.WriteString("</w:p>")
	}
	xmlB.WriteString("</w:body></w:document>")
	writeZip(t, path, map[string][]byte{"word/document.xml": []byte(xmlB.String())})

	_, err := Open(context.Background(), path, Options{})
	if err == nil {
		t.Fatal("expected error for deeply nested XML")
	}
	if !strings.Contains(err.Error(), "nesting depth") {
		t.Errorf("expected 'nesting depth' error, got: %v", err)
	}
}

func TestOpenMarkdown(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "fig.png"), pngBytes(t, 64, 64), 0o644)
	content := `# Camera Guide

Intro with **bold** and *italic*.

## 2.1 Recording

See figure: ![diagram](fig.png)

![remote](https://example.com/x.png)

| Mode | FPS |
| --- | --- |
| 6K | 50 |

- first item
- second item
`
	path := filepath.Join(dir, "guide.md")
	os.WriteFile(path, []byte(content), 0o644)

	src, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	els := src.Elements()

	var headings []string
	var tables, lists int
	for _, el := range els {
		switch {
		case el.Kind == ElemTable:
			tables++
			if len(el.Table.Rows) != 2 || el.Table.Rows[1][0].Text() != "6K" {
				t.Errorf("table rows = %+v", el.Table.Rows)
			}
		case strings.HasPrefix(el.Paragraph.Style, "Heading"):
			headings = append(headings, el.Paragraph.Style+":"+el.Paragraph.Text)
		case strings.HasPrefix(el.Paragraph.Text, "- first"):
			lists++
		}
	}
	if strings.Join(headings, "|") != "Heading 1:Camera Guide|Heading 2:2.1 Recording" {
		t.Errorf("headings = %v", headings)
	}
	if tables != 1 || lists != 1 {
		t.Errorf("tables=%d lists=%d", tables, lists)
	}

	intro := els[1].Paragraph
	var boldSeen, italicSeen bool
	for _, r := range intro.Runs {
		boldSeen = boldSeen || (r.Bold && r.Text == "bold")
		italicSeen = italicSeen || (r.Italic && r.Text == "italic")
	}
	if !boldSeen || !italicSeen {
		t.Errorf("emphasis lost: %+v", intro.Runs)
	}

	imgs := src.Images()
	if len(imgs) != 1 {
		t.Fatalf("expected only the local image, got %d", len(imgs))
	}
	if _, err := imgs[0].Open(); err != nil {
		t.Fatalf("open local image: %v", err)
	}
}

func TestMarkdown_LinkRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.md")
	os.WriteFile(path, []byte("See the [**quick** guide](https://example.com/q) or <https://kb.example.com>.\n"), 0o644)

	src, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	p := src.Elements()[0].Paragraph
	if p.Text != "See the quick guide or https://kb.example.com." {
		t.Errorf("text = %q", p.Text)
	}
	var linked []string
	for _, r := range p.Runs {
		if r.Link != "" {
			linked = append(linked, r.Text+"->"+r.Link)
		}
	}
	want := "quick->https://example.com/q| guide->https://example.com/q|https://kb.example.com->https://kb.example.com"
	if strings.Join(linked, "|") != want {
		t.Errorf("linked runs = %q", linked)
	}
	if !p.Runs[1].Bold {
		t.Errorf("emphasis inside link lost: %+v", p.Runs[1])
	}
}

func TestMarkdown_ImagesConfined(t *testing.T) {
	root := t.TempDir()
	docs := filepath.Join(root, "docs")
	os.MkdirAll(filepath.Join(docs, "img"), 0o755)
	os.WriteFile(filepath.Join(docs, "img", "in.png"), pngBytes(t, 60, 60), 0o644)
	os.WriteFile(filepath.Join(root, "shared.png"), pngBytes(t, 60, 60), 0o644)
	secret := filepath.Join(t.TempDir(), "secret.png")
	os.WriteFile(secret, pngBytes(t, 60, 60), 0o644)

	path := filepath.Join(docs, "guide.md")
	os.WriteFile(path, []byte("![a](img/in.png)\n\n![b](../shared.png)\n\n![c]("+filepath.ToSlash(secret)+")\n\n![d](../../../../etc/passwd)\n"), 0o644)

	tests := []struct {
		name string
		root string
		want []string
	}{
		{"document dir", "", []string{"img/in.png"}},
		{"source root", root, []string{"img/in.png", "../shared.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := Open(context.Background(), path, Options{ImageRoot: tt.root})
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, img := range src.Images() {
				got = append(got, img.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("images = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTextFixer(t *testing.T) {
	fix := newTextFixer(map[string]string{"弼": "当", "丌": "不", "返": "这", "返回": "返回"})
	els := []Element{
		{Kind: ElemParagraph, Paragraph: &Paragraph{Text: "弼电量丌足时返回", Runs: []Run{{Text: "弼电量丌足时"}, {Text: "返回"}}}},
		{Kind: ElemTable, Table: &Table{Rows: [][]Cell{{TextCell("返是")}}}},
	}
	fix.elements(els)

	p := els[0].Paragraph
	if p.Text != "当电量不足时返回" || p.Runs[0].Text != "当电量不足时" || p.Runs[1].Text != "返回" {
		t.Errorf("paragraph = %q runs = %+v", p.Text, p.Runs)
	}
	if got := els[1].Table.Rows[0][0].Text(); got != "这是" {
		t.Errorf("cell = %q", got)
	}
	if newTextFixer(nil) != nil {
		t.Error("empty map should disable fixing")
	}
}

func TestOpenHTML_StripsHidden(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.html")
	os.WriteFile(path, []byte(`<html><head><style>p{}</style></head><body>
<h2>3 Maintenance</h2>
<p>Clean the sensor.</p>
<p style="display:none">secret text</p>
<div hidden>also hidden</div>
<script>alert(1)</script>
</body></html>`), 0o644)

	src, err := Open(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	var all []string
	for _, el := range src.Elements() {
		if el.Kind == ElemParagraph {
			all = append(all, el.Paragraph.Text)
		}
	}
	joined := strings.Join(all, "\n")
	if !strings.Contains(joined, "Clean the sensor.") {
		t.Errorf("visible text lost: %q", joined)
	}
	for _, bad := range []string{"secret", "also hidden", "alert"} {
		if strings.Contains(joined, bad) {
			t.Errorf("hidden content %q leaked: %q", bad, joined)
		}
	}
	if src.Elements()[0].Paragraph.Style != "Heading 2" {
		t.Errorf("first element = %+v", src.Elements()[0].Paragraph)
	}
}

func glyphs(y float64, font string, size float64, words ...string) []lpdf.Text {
	var out []lpdf.Text
	x := 50.0
	for _, w := range words {
		if w == "|" {
			x += 60
			continue
		}
		for _, r := range w {
			out = append(out, lpdf.Text{Font: font, FontSize: size, X: x, Y: y, W: size * 0.5, S: string(r)})
			x += size * 0.5
		}
		x += size * 0.4
	}
	return out
}

func TestGroupLines_AndTables(t *testing.T) {
	var texts []lpdf.Text
	texts = append(texts, glyphs(700, "Helvetica-Bold", 16, "2.1", "Setup")...)
	texts = append(texts, glyphs(680, "Helvetica", 10, "Plug", "in.")...)
	texts = append(texts, glyphs(660, "Helvetica", 10, "Port", "|", "Volt")...)
	texts = append(texts, glyphs(648, "Helvetica", 10, "DC", "|", "12V")...)
	// Baseline jitter within tolerance stays on one line.
	tail := glyphs(630.8, "Helvetica", 10, "End")
	tail[1].Y += 1.2
	texts = append(texts, tail...)

	lines := groupLines(4, texts)
	if len(lines) != 5 {
		t.Fatalf("lines = %d, want 5", len(lines))
	}
	if got := joinRuns(lines[0].runs()); got != "2.1 Setup" {
		t.Errorf("line 0 = %q", got)
	}
	if !lines[0].Cells[0][0].Bold || lines[0].Cells[0][0].Size != 16 {
		t.Errorf("heading run = %+v", lines[0].Cells[0][0])
	}

	els := pageElements(lines)
	if len(els) != 4 {
		t.Fatalf("elements = %d, want heading, body, table, tail", len(els))
	}
	if els[2].Kind != ElemTable || len(els[2].Table.Rows) != 2 || els[2].Table.Pos != 4 {
		t.Fatalf("table = %+v", els[2])
	}
	if els[2].Table.Rows[1][1].Text() != "12V" {
		t.Errorf("cell = %q", els[2].Table.Rows[1][1].Text())
	}
}

func TestExtractTextFromStream(t *testing.T) {
	stream := []byte("BT\n/F1 12 Tf\n(Chapter 1) Tj\n0 -14 Td\n[(Intro) -250 (text)] TJ\nT*\n(caf\\351) Tj\nET\n")
	var lines []string
	for _, l := range strings.Split(extractTextFromStream(stream), "\n") {
		if l = cleanPDFLine(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) != 3 || lines[0] != "Chapter 1" || lines[1] != "Introtext" {
		t.Fatalf("lines = %q", lines)
	}
}

func TestDominantSize(t *testing.T) {
	els := []Element{
		{Kind: ElemParagraph, Paragraph: &Paragraph{Runs: []Run{{Text: "Title", Size: 18}}}},
		{Kind: ElemParagraph, Paragraph: &Paragraph{Runs: []Run{{Text: "long body text here", Size: 10.5}}}},
		{Kind: ElemParagraph, Paragraph: &Paragraph{Runs: []Run{{Text: "more body", Size: 10.4}}}},
	}
	if got := dominantSize(els); got != 10.5 {
		t.Fatalf("dominantSize = %v, want 10.5", got)
	}
}

func TestIsBoldFont(t *testing.T) {
	for name, want := range map[string]bool{
		"ABCDEF+Helvetica-Bold": true,
		"SimHei":                false,
		"Arial,Bold":            true,
		"MicrosoftYaHei-Heavy":  true,
		"TimesNewRoman":         false,
	} {
		if got := isBoldFont(name); got != want {
			t.Errorf("isBoldFont(%q) = %v, want %v", name, got, want)
		}
	}
}
