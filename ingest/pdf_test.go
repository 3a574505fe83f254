package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: 120, B: uint8(y * 4), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// pdfPage is one page of a generated PDF: text lines top to bottom and
// whether it draws the shared figure.
type pdfPage struct {
	lines  []string
	figure bool
}

// buildPDF writes a minimal PDF 1.4 with Helvetica text, a two-level
// outline (title -> 1-based page) and the figure as two identical DCT
// image objects, the first drawn on the first figure page.
func buildPDF(t *testing.T, pages []pdfPage, outline []struct {
	title string
	page  int
}, figure []byte) []byte {
	t.Helper()
	const (
		catalogObj = 1
		pagesObj   = 2
		outlineObj = 3
		fontObj    = 4
		imgA       = 5
		imgB       = 6
		firstItem  = 7
	)
	firstPage := firstItem + len(outline)
	firstContent := firstPage + len(pages)
	objs := make([][]byte, firstContent+len(pages))

	put := func(nr int, body string) { objs[nr] = []byte(body) }
	stream := func(nr int, dict string, data []byte) {
		var b bytes.Buffer
		fmt.Fprintf(&b, "<< %s /Length %d >>\nstream\n", dict, len(data))
		b.Write(data)
		b.WriteString("\nendstream")
		objs[nr] = b.Bytes()
	}

	put(catalogObj, fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R /Outlines %d 0 R /PageMode /UseOutlines >>", pagesObj, outlineObj))
	var kids []string
	for i := range pages {
		kids = append(kids, fmt.Sprintf("%d 0 R", firstPage+i))
	}
	put(pagesObj, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))
	put(outlineObj, fmt.Sprintf("<< /Type /Outlines /First %d 0 R /Last %d 0 R /Count %d >>",
		firstItem, firstItem+len(outline)-1, len(outline)))
	for i, o := range outline {
		item := fmt.Sprintf("<< /Title (%s) /Parent %d 0 R /Dest [%d 0 R /Fit]", o.title, outlineObj, firstPage+o.page-1)
		if i > 0 {
			item += fmt.Sprintf(" /Prev %d 0 R", firstItem+i-1)
		}
		if i+1 < len(outline) {
			item += fmt.Sprintf(" /Next %d 0 R", firstItem+i+1)
		}
		put(firstItem+i, item+" >>")
	}

	widths := strings.TrimSpace(strings.Repeat("500 ", 95))
	put(fontObj, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding"+
		" /FirstChar 32 /LastChar 126 /Widths ["+widths+"] >>")
	imgDict := "/Type /XObject /Subtype /Image /Width 64 /Height 64 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode"
	stream(imgA, imgDict, figure)
	stream(imgB, imgDict, figure)

	figures := 0
	for i, pg := range pages {
		var c bytes.Buffer
		c.WriteString("BT\n/F1 12 Tf\n72 720 Td\n")
		for k, line := range pg.lines {
			if k > 0 {
				c.WriteString("0 -20 Td\n")
			}
			fmt.Fprintf(&c, "(%s) Tj\n", line)
		}
		c.WriteString("ET\n")
		res := fmt.Sprintf("/Font << /F1 %d 0 R >>", fontObj)
		if pg.figure {
			obj := imgA
			if figures > 0 {
				obj = imgB
			}
			figures++
			res += fmt.Sprintf(" /XObject << /Im1 %d 0 R >>", obj)
			c.WriteString("q\n64 0 0 64 72 500 cm\n/Im1 Do\nQ\n")
		}
		stream(firstContent+i, "", c.Bytes())
		put(firstPage+i, fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources << %s >> /Contents %d 0 R >>",
			pagesObj, res, firstContent+i))
	}

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")
	offsets := make([]int, len(objs))
	for nr := 1; nr < len(objs); nr++ {
		offsets[nr] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n", nr)
		out.Write(objs[nr])
		out.WriteString("\nendobj\n")
	}
	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n0000000000 65535 f \n", len(objs))
	for nr := 1; nr < len(objs); nr++ {
		fmt.Fprintf(&out, "%010d 00000 n \n", offsets[nr])
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root %d 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs), catalogObj, xref)
	return out.Bytes()
}

func TestExtract_PDFOutlineAndDuplicateFigure(t *testing.T) {
	dir := t.TempDir()
	pages := []pdfPage{
		{lines: []string{"Intro", "Welcome to the camera."}, figure: true},
		{lines: []string{"Charge the battery."}},
		{lines: []string{"Setup", "Pull the Iever to open."}},
		{lines: []string{"Mount the lens."}, figure: true},
		{lines: []string{"Power on."}},
	}
	outline := []struct {
		title string
		page  int
	}{{"Intro", 1}, {"Setup", 3}}
	path := filepath.Join(dir, "edge.pdf")
	if err := os.WriteFile(path, buildPDF(t, pages, outline, jpegBytes(t, 64, 64)), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.TextFixups = map[string]string{"Iever": "lever"}
	p, _ := testPipeline(t, cfg)
	res, err := p.Extract(context.Background(), path, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}

	if res.Format != "pdf" || res.Mode != "outline" || res.Fallback {
		t.Fatalf("format=%s mode=%s fallback=%v", res.Format, res.Mode, res.Fallback)
	}
	if len(res.Sections) != 2 {
		t.Fatalf("sections = %+v", res.Sections)
	}
	want := []struct {
		title      string
		start, end int
	}{{"Intro", 1, 2}, {"Setup", 3, 5}}
	for i, w := range want {
		s := res.Sections[i]
		if s.Title != w.title || s.PageStart != w.start || s.PageEnd != w.end {
			t.Errorf("section %d = %q [%d,%d], want %q [%d,%d]", i, s.Title, s.PageStart, s.PageEnd, w.title, w.start, w.end)
		}
	}

	intro, setup := res.Sections[0].Content, res.Sections[1].Content
	if !strings.Contains(intro, "Welcome to the camera.") || !strings.Contains(intro, "Charge the battery.") {
		t.Errorf("intro content = %q", intro)
	}
	if !strings.Contains(intro, "![") {
		t.Errorf("intro lost its figure: %q", intro)
	}
	if !strings.Contains(setup, "Pull the lever to open.") || strings.Contains(setup, "Iever") {
		t.Errorf("setup content = %q, want text fixups applied", setup)
	}
	if strings.Contains(setup, "![") {
		t.Errorf("duplicate figure placed again: %q", setup)
	}

	if res.Stats.Images != 1 || res.Stats.Duplicates != 1 || len(res.Images) != 1 {
		t.Errorf("images=%d duplicates=%d records=%d, want 1/1/1", res.Stats.Images, res.Stats.Duplicates, len(res.Images))
	}
	if res.Images[0].Pos != 1 {
		t.Errorf("kept figure on page %d, want 1", res.Images[0].Pos)
	}
}
