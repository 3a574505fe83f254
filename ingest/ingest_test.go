package ingest

import (
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

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/kbingest/dbopen"
	"github.com/hazyhaar/kbingest/docpipe"
	"github.com/hazyhaar/kbingest/idgen"
	"github.com/hazyhaar/kbingest/imgextract"
	"github.com/hazyhaar/kbingest/kbstore"
	"github.com/hazyhaar/kbingest/segment"
)

const manualMD = `# 1 Overview

The camera records 6K.

# 2 Power

如图所示：

![](fig.png)

| Port | Voltage |
| --- | --- |
| DC | 12V |
`

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 3), G: uint8(y * 3), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// writeManual writes manual.md and its figure into dir.
func writeManual(t *testing.T, dir string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "fig.png"), pngBytes(t, 64, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "manual.md")
	if err := os.WriteFile(path, []byte(manualMD), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Images.Format = imgextract.FormatPNG
	return cfg
}

func testPipeline(t *testing.T, cfg *Config, opts ...Option) (*Pipeline, *kbstore.Store) {
	t.Helper()
	store, err := kbstore.New(context.Background(), dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	if cfg == nil {
		cfg = testConfig()
	}
	opts = append([]Option{
		WithStore(store),
		WithWriterOptions(kbstore.WithIDGenerator(idgen.Sequence("art"))),
	}, opts...)
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return p, store
}

func TestExtract_Markdown(t *testing.T) {
	dir := t.TempDir()
	src := writeManual(t, dir)
	p, _ := testPipeline(t, nil)

	res, err := p.Extract(context.Background(), src, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Mode != string(segment.ModePattern) || res.Format != string(docpipe.FormatMD) {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Sections) != 2 || len(res.Images) != 1 {
		t.Fatalf("sections=%d images=%d", len(res.Sections), len(res.Images))
	}
	if res.Stats.Sections != 2 || res.Stats.Images != 1 || res.Stats.Tables != 1 || res.Stats.Skipped != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}

	first := res.Sections[0]
	if first.Title != "Overview" || first.Level != 1 || first.Content != "The camera records 6K." {
		t.Errorf("first = %+v", first)
	}
	if first.PageStart != 0 || first.PageEnd != 1 {
		t.Errorf("first range = %d..%d", first.PageStart, first.PageEnd)
	}

	img := res.Images[0]
	want := "如图所示：\n\n![配图](" + img.URL + ")\n\n| Port | Voltage |\n| --- | --- |\n| DC | 12V |"
	if got := res.Sections[1].Content; got != want {
		t.Errorf("power content =\n%s\nwant\n%s", got, want)
	}
	if _, err := os.Stat(img.Path); err != nil {
		t.Errorf("image not written: %v", err)
	}
	if !strings.HasPrefix(img.URL, "/uploads/images/") || !strings.HasSuffix(img.URL, ".png") {
		t.Errorf("url = %s", img.URL)
	}
}

func TestExtract_Errors(t *testing.T) {
	dir := t.TempDir()
	p, _ := testPipeline(t, nil)
	ctx := context.Background()

	_, err := p.Extract(ctx, filepath.Join(dir, "missing.pdf"), dir)
	if !errors.Is(err, ErrSourceUnreadable) {
		t.Errorf("missing: err = %v, want ErrSourceUnreadable", err)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Op != "extract" {
		t.Errorf("missing: not a typed *Error: %v", err)
	}

	junk := filepath.Join(dir, "blob.xyz")
	os.WriteFile(junk, []byte{0x00, 0x01, 0x02, 0x03}, 0o644)
	_, err = p.Extract(ctx, junk, dir)
	if !errors.Is(err, ErrSourceUnreadable) || !errors.Is(err, docpipe.ErrUnsupportedFormat) {
		t.Errorf("unsupported: err = %v", err)
	}

	cfg := testConfig()
	cfg.Segment.Mode = segment.ModeOutline
	strict, _ := testPipeline(t, cfg)
	_, err = strict.Extract(ctx, writeManual(t, dir), filepath.Join(dir, "out"))
	if !errors.Is(err, ErrNoStructure) || !errors.Is(err, segment.ErrNoOutline) {
		t.Errorf("outline mode: err = %v, want ErrNoStructure", err)
	}
}

func TestExtract_FallbackTitle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "release-notes.md")
	os.WriteFile(path, []byte("Plain text without any heading.\n\nSecond paragraph.\n"), 0o644)
	p, _ := testPipeline(t, nil)

	res, err := p.Extract(context.Background(), path, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Fallback || len(res.Sections) != 1 {
		t.Fatalf("fallback=%v sections=%d", res.Fallback, len(res.Sections))
	}
	if s := res.Sections[0]; s.Title != "release-notes" || s.Level != 0 {
		t.Errorf("section = %+v", s)
	}
}

func TestImport_ReplacesCategoryAndRecordsRun(t *testing.T) {
	dir := t.TempDir()
	src := writeManual(t, dir)
	cfg := testConfig()
	cfg.Article.Subcategory = "操作手册"
	cfg.Article.ProductModels = []string{"MAVO Edge 6K"}
	p, store := testPipeline(t, cfg)
	ctx := context.Background()

	res, imp, err := p.Import(ctx, src, filepath.Join(dir, "out"), kbstore.Meta{Category: "Manual", TitlePrefix: "Edge: "})
	if err != nil {
		t.Fatal(err)
	}
	if imp.Inserted != 2 || imp.Deleted != 0 || res.Import != imp {
		t.Fatalf("import = %+v", imp)
	}
	if res.RunID == "" {
		t.Error("run id not propagated")
	}

	list, err := store.ListByCategory(ctx, "Manual")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Title != "Edge: Overview" || list[1].Slug != "power" {
		t.Fatalf("articles = %+v", list)
	}
	if list[0].Subcategory != "操作手册" || len(list[0].ProductModels) != 1 || list[0].SourcePath != src {
		t.Errorf("taxonomy = %+v", list[0])
	}

	_, imp, err = p.Import(ctx, src, filepath.Join(dir, "out"), kbstore.Meta{Category: "Manual"})
	if err != nil {
		t.Fatal(err)
	}
	if imp.Deleted != 2 || imp.Inserted != 2 {
		t.Errorf("re-import = %+v", imp)
	}

	runs, err := p.Runs().Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].Status != "success" || runs[0].Deleted != 2 || runs[0].Mode != "pattern" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestImport_FailureKeepsArticles(t *testing.T) {
	dir := t.TempDir()
	src := writeManual(t, dir)
	p, store := testPipeline(t, nil)
	ctx := context.Background()

	if _, _, err := p.Import(ctx, src, filepath.Join(dir, "out"), kbstore.Meta{Category: "Manual"}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("disk full")
	failing, err := New(testConfig(),
		WithStore(store),
		WithRunLog(p.Runs()),
		WithWriterOptions(kbstore.WithInsertHook(func(i int) error {
			if i == 1 {
				return boom
			}
			return nil
		})),
	)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = failing.Import(ctx, src, filepath.Join(dir, "out"), kbstore.Meta{Category: "Manual"})
	if !errors.Is(err, ErrPersistenceTx) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrPersistenceTx wrapping the cause", err)
	}

	if n, _ := store.CountByCategory(ctx, "Manual"); n != 2 {
		t.Errorf("articles after failed import = %d, want 2", n)
	}
	runs, _ := p.Runs().Recent(ctx, 1)
	if len(runs) != 1 || runs[0].Status != "error" || !strings.Contains(runs[0].Error, "disk full") {
		t.Errorf("failed run = %+v", runs)
	}
}

func TestImport_EmptyDocumentKeepsCategory(t *testing.T) {
	dir := t.TempDir()
	src := writeManual(t, dir)
	p, store := testPipeline(t, nil)
	ctx := context.Background()

	if _, _, err := p.Import(ctx, src, filepath.Join(dir, "out"), kbstore.Meta{Category: "Manual"}); err != nil {
		t.Fatal(err)
	}

	hollow := filepath.Join(dir, "hollow.md")
	os.WriteFile(hollow, []byte("# 1 Intro\n\n# 2 Setup\n"), 0o644)
	res, imp, err := p.Import(ctx, hollow, filepath.Join(dir, "out"), kbstore.Meta{Category: "Manual"})
	if !errors.Is(err, ErrNoStructure) {
		t.Fatalf("err = %v, want ErrNoStructure", err)
	}
	if res != nil || imp != nil {
		t.Errorf("result = %+v, import = %+v, want nil", res, imp)
	}
	if n, _ := store.CountByCategory(ctx, "Manual"); n != 2 {
		t.Errorf("articles after empty import = %d, want 2", n)
	}
	runs, _ := p.Runs().Recent(ctx, 1)
	if len(runs) != 1 || runs[0].Status != "error" {
		t.Errorf("run = %+v", runs)
	}
}

func TestImport_RequiresCategoryAndStore(t *testing.T) {
	dir := t.TempDir()
	src := writeManual(t, dir)
	p, _ := testPipeline(t, nil)

	if _, _, err := p.Import(context.Background(), src, dir, kbstore.Meta{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}

	bare, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := bare.Import(context.Background(), src, dir, kbstore.Meta{Category: "Manual"}); err == nil {
		t.Error("import without a store succeeded")
	}
}

func TestImportMarkdown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edge.md")
	os.WriteFile(path, []byte("# Guide\n\n## Setup\n\nCharge the ![battery](b.png) first.\n\n## Record\n\nPress **REC**.\n"), 0o644)
	p, store := testPipeline(t, nil)
	ctx := context.Background()

	res, imp, err := p.ImportMarkdown(ctx, path, kbstore.Meta{Category: "Manual", SlugPrefix: "edge"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != "markdown" || imp.Inserted != 2 {
		t.Fatalf("mode=%s inserted=%d", res.Mode, imp.Inserted)
	}
	a, err := store.GetBySlug(ctx, "edge-setup")
	if err != nil || a == nil {
		t.Fatalf("edge-setup: %v, %v", a, err)
	}
	if a.Content != "Charge the ![battery](b.png) first." || a.Summary != "Charge the first." {
		t.Errorf("article = %q / %q", a.Content, a.Summary)
	}

	empty := filepath.Join(dir, "empty.md")
	os.WriteFile(empty, []byte("no headings here\n"), 0o644)
	if _, _, err := p.ImportMarkdown(ctx, empty, kbstore.Meta{Category: "Manual"}); !errors.Is(err, ErrNoStructure) {
		t.Errorf("err = %v, want ErrNoStructure", err)
	}
	if n, _ := store.CountByCategory(ctx, "Manual"); n != 2 {
		t.Errorf("articles after rejected import = %d, want 2", n)
	}
}

func TestMergeMeta(t *testing.T) {
	cfg := testConfig()
	cfg.Article.Category = "Manual"
	cfg.Article.ProductLine = "A"
	cfg.Article.ProductModels = []string{"Edge"}
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m := p.mergeMeta(kbstore.Meta{Category: "FAQ", ProductModels: []string{"Mini"}})
	if m.Category != "FAQ" || m.ProductLine != "A" || m.ProductModels[0] != "Mini" {
		t.Errorf("merged = %+v", m)
	}
	m = p.mergeMeta(kbstore.Meta{})
	if m.Category != "Manual" || m.ProductModels[0] != "Edge" {
		t.Errorf("defaults = %+v", m)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("zip: not a valid zip file")
	err := newError(ErrSourceUnreadable, "extract", cause)
	if !errors.Is(err, ErrSourceUnreadable) || !errors.Is(err, cause) {
		t.Error("kind or cause not matched")
	}
	if errors.Is(err, ErrNoStructure) {
		t.Error("matched the wrong kind")
	}
	if got := err.Error(); got != "extract: source unreadable: zip: not a valid zip file" {
		t.Errorf("message = %q", got)
	}
}
