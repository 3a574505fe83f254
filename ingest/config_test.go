package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hazyhaar/kbingest/imgextract"
	"github.com/hazyhaar/kbingest/segment"
	"github.com/hazyhaar/kbingest/tablenorm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kbingest.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Images.Format != imgextract.FormatWebP || cfg.Images.Quality != 85 || cfg.Images.MinWidth != 50 {
		t.Errorf("images = %+v", cfg.Images)
	}
	if cfg.Segment.Mode != segment.ModeAuto || cfg.Assemble.Markup != tablenorm.Markdown || !cfg.Assemble.SanitizeHTML {
		t.Errorf("segment/assemble = %+v / %+v", cfg.Segment, cfg.Assemble)
	}
	if cfg.Segment.StyleHeadings {
		t.Error("style headings on by default")
	}
	if cfg.HTTP.Addr != "127.0.0.1:8085" {
		t.Errorf("addr = %s, want loopback", cfg.HTTP.Addr)
	}
	if cfg.Batch.Concurrency != 4 || cfg.Markdown.MaxHeadingLevel != 3 {
		t.Errorf("batch/markdown = %+v / %+v", cfg.Batch, cfg.Markdown)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
images:
  format: jpeg
  quality: 70
segment:
  mode: pattern
  strictness: permissive
  style_headings: true
text_fixups:
  弼: 当
  丌: 不
article:
  category: Manual
  subcategory: 操作手册
  product_models: [MAVO Edge 6K, MAVO Edge 8K]
  title_prefix: "Edge: "
  summary_runes: 120
store:
  db_path: /var/lib/kb/kb.db
http:
  source_root: /srv/manuals
`)
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Images.Format != "jpeg" || cfg.Images.Quality != 70 || cfg.Images.MinHeight != 50 {
		t.Errorf("images = %+v", cfg.Images)
	}
	if cfg.Segment.Mode != segment.ModePattern || cfg.Segment.Strictness != segment.Permissive || !cfg.Segment.StyleHeadings {
		t.Errorf("segment = %+v", cfg.Segment)
	}
	a := cfg.Article
	if a.Category != "Manual" || a.Subcategory != "操作手册" || len(a.ProductModels) != 2 || a.TitlePrefix != "Edge: " {
		t.Errorf("article meta = %+v", a.Meta)
	}
	if a.SummaryRunes != 120 || a.SlugMaxLen != 100 {
		t.Errorf("article limits = %d / %d", a.SummaryRunes, a.SlugMaxLen)
	}
	if len(cfg.TextFixups) != 2 || cfg.TextFixups["弼"] != "当" {
		t.Errorf("text_fixups = %v", cfg.TextFixups)
	}
	if !cfg.Assemble.SanitizeHTML {
		t.Error("sanitize_html lost its default")
	}
	if cfg.Store.DBPath != "/var/lib/kb/kb.db" || cfg.Store.BusyTimeoutMS != 10_000 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.HTTP.SourceRoot != "/srv/manuals" || cfg.HTTP.Addr != "127.0.0.1:8085" {
		t.Errorf("http = %+v", cfg.HTTP)
	}
}

func TestHTTPConfig_RequireRoots(t *testing.T) {
	tests := []struct {
		cfg  HTTPConfig
		want string
	}{
		{HTTPConfig{SourceRoot: "/srv/in", OutputRoot: "/srv/out"}, ""},
		{HTTPConfig{OutputRoot: "/srv/out"}, "http.source_root required"},
		{HTTPConfig{}, "http.source_root and http.output_root required"},
	}
	for _, tt := range tests {
		err := tt.cfg.RequireRoots()
		if tt.want == "" {
			if err != nil {
				t.Errorf("%+v: %v", tt.cfg, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%+v: err = %v, want %q", tt.cfg, err, tt.want)
		}
	}
}

func TestLoadConfigFile_Invalid(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"mode", "segment:\n  mode: guess\n", "unknown mode"},
		{"quality", "images:\n  quality: 120\n", "quality"},
		{"heading level", "markdown:\n  max_heading_level: 9\n", "max_heading_level"},
		{"yaml", "images: [\n", "parse"},
		{"fixups", "text_fixups:\n  \"\": x\n", "empty key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFile(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
