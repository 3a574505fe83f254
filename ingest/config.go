package ingest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/kbingest/assemble"
	"github.com/hazyhaar/kbingest/imgextract"
	"github.com/hazyhaar/kbingest/kbstore"
	"github.com/hazyhaar/kbingest/observability"
	"github.com/hazyhaar/kbingest/segment"
	"github.com/hazyhaar/kbingest/tablenorm"
)

// Config holds all kbingest configuration.
type Config struct {
	Images   imgextract.Config       `yaml:"images"`
	Segment  segment.Config          `yaml:"segment"`
	Assemble assemble.Config         `yaml:"assemble"`
	Store    StoreConfig             `yaml:"store"`
	Article  ArticleConfig           `yaml:"article"`
	Markdown MarkdownConfig          `yaml:"markdown"`
	Log      observability.LogConfig `yaml:"log"`
	HTTP     HTTPConfig              `yaml:"http"`
	Batch    BatchConfig             `yaml:"batch"`

	// MaxFileSize bounds accepted source files, in bytes (default: 200 MB).
	MaxFileSize int64 `yaml:"max_file_size"`

	// TextFixups maps mis-decoded PDF glyphs to the intended text. Applied
	// to paragraphs, table cells and outline titles before segmentation.
	TextFixups map[string]string `yaml:"text_fixups"`
}

// StoreConfig locates the article database.
type StoreConfig struct {
	DBPath        string `yaml:"db_path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	Trace         bool   `yaml:"trace"`
}

// ArticleConfig is the taxonomy applied to imported articles.
type ArticleConfig struct {
	kbstore.Meta `yaml:",inline"`

	SummaryRunes int `yaml:"summary_runes"`
	SlugMaxLen   int `yaml:"slug_max_len"`
}

// MarkdownConfig controls ImportMarkdown.
type MarkdownConfig struct {
	// MaxHeadingLevel is the deepest heading that opens an article
	// (default: 3).
	MaxHeadingLevel int `yaml:"max_heading_level"`
}

// HTTPConfig controls the HTTP and MCP surfaces. When SourceRoot or
// OutputRoot is set, request paths are resolved under it and may not
// escape it. SourceRoot also bounds local Markdown image references.
type HTTPConfig struct {
	Addr         string `yaml:"addr"`
	SourceRoot   string `yaml:"source_root"`
	OutputRoot   string `yaml:"output_root"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// RequireRoots fails unless both roots are set. The serve and mcp commands
// call it so a listener never reads or writes arbitrary paths.
func (c HTTPConfig) RequireRoots() error {
	var missing []string
	if c.SourceRoot == "" {
		missing = append(missing, "http.source_root")
	}
	if c.OutputRoot == "" {
		missing = append(missing, "http.output_root")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required to serve requests", strings.Join(missing, " and "))
	}
	return nil
}

// BatchConfig controls the batch subcommand.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Assemble.SanitizeHTML = true
	cfg.defaults()
	return cfg
}

func (c *Config) defaults() {
	if c.Images.MinWidth <= 0 {
		c.Images.MinWidth = 50
	}
	if c.Images.MinHeight <= 0 {
		c.Images.MinHeight = 50
	}
	if c.Images.Format == "" {
		c.Images.Format = imgextract.FormatWebP
	}
	if c.Images.Quality <= 0 {
		c.Images.Quality = 85
	}
	if c.Segment.Mode == "" {
		c.Segment.Mode = segment.ModeAuto
	}
	if c.Segment.Strictness == "" {
		c.Segment.Strictness = segment.Formatted
	}
	if c.Assemble.Markup == "" {
		c.Assemble.Markup = tablenorm.Markdown
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "kb.db"
	}
	if c.Store.BusyTimeoutMS <= 0 {
		c.Store.BusyTimeoutMS = 10_000
	}
	if c.Article.SummaryRunes <= 0 {
		c.Article.SummaryRunes = kbstore.DefaultSummaryRunes
	}
	if c.Article.SlugMaxLen <= 0 {
		c.Article.SlugMaxLen = kbstore.DefaultSlugMaxLen
	}
	if c.Markdown.MaxHeadingLevel <= 0 {
		c.Markdown.MaxHeadingLevel = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8085"
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 64 * 1024
	}
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = 4
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 200 * 1024 * 1024
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.Images.Validate(); err != nil {
		return err
	}
	if err := c.Segment.Validate(); err != nil {
		return err
	}
	if err := c.Assemble.Validate(); err != nil {
		return err
	}
	if c.Images.Quality > 100 {
		return fmt.Errorf("images.quality must be 1-100")
	}
	if c.Markdown.MaxHeadingLevel > 6 {
		return fmt.Errorf("markdown.max_heading_level must be 1-6")
	}
	for from := range c.TextFixups {
		if from == "" {
			return fmt.Errorf("text_fixups: empty key")
		}
	}
	if c.Batch.Concurrency > 64 {
		return fmt.Errorf("batch.concurrency must be <= 64")
	}
	return nil
}

// LoadConfigFile reads a YAML config file over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
