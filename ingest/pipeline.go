// Package ingest runs the document pipeline end to end: open the source,
// extract its images, segment it into sections, assemble each section's
// body and, for imports, replace the category's articles in the store.
//
// Usage:
//
//	p, err := ingest.New(ingest.DefaultConfig(), ingest.WithStore(store))
//	res, imp, err := p.Import(ctx, "manual.docx", "out/images", kbstore.Meta{Category: "Manual"})
//
// The same Pipeline backs the CLI, the HTTP API (Handler) and the MCP
// tools (RegisterMCP).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/kbingest/assemble"
	"github.com/hazyhaar/kbingest/docpipe"
	"github.com/hazyhaar/kbingest/imgextract"
	"github.com/hazyhaar/kbingest/kbstore"
	"github.com/hazyhaar/kbingest/kit"
	"github.com/hazyhaar/kbingest/observability"
	"github.com/hazyhaar/kbingest/segment"
)

// Pipeline is safe for concurrent use across distinct documents. Two runs
// importing the same category concurrently serialise in the store.
type Pipeline struct {
	cfg       Config
	open      docpipe.Options
	images    *imgextract.Extractor
	segmenter segment.Segmenter
	assembler *assemble.Assembler

	store      *kbstore.Store
	writer     *kbstore.Writer
	writerOpts []kbstore.WriterOption
	runs       *observability.RunLog
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore enables Import, ImportMarkdown and the article queries.
func WithStore(s *kbstore.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithRunLog overrides the run audit log (default: one on the store's
// database).
func WithRunLog(l *observability.RunLog) Option {
	return func(p *Pipeline) { p.runs = l }
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger for every stage.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithWriterOptions passes options to the article writer.
func WithWriterOptions(opts ...kbstore.WriterOption) Option {
	return func(p *Pipeline) { p.writerOpts = append(p.writerOpts, opts...) }
}

// New builds a Pipeline. A nil cfg means DefaultConfig.
func New(cfg *Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: c, logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observability.NewMetrics()
	}

	c.Images.Logger = p.logger.With("stage", "images")
	c.Segment.Logger = p.logger.With("stage", "segment")
	c.Assemble.Logger = p.logger.With("stage", "assemble")

	p.open = docpipe.Options{
		MaxFileSize: c.MaxFileSize,
		TextFixups:  c.TextFixups,
		ImageRoot:   c.HTTP.SourceRoot,
		Logger:      p.logger.With("stage", "open"),
	}
	p.images = imgextract.New(c.Images)

	seg, err := segment.New(c.Segment)
	if err != nil {
		return nil, err
	}
	p.segmenter = seg

	asm, err := assemble.New(c.Assemble)
	if err != nil {
		return nil, err
	}
	p.assembler = asm

	if p.store != nil {
		wopts := append([]kbstore.WriterOption{
			kbstore.WithSummaryRunes(c.Article.SummaryRunes),
			kbstore.WithSlugMaxLen(c.Article.SlugMaxLen),
			kbstore.WithLogger(p.logger.With("stage", "store")),
		}, p.writerOpts...)
		p.writer = kbstore.NewWriter(p.store, wopts...)

		if p.runs == nil {
			runs, err := observability.NewRunLog(p.store.DB)
			if err != nil {
				return nil, err
			}
			p.runs = runs
		}
	}
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Store returns the article store, nil when none was given.
func (p *Pipeline) Store() *kbstore.Store { return p.store }

// Runs returns the run audit log, nil without a store.
func (p *Pipeline) Runs() *observability.RunLog { return p.runs }

// Metrics returns the collectors the pipeline records into.
func (p *Pipeline) Metrics() *observability.Metrics { return p.metrics }

// Extract opens path, writes its images under outDir and returns the
// assembled sections. Nothing is persisted.
func (p *Pipeline) Extract(ctx context.Context, path, outDir string) (*Result, error) {
	start := time.Now()
	res, err := p.extract(ctx, path, outDir)
	p.metrics.ObserveStage("extract", time.Since(start))
	p.countDocument(err)
	return res, err
}

func (p *Pipeline) extract(ctx context.Context, path, outDir string) (*Result, error) {
	log := p.logger.With("source", path)
	if id := kit.GetRunID(ctx); id != "" {
		log = log.With("run_id", id)
	}

	src, err := docpipe.Open(ctx, path, p.open)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(ErrSourceUnreadable, "extract", err)
	}
	defer src.Close()
	log.Info("document opened", "format", src.Format(), "elements", len(src.Elements()), "images", len(src.Images()))

	cat, err := p.images.Extract(ctx, src, outDir)
	if err != nil {
		return nil, fmt.Errorf("extract images: %w", err)
	}

	seg, err := p.segmenter.Segment(src)
	if err != nil {
		if errors.Is(err, segment.ErrNoOutline) {
			return nil, newError(ErrNoStructure, "segment", err)
		}
		return nil, fmt.Errorf("segment: %w", err)
	}
	if seg.Fallback && len(seg.Sections) == 1 && seg.Sections[0].Title == "" {
		seg.Sections[0].Title = documentTitle(path)
	}

	secs := p.assembler.AssembleAll(seg.Sections, cat)

	res := &Result{
		Success:  true,
		Source:   path,
		Format:   string(src.Format()),
		Mode:     string(seg.Mode),
		Fallback: seg.Fallback,
		RunID:    kit.GetRunID(ctx),
		Sections: sectionsOut(secs),
		Images:   cat.Records,
	}
	if res.Images == nil {
		res.Images = []imgextract.ImageRecord{}
	}
	skippedTables := 0
	for _, s := range secs {
		res.Stats.Tables += s.Tables
		skippedTables += s.SkippedTables
	}
	res.Stats.Images = len(cat.Records)
	res.Stats.Sections = len(secs)
	res.Stats.Skipped = cat.Skipped + skippedTables
	res.Stats.Duplicates = cat.Duplicates
	res.Stats.Discarded = seg.Discarded

	modeLabel := res.Mode
	if res.Fallback {
		modeLabel = "fallback"
	}
	p.metrics.Add(p.metrics.Sections, modeLabel, len(secs))
	p.metrics.Add(p.metrics.Images, "stored", len(cat.Records))
	p.metrics.Add(p.metrics.Images, "duplicate", cat.Duplicates)
	p.metrics.Add(p.metrics.Skipped, "image", cat.Skipped)
	p.metrics.Add(p.metrics.Skipped, "table", skippedTables)

	log.Info("document extracted",
		"mode", res.Mode,
		"fallback", res.Fallback,
		"sections", res.Stats.Sections,
		"images", res.Stats.Images,
		"skipped", res.Stats.Skipped,
	)
	return res, nil
}

// Import extracts path and replaces meta.Category's articles with its
// sections. Empty meta fields take the configured article defaults. The
// run is recorded in the import_runs table whatever its outcome.
func (p *Pipeline) Import(ctx context.Context, path, outDir string, meta kbstore.Meta) (*Result, *kbstore.ImportResult, error) {
	return p.runImport(ctx, "import", path, meta, func(ctx context.Context) (*Result, error) {
		return p.extract(ctx, path, outDir)
	})
}

// ImportMarkdown imports an externally authored Markdown file, one article
// per heading up to markdown.max_heading_level. The Markdown is stored as
// written.
func (p *Pipeline) ImportMarkdown(ctx context.Context, path string, meta kbstore.Meta) (*Result, *kbstore.ImportResult, error) {
	return p.runImport(ctx, "import_markdown", path, meta, func(ctx context.Context) (*Result, error) {
		return p.splitMarkdownFile(path)
	})
}

func (p *Pipeline) runImport(ctx context.Context, stage, path string, meta kbstore.Meta, build func(context.Context) (*Result, error)) (*Result, *kbstore.ImportResult, error) {
	if p.writer == nil {
		return nil, nil, fmt.Errorf("ingest: no article store configured")
	}
	meta = p.mergeMeta(meta)
	if meta.Category == "" {
		return nil, nil, fmt.Errorf("%w: category is required", ErrInvalidRequest)
	}
	meta.SourcePath = path

	start := time.Now()
	runID, err := p.runs.Start(ctx, path, meta.Category)
	if err != nil {
		p.logger.Warn("run log unavailable", "error", err)
	} else {
		ctx = kit.WithRunID(ctx, runID)
	}

	res, imp, err := p.importWith(ctx, meta, build)

	p.metrics.ObserveStage(stage, time.Since(start))
	p.countDocument(err)
	if runID != "" {
		run := observability.Run{ID: runID}
		if res != nil {
			run.Mode = res.Mode
			run.Sections = res.Stats.Sections
			run.Images = res.Stats.Images
			run.Skipped = res.Stats.Skipped
		}
		if imp != nil {
			run.Deleted = imp.Deleted
			run.Inserted = imp.Inserted
		}
		// The run row must land even when ctx was cancelled.
		if ferr := p.runs.Finish(context.WithoutCancel(ctx), run, err); ferr != nil {
			p.logger.Warn("run log finish failed", "run_id", runID, "error", ferr)
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return res, imp, nil
}

func (p *Pipeline) importWith(ctx context.Context, meta kbstore.Meta, build func(context.Context) (*Result, error)) (*Result, *kbstore.ImportResult, error) {
	res, err := build(ctx)
	if err != nil {
		return nil, nil, err
	}
	// Replacing with nothing would empty the category.
	if len(res.Sections) == 0 {
		return res, nil, newError(ErrNoStructure, "import",
			fmt.Errorf("no non-empty section in %s, category %q left untouched", meta.SourcePath, meta.Category))
	}

	imp, err := p.writer.ReplaceCategory(ctx, meta, res.Drafts())
	if err != nil {
		if errors.Is(err, kbstore.ErrSlugCollision) {
			return res, nil, newError(ErrPersistenceCollision, "import", err)
		}
		if ctx.Err() != nil {
			return res, nil, ctx.Err()
		}
		return res, nil, newError(ErrPersistenceTx, "import", err)
	}
	res.Import = imp

	p.metrics.Add(p.metrics.Articles, "deleted", imp.Deleted)
	p.metrics.Add(p.metrics.Articles, "inserted", imp.Inserted)
	p.metrics.Add(p.metrics.Articles, "renamed", len(imp.Renamed))
	return res, imp, nil
}

func (p *Pipeline) splitMarkdownFile(path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, newError(ErrSourceUnreadable, "import_markdown", err)
	}
	if info.Size() > p.cfg.MaxFileSize {
		return nil, newError(ErrSourceUnreadable, "import_markdown",
			fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), p.cfg.MaxFileSize))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(ErrSourceUnreadable, "import_markdown", err)
	}

	secs := SplitMarkdown(data, p.cfg.Markdown.MaxHeadingLevel)
	if len(secs) == 0 {
		return nil, newError(ErrNoStructure, "import_markdown",
			fmt.Errorf("no heading up to level %d with content", p.cfg.Markdown.MaxHeadingLevel))
	}

	res := &Result{
		Success: true,
		Source:  path,
		Format:  string(docpipe.FormatMD),
		Mode:    "markdown",
		Images:  []imgextract.ImageRecord{},
	}
	for _, s := range secs {
		res.Sections = append(res.Sections, SectionOut{
			Title:     s.Title,
			Level:     s.Level,
			Content:   s.Content,
			PageStart: s.Line,
			PageEnd:   s.EndLine,
		})
	}
	res.Stats.Sections = len(secs)
	p.metrics.Add(p.metrics.Sections, "markdown", len(secs))
	return res, nil
}

// mergeMeta fills meta's empty fields from the configured article taxonomy.
func (p *Pipeline) mergeMeta(meta kbstore.Meta) kbstore.Meta {
	def := p.cfg.Article.Meta
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&meta.Category, def.Category)
	fill(&meta.Subcategory, def.Subcategory)
	fill(&meta.ProductLine, def.ProductLine)
	fill(&meta.Visibility, def.Visibility)
	fill(&meta.Status, def.Status)
	fill(&meta.CreatedBy, def.CreatedBy)
	fill(&meta.TitlePrefix, def.TitlePrefix)
	fill(&meta.SlugPrefix, def.SlugPrefix)
	if len(meta.ProductModels) == 0 {
		meta.ProductModels = def.ProductModels
	}
	return meta
}

func (p *Pipeline) countDocument(err error) {
	if err != nil {
		p.metrics.Add(p.metrics.Documents, "error", 1)
		return
	}
	p.metrics.Add(p.metrics.Documents, "ok", 1)
}

func documentTitle(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
