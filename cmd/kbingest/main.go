// Command kbingest extracts the chapter structure, images and tables of
// PDF, DOCX, Markdown and HTML documents and loads them as knowledge-base
// articles.
//
// Usage:
//
//	kbingest <source> <output_dir>                       # extract, JSON on stdout
//	kbingest extract -out images/manual manual.pdf
//	kbingest import -category Manual -db kb.db manual.docx
//	kbingest import-md -category FAQ faq.md
//	kbingest batch -out images -concurrency 4 manuals/
//	kbingest serve -config kbingest.yaml
//	kbingest mcp -db kb.db                               # MCP over stdio
//
// Environment: KBINGEST_CONFIG, KB_DB, LOG_LEVEL.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/kbingest/dbopen"
	"github.com/hazyhaar/kbingest/docpipe"
	"github.com/hazyhaar/kbingest/ingest"
	"github.com/hazyhaar/kbingest/kbstore"
	"github.com/hazyhaar/kbingest/observability"
	"github.com/hazyhaar/kbingest/segment"
	"github.com/hazyhaar/kbingest/tablenorm"
	"github.com/hazyhaar/kbingest/trace"
)

const version = "0.3.0"

const usage = `usage:
  kbingest <source> <output_dir>
  kbingest extract   [flags] <source>
  kbingest import    [flags] -category <name> <source>
  kbingest import-md [flags] -category <name> <file.md>
  kbingest batch     [flags] <file|dir>...
  kbingest serve     [flags]
  kbingest mcp       [flags]
run "kbingest <command> -h" for the flags of a command`

// errUsage makes main print usage and exit 2.
var errUsage = errors.New("bad invocation")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		if err != errUsage && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	default:
		json.NewEncoder(os.Stdout).Encode(ingest.ErrorResult{Error: err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "extract":
		return runExtract(ctx, rest, stdout)
	case "import":
		return runImport(ctx, rest, stdout, false)
	case "import-md":
		return runImport(ctx, rest, stdout, true)
	case "batch":
		return runBatch(ctx, rest, stdout)
	case "serve":
		return runServe(ctx, rest)
	case "mcp":
		return runMCP(ctx, rest)
	case "version":
		fmt.Fprintln(stdout, "kbingest", version)
		return nil
	case "-h", "-help", "--help", "help":
		return errUsage
	}
	// Bare form: kbingest <source> <output_dir>.
	if len(args) == 2 && !strings.HasPrefix(cmd, "-") {
		return runExtract(ctx, []string{"-out", args[1], args[0]}, stdout)
	}
	return errUsage
}

// flags are shared by every subcommand; each one registers the subset it
// reads.
type flags struct {
	fs *flag.FlagSet

	config      string
	db          string
	out         string
	mode        string
	strictness  string
	markup      string
	format      string
	concurrency int
	addr        string
	sourceRoot  string
	outputRoot  string
	doImport    bool
	meta        kbstore.Meta
	models      string
}

func newFlags(name string) *flags {
	f := &flags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	f.fs.SetOutput(os.Stderr)
	f.fs.StringVar(&f.config, "config", env("KBINGEST_CONFIG", ""), "path to kbingest.yaml")
	f.fs.StringVar(&f.mode, "mode", "", "segmentation mode: auto, outline, pattern")
	f.fs.StringVar(&f.strictness, "strictness", "", "heading strictness: permissive, format, style")
	f.fs.StringVar(&f.markup, "markup", "", "section markup: markdown, html")
	f.fs.StringVar(&f.format, "image-format", "", "image output format: webp, jpeg, png")
	return f
}

func (f *flags) withOut(def string) *flags {
	f.fs.StringVar(&f.out, "out", def, "output directory for extracted images")
	return f
}

func (f *flags) withStore() *flags {
	f.fs.StringVar(&f.db, "db", env("KB_DB", ""), "article database path")
	return f
}

func (f *flags) withRoots() *flags {
	f.fs.StringVar(&f.sourceRoot, "source-root", env("KBINGEST_SOURCE_ROOT", ""), "directory request paths are read from")
	f.fs.StringVar(&f.outputRoot, "output-root", env("KBINGEST_OUTPUT_ROOT", ""), "directory images are written under")
	return f
}

func (f *flags) withMeta() *flags {
	f.fs.StringVar(&f.meta.Category, "category", "", "article category (replaced on import)")
	f.fs.StringVar(&f.meta.Subcategory, "subcategory", "", "article subcategory")
	f.fs.StringVar(&f.meta.ProductLine, "product-line", "", "product line")
	f.fs.StringVar(&f.models, "product-models", "", "comma-separated product models")
	f.fs.StringVar(&f.meta.Visibility, "visibility", "", "article visibility")
	f.fs.StringVar(&f.meta.Status, "status", "", "article status")
	f.fs.StringVar(&f.meta.CreatedBy, "created-by", "", "author recorded on articles")
	f.fs.StringVar(&f.meta.TitlePrefix, "title-prefix", "", "prefix added to article titles")
	f.fs.StringVar(&f.meta.SlugPrefix, "slug-prefix", "", "prefix added to article slugs")
	return f
}

func (f *flags) parse(args []string) error {
	if err := f.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if f.models != "" {
		for _, m := range strings.Split(f.models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				f.meta.ProductModels = append(f.meta.ProductModels, m)
			}
		}
	}
	return nil
}

// loadConfig reads the config file, if any, and applies flag overrides.
func (f *flags) loadConfig() (*ingest.Config, error) {
	cfg := ingest.DefaultConfig()
	if f.config != "" {
		var err error
		if cfg, err = ingest.LoadConfigFile(f.config); err != nil {
			return nil, err
		}
	}
	if v := env("LOG_LEVEL", ""); v != "" {
		cfg.Log.Level = v
	}
	if f.db != "" {
		cfg.Store.DBPath = f.db
	}
	if f.mode != "" {
		cfg.Segment.Mode = segment.Mode(f.mode)
	}
	if f.strictness != "" {
		cfg.Segment.Strictness = segment.Strictness(f.strictness)
	}
	if f.markup != "" {
		cfg.Assemble.Markup = tablenorm.Markup(f.markup)
	}
	if f.format != "" {
		cfg.Images.Format = f.format
	}
	if f.concurrency > 0 {
		cfg.Batch.Concurrency = f.concurrency
	}
	if f.addr != "" {
		cfg.HTTP.Addr = f.addr
	}
	if f.sourceRoot != "" {
		cfg.HTTP.SourceRoot = f.sourceRoot
	}
	if f.outputRoot != "" {
		cfg.HTTP.OutputRoot = f.outputRoot
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is one configured process: logger, metrics, optional store and the
// pipeline built on them.
type app struct {
	cfg      *ingest.Config
	logger   *slog.Logger
	pipeline *ingest.Pipeline
	closers  []io.Closer
}

func newApp(cfg *ingest.Config, withStore bool) (*app, error) {
	logger, logCloser, err := observability.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	metrics := observability.NewMetrics()
	opts := []ingest.Option{ingest.WithLogger(logger), ingest.WithMetrics(metrics)}

	if withStore {
		trace.SetLogger(logger)
		trace.SetRecorder(func(e trace.Entry) {
			metrics.SQLDurations.WithLabelValues(e.Table, e.Verb).Observe(e.Duration.Seconds())
		})
		dbOpts := []dbopen.Option{dbopen.WithBusyTimeout(cfg.Store.BusyTimeoutMS)}
		if cfg.Store.Trace {
			dbOpts = append(dbOpts, dbopen.WithTrace())
		}
		store, err := kbstore.Open(cfg.Store.DBPath, dbOpts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open store %s: %w", cfg.Store.DBPath, err)
		}
		a.closers = append(a.closers, store)
		opts = append(opts, ingest.WithStore(store))
	}

	p, err := ingest.New(cfg, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = p
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func runExtract(ctx context.Context, args []string, stdout io.Writer) error {
	f := newFlags("extract").withOut("")
	if err := f.parse(args); err != nil {
		return err
	}
	if f.fs.NArg() != 1 {
		return errUsage
	}
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	src := f.fs.Arg(0)
	res, err := a.pipeline.Extract(ctx, src, outDirFor(f.out, src))
	if err != nil {
		return err
	}
	return writeJSON(stdout, res)
}

func runImport(ctx context.Context, args []string, stdout io.Writer, markdown bool) error {
	name := "import"
	if markdown {
		name = "import-md"
	}
	f := newFlags(name).withOut("").withStore().withMeta()
	if err := f.parse(args); err != nil {
		return err
	}
	if f.fs.NArg() != 1 {
		return errUsage
	}
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	src := f.fs.Arg(0)
	var res *ingest.Result
	if markdown {
		res, _, err = a.pipeline.ImportMarkdown(ctx, src, f.meta)
	} else {
		res, _, err = a.pipeline.Import(ctx, src, outDirFor(f.out, src), f.meta)
	}
	if err != nil {
		return err
	}
	return writeJSON(stdout, res)
}

// batchItem is one document's outcome in a batch run.
type batchItem struct {
	Source string         `json:"source"`
	Result *ingest.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// runBatch processes independent documents in parallel. With -import each
// document replaces its own category, named after the file unless
// -category is given for a single document.
func runBatch(ctx context.Context, args []string, stdout io.Writer) error {
	f := newFlags("batch").withOut("images").withStore().withMeta()
	f.fs.IntVar(&f.concurrency, "concurrency", 0, "documents processed in parallel")
	f.fs.BoolVar(&f.doImport, "import", false, "import each document into its own category")
	if err := f.parse(args); err != nil {
		return err
	}
	if f.fs.NArg() == 0 {
		return errUsage
	}
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	sources, err := collectSources(f.fs.Args())
	if err != nil {
		return err
	}
	if f.doImport && f.meta.Category != "" && len(sources) > 1 {
		return fmt.Errorf("%w: -category names one category but the batch has %d documents", errUsage, len(sources))
	}
	if err := uniqueStems(sources); err != nil {
		return err
	}

	a, err := newApp(cfg, f.doImport)
	if err != nil {
		return err
	}
	defer a.Close()

	items := make([]batchItem, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Batch.Concurrency)
	for i, src := range sources {
		g.Go(func() error {
			out := filepath.Join(f.out, stem(src))
			var res *ingest.Result
			var err error
			if f.doImport {
				meta := f.meta
				if meta.Category == "" {
					meta.Category = stem(src)
				}
				res, _, err = a.pipeline.Import(gctx, src, out, meta)
			} else {
				res, err = a.pipeline.Extract(gctx, src, out)
			}
			items[i] = batchItem{Source: src, Result: res}
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				a.logger.Warn("batch: document failed", "source", src, "error", err)
				items[i].Error = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("batch: done", "documents", len(sources))
	return writeJSON(stdout, items)
}

// collectSources expands directories into the supported documents they
// contain, sorted for stable output.
func collectSources(args []string) ([]string, error) {
	supported := make(map[string]bool)
	for _, f := range docpipe.SupportedFormats() {
		supported["."+f] = true
	}
	supported[".markdown"] = true
	supported[".htm"] = true

	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		var found []string
		err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && supported[strings.ToLower(filepath.Ext(path))] {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no supported documents in %s", strings.Join(args, " "))
	}
	return out, nil
}

func runServe(ctx context.Context, args []string) error {
	f := newFlags("serve").withStore().withRoots()
	f.fs.StringVar(&f.addr, "addr", env("KBINGEST_ADDR", ""), "listen address")
	if err := f.parse(args); err != nil {
		return err
	}
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.HTTP.RequireRoots(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.pipeline.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", cfg.HTTP.Addr, "db", cfg.Store.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown", "error", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func runMCP(ctx context.Context, args []string) error {
	f := newFlags("mcp").withStore().withRoots()
	if err := f.parse(args); err != nil {
		return err
	}
	cfg, err := f.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.HTTP.RequireRoots(); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewServer(&mcp.Implementation{Name: "kbingest", Version: version}, nil)
	a.pipeline.RegisterMCP(srv)
	a.logger.Info("mcp: serving on stdio", "db", cfg.Store.DBPath)
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

// uniqueStems rejects batches where two documents would share an image
// directory and a default category, such as docs/a.pdf and old/a.docx.
func uniqueStems(sources []string) error {
	seen := make(map[string]string, len(sources))
	for _, src := range sources {
		st := stem(src)
		if prev, ok := seen[st]; ok {
			return fmt.Errorf("%w: %s and %s both map to %q", errUsage, prev, src, st)
		}
		seen[st] = src
	}
	return nil
}

// outDirFor defaults the image directory to images/<document name>.
func outDirFor(out, src string) string {
	if out != "" {
		return out
	}
	return filepath.Join("images", stem(src))
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
