package kbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/kbingest/dbopen"
	"github.com/hazyhaar/kbingest/idgen"
)

// ErrSlugCollision is returned when a slug still collides after the
// numbered retry. The whole import is rolled back.
var ErrSlugCollision = errors.New("kbstore: slug collision")

// Meta is the taxonomy shared by every article of one import.
type Meta struct {
	Category      string   `json:"category" yaml:"category"`
	Subcategory   string   `json:"subcategory" yaml:"subcategory"`
	ProductLine   string   `json:"product_line" yaml:"product_line"`
	ProductModels []string `json:"product_models" yaml:"product_models"`
	Visibility    string   `json:"visibility" yaml:"visibility"`
	Status        string   `json:"status" yaml:"status"`
	CreatedBy     string   `json:"created_by" yaml:"created_by"`

	// TitlePrefix is prepended to every title ("MAVO Edge 6K: ").
	TitlePrefix string `json:"title_prefix" yaml:"title_prefix"`
	// SlugPrefix is prepended to every slug before slugging ("edge-6k").
	SlugPrefix string `json:"slug_prefix" yaml:"slug_prefix"`

	SourcePath string `json:"source_path,omitempty" yaml:"-"`
}

func (m *Meta) defaults() {
	if m.Visibility == "" {
		m.Visibility = "internal"
	}
	if m.Status == "" {
		m.Status = "published"
	}
}

// Draft is one article to insert.
type Draft struct {
	Title         string
	Level         int
	Content       string
	PositionStart int
	PositionEnd   int

	// Summary overrides the derived summary when set.
	Summary string
}

// Rename records a slug changed by the collision retry.
type Rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ImportResult describes one ReplaceCategory call.
type ImportResult struct {
	Category string   `json:"category"`
	Deleted  int      `json:"deleted"`
	Inserted int      `json:"inserted"`
	Slugs    []string `json:"slugs"`
	Renamed  []Rename `json:"renamed,omitempty"`
}

// Writer replaces the articles of a category.
type Writer struct {
	store        *Store
	newID        idgen.Generator
	now          func() time.Time
	summaryRunes int
	slugMaxLen   int
	beforeInsert func(i int) error
	logger       *slog.Logger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithIDGenerator sets the article ID generator (default: idgen.Default).
func WithIDGenerator(gen idgen.Generator) WriterOption {
	return func(w *Writer) { w.newID = gen }
}

// WithSummaryRunes sets the summary length.
func WithSummaryRunes(n int) WriterOption {
	return func(w *Writer) { w.summaryRunes = n }
}

// WithSlugMaxLen bounds slug length in runes.
func WithSlugMaxLen(n int) WriterOption {
	return func(w *Writer) { w.slugMaxLen = n }
}

// WithInsertHook runs fn before the i-th insert; an error aborts and rolls
// back the import.
func WithInsertHook(fn func(i int) error) WriterOption {
	return func(w *Writer) { w.beforeInsert = fn }
}

// WithLogger sets the writer's logger.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// NewWriter returns a Writer over store.
func NewWriter(store *Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:        store,
		newID:        idgen.Default,
		now:          time.Now,
		summaryRunes: DefaultSummaryRunes,
		slugMaxLen:   DefaultSlugMaxLen,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// ReplaceCategory deletes every article of meta.Category and inserts
// drafts, all in one transaction. A slug that collides is retried once as
// "<slug>-NNN" with NNN the draft's 1-based position; a second collision
// fails the import with ErrSlugCollision and nothing changes.
func (w *Writer) ReplaceCategory(ctx context.Context, meta Meta, drafts []Draft) (*ImportResult, error) {
	if meta.Category == "" {
		return nil, fmt.Errorf("kbstore: category is required")
	}
	meta.defaults()

	var res *ImportResult
	err := dbopen.RunTx(ctx, w.store.DB, func(tx *sql.Tx) error {
		res = &ImportResult{Category: meta.Category}

		r, err := tx.ExecContext(ctx, `DELETE FROM articles WHERE category = ?`, meta.Category)
		if err != nil {
			return fmt.Errorf("delete category: %w", err)
		}
		if n, err := r.RowsAffected(); err == nil {
			res.Deleted = int(n)
		}

		createdAt := w.now().UnixMilli()
		for i, d := range drafts {
			if w.beforeInsert != nil {
				if err := w.beforeInsert(i); err != nil {
					return err
				}
			}
			a := w.article(meta, d, i, createdAt)
			if err := w.insert(ctx, tx, a, i, res); err != nil {
				return err
			}
			res.Inserted++
			res.Slugs = append(res.Slugs, a.Slug)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.Info("category replaced",
		"category", meta.Category,
		"deleted", res.Deleted,
		"inserted", res.Inserted,
		"renamed", len(res.Renamed),
	)
	return res, nil
}

// insert stores a, retrying once with a numbered slug on a uniqueness
// violation. Each attempt runs in a savepoint so a failed statement does
// not poison the transaction.
func (w *Writer) insert(ctx context.Context, tx *sql.Tx, a *Article, i int, res *ImportResult) error {
	try := func() error {
		return dbopen.Savepoint(ctx, tx, "article_insert", func() error {
			return insertArticle(ctx, tx, a)
		})
	}

	err := try()
	if err == nil {
		return nil
	}
	if !dbopen.IsUnique(err) {
		return fmt.Errorf("insert %q: %w", a.Slug, err)
	}

	orig := a.Slug
	a.Slug = fmt.Sprintf("%s-%03d", orig, i+1)
	w.logger.Warn("slug collision, retrying with suffix", "slug", orig, "retry", a.Slug)

	if err := try(); err != nil {
		if dbopen.IsUnique(err) {
			return fmt.Errorf("%w: %q and %q both taken", ErrSlugCollision, orig, a.Slug)
		}
		return fmt.Errorf("insert %q: %w", a.Slug, err)
	}
	res.Renamed = append(res.Renamed, Rename{From: orig, To: a.Slug})
	return nil
}

func (w *Writer) article(meta Meta, d Draft, i int, createdAt int64) *Article {
	slugSrc := d.Title
	if meta.SlugPrefix != "" {
		slugSrc = meta.SlugPrefix + " " + d.Title
	}
	summary := d.Summary
	if summary == "" {
		summary = Summary(d.Content, w.summaryRunes)
	}
	return &Article{
		ID:            w.newID(),
		Title:         meta.TitlePrefix + d.Title,
		Slug:          Slugify(slugSrc, w.slugMaxLen),
		Summary:       summary,
		Content:       d.Content,
		Category:      meta.Category,
		Subcategory:   meta.Subcategory,
		ProductLine:   meta.ProductLine,
		ProductModels: meta.ProductModels,
		Visibility:    meta.Visibility,
		Status:        meta.Status,
		Level:         d.Level,
		SourcePath:    meta.SourcePath,
		PositionStart: d.PositionStart,
		PositionEnd:   d.PositionEnd,
		SortOrder:     i,
		CreatedBy:     meta.CreatedBy,
		CreatedAt:     createdAt,
	}
}
