package kbstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Article is one stored knowledge-base article.
type Article struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Slug          string   `json:"slug"`
	Summary       string   `json:"summary"`
	Content       string   `json:"content,omitempty"`
	Category      string   `json:"category"`
	Subcategory   string   `json:"subcategory,omitempty"`
	ProductLine   string   `json:"product_line,omitempty"`
	ProductModels []string `json:"product_models,omitempty"`
	Visibility    string   `json:"visibility"`
	Status        string   `json:"status"`
	Level         int      `json:"level"`
	SourcePath    string   `json:"source_path,omitempty"`
	PositionStart int      `json:"position_start"`
	PositionEnd   int      `json:"position_end"`
	SortOrder     int      `json:"sort_order"`
	CreatedBy     string   `json:"created_by,omitempty"`
	CreatedAt     int64    `json:"created_at"`
}

const articleColumns = `id, title, slug, summary, content, category, subcategory,
	product_line, product_models, visibility, status, level, source_path,
	position_start, position_end, sort_order, created_by, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertArticle(ctx context.Context, db execer, a *Article) error {
	models, err := json.Marshal(nonNil(a.ProductModels))
	if err != nil {
		return fmt.Errorf("article %s: product_models: %w", a.Slug, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO articles (`+articleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Title, a.Slug, a.Summary, a.Content, a.Category, a.Subcategory,
		a.ProductLine, string(models), a.Visibility, a.Status, a.Level, a.SourcePath,
		a.PositionStart, a.PositionEnd, a.SortOrder, a.CreatedBy, a.CreatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArticle(row scanner) (*Article, error) {
	a := &Article{}
	var models string
	err := row.Scan(
		&a.ID, &a.Title, &a.Slug, &a.Summary, &a.Content, &a.Category, &a.Subcategory,
		&a.ProductLine, &models, &a.Visibility, &a.Status, &a.Level, &a.SourcePath,
		&a.PositionStart, &a.PositionEnd, &a.SortOrder, &a.CreatedBy, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if models != "" {
		if err := json.Unmarshal([]byte(models), &a.ProductModels); err != nil {
			return nil, fmt.Errorf("article %s: product_models: %w", a.Slug, err)
		}
	}
	return a, nil
}

// GetBySlug returns the article with slug, or nil when there is none.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Article, error) {
	a, err := scanArticle(s.DB.QueryRowContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ListByCategory returns a category's articles in document order.
func (s *Store) ListByCategory(ctx context.Context, category string) ([]*Article, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE category = ? ORDER BY sort_order, slug`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountByCategory returns how many articles a category holds.
func (s *Store) CountByCategory(ctx context.Context, category string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles WHERE category = ?`, category).Scan(&n)
	return n, err
}

// CategoryCount is one row of Categories.
type CategoryCount struct {
	Category string `json:"category"`
	Articles int    `json:"articles"`
}

// Categories lists every category with its article count.
func (s *Store) Categories(ctx context.Context) ([]CategoryCount, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM articles GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CategoryCount
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.Category, &c.Articles); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
