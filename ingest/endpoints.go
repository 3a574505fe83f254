package ingest

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hazyhaar/kbingest/docpipe"
	"github.com/hazyhaar/kbingest/horosafe"
	"github.com/hazyhaar/kbingest/kbstore"
	"github.com/hazyhaar/kbingest/kit"
	"github.com/hazyhaar/kbingest/observability"
)

// Requests shared by the MCP tools and the HTTP API.

type extractRequest struct {
	Path      string `json:"path"`
	OutputDir string `json:"output_dir,omitempty"`
}

type importRequest struct {
	extractRequest
	kbstore.Meta
	// Markdown imports path as externally authored Markdown.
	Markdown bool `json:"markdown,omitempty"`
}

type articlesRequest struct {
	Category string `json:"category,omitempty"`
	Content  bool   `json:"content,omitempty"`
}

type runsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type formatsResponse struct {
	Formats []string `json:"formats"`
}

type articlesResponse struct {
	Category   string                  `json:"category,omitempty"`
	Articles   []*kbstore.Article      `json:"articles,omitempty"`
	Categories []kbstore.CategoryCount `json:"categories,omitempty"`
}

type runOut struct {
	ID         string `json:"run_id"`
	Source     string `json:"source"`
	Category   string `json:"category"`
	Mode       string `json:"mode"`
	Status     string `json:"status"`
	Sections   int    `json:"sections"`
	Images     int    `json:"images"`
	Skipped    int    `json:"skipped"`
	Deleted    int    `json:"deleted"`
	Inserted   int    `json:"inserted"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

// endpoint wraps ep with the standard middleware.
func (p *Pipeline) endpoint(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.WithLogging(p.logger, name))(ep)
}

func (p *Pipeline) formatsEndpoint() kit.Endpoint {
	return p.endpoint("kb_formats", func(ctx context.Context, _ any) (any, error) {
		return formatsResponse{Formats: docpipe.SupportedFormats()}, nil
	})
}

func (p *Pipeline) extractEndpoint() kit.Endpoint {
	return p.endpoint("kb_extract", func(ctx context.Context, req any) (any, error) {
		r := req.(*extractRequest)
		src, out, err := p.resolvePaths(r.Path, r.OutputDir)
		if err != nil {
			return nil, err
		}
		return p.Extract(ctx, src, out)
	})
}

func (p *Pipeline) importEndpoint() kit.Endpoint {
	return p.endpoint("kb_import", func(ctx context.Context, req any) (any, error) {
		r := req.(*importRequest)
		src, out, err := p.resolvePaths(r.Path, r.OutputDir)
		if err != nil {
			return nil, err
		}
		var res *Result
		if r.Markdown {
			res, _, err = p.ImportMarkdown(ctx, src, r.Meta)
		} else {
			res, _, err = p.Import(ctx, src, out, r.Meta)
		}
		return res, err
	})
}

func (p *Pipeline) articlesEndpoint() kit.Endpoint {
	return p.endpoint("kb_articles", func(ctx context.Context, req any) (any, error) {
		if p.store == nil {
			return nil, fmt.Errorf("no article store configured")
		}
		r := req.(*articlesRequest)
		if r.Category == "" {
			cats, err := p.store.Categories(ctx)
			if err != nil {
				return nil, err
			}
			return articlesResponse{Categories: cats}, nil
		}
		list, err := p.store.ListByCategory(ctx, r.Category)
		if err != nil {
			return nil, err
		}
		if !r.Content {
			for _, a := range list {
				a.Content = ""
			}
		}
		return articlesResponse{Category: r.Category, Articles: list}, nil
	})
}

func (p *Pipeline) runsEndpoint() kit.Endpoint {
	return p.endpoint("kb_runs", func(ctx context.Context, req any) (any, error) {
		if p.runs == nil {
			return nil, fmt.Errorf("no article store configured")
		}
		r := req.(*runsRequest)
		runs, err := p.runs.Recent(ctx, r.Limit)
		if err != nil {
			return nil, err
		}
		out := make([]runOut, len(runs))
		for i, run := range runs {
			out[i] = toRunOut(run)
		}
		return out, nil
	})
}

func toRunOut(r observability.Run) runOut {
	o := runOut{
		ID:        r.ID,
		Source:    r.SourcePath,
		Category:  r.Category,
		Mode:      r.Mode,
		Status:    r.Status,
		Sections:  r.Sections,
		Images:    r.Images,
		Skipped:   r.Skipped,
		Deleted:   r.Deleted,
		Inserted:  r.Inserted,
		Error:     r.Error,
		StartedAt: r.StartedAt.UnixMilli(),
	}
	if !r.FinishedAt.IsZero() {
		o.FinishedAt = r.FinishedAt.UnixMilli()
	}
	return o
}

// resolvePaths confines request paths to the configured roots. An empty
// output dir becomes <output_root>/<document name>.
func (p *Pipeline) resolvePaths(path, outDir string) (string, string, error) {
	src, err := horosafe.Resolve(p.cfg.HTTP.SourceRoot, path)
	if err != nil {
		return "", "", fmt.Errorf("%w: path: %w", ErrInvalidRequest, err)
	}
	if outDir == "" {
		outDir = documentTitle(src)
		if p.cfg.HTTP.OutputRoot == "" {
			outDir = filepath.Join("images", outDir)
		}
	}
	out, err := horosafe.Resolve(p.cfg.HTTP.OutputRoot, outDir)
	if err != nil {
		return "", "", fmt.Errorf("%w: output_dir: %w", ErrInvalidRequest, err)
	}
	return src, out, nil
}
