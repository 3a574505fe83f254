package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/kbingest/docpipe"
	"github.com/hazyhaar/kbingest/horosafe"
	"github.com/hazyhaar/kbingest/kit"
	"github.com/hazyhaar/kbingest/shield"
)

// Handler returns the HTTP API:
//
//	POST /v1/extract     {path, output_dir}
//	POST /v1/import      {path, output_dir, category, ..., markdown}
//	GET  /v1/articles    ?category=&content=1
//	GET  /v1/categories
//	GET  /v1/runs        ?limit=
//	GET  /v1/formats
//	GET  /healthz
//	GET  /metrics
func (p *Pipeline) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.APIStack(p.logger, p.cfg.HTTP.MaxBodyBytes) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", p.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/formats", p.serve(p.formatsEndpoint(), func(*http.Request) (any, error) { return nil, nil }))
		r.Post("/extract", p.serve(p.extractEndpoint(), decodeBody[extractRequest]))
		r.Post("/import", p.serve(p.importEndpoint(), decodeBody[importRequest]))
		r.Get("/articles", p.serve(p.articlesEndpoint(), func(r *http.Request) (any, error) {
			q := r.URL.Query()
			content, _ := strconv.ParseBool(q.Get("content"))
			return &articlesRequest{Category: q.Get("category"), Content: content}, nil
		}))
		r.Get("/categories", p.serve(p.articlesEndpoint(), func(*http.Request) (any, error) {
			return &articlesRequest{}, nil
		}))
		r.Get("/runs", p.serve(p.runsEndpoint(), func(r *http.Request) (any, error) {
			return &runsRequest{Limit: queryInt(r, "limit", 20)}, nil
		}))
	})
	return r
}

func (p *Pipeline) serve(ep kit.Endpoint, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ctx := kit.WithTransport(r.Context(), "http")
		resp, err := ep(ctx, req)
		if err != nil {
			writeError(w, statusFor(ctx, err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func decodeBody[T any](r *http.Request) (any, error) {
	data, err := horosafe.LimitedReadAll(r.Body, 1<<20)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// statusFor maps pipeline errors onto HTTP statuses.
func statusFor(ctx context.Context, err error) int {
	switch {
	case errors.Is(err, horosafe.ErrPathTraversal):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrPersistenceCollision):
		return http.StatusConflict
	case errors.Is(err, docpipe.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrSourceUnreadable), errors.Is(err, ErrNoStructure):
		return http.StatusUnprocessableEntity
	case ctx.Err() != nil:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResult{Error: err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}
