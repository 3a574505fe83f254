package shield

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
)

// JSONBody guards the POST endpoints: a request body must be declared as
// application/json and fit in maxBytes. Requests name files on the server;
// they never carry the documents themselves, so the cap is small.
func JSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut {
				next.ServeHTTP(w, r)
				return
			}
			if ct := r.Header.Get("Content-Type"); ct != "" {
				if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
					reject(w, http.StatusUnsupportedMediaType, fmt.Sprintf("content type %q not accepted, send application/json", ct))
					return
				}
			}
			if maxBytes > 0 {
				if r.ContentLength > maxBytes {
					reject(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body over %d bytes", maxBytes))
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeadAsGet answers HEAD on the given read-only paths (health checks,
// metrics scrapers) as if it were GET; net/http drops the body. Other
// HEAD requests fall through to the router.
func HeadAsGet(paths ...string) func(http.Handler) http.Handler {
	readOnly := make(map[string]bool, len(paths))
	for _, p := range paths {
		readOnly[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead && readOnly[r.URL.Path] {
				r.Method = http.MethodGet
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
