// Package trace registers the "sqlite-trace" database/sql driver: the
// modernc.org/sqlite driver wrapped so every statement against the article
// store is classified by verb and table, logged through slog and handed to
// an optional Recorder. Commits and rollbacks are observed too, which times
// a whole category replacement.
//
//	import _ "github.com/hazyhaar/kbingest/trace"
//	db, _ := dbopen.Open("kb.db", dbopen.WithTrace())
//
// Levels: Debug normally, Warn above the slow threshold, Error on failure.
// PRAGMA statements are recorded but only logged when slow or failing. The
// run id and trace id come from the statement's context.
package trace

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
)

// Entry is one observed statement or transaction outcome.
type Entry struct {
	TraceID  string
	RunID    string
	Op       string // "Exec", "Query", "Commit" or "Rollback"
	Verb     string // leading SQL keyword: INSERT, DELETE, SELECT, PRAGMA...
	Table    string // target table when one can be read from the query
	Query    string
	Rows     int64 // rows affected by an Exec, -1 otherwise
	Duration time.Duration
	Err      error
}

// Recorder receives every traced statement. It must not block.
type Recorder func(Entry)

var (
	mu       sync.RWMutex
	recorder Recorder
	logger   *slog.Logger
	slow     = 100 * time.Millisecond
)

// SetRecorder installs r; nil disables recording (logging continues).
func SetRecorder(r Recorder) {
	mu.Lock()
	recorder = r
	mu.Unlock()
}

// SetLogger sets the logger used for statements; nil means slog.Default().
func SetLogger(l *slog.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetSlowThreshold changes the duration above which statements log at Warn.
func SetSlowThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	mu.Lock()
	slow = d
	mu.Unlock()
}

func current() (Recorder, *slog.Logger, time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	if l == nil {
		l = slog.Default()
	}
	return recorder, l, slow
}

func init() {
	sql.Register("sqlite-trace", &TracingDriver{
		Driver: &sqlite.Driver{},
	})
}
