package trace

import (
	"context"
	"database/sql/driver"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/kbingest/kit"
)

// TracingDriver wraps a driver.Driver so every prepared statement and
// transaction outcome on the article store is observed.
type TracingDriver struct {
	driver.Driver
}

func (d *TracingDriver) Open(name string) (driver.Conn, error) {
	conn, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &tracedConn{Conn: conn}, nil
}

type tracedConn struct {
	driver.Conn
}

func (c *tracedConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *tracedConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var stmt driver.Stmt
	var err error
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		stmt, err = pc.PrepareContext(ctx, query)
	} else {
		stmt, err = c.Conn.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	verb, table := classify(query)
	return &tracedStmt{Stmt: stmt, query: query, verb: verb, table: table}, nil
}

// BeginTx keeps ctx so Commit and Rollback are attributed to the import
// run that opened the transaction (ReplaceCategory).
func (c *tracedConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	var tx driver.Tx
	var err error
	if bt, ok := c.Conn.(driver.ConnBeginTx); ok {
		tx, err = bt.BeginTx(ctx, opts)
	} else {
		tx, err = c.Conn.Begin()
	}
	if err != nil {
		return nil, err
	}
	return &tracedTx{Tx: tx, ctx: ctx, start: time.Now()}, nil
}

type tracedTx struct {
	driver.Tx
	ctx   context.Context
	start time.Time
}

func (t *tracedTx) Commit() error {
	err := t.Tx.Commit()
	observe(t.ctx, Entry{Op: "Commit", Verb: "COMMIT", Duration: time.Since(t.start), Err: err, Rows: -1})
	return err
}

func (t *tracedTx) Rollback() error {
	err := t.Tx.Rollback()
	observe(t.ctx, Entry{Op: "Rollback", Verb: "ROLLBACK", Duration: time.Since(t.start), Err: err, Rows: -1})
	return err
}

type tracedStmt struct {
	driver.Stmt
	query string
	verb  string
	table string
}

func (s *tracedStmt) entry(op string, start time.Time, err error) Entry {
	return Entry{Op: op, Query: s.query, Verb: s.verb, Table: s.table, Duration: time.Since(start), Err: err, Rows: -1}
}

func (s *tracedStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var res driver.Result
	var err error
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args))
	}
	e := s.entry("Exec", start, err)
	if err == nil && res != nil {
		if n, rerr := res.RowsAffected(); rerr == nil {
			e.Rows = n
		}
	}
	observe(ctx, e)
	return res, err
}

func (s *tracedStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var rows driver.Rows
	var err error
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args))
	}
	observe(ctx, s.entry("Query", start, err))
	return rows, err
}

// tableRe finds the table a statement targets: the first name after
// INTO, FROM, UPDATE, TABLE or INDEX ... ON.
var tableRe = regexp.MustCompile(`(?is)\b(?:into|from|update|table(?:\s+if\s+(?:not\s+)?exists)?|on)\s+["'\x60]?([A-Za-z_][A-Za-z0-9_]*)`)

// classify returns the leading keyword and target table of query.
func classify(query string) (verb, table string) {
	q := strings.TrimSpace(query)
	if i := strings.IndexFunc(q, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' || r == '(' }); i > 0 {
		verb = strings.ToUpper(q[:i])
	} else {
		verb = strings.ToUpper(q)
	}
	if verb == "PRAGMA" {
		return verb, ""
	}
	if m := tableRe.FindStringSubmatch(q); m != nil {
		table = strings.ToLower(m[1])
	}
	return verb, table
}

func observe(ctx context.Context, e Entry) {
	rec, log, slowAfter := current()
	e.TraceID = kit.GetTraceID(ctx)
	e.RunID = kit.GetRunID(ctx)

	level := slog.LevelDebug
	switch {
	case e.Err != nil:
		level = slog.LevelError
	case e.Duration > slowAfter:
		level = slog.LevelWarn
	case e.Verb == "PRAGMA":
		// connection setup from dbopen; only worth a line when slow or failing
		if rec != nil {
			rec(e)
		}
		return
	}

	if log.Enabled(ctx, level) {
		attrs := []slog.Attr{
			slog.String("component", "sql"),
			slog.String("op", e.Op),
			slog.String("verb", e.Verb),
			slog.Duration("duration", e.Duration),
		}
		if e.Table != "" {
			attrs = append(attrs, slog.String("table", e.Table))
		}
		if e.Rows >= 0 {
			attrs = append(attrs, slog.Int64("rows", e.Rows))
		}
		if e.RunID != "" {
			attrs = append(attrs, slog.String("run_id", e.RunID))
		}
		if e.TraceID != "" && e.TraceID != e.RunID {
			attrs = append(attrs, slog.String("trace_id", e.TraceID))
		}
		if e.Query != "" && level != slog.LevelDebug {
			attrs = append(attrs, slog.String("query", e.Query))
		}
		if e.Err != nil {
			attrs = append(attrs, slog.String("error", e.Err.Error()))
		}
		log.LogAttrs(ctx, level, "sql", attrs...)
	}

	if rec != nil {
		rec(e)
	}
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
