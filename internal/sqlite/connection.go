// Package sqlite provides asynchronous access to a single SQLite database.
//
// All database work is serialized onto one background worker goroutine that
// owns the native connection. Callers enqueue closures and await replies on
// per-call channels. The preupdate hook fires on the worker inside the
// mutating statement; heavy hook work must be re-scheduled with
// CallAndForget so it runs on the same worker after the statement.
//
// Building requires the mattn/go-sqlite3 `sqlite_preupdate_hook` tag.
package sqlite

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/litebase-eu/litebase/internal/observability"
)

// task is one unit of work executed on the worker with exclusive access to
// the native connection.
type task func(conn *sqlite3.SQLiteConn)

// taskQueue is an unbounded MPSC queue. Go channels are bounded, so the
// worker drains a slice guarded by a cond instead.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []task
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a task. Returns false when the queue is closed.
func (q *taskQueue) push(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	q.cond.Signal()
	return true
}

// pop blocks until a task is available or the queue is closed and drained.
func (q *taskQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Conn is a cloneable handle to the worker-owned SQLite connection.
type Conn struct {
	queue   *taskQueue
	done    chan struct{}
	metrics *observability.Metrics
}

// Open opens the database at path and starts the worker. The DSN enables
// WAL, foreign keys and a 10s busy timeout.
func Open(path string) (*Conn, error) {
	dsn := path + "?" + url.Values{
		"_busy_timeout": {"10000"},
		"_journal_mode": {"WAL"},
		"_foreign_keys": {"on"},
	}.Encode()
	return open(dsn)
}

// OpenInMemory opens a fresh private in-memory database.
func OpenInMemory() (*Conn, error) {
	return open("file::memory:?mode=memory&_busy_timeout=10000&_foreign_keys=on")
}

func open(dsn string) (*Conn, error) {
	d := &sqlite3.SQLiteDriver{}
	dc, err := d.Open(dsn)
	if err != nil {
		return nil, wrapSqlite(err)
	}
	native, ok := dc.(*sqlite3.SQLiteConn)
	if !ok {
		_ = dc.Close()
		return nil, fmt.Errorf("unexpected driver connection type %T", dc)
	}

	c := &Conn{
		queue: newTaskQueue(),
		done:  make(chan struct{}),
	}
	go c.run(native)
	return c, nil
}

// SetMetrics sets the metrics instance for recording statement metrics.
func (c *Conn) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

func (c *Conn) run(native *sqlite3.SQLiteConn) {
	defer close(c.done)
	for {
		t, ok := c.queue.pop()
		if !ok {
			break
		}
		t(native)
	}
	native.RegisterPreUpdateHook(nil)
	if err := native.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing SQLite connection failed")
	}
}

// Call runs fn on the worker with exclusive access to the connection and
// waits for it to finish. ctx only governs the wait: a call that already
// started still completes on the worker, its result is discarded.
func (c *Conn) Call(ctx context.Context, fn func(conn *sqlite3.SQLiteConn) error) error {
	reply := make(chan error, 1)
	ok := c.queue.push(func(conn *sqlite3.SQLiteConn) {
		reply <- fn(conn)
	})
	if !ok {
		return ErrConnClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallAndForget schedules fn on the worker without waiting. Used by the
// preupdate hook to push continuation work behind the triggering statement.
func (c *Conn) CallAndForget(fn func(conn *sqlite3.SQLiteConn)) {
	c.queue.push(fn)
}

// Query runs a SELECT and materializes all rows. args is either positional
// values or a single map[string]any of named parameters (":name" in SQL).
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	start := time.Now()
	var rows Rows
	err := c.Call(ctx, func(conn *sqlite3.SQLiteConn) error {
		var err error
		rows, err = queryOnConn(conn, sql, args)
		return err
	})
	c.observe("query", sql, start, err)
	return rows, err
}

// QueryRow runs a SELECT expected to produce at most one row. Returns
// ErrNoRows when the result is empty.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) (*Row, error) {
	rows, err := c.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if rows.Len() == 0 {
		return nil, ErrNoRows
	}
	return rows.Row(0), nil
}

// Execute runs a single statement and returns the number of affected rows.
func (c *Conn) Execute(ctx context.Context, sql string, args ...any) (int64, error) {
	start := time.Now()
	var affected int64
	err := c.Call(ctx, func(conn *sqlite3.SQLiteConn) error {
		nvs, err := namedValues(args)
		if err != nil {
			return err
		}
		res, err := conn.ExecContext(context.Background(), sql, nvs)
		if err != nil {
			return wrapSqlite(err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	c.observe("execute", sql, start, err)
	return affected, err
}

// ExecuteBatch runs a semicolon-separated batch of statements and returns
// the rows produced by the last one, if any.
func (c *Conn) ExecuteBatch(ctx context.Context, sql string) (*Rows, error) {
	stmts := splitStatements(sql)
	if len(stmts) == 0 {
		return nil, nil
	}

	start := time.Now()
	var last *Rows
	err := c.Call(ctx, func(conn *sqlite3.SQLiteConn) error {
		for i, stmt := range stmts {
			if i == len(stmts)-1 {
				rows, err := queryOnConn(conn, stmt, nil)
				if err != nil {
					return err
				}
				last = &rows
				return nil
			}
			if _, err := conn.ExecContext(context.Background(), stmt, nil); err != nil {
				return wrapSqlite(err)
			}
		}
		return nil
	})
	c.observe("batch", sql, start, err)
	return last, err
}

// Close shuts the worker down. Idempotent: closing an already-closed handle
// (or a clone whose worker is gone) returns nil.
func (c *Conn) Close() error {
	c.queue.close()
	<-c.done
	return nil
}

func (c *Conn) observe(op, sql string, start time.Time, err error) {
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordStatement(op, elapsed, err)
	}
	if elapsed > time.Second {
		log.Warn().
			Dur("duration", elapsed).
			Str("query", truncate(sql, 200)).
			Msg("Slow statement")
	}
}

func queryOnConn(conn *sqlite3.SQLiteConn, sql string, args []any) (Rows, error) {
	nvs, err := namedValues(args)
	if err != nil {
		return Rows{}, err
	}
	dr, err := conn.QueryContext(context.Background(), sql, nvs)
	if err != nil {
		return Rows{}, wrapSqlite(err)
	}
	defer func() { _ = dr.Close() }()

	names := dr.Columns()
	cols := make([]Column, len(names))
	for i, name := range names {
		cols[i] = Column{Name: name}
	}
	if sr, ok := dr.(*sqlite3.SQLiteRows); ok {
		for i, decl := range sr.DeclTypes() {
			if i < len(cols) {
				cols[i].DeclType = ParseDeclType(decl)
			}
		}
	}

	var values [][]any
	dest := make([]driver.Value, len(cols))
	for {
		if err := dr.Next(dest); err != nil {
			if err == io.EOF {
				break
			}
			return Rows{}, wrapSqlite(err)
		}
		row := make([]any, len(dest))
		for i, v := range dest {
			// The driver may reuse blob buffers between steps.
			if b, ok := v.([]byte); ok {
				row[i] = append([]byte(nil), b...)
			} else {
				row[i] = v
			}
		}
		values = append(values, row)
	}
	return newRows(cols, values), nil
}

// namedValues converts caller arguments to driver values. A single
// map[string]any argument binds by name, anything else positionally.
func namedValues(args []any) ([]driver.NamedValue, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if m, ok := args[0].(map[string]any); ok && len(args) == 1 {
		nvs := make([]driver.NamedValue, 0, len(m))
		ordinal := 1
		for name, v := range m {
			dv, err := toDriverValue(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}
			nvs = append(nvs, driver.NamedValue{Name: name, Ordinal: ordinal, Value: dv})
			ordinal++
		}
		return nvs, nil
	}
	nvs := make([]driver.NamedValue, len(args))
	for i, v := range args {
		dv, err := toDriverValue(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i+1, err)
		}
		nvs[i] = driver.NamedValue{Ordinal: i + 1, Value: dv}
	}
	return nvs, nil
}

func toDriverValue(v any) (driver.Value, error) {
	switch t := v.(type) {
	case nil, int64, float64, bool, string, []byte, time.Time:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return float64(t), nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// splitStatements splits a batch on semicolons outside quotes. Line
// comments are not supported inside batches.
func splitStatements(sql string) []string {
	var stmts []string
	var quote byte
	start := 0
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == ';':
			if s := trimStatement(sql[start:i]); s != "" {
				stmts = append(stmts, s)
			}
			start = i + 1
		}
	}
	if s := trimStatement(sql[start:]); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

func trimStatement(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\n' || s[0] == '\t' || s[0] == '\r') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n' || s[len(s)-1] == '\t' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
