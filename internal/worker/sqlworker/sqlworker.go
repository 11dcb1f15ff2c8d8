// Package sqlworker runs named SQL statements and streams the result set
// back one JSON row at a time.
package sqlworker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	// Drivers selectable through the "driver" option.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fenderchamp/bullfinch/internal/jsoncodec"
	"github.com/fenderchamp/bullfinch/internal/telemetry"
	"github.com/fenderchamp/bullfinch/internal/worker"
)

const (
	Class = "sql"

	// QueryLabel is the telemetry label for statement execution.
	QueryLabel = "SQL query execution"
)

var supportedDrivers = map[string]bool{
	"postgres": true,
	"mysql":    true,
	"sqlite3":  true,
}

// OpenDB opens the database handle. Tests replace it.
var OpenDB = sql.Open

// Options configures the handler.
type Options struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Statements maps a request's "statement" to SQL.
	Statements map[string]string `mapstructure:"statements"`
	// QueryTimeout bounds each statement, in milliseconds. Zero means none.
	QueryTimeout int `mapstructure:"query_timeout"`
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

func (o Options) validate() error {
	var errs []error
	if !supportedDrivers[o.Driver] {
		errs = append(errs, fmt.Errorf("driver %q is not one of postgres, mysql, sqlite3", o.Driver))
	}
	if strings.TrimSpace(o.DSN) == "" {
		errs = append(errs, errors.New("dsn is required"))
	}
	if len(o.Statements) == 0 {
		errs = append(errs, errors.New("statements must name at least one statement"))
	}
	if o.QueryTimeout < 0 {
		errs = append(errs, errors.New("query_timeout cannot be negative"))
	}
	return errors.Join(errs...)
}

// Handler executes one of its configured statements per request:
//
//	{"statement": "by_customer", "params": [42], "response_queue": "..."}
//
// Each row is sent as {"row_num": n, "row_data": {column: value}}.
type Handler struct {
	opts Options
	db   *sql.DB
}

func New() worker.Handler {
	return &Handler{}
}

func (h *Handler) Configure(options map[string]any) error {
	var opts Options
	if err := worker.DecodeOptions(options, &opts); err != nil {
		return err
	}
	if err := opts.validate(); err != nil {
		return err
	}

	db, err := OpenDB(opts.Driver, opts.DSN)
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.Driver, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	h.opts = opts
	h.db = db
	return nil
}

// Close releases the database handle.
func (h *Handler) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *Handler) Handle(ctx context.Context, collector telemetry.Collector, req worker.Request) (iter.Seq2[string, error], error) {
	if h.db == nil {
		return nil, errors.New("sqlworker: handler is not configured")
	}
	name, _ := req.String("statement")
	query, ok := h.opts.Statements[name]
	if !ok {
		return nil, fmt.Errorf("sqlworker: unknown statement %q", name)
	}
	args, err := params(req["params"])
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := ctx, context.CancelFunc(func() {})
	if h.opts.QueryTimeout > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, time.Duration(h.opts.QueryTimeout)*time.Millisecond)
	}

	start := time.Now()
	rows, err := h.db.QueryContext(queryCtx, query, args...)
	collector.Add(QueryLabel, time.Since(start), req.Tracer())
	if err != nil {
		cancel()
		return nil, classify(queryCtx, err)
	}

	return func(yield func(string, error) bool) {
		defer cancel()
		defer rows.Close()

		w, err := newRowWriter(rows)
		if err != nil {
			yield("", err)
			return
		}
		for n := 1; rows.Next(); n++ {
			row, err := w.next(n)
			if !yield(row, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", classify(queryCtx, err))
		}
	}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", worker.ErrHandlerTimeout, err)
	}
	return err
}

// params turns the request's "params" list into driver arguments.
func params(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("sqlworker: params must be a list, got %T", v)
	}
	args := make([]any, len(list))
	for i, p := range list {
		n, ok := p.(json.Number)
		if !ok {
			args[i] = p
			continue
		}
		if iv, err := n.Int64(); err == nil {
			args[i] = iv
		} else if fv, err := n.Float64(); err == nil {
			args[i] = fv
		} else {
			args[i] = n.String()
		}
	}
	return args, nil
}

type rowWriter struct {
	rows    *sql.Rows
	names   []string
	kinds   []string
	values  []any
	targets []any
}

func newRowWriter(rows *sql.Rows) (*rowWriter, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	w := &rowWriter{
		rows:    rows,
		names:   make([]string, len(types)),
		kinds:   make([]string, len(types)),
		values:  make([]any, len(types)),
		targets: make([]any, len(types)),
	}
	for i, t := range types {
		w.names[i] = t.Name()
		w.kinds[i] = strings.ToUpper(t.DatabaseTypeName())
		w.targets[i] = &w.values[i]
	}
	return w, nil
}

func (w *rowWriter) next(n int) (string, error) {
	if err := w.rows.Scan(w.targets...); err != nil {
		return "", err
	}
	data := make(map[string]any, len(w.names))
	for i, name := range w.names {
		data[name] = convert(w.kinds[i], w.values[i])
	}
	return jsoncodec.MarshalString(map[string]any{
		"row_num":  n,
		"row_data": data,
	})
}

// convert makes a scanned value JSON friendly: bytes become strings and
// DATE and TIME columns are rendered the way the database would print them.
func convert(kind string, v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		switch kind {
		case "DATE":
			return t.Format(time.DateOnly)
		case "TIME", "TIMETZ":
			return t.Format(time.TimeOnly)
		default:
			return t.Format("2006-01-02 15:04:05.999999999")
		}
	default:
		return v
	}
}
