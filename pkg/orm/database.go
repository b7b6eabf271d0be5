package orm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gideon-mc/orm/internal/dialect"
	internal "github.com/gideon-mc/orm/internal/orm"
	"github.com/gideon-mc/orm/internal/registry"
)

const instrumentationName = "github.com/gideon-mc/orm"

// sqlOpen allows tests to override database opening.
var sqlOpen = sql.Open

// executor is satisfied by *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ORM is a ready handle on one database and one set of registered
// entities. It is safe for concurrent use; the entity managers it hands
// out are not.
type ORM struct {
	config   Config
	db       *sql.DB
	dialect  dialect.Dialect
	registry *registry.Registry
	debug    *internal.Debugger
	tracer   trace.Tracer

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	shutdown context.Context
	cancel   context.CancelFunc
}

// Init connects to the configured database and builds the entity metadata.
// It does not touch the schema; see SchemaGenerator.
//
// Example:
//
//	db, err := orm.Init(ctx, orm.Config{
//	    Driver:   "sqlite",
//	    DBName:   ":memory:",
//	    Entities: []any{Author{}, Book{}},
//	    Debug:    []string{"query", "query-params"},
//	})
//	defer db.Close(ctx, true)
func Init(ctx context.Context, cfg Config) (*ORM, error) {
	debug, err := internal.NewDebugger(cfg.Logger, cfg.Debug)
	if err != nil {
		return nil, &InitializationError{Reason: "invalid debug configuration", Err: err}
	}

	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	d, err := dialect.New(cfg.Driver)
	if err != nil {
		return nil, &InitializationError{Reason: "invalid driver", Err: err}
	}

	reg := registry.New()
	if err := reg.Register(cfg.Entities...); err != nil {
		return nil, &InitializationError{Reason: "entity registration", Err: err}
	}
	if err := reg.Discover(); err != nil {
		return nil, &InitializationError{Reason: "entity discovery", Err: err}
	}
	for _, meta := range reg.Entities() {
		debug.Log(internal.NamespaceDiscovery, "discovered entity", "entity", meta.Name, "table", meta.Table)
	}

	db, err := open(ctx, d, cfg, debug)
	if err != nil {
		return nil, err
	}

	provider := cfg.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	shutdown, cancel := context.WithCancel(context.Background())
	return &ORM{
		config:   cfg,
		db:       db,
		dialect:  d,
		registry: reg,
		debug:    debug,
		tracer:   provider.Tracer(instrumentationName),
		shutdown: shutdown,
		cancel:   cancel,
	}, nil
}

func open(ctx context.Context, d dialect.Dialect, cfg Config, debug *internal.Debugger) (*sql.DB, error) {
	dsn, err := d.DSN(cfg.DBName, cfg.DSN)
	if err != nil {
		return nil, &InitializationError{Reason: "invalid connection settings", Err: err}
	}

	start := time.Now()
	db, err := sqlOpen(d.DriverName(), dsn)
	if err != nil {
		return nil, &InitializationError{Reason: "failed to open database", Err: err}
	}

	pool := cfg.Pool
	if pool.MaxOpenConns == 0 {
		pool.MaxOpenConns = defaultMaxOpenConns
	}
	if pool.MaxIdleConns == 0 {
		pool.MaxIdleConns = defaultMaxIdleConns
	}
	if pool.ConnMaxLifetime == 0 {
		pool.ConnMaxLifetime = defaultConnMaxLifetime
	}
	// Every connection to ":memory:" is a separate database, and a recycled
	// connection loses its data.
	if d.Name() == "sqlite" && (cfg.DBName == dialect.MemoryDB || cfg.DBName == "") && cfg.DSN == "" {
		pool = Pool{MaxOpenConns: 1, MaxIdleConns: 1}
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &InitializationError{Reason: "failed to ping database", Err: err}
	}
	for _, statement := range d.Setup() {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			db.Close()
			return nil, &InitializationError{Reason: fmt.Sprintf("failed to run %q", statement), Err: err}
		}
	}

	debug.Log(internal.NamespaceInfo, "connected to the database",
		"driver", d.DriverName(), "db", cfg.DBName, "took", time.Since(start),
		"max_open_conns", pool.MaxOpenConns)
	return db, nil
}

// DB returns the underlying connection pool.
func (o *ORM) DB() *sql.DB {
	return o.db
}

// Dialect returns the configured dialect name.
func (o *ORM) Dialect() string {
	return o.dialect.Name()
}

// Fork returns a new, empty entity manager.
func (o *ORM) Fork() *EntityManager {
	return newEntityManager(o)
}

// Close releases the connection pool. A forced close cancels operations in
// flight; otherwise Close waits for them until ctx is done. Later
// operations fail with ErrClosed.
func (o *ORM) Close(ctx context.Context, force bool) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	if force {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		o.cancel()
		<-done
	}
	o.cancel()

	o.debug.Log(internal.NamespaceInfo, "closing the database", "forced", force)
	return errors.Join(waitErr, o.db.Close())
}

// begin registers an operation so that Close can wait for or cancel it.
func (o *ORM) begin(ctx context.Context) (context.Context, func(), error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, nil, ErrClosed
	}
	o.inflight.Add(1)
	o.mu.Unlock()

	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(o.shutdown, func() { cancel(ErrClosed) })
	return ctx, func() {
		stop()
		cancel(nil)
		o.inflight.Done()
	}, nil
}

func (o *ORM) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", o.dialect.Name()))
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// rowSet is a fully read query result.
type rowSet struct {
	columns []string
	rows    [][]any
}

// exec runs a statement and returns the result. Driver errors are mapped
// through the dialect.
func (o *ORM) exec(ctx context.Context, ex executor, debug *internal.Debugger, query string, args ...any) (sql.Result, error) {
	ctx, span := o.startSpan(ctx, "orm.query", attribute.String("db.statement", query))
	start := time.Now()

	res, err := ex.ExecContext(ctx, query, args...)
	affected := int64(-1)
	if err == nil {
		if n, rerr := res.RowsAffected(); rerr == nil {
			affected = n
		}
	}
	debug.Query(query, args, time.Since(start), affected, err)

	err = mapError(o.dialect, err)
	endSpan(span, err)
	return res, err
}

// query runs a statement and reads every row before returning, so that the
// connection is free for the next statement.
func (o *ORM) query(ctx context.Context, ex executor, debug *internal.Debugger, query string, args ...any) (*rowSet, error) {
	ctx, span := o.startSpan(ctx, "orm.query", attribute.String("db.statement", query))
	start := time.Now()

	set, err := readRows(ctx, ex, query, args)
	affected := int64(-1)
	if set != nil {
		affected = int64(len(set.rows))
	}
	debug.Query(query, args, time.Since(start), affected, err)

	err = mapError(o.dialect, err)
	endSpan(span, err)
	return set, err
}

func readRows(ctx context.Context, ex executor, query string, args []any) (*rowSet, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	set := &rowSet{columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		set.rows = append(set.rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return set, nil
}
