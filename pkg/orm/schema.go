package orm

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/gideon-mc/orm/internal/dialect"
	internal "github.com/gideon-mc/orm/internal/orm"
	"github.com/gideon-mc/orm/internal/registry"
)

// SchemaGenerator creates and drops the tables of the registered entities.
type SchemaGenerator struct {
	orm *ORM
}

// Schema returns the schema generator of o.
func (o *ORM) Schema() *SchemaGenerator {
	return &SchemaGenerator{orm: o}
}

func (g *SchemaGenerator) createStatements(entities []*registry.Entity) []string {
	statements := []string{}
	for _, meta := range entities {
		statements = append(statements, dialect.CreateTable(g.orm.dialect, meta)...)
	}
	return statements
}

func (g *SchemaGenerator) dropStatements() []string {
	statements := []string{}
	for _, meta := range slices.Backward(g.orm.registry.Sorted()) {
		statements = append(statements, g.orm.dialect.DropTable(meta.Table))
	}
	return statements
}

func script(statements []string) string {
	var sb strings.Builder
	for _, statement := range statements {
		sb.WriteString(statement)
		sb.WriteString(";\n")
	}
	return sb.String()
}

// CreateSchemaSQL returns the DDL creating every table, in dependency
// order.
func (g *SchemaGenerator) CreateSchemaSQL() string {
	return script(g.createStatements(g.orm.registry.Sorted()))
}

// DropSchemaSQL returns the DDL dropping every table, dependents first.
func (g *SchemaGenerator) DropSchemaSQL() string {
	return script(g.dropStatements())
}

// CreateSchema creates every table. It fails when one already exists.
func (g *SchemaGenerator) CreateSchema(ctx context.Context) error {
	return g.run(ctx, "create", g.createStatements(g.orm.registry.Sorted()))
}

// DropSchema drops every table that exists.
func (g *SchemaGenerator) DropSchema(ctx context.Context) error {
	return g.run(ctx, "drop", g.dropStatements())
}

// RefreshDatabase drops and recreates every table, leaving an empty
// schema matching the entities.
func (g *SchemaGenerator) RefreshDatabase(ctx context.Context) error {
	if err := g.DropSchema(ctx); err != nil {
		return err
	}
	return g.CreateSchema(ctx)
}

// UpdateSchema creates the tables that do not exist yet. Existing tables
// are left untouched.
func (g *SchemaGenerator) UpdateSchema(ctx context.Context) error {
	missing, err := g.missingTables(ctx)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		g.orm.debug.Log(internal.NamespaceSchema, "schema is up to date")
		return nil
	}
	return g.run(ctx, "update", g.createStatements(missing))
}

// missingTables checks every table concurrently and returns the entities
// without one, in dependency order.
func (g *SchemaGenerator) missingTables(ctx context.Context) (_ []*registry.Entity, err error) {
	o := g.orm
	ctx, done, err := o.begin(ctx)
	if err != nil {
		return nil, &SchemaError{Op: "inspect", Err: err}
	}
	defer done()
	ctx, span := o.startSpan(ctx, "orm.schema.inspect")
	defer func() { endSpan(span, err) }()

	sorted := o.registry.Sorted()
	exists := make([]bool, len(sorted))
	group, ctx := errgroup.WithContext(ctx)
	for i, meta := range sorted {
		group.Go(func() error {
			set, err := o.query(ctx, o.db, o.debug, o.dialect.TableExists(), meta.Table)
			if err != nil {
				return &SchemaError{Op: "inspect", Table: meta.Table, Err: err}
			}
			exists[i] = len(set.rows) > 0
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	missing := []*registry.Entity{}
	for i, meta := range sorted {
		if !exists[i] {
			missing = append(missing, meta)
		}
	}
	return missing, nil
}

func (g *SchemaGenerator) run(ctx context.Context, op string, statements []string) (err error) {
	o := g.orm
	ctx, done, err := o.begin(ctx)
	if err != nil {
		return &SchemaError{Op: op, Err: err}
	}
	defer done()
	ctx, span := o.startSpan(ctx, "orm.schema."+op, attribute.Int("orm.statements", len(statements)))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	var ex executor = o.db
	if o.dialect.TransactionalDDL() {
		var tx *sql.Tx
		if tx, err = o.db.BeginTx(ctx, nil); err != nil {
			return &SchemaError{Op: op, Err: mapError(o.dialect, err)}
		}
		defer func() {
			if err != nil {
				if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
					o.debug.Error("failed to roll back", "err", rerr)
				}
			}
		}()
		ex = tx
		defer func() {
			if err == nil {
				if cerr := tx.Commit(); cerr != nil {
					err = &SchemaError{Op: op, Err: cerr}
				}
			}
		}()
	}

	for _, statement := range statements {
		o.debug.Log(internal.NamespaceSchema, statement)
		if _, err := o.exec(ctx, ex, o.debug, statement); err != nil {
			return &SchemaError{Op: op, Table: internal.Regexp.FIELD_NAME(statement), Err: err}
		}
	}
	o.debug.Log(internal.NamespaceSchema, "schema "+op+" done", "statements", len(statements), "took", time.Since(start))
	return nil
}
