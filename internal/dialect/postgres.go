package dialect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"

	"github.com/gideon-mc/orm/internal/registry"
)

// SQLSTATE codes of integrity constraint violations.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgNotNullViolation    = "23502"
	pgCheckViolation      = "23514"
)

var postgresTypes = map[category]string{
	catInt:    "INTEGER",
	catBigInt: "BIGINT",
	catString: "VARCHAR(255)",
	catBool:   "BOOLEAN",
	catFloat:  "DOUBLE PRECISION",
	catTime:   "TIMESTAMPTZ",
	catBytes:  "BYTEA",
}

// Postgres is the PostgreSQL dialect. Driver selects either the pgx stdlib
// driver ("pgx") or lib/pq ("postgres").
type Postgres struct {
	Driver string
}

func (Postgres) Name() string { return "postgres" }

func (d Postgres) DriverName() string {
	if d.Driver == "" {
		return "pgx"
	}
	return d.Driver
}

// DSN validates an explicit DSN with the selected driver's parser, or
// builds a keyword/value DSN for dbName.
func (d Postgres) DSN(dbName, dsn string) (string, error) {
	if dsn == "" {
		if dbName == "" {
			return "", errors.New("postgres needs a database name or dsn")
		}
		return fmt.Sprintf("dbname=%s", dbName), nil
	}

	if d.DriverName() == "postgres" {
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			converted, err := pq.ParseURL(dsn)
			if err != nil {
				return "", fmt.Errorf("invalid postgres url: %w", err)
			}
			return converted, nil
		}
		return dsn, nil
	}

	if _, err := pgx.ParseConfig(dsn); err != nil {
		return "", fmt.Errorf("invalid postgres dsn: %w", err)
	}
	return dsn, nil
}

func (Postgres) Setup() []string { return nil }

func (Postgres) Quote(ident string) string { return quoteWith(ident, `"`) }
func (Postgres) Placeholder(n int) string  { return fmt.Sprintf("$%d", n) }
func (Postgres) Returning() bool           { return true }
func (Postgres) IndexForeignKeys() bool    { return true }
func (Postgres) TransactionalDDL() bool    { return true }

func (Postgres) ColumnType(p *registry.Property) string {
	return columnType(postgresTypes, p)
}

func (d Postgres) IdentityColumn(p *registry.Property) string {
	serial := "BIGSERIAL"
	if categorize(p.Type) == catInt {
		serial = "SERIAL"
	}
	return d.Quote(p.Column) + " " + serial + " PRIMARY KEY"
}

func (d Postgres) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table) + " CASCADE"
}

func (Postgres) TableExists() string {
	return "SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = current_schema() AND tablename = $1"
}

func (Postgres) Classify(err error) *Violation {
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		return postgresViolation(pge.Code, pge.TableName, pge.ColumnName, pge.ConstraintName, err)
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		return postgresViolation(string(pqe.Code), pqe.Table, pqe.Column, pqe.Constraint, err)
	}
	return nil
}

func postgresViolation(code, table, column, constraint string, err error) *Violation {
	var kind ViolationKind
	switch code {
	case pgUniqueViolation:
		kind = Unique
	case pgForeignKeyViolation:
		kind = ForeignKey
	case pgNotNullViolation:
		kind = NotNull
	case pgCheckViolation:
		kind = Check
	default:
		return nil
	}
	return &Violation{Kind: kind, Table: table, Column: column, Constraint: constraint, Err: err}
}
