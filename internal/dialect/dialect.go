// Package dialect isolates everything that differs between the supported
// database engines: driver registration, identifier quoting, placeholders,
// column types, DDL details and the classification of constraint errors.
package dialect

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gideon-mc/orm/internal/registry"
)

// Dialect describes one database engine.
type Dialect interface {
	// Name is the configuration name, e.g. "sqlite".
	Name() string
	// DriverName is the database/sql driver to open.
	DriverName() string
	// DSN builds the data source name from the configured database name and
	// an optional explicit DSN.
	DSN(dbName, dsn string) (string, error)
	// Setup returns statements executed once after connecting.
	Setup() []string

	Quote(ident string) string
	// Placeholder returns the bind marker of the n-th argument, 1-based.
	Placeholder(n int) string
	// Returning reports whether inserts return identities through
	// RETURNING instead of LastInsertId.
	Returning() bool

	ColumnType(p *registry.Property) string
	IdentityColumn(p *registry.Property) string
	// IndexForeignKeys reports whether foreign key columns need an
	// explicit index.
	IndexForeignKeys() bool
	// TransactionalDDL reports whether schema changes can be rolled back.
	TransactionalDDL() bool
	DropTable(table string) string
	// TableExists is a query with one placeholder for the table name that
	// returns a row when the table exists.
	TableExists() string

	// Classify maps a driver error to a constraint violation, or nil when
	// err is something else.
	Classify(err error) *Violation
}

// New returns the dialect registered under name.
//
//	sqlite            modernc.org/sqlite
//	mysql             github.com/go-sql-driver/mysql
//	postgres, pgx     github.com/jackc/pgx/v5/stdlib
//	pq                github.com/lib/pq
func New(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "mysql", "mariadb":
		return MySQL{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{Driver: "pgx"}, nil
	case "pq":
		return Postgres{Driver: "postgres"}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", name)
	}
}

// ViolationKind is the class of a violated constraint.
type ViolationKind int

const (
	ForeignKey ViolationKind = iota + 1
	Unique
	NotNull
	Check
)

func (k ViolationKind) String() string {
	switch k {
	case ForeignKey:
		return "foreign key"
	case Unique:
		return "unique"
	case NotNull:
		return "not null"
	case Check:
		return "check"
	default:
		return "constraint"
	}
}

// Violation is a driver-neutral constraint failure.
type Violation struct {
	Kind       ViolationKind
	Table      string
	Column     string
	Constraint string
	Err        error
}

// category is the engine-independent storage class of a Go type.
type category int

const (
	catInt category = iota
	catBigInt
	catString
	catBool
	catFloat
	catTime
	catBytes
)

var timeType = reflect.TypeOf(time.Time{})

func categorize(t reflect.Type) category {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return catInt
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64:
		return catBigInt
	case reflect.Bool:
		return catBool
	case reflect.Float32, reflect.Float64:
		return catFloat
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return catBytes
		}
	case reflect.Struct:
		if t.ConvertibleTo(timeType) {
			return catTime
		}
	}
	return catString
}

// storageType returns the Go type whose category decides the column type.
// Foreign keys take the type of the referenced identity.
func storageType(p *registry.Property) reflect.Type {
	if p.Kind == registry.ManyToOne && p.Target != nil {
		return p.Target.PK.Type
	}
	return p.Type
}

func columnType(types map[category]string, p *registry.Property) string {
	if p.SQLType != "" {
		return p.SQLType
	}
	return types[categorize(storageType(p))]
}

func plainColumn(d Dialect, p *registry.Property) string {
	def := d.Quote(p.Column) + " " + d.ColumnType(p)
	if !p.Nullable {
		def += " NOT NULL"
	}
	if p.Primary {
		def += " PRIMARY KEY"
	}
	if p.Unique && !p.Primary {
		def += " UNIQUE"
	}
	return def
}

func quoteWith(ident, quote string) string {
	return quote + strings.ReplaceAll(ident, quote, quote+quote) + quote
}
