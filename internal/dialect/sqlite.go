package dialect

import (
	"errors"
	"strings"

	internal "github.com/gideon-mc/orm/internal/orm"
	"github.com/gideon-mc/orm/internal/registry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// MemoryDB is the database name of a private in-memory sqlite database.
const MemoryDB = ":memory:"

var sqliteTypes = map[category]string{
	catInt:    "INTEGER",
	catBigInt: "INTEGER",
	catString: "TEXT",
	catBool:   "INTEGER",
	catFloat:  "REAL",
	catTime:   "DATETIME",
	catBytes:  "BLOB",
}

// SQLite is the dialect of the pure Go modernc.org/sqlite driver.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite" }

// DSN enables foreign key enforcement on every pooled connection.
func (SQLite) DSN(dbName, dsn string) (string, error) {
	if dsn == "" {
		dsn = dbName
	}
	if dsn == "" {
		dsn = MemoryDB
	}
	if strings.Contains(dsn, "foreign_keys") {
		return dsn, nil
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)", nil
}

func (SQLite) Setup() []string {
	return []string{"PRAGMA foreign_keys = ON"}
}

func (SQLite) Quote(ident string) string { return quoteWith(ident, `"`) }
func (SQLite) Placeholder(int) string    { return "?" }
func (SQLite) Returning() bool           { return false }
func (SQLite) IndexForeignKeys() bool    { return true }
func (SQLite) TransactionalDDL() bool    { return true }

func (SQLite) ColumnType(p *registry.Property) string {
	return columnType(sqliteTypes, p)
}

func (d SQLite) IdentityColumn(p *registry.Property) string {
	return d.Quote(p.Column) + " INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT"
}

func (d SQLite) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

func (SQLite) TableExists() string {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (SQLite) Classify(err error) *Violation {
	if err == nil {
		return nil
	}

	kind := ViolationKind(0)
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			kind = ForeignKey
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			kind = Unique
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			kind = NotNull
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			kind = Check
		default:
			if se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
				return nil
			}
		}
	}

	msg := err.Error()
	parts, ok := internal.Regexp.SQLITE_CONSTRAINT(msg)
	if kind == 0 {
		if !ok {
			return nil
		}
		kind = sqliteKind(msg)
	}
	return &Violation{Kind: kind, Table: parts.Table, Column: parts.Column, Err: err}
}

func sqliteKind(msg string) ViolationKind {
	switch {
	case strings.Contains(msg, "FOREIGN KEY"):
		return ForeignKey
	case strings.Contains(msg, "UNIQUE"):
		return Unique
	case strings.Contains(msg, "NOT NULL"):
		return NotNull
	case strings.Contains(msg, "CHECK"):
		return Check
	}
	return 0
}
