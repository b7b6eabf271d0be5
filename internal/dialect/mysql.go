package dialect

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	internal "github.com/gideon-mc/orm/internal/orm"
	"github.com/gideon-mc/orm/internal/registry"
)

// MySQL server error numbers mapped to violations.
const (
	mysqlDuplicateEntry  = 1062
	mysqlRowIsReferenced = 1451
	mysqlNoReferencedRow = 1452
	mysqlBadNull         = 1048
	mysqlCheckViolated   = 3819
)

var mysqlTypes = map[category]string{
	catInt:    "INT",
	catBigInt: "BIGINT",
	catString: "VARCHAR(255)",
	catBool:   "TINYINT(1)",
	catFloat:  "DOUBLE",
	catTime:   "DATETIME(6)",
	catBytes:  "BLOB",
}

// MySQL is the dialect of github.com/go-sql-driver/mysql.
type MySQL struct{}

func (MySQL) Name() string       { return "mysql" }
func (MySQL) DriverName() string { return "mysql" }

// DSN always turns on parseTime so DATETIME columns scan into time.Time.
// Without an explicit DSN a local connection to dbName is assumed.
func (MySQL) DSN(dbName, dsn string) (string, error) {
	cfg := mysql.NewConfig()
	if dsn != "" {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg = parsed
	}
	if cfg.DBName == "" {
		cfg.DBName = dbName
	}
	if cfg.DBName == "" {
		return "", errors.New("mysql needs a database name")
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func (MySQL) Setup() []string { return nil }

func (MySQL) Quote(ident string) string { return quoteWith(ident, "`") }
func (MySQL) Placeholder(int) string    { return "?" }
func (MySQL) Returning() bool           { return false }
func (MySQL) IndexForeignKeys() bool    { return false }
func (MySQL) TransactionalDDL() bool    { return false }

func (MySQL) ColumnType(p *registry.Property) string {
	return columnType(mysqlTypes, p)
}

func (d MySQL) IdentityColumn(p *registry.Property) string {
	return d.Quote(p.Column) + " " + d.ColumnType(p) + " NOT NULL AUTO_INCREMENT PRIMARY KEY"
}

func (d MySQL) DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.Quote(table)
}

func (MySQL) TableExists() string {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
}

func (MySQL) Classify(err error) *Violation {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return nil
	}

	var kind ViolationKind
	switch me.Number {
	case mysqlDuplicateEntry:
		kind = Unique
	case mysqlRowIsReferenced, mysqlNoReferencedRow:
		kind = ForeignKey
	case mysqlBadNull:
		kind = NotNull
	case mysqlCheckViolated:
		kind = Check
	default:
		return nil
	}

	parts, _ := internal.Regexp.MYSQL_CONSTRAINT(me.Message)
	return &Violation{
		Kind:       kind,
		Table:      parts.Table,
		Column:     parts.Column,
		Constraint: parts.Name,
		Err:        err,
	}
}
