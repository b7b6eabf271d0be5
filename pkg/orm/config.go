package orm

import (
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// Config configures Init.
type Config struct {
	// Driver is one of sqlite, mysql, postgres (pgx) or pq (lib/pq).
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DBName is the database name, or the file for sqlite. ":memory:" opens
	// a private in-memory database.
	DBName string `mapstructure:"db_name" yaml:"db_name"`
	// DSN overrides the connection string derived from DBName.
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`
	// Debug lists the enabled diagnostic namespaces: query, query-params,
	// schema, discovery, info, or all.
	Debug []string `mapstructure:"debug" yaml:"debug,omitempty"`
	Pool  Pool     `mapstructure:"pool" yaml:"pool"`

	// Entities are the struct types to map, as values or pointers.
	Entities []any `mapstructure:"-" yaml:"-"`
	// Logger receives all output. Defaults to the package logger on stderr.
	Logger *log.Logger `mapstructure:"-" yaml:"-"`
	// TracerProvider creates the spans of ORM operations. Defaults to the
	// global otel provider.
	TracerProvider trace.TracerProvider `mapstructure:"-" yaml:"-"`
}

// Pool tunes the database/sql connection pool.
type Pool struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 5 * time.Minute
)

// DefaultConfig returns a configuration for a private in-memory sqlite
// database.
func DefaultConfig() Config {
	return Config{
		Driver: "sqlite",
		DBName: ":memory:",
		Pool: Pool{
			MaxOpenConns:    defaultMaxOpenConns,
			MaxIdleConns:    defaultMaxIdleConns,
			ConnMaxLifetime: defaultConnMaxLifetime,
		},
	}
}
