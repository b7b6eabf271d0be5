package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/gideon-mc/orm/internal/config"
	"github.com/gideon-mc/orm/pkg/orm"
)

func flagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("ormctl", pflag.ContinueOnError)
	flags.String("driver", "", "")
	flags.String("db-name", "", "")
	flags.String("dsn", "", "")
	flags.StringSlice("debug", nil, "")
	require.NoError(t, flags.Parse(args))
	return flags
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ormctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	c, err := config.Load(flagSet(t), "")
	require.NoError(t, err)
	want := orm.DefaultConfig()
	require.Equal(t, want.Driver, c.Driver)
	require.Equal(t, want.DBName, c.DBName)
	require.Equal(t, want.Pool, c.Pool)
	require.Empty(t, c.Debug)
}

func TestPrecedence(t *testing.T) {
	path := writeFile(t, `
driver: mysql
db_name: from_file
dsn: bob@tcp(db:3306)/from_file
debug: [schema]
pool:
  max_open_conns: 3
  conn_max_lifetime: 90s
`)

	c, err := config.Load(flagSet(t), path)
	require.NoError(t, err)
	require.Equal(t, "mysql", c.Driver)
	require.Equal(t, "from_file", c.DBName)
	require.Equal(t, []string{"schema"}, c.Debug)
	require.Equal(t, 3, c.Pool.MaxOpenConns)
	require.Equal(t, 10, c.Pool.MaxIdleConns)
	require.Equal(t, 90*time.Second, c.Pool.ConnMaxLifetime)

	t.Setenv("ORM_DB_NAME", "from_env")
	t.Setenv("ORM_POOL_MAX_IDLE_CONNS", "2")
	c, err = config.Load(flagSet(t), path)
	require.NoError(t, err)
	require.Equal(t, "from_env", c.DBName)
	require.Equal(t, 2, c.Pool.MaxIdleConns)

	c, err = config.Load(flagSet(t, "--db-name", "from_flag", "--debug", "query,info"), path)
	require.NoError(t, err)
	require.Equal(t, "from_flag", c.DBName)
	require.Equal(t, "mysql", c.Driver)
	require.Equal(t, []string{"query", "info"}, c.Debug)
}

func TestExplicitPathMustExist(t *testing.T) {
	_, err := config.Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to read config")

	_, err = config.Load(nil, writeFile(t, "driver: [oops"))
	require.Error(t, err)
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ormctl.yaml")
	c := orm.DefaultConfig()
	c.Debug = []string{"query"}
	require.NoError(t, config.Write(path, c))
	require.Error(t, config.Write(path, c))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	require.Equal(t, "sqlite", raw["driver"])
	require.Equal(t, ":memory:", raw["db_name"])
	require.NotContains(t, raw, "dsn")
	require.Equal(t, "5m0s", raw["pool"].(map[string]any)["conn_max_lifetime"])

	loaded, err := config.Load(nil, path)
	require.NoError(t, err)
	require.Equal(t, c.Pool, loaded.Pool)
	require.Equal(t, c.Debug, loaded.Debug)
}
