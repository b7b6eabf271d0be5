// Package config loads the ORM configuration used by ormctl.
//
// Values are resolved from, in increasing precedence: built-in defaults,
// a YAML file, ORM_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/gideon-mc/orm/pkg/orm"
)

const (
	EnvPrefix = "orm"
	FileName  = "ormctl"
)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"driver":  "driver",
	"db-name": "db_name",
	"dsn":     "dsn",
	"debug":   "debug",
}

// Defaults returns the default value of every configuration key.
func Defaults() map[string]any {
	c := orm.DefaultConfig()
	return map[string]any{
		"driver":                 c.Driver,
		"db_name":                c.DBName,
		"dsn":                    c.DSN,
		"debug":                  []string{},
		"pool.max_open_conns":    c.Pool.MaxOpenConns,
		"pool.max_idle_conns":    c.Pool.MaxIdleConns,
		"pool.conn_max_lifetime": c.Pool.ConnMaxLifetime,
	}
}

// Load resolves the configuration. An explicit path must exist; without
// one, ormctl.yaml is looked up in the working directory and the user
// configuration directory, and a missing file is not an error.
func Load(flags *pflag.FlagSet, path string) (orm.Config, error) {
	var c orm.Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, FileName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return c, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return c, err
				}
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("failed to decode config: %w", err)
	}
	return c, nil
}

// file is the YAML layout written by Write. Durations are kept readable.
type file struct {
	Driver string   `yaml:"driver"`
	DBName string   `yaml:"db_name"`
	DSN    string   `yaml:"dsn,omitempty"`
	Debug  []string `yaml:"debug,omitempty"`
	Pool   struct {
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	} `yaml:"pool"`
}

// Marshal renders c as a configuration file.
func Marshal(c orm.Config) ([]byte, error) {
	f := file{Driver: c.Driver, DBName: c.DBName, DSN: c.DSN, Debug: c.Debug}
	f.Pool.MaxOpenConns = c.Pool.MaxOpenConns
	f.Pool.MaxIdleConns = c.Pool.MaxIdleConns
	f.Pool.ConnMaxLifetime = c.Pool.ConnMaxLifetime.String()
	return yaml.Marshal(&f)
}

// Write stores c at path, creating parent directories. An existing file is
// not overwritten.
func Write(path string, c orm.Config) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

