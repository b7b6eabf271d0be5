package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/gideon-mc/orm/internal/config"
	"github.com/gideon-mc/orm/internal/library"
	"github.com/gideon-mc/orm/pkg/orm"
)

type options struct {
	configFile string
	trace      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ormctl",
		Short:         "Manage the library schema and run the retain-order demo",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default: ./ormctl.yaml)")
	flags.String("driver", "", "database driver: sqlite, mysql, postgres or pq")
	flags.String("db-name", "", "database name, or file for sqlite")
	flags.String("dsn", "", "explicit data source name")
	flags.StringSlice("debug", nil, "debug namespaces: query, query-params, schema, discovery, info, all")
	flags.BoolVar(&opts.trace, "trace", false, "print spans to stdout")

	root.AddCommand(newSchemaCmd(opts), newDemoCmd(opts), newConfigCmd())
	return root
}

// session is an initialized ORM plus whatever has to be shut down with it.
type session struct {
	orm      *orm.ORM
	provider *sdktrace.TracerProvider
}

func (s *session) close(ctx context.Context) error {
	err := s.orm.Close(ctx, false)
	if s.provider != nil {
		err = errors.Join(err, s.provider.Shutdown(ctx))
	}
	return err
}

// withSession runs fn on a connected session and reports the errors of
// closing it along with those of fn.
func withSession(cmd *cobra.Command, opts *options, fn func(*session) error) (err error) {
	s, err := connect(cmd, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(cmd.Context()); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close: %w", cerr))
		}
	}()
	return fn(s)
}

func connect(cmd *cobra.Command, opts *options) (*session, error) {
	cfg, err := config.Load(cmd.Flags(), opts.configFile)
	if err != nil {
		return nil, err
	}
	cfg.Entities = library.Entities()
	cfg.Logger = log.NewWithOptions(cmd.ErrOrStderr(), log.Options{Prefix: "(ORM)"})

	s := &session{}
	if opts.trace {
		if s.provider, err = tracerProvider(cmd.OutOrStdout()); err != nil {
			return nil, err
		}
		cfg.TracerProvider = s.provider
	}

	if s.orm, err = orm.Init(cmd.Context(), cfg); err != nil {
		if s.provider != nil {
			_ = s.provider.Shutdown(cmd.Context())
		}
		return nil, err
	}
	return s, nil
}

func tracerProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "ormctl"))),
	), nil
}
