package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gideon-mc/orm/internal/config"
	"github.com/gideon-mc/orm/internal/library"
	"github.com/gideon-mc/orm/pkg/orm"
)

func newSchemaCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect or change the database schema",
	}

	sql := &cobra.Command{
		Use:   "sql",
		Short: "Print the DDL creating the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(s *session) error {
				_, err := fmt.Fprint(cmd.OutOrStdout(), s.orm.Schema().CreateSchemaSQL())
				return err
			})
		},
	}

	actions := []struct {
		use, short string
		run        func(*orm.SchemaGenerator, *cobra.Command) error
	}{
		{"create", "Create every table", func(g *orm.SchemaGenerator, cmd *cobra.Command) error {
			return g.CreateSchema(cmd.Context())
		}},
		{"drop", "Drop every table", func(g *orm.SchemaGenerator, cmd *cobra.Command) error {
			return g.DropSchema(cmd.Context())
		}},
		{"refresh", "Drop and recreate every table", func(g *orm.SchemaGenerator, cmd *cobra.Command) error {
			return g.RefreshDatabase(cmd.Context())
		}},
		{"update", "Create the missing tables", func(g *orm.SchemaGenerator, cmd *cobra.Command) error {
			return g.UpdateSchema(cmd.Context())
		}},
	}

	cmd.AddCommand(sql)
	for _, action := range actions {
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, opts, func(s *session) error {
					if err := action.run(s.orm.Schema(), cmd); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "schema %s: ok\n", action.use)
					return nil
				})
			},
		})
	}
	return cmd
}

func newDemoCmd(opts *options) *cobra.Command {
	var author string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the retain-order scenario on a fresh schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(s *session) error {
				if err := s.orm.Schema().RefreshDatabase(cmd.Context()); err != nil {
					return err
				}
				report, err := library.RetainOrder(cmd.Context(), s.orm.Fork(), author)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "books:  %d\n", report.Count)
				fmt.Fprintf(out, "before: %v\n", report.Before)
				fmt.Fprintf(out, "after:  %v\n", report.After)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&author, "author", "John Doe", "name of the author to create")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileName + ".yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Write(path, orm.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	return cmd
}
