package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/cdshooks/internal/config"
	"github.com/ehr/cdshooks/internal/domain/hooks"
	"github.com/ehr/cdshooks/internal/domain/library"
	"github.com/ehr/cdshooks/internal/domain/prefetch"
	"github.com/ehr/cdshooks/internal/platform/db"
	"github.com/ehr/cdshooks/internal/platform/elm"
	"github.com/ehr/cdshooks/migrations"
)

// writeOutput renders v as indented JSON or YAML. YAML goes through a JSON
// round trip so json.Number and raw hook documents encode as plain scalars.
func writeOutput(w io.Writer, format string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "", "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want json or yaml)", format)
	}
}

// openLoader loads the hook directory once, the way serve does at startup.
func openLoader(ctx context.Context, cfg *config.Config, dir string) (*hooks.Hooks, func(), error) {
	logger := newLogger(cfg.Env, cfg.LogLevel)
	repo, err := library.Open(ctx, cfg.LibraryConfig(), logger)
	if err != nil {
		return nil, nil, err
	}
	metrics := hooks.NewMetrics(prometheus.NewRegistry())
	loader := hooks.NewLoader(repo, logger,
		hooks.WithMetrics(metrics),
		hooks.WithExtractor(newExtractor(cfg, logger, metrics)),
	)
	return loader.Load(ctx, dir), func() { repo.Close() }, nil
}

// writeHookTable prints one line per hook with its library and the number
// of prefetch entries it will ask for.
func writeHookTable(w io.Writer, registry *hooks.Hooks) error {
	fmt.Fprintf(w, "%-32s %-20s %-28s %s\n", "ID", "HOOK", "LIBRARY", "PREFETCH")
	for _, id := range registry.IDs() {
		def, _ := registry.Definition(id)
		lib := "-"
		if ref := def.Config.LibraryRef(); ref != nil {
			lib = ref.ID
			if ref.Version != "" {
				lib += "|" + ref.Version
			}
		}
		if _, err := fmt.Fprintf(w, "%-32s %-20s %-28s %d\n", id, def.Hook, lib, len(def.Prefetch)); err != nil {
			return err
		}
	}
	return nil
}

func hooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Inspect the hook directory",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Load every hook file and print the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			public, _ := cmd.Flags().GetBool("public")
			output, _ := cmd.Flags().GetString("output")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.HooksDir
			}

			registry, closeFn, err := openLoader(cmd.Context(), cfg, dir)
			if err != nil {
				return err
			}
			defer closeFn()
			if output == "table" {
				return writeHookTable(cmd.OutOrStdout(), registry)
			}
			return writeOutput(cmd.OutOrStdout(), output, registry.All(public))
		},
	}
	listCmd.Flags().Bool("public", false, "Remove _config from every hook")
	listCmd.Flags().StringP("output", "o", "json", "Output format: json, yaml or table")
	listCmd.Flags().String("dir", "", "Hook directory (defaults to HOOKS_DIR)")
	cmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one hook with its derived prefetch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.HooksDir
			}

			registry, closeFn, err := openLoader(cmd.Context(), cfg, dir)
			if err != nil {
				return err
			}
			defer closeFn()

			hook, ok := registry.Find(args[0])
			if !ok {
				return fmt.Errorf("hook %q not found in %s", args[0], dir)
			}
			return writeOutput(cmd.OutOrStdout(), output, hook)
		},
	}
	showCmd.Flags().StringP("output", "o", "json", "Output format: json or yaml")
	showCmd.Flags().String("dir", "", "Hook directory (defaults to HOOKS_DIR)")
	cmd.AddCommand(showCmd)

	return cmd
}

func prefetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefetch <elm-file>",
		Short: "Derive the prefetch map of a compiled ELM library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			depth := cfg.PrefetchDepth
			if cmd.Flags().Changed("max-depth") {
				depth, _ = cmd.Flags().GetInt("max-depth")
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			lib, err := elm.ParseLibrary(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			logger := newLogger(cfg.Env, cfg.LogLevel)
			x := prefetch.NewExtractor(logger, prefetch.WithMaxDepth(depth))
			return writeOutput(cmd.OutOrStdout(), output, x.ExtractReport(lib))
		},
	}
	cmd.Flags().StringP("output", "o", "json", "Output format: json or yaml")
	cmd.Flags().Int("max-depth", prefetch.DefaultMaxDepth, "Maximum expression nesting depth (defaults to PREFETCH_MAX_DEPTH)")

	typesCmd := &cobra.Command{
		Use:   "types",
		Short: "List every resource type a Retrieve can be prefetched for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			out := cmd.OutOrStdout()

			if output != "table" {
				var rows []resourceTypeRow
				for _, name := range prefetch.SupportedResourceTypes() {
					e, _ := prefetch.Classify(name)
					rows = append(rows, resourceTypeRow{Type: name, Policy: e.Policy.String(), Query: e.Query})
				}
				return writeOutput(out, output, rows)
			}

			fmt.Fprintf(out, "%-28s %-20s %s\n", "TYPE", "POLICY", "QUERY")
			for _, name := range prefetch.SupportedResourceTypes() {
				e, _ := prefetch.Classify(name)
				fmt.Fprintf(out, "%-28s %-20s %s\n", name, e.Policy, e.Query)
			}
			return nil
		},
	}
	typesCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")
	cmd.AddCommand(typesCmd)

	return cmd
}

type resourceTypeRow struct {
	Type   string `json:"type"`
	Policy string `json:"policy"`
	Query  string `json:"query"`
}

func libraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage the ELM library store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>...",
		Short: "Store compiled ELM libraries in the configured backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			repo, err := library.Open(ctx, cfg.LibraryConfig(), logger)
			if err != nil {
				return err
			}
			defer repo.Close()

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				lib, err := repo.Put(ctx, data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %s from %s\n", lib.Key(), path)
			}
			return nil
		},
	})

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run library store migrations (postgres backend)",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		schema, _ := cmd.Flags().GetString("schema")

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for migrations")
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		return fn(ctx, db.NewMigrator(pool, migrations.FS, schema, logger))
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}
