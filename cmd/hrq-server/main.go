package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hrq/hrq/internal/config"
	"github.com/hrq/hrq/internal/domain/questionnaire"
	"github.com/hrq/hrq/internal/platform/cache"
	"github.com/hrq/hrq/internal/platform/db"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "hrq-server",
		Short:        "Health risk questionnaire API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(templateCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the questionnaire API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir overrides them.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return db.Migrations()
	}
	return os.DirFS(dir)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage questionnaire templates",
	}

	loadCmd := &cobra.Command{
		Use:   "load <file.yaml>",
		Short: "Insert a new template version from a YAML definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			publish, _ := cmd.Flags().GetBool("publish")

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read template: %w", err)
			}

			return withLoader(cmd.Context(), func(ctx context.Context, loader *questionnaire.Loader) error {
				tmpl, err := loader.Load(ctx, data, publish)
				if err != nil {
					return err
				}
				state := "draft"
				if tmpl.IsPublishedActive() {
					state = "published"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s v%d (%s) id=%s\n", tmpl.Family, tmpl.Version, state, tmpl.ID)
				return nil
			})
		},
	}
	loadCmd.Flags().Bool("publish", false, "Publish the new version and deactivate the previous one")
	cmd.AddCommand(loadCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List template versions of a family",
		RunE: func(cmd *cobra.Command, args []string) error {
			family, _ := cmd.Flags().GetString("family")
			return withLoader(cmd.Context(), func(ctx context.Context, loader *questionnaire.Loader) error {
				templates, err := loader.List(ctx, family)
				if err != nil {
					return err
				}
				printTemplates(cmd.OutOrStdout(), templates)
				return nil
			})
		},
	}
	listCmd.Flags().String("family", "health-risk", "Template family")
	cmd.AddCommand(listCmd)

	return cmd
}

// withLoader opens the database (and Redis, when configured, so that a
// publish evicts the cached schema seen by running servers) for one
// template command.
func withLoader(ctx context.Context, fn func(ctx context.Context, loader *questionnaire.Loader) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	var schemaCache questionnaire.SchemaCache = cache.NewMemory(cfg.TemplateCacheTTL)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		schemaCache = cache.NewRedisJSONCache(client, templateCachePrefix, cfg.TemplateCacheTTL)
	}

	templates := questionnaire.NewTemplateRepoPG(pool)
	schemas := questionnaire.NewSchemaProvider(templates, schemaCache, logger)
	loader := questionnaire.NewLoader(templates, db.NewTxRunner(pool), schemas, logger)
	return fn(ctx, loader)
}

func printTemplates(w io.Writer, templates []*questionnaire.Template) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tID\tACTIVE\tPUBLISHED AT\tTITLE")
	for _, t := range templates {
		published := "-"
		if t.PublishedAt != nil {
			published = t.PublishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", t.Version, t.ID, t.IsActive, published, t.Title)
	}
	tw.Flush()
}
