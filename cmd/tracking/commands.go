package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/tracking/internal/config"
	"github.com/ehr/tracking/internal/domain/enrollment"
	"github.com/ehr/tracking/internal/domain/tracking"
	"github.com/ehr/tracking/internal/platform/db"
	"github.com/ehr/tracking/internal/platform/kafka"
	"github.com/ehr/tracking/migrations"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
}

// ruleSource picks the mapping configuration store named by RULES_SOURCE.
func ruleSource(cfg *config.Config, pool *pgxpool.Pool) tracking.RuleSource {
	if cfg.RulesSource == config.RulesSourceFile {
		return tracking.NewFileRuleSource(cfg.RulesFile)
	}
	return tracking.NewRuleSourcePG(pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			target, _ := cmd.Flags().GetInt("to")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.CreateTenantSchema(ctx, pool, tenant, nil); err != nil {
				return err
			}
			schema := db.SchemaName(tenant)
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).UpTo(ctx, schema, target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant whose schema is migrated (default DEFAULT_TENANT)")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			if !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant identifier: %s", tenant)
			}
			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(tenant)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant whose schema is inspected (default DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
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

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	cmd.AddCommand(createCmd)
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish enrollment events so their tracking records are refreshed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, _ := cmd.Flags().GetStringSlice("enrollment")
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cfg.KafkaEnabled() {
				return fmt.Errorf("KAFKA_BROKERS is required to publish")
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			logger := newLogger(cfg.Env)

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			tctx, release, err := db.AcquireTenantConn(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			writer := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaEnrollmentTopic)
			defer writer.Close()

			svc := enrollment.NewService(enrollment.NewEnrollmentRepoPG(pool), writer, logger)
			results, err := svc.Publish(tctx, ids)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				status := "published"
				if !r.Published {
					status = "failed: " + r.Error
					failed++
				}
				fmt.Printf("%-24s %s\n", r.EnrollmentID, status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d enrollment event(s) not published", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("enrollment", nil, "Enrollment id(s), comma separated")
	cmd.Flags().String("tenant", "", "Tenant (default DEFAULT_TENANT)")
	_ = cmd.MarkFlagRequired("enrollment")
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect mapping rules",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check mapping rules against the source schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			schemaFile, _ := cmd.Flags().GetString("schema")

			schema, err := tracking.LoadSchema(schemaFile)
			if err != nil {
				return err
			}

			var src tracking.RuleSource
			ctx := cmd.Context()
			if file != "" {
				src = tracking.NewFileRuleSource(file)
			} else {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				pool, err := openPool(ctx, cfg)
				if err != nil {
					return err
				}
				defer pool.Close()
				tctx, release, err := db.AcquireTenantConn(ctx, pool, cfg.DefaultTenant)
				if err != nil {
					return err
				}
				defer release()
				ctx = tctx
				src = ruleSource(cfg, pool)
			}

			rules, err := src.LoadRules(ctx)
			if err != nil {
				return err
			}
			cat, err := tracking.NewCatalog(schema, rules)
			if err != nil {
				return err
			}

			var missing []string
			for _, t := range schema.BaseSources {
				if len(cat.RulesFor(t)) == 0 {
					missing = append(missing, t)
				}
			}
			fmt.Printf("%d mapping rule(s) valid against schema version %s.\n", cat.Len(), schema.Version)
			if len(missing) > 0 {
				fmt.Printf("No rules for base source(s): %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}
	validateCmd.Flags().String("file", "", "Rules YAML file (default: configured rule source)")
	validateCmd.Flags().String("schema", "", "Source schema YAML (default: built-in schema)")
	cmd.AddCommand(validateCmd)
	return cmd
}
