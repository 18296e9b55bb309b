package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/internal/config"
	"github.com/mihaimyh/goentitle/storage/postgres"
	"github.com/mihaimyh/goentitle/storage/sqlite"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the tables of the SQL stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(envFile(cmd))
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg, func(format string, args ...interface{}) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
			})
		},
	}
}

func loadConfig(envFile string) (*config.Config, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runMigrate(ctx context.Context, cfg *config.Config, printf func(string, ...interface{})) error {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Store.DatabaseURL
		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	case config.DriverSQLite:
		// Opening the database applies the schema.
		lite, err := sqlite.New(ctx, sqlite.Config{Path: cfg.Store.SQLitePath})
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer lite.Close()
	default:
		printf("store %q has no schema to migrate\n", cfg.Store.Driver)
		return nil
	}
	printf("migrated %s store\n", cfg.Store.Driver)
	return nil
}
