package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/nexus/pkg/config"
	"github.com/openfroyo/nexus/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  `Create the database if needed and apply every pending schema migration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(cfg.StoreConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}

			version, dirty, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			log.Info().
				Str("path", cfg.Database.Path).
				Uint("version", version).
				Bool("dirty", dirty).
				Msg("Database migrated")

			if jsonOutput {
				return printJSON(map[string]interface{}{"version": version, "dirty": dirty})
			}
			fmt.Printf("schema version %d\n", version)
			return nil
		},
	}
	return cmd
}
