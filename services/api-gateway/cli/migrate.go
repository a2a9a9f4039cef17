package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-media-flow/internal/cliutil"
	"github.com/ramiqadoumi/go-media-flow/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|reset|status|version]",
	Short: "Run database migrations",
	Long: `Connect to PostgreSQL and run a goose command against the embedded
schema migrations. The default command is "up".

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "reset", "status", "version"},
	RunE:      runMigrate,
}

func runMigrate(_ *cobra.Command, args []string) error {
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}
	logger := cliutil.BuildLogger(viper.GetString("log_level"), serviceName)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := postgres.NewPool(ctx, viper.GetString("postgres_dsn"), 2)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, command, logger); err != nil {
		return err
	}
	fmt.Printf("migrate %s complete\n", command)
	return nil
}
