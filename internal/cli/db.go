package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

// addDatabaseCommands adds storage maintenance commands.
func addDatabaseCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	cmd.AddCommand(newMigrateCmd(app))
	cmd.AddCommand(newPingCmd(app))
	rootCmd.AddCommand(cmd)
}

func newMigrateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the scanner tables",
		Long: `Apply the schema for the configured driver. Migrations are additive and
safe to run repeatedly; every command that opens the database runs them too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			// Open migrates; running Migrate again checks idempotence.
			gw, err := app.OpenStore(ctx)
			if err != nil {
				output.Error("Migration failed: %v", err)
				return err
			}
			if err := gw.Migrate(ctx); err != nil {
				output.Error("Migration failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"driver":   app.Config.Database.Driver,
					"migrated": true,
				})
			}
			output.Success("✓ %s schema is up to date", app.Config.Database.Driver)
			return nil
		},
	}
}

func newPingCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check database connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			start := time.Now()
			gw, err := app.OpenStore(ctx)
			if err == nil {
				err = gw.Ping(ctx)
			}
			if err != nil {
				output.Error("Database unreachable: %v", err)
				return err
			}

			latency := time.Since(start).Round(time.Millisecond)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"driver":  app.Config.Database.Driver,
					"ok":      true,
					"latency": latency.String(),
				})
			}
			output.Success("✓ %s reachable (%s)", app.Config.Database.Driver, latency)
			return nil
		},
	}
}
