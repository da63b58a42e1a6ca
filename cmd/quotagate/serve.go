package main

import (
	"fmt"
	"os"

	"github.com/artpar/quotagate/bootstrap"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quota API server",
	Long: `Start the quotagate HTTP server.

The server will:
  - Load configuration from quotagate.yaml (or --config) and watch it for changes
  - Or load configuration from QUOTAGATE_* environment variables
  - Open the database and apply migrations
  - Serve quota checks, usage recording and status under /v1
  - Run the billing period rollover on its schedule when enabled

Environment variables (for container deployments):
  QUOTAGATE_DATABASE_DRIVER   - sqlite3, sqlite or memory (default: sqlite3)
  QUOTAGATE_DATABASE_DSN      - Database path (default: quotagate.db)
  QUOTAGATE_SERVER_PORT       - Server port (default: 8080)
  QUOTAGATE_ENGINE_FAIL_MODE  - open or closed (default: open)
  QUOTAGATE_ADMIN_TOKEN_HASH  - bcrypt hash enabling /admin routes
  QUOTAGATE_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  quotagate serve
  quotagate serve --config /etc/quotagate/config.yaml

  # Env vars only:
  QUOTAGATE_DATABASE_DRIVER=memory quotagate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(cfgFile); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Running with environment variables (no config file)")
	}

	app, err := bootstrap.New(bootstrap.Options{ConfigPath: cfgFile, Version: version})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
