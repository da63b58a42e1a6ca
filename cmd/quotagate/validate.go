package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/artpar/quotagate/adapters/sqlite"
	"github.com/artpar/quotagate/config"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

const (
	checkMark = "✓"
	crossMark = "✗"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the quotagate configuration file.

Checks:
  - YAML syntax is valid
  - Thresholds, fail mode and plans are consistent
  - Rollover schedule parses
  - Database opens and migrates (optional)

Examples:
  quotagate validate
  quotagate validate --config /etc/quotagate/config.yaml --check-database`,
	RunE: runValidate,
}

var validateCheckDatabase bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check that the database opens and migrates")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	fmt.Fprintf(out, "  %s Thresholds: warn %.0f%%, hard %.0f%%, grace %s\n",
		checkMark, cfg.Engine.WarnPercent, cfg.Engine.HardPercent, cfg.Engine.GraceDuration)
	fmt.Fprintf(out, "  %s Fail mode: %s\n", checkMark, cfg.Engine.FailMode)
	fmt.Fprintf(out, "  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	if cfg.Catalog.Mode == "remote" {
		fmt.Fprintf(out, "  %s Plan catalog: remote %s\n", checkMark, cfg.Catalog.Remote.URL)
	} else {
		fmt.Fprintf(out, "  %s Plans configured: %d (default %q)\n", checkMark, len(cfg.Catalog.Plans), cfg.Catalog.DefaultPlan)
	}
	if cfg.Rollover.Enabled {
		next := "?"
		if sched, err := cron.ParseStandard(cfg.Rollover.Schedule); err == nil {
			next = sched.Next(time.Now().UTC()).Format(time.RFC3339)
		}
		fmt.Fprintf(out, "  %s Rollover: %q (next %s)\n", checkMark, cfg.Rollover.Schedule, next)
	}
	if cfg.Admin.TokenHash == "" {
		fmt.Fprintf(out, "  - Admin API disabled (no token hash)\n")
	} else {
		fmt.Fprintf(out, "  %s Admin API enabled\n", checkMark)
	}

	if validateCheckDatabase && cfg.Database.Driver != "memory" {
		if err := checkDatabase(cfg.Database); err != nil {
			fmt.Fprintf(out, "  %s Database usable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
			return err
		}
		fmt.Fprintf(out, "  %s Database usable\n", checkMark)
	}

	fmt.Fprintf(out, "\nConfiguration is valid.\n")
	return nil
}

func checkDatabase(cfg config.DatabaseConfig) error {
	db, err := sqlite.OpenDriver(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.MigrateContext(ctx)
}
