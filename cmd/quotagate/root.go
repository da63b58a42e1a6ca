package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "Usage quota enforcement engine",
	Long: `quotagate tracks per-account usage against plan limits and decides
whether writes may proceed.

Accounts move through ACTIVE, WARN, GRACE and DEGRADED as usage crosses the
warn and hard thresholds; operators can SUSPEND them.

Quick start:
  quotagate serve                 # Start the HTTP API
  quotagate status acct_123       # Show an account's enforcement status

Operations:
  quotagate check / record        # Check quota, record usage
  quotagate suspend / reinstate   # Administrative state changes
  quotagate rollover              # Start new billing periods
  quotagate validate              # Validate configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "quotagate.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with QUOTAGATE_* variables")
}

// loadEnvFile exports the variables of path without overriding ones that
// are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
