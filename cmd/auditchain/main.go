// Package main is the auditchain command: the audit log service and the
// operator tooling around it.
//
//	auditchain serve                      - run the REST API and scheduled verification
//	auditchain verify <chain>             - replay a chain or an archived partition
//	auditchain archive <chain>            - copy partitions past retention to archive storage
//	auditchain export <chain>             - write a chain to stdout as jsonl, json or csv
//	auditchain migrate <subcommand>       - manage the PostgreSQL schema (up, down, version, force, list, show)
//	auditchain version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X main.version=..."
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "auditchain",
	Short: "Tamper-evident, hash-chained audit log",
	Long: `auditchain records audit events in append-only chains. Every record
carries the hash of its predecessor, so any modification, deletion or
reordering of stored records is detected by replaying the chain.

Configuration is read from --config (YAML), then .env, then AUDITCHAIN_*
environment variables.`,
	SilenceUsage: true,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "auditchain %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", buildDate)
		fmt.Fprintf(cmd.OutOrStdout(), "  Git Commit: %s\n", commit)
	},
}
