package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/audit"
	"github.com/auditchain/go-core/internal/config"
	"github.com/auditchain/go-core/internal/db"
	"github.com/auditchain/go-core/pkg/types"
)

// ============================================================================
// auditchain verify
// ============================================================================

var (
	verifyFrom      uint64
	verifyTo        uint64
	verifyPartition string
	verifyJSON      bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify <chain>",
	Short: "Verify a chain's hash links",
	Long: `Replay a chain (or a sequence range of it) and report every broken link.
With --partition, the archived copy of that partition is verified instead:
the archive file is checked against its manifest checksum and re-hashed.

Exits non-zero when the chain is broken.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		chainID := args[0]

		var report *types.VerificationReport
		if verifyPartition != "" {
			report, err = verifyArchivedPartition(ctx, a, chainID, types.PartitionID(verifyPartition))
		} else {
			var verifier *audit.Verifier
			verifier, err = a.verifier(ctx)
			if err != nil {
				return err
			}
			var from, to *uint64
			if cmd.Flags().Changed("from") {
				from = &verifyFrom
			}
			if cmd.Flags().Changed("to") {
				to = &verifyTo
			}
			report, err = verifier.Verify(ctx, chainID, from, to)
		}
		if err != nil {
			return err
		}

		if err := printReport(cmd.OutOrStdout(), report, verifyJSON); err != nil {
			return err
		}
		return audit.ReportError(report)
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "First sequence to verify")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last sequence to verify")
	verifyCmd.Flags().StringVar(&verifyPartition, "partition", "", "Verify the archived copy of this partition (e.g. 2019)")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the report as JSON")
}

// verifyArchivedPartition re-verifies an archive file against its manifest.
// The record preceding the partition is read from the store as the anchor.
func verifyArchivedPartition(ctx context.Context, a *app, chainID string, id types.PartitionID) (*types.VerificationReport, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	manifests, err := store.ArchivedPartitions(ctx, chainID)
	if err != nil {
		return nil, err
	}
	var manifest *types.PartitionManifest
	for _, m := range manifests {
		if m.PartitionID == id {
			manifest = m
			break
		}
	}
	if manifest == nil {
		return nil, fmt.Errorf("partition %s of chain %s has not been archived", id, chainID)
	}

	records, err := audit.ReadArchiveFile(manifest.Location, manifest.Checksum)
	if err != nil {
		return nil, err
	}

	var anchor *types.AuditRecord
	if manifest.FirstSequence > 1 {
		prev, err := store.GetRange(ctx, chainID, manifest.FirstSequence-1, manifest.FirstSequence-1)
		if err != nil {
			return nil, err
		}
		if len(prev) == 1 {
			anchor = prev[0]
		}
	}

	report := audit.VerifyRecords(records, anchor)
	report.ChainID = chainID
	if len(records) != manifest.RecordCount {
		report.BrokenLinks = append(report.BrokenLinks, types.BrokenLink{
			Sequence: manifest.FirstSequence,
			Kind:     types.BrokenLinkSequenceGap,
			Expected: fmt.Sprintf("%d records", manifest.RecordCount),
			Actual:   fmt.Sprintf("%d records", len(records)),
			Detail:   "archive record count differs from manifest",
		})
	} else if len(records) > 0 && records[len(records)-1].RecordHash != manifest.LastHash {
		report.BrokenLinks = append(report.BrokenLinks, types.BrokenLink{
			Sequence: manifest.LastSequence,
			Kind:     types.BrokenLinkHashMismatch,
			Expected: manifest.LastHash,
			Actual:   records[len(records)-1].RecordHash,
			Detail:   "archive tail differs from manifest",
		})
	}
	return report, nil
}

func printReport(w io.Writer, r *types.VerificationReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	if r.Valid() {
		fmt.Fprintf(w, "chain %s VALID: %d records verified (sequence %d-%d)\n",
			r.ChainID, r.CheckedCount, r.FromSequence, r.ToSequence)
		return nil
	}

	fmt.Fprintf(w, "chain %s BROKEN: %d broken links in %d records (sequence %d-%d)\n",
		r.ChainID, len(r.BrokenLinks), r.CheckedCount, r.FromSequence, r.ToSequence)
	for _, l := range r.BrokenLinks {
		fmt.Fprintf(w, "  #%-8d %-24s", l.Sequence, l.Kind)
		if l.Expected != "" || l.Actual != "" {
			fmt.Fprintf(w, " expected=%s actual=%s", l.Expected, l.Actual)
		}
		if l.Detail != "" {
			fmt.Fprintf(w, " (%s)", l.Detail)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// ============================================================================
// auditchain archive
// ============================================================================

var (
	archiveNow    string
	archiveDryRun bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive <chain>",
	Short: "Archive partitions past their retention period",
	Long: `Copy every partition whose retention period has fully elapsed to the
archive directory. Each partition is verified before it is copied; archival
stops at the first partition that fails verification. Records are never
deleted from the store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		if archiveNow != "" {
			t, err := time.Parse(time.RFC3339, archiveNow)
			if err != nil {
				return fmt.Errorf("invalid --now: %w", err)
			}
			now = t.UTC()
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		chainID := args[0]
		pm, err := a.partitions(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if archiveDryRun {
			eligible, err := pm.EligiblePartitions(ctx, chainID, now)
			if err != nil {
				return err
			}
			for _, p := range eligible {
				fmt.Fprintf(out, "%s  %s .. %s\n", p.ID, p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "%d partitions eligible as of %s\n", len(eligible), now.Format(time.RFC3339))
			return nil
		}

		archived, err := pm.ArchiveEligiblePartitions(ctx, chainID, now)
		for _, id := range archived {
			fmt.Fprintf(out, "archived %s\n", id)
		}
		if err != nil {
			a.logger.Error("Archival stopped", zap.String("chain_id", chainID), zap.Error(err))
			return err
		}
		fmt.Fprintf(out, "%d partitions archived to %s\n", len(archived), a.cfg.Retention.ArchiveDir)
		return nil
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveNow, "now", "", "Evaluate retention as of this RFC3339 time instead of the current time")
	archiveCmd.Flags().BoolVar(&archiveDryRun, "dry-run", false, "List eligible partitions without archiving")
}

// ============================================================================
// auditchain export
// ============================================================================

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <chain>",
	Short: "Export a chain",
	Long: `Write every record of a chain in sequence order. The jsonl format is the
archive format and can be re-verified offline.

Example:
  auditchain export orders --format csv > orders.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}

		if err := audit.Export(ctx, store, args[0], w, exportFormat, a.cfg.Verify.PageSize); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", audit.ExportJSONL, "Export format: jsonl, json, csv")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to this file instead of stdout")
}

// ============================================================================
// auditchain migrate
// ============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long: `Apply or roll back the embedded PostgreSQL migrations. The sqlite and
memory drivers create their schema on open.`,
}

// runMigrations opens the postgres store without auto-migration and hands its
// pool to a migration runner
func runMigrations(cmd *cobra.Command, fn func(*db.MigrationRunner) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.Store.Driver != config.DriverPostgres {
		return fmt.Errorf("migrations apply to the postgres driver only; %s creates its schema on open", a.cfg.Store.Driver)
	}
	a.cfg.Store.AutoMigrate = false

	store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	pg, ok := store.(*audit.PostgresStore)
	if !ok {
		return fmt.Errorf("unexpected store type %T", store)
	}

	// the runner's Close would close the store's pool
	runner, err := db.NewMigrationRunner(pg.DB(), a.logger)
	if err != nil {
		return err
	}
	return fn(runner)
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd, func(r *db.MigrationRunner) error { return r.Up() })
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd, func(r *db.MigrationRunner) error { return r.Down() })
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations(cmd, func(r *db.MigrationRunner) error {
			v, dirty, err := r.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
			return nil
		})
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the schema version without running migrations",
	Long: `Mark the schema as being at <version> and clear the dirty flag. Use only
after repairing a migration that failed half way.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return runMigrations(cmd, func(r *db.MigrationRunner) error { return r.Force(version) })
	},
}

var migrateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the embedded migration files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := db.ListMigrations()
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Fprintln(cmd.OutOrStdout(), f)
		}
		return nil
	},
}

var migrateShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Print an embedded migration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := db.ReadMigration(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), content)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	migrateCmd.AddCommand(migrateForceCmd)
	migrateCmd.AddCommand(migrateListCmd)
	migrateCmd.AddCommand(migrateShowCmd)
}
