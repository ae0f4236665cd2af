package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/quarantine"
	"github.com/telhawk-systems/filegate/pkg/output"
)

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect quarantined files",
	Long:  "List quarantined files and show their manifests",
}

var quarantineListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List quarantined files, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		qm := quarantine.NewManager(cfg.QuarantineDir(), logger)
		records, err := qm.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list quarantine: %w", err)
		}
		if limit > 0 && len(records) > limit {
			records = records[:limit]
		}

		if format == output.FormatTable && len(records) == 0 {
			output.Info("Quarantine is empty")
			return nil
		}
		return output.Render(format, records, func() *output.Table { return quarantineTable(records) })
	},
}

var quarantineShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a quarantined file's manifest",
	Long:  "Show the manifest of a quarantined file. name is the file name inside the quarantine directory or its full path.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		qm := quarantine.NewManager(cfg.QuarantineDir(), logger)
		rec, err := qm.Load(args[0])
		if err != nil {
			if errors.Is(err, quarantine.ErrNotQuarantined) {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return fmt.Errorf("failed to load quarantine record: %w", err)
		}

		if format != output.FormatTable {
			return output.Render(format, rec, nil)
		}
		printRecord(rec)
		return nil
	},
}

func init() {
	quarantineListCmd.Flags().Int("limit", 0, "maximum number of entries (0 for all)")
	quarantineCmd.AddCommand(quarantineListCmd, quarantineShowCmd)
	rootCmd.AddCommand(quarantineCmd)
}

func quarantineTable(records []models.QuarantineRecord) *output.Table {
	table := output.NewTable([]string{"Name", "Original", "Size", "Reason", "Moved"})
	for _, rec := range records {
		table.AddRow([]string{
			filepath.Base(rec.Path),
			rec.Manifest.OriginalName,
			output.Bytes(rec.Size),
			rec.Manifest.Reason,
			output.Ago(rec.Manifest.MovedAt),
		})
	}
	return table
}

func printRecord(rec *models.QuarantineRecord) {
	output.Info("Path:     %s", rec.Path)
	output.Info("Original: %s", rec.Manifest.OriginalName)
	output.Info("Size:     %s", output.Bytes(rec.Size))
	output.Info("Reason:   %s", rec.Manifest.Reason)
	if !rec.Manifest.MovedAt.IsZero() {
		output.Info("Moved:    %s (%s)", rec.Manifest.MovedAt.Format("2006-01-02 15:04:05 MST"), output.Ago(rec.Manifest.MovedAt))
	}

	keys := make([]string, 0, len(rec.Manifest.Metadata))
	for k := range rec.Manifest.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		output.Info("  %s: %v", k, rec.Manifest.Metadata[k])
	}
}
