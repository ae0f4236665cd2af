package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/quarantine"
	"github.com/telhawk-systems/filegate/internal/scanner"
	"github.com/telhawk-systems/filegate/pkg/output"
)

var scanCmd = &cobra.Command{
	Use:   "scan <file>...",
	Short: "Scan local files",
	Long: `Scan files with the configured engine. Exits non-zero when any file is
infected or could not be scanned. With --quarantine rejected files are moved
into the quarantine directory.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		move, _ := cmd.Flags().GetBool("quarantine")

		var qm *quarantine.Manager
		if move {
			qm = quarantine.NewManager(cfg.QuarantineDir(), logger)
		}

		reports := scanFiles(cmd.Context(), scanner.New(cfg.Scanner), qm, args)
		if err := output.Render(format, reports, func() *output.Table { return scanTable(reports) }); err != nil {
			return err
		}

		rejected := 0
		for _, r := range reports {
			if r.Status == models.ScanInfected || r.Status == models.ScanError {
				rejected++
			}
		}
		if rejected > 0 {
			return fmt.Errorf("%d of %d file(s) rejected", rejected, len(reports))
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().Bool("quarantine", false, "move rejected files into quarantine")
	rootCmd.AddCommand(scanCmd)
}

type scanReport struct {
	File        string            `json:"file" yaml:"file"`
	Size        int64             `json:"size" yaml:"size"`
	MIMEType    string            `json:"mimetype,omitempty" yaml:"mimetype,omitempty"`
	Status      models.ScanStatus `json:"status" yaml:"status"`
	Detail      string            `json:"detail,omitempty" yaml:"detail,omitempty"`
	SHA256      string            `json:"sha256,omitempty" yaml:"sha256,omitempty"`
	Quarantined string            `json:"quarantined,omitempty" yaml:"quarantined,omitempty"`
}

func scanFiles(ctx context.Context, sc scanner.Scanner, qm *quarantine.Manager, files []string) []scanReport {
	reports := make([]scanReport, 0, len(files))
	for _, path := range files {
		reports = append(reports, scanFile(ctx, sc, qm, path))
	}
	return reports
}

func scanFile(ctx context.Context, sc scanner.Scanner, qm *quarantine.Manager, path string) scanReport {
	report := scanReport{File: path}

	f, err := os.Open(path)
	if err != nil {
		report.Status = models.ScanError
		report.Detail = err.Error()
		return report
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		report.Size = info.Size()
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		report.MIMEType = mt.String()
	}

	res := sc.Scan(ctx, f)
	report.Status = res.Status
	report.Detail = res.Detail()
	report.SHA256 = res.ContentHash

	if qm != nil && res.Rejected() {
		f.Close()
		reason := "scan failed: " + res.ErrorDetail
		if res.Status == models.ScanInfected {
			reason = "virus detected: " + res.ThreatName
		}
		dest, err := qm.Move(ctx, quarantine.Request{
			FilePath:     path,
			OriginalName: filepath.Base(path),
			Reason:       reason,
			Metadata:     res.AsMetadata(),
		})
		if err != nil {
			report.Detail += "; quarantine failed: " + err.Error()
		} else {
			report.Quarantined = dest
		}
	}
	return report
}

func scanTable(reports []scanReport) *output.Table {
	table := output.NewTable([]string{"File", "Size", "Type", "Status", "Detail", "SHA256"})
	for _, r := range reports {
		hash := r.SHA256
		if len(hash) > 12 {
			hash = hash[:12]
		}
		table.AddRow([]string{r.File, output.Bytes(r.Size), r.MIMEType, string(r.Status), r.Detail, hash})
	}
	return table
}
