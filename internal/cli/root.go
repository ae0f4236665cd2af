// Package cli implements the filegate command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/pkg/output"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "filegate",
	Short: "Secure file intake gateway",
	Long: `filegate accepts file uploads, scans them with ClamAV, quarantines
anything suspicious and raises alerts on abusive patterns.

Run "filegate serve" to start the HTTP service. The other commands operate
on the same configuration for offline scanning and maintenance.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the command tree and prints a failing command's error.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/filegate/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, yaml")
}

func initConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	// Command output owns stdout; only the server logs there.
	logger = logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	return nil
}

func outputFormat(cmd *cobra.Command) (output.Format, error) {
	f, _ := cmd.Flags().GetString("output")
	return output.ParseFormat(f)
}
