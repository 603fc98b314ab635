// Package cli assembles the storjanitor command tree. Each subcommand is
// one janitor workflow; the root owns config loading and logger setup so
// every workflow logs the same way.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kv-shepherd.io/storjanitor/internal/config"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

// app carries the loaded configuration to subcommands.
type app struct {
	cfg *config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	var logLevel string

	root := &cobra.Command{
		Use:           "storjanitor",
		Short:         "Storage janitor for KubeVirt clusters on PowerStore and Primera arrays",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			a.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newOrphansCommand(a),
		newMpathCommand(a),
		newVLUNsCommand(a),
		newVMCheckCommand(a),
		newReportCommand(a),
	)
	return root
}
