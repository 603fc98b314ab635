package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kv-shepherd.io/storjanitor/internal/cluster"
	"kv-shepherd.io/storjanitor/internal/multipath"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
	"kv-shepherd.io/storjanitor/internal/report"
	"kv-shepherd.io/storjanitor/internal/vlun"
)

func newVLUNsCommand(a *app) *cobra.Command {
	var (
		cliHost  string
		vlunFile string
		hostFile string
	)

	cmd := &cobra.Command{
		Use:   "vluns",
		Short: "Cross-reference Primera/3PAR exports and hosts against cluster persistent volumes",
		Long: `Parses showvlun -t and showhost output and reports exports whose
virtual volume no persistent volume references, plus registered hosts
with zero exports. Output is read from files or captured live over SSH
from the array CLI host. Always report-only: VLUN removal stays a
deliberate array-side operation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cliHost == "" && (vlunFile == "" || hostFile == "") {
				return fmt.Errorf("either --cli-host or both --vlun-file and --host-file are required")
			}
			return runVLUNs(cmd.Context(), a, cliHost, vlunFile, hostFile)
		},
	}

	cmd.Flags().StringVar(&cliHost, "cli-host", "", "array CLI host to query over SSH")
	cmd.Flags().StringVar(&vlunFile, "vlun-file", "", "captured 'showvlun -t' output")
	cmd.Flags().StringVar(&hostFile, "host-file", "", "captured 'showhost' output")
	return cmd
}

func runVLUNs(ctx context.Context, a *app, cliHost, vlunFile, hostFile string) error {
	rawVLUNs, rawHosts, err := gatherArrayCLI(ctx, a, cliHost, vlunFile, hostFile)
	if err != nil {
		return err
	}

	vluns, err := vlun.ParseVLUNs(rawVLUNs)
	if err != nil {
		return err
	}
	hosts, err := vlun.ParseHosts(rawHosts)
	if err != nil {
		return err
	}

	restCfg, err := cluster.RESTConfig(a.cfg.Cluster.Kubeconfig)
	if err != nil {
		return err
	}
	clusterClient, err := cluster.NewClient(restCfg)
	if err != nil {
		return err
	}
	pvs, err := clusterClient.PersistentVolumes(ctx)
	if err != nil {
		return err
	}

	findings := vlun.Reconcile(vluns, hosts, vlun.NewVVIndex(pvs))
	logger.Info("VLUN reconciliation complete",
		zap.Int("exports", len(vluns)),
		zap.Int("hosts", len(hosts)),
		zap.Int("findings", len(findings)),
	)

	rep := report.New("vluns", []string{"kind", "virtual_volume", "host", "lun", "detail"})
	for _, f := range findings {
		lun := ""
		if f.Kind == vlun.KindStaleVLUN {
			lun = fmt.Sprintf("%d", f.LUN)
		}
		rep.AddRow(string(f.Kind), f.VVName, f.HostName, lun, f.Detail)
	}
	return emitReport(a, rep)
}

// gatherArrayCLI reads the two CLI listings from files or live over SSH.
func gatherArrayCLI(ctx context.Context, a *app, cliHost, vlunFile, hostFile string) (string, string, error) {
	if cliHost == "" {
		rawVLUNs, err := os.ReadFile(vlunFile)
		if err != nil {
			return "", "", fmt.Errorf("read vlun file: %w", err)
		}
		rawHosts, err := os.ReadFile(hostFile)
		if err != nil {
			return "", "", fmt.Errorf("read host file: %w", err)
		}
		return string(rawVLUNs), string(rawHosts), nil
	}

	runner := &multipath.SSHRunner{
		User:    a.cfg.Mpath.SSHUser,
		KeyFile: a.cfg.Mpath.SSHKeyFile,
		Port:    a.cfg.Mpath.SSHPort,
		Timeout: a.cfg.Mpath.ExecTimeout,
	}
	rawVLUNs, err := runner.Run(ctx, cliHost, "showvlun -t")
	if err != nil {
		return "", "", err
	}
	rawHosts, err := runner.Run(ctx, cliHost, "showhost")
	if err != nil {
		return "", "", err
	}
	return rawVLUNs, rawHosts, nil
}
