package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"kv-shepherd.io/storjanitor/internal/cluster"
	"kv-shepherd.io/storjanitor/internal/multipath"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
	"kv-shepherd.io/storjanitor/internal/report"
)

func newMpathCommand(a *app) *cobra.Command {
	var (
		execute    bool
		policyFile string
		nodes      []string
	)

	cmd := &cobra.Command{
		Use:   "mpath",
		Short: "Scan node multipath maps for dead devices, optionally flush the approved ones",
		Long: `Runs multipath -ll on each node over SSH and classifies every device:
zero-size maps and maps whose paths have all failed are suspicious.
Flushing a device passes four gates: the per-vendor policy file must opt
the category in, the device WWID must not match any in-use persistent
volume handle, a live re-check on the node must show it unmounted with
no open handles, and dry-run (the default) must be overridden.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyFile != "" {
				a.cfg.Mpath.PolicyFile = policyFile
			}
			return runMpath(cmd.Context(), a, nodes, execute)
		},
	}

	cmd.Flags().BoolVar(&execute, "execute", false, "flush approved devices (default is dry-run)")
	cmd.Flags().StringVar(&policyFile, "policy-file", "", "per-vendor cleanup opt-in file (overrides config)")
	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "node addresses to scan (default: every cluster node)")
	return cmd
}

func runMpath(ctx context.Context, a *app, nodes []string, execute bool) error {
	policy, err := multipath.LoadCleanupPolicy(a.cfg.Mpath.PolicyFile)
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
	inUse := cluster.BuildHandleSegmentSet(pvs)

	if len(nodes) == 0 {
		nodeList, err := clusterClient.Nodes(ctx)
		if err != nil {
			return err
		}
		for _, n := range nodeList {
			if addr := nodeAddress(n); addr != "" {
				nodes = append(nodes, addr)
			}
		}
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes to scan")
	}

	runner := &multipath.SSHRunner{
		User:    a.cfg.Mpath.SSHUser,
		KeyFile: a.cfg.Mpath.SSHKeyFile,
		Port:    a.cfg.Mpath.SSHPort,
		Timeout: a.cfg.Mpath.ExecTimeout,
	}
	cleaner := &multipath.Cleaner{
		Policy:    policy,
		Runner:    runner,
		InUseWWNs: inUse,
		DryRun:    !execute,
	}

	rep := report.New("mpath", []string{"node", "device", "wwid", "vendor", "category", "outcome"})
	rep.Meta["mode"] = "dry-run"
	if execute {
		rep.Meta["mode"] = "execute"
	}

	for _, node := range nodes {
		out, err := runner.Run(ctx, node, "multipath -ll")
		if err != nil {
			logger.Error("Multipath listing failed, skipping node",
				zap.String("node", node), zap.Error(err))
			rep.AddRow(node, "", "", "", "", fmt.Sprintf("scan failed: %v", err))
			continue
		}
		devices, err := multipath.Parse(out)
		if err != nil {
			logger.Error("Multipath output unparseable, skipping node",
				zap.String("node", node), zap.Error(err))
			rep.AddRow(node, "", "", "", "", fmt.Sprintf("parse failed: %v", err))
			continue
		}

		findings := multipath.Scan(node, devices)
		logger.Info("Node scanned",
			zap.String("node", node),
			zap.Int("devices", len(devices)),
			zap.Int("suspicious", len(findings)),
		)

		for _, f := range findings {
			rep.AddRow(f.Node, f.Device.Name, f.Device.WWID,
				f.Vendor.String(), string(f.Category), resolveFinding(ctx, cleaner, f))
		}
	}

	return emitReport(a, rep)
}

// resolveFinding runs the gates and, when every gate passes, flushes.
func resolveFinding(ctx context.Context, cleaner *multipath.Cleaner, f multipath.Finding) string {
	decision := cleaner.Evaluate(ctx, f)
	if !decision.Allowed {
		return fmt.Sprintf("kept (%s): %s", decision.Gate, decision.Detail)
	}
	if err := cleaner.Flush(ctx, f); err != nil {
		return fmt.Sprintf("flush failed: %v", err)
	}
	return "flushed"
}

// nodeAddress prefers the internal IP, then the hostname address.
func nodeAddress(n corev1.Node) string {
	var hostname string
	for _, addr := range n.Status.Addresses {
		switch addr.Type {
		case corev1.NodeInternalIP:
			return addr.Address
		case corev1.NodeHostName:
			hostname = addr.Address
		}
	}
	return hostname
}
