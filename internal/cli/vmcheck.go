package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	kubevirtv1 "kubevirt.io/api/core/v1"

	"kv-shepherd.io/storjanitor/internal/cluster"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
	"kv-shepherd.io/storjanitor/internal/pkg/worker"
	"kv-shepherd.io/storjanitor/internal/report"
	"kv-shepherd.io/storjanitor/internal/vmcheck"
)

func newVMCheckCommand(a *app) *cobra.Command {
	var (
		mode        string
		namespace   string
		promURL     string
		matchesOnly bool
		suggestPct  float64

		cpuFloor    float64
		netCeiling  float64
		diskCeiling float64
		steady      bool
		quietBoth   bool
	)

	cmd := &cobra.Command{
		Use:   "vmcheck",
		Short: "Score running VMs for the wedge and quiet heuristics from Prometheus metrics",
		Long: `Collects per-VMI CPU, network and disk series from the cluster
Prometheus and scores each running VM. Wedge mode flags VMs with high
sustained CPU and low I/O (a hung or spinning guest); quiet mode flags
VMs whose I/O sits below the ceilings (reclaim candidates). Without
--prom-url a port-forward tunnel to the monitoring stack is opened for
the duration of the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != "wedge" && mode != "quiet" {
				return fmt.Errorf("--mode must be wedge or quiet")
			}
			thr := vmcheck.DefaultThresholds()
			if cpuFloor > 0 {
				thr.CPUFloorPct = cpuFloor
			}
			if netCeiling > 0 {
				thr.NetCeilingBytes = netCeiling
			}
			if diskCeiling > 0 {
				thr.DiskCeilingBytes = diskCeiling
			}
			thr.RequireSteady = steady
			thr.QuietRequireBoth = quietBoth

			return runVMCheck(cmd.Context(), a, vmcheckOptions{
				Mode:        mode,
				Namespace:   namespace,
				PromURL:     promURL,
				MatchesOnly: matchesOnly,
				SuggestPct:  suggestPct,
				Thresholds:  thr,
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "wedge", "heuristic to apply: wedge or quiet")
	cmd.Flags().StringVar(&namespace, "ns", "", "restrict to VMs of one namespace")
	cmd.Flags().StringVar(&promURL, "prom-url", "", "Prometheus base URL (skips the port-forward tunnel)")
	cmd.Flags().BoolVar(&matchesOnly, "matches-only", false, "print only VMs matching the heuristic")
	cmd.Flags().Float64Var(&suggestPct, "suggest-thresholds", 0, "suggest I/O ceilings at this percentile of the population (0 disables)")
	cmd.Flags().Float64Var(&cpuFloor, "cpu-floor", 0, "wedge CPU floor percent (0 uses the default)")
	cmd.Flags().Float64Var(&netCeiling, "net-ceiling", 0, "low-I/O network ceiling in bytes/s (0 uses the default)")
	cmd.Flags().Float64Var(&diskCeiling, "disk-ceiling", 0, "low-I/O disk ceiling in bytes/s (0 uses the default)")
	cmd.Flags().BoolVar(&steady, "require-steady", false, "additionally gate wedge matches on CPU steadiness")
	cmd.Flags().BoolVar(&quietBoth, "quiet-both", false, "quiet requires both net and disk below ceiling (default: either)")
	return cmd
}

type vmcheckOptions struct {
	Mode        string
	Namespace   string
	PromURL     string
	MatchesOnly bool
	SuggestPct  float64
	Thresholds  vmcheck.Thresholds
}

func runVMCheck(ctx context.Context, a *app, opts vmcheckOptions) error {
	restCfg, err := cluster.RESTConfig(a.cfg.Cluster.Kubeconfig)
	if err != nil {
		return err
	}
	clusterClient, err := cluster.NewClient(restCfg)
	if err != nil {
		return err
	}

	promURL := opts.PromURL
	if promURL == "" {
		tunnel, err := vmcheck.OpenTunnel(ctx, restCfg,
			a.cfg.Prometheus.Namespace, a.cfg.Prometheus.Service, a.cfg.Prometheus.RemotePort)
		if err != nil {
			return err
		}
		defer tunnel.Close()
		promURL = tunnel.URL()
	}

	token, err := bearerToken(a)
	if err != nil {
		return err
	}
	metrics, err := vmcheck.NewMetricsClient(promURL, token, a.cfg.Prometheus.Window)
	if err != nil {
		return err
	}

	vmis, err := clusterClient.VirtualMachineInstances(ctx)
	if err != nil {
		return err
	}
	var targets []kubevirtv1.VirtualMachineInstance
	for _, vmi := range vmis {
		if vmi.Status.Phase != kubevirtv1.Running {
			continue
		}
		if opts.Namespace != "" && vmi.Namespace != opts.Namespace {
			continue
		}
		targets = append(targets, vmi)
	}
	logger.Info("Collecting VM metrics",
		zap.Int("running_vmis", len(targets)),
		zap.String("prometheus", promURL),
	)

	samples, err := collectSamples(ctx, a, metrics, targets)
	if err != nil {
		return err
	}

	sort.Slice(samples, func(i, j int) bool {
		return vmcheck.Score(samples[i], opts.Thresholds) > vmcheck.Score(samples[j], opts.Thresholds)
	})

	rep := report.New("vmcheck", []string{"namespace", "name", "node", "score", "cpu_avg_pct", "net_bps", "disk_bps", "match", "notes"})
	rep.Meta["mode"] = opts.Mode

	matches := 0
	for _, s := range samples {
		matched := vmcheck.MatchWedge(s, opts.Thresholds)
		if opts.Mode == "quiet" {
			matched = vmcheck.MatchQuiet(s, opts.Thresholds)
		}
		if matched {
			matches++
		}
		if opts.MatchesOnly && !matched {
			continue
		}

		notes := ""
		if len(s.MissingSeries) > 0 {
			notes = "no data (zero substituted): " + strings.Join(s.MissingSeries, ",")
		}
		rep.AddRow(s.Namespace, s.Name, s.Node,
			fmt.Sprintf("%.1f", vmcheck.Score(s, opts.Thresholds)),
			fmt.Sprintf("%.1f", s.CPUAvgPct),
			fmt.Sprintf("%.0f", s.NetBytesPerSec),
			fmt.Sprintf("%.0f", s.DiskBytesPerSec),
			fmt.Sprintf("%t", matched),
			notes,
		)
	}
	logger.Info("VM scoring complete",
		zap.Int("scored", len(samples)),
		zap.Int("matches", matches),
		zap.String("mode", opts.Mode),
	)

	if err := emitReport(a, rep); err != nil {
		return err
	}

	if opts.SuggestPct > 0 {
		sug := vmcheck.SuggestThresholds(samples, opts.SuggestPct)
		fmt.Fprintf(os.Stdout,
			"suggested ceilings at p%.0f over %d VMs: net=%.0f B/s disk=%.0f B/s\n",
			sug.Percentile, sug.Population, sug.NetCeilingBytes, sug.DiskCeilingBytes)
	}
	return nil
}

// collectSamples fans the per-VMI queries out over the general pool.
func collectSamples(ctx context.Context, a *app, metrics *vmcheck.MetricsClient, targets []kubevirtv1.VirtualMachineInstance) ([]vmcheck.Sample, error) {
	pools, err := worker.NewPools(worker.PoolConfig{
		GeneralPoolSize: a.cfg.Worker.GeneralPoolSize,
		ArrayPoolSize:   a.cfg.Worker.ArrayPoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker pools: %w", err)
	}
	defer pools.Shutdown()

	samples := make([]vmcheck.Sample, len(targets))
	errs := make([]error, len(targets))
	var mu sync.Mutex

	group := pools.General.NewGroup()
	for i, vmi := range targets {
		i, vmi := i, vmi
		submitErr := group.Go(ctx, func(ctx context.Context) {
			s, err := metrics.Collect(ctx, vmi.Namespace, vmi.Name)
			s.Node = vmi.Status.NodeName
			mu.Lock()
			samples[i], errs[i] = s, err
			mu.Unlock()
		})
		if submitErr != nil {
			errs[i] = submitErr
		}
	}
	group.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("collect %s/%s: %w", targets[i].Namespace, targets[i].Name, err)
		}
	}
	return samples, nil
}

// bearerToken resolves the monitoring token: inline config first, then
// the token file.
func bearerToken(a *app) (string, error) {
	if a.cfg.Prometheus.BearerToken != "" {
		return a.cfg.Prometheus.BearerToken, nil
	}
	if a.cfg.Prometheus.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(a.cfg.Prometheus.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read bearer token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
