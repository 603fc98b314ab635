package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kv-shepherd.io/storjanitor/internal/array"
	"kv-shepherd.io/storjanitor/internal/cluster"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
	"kv-shepherd.io/storjanitor/internal/pkg/worker"
	"kv-shepherd.io/storjanitor/internal/reconcile"
	"kv-shepherd.io/storjanitor/internal/report"
)

func newOrphansCommand(a *app) *cobra.Command {
	var (
		namespace      string
		doDelete       bool
		verifyCap      int
		pageSize       int
		forceRelogin   bool
		noSessionCache bool
	)

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Find array volumes no persistent volume references, optionally delete the eligible ones",
		Long: `Cross-references the array's full volume listing against the cluster's
persistent volumes. Unreferenced volumes are verified one by one against
the array's detail endpoint; only volumes the array itself confirms
unmapped, outside any DataVolume protection, become delete-eligible.
Without --delete every candidate is report-only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if verifyCap > 0 {
				cfg.Array.VerifyCap = verifyCap
			}
			if pageSize > 0 {
				cfg.Array.PageSize = pageSize
			}
			return runOrphans(cmd.Context(), a, orphansOptions{
				Namespace:      namespace,
				Delete:         doDelete,
				ForceRelogin:   forceRelogin,
				NoSessionCache: noSessionCache,
			})
		},
	}

	cmd.Flags().StringVar(&namespace, "ns", "", "restrict eligibility to claims of one namespace (exact match)")
	cmd.Flags().BoolVar(&doDelete, "delete", false, "delete eligible volumes (default is report-only)")
	cmd.Flags().IntVar(&verifyCap, "verify-cap", 0, "max per-run detail verifications (0 uses the configured cap)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "array listing page size (0 uses the configured size)")
	cmd.Flags().BoolVar(&forceRelogin, "force-relogin", false, "discard any cached array session before the run")
	cmd.Flags().BoolVar(&noSessionCache, "no-session-cache", false, "keep the array session in memory only")
	return cmd
}

type orphansOptions struct {
	Namespace      string
	Delete         bool
	ForceRelogin   bool
	NoSessionCache bool
}

func newArrayClient(a *app, force, noCache bool) (*array.Client, error) {
	cfg := a.cfg.Array
	if cfg.URL == "" || cfg.User == "" {
		return nil, fmt.Errorf("array.url and array.user must be configured")
	}

	var store array.SessionStore = &array.FileStore{Dir: cfg.SessionCacheDir}
	if noCache {
		store = &array.MemoryStore{}
	}

	return array.NewClient(
		array.ClientConfig{
			BaseURL:        cfg.URL,
			InsecureTLS:    cfg.InsecureTLS,
			RequestTimeout: cfg.RequestTimeout,
			PageSize:       cfg.PageSize,
			OffsetCeiling:  cfg.OffsetCeiling,
		},
		array.Credentials{User: cfg.User, Password: cfg.Password},
		store,
		array.SessionConfig{
			Retries:      cfg.LoginRetries,
			BackoffBase:  cfg.LoginBackoff,
			ForceRelogin: force,
		},
	), nil
}

func runOrphans(ctx context.Context, a *app, opts orphansOptions) error {
	arrayClient, err := newArrayClient(a, opts.ForceRelogin, opts.NoSessionCache)
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

	pools, err := worker.NewPools(worker.PoolConfig{
		GeneralPoolSize: a.cfg.Worker.GeneralPoolSize,
		ArrayPoolSize:   a.cfg.Worker.ArrayPoolSize,
	})
	if err != nil {
		return fmt.Errorf("create worker pools: %w", err)
	}
	defer pools.Shutdown()

	pvs, err := clusterClient.PersistentVolumes(ctx)
	if err != nil {
		return err
	}
	pvcs, err := clusterClient.PersistentVolumeClaims(ctx)
	if err != nil {
		return err
	}
	dvs, err := clusterClient.DataVolumes(ctx)
	if err != nil {
		return err
	}

	inUse := cluster.BuildInUseIndex(pvs)
	protected := cluster.BuildProtectedSet(dvs, pvcs)
	logger.Info("Cluster inventory gathered",
		zap.Int("persistent_volumes", len(pvs)),
		zap.Int("in_use_handles", inUse.Len()),
		zap.Int("protected_volumes", len(protected)),
	)

	volumes, err := arrayClient.FetchAllVolumes(ctx)
	if err != nil {
		return err
	}

	orphans := reconcile.ComputeOrphans(volumes, inUse)
	logger.Info("Orphan candidates computed",
		zap.Int("array_volumes", len(volumes)),
		zap.Int("candidates", len(orphans)),
	)

	verifier := reconcile.NewVerifier(arrayClient, pools.Array, reconcile.Policy{
		Namespace: opts.Namespace,
		Protected: protected,
		VerifyCap: a.cfg.Array.VerifyCap,
	})
	classifications := verifier.ClassifyAll(ctx, orphans)

	rep := report.New("orphans", []string{"volume_id", "name", "classification", "reason", "action"})
	rep.Meta["array"] = a.cfg.Array.URL
	rep.Meta["mode"] = "report-only"
	if opts.Delete {
		rep.Meta["mode"] = "delete"
	}
	if opts.Namespace != "" {
		rep.Meta["namespace"] = opts.Namespace
	}

	eligible := 0
	for _, c := range classifications {
		kind := "report-only"
		if c.Eligible {
			kind = "eligible"
			eligible++
		} else if c.Verified {
			kind = "ineligible"
		}

		action := ""
		if c.Eligible && opts.Delete {
			action = deleteOne(ctx, arrayClient, c.VolumeID)
		}
		rep.AddRow(c.VolumeID, c.Name, kind, c.Reason, action)
	}
	logger.Info("Orphan classification complete",
		zap.Int("candidates", len(classifications)),
		zap.Int("eligible", eligible),
	)

	return emitReport(a, rep)
}

// deleteOne attempts a single deletion and renders the outcome for the
// report. The array's refusal is a recorded result, not an error.
func deleteOne(ctx context.Context, client *array.Client, id string) string {
	outcome, err := client.DeleteVolume(ctx, id)
	if err != nil {
		logger.Error("Volume deletion failed", zap.String("volume_id", id), zap.Error(err))
		return fmt.Sprintf("delete failed: %v", err)
	}
	if outcome.Refused {
		return fmt.Sprintf("refused by array (%d): %s", outcome.HTTPStatus, outcome.VendorMessage)
	}
	return "deleted"
}

// emitReport renders the table to stdout and writes the CSV and HTML
// artifacts.
func emitReport(a *app, rep *report.Report) error {
	if err := rep.RenderTable(os.Stdout); err != nil {
		return err
	}
	csvPath, err := rep.WriteCSV(a.cfg.Report.Dir)
	if err != nil {
		return fmt.Errorf("write csv artifact: %w", err)
	}
	htmlPath, err := rep.WriteHTML(a.cfg.Report.Dir)
	if err != nil {
		return fmt.Errorf("write html artifact: %w", err)
	}
	logger.Info("Report artifacts written",
		zap.String("csv", csvPath),
		zap.String("html", htmlPath),
	)
	return nil
}
