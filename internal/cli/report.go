package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kv-shepherd.io/storjanitor/internal/pkg/logger"
	"kv-shepherd.io/storjanitor/internal/report"
)

func newReportCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Browse and prune accumulated report artifacts",
	}
	cmd.AddCommand(newReportServeCommand(a), newReportPruneCommand(a))
	return cmd
}

func newReportServeCommand(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the report artifacts over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port <= 0 {
				port = a.cfg.Report.Port
			}
			return runReportServe(cmd.Context(), a, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (0 uses the configured port)")
	return cmd
}

func runReportServe(ctx context.Context, a *app, port int) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      report.NewServer(a.cfg.Report.Dir),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { //nolint:naked-goroutine // main server goroutine is exempt
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("Report server started",
		zap.String("addr", srv.Addr),
		zap.String("dir", a.cfg.Report.Dir),
	)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("report server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newReportPruneCommand(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete report artifacts older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = a.cfg.Report.Retention
			}
			removed, err := report.Prune(a.cfg.Report.Dir, olderThan)
			if err != nil {
				return err
			}
			logger.Info("Report artifacts pruned",
				zap.Int("removed", removed),
				zap.Duration("older_than", olderThan),
			)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (0 uses report.retention)")
	return cmd
}
