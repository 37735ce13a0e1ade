package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/jobsync/internal/events"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep local data in sync in the background",
	Long: `Daemon pulls every synced table and pushes pending changes on a
fixed interval. It serves /healthz, /status and, when metrics are enabled,
/metrics on the configured address.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var (
	daemonInterval time.Duration
	daemonAddr     string
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0,
		"Time between sync rounds (default twice sync.min_sync_interval)")
	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "",
		"Listen address (default metrics.addr; empty disables the server)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Pulls closer together than min_sync_interval are skipped by the scheduler.
	interval := daemonInterval
	if interval <= 0 {
		interval = 2 * cfg.Sync.MinSyncInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	addr := daemonAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}

	g, ctx := errgroup.WithContext(ctx)

	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.WithField("addr", addr).Info("Serving status endpoints")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			syncRound(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if !jsonOutput {
		printInfo("Syncing every %s, press Ctrl+C to stop", interval)
	}
	return g.Wait()
}

// syncRound pushes pending changes, then pulls every synced table.
func syncRound(ctx context.Context) {
	for _, table := range apiClient.Sync.SyncTables() {
		if _, err := apiClient.Sync.PushPending(ctx, table); err != nil && ctx.Err() == nil {
			logger.WithField("table", table).WithError(err).Warn("Push round failed")
		}
	}
	if _, err := apiClient.Sync.RefreshAll(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Warn("Pull round failed")
	}
}

func newRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		tables, err := apiClient.Sync.Status(r.Context())
		if err != nil {
			events.FromContext(r.Context()).WithError(err).Error("Status request failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"tables":    tables,
			"cache":     apiClient.Sync.CacheStats(),
			"conflicts": len(apiClient.Sync.Conflicts()),
		})
	})

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(apiClient.Gatherer(), promhttp.HandlerOpts{}))
	}
	return r
}

// requestLogger tags the request context logger with chi's request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := events.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
