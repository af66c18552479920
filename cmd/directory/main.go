package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pulsecrypt/internal/config"
	"pulsecrypt/internal/directory"
	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/observability"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		dbPath     string
		memory     bool
		origins    []string
	)
	cmd := &cobra.Command{
		Use:          "directory",
		Short:        "Run the pulsecrypt directory server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if dbPath != "" {
				cfg.Server.DBPath = dbPath
			}
			if len(origins) > 0 {
				cfg.Server.CORSOrigins = origins
			}
			return serve(cmd.Context(), cfg, memory)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :8080)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().BoolVar(&memory, "memory", false, "keep state in memory only")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "allowed CORS origin (repeatable)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, memory bool) error {
	log := observability.NewLogger("pulsecrypt-directory", Version, os.Stderr)
	if cfg.Log.Format != "json" {
		log = observability.NewConsoleLogger("pulsecrypt-directory", os.Stderr)
	}
	log, err := log.WithLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	var dir domain.DirectoryService
	if memory {
		dir = directory.NewMemory()
		log.Warn("directory state is kept in memory only")
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o700); err != nil {
			return err
		}
		db, err := directory.OpenSQLite(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		dir = db
	}

	var metrics *observability.Metrics
	if cfg.Server.MetricsEnabled {
		metrics = observability.NewMetricsWith(prometheus.NewRegistry())
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.Server.Listen,
		Handler: directory.NewRouter(dir, directory.ServerOptions{
			CORSOrigins: cfg.Server.CORSOrigins,
			Logger:      log,
			Metrics:     metrics,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("directory listening on " + cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
