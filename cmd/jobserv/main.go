// Command jobserv runs the JobServ daemon: the HTTP API surface and the
// background monitor loop, wired against one of the two store backends.
// Modeled on the teacher's cmd/conductord/main.go: parse flags, load
// config, build the long-running components, run until a signal asks
// for graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/foundriesio/jobserv/internal/auth"
	"github.com/foundriesio/jobserv/internal/blobstore"
	"github.com/foundriesio/jobserv/internal/config"
	"github.com/foundriesio/jobserv/internal/dispatcher"
	"github.com/foundriesio/jobserv/internal/httpapi"
	"github.com/foundriesio/jobserv/internal/leader"
	joblog "github.com/foundriesio/jobserv/internal/log"
	"github.com/foundriesio/jobserv/internal/monitor"
	"github.com/foundriesio/jobserv/internal/runstate"
	"github.com/foundriesio/jobserv/internal/secretbox"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/store/postgres"
	"github.com/foundriesio/jobserv/internal/store/sqlite"
	"github.com/foundriesio/jobserv/internal/tracing"
	"github.com/foundriesio/jobserv/internal/trigger"
)

// Version information (injected via ldflags at build time).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		httpAddr    = flag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
		blobDir     = flag.String("blob-dir", "", "Local filesystem blob store root (overrides BLOB_STORE_DIR)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("jobserv %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobserv: config: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	logger := joblog.New(joblog.Config{Level: cfg.LogLevel, Format: joblog.Format(cfg.LogFormat)})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider("jobserv", version)
	if err != nil {
		logger.Error("failed to start tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	db, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	blobDirPath := *blobDir
	if blobDirPath == "" {
		blobDirPath = os.Getenv("BLOB_STORE_DIR")
	}
	if blobDirPath == "" {
		blobDirPath = "/data/blobs"
	}
	fsBlobs, err := blobstore.NewFilesystemStore(blobDirPath)
	if err != nil {
		logger.Error("failed to open blob store", slog.Any("error", err))
		os.Exit(1)
	}
	blobs := blobstore.NewRetrying(fsBlobs)

	secrets, err := secretbox.New(cfg.SecretsKey)
	if err != nil {
		logger.Error("failed to init secretbox", slog.Any("error", err))
		os.Exit(1)
	}

	certs := auth.NewCertStore(cfg.WorkerJWTsDir)

	runst := runstate.New(db, time.Now)
	disp := dispatcher.New(db, blobs, cfg.WorkerDiskFreeThresholdBytes)
	pipeline := trigger.New(db, blobs, secrets)
	runst.SetChainTrigger(pipeline)

	var leaderChecker monitor.LeaderChecker
	if cfg.MonitorReplicas > 1 {
		if pgDB, ok := sqlUnwrap(db); ok {
			instanceID := os.Getenv("HOSTNAME")
			elector := leader.NewElector(leader.Config{DB: pgDB, InstanceID: instanceID, Logger: logger})
			elector.Start(ctx)
			defer elector.Stop()
			leaderChecker = elector
		} else {
			logger.Warn("JOBSERV_MONITOR_REPLICAS > 1 requires postgres; running as sole leader")
		}
	}

	mon := monitor.New(db, runst, blobs, monitor.Config{
		SurgeSupportRatio:       cfg.SurgeSupportRatio,
		SurgeMarkerDir:          cfg.SurgeMarkerDir,
		WorkerLogsDir:           cfg.WorkerLogsDir,
		WorkerLogsRetentionDays: cfg.WorkerLogsThresholdDays,
	}, logger, leaderChecker)

	router := httpapi.New(db, blobs, disp, pipeline, runst, certs, cfg, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go mon.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("jobserv listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server error", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}

// openStore dispatches on the DATABASE_URL scheme: "sqlite://" for the
// pure-Go single-node backend, anything else treated as a postgres DSN
// (spec.md §6, SPEC_FULL.md §5.1).
func openStore(ctx context.Context, databaseURL string) (store.Store, error) {
	if strings.HasPrefix(databaseURL, "sqlite://") {
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		return sqlite.New(ctx, path)
	}
	return postgres.New(ctx, postgres.Config{ConnectionString: databaseURL})
}

// sqlUnwrap extracts the *sql.DB underlying a postgres backend for the
// leader elector, which talks advisory locks directly over the pool.
func sqlUnwrap(s store.Store) (*sql.DB, bool) {
	type dber interface{ DB() *sql.DB }
	if d, ok := s.(dber); ok {
		return d.DB(), true
	}
	return nil, false
}
