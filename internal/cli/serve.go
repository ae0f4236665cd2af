package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/handlers"
	"github.com/telhawk-systems/filegate/internal/intake"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/monitor"
	"github.com/telhawk-systems/filegate/internal/notification"
	"github.com/telhawk-systems/filegate/internal/quarantine"
	"github.com/telhawk-systems/filegate/internal/ratelimit"
	"github.com/telhawk-systems/filegate/internal/repository"
	"github.com/telhawk-systems/filegate/internal/sanitize"
	"github.com/telhawk-systems/filegate/internal/scanner"
	"github.com/telhawk-systems/filegate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload gateway",
	Long:  "Start the HTTP service with scanning, quarantine, rate limiting and security monitoring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		if port > 0 {
			cfg.Server.Port = port
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

// gateway is the assembled service. close releases its resources in reverse
// order of acquisition.
type gateway struct {
	handler    http.Handler
	monitor    *monitor.Monitor
	dispatcher *notification.Dispatcher
	closers    []func()
}

func (g *gateway) onClose(fn func()) {
	g.closers = append(g.closers, fn)
}

func (g *gateway) close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}

func buildGateway(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *gateway, err error) {
	g := &gateway{}
	defer func() {
		if err != nil {
			g.close()
		}
	}()

	if err := os.MkdirAll(cfg.Uploads.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create uploads root: %w", err)
	}
	paths, err := sanitize.NewValidator(cfg.Uploads.Root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.QuarantineDir(), cfg.Uploads.Staging()} {
		if err := paths.Exclude(dir); err != nil {
			return nil, err
		}
	}

	sc := scanner.New(cfg.Scanner)
	qm := quarantine.NewManager(cfg.QuarantineDir(), logger)

	var checks []handlers.Check
	if p, ok := sc.(scanner.Pinger); ok {
		checks = append(checks, handlers.Check{Name: "scanner", Critical: true, Probe: p.Ping})
	}

	var repo repository.Repository
	if cfg.Database.Enabled {
		if cfg.Database.RunMigrations {
			version, err := repository.RunMigrations(cfg.Database.URL)
			if err != nil {
				return nil, err
			}
			logger.Info("database migrations applied", "version", version)
		}
		pg, err := repository.NewPostgresRepository(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		repo = pg
		checks = append(checks, handlers.Check{Name: "database", Critical: true, Probe: pg.Ping})
	} else {
		logger.Warn("database disabled, upload records are kept in memory")
		repo = repository.NewInMemoryRepository()
	}
	g.onClose(repo.Close)

	store, closeStore, err := ratelimit.NewStore(cfg.RateLimit, cfg.RateLimit.Prefix, cfg.RateLimit.Window, logger)
	if err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	g.onClose(func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close rate limit store", logging.Error(err))
		}
	})

	var limiter ratelimit.RateLimiter = ratelimit.NoOpLimiter{}
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(store, cfg.RateLimit.MaxUploads)
	} else {
		logger.Warn("rate limiting disabled")
	}

	channel, closeNotify, err := notification.FromConfig(cfg.Alerts, logger)
	if err != nil {
		return nil, fmt.Errorf("alert channels: %w", err)
	}
	g.onClose(closeNotify)
	g.dispatcher = notification.NewDispatcher(channel, notification.OptionsFromConfig(cfg.Alerts), logger)

	g.monitor = monitor.New(monitor.OptionsFromConfig(cfg.Monitor), logger, g.dispatcher)
	if cfg.RateLimit.RedisURL != "" {
		g.monitor.AttachCluster(store)
		checks = append(checks, handlers.Check{Name: "ratelimit", Probe: func(context.Context) error {
			if !store.Healthy() {
				return fmt.Errorf("shared store %s, using local counters", store.State())
			}
			return nil
		}})
	}

	svc := intake.NewService(intake.Deps{
		Paths:      paths,
		Scanner:    sc,
		Quarantine: qm,
		Acceptor:   repo,
		Usage:      repo,
		Monitor:    g.monitor,
	}, intake.OptionsFromConfig(cfg.Uploads), logger)
	if n, err := svc.PurgeStaging(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Warn("discarded unscanned uploads from a previous run", "count", n)
	}

	h := handlers.New(handlers.Deps{
		Uploader:   svc,
		Paths:      paths,
		Monitor:    g.monitor,
		Quarantine: qm,
		Checks:     checks,
	}, cfg.Uploads.MaxSize, logger)

	g.handler = server.NewRouter(h, limiter, g.monitor, logger)
	return g, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("filegate"))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.close()

	// Workers stop after the server has drained.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); g.monitor.Run(workerCtx) }()
	go func() { defer wg.Done(); g.dispatcher.Run(workerCtx) }()
	defer func() {
		stopWorkers()
		wg.Wait()
	}()

	srv := server.New(cfg.Server, g.handler)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("filegate listening",
			"addr", srv.Addr,
			"scanner", cfg.Scanner.Strategy,
			"uploads_root", cfg.Uploads.Root,
			"quarantine_dir", cfg.QuarantineDir())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
