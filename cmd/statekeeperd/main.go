// Statekeeperd is the statekeeper daemon: it owns the state document, saves
// it to disk, learns from recorded fix attempts and serves the HTTP API.
//
// Configuration is loaded from ~/.config/statekeeper/config.yaml and
// STATEKEEPER_ environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	statekeeperd
//
//	# Use another config file and port
//	STATEKEEPER_SERVER_HTTP_PORT=9090 statekeeperd -config /etc/statekeeper/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/advisor"
	"github.com/fyrsmithlabs/statekeeper/internal/changelog"
	"github.com/fyrsmithlabs/statekeeper/internal/config"
	"github.com/fyrsmithlabs/statekeeper/internal/document"
	"github.com/fyrsmithlabs/statekeeper/internal/events"
	httpapi "github.com/fyrsmithlabs/statekeeper/internal/http"
	"github.com/fyrsmithlabs/statekeeper/internal/learning"
	"github.com/fyrsmithlabs/statekeeper/internal/logging"
	"github.com/fyrsmithlabs/statekeeper/internal/persistence"
	"github.com/fyrsmithlabs/statekeeper/internal/query"
	"github.com/fyrsmithlabs/statekeeper/internal/secrets"
	"github.com/fyrsmithlabs/statekeeper/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/statekeeper/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  statekeeperd           Start the statekeeper daemon\n")
			fmt.Fprintf(os.Stderr, "  statekeeperd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("statekeeperd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Builds the document and change log, then loads the state file
//  4. Indexes learned history and starts the save scheduler
//  5. Optionally publishes changes to NATS
//  6. Serves HTTP until cancellation, then saves and shuts down
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	scrubber, err := secrets.New(&cfg.Secrets)
	if err != nil {
		return fmt.Errorf("failed to initialize secret scrubber: %w", err)
	}

	logger, err := initLogger(cfg, scrubber)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), zl)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	zl.Info("Starting statekeeperd",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()),
		zap.String("store", cfg.Store.Path),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	st, err := initStore(ctx, cfg, scrubber, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close(cfg, zl)

	svcs, err := initServices(ctx, cfg, st, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if cfg.NATS.Enabled {
		if err := st.connectEvents(cfg, zl); err != nil {
			return fmt.Errorf("failed to initialize change events: %w", err)
		}
	}

	scheduler, err := persistence.NewScheduler(st.manager, zl,
		persistence.WithInterval(cfg.Store.SaveInterval.Duration()),
		persistence.WithDebounce(cfg.Store.Debounce.Duration()),
		persistence.WithMaxDelay(cfg.Store.MaxDelay.Duration()),
		persistence.WithSaveTimeout(cfg.Store.SaveTimeout.Duration()),
	)
	if err != nil {
		return fmt.Errorf("failed to create save scheduler: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start save scheduler: %w", err)
	}
	st.scheduler = scheduler

	watcher := startWatcher(ctx, configPath, st.changes, zl)
	if watcher != nil {
		defer watcher.Stop()
	}

	srv, err := httpapi.NewServer(httpapi.Deps{
		State:     st.doc,
		Learning:  svcs.learner,
		Advisor:   svcs.advisor,
		Questions: svcs.questions,
		Saver:     st.manager,
		Changes:   st.changes,
	}, zl, &httpapi.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	zl.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s/health", cfg.Addr())),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

// initLogger builds the structured logger from the logging section.
func initLogger(cfg *config.Config, scrubber secrets.Scrubber) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, global.GetLoggerProvider(), logging.WithScrubber(scrubber))
}

// store holds the document and everything attached to it.
type store struct {
	doc       *document.Document
	changes   *changelog.Log
	manager   *persistence.Manager
	scheduler *persistence.Scheduler
	nc        *nats.Conn
	publisher *events.Publisher
}

// initStore builds the document, change log and persistence manager, then
// loads the state file. A corrupt file is moved aside and the daemon starts
// from an empty document.
func initStore(ctx context.Context, cfg *config.Config, scrubber secrets.Scrubber, logger *zap.Logger) (*store, error) {
	opts := []changelog.Option{
		changelog.WithScrubber(scrubber),
		changelog.WithLogger(logger),
	}
	if a := cfg.ChangeLog.Archive; a.Enabled {
		archive, err := changelog.OpenBadgerArchive(changelog.ArchiveConfig{
			Path:     a.Path,
			InMemory: a.InMemory,
			TTL:      a.TTL.Duration(),
		}, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, changelog.WithArchive(archive))
	}

	logCfg := changelog.DefaultConfig()
	logCfg.MaxEntries = cfg.ChangeLog.MaxEntries
	logCfg.PreviewBytes = cfg.ChangeLog.PreviewBytes
	logCfg.Policy = cfg.ChangeLog.Policy
	changes, err := changelog.New(logCfg, opts...)
	if err != nil {
		return nil, err
	}

	doc := document.New()
	doc.Subscribe(changes.Observe)

	pcfg := persistence.DefaultConfig(cfg.Store.Path)
	if len(cfg.Store.GuardedPaths) > 0 {
		pcfg.GuardedPaths = cfg.Store.GuardedPaths
	}
	pcfg.ChangeLogTail = cfg.Store.ChangeLogTail
	pcfg.MaxAttempts = cfg.Store.MaxAttempts
	pcfg.InitialBackoff = cfg.Store.InitialBackoff.Duration()
	manager, err := persistence.NewManager(pcfg, doc,
		persistence.WithChangeLog(changes),
		persistence.WithLogger(logger),
	)
	if err != nil {
		_ = changes.Close()
		return nil, err
	}
	st := &store{doc: doc, changes: changes, manager: manager}

	if _, err := manager.Load(ctx); err != nil {
		var corrupt *persistence.CorruptError
		if !errors.As(err, &corrupt) {
			st.Close(cfg, logger)
			return nil, err
		}
		moved, qerr := manager.Quarantine()
		if qerr != nil {
			st.Close(cfg, logger)
			return nil, fmt.Errorf("quarantine corrupt state file: %w", qerr)
		}
		logger.Warn("state file corrupt, moved aside",
			zap.String("path", cfg.Store.Path),
			zap.String("moved_to", moved),
			zap.Error(err))
		if _, err := manager.Load(ctx); err != nil {
			st.Close(cfg, logger)
			return nil, err
		}
	}
	return st, nil
}

// connectEvents publishes every document change to NATS.
func (s *store) connectEvents(cfg *config.Config, logger *zap.Logger) error {
	var opts []nats.Option
	if cfg.NATS.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.NATS.Token.Value()))
	}
	nc, err := events.Connect(cfg.NATS.URL, logger, opts...)
	if err != nil {
		return err
	}

	pubCfg := events.DefaultConfig()
	pubCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
	pubCfg.Stream = cfg.NATS.Stream
	pubCfg.QueueSize = cfg.NATS.QueueSize
	publisher, err := events.NewPublisher(nc, pubCfg, logger)
	if err != nil {
		nc.Close()
		return err
	}
	s.nc = nc
	s.publisher = publisher
	s.doc.Subscribe(publisher.Observe)

	logger.Info("publishing changes to NATS",
		zap.String("url", cfg.NATS.URL),
		zap.String("subject_prefix", pubCfg.SubjectPrefix))
	return nil
}

// Close stops the scheduler, saves pending changes and releases resources.
func (s *store) Close(cfg *config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if s.scheduler != nil {
		if err := s.scheduler.Stop(ctx); err != nil {
			logger.Warn("save scheduler stop failed", zap.Error(err))
		}
	}
	if err := s.manager.Close(ctx); err != nil {
		logger.Error("final save failed", zap.Error(err))
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			logger.Warn("event publisher close failed", zap.Error(err))
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}
	if err := s.changes.Close(); err != nil {
		logger.Warn("change log close failed", zap.Error(err))
	}
}

// services holds the learning and advisory services.
type services struct {
	learner   learning.Service
	advisor   *advisor.Advisor
	questions *query.Dispatcher
}

// initServices builds the learner over the loaded document and brings its
// derived paths in line with the stored history.
func initServices(ctx context.Context, cfg *config.Config, st *store, logger *zap.Logger) (*services, error) {
	learner, err := learning.NewService(&learning.Config{
		MaxSymptoms:       cfg.Learning.MaxSymptoms,
		UnassignedIssueID: cfg.Learning.UnassignedIssueID,
	}, st.doc, logger)
	if err != nil {
		return nil, err
	}
	report, err := learner.Rebuild(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild learned patterns: %w", err)
	}
	logger.Info("learned patterns indexed",
		zap.Int("records", report.Records),
		zap.Int("skipped", report.Skipped))

	adv, err := advisor.New(learner, logger)
	if err != nil {
		return nil, err
	}
	questions, err := query.NewDispatcher(learner, adv, st.doc, logger)
	if err != nil {
		return nil, err
	}
	return &services{learner: learner, advisor: adv, questions: questions}, nil
}

// startWatcher applies change log policy edits without a restart. Other
// settings take effect on the next start.
func startWatcher(ctx context.Context, configPath string, changes *changelog.Log, logger *zap.Logger) *config.Watcher {
	if configPath == "" {
		if err := config.EnsureConfigDir(); err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
			return nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
			return nil
		}
		configPath = config.DefaultPath(home)
	}

	w, err := config.NewWatcher(configPath, func(next *config.Config) {
		if err := changes.SetPolicy(next.ChangeLog.Policy); err != nil {
			logger.Warn("change log policy rejected", zap.Error(err))
			return
		}
		logger.Info("change log policy reloaded", zap.Int("rules", len(next.ChangeLog.Policy.Rules)))
	}, logger)
	if err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
		return nil
	}
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
		return nil
	}
	return w
}
