package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/suPer8Hu/upscale-tracker/internal/artifact"
	"github.com/suPer8Hu/upscale-tracker/internal/config"
	"github.com/suPer8Hu/upscale-tracker/internal/db"
	"github.com/suPer8Hu/upscale-tracker/internal/httpapi"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
	"github.com/suPer8Hu/upscale-tracker/internal/prefs"
	"github.com/suPer8Hu/upscale-tracker/internal/readiness"
	"github.com/suPer8Hu/upscale-tracker/internal/remote"
	"github.com/suPer8Hu/upscale-tracker/internal/store/rabbitmq"
	"github.com/suPer8Hu/upscale-tracker/internal/store/redisstore"
	"github.com/suPer8Hu/upscale-tracker/internal/tracker"
	"github.com/suPer8Hu/upscale-tracker/internal/watch"
)

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := tracker.Migrate(gdb); err != nil {
		log.Fatalf("automigrate: %v", err)
	}
	if err := prefs.Migrate(gdb); err != nil {
		log.Fatalf("automigrate prefs: %v", err)
	}

	sealer, err := tracker.NewSealer(cfg.CredentialKey)
	if err != nil {
		log.Fatalf("credential sealer: %v", err)
	}
	if sealer == nil {
		logger.Warn("CREDENTIAL_KEY not set, credentials are not persisted")
	}
	repo := tracker.NewRepo(gdb, sealer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := jobs.NewStore()
	persister := tracker.NewPersister(repo, logger)
	store.Subscribe(persister.Listen)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		persister.Run(ctx)
	}()

	if cfg.FanoutExchange != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.FanoutExchange, logger)
		if err != nil {
			logger.Error("fan-out disabled", "exchange", cfg.FanoutExchange, "err", err)
		} else {
			defer pub.Close()
			store.Subscribe(pub.Listen)
			go pub.Run(ctx)
		}
	}

	client := remote.NewClient(cfg.RequestTimeout)

	// watch transports
	reg := watch.NewRegistry()
	reg.Register("sse", func(ctx context.Context) (watch.Transport, error) {
		return watch.NewHTTPTransport(client, logger), nil
	})
	reg.Register("amqp", func(ctx context.Context) (watch.Transport, error) {
		return rabbitmq.NewConsumer(cfg.RabbitURL, cfg.EventsExchange, logger)
	})
	transport, err := reg.Get(ctx, cfg.PushTransport)
	if err != nil {
		logger.Error("push transport unavailable, using sse", "transport", cfg.PushTransport, "err", err)
		transport = watch.NewHTTPTransport(client, logger)
	}
	if c, ok := transport.(*rabbitmq.Consumer); ok {
		defer c.Close()
	}

	staleness := watch.NewStalenessMonitor(store, client, watch.StalenessConfig{
		CheckInterval:  cfg.CheckInterval,
		StaleThreshold: cfg.StaleThreshold,
		Logger:         logger,
	})
	go staleness.Start(ctx)

	supervisor := watch.NewSupervisor(watch.SupervisorConfig{
		Store:        store,
		Transport:    transport,
		Staleness:    staleness,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	outcome := &readiness.Outcome{}
	var reader readiness.WorkspaceReader
	if cfg.WorkspaceStatePath != "" {
		reader = readiness.StateFile{Path: cfg.WorkspaceStatePath}
	}

	validator := artifact.NewValidator(client, artifact.Config{
		History: artifact.NewHistory(cfg.ReportHistoryLimit),
		Logger:  logger,
	})

	var prefStore prefs.Store = prefs.NewDBStore(gdb)
	if strings.EqualFold(cfg.PrefsBackend, "redis") {
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			logger.Error("redis unavailable, preferences stay in the database", "addr", cfg.RedisAddr, "err", err)
			_ = rs.Close()
		} else {
			defer rs.Close()
			prefStore = rs
		}
	}

	svc := tracker.NewService(tracker.Config{
		Store:       store,
		Remote:      client,
		Watcher:     supervisor,
		Gate:        readiness.NewGate(outcome, reader),
		Outcome:     outcome,
		Validator:   validator,
		Repo:        repo,
		Persister:   persister,
		Prefs:       prefStore,
		DownloadDir: cfg.DownloadDir,
		Logger:      logger,
	})

	n, err := svc.Restore(ctx)
	if err != nil {
		log.Fatalf("restore: %v", err)
	}
	resumed := 0
	for _, rec := range svc.Jobs(jobs.Filter{Class: jobs.ClassActive}) {
		if err := svc.Watch(ctx, rec.JobID, true); err != nil {
			logger.Warn("re-watch failed", "job_id", rec.JobID, "err", err)
			continue
		}
		resumed++
	}
	logger.Info("tracker restored", "jobs", n, "watching", resumed)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(svc, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "transport", cfg.PushTransport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("tracker shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	supervisor.Close()
	staleness.Stop()
	<-persistDone
}
