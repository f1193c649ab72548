package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/api"
	"github.com/lodgeworks/dispatchq/internal/broadcast"
	"github.com/lodgeworks/dispatchq/internal/config"
	"github.com/lodgeworks/dispatchq/internal/db"
	"github.com/lodgeworks/dispatchq/internal/dispatch"
	"github.com/lodgeworks/dispatchq/internal/domain"
	"github.com/lodgeworks/dispatchq/internal/metrics"
	"github.com/lodgeworks/dispatchq/internal/queue"
	"github.com/lodgeworks/dispatchq/internal/ratelimit"
	"github.com/lodgeworks/dispatchq/internal/sender"
	"github.com/lodgeworks/dispatchq/internal/store"
	"github.com/lodgeworks/dispatchq/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- core dependencies ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := store.NewPgStore(pool)
	bcast := broadcast.Logger{Log: logger}

	// The exhausted hook enqueues an admin alert; the enqueuer does not
	// exist yet, so bind it through a variable assigned below.
	var enqueuer *queue.Enqueuer
	onExhausted := func(ctx context.Context, item *domain.QueueItem) {
		if enqueuer == nil {
			return
		}
		errMsg := ""
		if item.ErrorMessage != nil {
			errMsg = *item.ErrorMessage
		}
		_, _, err := enqueuer.Enqueue(ctx, domain.EnqueueRequest{
			Kind:     domain.KindNotifyAdmin,
			Target:   cfg.AdminTarget,
			Priority: domain.PriorityCritical,
			Payload: []byte(fmt.Sprintf(
				"delivery permanently failed\nitem: %s\nkind: %s\ntarget: %s\nlast error: %s",
				item.ID, item.Kind, item.Target, errMsg)),
			Metadata: domain.Metadata{
				domain.MetaBusinessKey: "exhausted-" + item.ID,
			},
		})
		if err != nil {
			logger.Warn("failed to enqueue operator alert",
				zap.String("item_id", item.ID), zap.Error(err))
		}
	}

	retry := queue.NewRetryScheduler(st, queue.DefaultBackoff, logger, onExhausted)
	reaper := queue.NewStuckItemReaper(st, cfg.StuckThreshold, logger, m.ReaperHook())
	claimer := queue.NewClaimer(st, reaper, logger)
	enqueuer = queue.NewEnqueuer(st, retry, bcast, queue.EnqueuerConfig{
		MaxPayloadBytes:      cfg.MaxPayloadBytes,
		DedupWindow:          cfg.DedupWindow,
		RequireDiscriminator: cfg.RequireDiscriminator,
	}, logger, m.DedupHook())
	svc := queue.NewService(st, enqueuer, claimer, retry, bcast, logger)

	metrics.RegisterQueueDepth(reg, func() float64 {
		stats, err := st.Stats(context.Background())
		if err != nil {
			logger.Warn("queue depth sample failed", zap.Error(err))
			return 0
		}
		return float64(stats.Pending)
	})

	snd, err := buildSender(cfg)
	if err != nil {
		logger.Fatal("failed to build sender", zap.Error(err))
	}

	limiter := ratelimit.New(st, cfg.RateLimitPerMinute)
	onDelivered, onFailed, onRateLimited := m.DispatchHooks()
	dispatcher := dispatch.New(svc, st, limiter, snd, bcast, logger, dispatch.Hooks{
		OnDelivered:   onDelivered,
		OnFailed:      onFailed,
		OnRateLimited: onRateLimited,
	}, dispatch.Config{
		BatchSize: cfg.ClaimBatchSize,
	})

	// ---- background loops ----
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var loops worker.Group
	loops.Go(workerCtx, worker.NewDispatchLoop(dispatcher, cfg.DispatchInterval, logger).Run)
	loops.Go(workerCtx, worker.NewReaperLoop(reaper, cfg.ReaperInterval, logger).Run)

	// ---- HTTP server ----
	router := api.NewRouter(svc, dispatcher, reg, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal the background loops to stop claiming new work.
	cancelWorkers()

	// 3. Wait for in-flight dispatch cycles to finish.
	loops.Wait()

	logger.Info("server stopped cleanly")
}

func buildSender(cfg *config.Config) (sender.Sender, error) {
	switch cfg.SenderKind {
	case "webhook":
		return sender.NewWebhookSender(cfg.WebhookURL, cfg.WebhookTimeout), nil
	case "smtp":
		return sender.NewMailSender(cfg.SMTPAddr, cfg.SMTPFrom), nil
	default:
		return nil, fmt.Errorf("unknown SENDER_KIND %q", cfg.SenderKind)
	}
}
