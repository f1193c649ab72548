package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lodgeworks/dispatchq/internal/dispatch"
	"github.com/lodgeworks/dispatchq/internal/queue"
)

// DispatchLoop drives the dispatcher on a fixed interval. The same binary
// can run any number of loops (or none, when dispatch is triggered over
// HTTP by an external cron); they coordinate purely through the store's
// claim protocol.
type DispatchLoop struct {
	dispatcher *dispatch.Dispatcher
	interval   time.Duration
	logger     *zap.Logger
}

func NewDispatchLoop(d *dispatch.Dispatcher, interval time.Duration, logger *zap.Logger) *DispatchLoop {
	return &DispatchLoop{dispatcher: d, interval: interval, logger: logger}
}

// Run ticks every interval and processes one claimed batch per tick.
// Stops cleanly when ctx is cancelled.
func (l *DispatchLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("dispatch loop started",
		zap.Duration("interval", l.interval),
		zap.String("owner_id", l.dispatcher.OwnerID()),
	)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopping")
			return
		case <-ticker.C:
			result, err := l.dispatcher.RunCycle(ctx)
			if err != nil {
				l.logger.Error("dispatch cycle error", zap.Error(err))
				continue
			}
			if result.Claimed > 0 {
				l.logger.Info("dispatch cycle finished",
					zap.Int("claimed", result.Claimed),
					zap.Int("delivered", result.Delivered),
					zap.Int("queued", result.Queued),
					zap.Int("failed", result.Failed),
				)
			}
		}
	}
}

// ReaperLoop sweeps for stuck items independently of dispatch so crash
// recovery happens even when no worker is claiming.
type ReaperLoop struct {
	reaper   *queue.StuckItemReaper
	interval time.Duration
	logger   *zap.Logger
}

func NewReaperLoop(r *queue.StuckItemReaper, interval time.Duration, logger *zap.Logger) *ReaperLoop {
	return &ReaperLoop{reaper: r, interval: interval, logger: logger}
}

func (l *ReaperLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("reaper loop started", zap.Duration("interval", l.interval))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("reaper loop stopping")
			return
		case <-ticker.C:
			if _, err := l.reaper.Reap(ctx); err != nil {
				l.logger.Error("reaper sweep error", zap.Error(err))
			}
		}
	}
}

// Group runs a set of loops and waits for them on shutdown.
type Group struct {
	wg sync.WaitGroup
}

func (g *Group) Go(ctx context.Context, run func(context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(ctx)
	}()
}

// Wait blocks until every loop has returned after ctx is cancelled.
func (g *Group) Wait() {
	g.wg.Wait()
}
