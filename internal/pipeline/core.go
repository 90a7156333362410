package pipeline

import (
	"context"
	"sync"
	"time"

	"nft-pulse/internal/pipeline/config"
	"nft-pulse/internal/pipeline/conn"
	"nft-pulse/internal/pipeline/dispatch"
	"nft-pulse/internal/pipeline/feed"
	"nft-pulse/internal/pipeline/model"
	"nft-pulse/internal/pipeline/monitor"
	"nft-pulse/internal/pipeline/notify"
	"nft-pulse/internal/pipeline/snapshot"

	"go.uber.org/zap"
)

// Core wires the pipeline together: one connection manager, one dispatcher,
// the snapshot client, and the notification emitter. Consumer surfaces mount
// feeds through NewTransactionFeed / NewAlertFeed and must Close them on
// teardown; the Core itself lives for the whole session.
type Core struct {
	cfg        config.Config
	tl         *zap.Logger
	dispatcher *dispatch.Dispatcher
	manager    *conn.Manager
	api        *snapshot.Client
	emitter    *notify.Emitter
	metrics    *monitor.MetricsServer

	noticeMu      sync.Mutex
	notices       chan notify.Notice
	noticesClosed bool

	removeState func()
}

func New(cfg config.Config, logger *zap.Logger) *Core {
	dispatcher := dispatch.NewDispatcher(logger)
	manager := conn.NewManager(cfg.Stream, dispatcher, logger)
	api := snapshot.NewClient(cfg.API, logger)

	core := &Core{
		cfg:        cfg,
		tl:         logger,
		dispatcher: dispatcher,
		manager:    manager,
		api:        api,
		metrics:    monitor.NewMetricsServer(cfg.Monitor),
		notices:    make(chan notify.Notice, 64),
	}

	core.emitter = notify.NewEmitter(cfg.Notify, dispatcher, logger, core.pushNotice, nil)
	return core
}

func (c *Core) Start(ctx context.Context) error {
	c.tl.Info("Starting pipeline core...")

	if c.metrics != nil {
		c.metrics.Run()
	}

	// Connectivity indicator: transport trouble is visible, never fatal.
	c.removeState = c.manager.OnStateChange(func(change conn.StateChange) {
		c.tl.Info("stream state changed",
			zap.String("state", change.State.String()),
			zap.Int("attempt", change.Attempt),
			zap.Duration("retry_in", change.Delay),
		)
	})

	if err := c.manager.Connect(ctx); err != nil {
		return err
	}

	c.tl.Info("Pipeline core started")
	return nil
}

// Stop 优雅关闭 Core 的所有资源
func (c *Core) Stop(ctx context.Context) {
	c.tl.Info("Stopping pipeline core...")

	c.emitter.Close()

	// Readers ranging over Notices() terminate with the pipeline.
	c.noticeMu.Lock()
	if !c.noticesClosed {
		c.noticesClosed = true
		close(c.notices)
	}
	c.noticeMu.Unlock()

	c.manager.Disconnect()
	if c.removeState != nil {
		c.removeState()
	}

	if c.metrics != nil {
		_ = c.metrics.Stop(ctx)
	}

	c.tl.Info("Pipeline core stopped.")
}

// Dispatcher 供消费方自行订阅
func (c *Core) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Manager exposes the connection manager for state observation and sends.
func (c *Core) Manager() *conn.Manager {
	return c.manager
}

// Notices streams emitted notifications to the display surface. The channel
// never blocks the pipeline; slow readers lose notices. Stop closes it.
func (c *Core) Notices() <-chan notify.Notice {
	return c.notices
}

// Dismiss forwards an early user dismissal to the emitter.
func (c *Core) Dismiss(noticeID string) {
	c.emitter.Dismiss(noticeID)
}

// NewTransactionFeed mounts a live transaction feed and kicks off its first
// snapshot reconciliation. The caller owns the returned reconciler.
func (c *Core) NewTransactionFeed(ctx context.Context, collection string, window time.Duration) *feed.Reconciler[model.TransactionRecord] {
	store := feed.NewStore[model.TransactionRecord](c.cfg.Feed.Cap, c.cfg.Feed.PageSize)
	r := feed.NewReconciler(c.tl, c.dispatcher, model.TopicTransactionNew, model.DecodeTransaction, store)
	r.Refresh(ctx, c.api.TransactionFetcher(collection, window, c.cfg.Feed.Cap, c.cfg.Feed.PageSize))
	return r
}

// NewAlertFeed mounts the alerts inbox feed.
func (c *Core) NewAlertFeed(ctx context.Context, collection string, window time.Duration) *feed.Reconciler[model.AlertTrigger] {
	store := feed.NewStore[model.AlertTrigger](c.cfg.Feed.Cap, c.cfg.Feed.PageSize)
	r := feed.NewReconciler(c.tl, c.dispatcher, model.TopicAlert, model.DecodeAlert, store)
	r.Refresh(ctx, c.api.AlertFetcher(collection, window, c.cfg.Feed.Cap))
	return r
}

// RefreshTransactionFeed re-fetches, e.g. after a filter change. Stale
// responses lose to the newest request.
func (c *Core) RefreshTransactionFeed(ctx context.Context, r *feed.Reconciler[model.TransactionRecord], collection string, window time.Duration) {
	r.Refresh(ctx, c.api.TransactionFetcher(collection, window, c.cfg.Feed.Cap, c.cfg.Feed.PageSize))
}

func (c *Core) pushNotice(n notify.Notice) {
	c.noticeMu.Lock()
	defer c.noticeMu.Unlock()
	if c.noticesClosed {
		return
	}

	select {
	case c.notices <- n:
	default:
		c.tl.Warn("notice channel full, dropping notice", zap.String("key", n.Key))
	}
}
