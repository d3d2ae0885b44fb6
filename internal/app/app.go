package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gwc-core/internal/config"
	"gwc-core/internal/gateway"
	"gwc-core/internal/monitor"
	"gwc-core/internal/session"
	"gwc-core/internal/store"
	"gwc-core/internal/transport/ws"
)

// App 聚合核心依赖并驱动连接器生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动连接器与监控接口，直到 ctx 结束、运行时长到期或会话失败。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("网关连接器已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("venue", a.cfg.App.Venue),
		zap.String("real_time_host", a.cfg.Session.RealTimeHost),
	)

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}

	seqno, closeSeqno, err := a.openSeqnoStore()
	if err != nil {
		return err
	}
	defer closeSeqno()

	connector, err := gateway.New(gateway.Options{
		Logger:   a.logger,
		Dialer:   ws.NewDialer(ws.Options{HandshakeTimeout: a.cfg.Session.ConnectTimeout}),
		Seqno:    seqno,
		Archiver: a.store,
		Observer: newMonitorObserver(monitorSvc, a.logger),
	})
	if err != nil {
		return err
	}

	flow := newWorkflow(a.cfg.Workflow, a.cfg.Session, connector, a.logger)
	if err := connector.Init(flow, flow, gateway.Settings{
		Venue:       a.cfg.App.Venue,
		Environment: a.cfg.App.Environment,
		Properties:  a.cfg.Properties(),
	}); err != nil {
		return fmt.Errorf("初始化连接器失败: %w", err)
	}
	if err := connector.Start(true); err != nil {
		return fmt.Errorf("启动连接器失败: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d := a.cfg.Workflow.RunFor; d > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, d)
		defer timeoutCancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	if a.cfg.Monitor.Port > 0 {
		handler := newMonitorHandler(monitorDeps{connector: connector, archive: a.store, events: monitorSvc}, a.logger)
		g.Go(func() error {
			return serveMonitor(gctx, handler, a.cfg.Monitor.Port, a.logger)
		})
	}
	g.Go(func() error {
		err := connector.WaitForLogon(gctx)
		switch {
		case err == nil:
			a.logger.Info("会话已就绪", zap.String("connector", connector.ID()))
		case errors.Is(err, session.ErrSessionFailed):
			return err
		default:
			return nil
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		return watchFailure(gctx, connector)
	})

	runErr := g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*a.cfg.Session.LogoffTimeout+time.Second)
	defer stopCancel()
	if err := connector.Stop(stopCtx); err != nil {
		a.logger.Warn("停止连接器出错", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("系统异常退出: %w", runErr)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// watchFailure 在会话失败时结束运行。
func watchFailure(ctx context.Context, c *gateway.Connector) error {
	select {
	case <-ctx.Done():
		return nil
	case <-c.Failure():
		return session.ErrSessionFailed
	}
}

func (a *App) openSeqnoStore() (gateway.SeqnoStore, func(), error) {
	if strings.ToLower(a.cfg.Store.Backend) != config.BackendPebble {
		return a.store, func() {}, nil
	}
	pebbleStore, err := store.OpenPebble(a.cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化 pebble 存储失败: %w", err)
	}
	return pebbleStore, func() {
		if err := pebbleStore.Close(); err != nil {
			a.logger.Warn("关闭 pebble 存储失败", zap.Error(err))
		}
	}, nil
}
