package app

import (
	"context"

	"go.uber.org/zap"

	"gwc-core/internal/monitor"
	"gwc-core/internal/order"
	"gwc-core/internal/session"
)

// monitorObserver 把连接器事件写入监控表。
type monitorObserver struct {
	svc    *monitor.Service
	logger *zap.Logger
}

func newMonitorObserver(svc *monitor.Service, logger *zap.Logger) *monitorObserver {
	return &monitorObserver{svc: svc, logger: logger}
}

func (o *monitorObserver) SessionState(from, to session.State) {
	o.svc.RecordSessionState(context.Background(), from, to)
}

func (o *monitorObserver) Gap(expected, received uint64) {
	o.svc.RecordGap(context.Background(), expected, received)
}

func (o *monitorObserver) OrderTerminal(ord order.Order) {
	o.svc.RecordOrderTerminal(context.Background(), ord)
}

func (o *monitorObserver) Error(err error) {
	o.logger.Debug("记录连接器异常", zap.Error(err))
	o.svc.RecordError(context.Background(), "connector error", err, nil)
}
