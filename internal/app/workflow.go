package app

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gwc-core/internal/config"
	"gwc-core/internal/dispatch"
	"gwc-core/internal/gateway"
	"gwc-core/internal/order"
	"gwc-core/internal/record"
	"gwc-core/internal/session"
)

// orderSender 为工作流使用的发送接口。
type orderSender interface {
	SendOrder(rec *record.Record) error
	SendModify(rec *record.Record) error
	SendCancel(rec *record.Record) error
	TraderLogon(traderID string, rec *record.Record) error
}

// workflow 示例处理方：登录后下单，按开关在确认后改单、改单确认后撤单。
// 所有回调在分发线程上执行。
type workflow struct {
	session.BaseHandler
	dispatch.BaseMessageHandler

	cfg    config.WorkflowConfig
	creds  config.SessionConfig
	sender orderSender
	logger *zap.Logger

	sent     bool
	modified bool
	current  string
}

func newWorkflow(cfg config.WorkflowConfig, creds config.SessionConfig, sender orderSender, logger *zap.Logger) *workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &workflow{
		BaseHandler: session.BaseHandler{Policy: gateway.DefaultPolicy},
		cfg:         cfg,
		creds:       creds,
		sender:      sender,
		logger:      logger.Named("workflow"),
	}
}

func (w *workflow) OnConnected() {
	w.logger.Info("链路已连接")
}

func (w *workflow) OnLoggingOn(out *record.Record) {
	if w.creds.Username != "" {
		out.SetString(record.FieldUsername, w.creds.Username)
	}
	if w.creds.Password != "" {
		out.SetString(record.FieldPassword, w.creds.Password)
	}
}

func (w *workflow) OnLoggedOn(seqno uint64, _ *record.Record) {
	w.logger.Info("登录成功", zap.Uint64("next_seqno", seqno))
	if w.creds.TraderID != "" {
		if err := w.sender.TraderLogon(w.creds.TraderID, nil); err != nil {
			w.logger.Warn("交易员登录发送失败", zap.String("trader_id", w.creds.TraderID), zap.Error(err))
		}
	}
	if !w.cfg.Enabled || w.sent {
		return
	}
	rec, err := w.newOrder()
	if err != nil {
		w.logger.Error("构建订单失败", zap.Error(err))
		return
	}
	if err := w.sender.SendOrder(rec); err != nil {
		w.logger.Error("下单失败", zap.Error(err))
		return
	}
	w.sent = true
	w.current = w.cfg.ClientOrderID
	w.logger.Info("订单已提交", zap.String("client_order_id", w.current))
}

func (w *workflow) OnLoggedOff(seqno uint64, _ *record.Record) {
	w.logger.Info("会话已登出", zap.Uint64("last_seqno", seqno))
}

func (w *workflow) OnGap(expected, received uint64) {
	w.logger.Warn("检测到序号缺口", zap.Uint64("expected", expected), zap.Uint64("received", received))
}

func (w *workflow) OnTraderLogonOn(traderID string, _ *record.Record) {
	w.logger.Info("交易员已登录", zap.String("trader_id", traderID))
}

func (w *workflow) OnError(err error) session.RetryDecision {
	decision := w.BaseHandler.OnError(err)
	w.logger.Warn("会话错误", zap.Error(err), zap.Stringer("decision", decision))
	return decision
}

func (w *workflow) OnOrderAck(seqno uint64, rec *record.Record) {
	id := rec.TextOr(record.FieldClOrdID, "")
	w.logger.Info("订单已确认",
		zap.Uint64("seqno", seqno),
		zap.String("client_order_id", id),
		zap.String("order_id", rec.TextOr(record.FieldOrderID, "")),
	)
	if !w.cfg.ModifyOnAck || w.modified || id != w.current {
		return
	}
	mod := record.New()
	next := w.current + "-M"
	mod.SetString(record.FieldClOrdID, next)
	mod.SetString(record.FieldOrigClOrdID, w.current)
	mod.SetString(record.FieldInstrumentID, w.cfg.InstrumentID)
	mod.SetInteger(record.FieldOrderQty, w.cfg.Quantity)
	if px, err := decimal.NewFromString(w.cfg.ModifyPrice); err == nil {
		mod.SetDouble(record.FieldPrice, px.InexactFloat64())
	}
	if err := w.sender.SendModify(mod); err != nil {
		w.logger.Error("改单失败", zap.Error(err))
		return
	}
	w.modified = true
	w.current = next
}

func (w *workflow) OnModifyAck(seqno uint64, rec *record.Record) {
	w.logger.Info("改单已确认", zap.Uint64("seqno", seqno), zap.String("client_order_id", rec.TextOr(record.FieldClOrdID, "")))
	if !w.cfg.CancelOnModifyAck {
		return
	}
	cxl := record.New()
	next := w.current + "-C"
	cxl.SetString(record.FieldClOrdID, next)
	cxl.SetString(record.FieldOrigClOrdID, w.current)
	if err := w.sender.SendCancel(cxl); err != nil {
		w.logger.Error("撤单失败", zap.Error(err))
		return
	}
	w.current = next
}

func (w *workflow) OnModifyRejected(seqno uint64, rec *record.Record) {
	w.logger.Warn("改单被拒", zap.Uint64("seqno", seqno), zap.String("text", rec.TextOr(record.FieldText, "")))
	w.current = rec.TextOr(record.FieldOrigClOrdID, w.current)
}

func (w *workflow) OnCancelRejected(seqno uint64, rec *record.Record) {
	w.logger.Warn("撤单被拒", zap.Uint64("seqno", seqno), zap.String("text", rec.TextOr(record.FieldText, "")))
	w.current = rec.TextOr(record.FieldOrigClOrdID, w.current)
}

func (w *workflow) OnOrderRejected(seqno uint64, rec *record.Record) {
	w.logger.Warn("订单被拒", zap.Uint64("seqno", seqno), zap.String("text", rec.TextOr(record.FieldText, "")))
}

func (w *workflow) OnOrderFill(seqno uint64, rec *record.Record) {
	w.logger.Info("订单成交",
		zap.Uint64("seqno", seqno),
		zap.String("client_order_id", rec.TextOr(record.FieldClOrdID, "")),
		zap.Int64("last_qty", rec.IntegerOr(record.FieldLastQty, 0)),
	)
}

func (w *workflow) OnOrderDone(seqno uint64, rec *record.Record) {
	w.logger.Info("订单结束", zap.Uint64("seqno", seqno), zap.String("client_order_id", rec.TextOr(record.FieldClOrdID, "")))
}

func (w *workflow) OnMsg(seqno uint64, rec *record.Record) {
	w.logger.Debug("收到消息", zap.Uint64("seqno", seqno), zap.Stringer("record", rec))
}

// newOrder 按配置构建新订单记录。
func (w *workflow) newOrder() (*record.Record, error) {
	var (
		side order.Side
		typ  order.Type
		tif  order.TimeInForce
	)
	if err := side.UnmarshalText([]byte(strings.TrimSpace(w.cfg.Side))); err != nil {
		return nil, err
	}
	if err := typ.UnmarshalText([]byte(strings.TrimSpace(w.cfg.OrderType))); err != nil {
		return nil, err
	}
	if err := tif.UnmarshalText([]byte(strings.TrimSpace(w.cfg.TimeInForce))); err != nil {
		return nil, err
	}

	rec := record.New()
	rec.SetString(record.FieldClOrdID, w.cfg.ClientOrderID)
	rec.SetString(record.FieldInstrumentID, w.cfg.InstrumentID)
	if w.cfg.Account != "" {
		rec.SetString(record.FieldAccount, w.cfg.Account)
	}
	rec.SetString(record.FieldSide, string(rune(side)))
	rec.SetInteger(record.FieldOrderQty, w.cfg.Quantity)
	rec.SetString(record.FieldOrdType, string(rune(typ)))
	rec.SetString(record.FieldTimeInForce, string(rune(tif)))
	if w.cfg.Price != "" {
		px, err := decimal.NewFromString(w.cfg.Price)
		if err != nil {
			return nil, fmt.Errorf("app: 价格格式错误: %w", err)
		}
		rec.SetDouble(record.FieldPrice, px.InexactFloat64())
	}
	return rec, nil
}
