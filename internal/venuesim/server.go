// Package venuesim 提供一个 WebSocket 场所模拟器，实现实时与恢复两个端点，
// 用于联调与集成测试。
package venuesim

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gwc-core/internal/record"
	"gwc-core/internal/transport/ws"
)

// Options 模拟器行为开关。
type Options struct {
	Logger *zap.Logger
	Codec  record.Codec
	// RejectCode 非零时拒绝所有登录。
	RejectCode int64
	// Username 非空时要求登录用户名一致。
	Username string
	// Skip 中的序号只写入日志，不在实时链路发送，用于制造缺口。
	Skip []uint64
	// FillOnAck 确认后立即全部成交。
	FillOnAck bool
	WS        ws.Options
}

type simOrder struct {
	clientID   string
	orderID    string
	instrument string
	quantity   int64
	cum        int64
	price      decimal.Decimal
}

// Server 为场所模拟器，多个实时会话共享同一份出站日志。
type Server struct {
	logger *zap.Logger
	codec  record.Codec
	opts   Options

	mu       sync.Mutex
	journal  []*record.Record
	skip     map[uint64]bool
	orders   map[string]*simOrder
	sessions map[*session]struct{}
	logons   int
}

// New 创建模拟器。
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Codec == nil {
		opts.Codec = record.JSONCodec{}
	}
	s := &Server{
		logger:   opts.Logger,
		codec:    opts.Codec,
		opts:     opts,
		skip:     make(map[uint64]bool),
		orders:   make(map[string]*simOrder),
		sessions: make(map[*session]struct{}),
	}
	for _, seq := range opts.Skip {
		s.skip[seq] = true
	}
	return s
}

// Handler 返回模拟器路由。
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/realtime", s.serveRealTime).Methods(http.MethodGet)
	r.HandleFunc("/recovery", s.serveRecovery).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

// Logons 返回成功登录次数。
func (s *Server) Logons() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logons
}

// LastSeqNo 返回日志中最后一条记录的序号。
func (s *Server) LastSeqNo() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.journal))
}

// SkipNext 使接下来第 n 条出站记录只进入日志而不在实时链路发送。
func (s *Server) SkipNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := uint64(len(s.journal)) + 1
	for i := 0; i < n; i++ {
		s.skip[next+uint64(i)] = true
	}
}

// Publish 以下一个序号发布一条记录到所有已登录会话。
func (s *Server) Publish(rec *record.Record) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(rec)
}

func (s *Server) publishLocked(rec *record.Record) uint64 {
	out := rec.Clone()
	seq := uint64(len(s.journal)) + 1
	out.SetInteger(record.FieldSeqNum, int64(seq))
	s.journal = append(s.journal, out)
	if s.skip[seq] {
		delete(s.skip, seq)
		s.logger.Debug("跳过实时发送", zap.Uint64("seqno", seq))
		return seq
	}
	for sess := range s.sessions {
		sess.push(out)
	}
	return seq
}

// Fill 对订单成交 qty，qty 为 0 时成交剩余数量。
func (s *Server) Fill(clientID string, qty int64, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientID]
	if !ok {
		return fmt.Errorf("venuesim: 未知订单 %s", clientID)
	}
	s.fillLocked(o, qty, price)
	return nil
}

func (s *Server) fillLocked(o *simOrder, qty int64, price decimal.Decimal) {
	remaining := o.quantity - o.cum
	if qty <= 0 || qty > remaining {
		qty = remaining
	}
	if price.IsZero() {
		price = o.price
	}
	o.cum += qty
	rep := s.report(o, record.ExecTrade)
	rep.SetInteger(record.FieldLastQty, qty)
	rep.SetDouble(record.FieldLastPx, price.InexactFloat64())
	s.publishLocked(rep)
	if o.cum >= o.quantity {
		delete(s.orders, o.clientID)
	}
}

// Logout 由场所发起登出全部会话。
func (s *Server) Logout(text string) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		rec := record.NewMessage(record.MsgTypeLogout)
		rec.SetString(record.FieldText, text)
		sess.push(rec)
	}
}

func (s *Server) report(o *simOrder, execType byte) *record.Record {
	rep := record.NewMessage(record.MsgTypeExecutionReport)
	rep.SetString(record.FieldExecType, string(rune(execType)))
	rep.SetString(record.FieldClOrdID, o.clientID)
	rep.SetString(record.FieldOrderID, o.orderID)
	rep.SetString(record.FieldInstrumentID, o.instrument)
	rep.SetInteger(record.FieldOrderQty, o.quantity)
	rep.SetInteger(record.FieldCumQty, o.cum)
	rep.SetInteger(record.FieldLeavesQty, o.quantity-o.cum)
	rep.SetDouble(record.FieldPrice, o.price.InexactFloat64())
	return rep
}

func (s *Server) serveRealTime(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, s.opts.WS)
	if err != nil {
		s.logger.Warn("实时端点握手失败", zap.Error(err))
		return
	}
	sess := newSession(s, conn)
	err = sess.run(r.Context())
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.logger.Info("实时会话结束", zap.String("session", sess.id), zap.Error(err))
}

func (s *Server) serveRecovery(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, s.opts.WS)
	if err != nil {
		s.logger.Warn("恢复端点握手失败", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		req, err := s.codec.Decode(data)
		if err != nil || req.MsgType() != record.MsgTypeRetransmitRequest {
			continue
		}
		if err := s.replay(ctx, conn, req); err != nil {
			s.logger.Warn("重传失败", zap.Error(err))
			return
		}
	}
}

// replay 发送 [BeginSeqNo, EndSeqNo] 区间，EndSeqNo 为 0 表示到日志末尾，最后发送 RetransmitComplete。
func (s *Server) replay(ctx context.Context, conn *ws.Conn, req *record.Record) error {
	from := req.IntegerOr(record.FieldBeginSeqNo, 1)
	to := req.IntegerOr(record.FieldEndSeqNo, 0)

	s.mu.Lock()
	last := int64(len(s.journal))
	if to <= 0 || to > last {
		to = last
	}
	if from < 1 {
		from = 1
	}
	var batch []*record.Record
	if from <= to {
		batch = append(batch, s.journal[from-1:to]...)
	}
	s.mu.Unlock()

	s.logger.Info("重传区间", zap.Int64("from", from), zap.Int64("to", to), zap.Int("count", len(batch)))
	for _, rec := range batch {
		if err := s.write(ctx, conn, rec); err != nil {
			return err
		}
	}
	done := record.NewMessage(record.MsgTypeRetransmitComplete)
	done.SetInteger(record.FieldMessageCount, int64(len(batch)))
	return s.write(ctx, conn, done)
}

func (s *Server) write(ctx context.Context, conn *ws.Conn, rec *record.Record) error {
	frame, err := s.codec.Encode(rec)
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

func newOrderID() string { return uuid.NewString() }
