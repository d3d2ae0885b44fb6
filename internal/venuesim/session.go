package venuesim

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gwc-core/internal/record"
	"gwc-core/internal/transport/ws"
)

var errLoggedOut = errors.New("venuesim: logged out")

// session 为一条实时链路上的会话。
type session struct {
	id        string
	srv       *Server
	conn      *ws.Conn
	out       chan *record.Record
	heartbeat chan time.Duration
	loggedOn  bool
}

func newSession(srv *Server, conn *ws.Conn) *session {
	return &session{
		id:        uuid.NewString(),
		srv:       srv,
		conn:      conn,
		out:       make(chan *record.Record, 1024),
		heartbeat: make(chan time.Duration, 1),
	}
}

// push 非阻塞投递，调用方通常持有 srv.mu 以保证顺序。
func (sess *session) push(rec *record.Record) {
	select {
	case sess.out <- rec:
	default:
		sess.srv.logger.Warn("会话出站队列已满，丢弃记录", zap.String("session", sess.id))
	}
}

func (sess *session) run(ctx context.Context) error {
	defer sess.conn.Close()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			data, err := sess.conn.Receive(gctx)
			if err != nil {
				return err
			}
			rec, err := sess.srv.codec.Decode(data)
			if err != nil {
				sess.srv.logger.Debug("无法解码的入站帧", zap.Error(err))
				continue
			}
			sess.handle(rec)
		}
	})

	g.Go(func() error {
		var tick <-chan time.Time
		for {
			select {
			case rec := <-sess.out:
				if err := sess.srv.write(gctx, sess.conn, rec); err != nil {
					return err
				}
				if rec.MsgType() == record.MsgTypeLogout {
					return errLoggedOut
				}
			case d := <-sess.heartbeat:
				ticker := time.NewTicker(d)
				defer ticker.Stop()
				tick = ticker.C
			case <-tick:
				if err := sess.srv.write(gctx, sess.conn, record.NewMessage(record.MsgTypeHeartbeat)); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errLoggedOut) {
		return nil
	}
	return err
}

func (sess *session) handle(rec *record.Record) {
	s := sess.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sess.loggedOn {
		if rec.MsgType() == record.MsgTypeLogon {
			sess.logon(rec)
		}
		return
	}

	switch rec.MsgType() {
	case record.MsgTypeHeartbeat:
	case record.MsgTypeLogout:
		delete(s.sessions, sess)
		sess.push(record.NewMessage(record.MsgTypeLogout))
	case record.MsgTypeNewOrder:
		s.newOrder(rec)
	case record.MsgTypeOrderReplace:
		s.replace(rec)
	case record.MsgTypeOrderCancel:
		s.cancel(rec)
	case record.MsgTypeTraderLogon:
		sess.traderLogon(rec)
	default:
		rej := record.NewMessage(record.MsgTypeBusinessReject)
		rej.SetString(record.FieldText, "unsupported message type "+rec.MsgType())
		s.publishLocked(rej)
	}
}

func (sess *session) logon(rec *record.Record) {
	s := sess.srv
	reply := record.NewMessage(record.MsgTypeLogonReply)

	code := s.opts.RejectCode
	text := "rejected"
	if code == 0 && s.opts.Username != "" && rec.StringOr(record.FieldUsername, "") != s.opts.Username {
		code, text = 1, "invalid credentials"
	}
	if code != 0 {
		reply.SetInteger(record.FieldRejectCode, code)
		reply.SetString(record.FieldText, text)
		sess.push(reply)
		s.logger.Info("拒绝登录", zap.String("session", sess.id), zap.Int64("code", code))
		return
	}

	sess.loggedOn = true
	s.sessions[sess] = struct{}{}
	s.logons++
	next := uint64(len(s.journal)) + 1
	reply.SetInteger(record.FieldSeqNum, int64(next))
	reply.SetInteger(record.FieldRejectCode, 0)
	sess.push(reply)

	if hb := rec.IntegerOr(record.FieldHeartbeatInterval, 0); hb > 0 {
		sess.heartbeat <- time.Duration(hb) * time.Second
	}
	s.logger.Info("会话登录", zap.String("session", sess.id), zap.Uint64("next_seqno", next))
}

// traderLogon 应答不占用序号，只回给发起会话。
func (sess *session) traderLogon(rec *record.Record) {
	traderID := rec.StringOr(record.FieldTraderID, "")
	reply := record.NewMessage(record.MsgTypeTraderLogonReply)
	reply.SetString(record.FieldTraderID, traderID)
	if traderID == "" {
		reply.SetInteger(record.FieldRejectCode, 1)
		reply.SetString(record.FieldText, "missing trader id")
	} else {
		reply.SetInteger(record.FieldRejectCode, 0)
	}
	sess.push(reply)
	sess.srv.logger.Info("交易员登录", zap.String("session", sess.id), zap.String("trader_id", traderID))
}

func (s *Server) newOrder(rec *record.Record) {
	clientID := rec.TextOr(record.FieldClOrdID, "")
	if _, dup := s.orders[clientID]; dup || clientID == "" {
		rej := record.NewMessage(record.MsgTypeExecutionReport)
		rej.SetString(record.FieldExecType, string(rune(record.ExecRejected)))
		rej.SetString(record.FieldClOrdID, clientID)
		rej.SetString(record.FieldText, "duplicate or missing ClOrdID")
		s.publishLocked(rej)
		return
	}
	o := &simOrder{
		clientID:   clientID,
		orderID:    newOrderID(),
		instrument: rec.TextOr(record.FieldInstrumentID, ""),
		quantity:   rec.IntegerOr(record.FieldOrderQty, 0),
		price:      priceOf(rec, decimal.Zero),
	}
	if o.quantity <= 0 {
		rej := s.report(o, record.ExecRejected)
		rej.SetString(record.FieldText, "quantity must be positive")
		s.publishLocked(rej)
		return
	}
	s.orders[clientID] = o
	s.publishLocked(s.report(o, record.ExecNew))
	if s.opts.FillOnAck {
		s.fillLocked(o, 0, decimal.Zero)
	}
}

func (s *Server) replace(rec *record.Record) {
	clientID := rec.TextOr(record.FieldClOrdID, "")
	orig := rec.TextOr(record.FieldOrigClOrdID, "")
	o, ok := s.orders[orig]
	if !ok {
		s.publishLocked(cancelReject(clientID, orig, record.CxlRejReplace))
		return
	}
	delete(s.orders, orig)
	o.clientID = clientID
	if qty := rec.IntegerOr(record.FieldOrderQty, 0); qty > 0 {
		o.quantity = qty
	}
	o.price = priceOf(rec, o.price)
	s.orders[clientID] = o

	rep := s.report(o, record.ExecReplaced)
	rep.SetString(record.FieldOrigClOrdID, orig)
	s.publishLocked(rep)
}

func (s *Server) cancel(rec *record.Record) {
	clientID := rec.TextOr(record.FieldClOrdID, "")
	orig := rec.TextOr(record.FieldOrigClOrdID, "")
	o, ok := s.orders[orig]
	if !ok {
		s.publishLocked(cancelReject(clientID, orig, record.CxlRejCancel))
		return
	}
	delete(s.orders, orig)
	o.clientID = clientID
	rep := s.report(o, record.ExecCanceled)
	rep.SetString(record.FieldOrigClOrdID, orig)
	rep.SetInteger(record.FieldLeavesQty, 0)
	s.publishLocked(rep)
}

func cancelReject(clientID, orig string, responseTo byte) *record.Record {
	rej := record.NewMessage(record.MsgTypeOrderCancelReject)
	rej.SetString(record.FieldClOrdID, clientID)
	rej.SetString(record.FieldOrigClOrdID, orig)
	rej.SetString(record.FieldCxlRejResponseTo, string(rune(responseTo)))
	rej.SetString(record.FieldText, "unknown order")
	return rej
}

func priceOf(rec *record.Record, def decimal.Decimal) decimal.Decimal {
	v, err := rec.GetDouble(record.FieldPrice)
	if err != nil {
		return def
	}
	return decimal.NewFromFloat(v)
}
