package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwc-core/internal/config"
	"gwc-core/internal/dispatch"
	"gwc-core/internal/order"
	"gwc-core/internal/record"
	"gwc-core/internal/session"
	"gwc-core/internal/store"
	"gwc-core/internal/transport"
)

const waitTimeout = 2 * time.Second

type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) Send(ctx context.Context, frame []byte) error {
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) recv() (*record.Record, error) {
	select {
	case f := <-p.out:
		return record.JSONCodec{}.Decode(f)
	case <-time.After(waitTimeout):
		return nil, errors.New("timed out waiting for outbound frame")
	}
}

func (p *pipeConn) expect(t *testing.T, msgType string) *record.Record {
	t.Helper()
	rec, err := p.recv()
	require.NoError(t, err)
	require.Equal(t, msgType, rec.MsgType(), "unexpected outbound %s", rec)
	return rec
}

func (p *pipeConn) send(t *testing.T, rec *record.Record) {
	t.Helper()
	frame, err := record.JSONCodec{}.Encode(rec)
	require.NoError(t, err)
	p.in <- frame
}

type fakeDialer struct {
	mu     sync.Mutex
	accept map[string]chan *pipeConn
	fail   map[string]error
	hold   map[string]chan struct{}
	dials  atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		accept: map[string]chan *pipeConn{"rt": make(chan *pipeConn, 8), "rec": make(chan *pipeConn, 8)},
		fail:   map[string]error{},
		hold:   map[string]chan struct{}{},
	}
}

func (d *fakeDialer) setFail(addr string, err error) {
	d.mu.Lock()
	d.fail[addr] = err
	d.mu.Unlock()
}

// block 让后续对 addr 的拨号挂起，直到返回的函数被调用。
func (d *fakeDialer) block(addr string) (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.hold[addr] = gate
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	err, ch, gate := d.fail[addr], d.accept[addr], d.hold[addr]
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	p := newPipe()
	select {
	case ch <- p:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next(t *testing.T, addr string) *pipeConn {
	t.Helper()
	select {
	case p := <-d.accept[addr]:
		return p
	case <-time.After(waitTimeout):
		t.Fatalf("no dial to %s", addr)
		return nil
	}
}

type testHandler struct {
	session.BaseHandler
	dispatch.BaseMessageHandler

	mu        sync.Mutex
	errs      []error
	msgs      []uint64
	acks      []uint64
	loggedOff []uint64
	logouts   []*record.Record
	traders   []string
	connected int
}

func (h *testHandler) OnConnected() {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
}

func (h *testHandler) OnLoggingOn(out *record.Record) {
	out.SetString(record.FieldUsername, "trader")
	out.SetString(record.FieldPassword, "secret")
}

func (h *testHandler) OnLoggedOff(seq uint64, rec *record.Record) {
	h.mu.Lock()
	h.loggedOff = append(h.loggedOff, seq)
	h.logouts = append(h.logouts, rec)
	h.mu.Unlock()
}

func (h *testHandler) OnTraderLogonOn(traderID string, _ *record.Record) {
	h.mu.Lock()
	h.traders = append(h.traders, traderID)
	h.mu.Unlock()
}

func (h *testHandler) OnError(err error) session.RetryDecision {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	return h.BaseHandler.OnError(err)
}

func (h *testHandler) OnMsg(seq uint64, _ *record.Record) {
	h.mu.Lock()
	h.msgs = append(h.msgs, seq)
	h.mu.Unlock()
}

func (h *testHandler) OnOrderAck(seq uint64, _ *record.Record) {
	h.mu.Lock()
	h.acks = append(h.acks, seq)
	h.mu.Unlock()
}

func (h *testHandler) snapshot() (errs []error, msgs, acks, loggedOff []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...), append([]uint64(nil), h.msgs...),
		append([]uint64(nil), h.acks...), append([]uint64(nil), h.loggedOff...)
}

type stateLog struct {
	mu     sync.Mutex
	states []session.State
	gaps   int
}

func (s *stateLog) SessionState(_, to session.State) {
	s.mu.Lock()
	s.states = append(s.states, to)
	s.mu.Unlock()
}
func (s *stateLog) Gap(uint64, uint64) {
	s.mu.Lock()
	s.gaps++
	s.mu.Unlock()
}
func (s *stateLog) OrderTerminal(order.Order) {}
func (s *stateLog) Error(error)               {}

func testSettings(extra config.Properties) Settings {
	p := config.Properties{
		config.PropRealTimeHost:         "rt",
		config.PropRecoveryHost:         "rec",
		config.PropHeartbeatInterval:    "0",
		config.PropLogoffTimeout:        "500ms",
		config.PropConnectTimeout:       "1s",
		config.PropReconnectMinDelay:    "1ms",
		config.PropReconnectMaxDelay:    "5ms",
		config.PropReconnectMaxAttempts: "3",
	}
	for k, v := range extra {
		p[k] = v
	}
	return Settings{Venue: "XLON", Environment: config.EnvSimulation, Properties: p}
}

type harness struct {
	c       *Connector
	dialer  *fakeDialer
	handler *testHandler
	states  *stateLog
}

func newHarness(t *testing.T, policy session.RetryPolicy, seqno SeqnoStore, extra config.Properties) *harness {
	t.Helper()
	h := &harness{
		dialer:  newFakeDialer(),
		handler: &testHandler{BaseHandler: session.BaseHandler{Policy: policy}},
		states:  &stateLog{},
	}
	c, err := New(Options{Dialer: h.dialer, Seqno: seqno, Observer: h.states})
	require.NoError(t, err)
	require.NoError(t, c.Init(h.handler, h.handler, testSettings(extra)))
	h.c = c
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return h
}

// logon 完成一次登录握手，返回实时链路。
func (h *harness) logon(t *testing.T, next uint64) *pipeConn {
	t.Helper()
	rt := h.dialer.next(t, "rt")
	rt.expect(t, record.MsgTypeLogon)
	rt.send(t, logonReply(next))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.c.WaitForLogon(ctx))
	return rt
}

func logonReply(next uint64) *record.Record {
	r := record.NewMessage(record.MsgTypeLogonReply)
	r.SetInteger(record.FieldSeqNum, int64(next))
	r.SetInteger(record.FieldRejectCode, 0)
	return r
}

func generic(seq uint64) *record.Record {
	r := record.NewMessage("U1")
	r.SetInteger(record.FieldSeqNum, int64(seq))
	return r
}

func newOrder(id string) *record.Record {
	r := record.New()
	r.SetString(record.FieldClOrdID, id)
	r.SetString(record.FieldInstrumentID, "VOD.L")
	r.SetString(record.FieldSide, "1")
	r.SetInteger(record.FieldOrderQty, 100)
	r.SetDouble(record.FieldPrice, 10.5)
	r.SetString(record.FieldOrdType, "2")
	r.SetString(record.FieldTimeInForce, "0")
	return r
}

func TestConnectorRequiresInit(t *testing.T) {
	c, err := New(Options{Dialer: newFakeDialer()})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(false), ErrNotInitialised)
	assert.ErrorIs(t, c.SendOrder(newOrder("c1")), ErrNotInitialised)
	assert.NoError(t, c.Stop(context.Background()))

	_, err = New(Options{})
	assert.Error(t, err)
}

func TestConnectorInitValidatesProperties(t *testing.T) {
	c, err := New(Options{Dialer: newFakeDialer()})
	require.NoError(t, err)

	s := testSettings(nil)
	delete(s.Properties, config.PropRealTimeHost)
	assert.Error(t, c.Init(nil, nil, s))

	s = testSettings(config.Properties{config.PropLogoffTimeout: "soon"})
	assert.Error(t, c.Init(nil, nil, s))

	assert.NoError(t, c.Init(nil, nil, testSettings(nil)))
}

func TestConnectorLogonOrderAndStop(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	require.ErrorIs(t, h.c.SendOrder(newOrder("c1")), ErrNotLoggedOn)
	require.NoError(t, h.c.Start(false))
	assert.ErrorIs(t, h.c.Start(false), ErrAlreadyStarted)

	rt := h.dialer.next(t, "rt")
	logon := rt.expect(t, record.MsgTypeLogon)
	assert.Equal(t, "trader", logon.StringOr(record.FieldUsername, ""))
	seq, _ := logon.SeqNum()
	assert.Equal(t, uint64(1), seq)
	rt.send(t, logonReply(1))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.c.WaitForLogon(ctx))
	assert.Equal(t, session.LoggedOn, h.c.State())

	require.NoError(t, h.c.SendOrder(newOrder("c1")))
	assert.ErrorIs(t, h.c.SendOrder(newOrder("c1")), order.ErrDuplicateClientID)
	out := rt.expect(t, record.MsgTypeNewOrder)
	seq, _ = out.SeqNum()
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, "c1", out.StringOr(record.FieldClOrdID, ""))

	o, ok := h.c.Order("c1")
	require.True(t, ok)
	assert.Equal(t, order.StatusPendingNew, o.Status)

	ack := record.NewMessage(record.MsgTypeExecutionReport)
	ack.SetInteger(record.FieldSeqNum, 1)
	ack.SetString(record.FieldExecType, string(record.ExecNew))
	ack.SetString(record.FieldClOrdID, "c1")
	ack.SetString(record.FieldOrderID, "v-1")
	rt.send(t, ack)

	require.Eventually(t, func() bool {
		o, _ := h.c.Order("c1")
		return o.Status == order.StatusAcked
	}, waitTimeout, 5*time.Millisecond)
	_, _, acks, _ := h.handler.snapshot()
	assert.Equal(t, []uint64{1}, acks)

	venueDone := make(chan error, 1)
	go func() {
		rec, err := rt.recv()
		if err == nil && rec.MsgType() != record.MsgTypeLogout {
			err = fmt.Errorf("expected logout, got %s", rec)
		}
		if err == nil {
			frame, _ := record.JSONCodec{}.Encode(record.NewMessage(record.MsgTypeLogout))
			rt.in <- frame
		}
		venueDone <- err
	}()

	require.NoError(t, h.c.Stop(ctx))
	require.NoError(t, <-venueDone)
	assert.Equal(t, session.Disconnected, h.c.State())
	_, _, _, loggedOff := h.handler.snapshot()
	assert.Equal(t, []uint64{1}, loggedOff)

	h.states.mu.Lock()
	assert.Contains(t, h.states.states, session.LoggedOn)
	assert.Contains(t, h.states.states, session.LoggingOff)
	h.states.mu.Unlock()
}

func TestConnectorGapRecovery(t *testing.T) {
	seqno, err := store.OpenPebble(config.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = seqno.Close() })

	h := newHarness(t, session.AlwaysReconnect, seqno, nil)
	require.NoError(t, h.c.Start(false))
	rt := h.logon(t, 1)

	rt.send(t, generic(1))
	rt.send(t, generic(4))

	rec := h.dialer.next(t, "rec")
	req := rec.expect(t, record.MsgTypeRetransmitRequest)
	assert.Equal(t, int64(2), req.IntegerOr(record.FieldBeginSeqNo, 0))
	assert.Equal(t, int64(3), req.IntegerOr(record.FieldEndSeqNo, 0))
	assert.Equal(t, int64(2), req.IntegerOr(record.FieldMessageCount, 0))

	rec.send(t, generic(2))
	rec.send(t, generic(3))
	rec.send(t, record.NewMessage(record.MsgTypeRetransmitComplete))

	require.Eventually(t, func() bool {
		_, msgs, _, _ := h.handler.snapshot()
		return len(msgs) == 4
	}, waitTimeout, 5*time.Millisecond)
	_, msgs, _, _ := h.handler.snapshot()
	assert.Equal(t, []uint64{1, 2, 3, 4}, msgs)

	require.Eventually(t, func() bool {
		last, ok, err := seqno.LoadSeqno(context.Background(), "XLON.simulation")
		return err == nil && ok && last == 4
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, session.LoggedOn, h.c.State())

	h.states.mu.Lock()
	assert.Equal(t, 1, h.states.gaps)
	h.states.mu.Unlock()
}

func TestConnectorRecoveryDialKeepsLoopRunning(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	release := h.dialer.block("rec")
	t.Cleanup(release)
	require.NoError(t, h.c.Start(false))
	rt := h.logon(t, 1)

	rt.send(t, generic(1))
	rt.send(t, generic(4))
	rt.send(t, generic(5))
	require.Eventually(t, func() bool {
		st := h.c.Status()
		return st.Dispatch != nil && st.Dispatch.Recovering && st.Dispatch.Buffered == 2
	}, waitTimeout, 5*time.Millisecond, "real-time frames must keep flowing while the recovery dial is pending")
	assert.Equal(t, session.Recovering, h.c.State())
	assert.ErrorIs(t, h.c.SendOrder(newOrder("c1")), ErrRecovering)
	_, ok := h.c.Order("c1")
	assert.False(t, ok, "refused order must not be registered")

	release()
	rec := h.dialer.next(t, "rec")
	req := rec.expect(t, record.MsgTypeRetransmitRequest)
	assert.Equal(t, int64(2), req.IntegerOr(record.FieldBeginSeqNo, 0))
	assert.Equal(t, int64(3), req.IntegerOr(record.FieldEndSeqNo, 0))

	rec.send(t, generic(2))
	rec.send(t, generic(3))
	rec.send(t, record.NewMessage(record.MsgTypeRetransmitComplete))
	require.Eventually(t, func() bool {
		_, msgs, _, _ := h.handler.snapshot()
		return len(msgs) == 5
	}, waitTimeout, 5*time.Millisecond)
	_, msgs, _, _ := h.handler.snapshot()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, msgs)
	assert.NoError(t, h.c.SendOrder(newOrder("c1")))
}

func TestConnectorResumesFromPersistedSeqno(t *testing.T) {
	seqno, err := store.OpenPebble(config.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = seqno.Close() })
	require.NoError(t, seqno.SaveSeqno(context.Background(), "XLON.simulation", 5))

	h := newHarness(t, session.AlwaysReconnect, seqno, nil)
	require.NoError(t, h.c.Start(true))
	h.logon(t, 8)

	rec := h.dialer.next(t, "rec")
	req := rec.expect(t, record.MsgTypeRetransmitRequest)
	assert.Equal(t, int64(6), req.IntegerOr(record.FieldBeginSeqNo, 0))
	assert.Equal(t, int64(7), req.IntegerOr(record.FieldEndSeqNo, 0))
	require.Eventually(t, func() bool { return h.c.State() == session.Recovering }, waitTimeout, 5*time.Millisecond)
}

func TestConnectorReconnectsAndResumes(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	require.NoError(t, h.c.Start(false))
	rt := h.logon(t, 1)
	rt.send(t, generic(1))
	require.Eventually(t, func() bool {
		_, msgs, _, _ := h.handler.snapshot()
		return len(msgs) == 1
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, rt.Close())

	rt2 := h.dialer.next(t, "rt")
	rt2.expect(t, record.MsgTypeLogon)
	rt2.send(t, logonReply(3))

	rec := h.dialer.next(t, "rec")
	req := rec.expect(t, record.MsgTypeRetransmitRequest)
	assert.Equal(t, int64(2), req.IntegerOr(record.FieldBeginSeqNo, 0))
	assert.Equal(t, int64(2), req.IntegerOr(record.FieldEndSeqNo, 0))

	errs, _, _, _ := h.handler.snapshot()
	require.Len(t, errs, 1)
	var connErr *ConnectionError
	require.ErrorAs(t, errs[0], &connErr)
	assert.Equal(t, EndpointRealTime, connErr.Endpoint)
	assert.Equal(t, 0, h.c.Status().Failures)
}

func TestConnectorFailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	h.dialer.setFail("rt", errors.New("connection refused"))
	require.NoError(t, h.c.Start(false))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	assert.ErrorIs(t, h.c.WaitForLogon(ctx), session.ErrSessionFailed)
	assert.Equal(t, session.Failed, h.c.State())
	assert.Equal(t, int32(3), h.dialer.dials.Load())

	errs, _, _, _ := h.handler.snapshot()
	assert.Len(t, errs, 3)
	assert.ErrorIs(t, h.c.SendOrder(newOrder("c1")), ErrNotLoggedOn)

	require.NoError(t, h.c.Stop(ctx))
	assert.Equal(t, session.Disconnected, h.c.State())
}

func TestConnectorWaitForLogonAfterDrop(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	require.NoError(t, h.c.Start(false))
	rt := h.logon(t, 1)
	require.NoError(t, rt.Close())

	rt2 := h.dialer.next(t, "rt")
	rt2.expect(t, record.MsgTypeLogon)
	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.c.WaitForLogon(short), context.DeadlineExceeded, "must block until the session logs on again")

	rt2.send(t, logonReply(1))
	ctx, cancel2 := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel2()
	assert.NoError(t, h.c.WaitForLogon(ctx))
}

func TestConnectorWaitForLogonAfterFailure(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	require.NoError(t, h.c.Start(false))
	rt := h.logon(t, 1)
	failure := h.c.Failure()

	h.dialer.setFail("rt", errors.New("connection refused"))
	require.NoError(t, rt.Close())

	select {
	case <-failure:
	case <-time.After(waitTimeout):
		t.Fatal("failure signal not closed")
	}
	assert.Equal(t, session.Failed, h.c.State())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	assert.ErrorIs(t, h.c.WaitForLogon(ctx), session.ErrSessionFailed)
}

func TestConnectorLogoffTimeoutReportsLogout(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	require.NoError(t, h.c.Start(false))
	rt := h.logon(t, 1)
	rt.send(t, generic(1))
	require.Eventually(t, func() bool {
		_, msgs, _, _ := h.handler.snapshot()
		return len(msgs) == 1
	}, waitTimeout, 5*time.Millisecond)

	go func() {
		for {
			select {
			case <-rt.out:
			case <-rt.closed:
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.c.Stop(ctx))

	h.handler.mu.Lock()
	defer h.handler.mu.Unlock()
	require.Equal(t, []uint64{1}, h.handler.loggedOff)
	require.Len(t, h.handler.logouts, 1)
	require.NotNil(t, h.handler.logouts[0])
	assert.Equal(t, record.MsgTypeLogout, h.handler.logouts[0].MsgType())
}

func TestConnectorTraderLogon(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	assert.ErrorIs(t, h.c.TraderLogon("T01", nil), ErrNotLoggedOn)
	require.NoError(t, h.c.Start(false))
	rt := h.logon(t, 1)

	assert.Error(t, h.c.TraderLogon("", nil))
	extra := record.New()
	extra.SetString(record.FieldPassword, "desk-secret")
	require.NoError(t, h.c.TraderLogon("T01", extra))

	out := rt.expect(t, record.MsgTypeTraderLogon)
	assert.Equal(t, "T01", out.StringOr(record.FieldTraderID, ""))
	assert.Equal(t, "desk-secret", out.StringOr(record.FieldPassword, ""))
	seq, _ := out.SeqNum()
	assert.Equal(t, uint64(2), seq)
	assert.False(t, extra.Has(record.FieldTraderID), "caller record must not be modified")

	reply := record.NewMessage(record.MsgTypeTraderLogonReply)
	reply.SetString(record.FieldTraderID, "T01")
	reply.SetInteger(record.FieldRejectCode, 0)
	rt.send(t, reply)

	require.Eventually(t, func() bool {
		h.handler.mu.Lock()
		defer h.handler.mu.Unlock()
		return len(h.handler.traders) == 1
	}, waitTimeout, 5*time.Millisecond)
	h.handler.mu.Lock()
	assert.Equal(t, []string{"T01"}, h.handler.traders)
	h.handler.mu.Unlock()
	assert.Equal(t, session.LoggedOn, h.c.State())
}

func TestConnectorLogonRejected(t *testing.T) {
	h := newHarness(t, DefaultPolicy, nil, nil)
	require.NoError(t, h.c.Start(false))

	rt := h.dialer.next(t, "rt")
	rt.expect(t, record.MsgTypeLogon)
	reply := logonReply(1)
	reply.SetInteger(record.FieldRejectCode, 7)
	reply.SetString(record.FieldText, "bad password")
	rt.send(t, reply)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	assert.ErrorIs(t, h.c.WaitForLogon(ctx), session.ErrSessionFailed)
	errs, _, _, _ := h.handler.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], dispatch.ErrLogonRejected)
}

func TestConnectorMissedHeartbeats(t *testing.T) {
	h := newHarness(t, session.NeverReconnect, nil, config.Properties{config.PropHeartbeatInterval: "30ms"})
	require.NoError(t, h.c.Start(false))
	rt := h.logon(t, 1)

	go func() {
		for {
			select {
			case <-rt.out:
			case <-rt.closed:
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return h.c.State() == session.Failed }, waitTimeout, 5*time.Millisecond)
	errs, _, _, _ := h.handler.snapshot()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrMissedHeartbeats)
}

func TestConnectorOutboundFullRollsBack(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, config.Properties{config.PropOutboundQueueSize: "1"})
	require.NoError(t, h.c.Start(false))
	h.logon(t, 1)

	var failed string
	for i := 0; i < 10 && failed == ""; i++ {
		id := fmt.Sprintf("c%d", i)
		if err := h.c.SendOrder(newOrder(id)); err != nil {
			require.ErrorIs(t, err, ErrOutboundFull)
			failed = id
		}
	}
	require.NotEmpty(t, failed)
	_, ok := h.c.Order(failed)
	assert.False(t, ok, "rolled back order must not be registered")
	for _, o := range h.c.Orders() {
		assert.Equal(t, order.StatusPendingNew, o.Status)
	}
}

func TestConnectorRawMessages(t *testing.T) {
	h := newHarness(t, session.AlwaysReconnect, nil, nil)
	require.NoError(t, h.c.Start(false))
	h.logon(t, 1)
	assert.ErrorIs(t, h.c.SendRaw([]byte("x")), ErrRawDisabled)
	assert.Error(t, h.c.SendMsg(record.New()))
}

func TestBackoff(t *testing.T) {
	min, max := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, backoff(1, min, max))
	assert.Equal(t, 200*time.Millisecond, backoff(2, min, max))
	assert.Equal(t, 800*time.Millisecond, backoff(4, min, max))
	assert.Equal(t, time.Second, backoff(5, min, max))
	assert.Equal(t, time.Second, backoff(64, min, max))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("x: %w", dispatch.ErrLogonRejected)))
	assert.False(t, IsRetryable(dispatch.ErrRecoveryExhausted))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.True(t, IsRetryable(ErrMissedHeartbeats))
	assert.True(t, IsRetryable(&ConnectionError{Endpoint: EndpointRealTime, Err: errors.New("refused")}))
	assert.False(t, IsRetryable(&ConnectionError{Endpoint: EndpointRealTime, Err: context.Canceled}))
	assert.Equal(t, session.Reconnect, DefaultPolicy(transport.ErrClosed))
	assert.Equal(t, session.GiveUp, DefaultPolicy(dispatch.ErrLogonRejected))
}
