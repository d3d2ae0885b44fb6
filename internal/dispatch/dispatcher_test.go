package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwc-core/internal/order"
	"gwc-core/internal/record"
	"gwc-core/internal/sequence"
	"gwc-core/internal/session"
)

type mockSupervisor struct {
	requests    []GapError
	failures    []error
	checkpoints []uint64
	loggedOn    int
	loggedOff   int
	requestErr  error
}

func (m *mockSupervisor) RequestRetransmit(gap *GapError) error {
	m.requests = append(m.requests, *gap)
	return m.requestErr
}
func (m *mockSupervisor) LoggedOn(uint64)         { m.loggedOn++ }
func (m *mockSupervisor) LoggedOff()              { m.loggedOff++ }
func (m *mockSupervisor) Fail(err error)          { m.failures = append(m.failures, err) }
func (m *mockSupervisor) Checkpoint(seqno uint64) { m.checkpoints = append(m.checkpoints, seqno) }

type event struct {
	name  string
	seqno uint64
}

type recordingHandler struct {
	session.BaseHandler
	BaseMessageHandler
	events  []event
	gaps    [][2]uint64
	traders []string
	onAck   func(uint64, *record.Record)
}

func (h *recordingHandler) add(name string, seq uint64) { h.events = append(h.events, event{name, seq}) }

func (h *recordingHandler) OnLoggedOn(seq uint64, _ *record.Record)  { h.add("logged_on", seq) }
func (h *recordingHandler) OnLoggedOff(seq uint64, _ *record.Record) { h.add("logged_off", seq) }
func (h *recordingHandler) OnGap(expected, received uint64) {
	h.gaps = append(h.gaps, [2]uint64{expected, received})
}
func (h *recordingHandler) OnTraderLogonOn(traderID string, _ *record.Record) {
	h.traders = append(h.traders, traderID)
}
func (h *recordingHandler) OnAdmin(seq uint64, _ *record.Record) { h.add("admin", seq) }
func (h *recordingHandler) OnMsg(seq uint64, _ *record.Record)   { h.add("msg", seq) }
func (h *recordingHandler) OnOrderAck(seq uint64, rec *record.Record) {
	h.add("ack", seq)
	if h.onAck != nil {
		h.onAck(seq, rec)
	}
}
func (h *recordingHandler) OnOrderFill(seq uint64, _ *record.Record) { h.add("fill", seq) }
func (h *recordingHandler) OnCancelRejected(seq uint64, _ *record.Record) {
	h.add("cancel_rejected", seq)
}

func (h *recordingHandler) business() []uint64 {
	var out []uint64
	for _, e := range h.events {
		if e.name != "admin" && e.name != "logged_on" && e.name != "logged_off" {
			out = append(out, e.seqno)
		}
	}
	return out
}

type fixture struct {
	mu       *sync.Mutex
	machine  *session.Machine
	registry *order.Registry
	sup      *mockSupervisor
	handler  *recordingHandler
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mu:       &sync.Mutex{},
		machine:  session.NewMachine(nil, nil),
		registry: order.NewRegistry(order.Options{}),
		sup:      &mockSupervisor{},
		handler:  &recordingHandler{},
	}
	d, err := New(Options{
		Mutex:               f.mu,
		Tracker:             sequence.NewTracker(0),
		Machine:             f.machine,
		Registry:            f.registry,
		Session:             f.handler,
		Messages:            f.handler,
		Supervisor:          f.sup,
		MaxRecoveryRequests: 2,
	})
	require.NoError(t, err)
	f.d = d
	for _, s := range []session.State{session.Connecting, session.Connected, session.LoggingOn} {
		require.NoError(t, f.machine.Transition(s))
	}
	return f
}

func logonReply(next uint64) *record.Record {
	r := record.NewMessage(record.MsgTypeLogonReply)
	r.SetInteger(record.FieldSeqNum, int64(next))
	r.SetInteger(record.FieldRejectCode, 0)
	return r
}

func generic(seq uint64) *record.Record {
	r := record.NewMessage(record.MsgTypeBusinessReject)
	r.SetInteger(record.FieldSeqNum, int64(seq))
	return r
}

func execReport(seq uint64, exec string, clientID string) *record.Record {
	r := record.NewMessage(record.MsgTypeExecutionReport)
	r.SetInteger(record.FieldSeqNum, int64(seq))
	r.SetString(record.FieldExecType, exec)
	r.SetString(record.FieldClOrdID, clientID)
	r.SetString(record.FieldOrderID, "V1")
	return r
}

func (f *fixture) logon(t *testing.T, next uint64) {
	t.Helper()
	f.d.Dispatch(logonReply(next), RealTime)
	require.Equal(t, session.LoggedOn, f.machine.State())
}

func TestClassifier(t *testing.T) {
	c := MsgTypeClassifier{}
	cases := map[string]Kind{"0": KindOrderAck, "4": KindOrderDone, "5": KindModifyAck, "8": KindOrderRejected, "C": KindOrderDone, "F": KindOrderFill, "I": KindGeneric}
	for exec, want := range cases {
		assert.Equal(t, want, c.Classify(execReport(1, exec, "x")), "exec type %s", exec)
	}
	rej := record.NewMessage(record.MsgTypeOrderCancelReject)
	rej.SetInteger(record.FieldCxlRejResponseTo, 1)
	assert.Equal(t, KindCancelRejected, c.Classify(rej))
	rej.SetString(record.FieldCxlRejResponseTo, "2")
	assert.Equal(t, KindModifyRejected, c.Classify(rej))
	assert.Equal(t, KindHeartbeat, c.Classify(record.NewMessage(record.MsgTypeHeartbeat)))
	assert.Equal(t, KindUnknown, c.Classify(record.NewMessage("zz")))
	assert.False(t, KindLogonReply.Sequenced())
	assert.True(t, KindSessionReject.Admin())
	assert.Equal(t, KindTraderLogonReply, c.Classify(record.NewMessage(record.MsgTypeTraderLogonReply)))
	assert.True(t, KindTraderLogonReply.Admin())
	assert.False(t, KindTraderLogonReply.Sequenced())
}

func TestDispatchTraderLogonReply(t *testing.T) {
	f := newFixture(t)
	f.logon(t, 1)

	ok := record.NewMessage(record.MsgTypeTraderLogonReply)
	ok.SetString(record.FieldTraderID, "T01")
	ok.SetInteger(record.FieldRejectCode, 0)
	f.d.Dispatch(ok, RealTime)

	rej := record.NewMessage(record.MsgTypeTraderLogonReply)
	rej.SetString(record.FieldTraderID, "T02")
	rej.SetInteger(record.FieldRejectCode, 3)
	f.d.Dispatch(rej, RealTime)

	assert.Equal(t, []string{"T01"}, f.handler.traders)
	assert.Equal(t, session.LoggedOn, f.machine.State())
	assert.Empty(t, f.sup.checkpoints, "trader logon replies carry no sequence number")
	require.Len(t, f.handler.events, 4)
	assert.Equal(t, event{"admin", 0}, f.handler.events[2])
	assert.Equal(t, event{"admin", 0}, f.handler.events[3])
}

func TestDispatchInOrder(t *testing.T) {
	f := newFixture(t)
	f.logon(t, 1)

	for seq := uint64(1); seq <= 5; seq++ {
		f.d.Dispatch(generic(seq), RealTime)
	}
	// 重复记录不得再次交付
	f.d.Dispatch(generic(3), RealTime)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, f.handler.business())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, f.sup.checkpoints)
	assert.Equal(t, 1, f.sup.loggedOn)
	assert.NoError(t, f.machine.Wait(context.Background()))
	assert.Equal(t, uint64(1), f.d.Stats().Duplicates)
}

func TestDispatchGapRecovery(t *testing.T) {
	f := newFixture(t)
	f.logon(t, 1)

	f.d.Dispatch(generic(1), RealTime)
	f.d.Dispatch(generic(4), RealTime)
	require.Equal(t, session.Recovering, f.machine.State())
	require.Equal(t, [][2]uint64{{2, 4}}, f.handler.gaps)
	require.Equal(t, []GapError{{Expected: 2, Received: 4}}, f.sup.requests)

	f.d.Dispatch(generic(5), RealTime)
	assert.Equal(t, []uint64{1}, f.handler.business(), "nothing delivered while recovering")

	f.d.Dispatch(generic(2), Recovery)
	f.d.Dispatch(generic(2), Recovery)
	assert.Equal(t, session.Recovering, f.machine.State())
	f.d.Dispatch(generic(3), Recovery)
	f.d.Dispatch(record.NewMessage(record.MsgTypeRetransmitComplete), Recovery)

	assert.Equal(t, session.LoggedOn, f.machine.State())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, f.handler.business())
	assert.Len(t, f.sup.requests, 1)
	assert.Len(t, f.handler.gaps, 1)

	stats := f.d.Stats()
	assert.Equal(t, uint64(6), stats.NextExpected)
	assert.Equal(t, 0, stats.Buffered)
	assert.Equal(t, uint64(1), stats.Gaps)
}

func TestDispatchRecoveryRerequestsThenFails(t *testing.T) {
	f := newFixture(t)
	f.logon(t, 1)
	f.d.Dispatch(generic(3), RealTime)
	require.Len(t, f.sup.requests, 1)

	done := record.NewMessage(record.MsgTypeRetransmitComplete)
	f.d.Dispatch(done, Recovery)
	require.Len(t, f.sup.requests, 2)
	assert.Equal(t, GapError{Expected: 1, Received: 3}, f.sup.requests[1])
	assert.Empty(t, f.sup.failures)

	f.d.Dispatch(done, Recovery)
	require.Len(t, f.sup.failures, 1)
	assert.True(t, errors.Is(f.sup.failures[0], ErrRecoveryExhausted))
	assert.Empty(t, f.handler.business())
}

func TestDispatchRequestErrorFails(t *testing.T) {
	f := newFixture(t)
	f.sup.requestErr = errors.New("dial refused")
	f.logon(t, 1)
	f.d.Dispatch(generic(2), RealTime)
	require.Len(t, f.sup.failures, 1)
}

func TestDispatchResumeFromCache(t *testing.T) {
	f := newFixture(t)
	f.mu.Lock()
	f.d.Resume(3)
	f.mu.Unlock()

	f.d.Dispatch(logonReply(6), RealTime)
	require.NoError(t, f.machine.Wait(context.Background()))
	assert.Equal(t, session.Recovering, f.machine.State())
	assert.Equal(t, [][2]uint64{{3, 6}}, f.handler.gaps)
	assert.Equal(t, event{"logged_on", 6}, f.handler.events[1])

	for seq := uint64(3); seq < 6; seq++ {
		f.d.Dispatch(generic(seq), Recovery)
	}
	assert.Equal(t, session.LoggedOn, f.machine.State())
	f.d.Dispatch(generic(6), RealTime)
	assert.Equal(t, []uint64{3, 4, 5, 6}, f.handler.business())
}

func TestDispatchLogonRejected(t *testing.T) {
	f := newFixture(t)
	rep := logonReply(1)
	rep.SetInteger(record.FieldRejectCode, 7)
	rep.SetString(record.FieldText, "bad password")
	f.d.Dispatch(rep, RealTime)

	assert.Equal(t, session.LoggingOn, f.machine.State())
	require.Len(t, f.sup.failures, 1)
	assert.ErrorIs(t, f.sup.failures[0], ErrLogonRejected)
}

func TestDispatchOrderRouting(t *testing.T) {
	f := newFixture(t)
	f.logon(t, 1)
	_, err := f.registry.Submit(order.Order{ClientOrderID: "myorder", Quantity: 10})
	require.NoError(t, err)
	require.NoError(t, f.registry.Commit("myorder"))

	// 回调内获取互斥锁，模拟在回调中发起改单
	f.handler.onAck = func(uint64, *record.Record) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, err := f.registry.Modify("myorder1", order.Order{OrigClientOrderID: "myorder"})
		assert.NoError(t, err)
	}

	f.d.Dispatch(execReport(1, "0", "myorder"), RealTime)
	f.d.Dispatch(execReport(2, "0", "foreign"), RealTime)
	f.d.Dispatch(execReport(3, "0", "myorder1"), RealTime)

	assert.Equal(t, []event{{"admin", 0}, {"logged_on", 1}, {"ack", 1}, {"msg", 2}}, f.handler.events)

	got, ok := f.registry.Get("myorder1")
	require.True(t, ok)
	assert.Equal(t, order.StatusPendingModify, got.Status)
	assert.Equal(t, "V1", got.OrderID)
}

func TestDispatchVenueLogout(t *testing.T) {
	f := newFixture(t)
	f.logon(t, 1)
	f.d.Dispatch(generic(1), RealTime)
	f.d.Dispatch(record.NewMessage(record.MsgTypeLogout), RealTime)

	assert.Equal(t, session.Disconnected, f.machine.State())
	assert.Equal(t, 1, f.sup.loggedOff)
	assert.Contains(t, f.handler.events, event{"logged_off", 1})
}

func TestDispatchRaw(t *testing.T) {
	f := newFixture(t)
	f.d.DispatchRaw([]byte("junk"))
	assert.Empty(t, f.handler.events)
}
