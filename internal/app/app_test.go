package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwc-core/internal/config"
	"gwc-core/internal/gateway"
	"gwc-core/internal/monitor"
	"gwc-core/internal/order"
	"gwc-core/internal/record"
	"gwc-core/internal/session"
	"gwc-core/internal/store"
	"gwc-core/internal/venuesim"
)

type fakeSender struct {
	orders, modifies, cancels []*record.Record
	traders                   []string
	err                       error
}

func (f *fakeSender) SendOrder(rec *record.Record) error {
	f.orders = append(f.orders, rec)
	return f.err
}

func (f *fakeSender) SendModify(rec *record.Record) error {
	f.modifies = append(f.modifies, rec)
	return f.err
}

func (f *fakeSender) SendCancel(rec *record.Record) error {
	f.cancels = append(f.cancels, rec)
	return f.err
}

func (f *fakeSender) TraderLogon(traderID string, _ *record.Record) error {
	f.traders = append(f.traders, traderID)
	return f.err
}

func workflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		Enabled:           true,
		ClientOrderID:     "wf-1",
		InstrumentID:      "VOD.L",
		Side:              "buy",
		Quantity:          100,
		Price:             "101.5",
		OrderType:         "limit",
		TimeInForce:       "day",
		ModifyOnAck:       true,
		ModifyPrice:       "101.25",
		CancelOnModifyAck: true,
	}
}

func ack(id string) *record.Record {
	rec := record.NewMessage(record.MsgTypeExecutionReport)
	rec.SetString(record.FieldClOrdID, id)
	return rec
}

func TestWorkflowChainsModifyAndCancel(t *testing.T) {
	sender := &fakeSender{}
	w := newWorkflow(workflowConfig(), config.SessionConfig{Username: "trader", Password: "pw", TraderID: "T01"}, sender, nil)

	logon := record.NewMessage(record.MsgTypeLogon)
	w.OnLoggingOn(logon)
	assert.Equal(t, "trader", logon.StringOr(record.FieldUsername, ""))
	assert.Equal(t, "pw", logon.StringOr(record.FieldPassword, ""))

	w.OnLoggedOn(1, nil)
	w.OnLoggedOn(1, nil)
	require.Len(t, sender.orders, 1, "order must be sent once per run")
	assert.Equal(t, []string{"T01", "T01"}, sender.traders, "trader logon follows every session logon")
	o := sender.orders[0]
	assert.Equal(t, "wf-1", o.StringOr(record.FieldClOrdID, ""))
	assert.Equal(t, byte('1'), o.Char(record.FieldSide))
	assert.Equal(t, byte('2'), o.Char(record.FieldOrdType))
	px, err := o.GetDouble(record.FieldPrice)
	require.NoError(t, err)
	assert.InDelta(t, 101.5, px, 1e-9)

	w.OnOrderAck(1, ack("other"))
	assert.Empty(t, sender.modifies)

	w.OnOrderAck(1, ack("wf-1"))
	require.Len(t, sender.modifies, 1)
	assert.Equal(t, "wf-1-M", sender.modifies[0].StringOr(record.FieldClOrdID, ""))
	assert.Equal(t, "wf-1", sender.modifies[0].StringOr(record.FieldOrigClOrdID, ""))

	w.OnModifyAck(2, ack("wf-1-M"))
	require.Len(t, sender.cancels, 1)
	assert.Equal(t, "wf-1-M-C", sender.cancels[0].StringOr(record.FieldClOrdID, ""))
	assert.Equal(t, "wf-1-M", sender.cancels[0].StringOr(record.FieldOrigClOrdID, ""))
}

func TestWorkflowRejectsBadConfig(t *testing.T) {
	cfg := workflowConfig()
	cfg.Side = "sideways"
	sender := &fakeSender{}
	w := newWorkflow(cfg, config.SessionConfig{}, sender, nil)
	w.OnLoggedOn(1, nil)
	assert.Empty(t, sender.orders)

	cfg = workflowConfig()
	cfg.Enabled = false
	w = newWorkflow(cfg, config.SessionConfig{}, sender, nil)
	w.OnLoggedOn(1, nil)
	assert.Empty(t, sender.orders)
}

func TestWorkflowRetryPolicy(t *testing.T) {
	w := newWorkflow(workflowConfig(), config.SessionConfig{}, &fakeSender{}, nil)
	assert.Equal(t, session.Reconnect, w.OnError(gateway.ErrMissedHeartbeats))
	assert.Equal(t, session.GiveUp, w.OnError(errors.New("fatal")))
}

type fakeStatus struct{ orders []order.Order }

func (f fakeStatus) Status() gateway.Status {
	return gateway.Status{ID: "c-1", Venue: "XLON", State: session.LoggedOn}
}
func (f fakeStatus) Orders() []order.Order { return f.orders }
func (f fakeStatus) Order(id string) (order.Order, bool) {
	for _, o := range f.orders {
		if o.ClientOrderID == id {
			return o, true
		}
	}
	return order.Order{}, false
}

type fakeArchive struct{ limit int }

func (f *fakeArchive) ListArchived(_ context.Context, limit int) ([]order.Order, error) {
	f.limit = limit
	return []order.Order{{ClientOrderID: "old", Status: order.StatusDone}}, nil
}

type fakeEvents struct{ last monitor.Query }

func (f *fakeEvents) ListEvents(_ context.Context, q monitor.Query) ([]monitor.Event, error) {
	f.last = q
	return []monitor.Event{{ID: 7, Type: monitor.EventGap}}, nil
}

func (f *fakeEvents) Summary(context.Context) ([]monitor.KindSummary, error) {
	return []monitor.KindSummary{{Type: monitor.EventGap, Count: 3, LastID: 7}}, nil
}

func TestMonitorHandler(t *testing.T) {
	archive, events := &fakeArchive{}, &fakeEvents{}
	h := newMonitorHandler(monitorDeps{
		connector: fakeStatus{orders: []order.Order{{ClientOrderID: "c1", Status: order.StatusAcked}}},
		archive:   archive,
		events:    events,
	}, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	get := func(path string) (*http.Response, []byte) {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://localhost:3000")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		return resp, []byte(buf.String())
	}

	resp, body := get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, string(body), "ok")

	resp, body = get("/api/v1/session")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "LOGGED_ON", st["state"])

	resp, body = get("/api/v1/orders/c1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ACKED")

	resp, _ = get("/api/v1/orders/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = get("/api/v1/orders/archive?limit=5000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1000, archive.limit)
	assert.Contains(t, string(body), "old")

	resp, _ = get("/api/v1/events?type=GAP,error&since=42&limit=20")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, monitor.Query{Types: []monitor.EventType{monitor.EventGap, monitor.EventError}, SinceID: 42, Limit: 20}, events.last)

	resp, _ = get("/api/v1/events?type=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get("/api/v1/events?since=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = get("/api/v1/events/summary")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"last_id":7`)
}

func testConfig(base string) *config.Config {
	return &config.Config{
		App: config.AppConfig{Environment: config.EnvSimulation, Venue: "venue-sim"},
		Session: config.SessionConfig{
			RealTimeHost:        base + "/realtime",
			RecoveryHost:        base + "/recovery",
			Username:            "trader",
			Password:            "secret",
			TraderID:            "T01",
			HeartbeatInterval:   time.Second,
			LogoffTimeout:       500 * time.Millisecond,
			ConnectTimeout:      time.Second,
			MaxRecoveryRequests: 3,
			OutboundQueueSize:   64,
		},
		Reconnect: config.RetryConfig{MaxAttempts: 3, MinDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Store:     config.StoreConfig{Backend: config.BackendSQLite, InMemory: true, MaxOpenConns: 1},
		Workflow: func() config.WorkflowConfig {
			w := workflowConfig()
			w.RunFor = 1500 * time.Millisecond
			return w
		}(),
	}
}

func TestAppRunAgainstSimulator(t *testing.T) {
	sim := venuesim.New(venuesim.Options{Username: "trader"})
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	sqlite, err := store.NewSQLite(config.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	cfg := testConfig(strings.Replace(srv.URL, "http://", "ws://", 1))
	require.NoError(t, New(cfg, nil, sqlite).Run(context.Background()))

	ctx := context.Background()
	archived, ok, err := sqlite.FindArchived(ctx, "wf-1-M-C")
	require.NoError(t, err)
	require.True(t, ok, "workflow order chain should be archived")
	assert.Equal(t, order.StatusCancelled, archived.Status)
	assert.Equal(t, []string{"wf-1", "wf-1-M", "wf-1-M-C"}, archived.Chain)

	svc, err := monitor.NewService(sqlite, nil)
	require.NoError(t, err)
	states, err := svc.ListEvents(ctx, monitor.Query{Types: []monitor.EventType{monitor.EventSessionState}, Limit: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, states)
	terminal, err := svc.ListEvents(ctx, monitor.Query{Types: []monitor.EventType{monitor.EventOrderTerminal}, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, terminal, 1)

	last, ok, err := sqlite.LoadSeqno(ctx, cfg.SeqnoKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sim.LastSeqNo(), last)
}

func TestAppRunFailsWhenVenueUnreachable(t *testing.T) {
	sqlite, err := store.NewSQLite(config.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	cfg := testConfig("ws://127.0.0.1:1")
	cfg.Workflow.RunFor = 5 * time.Second
	err = New(cfg, nil, sqlite).Run(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionFailed)
}
