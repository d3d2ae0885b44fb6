// Package gateway 实现场所连接器：维护实时与恢复两条链路，驱动会话状态机，
// 在互斥域内校验出站请求并按序分发入站记录。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gwc-core/internal/dispatch"
	"gwc-core/internal/order"
	"gwc-core/internal/record"
	"gwc-core/internal/sequence"
	"gwc-core/internal/session"
	"gwc-core/internal/transport"
)

// Connector 为单个场所会话的连接器。
type Connector struct {
	id         string
	logger     *zap.Logger
	dialer     transport.Dialer
	codec      record.Codec
	classifier dispatch.Classifier
	seqno      SeqnoStore
	archiver   order.Archiver
	observer   Observer
	archiveCap int

	// mu 为发送路径与分发线程共享的互斥域。
	mu         sync.Mutex
	machine    *session.Machine
	tracker    *sequence.Tracker
	registry   *order.Registry
	dispatcher *dispatch.Dispatcher
	rt         *link
	outSeq     uint64

	cfg      settings
	session  session.Handler
	messages dispatch.MessageHandler
	limiter  *rate.Limiter

	lifeMu      sync.Mutex
	initialised bool
	running     bool
	stopCh      chan chan error
	loopDone    chan struct{}

	failures atomic.Int32

	// 以下字段只由事件循环访问。
	loopCtx     context.Context
	events      chan event
	recovery    *link
	dialGen     uint64
	recoveryGen uint64
	pendingGap  *dispatch.GapError
	stopping    bool
	reconnectC  <-chan time.Time
	logonC      <-chan time.Time
	sawInbound  bool
	missed      int
}

// New 创建连接器，Init 之前不可启动。
func New(opts Options) (*Connector, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("gateway: dialer 不能为空")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Codec == nil {
		opts.Codec = record.JSONCodec{}
	}
	if opts.Classifier == nil {
		opts.Classifier = dispatch.MsgTypeClassifier{}
	}

	c := &Connector{
		id:         uuid.NewString(),
		dialer:     opts.Dialer,
		codec:      opts.Codec,
		classifier: opts.Classifier,
		seqno:      opts.Seqno,
		archiver:   opts.Archiver,
		observer:   opts.Observer,
		archiveCap: opts.ArchiveLimit,
		events:     make(chan event, 1024),
	}
	c.logger = opts.Logger.With(zap.String("connector", c.id))
	c.machine = session.NewMachine(c.logger, c.onStateChange)
	return c, nil
}

// ID 返回连接器实例标识。
func (c *Connector) ID() string { return c.id }

func (c *Connector) onStateChange(from, to session.State) {
	if c.observer != nil {
		c.observer.SessionState(from, to)
	}
}

// Init 绑定处理方与会话属性。运行期间不可重复初始化。
func (c *Connector) Init(sh session.Handler, mh dispatch.MessageHandler, s Settings) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}

	cfg, err := parseSettings(s)
	if err != nil {
		return err
	}
	if sh == nil {
		sh = session.BaseHandler{Policy: DefaultPolicy}
	}
	if mh == nil {
		mh = dispatch.BaseMessageHandler{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg
	c.session = sh
	c.messages = mh
	c.tracker = sequence.NewTracker(0)
	c.registry = order.NewRegistry(order.Options{
		Logger:       c.logger,
		Archiver:     archiveFanout{archiver: c.archiver, observer: c.observer},
		ArchiveLimit: c.archiveCap,
	})
	d, err := dispatch.New(dispatch.Options{
		Mutex:               &c.mu,
		Tracker:             c.tracker,
		Machine:             c.machine,
		Registry:            c.registry,
		Classifier:          c.classifier,
		Session:             sh,
		Messages:            mh,
		Supervisor:          (*supervisor)(c),
		Logger:              c.logger,
		MaxRecoveryRequests: cfg.maxRecovery,
		RawEnabled:          cfg.raw,
	})
	if err != nil {
		return err
	}
	c.dispatcher = d
	if cfg.rate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.rate), cfg.burst)
	} else {
		c.limiter = nil
	}
	c.initialised = true

	c.logger.Info("连接器初始化完成",
		zap.String("venue", cfg.venue),
		zap.String("environment", cfg.environment),
		zap.String("real_time_host", cfg.realTimeHost),
		zap.String("recovery_host", cfg.recoveryHost),
		zap.Duration("heartbeat", cfg.heartbeat),
	)
	return nil
}

// Start 启动事件循环并开始连接，立即返回。recover 为真时从持久化序号之后继续。
func (c *Connector) Start(recover bool) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	switch {
	case !c.initialised:
		return ErrNotInitialised
	case c.running:
		return ErrAlreadyStarted
	case c.machine.State() == session.Failed:
		return session.ErrSessionFailed
	}

	var resume uint64
	if recover && c.seqno != nil {
		last, ok, err := c.seqno.LoadSeqno(context.Background(), c.cfg.seqnoKey)
		if err != nil {
			return fmt.Errorf("gateway: 读取持久化序号失败: %w", err)
		}
		if ok {
			resume = last + 1
		}
	}

	c.machine.Arm()
	c.mu.Lock()
	c.outSeq = 0
	c.tracker.Reset(0)
	c.dispatcher.Reset()
	c.dispatcher.Resume(resume)
	c.mu.Unlock()
	c.failures.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	c.loopCtx = ctx
	c.stopCh = make(chan chan error)
	c.loopDone = make(chan struct{})
	c.running = true

	c.logger.Info("连接器启动", zap.Bool("recover", recover), zap.Uint64("resume_from", resume))
	go c.run(ctx, cancel)
	return nil
}

// WaitForLogon 阻塞直到登录成功、会话失败、停止或 ctx 结束。
func (c *Connector) WaitForLogon(ctx context.Context) error {
	return c.machine.Wait(ctx)
}

// Failure 在会话进入 FAILED 时关闭，Start 之后获取。
func (c *Connector) Failure() <-chan struct{} {
	return c.machine.Failure()
}

// Stop 登出并关闭链路，任何状态下均可调用。不可在回调中同步调用，应使用 StopAsync。
func (c *Connector) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	running, stopCh, loopDone := c.running, c.stopCh, c.loopDone
	c.lifeMu.Unlock()

	if !running {
		c.machine.Reset()
		c.machine.Release(session.ErrStopped)
		return nil
	}

	reply := make(chan error, 1)
	select {
	case stopCh <- reply:
	case <-loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	select {
	case err = <-reply:
	case <-loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-loopDone

	c.lifeMu.Lock()
	c.running = false
	c.lifeMu.Unlock()
	return err
}

// StopAsync 在后台执行 Stop，可在回调中调用。
func (c *Connector) StopAsync() {
	go func() {
		if err := c.Stop(context.Background()); err != nil {
			c.logger.Warn("异步停止失败", zap.Error(err))
		}
	}()
}

// State 返回当前会话状态。
func (c *Connector) State() session.State {
	return c.machine.State()
}

// Status 连接器运行快照。
type Status struct {
	ID            string          `json:"id"`
	Venue         string          `json:"venue"`
	Environment   string          `json:"environment"`
	State         session.State   `json:"state"`
	OutboundSeqNo uint64          `json:"outbound_seqno"`
	Failures      int             `json:"failures"`
	ActiveOrders  int             `json:"active_orders"`
	Dispatch      *dispatch.Stats `json:"dispatch,omitempty"`
}

// Status 返回连接器与分发器的运行快照。
func (c *Connector) Status() Status {
	c.mu.Lock()
	st := Status{
		ID:            c.id,
		Venue:         c.cfg.venue,
		Environment:   c.cfg.environment,
		State:         c.machine.State(),
		OutboundSeqNo: c.outSeq,
		Failures:      int(c.failures.Load()),
	}
	if c.registry != nil {
		st.ActiveOrders = c.registry.Len()
	}
	d := c.dispatcher
	c.mu.Unlock()

	if d != nil {
		stats := d.Stats()
		st.Dispatch = &stats
	}
	return st
}

// Orders 返回活跃订单快照。
func (c *Connector) Orders() []order.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry == nil {
		return nil
	}
	return c.registry.Active()
}

// Order 按客户委托号查询活跃或最近终结的订单。
func (c *Connector) Order(clientID string) (order.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry == nil {
		return order.Order{}, false
	}
	if o, ok := c.registry.Get(clientID); ok {
		return o, true
	}
	return c.registry.Archived(clientID)
}

// History 返回内存中保留的终态订单。
func (c *Connector) History() []order.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registry == nil {
		return nil
	}
	return c.registry.History()
}

// archiveFanout 将终态订单同时交给持久化与监控。
type archiveFanout struct {
	archiver order.Archiver
	observer Observer
}

func (a archiveFanout) ArchiveOrder(ctx context.Context, o order.Order) error {
	if a.observer != nil {
		a.observer.OrderTerminal(o)
	}
	if a.archiver == nil {
		return nil
	}
	return a.archiver.ArchiveOrder(ctx, o)
}

func (c *Connector) reportError(err error) {
	if c.observer == nil || err == nil || errors.Is(err, session.ErrStopped) {
		return
	}
	c.observer.Error(err)
}
