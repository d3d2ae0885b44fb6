package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gwc-core/internal/transport"
)

type event interface{ isEvent() }

type frameEvent struct {
	link *link
	data []byte
}

type linkDownEvent struct {
	link *link
	err  error
}

type dialEvent struct {
	endpoint string
	gen      uint64
	conn     transport.Conn
	err      error
}

func (frameEvent) isEvent()    {}
func (linkDownEvent) isEvent() {}
func (dialEvent) isEvent()     {}

// link 为一条已建立的链路，读写各占一个 goroutine。
// out 只能在持有所有者锁时写入与关闭。
type link struct {
	endpoint string
	addr     string
	conn     transport.Conn
	out      chan []byte
	closed   bool

	cancel      context.CancelFunc
	writerDone  chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	closeErr    error
	shutdownReq chan struct{}
}

func startLink(parent context.Context, endpoint, addr string, conn transport.Conn, queueSize int,
	limiter *rate.Limiter, events chan<- event, logger *zap.Logger) *link {
	ctx, cancel := context.WithCancel(parent)
	l := &link{
		endpoint:    endpoint,
		addr:        addr,
		conn:        conn,
		out:         make(chan []byte, queueSize),
		cancel:      cancel,
		writerDone:  make(chan struct{}),
		done:        make(chan struct{}),
		shutdownReq: make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			data, err := conn.Receive(gctx)
			if err != nil {
				return err
			}
			select {
			case events <- frameEvent{link: l, data: data}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		defer close(l.writerDone)
		for {
			select {
			case frame, ok := <-l.out:
				if !ok {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				}
				if err := conn.Send(gctx, frame); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	go func() {
		defer close(l.done)
		err := g.Wait()
		select {
		case <-l.shutdownReq:
			return
		default:
		}
		if err == nil {
			err = transport.ErrClosed
		}
		logger.Debug("链路中断", zap.String("endpoint", endpoint), zap.Error(err))
		select {
		case events <- linkDownEvent{link: l, err: err}:
		case <-parent.Done():
		case <-l.shutdownReq:
		}
	}()
	return l
}

// enqueue 非阻塞写入出站队列。
func (l *link) enqueue(frame []byte) bool {
	if l.closed {
		return false
	}
	select {
	case l.out <- frame:
		return true
	default:
		return false
	}
}

// seal 停止接收新的出站帧，已入队的帧仍会被写出。
func (l *link) seal() {
	if l.closed {
		return
	}
	l.closed = true
	close(l.out)
}

// shutdown 在 drain 时间内等待出站帧写完，然后关闭链路。调用前必须已 seal。
func (l *link) shutdown(drain time.Duration) error {
	l.closeOnce.Do(func() {
		close(l.shutdownReq)
		if drain > 0 {
			timer := time.NewTimer(drain)
			select {
			case <-l.writerDone:
			case <-timer.C:
			}
			timer.Stop()
		}
		l.cancel()
		if err := l.conn.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			l.closeErr = err
		}
		<-l.done
	})
	return l.closeErr
}
