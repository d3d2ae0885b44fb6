package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"gwc-core/internal/gateway"
	"gwc-core/internal/monitor"
	"gwc-core/internal/order"
)

type statusSource interface {
	Status() gateway.Status
	Orders() []order.Order
	Order(clientID string) (order.Order, bool)
}

type archiveSource interface {
	ListArchived(ctx context.Context, limit int) ([]order.Order, error)
}

type eventSource interface {
	ListEvents(ctx context.Context, q monitor.Query) ([]monitor.Event, error)
	Summary(ctx context.Context) ([]monitor.KindSummary, error)
}

type monitorDeps struct {
	connector statusSource
	archive   archiveSource
	events    eventSource
}

func newMonitorHandler(deps monitorDeps, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := mux.NewRouter()
	respond := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Warn("写入监控响应失败", zap.Error(err))
		}
	}
	fail := func(w http.ResponseWriter, status int, err error) {
		respond(w, status, map[string]string{"error": err.Error()})
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/session", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, deps.connector.Status())
	}).Methods(http.MethodGet)

	api.HandleFunc("/orders", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, deps.connector.Orders())
	}).Methods(http.MethodGet)

	api.HandleFunc("/orders/archive", func(w http.ResponseWriter, r *http.Request) {
		orders, err := deps.archive.ListArchived(r.Context(), queryLimit(r, 100))
		if err != nil {
			fail(w, http.StatusInternalServerError, err)
			return
		}
		respond(w, http.StatusOK, orders)
	}).Methods(http.MethodGet)

	api.HandleFunc("/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		o, ok := deps.connector.Order(id)
		if !ok {
			fail(w, http.StatusNotFound, fmt.Errorf("order %s not found", id))
			return
		}
		respond(w, http.StatusOK, o)
	}).Methods(http.MethodGet)

	// type 可逗号分隔多个类型；since 为上次拿到的最大 id，用于增量拉取。
	api.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		types, err := monitor.ParseEventTypes(r.URL.Query().Get("type"))
		if err != nil {
			fail(w, http.StatusBadRequest, err)
			return
		}
		q := monitor.Query{Types: types, Limit: queryLimit(r, 200)}
		if since := strings.TrimSpace(r.URL.Query().Get("since")); since != "" {
			id, err := strconv.ParseInt(since, 10, 64)
			if err != nil || id < 0 {
				fail(w, http.StatusBadRequest, fmt.Errorf("invalid since %q", since))
				return
			}
			q.SinceID = id
		}
		events, err := deps.events.ListEvents(r.Context(), q)
		if err != nil {
			fail(w, http.StatusInternalServerError, err)
			return
		}
		respond(w, http.StatusOK, events)
	}).Methods(http.MethodGet)

	api.HandleFunc("/events/summary", func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.events.Summary(r.Context())
		if err != nil {
			fail(w, http.StatusInternalServerError, err)
			return
		}
		respond(w, http.StatusOK, sum)
	}).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

func queryLimit(r *http.Request, def int) int {
	limit := def
	if qs := r.URL.Query().Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}
	return limit
}

// serveMonitor 阻塞运行监控接口，ctx 结束时优雅关闭。
func serveMonitor(ctx context.Context, handler http.Handler, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("监控服务异常: %w", err)
	}
	return nil
}
