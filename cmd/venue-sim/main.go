package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gwc-core/internal/config"
	"gwc-core/internal/log"
	"gwc-core/internal/venuesim"
)

func main() {
	var (
		addr       string
		username   string
		rejectCode int64
		fillOnAck  bool
		skip       string
		level      string
	)
	flag.StringVar(&addr, "addr", ":9400", "监听地址")
	flag.StringVar(&username, "username", "", "要求的登录用户名，为空时不校验")
	flag.Int64Var(&rejectCode, "reject", 0, "非零时以该代码拒绝所有登录")
	flag.BoolVar(&fillOnAck, "fill-on-ack", false, "确认后立即全部成交")
	flag.StringVar(&skip, "skip", "", "不在实时链路发送的序号，逗号分隔")
	flag.StringVar(&level, "log-level", "info", "日志级别")
	flag.Parse()

	logger, err := log.NewLogger(config.LoggingConfig{
		Level:            level,
		Encoding:         "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	skipSeqnos, err := parseSkip(skip)
	if err != nil {
		logger.Error("解析 skip 参数失败", zap.Error(err))
		os.Exit(1)
	}

	sim := venuesim.New(venuesim.Options{
		Logger:     logger.Named("venuesim"),
		Username:   username,
		RejectCode: rejectCode,
		FillOnAck:  fillOnAck,
		Skip:       skipSeqnos,
	})
	srv := &http.Server{Addr: addr, Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("场所模拟器已启动", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("模拟器异常退出", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("场所模拟器已停止", zap.Uint64("last_seqno", sim.LastSeqNo()))
}

func parseSkip(s string) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint64
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
