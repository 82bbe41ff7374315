package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/system-design/14-scene-room/internal"
)

func main() {
	// 載入配置（預設值 → .env / 環境變數 → 命令行參數）
	cfg, err := internal.LoadConfig(os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, "載入配置失敗:", err)
		os.Exit(2)
	}

	// 設置日誌
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// 創建房間管理器與 WebSocket Hub
	manager := internal.NewManager(cfg, logger)
	wsHub := internal.NewWebSocketHub(manager, cfg, logger)
	handler := internal.NewHandler(manager, wsHub, cfg, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 啟動服務器
	go func() {
		logger.Info("場景房間服務器啟動",
			"port", cfg.Port,
			"log_level", cfg.LogLevel,
			"log_format", cfg.LogFormat,
			"max_players", cfg.MaxPlayers,
			"admin_api", cfg.AdminToken != "")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 先關連接，再停房間
	wsHub.Stop()
	manager.Stop()

	logger.Info("服務器已關閉")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
