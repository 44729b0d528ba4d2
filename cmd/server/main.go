package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatapp/internal/config"
	"chatapp/internal/db"
	clog "chatapp/internal/log"
	"chatapp/internal/mailer"
	"chatapp/internal/mw"
	"chatapp/internal/presence"
	"chatapp/internal/server"
	"chatapp/internal/service"
	"chatapp/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// main 加载配置并初始化日志，启动与停服流程交给 run。
func main() {
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

func run(cfg config.Config) error {
	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		_ = db.Close(gdb)
		return fmt.Errorf("db migrate: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	presenceTTL := time.Duration(cfg.PresenceTTLSeconds) * time.Second
	resetTTL := time.Duration(cfg.ResetTokenTTLMinutes) * time.Minute
	allowOrigin := mw.OriginChecker(cfg.Env, cfg.AllowedOrigins)

	reg := presence.NewMemory(presenceTTL)
	hub := ws.NewHub()
	users := service.NewUserService(gdb, cfg, mailer.New(cfg.SMTP, resetTTL))
	chat := service.NewChatService(gdb, reg, hub)
	gw := ws.NewGateway(hub, reg, users, chat, cfg, allowOrigin)

	// 控制单个 IP+路由的速率。
	rl := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	defer rl.Stop()

	go reg.Run(ctx, presenceTTL/3, gw.Expire)

	srv := server.NewHTTPServer(":"+cfg.Port, server.SetupRouter(cfg, gdb, server.NewHandler(users, chat), gw, rl))
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Str("db", cfg.DatabaseDriver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var cause error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errc:
		cause = fmt.Errorf("http server: %w", err)
		log.Error().Err(err).Msg("http server failed")
	}
	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	return errors.Join(cause, shutdown(srv, hub, gdb, timeout))
}

// shutdown 停止接收新连接、断开全部 WebSocket、关闭数据库；超过 timeout 视为失败。
func shutdown(srv *http.Server, hub *ws.Hub, gdb *gorm.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := srv.Shutdown(ctx)
		hub.CloseAll()
		if werr := hub.Wait(ctx); werr != nil {
			log.Warn().Int("connections", hub.Len()).Msg("websocket connections still open")
		}
		done <- errors.Join(err, db.Close(gdb))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown did not finish within %s", timeout)
	}
}
