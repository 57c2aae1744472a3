package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/iglu-video/iglu/internal/config"
	"github.com/iglu-video/iglu/internal/httpapi"
	"github.com/iglu-video/iglu/internal/hub"
	"github.com/iglu-video/iglu/internal/metrics"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting iglu-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_rooms", cfg.MaxRooms,
		"max_participants_per_room", cfg.MaxParticipantsPerRoom,
		"redis", cfg.RedisAddr != "",
		"turn_rest", cfg.TURN.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	store := newStore(cfg, logger)
	m := metrics.New()

	h := hub.New(hub.Config{
		MaxParticipantsPerRoom: cfg.MaxParticipantsPerRoom,
		MaxMessageBytes:        cfg.MaxSignalingMessageBytes,
		MessagesPerSecond:      cfg.MaxSignalingMessagesPerSecond,
		PongWait:               cfg.WSIdleTimeout,
		PingInterval:           cfg.WSPingInterval,
		Logger:                 logger,
		Metrics:                m,
	}, store)

	api, err := httpapi.New(cfg, logger, h, store, m)
	if err != nil {
		logger.Error("failed to configure http api", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: api.Handler()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newStore(cfg config.Config, logger *slog.Logger) hub.Store {
	if cfg.RedisAddr == "" {
		logger.Info("no redis configured, using in-memory meeting store")
		return hub.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return hub.NewRedisStore(client, cfg.RoomTTL)
}

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("join auth is disabled; anyone with a meeting ID can join")
	}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			logger.Warn("allowed origins includes '*'; any site may open signaling connections")
		}
	}
}
