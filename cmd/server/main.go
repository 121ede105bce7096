package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/christopherjohns/minix/internal/bot"
	"github.com/christopherjohns/minix/internal/config"
	"github.com/christopherjohns/minix/internal/coordinator"
	"github.com/christopherjohns/minix/internal/logging"
	"github.com/christopherjohns/minix/internal/registry"
	"github.com/christopherjohns/minix/internal/server"
	"github.com/christopherjohns/minix/internal/store"
	"github.com/christopherjohns/minix/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minix: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := store.Open(ctx, store.Config{
		Backend:    cfg.StoreBackend,
		RedisAddr:  cfg.RedisAddr,
		SQLitePath: cfg.SQLitePath,
		Timeout:    cfg.StoreTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	coord := coordinator.New(stores.Identities, stores.Posts, registry.New(), coordinator.Config{
		RecentLimit:       cfg.RecentLimit,
		CatchUpLimit:      cfg.CatchUpLimit,
		MaxNicknameLength: cfg.MaxNicknameLength,
		MaxPostLength:     cfg.MaxPostLength,
	}, log)

	gen := bot.New(stores.Identities, coord, bot.Config{
		Nicknames: cfg.Bots(),
		Messages:  cfg.Messages(),
		Interval:  cfg.BotInterval,
	}, log)
	if cfg.BotInterval > 0 {
		if err := gen.Init(ctx); err != nil {
			log.Warn().Err(err).Msg("bot pool not ready, retrying on first tick")
		}
	}
	gen.Start(ctx)
	defer gen.Stop()

	srv := server.New(cfg.ListenAddr, coord,
		server.WithLogger(log),
		server.WithAllowedOrigins(cfg.Origins()...),
		server.WithConnOptions(
			ws.WithSendBuffer(cfg.SendBufferSize),
			ws.WithMaxConns(cfg.MaxConns),
			ws.WithIdleTimeout(cfg.IdleTimeout),
		),
		server.WithHandlerOptions(
			ws.WithPostLimit(cfg.PostRate, cfg.PostBurst),
			ws.WithConnectLimit(cfg.ConnectRate, cfg.ConnectBurst),
		),
	)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	log.Info().Str("addr", cfg.ListenAddr).Str("backend", stores.Backend).Msg("Mini-X server starting")
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify ready")
	}

	err = srv.Serve(ctx, ln)
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
