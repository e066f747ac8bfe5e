package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/redes-chat/chatserver/internal/auth"
	"github.com/redes-chat/chatserver/internal/chat"
	"github.com/redes-chat/chatserver/internal/config"
	"github.com/redes-chat/chatserver/internal/presence"
	"github.com/redes-chat/chatserver/internal/server"
	"github.com/redes-chat/chatserver/internal/store"
	"github.com/redes-chat/chatserver/internal/store/memory"
	"github.com/redes-chat/chatserver/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	addr := flag.String("addr", "", "Address to listen on for both TCP and WebSocket (e.g., :8080)")
	flag.Parse()

	bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	logger := newLogger(cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
	logger.Info().Msg("server exited")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "chatserver").Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var observer chat.PresenceObserver
	var mirror *presence.Redis
	if cfg.Presence.RedisAddr != "" {
		mirror, err = presence.NewRedis(ctx, presence.Config{
			Addr:     cfg.Presence.RedisAddr,
			Password: cfg.Presence.RedisPassword,
			DB:       cfg.Presence.RedisDB,
			TTL:      cfg.Presence.TTL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to presence cache: %w", err)
		}
		defer mirror.Close()
		observer = mirror
		logger.Info().Str("addr", cfg.Presence.RedisAddr).Msg("presence mirror enabled")
	}

	policy, err := chat.ParseUnknownTypePolicy(cfg.Protocol.UnknownTypes)
	if err != nil {
		return err
	}

	registry := chat.NewRegistry(observer)
	fanout := chat.NewFanout(registry, logger)
	authSvc := auth.NewService(st, auth.NewBcryptHasher(cfg.Auth.BcryptCost))
	router := chat.NewRouter(st, authSvc, registry, fanout, chat.Options{
		UnknownTypes: policy,
		HistoryLimit: cfg.Protocol.HistoryLimit,
	}, logger)

	srv := server.NewUnifiedServer(server.Config{
		Addr:          cfg.ListenAddr,
		MaxFrameBytes: cfg.Protocol.MaxFrameBytes,
		SendQueueSize: cfg.Protocol.SendQueueSize,
	}, router, registry, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if mirror != nil {
		g.Go(func() error {
			return mirror.Keepalive(gctx, 0, registry)
		})
	}

	logger.Info().
		Str("addr", cfg.ListenAddr).
		Str("store", cfg.Store.Driver).
		Str("unknown_types", string(policy)).
		Msg("accepting TCP socket and WebSocket connections")

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		logger.Info().Msg("using postgres store")
		return st, nil
	default:
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
}
