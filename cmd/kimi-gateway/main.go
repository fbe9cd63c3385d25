package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/namikmesic/kimi-gateway/internal/config"
	"github.com/namikmesic/kimi-gateway/internal/credential"
	"github.com/namikmesic/kimi-gateway/internal/jetstream"
	"github.com/namikmesic/kimi-gateway/internal/metrics"
	"github.com/namikmesic/kimi-gateway/internal/processor"
	"github.com/namikmesic/kimi-gateway/internal/proxy"
	"github.com/namikmesic/kimi-gateway/internal/storage"
	"github.com/namikmesic/kimi-gateway/internal/tokens"
	"github.com/namikmesic/kimi-gateway/internal/upstream"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// Without a database the registry lives in memory and turns are not
	// recorded.
	var (
		tokenStore   tokens.Store
		recorder     proxy.Recorder
		writer       *storage.BatchWriter
		natsServer   *jetstream.Server
		nc           *nats.Conn
		consumerDone = make(chan struct{})
	)
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.DatabaseURL != "" {
		pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		if err := storage.RunMigrations(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		tokenStore = storage.NewTokenStore(pool)

		natsServer, err = jetstream.NewServer(cfg.NATSStoreDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start embedded NATS")
		}
		nc, err = natsServer.Connect()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to embedded NATS")
		}

		js, err := nc.JetStream()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get JetStream context")
		}
		if err := jetstream.EnsureStream(js); err != nil {
			log.Fatal().Err(err).Msg("failed to create JetStream stream")
		}

		writer = storage.NewBatchWriter(pool, cfg.WriterBufferSize, cfg.WriterBatchSize, cfg.WriterFlushMs)
		m.RegisterGauge("write_queue_dropped", "Write jobs dropped because the queue was full.", func() float64 {
			return float64(writer.Dropped())
		})
		m.RegisterGauge("write_jobs_failed", "Write jobs that failed to execute.", func() float64 {
			return float64(writer.Failed())
		})

		proc := processor.New(writer)
		go func() {
			defer close(consumerDone)
			if err := proc.StartConsumer(consumerCtx, js); err != nil {
				log.Error().Err(err).Msg("turn consumer stopped")
			}
		}()
		recorder = processor.NewPublisher(js)
	}

	registry := tokens.NewRegistry(tokenStore)
	cleanup := tokens.NewCleanupScheduler(registry, cfg.TokenCleanupSchedule)
	if err := cleanup.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule token cleanup")
	}
	defer cleanup.Stop()

	credentials := credential.NewPool(registry, cfg.RefreshTokens)
	m.RegisterGauge("refresh_tokens", "Refresh tokens currently available for rotation.", func() float64 {
		return float64(credentials.Size(context.Background()))
	})

	client, err := upstream.NewClient(cfg.UpstreamBaseURL, limitsOf(cfg.LiveSettings()))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid upstream base URL")
	}

	var accessStore credential.Store
	if cfg.RedisURL != "" {
		rs, err := credential.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rs.Close()
		accessStore = rs
	}
	accessTokens := credential.NewCache(client, accessStore, cfg.AccessTokenTTL)
	accessTokens.OnFetch = m.TokenRefresh

	live := config.NewLive(cfg.LiveSettings())
	live.Subscribe(func(old, cur config.Settings) {
		if limitsOf(old) != limitsOf(cur) {
			client.SetLimits(limitsOf(cur))
			log.Info().
				Int("max_connections", cur.MaxConnections).
				Int("max_keepalive_connections", cur.MaxKeepaliveConnections).
				Dur("keepalive_expiry", cur.KeepaliveExpiry).
				Msg("upstream connection limits updated")
		}
		if old.Host != cur.Host || old.Port != cur.Port {
			log.Warn().Str("host", cur.Host).Int("port", cur.Port).Msg("listen address change takes effect on restart")
		}
	})

	if cfg.ConfigFile != "" {
		if _, err := config.ApplyOverlay(cfg.ConfigFile, live); err != nil {
			log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("failed to apply config file")
		}
		go func() {
			if err := config.WatchOverlay(ctx, cfg.ConfigFile, live); err != nil {
				log.Error().Err(err).Str("path", cfg.ConfigFile).Msg("config file watch stopped")
			}
		}()
	}

	session := upstream.NewSession(client, accessTokens, cfg.MaxTurnBytes)
	chat := proxy.NewHandler(credentials, session, m, recorder, cfg.RequestTimeout)

	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: proxy.NewRouter(proxy.Deps{
			Chat:           chat,
			Registry:       registry,
			Live:           live,
			Metrics:        m,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Str("upstream", cfg.UpstreamBaseURL).
			Bool("recording", recorder != nil).
			Msg("kimi gateway started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// The consumer stops feeding the writer before the writer closes.
	consumerCancel()
	if natsServer != nil {
		<-consumerDone
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("nats drain")
		}
		natsServer.Shutdown()
	}
	if writer != nil {
		writer.Shutdown()
	}
	log.Info().Msg("shutdown complete")
}

func limitsOf(s config.Settings) upstream.Limits {
	return upstream.Limits{
		MaxConns:    s.MaxConnections,
		MaxIdle:     s.MaxKeepaliveConnections,
		IdleTimeout: s.KeepaliveExpiry,
	}
}
