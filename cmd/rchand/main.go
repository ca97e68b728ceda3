// Command rchand opens a channel on the configured store, logs every message
// it receives and holds a system session for the lifetime of the process.
//
// Configuration is read from the environment (optionally seeded from a .env
// file in the working directory):
//
//	RCHAN_CHANNEL        channel id to open (default "chan")
//	RCHAN_LOG_LEVEL      debug | info | warn | error (default info)
//	RCHAN_METRICS_ADDR   Prometheus listen address, empty to disable (default :9464)
//	RCHAN_SESSION_TTL    session expiry, at least 2s (default 24h)
//	RCHAN_NODE_ID        session identity for this process (default random)
//	RCHAN_REDIS_*        see kv.Config
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ggoodman/rchan/channel"
	"github.com/ggoodman/rchan/internal/logctx"
	"github.com/ggoodman/rchan/kv"
	kvredis "github.com/ggoodman/rchan/kv/redis"
	"github.com/ggoodman/rchan/metrics"
	"github.com/ggoodman/rchan/payload"
	"github.com/ggoodman/rchan/session"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type config struct {
	Channel     string        `env:"RCHAN_CHANNEL,default=chan"`
	LogLevel    string        `env:"RCHAN_LOG_LEVEL,default=info"`
	MetricsAddr string        `env:"RCHAN_METRICS_ADDR,default=:9464"`
	SessionTTL  time.Duration `env:"RCHAN_SESSION_TTL,default=24h"`
	NodeID      string        `env:"RCHAN_NODE_ID"`
	Redis       kv.Config
}

const (
	pingInitialInterval = 200 * time.Millisecond
	pingMaxInterval     = 5 * time.Second
	pingMaxElapsed      = time.Minute

	// minSessionTTL keeps the refresh interval (TTL/2) well above one
	// store round trip.
	minSessionTTL = 2 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "rchand:", err)
		os.Exit(1)
	}
}

func loadConfig() (config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return config{}, fmt.Errorf("decode env: %w", err)
	}
	cfg.Redis = kv.DefaultConfig().Merge(cfg.Redis)
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultTTL
	}
	if cfg.SessionTTL < minSessionTTL {
		return config{}, fmt.Errorf("RCHAN_SESSION_TTL %v is below the minimum of %v", cfg.SessionTTL, minSessionTTL)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return logctx.New(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// waitForStore pings until the store answers. This is the only retry loop in
// the process; the registry and session store surface failures directly.
func waitForStore(ctx context.Context, log *slog.Logger, cfg kv.Config) error {
	conn, err := kvredis.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	b := backoff.WithContext(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(pingInitialInterval),
			backoff.WithMaxInterval(pingMaxInterval),
			backoff.WithMaxElapsedTime(pingMaxElapsed),
		),
		ctx,
	)
	return backoff.RetryNotify(func() error { return conn.Ping(ctx) }, b, func(err error, d time.Duration) {
		log.WarnContext(ctx, "store.ping.retry", slog.String("err", err.Error()), slog.Duration("in", d))
	})
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("metrics.listen", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics.listen.fail", slog.String("err", err.Error()))
		}
	}()
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	promReg := prometheus.NewRegistry()
	m, err := metrics.New(promReg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, log, cfg.MetricsAddr, promReg)
	}

	if err := waitForStore(ctx, log, cfg.Redis); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	reg := channel.New(
		channel.WithDefaultConfig(cfg.Redis),
		channel.WithLogger(log),
		channel.WithMetrics(m),
		channel.WithSessionOptions(session.WithTTL(cfg.SessionTTL)),
	)
	defer func() {
		if err := reg.CloseAll(); err != nil {
			log.Error("channel.close_all.fail", slog.String("err", err.Error()))
		}
	}()

	ch, err := reg.Create(ctx, cfg.Channel)
	if err != nil {
		return err
	}

	if err := ch.Subscribe(ctx, func(ctx context.Context, id string, p payload.Payload) {
		if p.Kind == payload.Parsed {
			log.InfoContext(ctx, "channel.message", slog.Any("payload", p.Value))
			return
		}
		log.InfoContext(ctx, "channel.message", slog.String("text", p.Text))
	}); err != nil {
		return err
	}
	log.Info("channel.subscribed", slog.String("channel", cfg.Channel))

	if err := holdSession(ctx, log, ch.Sessions, cfg); err != nil {
		return err
	}
	return nil
}

// holdSession claims the node's system session, refreshes it at half the TTL
// and removes it on shutdown.
func holdSession(ctx context.Context, log *slog.Logger, store *session.Store, cfg config) error {
	sctx := logctx.WithSessionData(ctx, &logctx.SessionData{Category: session.CategorySystem.String(), Identity: cfg.NodeID})
	claim, err := store.ClaimRecord(ctx, session.SystemMeta{
		ID:          cfg.NodeID,
		State:       "online",
		ConnectedAt: time.Now(),
		Node:        cfg.NodeID,
	})
	if err != nil {
		return err
	}
	if !claim.Accepted {
		return fmt.Errorf("session %s held by %q", cfg.NodeID, claim.Owner())
	}
	log.InfoContext(sctx, "session.claimed")

	defer func() {
		if _, err := store.Remove(context.WithoutCancel(ctx), session.CategorySystem, cfg.NodeID); err != nil {
			log.WarnContext(sctx, "session.remove.fail", slog.String("err", err.Error()))
		}
	}()

	t := time.NewTicker(cfg.SessionTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			ok, err := store.Refresh(ctx, session.CategorySystem, cfg.NodeID, time.Time{})
			if err != nil {
				log.WarnContext(sctx, "session.refresh.fail", slog.String("err", err.Error()))
				continue
			}
			if !ok {
				log.WarnContext(sctx, "session.refresh.missing")
			}
		}
	}
}
