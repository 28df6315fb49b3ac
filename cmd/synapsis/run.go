package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"synapsis/internal/adapter/gateway"
	"synapsis/internal/adapter/phoenix"
	"synapsis/internal/domain"
	"synapsis/internal/infra/config"
	"synapsis/internal/infra/logger"
	"synapsis/internal/infra/middleware"
	"synapsis/internal/infra/tracer"
	"synapsis/internal/usecase/chat"
	"synapsis/internal/usecase/eventbus"
)

const shutdownTimeout = 10 * time.Second

// app holds the running components. Nil fields are disabled.
type app struct {
	bus      *eventbus.Bus
	socket   *phoenix.Socket
	sessions *chat.Manager
	gateway  *gateway.Server
	metrics  *gateway.Metrics
	log      *slog.Logger
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	a, err := start(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.stop(shutdownCtx)
	}()

	log.Info("synapsis started",
		"version", version,
		"offline", cfg.Channel.Offline(),
		"sessions", len(a.sessions.List()),
		"gateway", cfg.Gateway.Enabled,
	)
	return a.wait(ctx)
}

// start builds and starts every configured component.
func start(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{log: log}
	a.bus = eventbus.New(log, eventbus.WithBufferSize(cfg.Session.QueueSize))

	var channels domain.ChannelFactory
	if !cfg.Channel.Offline() {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Channel.JoinTimeout)
		sock, err := phoenix.Dial(dialCtx, cfg.Channel.URL, phoenix.Options{
			Token:             cfg.Channel.Token,
			Params:            cfg.Channel.Params,
			HeartbeatInterval: cfg.Channel.HeartbeatInterval,
			SendBuffer:        cfg.Channel.SendBuffer,
			Logger:            log,
		})
		cancel()
		if err != nil {
			a.bus.Close()
			return nil, fmt.Errorf("channel: %w", err)
		}
		a.socket = sock
		channels = sock
	}

	a.sessions = chat.NewManager(chat.ManagerDeps{
		Channels:    channels,
		Bus:         a.bus,
		Logger:      log,
		QueueSize:   cfg.Session.QueueSize,
		PushTimeout: cfg.Channel.PushTimeout,
	})

	for _, id := range cfg.Session.IDs {
		joinCtx, cancel := context.WithTimeout(ctx, cfg.Channel.JoinTimeout)
		_, err := a.sessions.Open(joinCtx, id)
		cancel()
		if err != nil {
			a.stop(context.Background())
			return nil, fmt.Errorf("open session %q: %w", id, err)
		}
	}

	if cfg.Gateway.Enabled {
		a.gateway = newGateway(ctx, cfg, a, log)
		go func() {
			if err := a.gateway.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
	}
	return a, nil
}

func newGateway(ctx context.Context, cfg *config.Config, a *app, log *slog.Logger) *gateway.Server {
	entries := make([]gateway.TokenEntry, 0, len(cfg.Gateway.Auth.Tokens))
	for _, t := range cfg.Gateway.Auth.Tokens {
		entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name})
	}

	srv := gateway.NewServer(a.bus, gateway.NewStaticTokenAuth(entries), cfg.Gateway.Addr, log)
	srv.Use(middleware.SecurityHeaders)
	if rl := cfg.Gateway.RateLimit; rl.RequestsPerMin > 0 {
		limiter := middleware.NewLimiter(ctx, middleware.RateLimitConfig{
			RequestsPerMin: rl.RequestsPerMin,
			Burst:          rl.Burst,
			TrustedProxies: rl.TrustedProxies,
			Logger:         log,
		})
		srv.Use(limiter.Middleware)
	}

	deps := gateway.HandlerDeps{
		Sessions: a.sessions,
		Bus:      a.bus,
		Logger:   log,
		Version:  version,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	a.metrics = gateway.RegisterRESTHandlers(srv, deps)
	return srv
}

// wait blocks until ctx is cancelled or the agent socket drops.
func (a *app) wait(ctx context.Context) error {
	var socketDone <-chan struct{}
	if a.socket != nil {
		socketDone = a.socket.Done()
	}
	select {
	case <-ctx.Done():
		return nil
	case <-socketDone:
		if err := a.socket.Err(); err != nil {
			return fmt.Errorf("channel: %w", err)
		}
		return errors.New("channel: socket closed by server")
	}
}

// stop tears components down in reverse start order.
func (a *app) stop(ctx context.Context) {
	if a.gateway != nil {
		if err := a.gateway.Stop(ctx); err != nil {
			a.log.Warn("gateway stop", "error", err)
		}
	}
	if a.metrics != nil {
		a.metrics.Close()
	}
	if a.sessions != nil {
		if err := a.sessions.CloseAll(ctx); err != nil {
			a.log.Warn("close sessions", "error", err)
		}
	}
	if a.socket != nil {
		if err := a.socket.Close(); err != nil {
			a.log.Debug("socket close", "error", err)
		}
	}
	a.bus.Close()
}
