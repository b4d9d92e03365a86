// Command relay supervises one ffmpeg transcoder and fans its output out to
// WebSocket, WebRTC and TCP push viewers.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamrelay/internal/config"
	"streamrelay/internal/events"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/relay"
	"streamrelay/internal/server"
	"streamrelay/internal/transcoder"
	"streamrelay/internal/viewer"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitUnavailable = 3

	eventLogBuffer = 64
	closeTimeout   = 5 * time.Second
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	if len(args) > 0 && args[0] == "hash-admin-token" {
		return hashAdminToken(args[1:], os.Stdin, os.Stdout, os.Stderr)
	}
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		config.Usage(os.Stdout)
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n\n", err)
		config.Usage(os.Stderr)
		return exitUsage
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, logger)
	code := exitCode(err)
	switch code {
	case exitOK:
		logger.Info("relay stopped")
	case exitUnavailable:
		logger.Error("source unavailable, retry budget exhausted", "error", err)
	default:
		logger.Error("relay failed", "error", err)
	}
	return code
}

// hashAdminToken prints the digest form of a token for -admin-token-hash.
// The token is read from stdin unless given as the only argument.
func hashAdminToken(args []string, in io.Reader, out, errOut io.Writer) int {
	var token string
	switch len(args) {
	case 0:
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			fmt.Fprintf(errOut, "relay: read token: %v\n", err)
			return exitFailure
		}
		token = line
	case 1:
		token = args[0]
	default:
		fmt.Fprintln(errOut, "usage: relay hash-admin-token [token]")
		return exitUsage
	}
	hash, err := server.HashAdminToken(token)
	if err != nil {
		fmt.Fprintf(errOut, "relay: %v\n", err)
		return exitUsage
	}
	fmt.Fprintln(out, hash)
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.Is(err, relay.ErrSessionUnavailable):
		return exitUnavailable
	default:
		return exitFailure
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.New()
	metrics.SetDefault(recorder)

	sinks, err := openEventSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sinks.close(logger)

	memory := events.NewMemoryPublisher(eventLogBuffer)
	dispatcher := events.NewDispatcher(events.DispatcherConfig{
		Publishers: append([]events.Publisher{memory}, sinks.publishers...),
		Logger:     logging.WithComponent(logger, "events"),
		Metrics:    recorder,
	})
	go dispatcher.Run(context.Background())
	defer func() {
		dispatcher.Close()
		<-dispatcher.Done()
	}()

	engine := relay.New(relay.Config{
		Transcoder:       cfg.Transcoder,
		ChunkSize:        cfg.ChunkSize,
		GracefulStop:     cfg.GracefulStop,
		TickInterval:     cfg.TickInterval,
		StallThreshold:   cfg.StallThreshold,
		Retry:            cfg.Retry,
		QueueSize:        cfg.QueueSize,
		SendTimeout:      cfg.SendTimeout,
		AutoStart:        cfg.AutoStart,
		IdleStop:         cfg.IdleStop,
		StatsLogInterval: cfg.StatsLogInterval,
		Supervisor: transcoder.NewSupervisor(transcoder.SupervisorConfig{
			Logger:  logger,
			Metrics: recorder,
		}),
		Logger:  logger,
		Metrics: recorder,
		Events:  dispatcher,
	})

	corsCfg := server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}
	checkOrigin, err := server.OriginChecker(corsCfg)
	if err != nil {
		return fmt.Errorf("allowed origins: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:            cfg.Addr,
		TLS:             cfg.TLS,
		ShutdownTimeout: cfg.ShutdownTimeout,
		AdminToken:      cfg.AdminToken,
		AdminTokenHash:  cfg.AdminTokenHash,
		CORS:            corsCfg,
		RateLimit:       rateLimitConfig(cfg),
		Logger:          logger,
		Metrics:         recorder,
		Relay:           engine,
		WebSocket: viewer.NewWebSocketHandler(viewer.WebSocketConfig{
			Relay:        engine,
			Logger:       logger,
			PingInterval: cfg.PingInterval,
			CheckOrigin:  checkOrigin,
		}),
		WebRTC: viewer.NewWebRTCHandler(viewer.WebRTCConfig{
			Relay:      engine,
			Logger:     logger,
			ICEServers: cfg.ICEServers,
		}),
	})
	if err != nil {
		return fmt.Errorf("configure http server: %w", err)
	}

	var push *viewer.PushManager
	if len(cfg.PushTargets) > 0 {
		push, err = viewer.NewPushManager(viewer.PushConfig{
			Relay:   engine,
			Targets: cfg.PushTargets,
			Backoff: cfg.Retry,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
	}

	logStartup(logger, cfg, len(sinks.publishers))

	sub := memory.Subscribe()
	defer sub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The engine ending for any reason takes the listener down with it.
		err := engine.Run(gctx)
		if err == nil {
			err = context.Canceled
		}
		return err
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if push != nil {
		g.Go(func() error {
			return push.Run(gctx)
		})
	}
	g.Go(func() error {
		logEvents(gctx, sub, logging.WithComponent(logger, "audit"))
		return nil
	})
	return g.Wait()
}

// logStartup records the effective configuration without source credentials.
func logStartup(logger *slog.Logger, cfg config.Config, eventSinks int) {
	logger.Info("relay starting",
		"addr", cfg.Addr,
		"source", transcoder.RedactSource(cfg.Transcoder.Source),
		"container", cfg.Transcoder.Profile.Container,
		"resolution", fmt.Sprintf("%dx%d", cfg.Transcoder.Profile.Width, cfg.Transcoder.Profile.Height),
		"push_targets", len(cfg.PushTargets),
		"event_sinks", eventSinks,
	)
}

func rateLimitConfig(cfg config.Config) server.RateLimitConfig {
	rl := cfg.RateLimit
	if rl.RedisAddr == "" && rl.ConnectLimit > 0 {
		rl.RedisAddr = cfg.Redis.Addr
		rl.RedisPassword = cfg.Redis.Password
	}
	return rl
}

func logEvents(ctx context.Context, sub events.Subscription, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			attrs := []any{"type", event.Type, "event_id", event.ID}
			if event.SessionID != "" {
				attrs = append(attrs, "session_id", event.SessionID)
			}
			if event.SubscriberID != "" {
				attrs = append(attrs, "subscriber_id", event.SubscriberID, "transport", event.Transport)
			}
			if event.ExitCode != nil {
				attrs = append(attrs, "exit_code", *event.ExitCode)
			}
			if event.Detail != "" {
				attrs = append(attrs, "detail", event.Detail)
			}
			logger.Info("relay event", attrs...)
		}
	}
}

type eventSinks struct {
	publishers []events.Publisher
	redis      *events.RedisPublisher
	journal    *events.PostgresJournal
}

func openEventSinks(ctx context.Context, cfg config.Config, logger *slog.Logger) (*eventSinks, error) {
	sinks := &eventSinks{}
	if cfg.Redis.Addr != "" {
		publisher, err := events.NewRedisPublisher(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis events: %w", err)
		}
		sinks.redis = publisher
		sinks.publishers = append(sinks.publishers, publisher)
		logger.Info("exporting events to redis", "addr", cfg.Redis.Addr, "stream", publisher.Stream())
	}
	if cfg.Postgres.DSN != "" {
		journal, err := events.NewPostgresJournal(ctx, cfg.Postgres)
		if err != nil {
			sinks.close(logger)
			return nil, fmt.Errorf("postgres events: %w", err)
		}
		sinks.journal = journal
		schemaCtx, cancel := context.WithTimeout(ctx, closeTimeout)
		err = journal.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			sinks.close(logger)
			return nil, fmt.Errorf("postgres events: %w", err)
		}
		sinks.publishers = append(sinks.publishers, journal)
		logger.Info("journaling events to postgres")
	}
	return sinks, nil
}

func (s *eventSinks) close(logger *slog.Logger) {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warn("close redis events", "error", err)
		}
	}
	if s.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.journal.Close(ctx); err != nil {
			logger.Warn("close postgres events", "error", err)
		}
	}
}
