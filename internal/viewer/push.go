package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"streamrelay/internal/fanout"
	"streamrelay/internal/health"
	"streamrelay/internal/observability/logging"
)

const (
	defaultDialTimeout = 5 * time.Second
	// A connection that stayed up this long resets the redial backoff.
	stableConnection = 30 * time.Second
)

// ConnSink writes raw chunks to a stream connection. A background reader
// discards anything the peer sends and reports when it hangs up.
type ConnSink struct {
	conn      net.Conn
	transport string

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// NewConnSink wraps conn and starts watching it for disconnects.
func NewConnSink(conn net.Conn, transport string) *ConnSink {
	if transport == "" {
		transport = "tcp"
	}
	s := &ConnSink{conn: conn, transport: transport, closed: make(chan struct{})}
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		s.Close()
	}()
	return s
}

func (s *ConnSink) Send(ctx context.Context, data []byte) error {
	select {
	case <-s.closed:
		return fanout.ErrSinkClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(writeDeadline(ctx.Deadline()))
	if _, err := s.conn.Write(data); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
			s.Close()
			return fmt.Errorf("%w: %w", fanout.ErrSinkClosed, err)
		}
		return err
	}
	return nil
}

func (s *ConnSink) Closed() <-chan struct{} { return s.closed }
func (s *ConnSink) Transport() string       { return s.transport }

// Close closes the connection. It is idempotent.
func (s *ConnSink) Close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// PushConfig configures outbound TCP push targets.
type PushConfig struct {
	Relay       Subscriber
	Targets     []string
	DialTimeout time.Duration
	// Backoff spaces redials. MaxAttempts is ignored; targets are redialled
	// until the context ends.
	Backoff health.RetryPolicy
	Logger  *slog.Logger
}

// PushManager keeps a subscriber connected to every push target.
type PushManager struct {
	relay   Subscriber
	targets []string
	dialer  net.Dialer
	backoff health.RetryPolicy
	logger  *slog.Logger
}

// NewPushManager validates cfg and builds a manager.
func NewPushManager(cfg PushConfig) (*PushManager, error) {
	if cfg.Relay == nil {
		return nil, errors.New("push: relay is required")
	}
	for _, target := range cfg.Targets {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return nil, fmt.Errorf("push: invalid target %q: %w", target, err)
		}
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	backoff := cfg.Backoff
	if backoff.InitialBackoff <= 0 {
		backoff.InitialBackoff = health.DefaultInitialBackoff
	}
	if backoff.MaxBackoff < backoff.InitialBackoff {
		backoff.MaxBackoff = health.DefaultMaxBackoff
		if backoff.MaxBackoff < backoff.InitialBackoff {
			backoff.MaxBackoff = backoff.InitialBackoff
		}
	}
	return &PushManager{
		relay:   cfg.Relay,
		targets: append([]string(nil), cfg.Targets...),
		dialer:  net.Dialer{Timeout: timeout},
		backoff: backoff,
		logger:  logging.WithComponent(cfg.Logger, "push"),
	}, nil
}

// Run serves every target until ctx is cancelled.
func (m *PushManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, target := range m.targets {
		g.Go(func() error {
			m.serveTarget(ctx, target)
			return nil
		})
	}
	return g.Wait()
}

func (m *PushManager) serveTarget(ctx context.Context, target string) {
	logger := m.logger.With("target", target)
	attempt := 0
	for {
		started := time.Now()
		err := m.pushOnce(ctx, target, logger)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= stableConnection {
			attempt = 0
		}
		attempt++
		delay := m.backoff.Backoff(attempt)
		logger.Warn("push target disconnected", "error", err, "attempt", attempt, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pushOnce dials target and keeps it subscribed until it drops.
func (m *PushManager) pushOnce(ctx context.Context, target string, logger *slog.Logger) error {
	conn, err := m.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	sink := NewConnSink(conn, "tcp")
	defer sink.Close()

	id, err := m.relay.Subscribe(sink, target)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	logger.Info("push target connected", "subscriber_id", id)

	select {
	case <-ctx.Done():
	case <-sink.Closed():
	}
	sink.Close()
	m.relay.Unsubscribe(id)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("connection closed")
}
