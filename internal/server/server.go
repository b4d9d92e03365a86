package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/relay"
)

// Controller is the relay surface served over HTTP.
type Controller interface {
	Snapshot() relay.Status
	Restart(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Config struct {
	Addr            string
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// AdminToken guards the restart and stop endpoints. Empty disables the
	// check. AdminTokenHash is the same guard given as a HashAdminToken
	// digest; set at most one of the two.
	AdminToken     string
	AdminTokenHash string
	CORS           CORSConfig
	RateLimit      RateLimitConfig
	Security       SecurityConfig
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	Relay          Controller
	WebSocket      http.Handler
	WebRTC         http.Handler
	// OnListen receives the bound address once the listener is up.
	OnListen func(addr net.Addr)
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	limiter         *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
	onListen        func(addr net.Addr)
}

func New(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errors.New("server: relay controller is required")
	}
	logger := logging.WithComponent(cfg.Logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	admin, err := newAdminCredential(cfg.AdminToken, cfg.AdminTokenHash)
	if err != nil {
		return nil, err
	}
	limiter := newRateLimiter(cfg.RateLimit)

	h := &handlers{relay: cfg.Relay, admin: admin, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/v1/stats", h.stats)
	mux.HandleFunc("/v1/relay/restart", h.restart)
	mux.HandleFunc("/v1/relay/stop", h.stop)
	if cfg.WebSocket != nil {
		mux.Handle("/ws/video", cfg.WebSocket)
	}
	if cfg.WebRTC != nil {
		mux.Handle("/v1/webrtc/offer", cfg.WebRTC)
	}

	chain := http.Handler(mux)
	chain = rateLimitMiddleware(limiter, logger, chain)
	chain = corsMiddleware(policy, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:     logger,
		QuietPaths: []string{"/healthz", "/metrics"},
	})(chain)
	chain = requestIDMiddleware(chain)

	// No WriteTimeout: viewer streams are long lived and set their own
	// per-write deadlines.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	tlsCfg := TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)}

	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		limiter:         limiter,
		tls:             tlsCfg,
		shutdownTimeout: cfg.ShutdownTimeout,
		onListen:        cfg.OnListen,
	}, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.limiter.Close()
	return Run(ctx, RunConfig{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		OnListen: func(addr net.Addr) {
			s.logger.Info("http server listening", "addr", addr.String(), "tls", s.tls.enabled())
			if s.onListen != nil {
				s.onListen(addr)
			}
		},
	})
}
