package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// TLSConfig names the PEM certificate and key served on the listener. The
// pair is re-read when either file changes, so renewed certificates apply to
// new connections without a restart.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool { return c.CertFile != "" }

func (c TLSConfig) validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	return nil
}

// RunConfig controls one HTTP server lifetime.
type RunConfig struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// OnListen is called with the bound address before serving starts.
	OnListen func(addr net.Addr)
}

// Run serves until ctx is cancelled or the listener fails. Cancellation
// triggers a graceful shutdown bounded by ShutdownTimeout. Hijacked viewer
// connections are not tracked by the server; their handlers close them when
// the relay stops.
func Run(ctx context.Context, cfg RunConfig) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if err := cfg.TLS.validate(); err != nil {
		return err
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	var reloader *keyPairReloader
	if cfg.TLS.enabled() {
		var err error
		if reloader, err = newKeyPairReloader(cfg.TLS); err != nil {
			return err
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	if reloader != nil {
		tlsCfg := cfg.Server.TLSConfig.Clone()
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.MinVersion == 0 {
			tlsCfg.MinVersion = tls.VersionTLS12
		}
		tlsCfg.GetCertificate = reloader.GetCertificate
		cfg.Server.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		// Stragglers past the deadline are cut off.
		_ = cfg.Server.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// keyPairReloader serves the configured certificate and reloads it when the
// files' modification times change.
type keyPairReloader struct {
	cfg TLSConfig

	mu       sync.Mutex
	cert     *tls.Certificate
	certMod  time.Time
	keyMod   time.Time
	lastStat time.Time
}

const certStatInterval = time.Second

func newKeyPairReloader(cfg TLSConfig) (*keyPairReloader, error) {
	r := &keyPairReloader{cfg: cfg}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *keyPairReloader) load() error {
	certMod, keyMod, err := r.modTimes()
	if err != nil {
		return err
	}
	cert, err := tls.LoadX509KeyPair(r.cfg.CertFile, r.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load TLS key pair: %w", err)
	}
	r.cert, r.certMod, r.keyMod = &cert, certMod, keyMod
	return nil
}

func (r *keyPairReloader) modTimes() (time.Time, time.Time, error) {
	certInfo, err := os.Stat(r.cfg.CertFile)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stat TLS cert: %w", err)
	}
	keyInfo, err := os.Stat(r.cfg.KeyFile)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("stat TLS key: %w", err)
	}
	return certInfo.ModTime(), keyInfo.ModTime(), nil
}

// GetCertificate implements tls.Config.GetCertificate. A failed reload keeps
// serving the previous pair.
func (r *keyPairReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.lastStat) < certStatInterval {
		return r.cert, nil
	}
	r.lastStat = now
	certMod, keyMod, err := r.modTimes()
	if err == nil && (!certMod.Equal(r.certMod) || !keyMod.Equal(r.keyMod)) {
		_ = r.load()
	}
	return r.cert, nil
}
