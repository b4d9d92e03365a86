// Package transcoder supervises the external encoder process that produces
// the relayed byte stream.
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
)

var (
	// ErrSpawnFailed wraps launch failures.
	ErrSpawnFailed = errors.New("transcoder: spawn failed")
	// ErrSessionActive is returned by Start while another session is alive.
	ErrSessionActive = errors.New("transcoder: session already active")
	// ErrStopTimeout is returned by Stop when a killed process is never reaped.
	ErrStopTimeout = errors.New("transcoder: process not reaped after kill")
)

const (
	maxStderrLine = 64 * 1024
	stderrGrace   = 2 * time.Second
	reapTimeout   = 5 * time.Second
)

// SupervisorConfig wires a Supervisor's collaborators.
type SupervisorConfig struct {
	Launcher Launcher
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Supervisor owns transcoder sessions. At most one session is alive at a time.
type Supervisor struct {
	launcher Launcher
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	// reapWait bounds how long Stop waits for the process after a kill.
	reapWait time.Duration

	mu      sync.Mutex
	current *Session
}

// NewSupervisor constructs a Supervisor. A nil launcher runs ffmpeg via ExecLauncher.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	launcher := cfg.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Supervisor{
		launcher: launcher,
		logger:   logging.WithComponent(cfg.Logger, "supervisor"),
		metrics:  recorder,
		now:      time.Now,
		reapWait: reapTimeout,
	}
}

// Start launches a new session.
func (s *Supervisor) Start(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("transcoder: invalid config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.State() != StateExited {
		return nil, ErrSessionActive
	}

	sess := newSession(uuid.NewString(), cfg, s.now())
	proc, err := s.launcher.Launch(ctx, cfg)
	if err != nil {
		s.metrics.SessionStartFailed()
		s.logger.Error("transcoder launch failed", "session_id", sess.ID, "binary", cfg.binary(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	sess.proc = proc
	if err := sess.transition(StateRunning); err != nil {
		return nil, err
	}
	s.current = sess

	drained := make(chan struct{})
	go s.drainStderr(sess, drained)
	go s.reap(sess, drained)

	s.metrics.SessionStarted()
	s.logger.Info("transcoder started", "session_id", sess.ID, "pid", proc.Pid(), "source", RedactSource(cfg.Source))
	return sess, nil
}

// Current returns the most recently started session, nil before the first Start.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stop ends sess: it closes the data pipe, asks the process to terminate,
// waits up to graceful and then kills it. Stop returns once the process has
// been reaped and is safe to call repeatedly or after the process exited.
// A failed kill is returned immediately, and a process that is still not
// reaped shortly after the kill yields ErrStopTimeout.
func (s *Supervisor) Stop(sess *Session, graceful time.Duration) error {
	if sess == nil || sess.proc == nil {
		return nil
	}
	var err error
	sess.stopOnce.Do(func() {
		err = s.stop(sess, graceful)
	})
	if err != nil {
		return err
	}
	select {
	case <-sess.done:
		return nil
	default:
	}
	timer := time.NewTimer(s.reapWait)
	defer timer.Stop()
	select {
	case <-sess.done:
		return nil
	case <-timer.C:
		s.logger.Error("transcoder not reaped after kill", "session_id", sess.ID)
		return fmt.Errorf("%w: session %s", ErrStopTimeout, sess.ID)
	}
}

func (s *Supervisor) stop(sess *Session, graceful time.Duration) error {
	sess.mu.Lock()
	alive := sess.state != StateExited
	if alive {
		sess.planned = true
		sess.state = StateTerminating
	}
	sess.mu.Unlock()

	_ = sess.proc.Stdout().Close()
	if !alive {
		return nil
	}

	if err := sess.proc.Terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("terminate signal failed", "session_id", sess.ID, "error", err)
	}
	timer := time.NewTimer(graceful)
	defer timer.Stop()
	select {
	case <-sess.done:
		return nil
	case <-timer.C:
	}

	s.logger.Warn("transcoder ignored terminate, killing", "session_id", sess.ID, "graceful", graceful)
	if err := sess.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("transcoder: kill session %s: %w", sess.ID, err)
	}
	return nil
}

// IsAlive reports whether the session's process has not yet been reaped.
func (s *Supervisor) IsAlive(sess *Session) bool {
	if sess == nil {
		return false
	}
	return sess.State() != StateExited
}

// ExitInfo returns the exit code once the session has exited.
func (s *Supervisor) ExitInfo(sess *Session) (int, bool) {
	if sess == nil {
		return 0, false
	}
	return sess.exitInfo()
}

func (s *Supervisor) reap(sess *Session, drained <-chan struct{}) {
	code, err := sess.proc.Wait()
	planned := sess.Planned()
	s.metrics.SessionExited(planned)
	sess.markExited(code, err)

	attrs := []any{"session_id", sess.ID, "exit_code", code, "planned", planned, "uptime", s.now().Sub(sess.StartedAt).Round(time.Millisecond)}
	if err != nil && !planned {
		s.logger.Warn("transcoder exited", append(attrs, "error", err)...)
	} else {
		s.logger.Info("transcoder exited", attrs...)
	}

	// Orphaned children may keep the diagnostic pipe open.
	select {
	case <-drained:
	case <-time.After(stderrGrace):
		_ = sess.proc.Stderr().Close()
	}
}

func (s *Supervisor) drainStderr(sess *Session, drained chan<- struct{}) {
	defer close(drained)
	stderr := sess.proc.Stderr()
	defer stderr.Close()

	logger := s.logger.With("session_id", sess.ID, "stream", "stderr")
	decoded := transform.NewReader(stderr, unicode.UTF8.NewDecoder())
	scanner := bufio.NewScanner(decoded)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
	scanner.Split(scanTextLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Info("transcoder output", "line", line)
	}
	if err := scanner.Err(); err != nil {
		if !errors.Is(err, os.ErrClosed) {
			logger.Debug("stderr scan stopped", "error", err)
		}
		// Keep the pipe drained so the process never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, stderr)
	}
}

// scanTextLines splits on \n or \r; ffmpeg rewrites progress lines with \r.
func scanTextLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// RedactSource strips credentials from a source URL before it is logged.
func RedactSource(source string) string {
	scheme := strings.Index(source, "://")
	if scheme < 0 {
		return source
	}
	rest := source[scheme+3:]
	at := strings.Index(rest, "@")
	slash := strings.Index(rest, "/")
	if at < 0 || (slash >= 0 && slash < at) {
		return source
	}
	return source[:scheme+3] + "***@" + rest[at+1:]
}
