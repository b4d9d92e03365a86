// Package relay drives the transcoder → reader → broadcaster pipeline and
// recovers from stalls and crashes.
//
// All session state is owned by the goroutine running Engine.Run. Callers
// talk to it through commands; the read loop reports the end of a session
// with a message on the same loop.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"streamrelay/internal/events"
	"streamrelay/internal/fanout"
	"streamrelay/internal/framing"
	"streamrelay/internal/health"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/stream"
	"streamrelay/internal/transcoder"
)

var (
	// ErrSessionUnavailable is returned by Run once the retry budget is spent.
	ErrSessionUnavailable = health.ErrSessionUnavailable
	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("relay: engine stopped")
	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("relay: engine already running")
)

const (
	DefaultGracefulStop = 5 * time.Second
	DefaultTickInterval = time.Second
)

// State is the engine's externally visible condition.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateBackoff     State = "backoff"
	StateUnavailable State = "unavailable"
	StateStopped     State = "stopped"
)

// CommandKind enumerates the requests the control loop accepts.
type CommandKind int

const (
	CommandStart CommandKind = iota + 1
	CommandRestart
	CommandStop
)

func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "start"
	case CommandRestart:
		return "restart"
	case CommandStop:
		return "stop"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Supervisor is the subset of transcoder.Supervisor the engine needs.
type Supervisor interface {
	Start(ctx context.Context, cfg transcoder.Config) (*transcoder.Session, error)
	Stop(sess *transcoder.Session, graceful time.Duration) error
	ExitInfo(sess *transcoder.Session) (int, bool)
}

// Config tunes an Engine and wires its collaborators.
type Config struct {
	Transcoder     transcoder.Config
	ChunkSize      int
	GracefulStop   time.Duration
	TickInterval   time.Duration
	StallThreshold time.Duration
	Retry          health.RetryPolicy
	QueueSize      int
	SendTimeout    time.Duration
	// AutoStart launches the transcoder when Run begins and keeps it
	// running with or without viewers.
	AutoStart bool
	// IdleStop stops the transcoder after it has had no viewers for this
	// long. Zero keeps it running. Ignored with AutoStart.
	IdleStop time.Duration
	// StatsLogInterval enables a periodic throughput log line.
	StatsLogInterval time.Duration

	Supervisor Supervisor
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Events     events.Emitter
}

type command struct {
	kind   CommandKind
	reason string
	reply  chan error
}

type activeSession struct {
	sess      *transcoder.Session
	abandoned chan struct{}
	done      chan struct{}
}

type sessionEnded struct {
	active *activeSession
	err    error
	chunks uint64
}

// Engine relays one transcoder's output to every subscriber.
type Engine struct {
	cfg         Config
	supervisor  Supervisor
	broadcaster *fanout.Broadcaster
	monitor     *health.Monitor
	stats       *Stats
	logger      *slog.Logger
	metrics     *metrics.Recorder
	events      events.Emitter

	commands chan command
	ended    chan sessionEnded
	quit     chan struct{}
	running  atomic.Bool

	stateMu sync.RWMutex
	state   State
	session string

	// viewersMu orders gauge updates with the count handed to the monitor.
	viewersMu sync.Mutex

	// Owned by the Run goroutine.
	active    *activeSession
	retry     *time.Timer
	retryC    <-chan time.Time
	idleSince time.Time
	fatal     error
}

// New constructs an Engine. A nil Supervisor runs ffmpeg through
// transcoder.ExecLauncher.
func New(cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = stream.DefaultChunkSize
	}
	if cfg.GracefulStop <= 0 {
		cfg.GracefulStop = DefaultGracefulStop
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	emitter := cfg.Events
	if emitter == nil {
		emitter = events.Discard
	}
	supervisor := cfg.Supervisor
	if supervisor == nil {
		supervisor = transcoder.NewSupervisor(transcoder.SupervisorConfig{Logger: cfg.Logger, Metrics: recorder})
	}

	e := &Engine{
		cfg:        cfg,
		supervisor: supervisor,
		monitor: health.NewMonitor(health.Config{
			StallThreshold: cfg.StallThreshold,
			Retry:          cfg.Retry,
			AlwaysOn:       cfg.AutoStart,
		}),
		stats:    &Stats{},
		logger:   logging.WithComponent(cfg.Logger, "engine"),
		metrics:  recorder,
		events:   emitter,
		commands: make(chan command, 8),
		ended:    make(chan sessionEnded),
		quit:     make(chan struct{}),
		state:    StateIdle,
	}
	e.broadcaster = fanout.New(fanout.Config{
		QueueSize:   cfg.QueueSize,
		SendTimeout: cfg.SendTimeout,
		Logger:      cfg.Logger,
		OnSubscribe: e.onSubscribe,
		OnRemove:    e.onRemove,
		OnDelivered: e.onDelivered,
	})
	return e
}

// Run drives the engine until ctx is cancelled or the retry budget is
// exhausted. It stops the transcoder and disconnects every subscriber
// before returning.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.quit)

	e.stats.Reset()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	var statsLog <-chan time.Time
	if e.cfg.StatsLogInterval > 0 {
		statsTicker := time.NewTicker(e.cfg.StatsLogInterval)
		defer statsTicker.Stop()
		statsLog = statsTicker.C
	}

	e.logger.Info("relay engine started", "auto_start", e.cfg.AutoStart, "chunk_size", e.cfg.ChunkSize, "tick", e.cfg.TickInterval)
	if e.cfg.AutoStart || e.broadcaster.Len() > 0 {
		e.startSession(ctx)
	}

	for e.fatal == nil {
		select {
		case <-ctx.Done():
			e.shutdown(StateStopped)
			return nil
		case cmd := <-e.commands:
			err := e.handle(ctx, cmd)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		case msg := <-e.ended:
			e.onSessionEnded(msg)
		case now := <-ticker.C:
			e.onTick(now)
		case <-e.retryC:
			e.retry, e.retryC = nil, nil
			e.startSession(ctx)
		case <-statsLog:
			e.logStats()
		}
	}
	e.shutdown(StateUnavailable)
	return e.fatal
}

// Subscribe adds a viewer sink and makes sure a session is running for it.
func (e *Engine) Subscribe(sink fanout.Sink, remote string) (string, error) {
	id, err := e.broadcaster.Subscribe(sink, remote)
	if err != nil {
		return "", err
	}
	select {
	case e.commands <- command{kind: CommandStart, reason: "subscriber"}:
	default:
	}
	return id, nil
}

// Unsubscribe removes a viewer sink. The transcoder keeps running.
func (e *Engine) Unsubscribe(id string) bool {
	return e.broadcaster.Unsubscribe(id)
}

// Restart stops the current session, clears the failure budget and starts a
// fresh session.
func (e *Engine) Restart(ctx context.Context) error {
	return e.send(ctx, CommandRestart, "manual")
}

// Stop ends the current session without scheduling another one. A later
// subscriber starts a new session.
func (e *Engine) Stop(ctx context.Context) error {
	return e.send(ctx, CommandStop, "manual")
}

func (e *Engine) send(ctx context.Context, kind CommandKind, reason string) error {
	cmd := command{kind: kind, reason: reason, reply: make(chan error, 1)}
	select {
	case e.commands <- cmd:
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the engine state.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Stats returns the relay counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// Subscribers lists the current viewers.
func (e *Engine) Subscribers() []fanout.SubscriberInfo {
	return e.broadcaster.Subscribers()
}

// Status is the view served by the stats endpoint.
type Status struct {
	State       State                   `json:"state"`
	SessionID   string                  `json:"sessionId,omitempty"`
	Health      health.Snapshot         `json:"health"`
	Stats       StatsSnapshot           `json:"stats"`
	Subscribers []fanout.SubscriberInfo `json:"subscribers"`
}

// Snapshot returns the engine state, health view, counters and subscribers.
func (e *Engine) Snapshot() Status {
	e.stateMu.RLock()
	state, session := e.state, e.session
	e.stateMu.RUnlock()
	return Status{
		State:       state,
		SessionID:   session,
		Health:      e.monitor.Snapshot(),
		Stats:       e.stats.Snapshot(),
		Subscribers: e.broadcaster.Subscribers(),
	}
}

func (e *Engine) setState(state State, sessionID string) {
	e.stateMu.Lock()
	changed := e.state != state
	e.state = state
	e.session = sessionID
	e.stateMu.Unlock()
	e.metrics.SetRelayState(string(state))
	if changed {
		e.logger.Debug("relay state changed", "state", state, "session_id", sessionID)
	}
}

func (e *Engine) handle(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case CommandStart:
		if e.active != nil || e.retryC != nil {
			return nil
		}
		e.startSession(ctx)
		return nil
	case CommandRestart:
		e.logger.Info("restart requested", "reason", cmd.reason)
		e.cancelRetry()
		e.stopActive()
		e.monitor.ResetFailures()
		e.metrics.RestartScheduled(cmd.reason)
		e.stats.restarts.Add(1)
		e.startSession(ctx)
		return nil
	case CommandStop:
		e.logger.Info("stop requested", "reason", cmd.reason)
		e.cancelRetry()
		e.stopActive()
		e.setState(StateIdle, "")
		return nil
	default:
		return fmt.Errorf("relay: unknown command %s", cmd.kind)
	}
}

func (e *Engine) startSession(ctx context.Context) {
	e.setState(StateStarting, "")
	sess, err := e.supervisor.Start(ctx, e.cfg.Transcoder)
	if err != nil {
		evt := events.New(events.TypeSessionStartFailed)
		evt.Detail = err.Error()
		e.events.Emit(evt)
		e.logger.Error("transcoder start failed", "error", err)
		e.scheduleRetry("start_failed")
		return
	}

	active := &activeSession{sess: sess, abandoned: make(chan struct{}), done: make(chan struct{})}
	e.active = active
	e.idleSince = time.Time{}
	e.stats.resetSession()
	e.stats.sessions.Add(1)
	e.monitor.SessionStarted(sess.ID, sess.StartedAt)
	e.adjustViewers(0)
	go e.readLoop(active)

	e.setState(StateRunning, sess.ID)
	evt := events.New(events.TypeSessionStarted)
	evt.SessionID = sess.ID
	e.events.Emit(evt)
}

// readLoop drains the session's data pipe until it closes.
func (e *Engine) readLoop(active *activeSession) {
	defer close(active.done)
	sess := active.sess
	reader := stream.NewReader(sess.Stdout(), sess.ID)
	for {
		chunk, err := reader.Next(e.cfg.ChunkSize)
		if err != nil {
			select {
			case e.ended <- sessionEnded{active: active, err: err, chunks: reader.Count()}:
			case <-active.abandoned:
			}
			return
		}
		frame := framing.Inspect(chunk.Data)
		e.stats.ObserveChunk(chunk.Len(), frame)
		e.metrics.ObserveChunk(chunk.Len(), frame.ContinuityErrors)
		sess.MarkChunk(chunk.ArrivedAt)
		e.monitor.Observe(chunk.ArrivedAt)
		e.broadcaster.Publish(chunk)
	}
}

func (e *Engine) onSessionEnded(msg sessionEnded) {
	if msg.active != e.active {
		return
	}
	sess := msg.active.sess
	e.active = nil
	// Give the process a chance to exit on its own so the exit is not
	// mistaken for a requested stop.
	timer := time.NewTimer(e.cfg.GracefulStop)
	select {
	case <-sess.Done():
	case <-timer.C:
	}
	timer.Stop()
	planned := sess.Planned()
	if err := e.supervisor.Stop(sess, e.cfg.GracefulStop); err != nil {
		e.logger.Warn("transcoder stop failed", "session_id", sess.ID, "error", err)
	}
	<-msg.active.done

	code, _ := e.supervisor.ExitInfo(sess)
	e.monitor.ObserveProcessState(health.Status{
		SessionID: sess.ID,
		State:     transcoder.StateExited,
		ExitCode:  code,
		Planned:   planned,
	})

	attrs := []any{"session_id", sess.ID, "exit_code", code, "chunks", msg.chunks}
	if errors.Is(msg.err, stream.ErrIO) {
		e.logger.Warn("transcoder output failed", append(attrs, "error", msg.err)...)
	} else {
		e.logger.Info("transcoder output ended", attrs...)
	}
	evt := events.New(events.TypeSessionExited).WithExitCode(code)
	evt.SessionID = sess.ID
	if msg.err != nil {
		evt.Detail = msg.err.Error()
	}
	e.events.Emit(evt)

	if _, ok := e.monitor.Tick(time.Now()); ok {
		e.scheduleRetry(string(health.TriggerExit))
		return
	}
	e.setState(StateIdle, "")
}

func (e *Engine) onTick(now time.Time) {
	e.stats.sample(now, e.active != nil)
	if e.active == nil {
		return
	}
	viewers := e.adjustViewers(0)

	if e.cfg.IdleStop > 0 && !e.cfg.AutoStart {
		switch {
		case viewers > 0:
			e.idleSince = time.Time{}
		case e.idleSince.IsZero():
			e.idleSince = now
		case now.Sub(e.idleSince) >= e.cfg.IdleStop:
			e.logger.Info("no viewers, stopping transcoder", "idle", now.Sub(e.idleSince).Round(time.Second))
			e.stopActive()
			e.setState(StateIdle, "")
			return
		}
	}

	action, ok := e.monitor.Tick(now)
	if !ok || action.Trigger != health.TriggerStall {
		return
	}
	sess := e.active.sess
	if err := sess.MarkStalled(); err != nil {
		e.logger.Debug("mark stalled", "error", err)
	}
	e.metrics.SessionStalled()
	e.logger.Warn("transcoder stalled", "session_id", sess.ID, "idle", action.Idle.Round(time.Millisecond))
	evt := events.New(events.TypeSessionStalled)
	evt.SessionID = sess.ID
	evt.Detail = fmt.Sprintf("no output for %s", action.Idle.Round(time.Millisecond))
	e.events.Emit(evt)

	e.stopActive()
	e.scheduleRetry(string(health.TriggerStall))
}

// stopActive stops the current session and waits for its read loop to exit.
func (e *Engine) stopActive() {
	active := e.active
	if active == nil {
		return
	}
	e.active = nil
	close(active.abandoned)
	if err := e.supervisor.Stop(active.sess, e.cfg.GracefulStop); err != nil {
		e.logger.Warn("transcoder stop failed", "session_id", active.sess.ID, "error", err)
	}
	<-active.done

	code, _ := e.supervisor.ExitInfo(active.sess)
	evt := events.New(events.TypeSessionExited).WithExitCode(code)
	evt.SessionID = active.sess.ID
	evt.Detail = "stopped"
	e.events.Emit(evt)
}

func (e *Engine) scheduleRetry(reason string) {
	delay, err := e.monitor.RecordFailure()
	if err != nil {
		e.fatal = err
		e.logger.Error("transcoder retry budget exhausted", "failures", e.monitor.Failures(), "error", err)
		evt := events.New(events.TypeRelayUnavailable)
		evt.Attempt = e.monitor.Failures()
		evt.Detail = err.Error()
		e.events.Emit(evt)
		return
	}
	attempt := e.monitor.Failures()
	e.metrics.RestartScheduled(reason)
	e.stats.restarts.Add(1)
	e.logger.Info("transcoder restart scheduled", "reason", reason, "attempt", attempt, "delay", delay)
	evt := events.New(events.TypeRestartScheduled)
	evt.Attempt = attempt
	evt.DelayMs = delay.Milliseconds()
	evt.Detail = reason
	e.events.Emit(evt)

	e.cancelRetry()
	e.retry = time.NewTimer(delay)
	e.retryC = e.retry.C
	e.setState(StateBackoff, "")
}

func (e *Engine) cancelRetry() {
	if e.retry != nil {
		e.retry.Stop()
	}
	e.retry, e.retryC = nil, nil
}

func (e *Engine) shutdown(final State) {
	e.cancelRetry()
	e.stopActive()
	e.broadcaster.Close()
	e.setState(final, "")
	snap := e.stats.Snapshot()
	e.logger.Info("relay engine stopped",
		"state", final,
		"chunks", snap.TotalChunks,
		"bytes", humanize.Bytes(snap.TotalBytes),
		"delivered", humanize.Bytes(snap.DeliveredBytes),
	)
}

func (e *Engine) logStats() {
	snap := e.stats.Snapshot()
	e.logger.Info("relay throughput",
		"state", e.State(),
		"subscribers", snap.Subscribers,
		"chunks", humanize.Comma(int64(snap.TotalChunks)),
		"bytes", humanize.Bytes(snap.TotalBytes),
		"rate", humanize.Bytes(uint64(snap.ThroughputBps))+"/s",
		"framing_quality", fmt.Sprintf("%.2f", snap.QualityRatio),
	)
}

// adjustViewers applies delta to the subscriber gauge and reports the
// result to the health monitor.
func (e *Engine) adjustViewers(delta int) int {
	e.viewersMu.Lock()
	defer e.viewersMu.Unlock()
	var n int64
	switch {
	case delta > 0:
		n = e.stats.subscriberAdded()
	case delta < 0:
		n = e.stats.subscriberRemoved()
	default:
		n = e.stats.subscribers.Load()
	}
	e.monitor.ObserveViewers(int(n))
	return int(n)
}

func (e *Engine) onSubscribe(info fanout.SubscriberInfo) {
	e.adjustViewers(1)
	e.metrics.SubscriberAdded(info.Transport)
	evt := events.New(events.TypeViewerJoined)
	evt.SubscriberID = info.ID
	evt.Transport = info.Transport
	evt.Detail = info.Remote
	e.events.Emit(evt)
}

func (e *Engine) onRemove(removal fanout.Removal) {
	e.adjustViewers(-1)
	reason := string(fanout.ReasonUnsubscribed)
	if removal.Error != nil {
		reason = string(removal.Error.Reason)
	}
	e.metrics.SubscriberRemoved(removal.Info.Transport, reason)
	evt := events.New(events.TypeViewerLeft)
	evt.SubscriberID = removal.Info.ID
	evt.Transport = removal.Info.Transport
	evt.Detail = reason
	e.events.Emit(evt)
}

func (e *Engine) onDelivered(n int) {
	e.stats.ObserveDelivered(n)
	e.metrics.ObserveDelivered(n)
}
