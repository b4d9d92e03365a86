// Package fanout delivers relay chunks to a changing set of viewer sinks.
//
// Every subscriber owns a bounded queue drained by its own writer goroutine,
// so a slow or failing sink only ever affects itself. Chunks reach a given
// sink in the order they were published.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"streamrelay/internal/observability/logging"
	"streamrelay/internal/stream"
)

const (
	DefaultQueueSize   = 64
	DefaultSendTimeout = 5 * time.Second
)

var (
	// ErrSinkClosed is returned by a Sink whose viewer has gone away.
	ErrSinkClosed = errors.New("fanout: sink closed")
	// ErrSendTimeout reports a subscriber that could not accept a chunk in time.
	ErrSendTimeout = errors.New("fanout: send timed out")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("fanout: broadcaster closed")
)

// Sink is one viewer's outbound connection.
type Sink interface {
	// Send delivers one chunk. It must honour ctx's deadline and return
	// ErrSinkClosed once the viewer is gone.
	Send(ctx context.Context, data []byte) error
	// Closed is closed when the viewer disconnects on its own.
	Closed() <-chan struct{}
}

// Reason explains why a subscriber left the set.
type Reason string

const (
	ReasonUnsubscribed Reason = "unsubscribed"
	ReasonClosed       Reason = "closed"
	ReasonError        Reason = "error"
	ReasonTimeout      Reason = "timeout"
	ReasonShutdown     Reason = "shutdown"
)

// SinkError describes a subscriber failure. It never escapes the
// broadcaster except through the OnRemove hook.
type SinkError struct {
	SubscriberID string
	Reason       Reason
	Err          error
}

func (e *SinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fanout: subscriber %s %s", e.SubscriberID, e.Reason)
	}
	return fmt.Sprintf("fanout: subscriber %s %s: %v", e.SubscriberID, e.Reason, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// SubscriberInfo is a point-in-time view of one subscriber.
type SubscriberInfo struct {
	ID         string    `json:"id"`
	Remote     string    `json:"remote"`
	Transport  string    `json:"transport"`
	Live       bool      `json:"live"`
	BytesSent  uint64    `json:"bytesSent"`
	ChunksSent uint64    `json:"chunksSent"`
	LastSendAt time.Time `json:"lastSendAt,omitempty"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// Removal is passed to the OnRemove hook.
type Removal struct {
	Info  SubscriberInfo
	Error *SinkError
}

// Config tunes a Broadcaster.
type Config struct {
	// QueueSize bounds the chunks buffered per subscriber.
	QueueSize int
	// SendTimeout bounds each Sink.Send call and how long Publish waits for
	// a full queue.
	SendTimeout time.Duration
	Logger      *slog.Logger
	// OnSubscribe, OnRemove and OnDelivered run synchronously and must not
	// block or call back into the Broadcaster. For a given subscriber
	// OnSubscribe always returns before OnRemove is called.
	OnSubscribe func(SubscriberInfo)
	OnRemove    func(Removal)
	OnDelivered func(n int)
}

// Broadcaster owns the subscriber set.
type Broadcaster struct {
	queueSize   int
	sendTimeout time.Duration
	logger      *slog.Logger
	onSubscribe func(SubscriberInfo)
	onRemove    func(Removal)
	onDelivered func(int)

	mu   sync.RWMutex
	subs map[string]*subscriber
	// draining holds detached subscribers until their writer exits, so
	// Unsubscribe can still wait for an in-flight Send.
	draining map[string]*subscriber
	closed   bool
}

type subscriber struct {
	id        string
	remote    string
	transport string
	sink      Sink
	joinedAt  time.Time

	queue  chan stream.Chunk
	quit   chan struct{}
	done   chan struct{}
	// announced is closed once OnSubscribe has returned.
	announced chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	bytes    atomic.Uint64
	chunks   atomic.Uint64
	lastSend atomic.Int64
}

// New constructs a Broadcaster.
func New(cfg Config) *Broadcaster {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Broadcaster{
		queueSize:   queueSize,
		sendTimeout: sendTimeout,
		logger:      logging.WithComponent(cfg.Logger, "fanout"),
		onSubscribe: cfg.OnSubscribe,
		onRemove:    cfg.OnRemove,
		onDelivered: cfg.OnDelivered,
		subs:        make(map[string]*subscriber),
		draining:    make(map[string]*subscriber),
	}
}

// Subscribe adds sink to the set and returns its subscription ID. remote is a
// free-form description of the viewer used in logs and stats. Sinks that
// implement Transport() string are labelled with it.
func (b *Broadcaster) Subscribe(sink Sink, remote string) (string, error) {
	if sink == nil {
		return "", errors.New("fanout: nil sink")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		id:        uuid.NewString(),
		remote:    remote,
		transport: transportOf(sink),
		sink:      sink,
		joinedAt:  time.Now().UTC(),
		queue:     make(chan stream.Chunk, b.queueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		announced: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Info("subscriber added", "subscriber_id", sub.id, "remote", remote, "transport", sub.transport)
	if b.onSubscribe != nil {
		b.onSubscribe(sub.info(true))
	}
	close(sub.announced)
	go b.writeLoop(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscriber. Once it returns the sink receives no
// further Send calls. It must not be called from inside Sink.Send.
//
// A subscriber the Broadcaster already removed reports false, but the call
// still waits for its writer to exit.
func (b *Broadcaster) Unsubscribe(id string) bool {
	b.mu.RLock()
	sub, live := b.subs[id]
	if !live {
		sub = b.draining[id]
	}
	b.mu.RUnlock()
	if sub == nil {
		return false
	}
	removed := live && b.detach(sub, ReasonUnsubscribed, nil)
	<-sub.done
	return removed
}

// Publish hands chunk to every subscriber's queue. Subscribers whose queue is
// full are waited on together for at most the send timeout and removed if
// they still cannot accept the chunk. It returns how many subscribers the
// chunk was queued for.
func (b *Broadcaster) Publish(chunk stream.Chunk) int {
	subs := b.snapshot()
	if len(subs) == 0 {
		return 0
	}

	queued := 0
	var blocked []*subscriber
	for _, sub := range subs {
		select {
		case sub.queue <- chunk:
			queued++
		case <-sub.quit:
		default:
			blocked = append(blocked, sub)
		}
	}
	if len(blocked) == 0 {
		return queued
	}

	deadline := time.NewTimer(b.sendTimeout)
	defer deadline.Stop()
	expired := false
	for _, sub := range blocked {
		if !expired {
			select {
			case sub.queue <- chunk:
				queued++
				continue
			case <-sub.quit:
				continue
			case <-deadline.C:
				expired = true
			}
		}
		select {
		case sub.queue <- chunk:
			queued++
		case <-sub.quit:
		default:
			b.detach(sub, ReasonTimeout, ErrSendTimeout)
		}
	}
	return queued
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscribers returns the current subscribers ordered by join time.
func (b *Broadcaster) Subscribers() []SubscriberInfo {
	subs := b.snapshot()
	out := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.info(true))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close removes every subscriber and rejects new ones. It waits for all
// writer goroutines to finish.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	draining := make([]*subscriber, 0, len(b.draining))
	for _, sub := range b.draining {
		draining = append(draining, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.detach(sub, ReasonShutdown, nil)
	}
	for _, sub := range append(subs, draining...) {
		<-sub.done
	}
}

func (b *Broadcaster) snapshot() []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	return subs
}

// detach removes sub from the set and stops its writer. Only the first
// caller for a given subscriber reports the removal.
func (b *Broadcaster) detach(sub *subscriber, reason Reason, cause error) bool {
	b.mu.Lock()
	current, ok := b.subs[sub.id]
	if ok && current == sub {
		delete(b.subs, sub.id)
		select {
		case <-sub.done:
		default:
			b.draining[sub.id] = sub
		}
	}
	b.mu.Unlock()
	if !ok || current != sub {
		return false
	}
	sub.stop()
	<-sub.announced

	sinkErr := &SinkError{SubscriberID: sub.id, Reason: reason, Err: cause}
	attrs := []any{"subscriber_id", sub.id, "remote", sub.remote, "reason", reason, "bytes_sent", sub.bytes.Load()}
	switch reason {
	case ReasonError, ReasonTimeout:
		b.logger.Warn("subscriber removed", append(attrs, "error", cause)...)
	default:
		b.logger.Info("subscriber removed", attrs...)
	}
	if b.onRemove != nil {
		b.onRemove(Removal{Info: sub.info(false), Error: sinkErr})
	}
	return true
}

func (b *Broadcaster) writeLoop(sub *subscriber) {
	defer func() {
		b.mu.Lock()
		close(sub.done)
		if b.draining[sub.id] == sub {
			delete(b.draining, sub.id)
		}
		b.mu.Unlock()
	}()
	closed := sub.sink.Closed()
	for {
		select {
		case <-sub.quit:
			return
		case <-closed:
			b.detach(sub, ReasonClosed, ErrSinkClosed)
			return
		case chunk := <-sub.queue:
			// Unsubscribe may have raced with a ready queue.
			select {
			case <-sub.quit:
				return
			default:
			}
			if err := b.send(sub, chunk); err != nil {
				b.detach(sub, classify(err), err)
				return
			}
		}
	}
}

func (b *Broadcaster) send(sub *subscriber, chunk stream.Chunk) error {
	ctx, cancel := context.WithTimeout(sub.ctx, b.sendTimeout)
	defer cancel()
	if err := sub.sink.Send(ctx, chunk.Data); err != nil {
		if ctx.Err() == context.DeadlineExceeded && !errors.Is(err, ErrSinkClosed) {
			return fmt.Errorf("%w: %w", ErrSendTimeout, err)
		}
		return err
	}
	sub.bytes.Add(uint64(len(chunk.Data)))
	sub.chunks.Add(1)
	sub.lastSend.Store(time.Now().UnixNano())
	if b.onDelivered != nil {
		b.onDelivered(len(chunk.Data))
	}
	return nil
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, ErrSinkClosed):
		return ReasonClosed
	case errors.Is(err, ErrSendTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonError
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.quit)
		s.cancel()
	})
}

func (s *subscriber) info(live bool) SubscriberInfo {
	info := SubscriberInfo{
		ID:         s.id,
		Remote:     s.remote,
		Transport:  s.transport,
		Live:       live,
		BytesSent:  s.bytes.Load(),
		ChunksSent: s.chunks.Load(),
		JoinedAt:   s.joinedAt,
	}
	if ns := s.lastSend.Load(); ns > 0 {
		info.LastSendAt = time.Unix(0, ns).UTC()
	}
	return info
}

func transportOf(sink Sink) string {
	if t, ok := sink.(interface{ Transport() string }); ok {
		return t.Transport()
	}
	return "unknown"
}
