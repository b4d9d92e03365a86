package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"streamrelay/internal/observability/metrics"
)

const (
	defaultDispatchQueue  = 256
	defaultPublishTimeout = 2 * time.Second
)

// DispatcherConfig configures the asynchronous event dispatcher.
type DispatcherConfig struct {
	Publishers     []Publisher
	QueueSize      int
	PublishTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Dispatcher decouples event producers from exporters. Emit never blocks;
// events that do not fit in the queue are dropped and counted.
type Dispatcher struct {
	publishers []Publisher
	queue      chan Event
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Recorder

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewDispatcher builds a dispatcher. Run must be called to drain the queue.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultDispatchQueue
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	publishers := make([]Publisher, 0, len(cfg.Publishers))
	for _, p := range cfg.Publishers {
		if p != nil {
			publishers = append(publishers, p)
		}
	}
	return &Dispatcher{
		publishers: publishers,
		queue:      make(chan Event, size),
		timeout:    timeout,
		logger:     logger,
		metrics:    recorder,
		done:       make(chan struct{}),
	}
}

// Emit enqueues the event for delivery to every publisher.
func (d *Dispatcher) Emit(event Event) {
	if event.ID == "" || event.OccurredAt.IsZero() {
		stamped := New(event.Type)
		if event.ID == "" {
			event.ID = stamped.ID
		}
		if event.OccurredAt.IsZero() {
			event.OccurredAt = stamped.OccurredAt
		}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.EventDropped()
		return
	}
	select {
	case d.queue <- event:
	default:
		d.metrics.EventDropped()
		d.logger.Warn("event queue full, dropping event", "type", event.Type)
	}
}

// Run delivers queued events until Close is called or ctx is cancelled.
// Events still queued at that point are flushed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			d.Close()
			d.drain()
			return nil
		case event, ok := <-d.queue:
			if !ok {
				return nil
			}
			d.deliver(event)
		}
	}
}

// Close stops accepting events. Run flushes the remaining queue and returns.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := p.Publish(ctx, event)
		cancel()
		if err != nil {
			d.logger.Warn("event publish failed", "type", event.Type, "error", err)
		}
	}
}
