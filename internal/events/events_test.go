package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/testsupport/redisstub"
)

func TestMemoryPublisherFanOut(t *testing.T) {
	pub := NewMemoryPublisher(2)
	first := pub.Subscribe()
	second := pub.Subscribe()
	defer second.Close()

	event := New(TypeSessionStarted)
	event.SessionID = "session-1"
	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.ID != event.ID || got.SessionID != "session-1" {
				t.Fatalf("subscriber %d: unexpected event %+v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}

	first.Close()
	first.Close()
	if _, ok := <-first.Events(); ok {
		t.Fatalf("expected closed subscription channel")
	}
	if err := pub.Publish(context.Background(), New(TypeViewerJoined)); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestMemoryPublisherDropsWhenFull(t *testing.T) {
	pub := NewMemoryPublisher(1)
	sub := pub.Subscribe()
	defer sub.Close()

	for i := 0; i < 3; i++ {
		if err := pub.Publish(context.Background(), New(TypeViewerJoined)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := len(sub.Events()); got != 1 {
		t.Fatalf("expected 1 buffered event, got %d", got)
	}
}

func TestPublishRequiresType(t *testing.T) {
	pub := NewMemoryPublisher(1)
	if err := pub.Publish(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for event without type")
	}
}

func TestEventJSONShape(t *testing.T) {
	event := New(TypeSessionExited).WithExitCode(0)
	event.SessionID = "abc"
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["type"] != "session.exited" {
		t.Fatalf("unexpected type %v", payload["type"])
	}
	if payload["exitCode"] != float64(0) {
		t.Fatalf("expected exit code 0 to be serialised, got %v", payload["exitCode"])
	}
	if _, ok := payload["subscriberId"]; ok {
		t.Fatalf("expected empty subscriber id to be omitted")
	}
}

func TestRedisPublisherAppendsAndTrims(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	pub, err := NewRedisPublisher(RedisConfig{
		Addr:     srv.Addr(),
		Password: "secret",
		Stream:   "relay-test",
		MaxLen:   2,
	})
	if err != nil {
		t.Fatalf("create publisher: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, typ := range []Type{TypeSessionStarted, TypeSessionStalled, TypeSessionExited} {
		event := New(typ)
		event.SessionID = "session-1"
		if err := pub.Publish(ctx, event); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
	}

	entries := srv.Entries("relay-test")
	if len(entries) != 2 {
		t.Fatalf("expected stream trimmed to 2 entries, got %d", len(entries))
	}
	if entries[1].Values["type"] != string(TypeSessionExited) || entries[1].Values["session"] != "session-1" {
		t.Fatalf("expected newest entry last, got %+v", entries[1].Values)
	}
	var decoded Event
	if err := json.Unmarshal([]byte(entries[1].Values["payload"]), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.SessionID != "session-1" || decoded.Type != TypeSessionExited {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestRedisPublisherRequiresAddr(t *testing.T) {
	if _, err := NewRedisPublisher(RedisConfig{Addr: " "}); err == nil {
		t.Fatalf("expected error without address")
	}
}

func TestRedisPublisherRejectsWrongPassword(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	pub, err := NewRedisPublisher(RedisConfig{Addr: srv.Addr(), Password: "nope"})
	if err != nil {
		t.Fatalf("create publisher: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Publish(ctx, New(TypeViewerLeft)); err == nil {
		t.Fatalf("expected authentication failure")
	}
	if len(srv.Entries(pub.Stream())) != 0 {
		t.Fatalf("expected no entries to be written")
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (p *recordingPublisher) Publish(ctx context.Context, event Event) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func TestDispatcherDeliversToAllPublishers(t *testing.T) {
	good := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("boom")}
	d := NewDispatcher(DispatcherConfig{
		Publishers: []Publisher{failing, nil, good},
		Logger:     logging.Discard(),
		Metrics:    metrics.New(),
	})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	d.Emit(Event{Type: TypeViewerJoined, SubscriberID: "sub-1"})
	d.Emit(New(TypeViewerLeft))
	d.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatcher did not stop")
	}

	got := good.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID == "" || got[0].OccurredAt.IsZero() {
		t.Fatalf("expected emitted event to be stamped, got %+v", got[0])
	}
	if got[0].SubscriberID != "sub-1" || got[1].Type != TypeViewerLeft {
		t.Fatalf("unexpected order %+v", got)
	}
	if len(failing.snapshot()) != 2 {
		t.Fatalf("expected failing publisher to still see every event")
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	recorder := metrics.New()
	d := NewDispatcher(DispatcherConfig{
		Publishers: []Publisher{&recordingPublisher{}},
		QueueSize:  1,
		Logger:     logging.Discard(),
		Metrics:    recorder,
	})

	d.Emit(New(TypeSessionStarted))
	d.Emit(New(TypeSessionStalled))
	d.Emit(New(TypeSessionExited))
	d.Close()
	d.Emit(New(TypeRelayUnavailable))

	var buf strings.Builder
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), "streamrelay_events_dropped_total 3") {
		t.Fatalf("expected 3 dropped events, got:\n%s", buf.String())
	}
}

func TestDispatcherFlushesOnCancel(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewDispatcher(DispatcherConfig{Publishers: []Publisher{pub}, Logger: logging.Discard(), Metrics: metrics.New()})
	for i := 0; i < 5; i++ {
		d.Emit(New(TypeViewerJoined))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	<-d.Done()
	if got := len(pub.snapshot()); got != 5 {
		t.Fatalf("expected queued events to be flushed, got %d", got)
	}
}

func TestPostgresJournalRequiresDSN(t *testing.T) {
	if _, err := NewPostgresJournal(context.Background(), PostgresConfig{}); err == nil {
		t.Fatalf("expected error without dsn")
	}
}

func TestPostgresJournalRoundTrip(t *testing.T) {
	dsn := os.Getenv("STREAMRELAY_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("STREAMRELAY_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	journal, err := NewPostgresJournal(ctx, PostgresConfig{DSN: dsn, MaxConnections: 2, ApplicationName: "streamrelay-test"})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close(context.Background()) })
	if err := journal.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	event := New(TypeSessionStalled)
	event.SessionID = "pg-session"
	if err := journal.Publish(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := journal.Publish(ctx, event); err != nil {
		t.Fatalf("republish should be idempotent: %v", err)
	}

	recent, err := journal.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	found := 0
	for _, e := range recent {
		if e.ID == event.ID {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("expected event exactly once, found %d", found)
	}
}
