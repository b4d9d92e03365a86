package fanout

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamrelay/internal/stream"
)

type recordingSink struct {
	mu      sync.Mutex
	seqs    []uint64
	bytes   int
	count   atomic.Int64
	closed  chan struct{}
	failOn  int
	blockOn int
	sendErr error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{closed: make(chan struct{}), failOn: -1, blockOn: -1}
}

func (s *recordingSink) Send(ctx context.Context, data []byte) error {
	n := int(s.count.Load())
	if n == s.failOn {
		if s.sendErr != nil {
			return s.sendErr
		}
		return errors.New("write: connection reset by peer")
	}
	if n == s.blockOn {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	s.seqs = append(s.seqs, binary.BigEndian.Uint64(data))
	s.bytes += len(data)
	s.mu.Unlock()
	s.count.Add(1)
	return nil
}

func (s *recordingSink) Closed() <-chan struct{} { return s.closed }
func (s *recordingSink) Transport() string       { return "test" }

func (s *recordingSink) received() ([]uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.seqs...), s.bytes
}

func chunk(seq uint64, size int) stream.Chunk {
	data := make([]byte, size)
	binary.BigEndian.PutUint64(data, seq)
	return stream.Chunk{Seq: seq, Data: data, ArrivedAt: time.Now()}
}

type removals struct {
	mu   sync.Mutex
	list []Removal
}

func (r *removals) add(rm Removal) {
	r.mu.Lock()
	r.list = append(r.list, rm)
	r.mu.Unlock()
}

func (r *removals) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

func (r *removals) reasonFor(id string) (Reason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.list {
		if rm.Info.ID == id {
			return rm.Error.Reason, true
		}
	}
	return "", false
}

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublishPreservesPerSinkOrder(t *testing.T) {
	b := New(Config{QueueSize: 16})
	defer b.Close()

	sinks := []*recordingSink{newRecordingSink(), newRecordingSink()}
	for _, sink := range sinks {
		if _, err := b.Subscribe(sink, "127.0.0.1"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	const total = 500
	for seq := uint64(0); seq < total; seq++ {
		if queued := b.Publish(chunk(seq, 64)); queued != len(sinks) {
			t.Fatalf("chunk %d queued for %d sinks", seq, queued)
		}
	}

	for i, sink := range sinks {
		waitUntil(t, 2*time.Second, func() bool { return sink.count.Load() == total })
		seqs, _ := sink.received()
		for j, seq := range seqs {
			if seq != uint64(j) {
				t.Fatalf("sink %d: position %d carried sequence %d", i, j, seq)
			}
		}
	}
}

func TestFailingSinkDoesNotAffectOthers(t *testing.T) {
	var removed removals
	b := New(Config{OnRemove: removed.add})
	defer b.Close()

	bad := newRecordingSink()
	bad.failOn = 0
	good := newRecordingSink()
	badID, _ := b.Subscribe(bad, "bad")
	if _, err := b.Subscribe(good, "good"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Publish(chunk(0, 32))

	waitUntil(t, time.Second, func() bool { return good.count.Load() == 1 && b.Len() == 1 })
	if reason, ok := removed.reasonFor(badID); !ok || reason != ReasonError {
		t.Fatalf("expected failing sink removed with reason error, got %q ok=%v", reason, ok)
	}

	b.Publish(chunk(1, 32))
	waitUntil(t, time.Second, func() bool { return good.count.Load() == 2 })
	if bad.count.Load() != 0 {
		t.Fatalf("failed sink must not receive later chunks")
	}
}

func TestSinkClosedErrorAndSignal(t *testing.T) {
	var removed removals
	b := New(Config{OnRemove: removed.add})
	defer b.Close()

	closedBySend := newRecordingSink()
	closedBySend.failOn = 0
	closedBySend.sendErr = ErrSinkClosed
	closedBySignal := newRecordingSink()

	sendID, _ := b.Subscribe(closedBySend, "a")
	signalID, _ := b.Subscribe(closedBySignal, "b")

	close(closedBySignal.closed)
	b.Publish(chunk(0, 8))

	waitUntil(t, time.Second, func() bool { return b.Len() == 0 })
	for _, id := range []string{sendID, signalID} {
		if reason, ok := removed.reasonFor(id); !ok || reason != ReasonClosed {
			t.Fatalf("expected %s removed as closed, got %q ok=%v", id, reason, ok)
		}
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New(Config{QueueSize: 4})
	defer b.Close()

	target := newRecordingSink()
	other := newRecordingSink()
	id, _ := b.Subscribe(target, "target")
	if _, err := b.Subscribe(other, "other"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stop := make(chan struct{})
	published := make(chan struct{})
	go func() {
		defer close(published)
		for seq := uint64(0); ; seq++ {
			select {
			case <-stop:
				return
			default:
			}
			b.Publish(chunk(seq, 16))
		}
	}()

	waitUntil(t, time.Second, func() bool { return target.count.Load() > 10 })
	if !b.Unsubscribe(id) {
		t.Fatalf("expected unsubscribe to remove the sink")
	}
	after := target.count.Load()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	<-published

	if got := target.count.Load(); got != after {
		t.Fatalf("sink received %d chunks after unsubscribe returned", got-after)
	}
	if b.Unsubscribe(id) {
		t.Fatalf("second unsubscribe should report false")
	}
	seqs, _ := other.received()
	for j := 1; j < len(seqs); j++ {
		if seqs[j] != seqs[j-1]+1 {
			t.Fatalf("other sink saw a gap at %d: %d -> %d", j, seqs[j-1], seqs[j])
		}
	}
}

func TestSlowSinkIsRemovedOnTimeout(t *testing.T) {
	var removed removals
	b := New(Config{QueueSize: 1, SendTimeout: 50 * time.Millisecond, OnRemove: removed.add})
	defer b.Close()

	slow := newRecordingSink()
	slow.blockOn = 0
	fast := newRecordingSink()
	slowID, _ := b.Subscribe(slow, "slow")
	if _, err := b.Subscribe(fast, "fast"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	start := time.Now()
	for seq := uint64(0); seq < 5; seq++ {
		b.Publish(chunk(seq, 8))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish was held up by the slow sink for %s", elapsed)
	}

	waitUntil(t, time.Second, func() bool { return b.Len() == 1 })
	if reason, ok := removed.reasonFor(slowID); !ok || reason != ReasonTimeout {
		t.Fatalf("expected slow sink removed with timeout, got %q ok=%v", reason, ok)
	}
	waitUntil(t, time.Second, func() bool { return fast.count.Load() == 5 })
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(Config{})
	defer b.Close()
	if queued := b.Publish(chunk(0, 8)); queued != 0 {
		t.Fatalf("expected no deliveries, got %d", queued)
	}
}

func TestSubscribersAndDeliveredHook(t *testing.T) {
	var delivered atomic.Int64
	var joined atomic.Int32
	b := New(Config{
		OnDelivered: func(n int) { delivered.Add(int64(n)) },
		OnSubscribe: func(SubscriberInfo) { joined.Add(1) },
	})
	defer b.Close()

	sink := newRecordingSink()
	id, _ := b.Subscribe(sink, "10.0.0.2:5000")
	b.Publish(chunk(0, 100))
	b.Publish(chunk(1, 50))

	waitUntil(t, time.Second, func() bool { return sink.count.Load() == 2 })
	infos := b.Subscribers()
	if len(infos) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(infos))
	}
	info := infos[0]
	if info.ID != id || info.Remote != "10.0.0.2:5000" || info.Transport != "test" || !info.Live {
		t.Fatalf("unexpected subscriber info %+v", info)
	}
	if info.BytesSent != 150 || info.ChunksSent != 2 || info.LastSendAt.IsZero() {
		t.Fatalf("unexpected counters %+v", info)
	}
	if delivered.Load() != 150 || joined.Load() != 1 {
		t.Fatalf("unexpected hooks: delivered=%d joined=%d", delivered.Load(), joined.Load())
	}
}

func TestCloseRemovesEverySubscriber(t *testing.T) {
	var removed removals
	b := New(Config{OnRemove: removed.add})

	id, _ := b.Subscribe(newRecordingSink(), "a")
	b.Close()
	b.Close()

	if reason, ok := removed.reasonFor(id); !ok || reason != ReasonShutdown {
		t.Fatalf("expected shutdown removal, got %q ok=%v", reason, ok)
	}
	if _, err := b.Subscribe(newRecordingSink(), "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSinkErrorUnwraps(t *testing.T) {
	err := &SinkError{SubscriberID: "x", Reason: ReasonTimeout, Err: ErrSendTimeout}
	if !errors.Is(err, ErrSendTimeout) {
		t.Fatalf("expected SinkError to unwrap")
	}
	if classify(err) != ReasonTimeout || classify(errors.New("boom")) != ReasonError {
		t.Fatalf("unexpected classification")
	}
}

// viewerGauge mirrors how callers count viewers from the hooks.
type viewerGauge struct {
	mu         sync.Mutex
	live       map[string]bool
	count      int
	violations []string
}

func newViewerGauge() *viewerGauge {
	return &viewerGauge{live: make(map[string]bool)}
}

func (g *viewerGauge) subscribed(info SubscriberInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live[info.ID] = true
	g.count++
}

func (g *viewerGauge) removed(rm Removal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.live[rm.Info.ID] {
		g.violations = append(g.violations, rm.Info.ID)
	}
	delete(g.live, rm.Info.ID)
	g.count--
	if g.count < 0 {
		g.violations = append(g.violations, "negative count")
	}
}

func (g *viewerGauge) snapshot() (int, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count, append([]string(nil), g.violations...)
}

func TestPreClosedSinksAnnounceBeforeRemoval(t *testing.T) {
	gauge := newViewerGauge()
	b := New(Config{OnSubscribe: gauge.subscribed, OnRemove: gauge.removed})
	defer b.Close()

	const total = 1000
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < total/4; j++ {
				sink := newRecordingSink()
				close(sink.closed)
				if _, err := b.Subscribe(sink, "gone"); err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	waitUntil(t, 5*time.Second, func() bool {
		count, _ := gauge.snapshot()
		return b.Len() == 0 && count == 0
	})
	count, violations := gauge.snapshot()
	if len(violations) != 0 {
		t.Fatalf("removal reported before subscribe for %d subscribers: %v", len(violations), violations[0])
	}
	if count != 0 {
		t.Fatalf("expected gauge to return to 0, got %d", count)
	}
}

func TestSinkClosedRightAfterSubscribe(t *testing.T) {
	gauge := newViewerGauge()
	var removed removals
	b := New(Config{
		OnSubscribe: gauge.subscribed,
		OnRemove: func(rm Removal) {
			gauge.removed(rm)
			removed.add(rm)
		},
	})
	defer b.Close()

	ids := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		sink := newRecordingSink()
		id, err := b.Subscribe(sink, "flaky")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		close(sink.closed)
		ids = append(ids, id)
	}

	waitUntil(t, 5*time.Second, func() bool { return b.Len() == 0 && removed.len() == len(ids) })
	count, violations := gauge.snapshot()
	if count != 0 || len(violations) != 0 {
		t.Fatalf("expected clean gauge, got count=%d violations=%v", count, violations)
	}
	for _, id := range ids {
		if reason, ok := removed.reasonFor(id); !ok || reason != ReasonClosed {
			t.Fatalf("expected %s removed as closed, got %q ok=%v", id, reason, ok)
		}
	}
}

func TestMixedRemovalsReturnGaugeToZero(t *testing.T) {
	gauge := newViewerGauge()
	var removed removals
	b := New(Config{
		QueueSize:   1,
		SendTimeout: 50 * time.Millisecond,
		OnSubscribe: gauge.subscribed,
		OnRemove: func(rm Removal) {
			gauge.removed(rm)
			removed.add(rm)
		},
	})
	defer b.Close()

	closed := newRecordingSink()
	close(closed.closed)
	failing := newRecordingSink()
	failing.failOn = 0
	slow := newRecordingSink()
	slow.blockOn = 0
	leaving := newRecordingSink()

	closedID, _ := b.Subscribe(closed, "closed")
	failingID, _ := b.Subscribe(failing, "failing")
	slowID, _ := b.Subscribe(slow, "slow")
	leavingID, _ := b.Subscribe(leaving, "leaving")

	for seq := uint64(0); seq < 4; seq++ {
		b.Publish(chunk(seq, 8))
	}
	waitUntil(t, time.Second, func() bool { return leaving.count.Load() == 4 })
	if !b.Unsubscribe(leavingID) {
		t.Fatalf("expected unsubscribe to remove the sink")
	}

	waitUntil(t, 2*time.Second, func() bool { return b.Len() == 0 && removed.len() == 4 })
	want := map[string]Reason{
		closedID:  ReasonClosed,
		failingID: ReasonError,
		slowID:    ReasonTimeout,
		leavingID: ReasonUnsubscribed,
	}
	for id, reason := range want {
		if got, ok := removed.reasonFor(id); !ok || got != reason {
			t.Fatalf("expected %s removed with %q, got %q ok=%v", id, reason, got, ok)
		}
	}
	count, violations := gauge.snapshot()
	if count != 0 || len(violations) != 0 {
		t.Fatalf("expected gauge back at 0, got count=%d violations=%v", count, violations)
	}
}

// stuckSink ignores cancellation until released.
type stuckSink struct {
	entered  chan struct{}
	release  chan struct{}
	returned atomic.Bool
	once     sync.Once
}

func (s *stuckSink) Send(ctx context.Context, data []byte) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	s.returned.Store(true)
	return ctx.Err()
}

func (s *stuckSink) Closed() <-chan struct{} { return nil }

func TestUnsubscribeWaitsForWriterAfterTimeoutRemoval(t *testing.T) {
	var removed removals
	b := New(Config{QueueSize: 1, SendTimeout: 50 * time.Millisecond, OnRemove: removed.add})
	defer b.Close()

	sink := &stuckSink{entered: make(chan struct{}), release: make(chan struct{})}
	id, _ := b.Subscribe(sink, "stuck")

	b.Publish(chunk(0, 8))
	<-sink.entered
	b.Publish(chunk(1, 8))
	b.Publish(chunk(2, 8))
	if reason, ok := removed.reasonFor(id); !ok || reason != ReasonTimeout {
		t.Fatalf("expected timeout removal, got %q ok=%v", reason, ok)
	}

	result := make(chan bool, 1)
	go func() { result <- b.Unsubscribe(id) }()

	select {
	case <-result:
		t.Fatal("unsubscribe returned while Send was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(sink.release)
	select {
	case ok := <-result:
		if ok {
			t.Fatalf("expected false for an already removed subscriber")
		}
	case <-time.After(time.Second):
		t.Fatal("unsubscribe did not return after Send exited")
	}
	if !sink.returned.Load() {
		t.Fatalf("unsubscribe returned before Send exited")
	}
	if b.Unsubscribe(id) {
		t.Fatalf("expected false once the writer is gone")
	}
}
