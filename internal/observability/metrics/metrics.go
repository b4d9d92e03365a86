package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// RemovalLabel identifies why a subscriber left the fan-out set and through
// which viewer transport it had joined.
type RemovalLabel struct {
	Transport string
	Reason    string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// transcoder session lifecycle, restarts, viewer churn and relay throughput.
// Labelled series are guarded by a RWMutex; hot-path counters are atomics so
// the read loop never contends with scrapes.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	upgrades         map[string]uint64
	sessionEvents    map[string]uint64
	restarts         map[string]uint64
	subscriberJoins  map[string]uint64
	removals         map[RemovalLabel]uint64
	relayState       string
	activeSessions   atomic.Int64
	activeViewers    atomic.Int64
	chunks           atomic.Uint64
	bytes            atomic.Uint64
	deliveredBytes   atomic.Uint64
	eventsDropped    atomic.Uint64
	continuityErrors atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		upgrades:        make(map[string]uint64),
		sessionEvents:   make(map[string]uint64),
		restarts:        make(map[string]uint64),
		subscriberJoins: make(map[string]uint64),
		removals:        make(map[RemovalLabel]uint64),
		relayState:      "idle",
	}
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	return defaultRecorder
}

// SetDefault swaps the process-wide Recorder. Tests restore the original in
// a cleanup.
func SetDefault(r *Recorder) {
	if r == nil {
		r = New()
	}
	defaultRecorder = r
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ConnectionUpgraded counts a request whose connection was taken over by a
// long-lived protocol such as WebSocket.
func (r *Recorder) ConnectionUpgraded(path string) {
	label := normalizePath(path)
	r.mu.Lock()
	r.upgrades[label]++
	r.mu.Unlock()
}

// SessionStarted records a transcoder launch and bumps the active session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionExited records a confirmed transcoder exit. Planned exits are the
// ones requested through the supervisor.
func (r *Recorder) SessionExited(planned bool) {
	if planned {
		r.incrementSessionEvent("stop")
	} else {
		r.incrementSessionEvent("exit")
	}
	r.decrementGauge(&r.activeSessions)
}

// SessionStartFailed records a launch that never produced a process.
func (r *Recorder) SessionStartFailed() {
	r.incrementSessionEvent("start_failed")
}

// SessionStalled records a stall episode detected by the health monitor.
func (r *Recorder) SessionStalled() {
	r.incrementSessionEvent("stall")
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// RestartScheduled counts restarts by trigger (stall, exit, manual, ...).
func (r *Recorder) RestartScheduled(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.restarts[normalized]++
	r.mu.Unlock()
}

// SubscriberAdded records a viewer joining through the given transport.
func (r *Recorder) SubscriberAdded(transport string) {
	normalized := normalizeName(transport)
	r.mu.Lock()
	r.subscriberJoins[normalized]++
	r.mu.Unlock()
	r.activeViewers.Add(1)
}

// SubscriberRemoved records a viewer leaving the fan-out set.
func (r *Recorder) SubscriberRemoved(transport, reason string) {
	label := RemovalLabel{Transport: normalizeName(transport), Reason: normalizeName(reason)}
	r.mu.Lock()
	r.removals[label]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeViewers)
}

// ObserveChunk counts one chunk read from the transcoder.
func (r *Recorder) ObserveChunk(size int, continuityErrors int) {
	r.chunks.Add(1)
	if size > 0 {
		r.bytes.Add(uint64(size))
	}
	if continuityErrors > 0 {
		r.continuityErrors.Add(uint64(continuityErrors))
	}
}

// ObserveDelivered counts bytes handed to one sink.
func (r *Recorder) ObserveDelivered(size int) {
	if size > 0 {
		r.deliveredBytes.Add(uint64(size))
	}
}

// EventDropped counts lifecycle events discarded because the export queue was full.
func (r *Recorder) EventDropped() {
	r.eventsDropped.Add(1)
}

// SetRelayState stores the engine state exported as a labelled gauge.
func (r *Recorder) SetRelayState(state string) {
	normalized := normalizeName(state)
	r.mu.Lock()
	r.relayState = normalized
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of running transcoder sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveSubscribers exposes the current gauge of subscribed viewers.
func (r *Recorder) ActiveSubscribers() int64 {
	return r.activeViewers.Load()
}

// SessionCounts returns a copy of the session lifecycle counters.
func (r *Recorder) SessionCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		out[k] = v
	}
	return out
}

// RemovalCounts returns a copy of the subscriber removal counters.
func (r *Recorder) RemovalCounts() map[RemovalLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[RemovalLabel]uint64, len(r.removals))
	for k, v := range r.removals {
		out[k] = v
	}
	return out
}

// RestartCounts returns a copy of the restart counters keyed by trigger.
func (r *Recorder) RestartCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.restarts))
	for k, v := range r.restarts {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.upgrades = make(map[string]uint64)
	r.sessionEvents = make(map[string]uint64)
	r.restarts = make(map[string]uint64)
	r.subscriberJoins = make(map[string]uint64)
	r.removals = make(map[RemovalLabel]uint64)
	r.relayState = "idle"
	r.activeSessions.Store(0)
	r.activeViewers.Store(0)
	r.chunks.Store(0)
	r.bytes.Store(0)
	r.deliveredBytes.Store(0)
	r.eventsDropped.Store(0)
	r.continuityErrors.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP streamrelay_http_requests_total Total number of HTTP requests processed by the relay")
	fmt.Fprintln(w, "# TYPE streamrelay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamrelay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamrelay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamrelay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "streamrelay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP streamrelay_http_upgrades_total Connections handed over to a streaming protocol")
	fmt.Fprintln(w, "# TYPE streamrelay_http_upgrades_total counter")
	for _, path := range sortedKeys(r.upgrades) {
		fmt.Fprintf(w, "streamrelay_http_upgrades_total{path=\"%s\"} %d\n", path, r.upgrades[path])
	}

	fmt.Fprintln(w, "# HELP streamrelay_session_events_total Transcoder session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamrelay_session_events_total counter")
	for _, event := range sortedKeys(r.sessionEvents) {
		fmt.Fprintf(w, "streamrelay_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP streamrelay_active_sessions Current number of running transcoder sessions")
	fmt.Fprintln(w, "# TYPE streamrelay_active_sessions gauge")
	fmt.Fprintf(w, "streamrelay_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP streamrelay_restarts_total Transcoder restarts scheduled by trigger")
	fmt.Fprintln(w, "# TYPE streamrelay_restarts_total counter")
	for _, reason := range sortedKeys(r.restarts) {
		fmt.Fprintf(w, "streamrelay_restarts_total{reason=\"%s\"} %d\n", reason, r.restarts[reason])
	}

	fmt.Fprintln(w, "# HELP streamrelay_relay_state Current engine state (1 for the active state)")
	fmt.Fprintln(w, "# TYPE streamrelay_relay_state gauge")
	fmt.Fprintf(w, "streamrelay_relay_state{state=\"%s\"} 1\n", r.relayState)

	fmt.Fprintln(w, "# HELP streamrelay_subscribers_joined_total Viewers subscribed by transport")
	fmt.Fprintln(w, "# TYPE streamrelay_subscribers_joined_total counter")
	for _, transport := range sortedKeys(r.subscriberJoins) {
		fmt.Fprintf(w, "streamrelay_subscribers_joined_total{transport=\"%s\"} %d\n", transport, r.subscriberJoins[transport])
	}

	fmt.Fprintln(w, "# HELP streamrelay_subscribers_removed_total Viewers removed from the fan-out set by transport and reason")
	fmt.Fprintln(w, "# TYPE streamrelay_subscribers_removed_total counter")
	for _, label := range r.sortedRemovalLabels() {
		fmt.Fprintf(w, "streamrelay_subscribers_removed_total{transport=\"%s\",reason=\"%s\"} %d\n", label.Transport, label.Reason, r.removals[label])
	}

	fmt.Fprintln(w, "# HELP streamrelay_active_subscribers Current number of subscribed viewers")
	fmt.Fprintln(w, "# TYPE streamrelay_active_subscribers gauge")
	fmt.Fprintf(w, "streamrelay_active_subscribers %d\n", r.activeViewers.Load())

	fmt.Fprintln(w, "# HELP streamrelay_chunks_total Chunks read from the transcoder")
	fmt.Fprintln(w, "# TYPE streamrelay_chunks_total counter")
	fmt.Fprintf(w, "streamrelay_chunks_total %d\n", r.chunks.Load())

	fmt.Fprintln(w, "# HELP streamrelay_bytes_total Bytes read from the transcoder")
	fmt.Fprintln(w, "# TYPE streamrelay_bytes_total counter")
	fmt.Fprintf(w, "streamrelay_bytes_total %d\n", r.bytes.Load())

	fmt.Fprintln(w, "# HELP streamrelay_delivered_bytes_total Bytes handed to viewer sinks")
	fmt.Fprintln(w, "# TYPE streamrelay_delivered_bytes_total counter")
	fmt.Fprintf(w, "streamrelay_delivered_bytes_total %d\n", r.deliveredBytes.Load())

	fmt.Fprintln(w, "# HELP streamrelay_ts_continuity_errors_total MPEG-TS continuity counter discontinuities seen by diagnostics")
	fmt.Fprintln(w, "# TYPE streamrelay_ts_continuity_errors_total counter")
	fmt.Fprintf(w, "streamrelay_ts_continuity_errors_total %d\n", r.continuityErrors.Load())

	fmt.Fprintln(w, "# HELP streamrelay_events_dropped_total Lifecycle events dropped by the export queue")
	fmt.Fprintln(w, "# TYPE streamrelay_events_dropped_total counter")
	fmt.Fprintf(w, "streamrelay_events_dropped_total %d\n", r.eventsDropped.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedRemovalLabels() []RemovalLabel {
	labels := make([]RemovalLabel, 0, len(r.removals))
	for label := range r.removals {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Transport != labels[j].Transport {
			return labels[i].Transport < labels[j].Transport
		}
		return labels[i].Reason < labels[j].Reason
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
