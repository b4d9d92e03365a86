package metrics

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type hijackableWriter struct {
	*httptest.ResponseRecorder
	server net.Conn
	client net.Conn
}

func newHijackableWriter() *hijackableWriter {
	server, client := net.Pipe()
	return &hijackableWriter{ResponseRecorder: httptest.NewRecorder(), server: server, client: client}
}

func (w *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.server, bufio.NewReadWriter(bufio.NewReader(w.server), bufio.NewWriter(w.server)), nil
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/relay/restart", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `streamrelay_http_requests_total{method="POST",path="/v1/relay/restart",status="503"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, buf.String())
	}
}

func TestHTTPMiddlewareCountsUpgradesSeparately(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("hijack through recorder: %v", err)
			return
		}
		conn.Close()
	}))

	w := newHijackableWriter()
	defer w.client.Close()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/video", nil))

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()
	if !strings.Contains(body, `streamrelay_http_upgrades_total{path="/ws/video"} 1`) {
		t.Fatalf("expected upgrade counter, got %q", body)
	}
	if strings.Contains(body, `streamrelay_http_requests_total{method="GET",path="/ws/video"`) {
		t.Fatalf("upgraded connection must not be counted as a request: %q", body)
	}
}

func TestResponseRecorderKeepsFirstStatus(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", rr.Status())
	}
	rr.WriteHeader(http.StatusTooManyRequests)
	rr.WriteHeader(http.StatusInternalServerError)
	if rr.Status() != http.StatusTooManyRequests {
		t.Fatalf("expected first status 429, got %d", rr.Status())
	}
	if _, err := rr.Write([]byte("slow down")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rr.BytesWritten() != 9 {
		t.Fatalf("expected 9 bytes written, got %d", rr.BytesWritten())
	}
}

func TestResponseRecorderHijackUnsupported(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); err != http.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if rr.Hijacked() {
		t.Fatal("failed hijack must not mark the response")
	}
}
