package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func tsPacket(pid uint16) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(pid>>8) & 0x1F
	pkt[2] = byte(pid)
	pkt[3] = 0x10
	return pkt
}

func newRelayStub(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWatchCountsMessagesAndFraming(t *testing.T) {
	url := newRelayStub(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stats","data":{"state":"running"},"timestamp":"2024-01-01T00:00:00Z"}`))
		for i := 0; i < 3; i++ {
			_ = conn.WriteMessage(websocket.BinaryMessage, tsPacket(0x100))
		}
	})

	rep, err := watch(context.Background(), watchConfig{URL: url, Duration: 5 * time.Second, MaxMessages: 3, Stats: true})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if rep.Messages != 3 || rep.Bytes != 3*188 {
		t.Fatalf("unexpected totals: %d messages, %d bytes", rep.Messages, rep.Bytes)
	}
	if rep.Framing.SyncMarkers != 3 || rep.Framing.AlignedPackets != 3 {
		t.Fatalf("unexpected framing stats %+v", rep.Framing)
	}
	if string(rep.Stats) != `{"state":"running"}` {
		t.Fatalf("unexpected stats reply %s", rep.Stats)
	}

	var out strings.Builder
	rep.write(&out)
	for _, want := range []string{"messages:     3", "first bytes:  47010010", "relay stats:"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("report missing %q:\n%s", want, out.String())
		}
	}
}

func TestWatchStopsAfterDuration(t *testing.T) {
	url := newRelayStub(t, func(conn *websocket.Conn) {})

	start := time.Now()
	rep, err := watch(context.Background(), watchConfig{URL: url, Duration: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if rep.Messages != 0 {
		t.Fatalf("expected no messages, got %d", rep.Messages)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("watch did not honour duration, took %s", elapsed)
	}

	var out strings.Builder
	rep.write(&out)
	if strings.Contains(out.String(), "warning:") {
		t.Fatalf("empty watch should not warn about markers:\n%s", out.String())
	}
}

func TestWatchReportsDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := watch(context.Background(), watchConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Duration: time.Second})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected dial error with status, got %v", err)
	}
}

func TestReportWarnsWithoutMarkers(t *testing.T) {
	rep := report{Messages: 1, Bytes: 4, Elapsed: time.Second, FirstBytes: []byte{1, 2, 3, 4}}
	var out strings.Builder
	rep.write(&out)
	if !strings.Contains(out.String(), "no MPEG-TS or H.264 markers") {
		t.Fatalf("expected marker warning:\n%s", out.String())
	}
}
