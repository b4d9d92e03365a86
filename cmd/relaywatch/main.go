// Command relaywatch connects to a relay as a WebSocket viewer and reports
// what arrived: message count, throughput and container framing markers.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"streamrelay/internal/framing"
)

const firstBytesLen = 16

type watchConfig struct {
	URL         string
	Origin      string
	Duration    time.Duration
	MaxMessages int
	Stats       bool
}

type report struct {
	Messages   int
	Bytes      uint64
	Elapsed    time.Duration
	FirstBytes []byte
	Framing    framing.Stats
	// Stats holds the relay's reply to a stats command when requested.
	Stats json.RawMessage
}

func main() {
	cfg := watchConfig{}
	flag.StringVar(&cfg.URL, "url", "ws://127.0.0.1:8765/ws/video", "relay WebSocket endpoint")
	flag.StringVar(&cfg.Origin, "origin", "", "Origin header sent with the upgrade")
	flag.DurationVar(&cfg.Duration, "duration", 10*time.Second, "how long to read before reporting")
	flag.IntVar(&cfg.MaxMessages, "messages", 0, "stop after this many binary messages (0 reads until -duration)")
	flag.BoolVar(&cfg.Stats, "stats", false, "request relay stats when connecting")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := watch(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaywatch: %v\n", err)
		os.Exit(1)
	}
	rep.write(os.Stdout)
	if rep.Messages == 0 {
		os.Exit(2)
	}
}

func watch(ctx context.Context, cfg watchConfig) (report, error) {
	if cfg.Duration <= 0 {
		return report{}, errors.New("duration must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return report{}, fmt.Errorf("dial %s: %w (status %s)", cfg.URL, err, resp.Status)
		}
		return report{}, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	defer conn.Close()

	stopRead := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stopRead()

	if cfg.Stats {
		if err := conn.WriteJSON(map[string]string{"type": "stats"}); err != nil {
			return report{}, fmt.Errorf("send stats command: %w", err)
		}
	}

	var rep report
	start := time.Now()
	for cfg.MaxMessages <= 0 || rep.Messages < cfg.MaxMessages {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			return rep, fmt.Errorf("read: %w", err)
		}
		if kind == websocket.TextMessage {
			if stats, ok := statsReply(data); ok {
				rep.Stats = stats
			}
			continue
		}
		if rep.FirstBytes == nil {
			rep.FirstBytes = append([]byte(nil), data[:min(len(data), firstBytesLen)]...)
		}
		rep.Messages++
		rep.Bytes += uint64(len(data))
		rep.Framing.Add(framing.Inspect(data))
	}
	rep.Elapsed = time.Since(start)

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return rep, nil
}

func statsReply(data []byte) (json.RawMessage, bool) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "stats" {
		return nil, false
	}
	return msg.Data, true
}

func (r report) write(w io.Writer) {
	fmt.Fprintf(w, "messages:     %s\n", humanize.Comma(int64(r.Messages)))
	fmt.Fprintf(w, "bytes:        %s\n", humanize.Bytes(r.Bytes))
	if secs := r.Elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, "throughput:   %s/s over %s\n", humanize.Bytes(uint64(float64(r.Bytes)/secs)), r.Elapsed.Round(time.Millisecond))
	}
	if len(r.FirstBytes) > 0 {
		fmt.Fprintf(w, "first bytes:  %s\n", hex.EncodeToString(r.FirstBytes))
	}
	f := r.Framing
	fmt.Fprintf(w, "ts sync:      %s (%s aligned, %d continuity errors)\n", humanize.Comma(int64(f.SyncMarkers)), humanize.Comma(int64(f.AlignedPackets)), f.ContinuityErrors)
	fmt.Fprintf(w, "start codes:  %s (%d keyframes)\n", humanize.Comma(int64(f.StartCodes)), f.Keyframes)
	if r.Messages > 0 && !f.HasMarkers() {
		fmt.Fprintln(w, "warning:      no MPEG-TS or H.264 markers seen")
	}
	if len(r.Stats) > 0 {
		fmt.Fprintf(w, "relay stats:  %s\n", r.Stats)
	}
}
