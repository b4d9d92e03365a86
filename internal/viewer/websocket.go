package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamrelay/internal/fanout"
	"streamrelay/internal/observability/logging"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 4096
)

// WebSocketSink sends each chunk as one binary WebSocket message.
type WebSocketSink struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn, closed: make(chan struct{})}
}

func (s *WebSocketSink) Send(ctx context.Context, data []byte) error {
	return s.write(ctx, websocket.BinaryMessage, data)
}

// SendJSON writes v as a text message.
func (s *WebSocketSink) SendJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.write(ctx, websocket.TextMessage, payload)
}

func (s *WebSocketSink) write(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-s.closed:
		return fanout.ErrSinkClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(writeDeadline(ctx.Deadline()))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		if isConnClosed(err) {
			s.Close()
			return fmt.Errorf("%w: %w", fanout.ErrSinkClosed, err)
		}
		return err
	}
	return nil
}

// Ping sends a heartbeat control frame.
func (s *WebSocketSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(DefaultWriteTimeout))
}

func (s *WebSocketSink) Closed() <-chan struct{} { return s.closed }
func (s *WebSocketSink) Transport() string       { return "websocket" }

// Close tears down the connection and signals Closed. It is idempotent.
func (s *WebSocketSink) Close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func isConnClosed(err error) bool {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset")
}

// WebSocketConfig configures the /ws/video handler.
type WebSocketConfig struct {
	Relay        Relay
	Logger       *slog.Logger
	PingInterval time.Duration
	PongWait     time.Duration
	ReadLimit    int64
	// CheckOrigin overrides the same-origin check. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// WebSocketHandler upgrades viewers and subscribes them to the relay.
type WebSocketHandler struct {
	relay        Relay
	logger       *slog.Logger
	pingInterval time.Duration
	pongWait     time.Duration
	readLimit    int64
	upgrader     websocket.Upgrader
}

// NewWebSocketHandler builds the handler.
func NewWebSocketHandler(cfg WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		relay:        cfg.Relay,
		logger:       logging.WithComponent(cfg.Logger, "websocket"),
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		readLimit:    cfg.ReadLimit,
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.pongWait <= h.pingInterval {
		h.pongWait = 2 * h.pingInterval
	}
	if h.readLimit <= 0 {
		h.readLimit = defaultReadLimit
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	sink := NewWebSocketSink(conn)
	defer sink.Close()

	id, err := h.relay.Subscribe(sink, r.RemoteAddr)
	if err != nil {
		h.logger.Warn("subscribe failed", "remote_addr", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}
	logger := h.logger.With("subscriber_id", id, "remote_addr", r.RemoteAddr)
	logger.Info("websocket viewer connected")

	go h.heartbeat(sink, logger)
	h.readLoop(sink, logger)

	sink.Close()
	h.relay.Unsubscribe(id)
	logger.Info("websocket viewer disconnected")
}

func (h *WebSocketHandler) heartbeat(sink *WebSocketSink, logger *slog.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sink.Closed():
			return
		case <-ticker.C:
			if err := sink.Ping(); err != nil {
				logger.Debug("websocket ping failed", "error", err)
				sink.Close()
				return
			}
		}
	}
}

// readLoop consumes client messages until the connection fails. Disconnects
// are detected here since viewers rarely send anything.
func (h *WebSocketHandler) readLoop(sink *WebSocketSink, logger *slog.Logger) {
	conn := sink.conn
	conn.SetReadLimit(h.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		reply := h.handleCommand(data)
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		err = sink.SendJSON(ctx, reply)
		cancel()
		if err != nil {
			logger.Debug("websocket reply failed", "error", err)
			return
		}
	}
}

// CommandType enumerates client text commands.
type CommandType string

const (
	CommandPing   CommandType = "ping"
	CommandStats  CommandType = "stats"
	CommandStatus CommandType = "get_status"
)

// ClientCommand is a text message sent by a viewer.
type ClientCommand struct {
	Type CommandType `json:"type"`
}

// ServerMessage is a text reply to a ClientCommand.
type ServerMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *WebSocketHandler) handleCommand(data []byte) ServerMessage {
	now := time.Now().UTC()
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return ServerMessage{Type: "error", Data: map[string]string{"message": "invalid json"}, Timestamp: now}
	}
	switch CommandType(strings.ToLower(strings.TrimSpace(string(cmd.Type)))) {
	case CommandPing:
		return ServerMessage{Type: "pong", Timestamp: now}
	case CommandStats, CommandStatus:
		return ServerMessage{Type: "stats", Data: h.relay.Snapshot(), Timestamp: now}
	default:
		return ServerMessage{Type: "error", Data: map[string]string{"message": fmt.Sprintf("unknown command %q", cmd.Type)}, Timestamp: now}
	}
}
