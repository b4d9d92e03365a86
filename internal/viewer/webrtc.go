package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"streamrelay/internal/fanout"
	"streamrelay/internal/observability/logging"
)

const (
	defaultBufferedAmountHigh = 1 << 20
	defaultBufferedAmountLow  = 256 << 10
	defaultGatherTimeout      = 5 * time.Second
	maxOfferBytes             = 64 << 10
)

// dataChannel is the subset of *webrtc.DataChannel used by DataChannelSink.
type dataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Close() error
}

// DataChannelSink sends chunks over an open WebRTC data channel. Send
// blocks while the channel's buffered amount is above the high watermark.
type DataChannelSink struct {
	dc   dataChannel
	high uint64
	low  chan struct{}

	closed chan struct{}
	once   sync.Once
}

func newDataChannelSink(dc dataChannel, high, low uint64) *DataChannelSink {
	s := &DataChannelSink{
		dc:     dc,
		high:   high,
		low:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	dc.SetBufferedAmountLowThreshold(low)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.low <- struct{}{}:
		default:
		}
	})
	return s
}

func (s *DataChannelSink) Send(ctx context.Context, data []byte) error {
	for s.dc.BufferedAmount() > s.high {
		select {
		case <-s.closed:
			return fanout.ErrSinkClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-s.low:
		}
	}
	select {
	case <-s.closed:
		return fanout.ErrSinkClosed
	default:
	}
	if err := s.dc.Send(data); err != nil {
		if s.dc.ReadyState() != webrtc.DataChannelStateOpen {
			s.Close()
			return fmt.Errorf("%w: %w", fanout.ErrSinkClosed, err)
		}
		return err
	}
	return nil
}

func (s *DataChannelSink) Closed() <-chan struct{} { return s.closed }
func (s *DataChannelSink) Transport() string       { return "webrtc" }

// Close closes the data channel and signals Closed.
func (s *DataChannelSink) Close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.dc.Close()
	})
}

// WebRTCConfig configures the offer handler.
type WebRTCConfig struct {
	Relay  Relay
	Logger *slog.Logger
	// ICEServers lists STUN/TURN URLs handed to every peer connection.
	ICEServers         []string
	BufferedAmountHigh uint64
	BufferedAmountLow  uint64
	GatherTimeout      time.Duration
	API                *webrtc.API
}

// WebRTCHandler answers SDP offers. Every data channel the client opens
// becomes a relay subscriber once it reaches the open state.
type WebRTCHandler struct {
	relay         Relay
	logger        *slog.Logger
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	high          uint64
	low           uint64
	gatherTimeout time.Duration
}

// NewWebRTCHandler builds the handler.
func NewWebRTCHandler(cfg WebRTCConfig) *WebRTCHandler {
	h := &WebRTCHandler{
		relay:         cfg.Relay,
		logger:        logging.WithComponent(cfg.Logger, "webrtc"),
		api:           cfg.API,
		high:          cfg.BufferedAmountHigh,
		low:           cfg.BufferedAmountLow,
		gatherTimeout: cfg.GatherTimeout,
	}
	if h.api == nil {
		h.api = webrtc.NewAPI()
	}
	if len(cfg.ICEServers) > 0 {
		h.iceServers = []webrtc.ICEServer{{URLs: append([]string(nil), cfg.ICEServers...)}}
	}
	if h.high == 0 {
		h.high = defaultBufferedAmountHigh
	}
	if h.low == 0 {
		h.low = defaultBufferedAmountLow
	}
	if h.low >= h.high {
		h.low = h.high / 4
	}
	if h.gatherTimeout <= 0 {
		h.gatherTimeout = defaultGatherTimeout
	}
	return h
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offer payload")
		return
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		writeError(w, http.StatusBadRequest, "session description must be an offer")
		return
	}

	answer, err := h.negotiate(r.Context(), offer, r.RemoteAddr)
	if err != nil {
		h.logger.Warn("webrtc negotiation failed", "remote_addr", r.RemoteAddr, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

func (h *WebRTCHandler) negotiate(ctx context.Context, offer webrtc.SessionDescription, remote string) (*webrtc.SessionDescription, error) {
	pc, err := h.api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	peer := &webrtcPeer{handler: h, pc: pc, remote: remote, logger: h.logger.With("remote_addr", remote)}
	pc.OnDataChannel(peer.onDataChannel)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		peer.logger.Debug("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			peer.close()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(h.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		peer.logger.Warn("ice gathering timed out; answering with partial candidates")
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}
	return pc.LocalDescription(), nil
}

// webrtcPeer tracks the subscribers opened over one peer connection.
type webrtcPeer struct {
	handler *WebRTCHandler
	pc      *webrtc.PeerConnection
	remote  string
	logger  *slog.Logger

	mu     sync.Mutex
	sinks  map[string]*DataChannelSink
	closed bool
}

func (p *webrtcPeer) onDataChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		sink := newDataChannelSink(dc, p.handler.high, p.handler.low)
		id, err := p.handler.relay.Subscribe(sink, p.remote)
		if err != nil {
			p.logger.Warn("subscribe failed", "label", dc.Label(), "error", err)
			sink.Close()
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			sink.Close()
			p.handler.relay.Unsubscribe(id)
			return
		}
		if p.sinks == nil {
			p.sinks = make(map[string]*DataChannelSink)
		}
		p.sinks[id] = sink
		p.mu.Unlock()
		p.logger.Info("webrtc viewer connected", "subscriber_id", id, "label", dc.Label())

		dc.OnClose(func() {
			sink.Close()
			p.handler.relay.Unsubscribe(id)
			p.mu.Lock()
			delete(p.sinks, id)
			p.mu.Unlock()
			p.logger.Info("webrtc viewer disconnected", "subscriber_id", id)
		})
	})
}

func (p *webrtcPeer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sinks := p.sinks
	p.sinks = nil
	p.mu.Unlock()

	for id, sink := range sinks {
		sink.Close()
		p.handler.relay.Unsubscribe(id)
	}
	go func() {
		if err := p.pc.Close(); err != nil {
			p.logger.Debug("close peer connection", "error", err)
		}
	}()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
