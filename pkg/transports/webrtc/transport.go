// Package webrtc serves relay sessions over WebRTC data channels. A browser
// posts an SDP offer; the answer carries a server-created response channel
// and any channel the browser opens delivers its audio.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

type sessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type Transport struct {
	cfg      Config
	api      *webrtc.API
	ice      ICEProvider
	limiter  *rate.Limiter
	server   *http.Server
	events   chan transports.Event
	done     chan struct{}
	stopOnce sync.Once
	log      *slog.Logger

	mu    sync.Mutex
	peers map[string]*peer

	draining atomic.Bool
}

type peer struct {
	id      string
	traceID string
	pc      *webrtc.PeerConnection
	out     *dataChannel
}

func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg = cfg.withDefaults()
	ice, err := NewICEProvider(cfg.ICE)
	if err != nil {
		return nil, err
	}
	return &Transport{
		cfg:     cfg,
		api:     webrtc.NewAPI(),
		ice:     ice,
		limiter: rate.NewLimiter(rate.Limit(cfg.OfferRate), cfg.OfferBurst),
		events:  make(chan transports.Event, 512),
		done:    make(chan struct{}),
		peers:   make(map[string]*peer),
		log:     logging.NewComponentLogger(logger, "transport.webrtc"),
	}, nil
}

func (t *Transport) Name() string { return "webrtc" }

// Events is never closed; consumers stop on their own context.
func (t *Transport) Events() <-chan transports.Event { return t.events }

func (t *Transport) ReadyFields() map[string]any {
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{
		"offer_url":    "http://" + addr + t.cfg.OfferPath,
		"ice_provider": t.cfg.ICE.Provider,
	}
}

func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.OfferPath, t.handleOffer)
	mux.HandleFunc("/health", t.handleHealth)
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Stop()
		case <-t.done:
		}
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("webrtc_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.stopOnce.Do(func() {
		t.draining.Store(true)
		if t.server != nil {
			_ = t.server.Close()
		}
		t.mu.Lock()
		peers := t.peers
		t.peers = make(map[string]*peer)
		t.mu.Unlock()
		for _, p := range peers {
			_ = p.out.Close()
			_ = p.pc.Close()
		}
		close(t.done)
	})
	return nil
}

// Disconnect closes a peer connection. The close event follows from the
// connection state change.
func (t *Transport) Disconnect(sessionID, reason string) error {
	t.closePeer(sessionID, reason)
	return nil
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	n := len(t.peers)
	t.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "peers": n})
}

func (t *Transport) handleOffer(w http.ResponseWriter, r *http.Request) {
	if !t.allowCORS(w, r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if !t.limiter.Allow() {
		t.log.Warn("webrtc_offer_rate_limited", "remote", r.RemoteAddr)
		http.Error(w, "too many offers", http.StatusTooManyRequests)
		return
	}

	var offer sessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&offer); err != nil {
		http.Error(w, "invalid offer body", http.StatusBadRequest)
		return
	}
	if offer.Type != "offer" || strings.TrimSpace(offer.SDP) == "" {
		http.Error(w, "expected sdp offer", http.StatusBadRequest)
		return
	}

	servers, err := t.ice.Servers(r.Context())
	if err != nil {
		t.log.Error("webrtc_ice_servers_failed", "error", err.Error())
		http.Error(w, "ice servers unavailable", http.StatusBadGateway)
		return
	}

	answer, status, err := t.negotiate(r.Context(), offer, servers)
	if err != nil {
		t.log.Warn("webrtc_offer_failed", "error", err.Error())
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

func (t *Transport) negotiate(ctx context.Context, offer sessionDescription, servers []webrtc.ICEServer) (sessionDescription, int, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return sessionDescription{}, http.StatusInternalServerError, err
	}
	dc, err := pc.CreateDataChannel(t.cfg.ResponseChannel, nil)
	if err != nil {
		_ = pc.Close()
		return sessionDescription{}, http.StatusInternalServerError, err
	}

	p := &peer{id: uuid.NewString(), traceID: uuid.NewString(), pc: pc}
	p.out = newDataChannel(p.id, dc, t.cfg.OpenTimeout)
	log := t.log.With(frames.MetaSessionID, p.id, frames.MetaTraceID, p.traceID)

	dc.OnMessage(t.onMessage(p))
	pc.OnDataChannel(func(in *webrtc.DataChannel) {
		log.Debug("webrtc_data_channel", "label", in.Label())
		in.OnMessage(t.onMessage(p))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info("webrtc_connection_state", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			t.closePeer(p.id, "connection_"+s.String())
		}
	})

	fail := func(status int, err error) (sessionDescription, int, error) {
		_ = p.out.Close()
		_ = pc.Close()
		return sessionDescription{}, status, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fail(http.StatusBadRequest, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(http.StatusInternalServerError, err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(http.StatusInternalServerError, err)
	}
	timer := time.NewTimer(t.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		log.Warn("webrtc_gather_timeout")
	case <-ctx.Done():
		return fail(http.StatusRequestTimeout, ctx.Err())
	}

	t.mu.Lock()
	t.peers[p.id] = p
	t.mu.Unlock()
	if !t.emit(transports.Event{Kind: transports.EventOpen, SessionID: p.id, TraceID: p.traceID, Outbound: p.out}) {
		t.mu.Lock()
		delete(t.peers, p.id)
		t.mu.Unlock()
		return fail(http.StatusServiceUnavailable, errors.New("transport stopped"))
	}
	log.Info("webrtc_peer_connected")

	local := pc.LocalDescription()
	return sessionDescription{SDP: local.SDP, Type: local.Type.String()}, http.StatusOK, nil
}

func (t *Transport) onMessage(p *peer) func(webrtc.DataChannelMessage) {
	return func(m webrtc.DataChannelMessage) {
		t.mu.Lock()
		_, live := t.peers[p.id]
		t.mu.Unlock()
		if !live {
			return
		}
		t.emit(transports.Event{
			Kind:      transports.EventMessage,
			SessionID: p.id,
			TraceID:   p.traceID,
			Message:   transports.Message{Text: m.IsString, Data: m.Data},
		})
	}
}

// closePeer removes a peer once and reports its close.
func (t *Transport) closePeer(id, reason string) {
	t.mu.Lock()
	p, ok := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = p.out.Close()
	// Close re-enters the state callback; run it outside.
	go func() { _ = p.pc.Close() }()
	t.log.Info("webrtc_peer_closed", frames.MetaSessionID, id, "reason", reason)
	t.emit(transports.Event{Kind: transports.EventClose, SessionID: id, TraceID: p.traceID, Reason: reason})
}

func (t *Transport) emit(ev transports.Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

func (t *Transport) allowCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	allowed := t.cfg.AllowAnyOrigin
	for _, a := range t.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(strings.TrimSpace(a), "/"), origin) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	return true
}
