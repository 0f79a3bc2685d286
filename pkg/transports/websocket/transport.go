// Package websocket serves relay sessions over plain websocket connections.
// Each connection is one session; binary messages carry audio and the same
// connection carries the framed reply.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

type Config struct {
	ServerAddr     string        `mapstructure:"server_addr"`
	PublicURL      string        `mapstructure:"public_url"`
	Path           string        `mapstructure:"ws_path"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	// ReadLimit caps a single inbound message in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 32 << 20
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	events   chan transports.Event
	done     chan struct{}
	stopOnce sync.Once
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn

	draining atomic.Bool
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384 + 64,
		},
		events: make(chan transports.Event, 512),
		done:   make(chan struct{}),
		conns:  make(map[string]*conn),
		log:    logging.NewComponentLogger(logger, "transport.websocket"),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "websocket" }

// Events is never closed; consumers stop on their own context.
func (t *Transport) Events() <-chan transports.Event { return t.events }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{"ws_url": t.websocketURL()}
}

// Handler exposes the routes without starting a listener.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
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
			t.log.Error("websocket_transport_server_error", "error", err.Error())
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
		conns := t.conns
		t.conns = make(map[string]*conn)
		t.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
		close(t.done)
	})
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("websocket_upgrade_failed", "error", err.Error())
		return
	}
	ws.SetReadLimit(t.cfg.ReadLimit)

	c := &conn{id: uuid.NewString(), ws: ws, writeTimeout: t.cfg.WriteTimeout}
	traceID := uuid.NewString()
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
	t.log.Info("websocket_connected", frames.MetaSessionID, c.id, frames.MetaTraceID, traceID, "remote", r.RemoteAddr)

	if !t.emit(transports.Event{Kind: transports.EventOpen, SessionID: c.id, TraceID: traceID, Outbound: c}) {
		_ = c.Close()
		t.detach(c.id)
		return
	}

	reason := "peer_closed"
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "read_error"
			}
			if c.closed.Load() {
				reason = "server_closed"
			}
			break
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		msg := transports.Message{Text: mt == websocket.TextMessage, Data: data}
		if !t.emit(transports.Event{Kind: transports.EventMessage, SessionID: c.id, TraceID: traceID, Message: msg}) {
			break
		}
	}
	t.detach(c.id)
	_ = c.Close()
	t.log.Info("websocket_disconnected", frames.MetaSessionID, c.id, "reason", reason)
	t.emit(transports.Event{Kind: transports.EventClose, SessionID: c.id, TraceID: traceID, Reason: reason})
}

// Disconnect closes a session's connection with a close frame.
func (t *Transport) Disconnect(sessionID, reason string) error {
	t.mu.Lock()
	c := t.conns[sessionID]
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.Close()
}

// emit blocks until the event is consumed or the transport stops.
func (t *Transport) emit(ev transports.Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

func (t *Transport) detach(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

func (t *Transport) websocketURL() string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.Path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + t.cfg.Path
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	t.log.Warn("websocket_origin_rejected", "origin", origin)
	return false
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

// conn is the outbound side of one connection. Writes are serialized since
// gorilla connections allow a single concurrent writer.
type conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(msg transports.Message) error {
	if c.closed.Load() {
		return transports.ErrChannelClosed
	}
	mt := websocket.BinaryMessage
	if msg.Text {
		mt = websocket.TextMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(mt, msg.Data); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close()
}
