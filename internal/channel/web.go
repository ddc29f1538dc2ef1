package channel

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

//go:embed web_assets/*
var assetsFS embed.FS

// WSMessage is the JSON protocol spoken with the chat widget.
type WSMessage struct {
	Type      string            `json:"type"`
	Content   string            `json:"content,omitempty"`
	Agents    []domain.AgentRef `json:"agents,omitempty"`
	From      *domain.AgentRef  `json:"from,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure CORS for production)
	},
}

// WebConfig configures the visitor-facing web channel.
type WebConfig struct {
	Host    string
	Port    int
	Logger  *slog.Logger
	Version string

	// Optional extra endpoint, mounted at /metrics when set.
	MetricsHandler http.HandlerFunc
}

// Web serves the embedded chat widget and the websocket endpoint visitors
// connect through. Each websocket connection gets a fresh connection id;
// identity registration and routing happen upstream.
type Web struct {
	host    string
	port    int
	bus     domain.MessageBus
	logger  *slog.Logger
	server  *http.Server
	version string
	metrics http.HandlerFunc

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// wsClient tracks a connected widget.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Web{
		host:    cfg.Host,
		port:    cfg.Port,
		logger:  cfg.Logger,
		version: cfg.Version,
		metrics: cfg.MetricsHandler,
		clients: make(map[string]*wsClient),
	}
}

func (w *Web) Name() string { return "web" }

// SetBus attaches the message bus and registers the outbound handler.
// Start calls this; tests use it to drive Handler directly.
func (w *Web) SetBus(bus domain.MessageBus) {
	w.bus = bus
	bus.OnOutbound("web", w.dispatch)
}

// Start runs the widget server until the context is cancelled.
func (w *Web) Start(ctx context.Context, bus domain.MessageBus) error {
	w.SetBus(bus)

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web channel started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		w.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler builds the HTTP routes. Split out so tests can run the channel
// under httptest without binding a port.
func (w *Web) Handler() http.Handler {
	mux := http.NewServeMux()

	assetsHandler := http.FileServer(http.FS(assetsFS))
	mux.Handle("GET /", http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			r.URL.Path = "/web_assets/index.html"
		} else {
			r.URL.Path = "/web_assets" + r.URL.Path
		}
		assetsHandler.ServeHTTP(rw, r)
	}))
	mux.HandleFunc("GET /ws", w.handleUpgrade)
	mux.HandleFunc("GET /status", w.handleStatus)
	if w.metrics != nil {
		mux.HandleFunc("GET /metrics", w.metrics)
	}
	return mux
}

// BroadcastAgents pushes a roster snapshot to every connected widget. Wired
// as the directory's broadcast hook.
func (w *Web) BroadcastAgents(agents []domain.AgentRef) {
	w.broadcast(WSMessage{Type: "update_agents", Agents: agents})
}

// dispatch routes an outbound relay message to the owning widget, or to all
// widgets when no connection id is set.
func (w *Web) dispatch(msg domain.OutboundMessage) {
	out := WSMessage{
		Type:    msg.Event,
		Content: msg.Content,
		Agents:  msg.Agents,
		From:    msg.From,
	}
	if !msg.Timestamp.IsZero() {
		out.Timestamp = msg.Timestamp.Format(time.RFC3339)
	}

	if msg.ConnID == "" {
		w.broadcast(out)
		return
	}

	w.mu.RLock()
	client, ok := w.clients[msg.ConnID]
	w.mu.RUnlock()
	if !ok {
		w.logger.Debug("outbound for unknown connection", "conn", msg.ConnID, "type", msg.Event)
		return
	}
	if err := client.send(out); err != nil {
		w.logger.Debug("websocket write failed", "conn", msg.ConnID, "err", err)
	}
}

func (w *Web) broadcast(msg WSMessage) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for id, client := range w.clients {
		if err := client.send(msg); err != nil {
			w.logger.Debug("websocket broadcast write failed", "conn", id, "err", err)
		}
	}
}

func (w *Web) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	connID := uuid.NewString()
	client := &wsClient{conn: conn}

	w.mu.Lock()
	w.clients[connID] = client
	w.mu.Unlock()

	w.logger.Info("widget connected", "conn", connID)
	client.send(WSMessage{Type: "status", Content: "connected"})

	w.bus.Publish(domain.InboundEvent{
		Type:      domain.EventConnect,
		Channel:   "web",
		ConnID:    connID,
		Timestamp: time.Now(),
	})

	defer func() {
		w.mu.Lock()
		delete(w.clients, connID)
		w.mu.Unlock()
		conn.Close()

		w.bus.Publish(domain.InboundEvent{
			Type:      domain.EventDisconnect,
			Channel:   "web",
			ConnID:    connID,
			Timestamp: time.Now(),
		})
		w.logger.Info("widget disconnected", "conn", connID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Error("websocket read error", "conn", connID, "err", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.logger.Warn("invalid widget frame", "conn", connID, "err", err)
			continue
		}

		evt := domain.InboundEvent{
			Channel:   "web",
			ConnID:    connID,
			Timestamp: time.Now(),
		}

		switch msg.Type {
		case "register_session":
			evt.Type = domain.EventRegisterSession
			evt.Identity = msg.Content
		case "register_user":
			evt.Type = domain.EventRegisterUser
			evt.Identity = msg.Content
		case "request_agents":
			evt.Type = domain.EventRequestAgents
		case "select_agent":
			evt.Type = domain.EventSelectAgent
			evt.AgentID = msg.Content
		case "message":
			evt.Type = domain.EventVisitorMessage
			evt.Content = msg.Content
		default:
			w.logger.Debug("unknown widget frame type", "conn", connID, "type", msg.Type)
			continue
		}

		w.bus.Publish(evt)
	}
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	w.mu.RLock()
	connected := len(w.clients)
	w.mu.RUnlock()

	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":      "ok",
		"version":     w.version,
		"connections": connected,
		"time":        time.Now().Format(time.RFC3339),
	})
}

func (c *wsClient) send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *Web) closeAllClients() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, client := range w.clients {
		client.conn.Close()
		delete(w.clients, id)
	}
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}
