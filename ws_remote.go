package driftdb

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LiveNotifyConfig configures the WebSocket live-notification hub.
type LiveNotifyConfig struct {
	// BufferSize is the per-connection outbound buffer.
	BufferSize int
	// PingInterval is how often to ping clients.
	PingInterval time.Duration
	// WriteTimeout bounds WebSocket writes.
	WriteTimeout time.Duration
}

// DefaultLiveNotifyConfig returns default hub configuration.
func DefaultLiveNotifyConfig() LiveNotifyConfig {
	return LiveNotifyConfig{
		BufferSize:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// liveNotification is the wire message of the live-notification protocol.
// It deliberately carries no document content; clients react by running a
// normal pull cycle.
type liveNotification struct {
	DocID   string `json:"docId"`
	Deleted bool   `json:"deleted,omitempty"`
}

// LiveNotifyHub broadcasts a collection's change events to WebSocket
// clients. Clients use the notifications to wake their replication instead
// of interval polling.
type LiveNotifyHub struct {
	collection *Collection
	config     LiveNotifyConfig
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]chan liveNotification
	closed bool

	unsubscribe func()
}

// NewLiveNotifyHub creates a hub for the given collection and starts
// forwarding its change events.
func NewLiveNotifyHub(collection *Collection, config LiveNotifyConfig) *LiveNotifyHub {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	hub := &LiveNotifyHub{
		collection: collection,
		config:     config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan liveNotification),
	}

	events, unsubscribe := collection.Events().Subscribe(config.BufferSize)
	hub.unsubscribe = unsubscribe
	go func() {
		for event := range events {
			if event.IsLocal {
				continue
			}
			hub.broadcast(liveNotification{DocID: event.DocID, Deleted: event.Doc.Deleted()})
		}
	}()
	return hub
}

func (h *LiveNotifyHub) broadcast(n liveNotification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.conns {
		select {
		case ch <- n:
		default:
		}
	}
}

// ServeHTTP implements http.Handler by upgrading the request to a WebSocket
// and streaming notifications until the client disconnects.
func (h *LiveNotifyHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := make(chan liveNotification, h.config.BufferSize)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conns[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	go h.readLoop(conn)
}

func (h *LiveNotifyHub) writeLoop(conn *websocket.Conn, ch chan liveNotification) {
	pingTicker := time.NewTicker(h.config.PingInterval)
	defer pingTicker.Stop()
	defer h.dropConn(conn)

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteJSON(n); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *LiveNotifyHub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.dropConn(conn)
			return
		}
	}
}

func (h *LiveNotifyHub) dropConn(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		close(ch)
	}
	h.mu.Unlock()
	_ = conn.Close()
}

// ClientCount returns the number of connected clients.
func (h *LiveNotifyHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects all clients and stops forwarding events.
func (h *LiveNotifyHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	h.unsubscribe()
	for _, conn := range conns {
		h.dropConn(conn)
	}
}

// LiveNotifierConfig configures a WebSocket live notifier client.
type LiveNotifierConfig struct {
	// URL is the WebSocket URL of a LiveNotifyHub.
	URL string

	// ReconnectBackoff is the initial delay before reconnecting after a
	// connection failure. It doubles per consecutive failure.
	ReconnectBackoff time.Duration

	// MaxReconnectBackoff caps the reconnect delay.
	MaxReconnectBackoff time.Duration
}

// DefaultLiveNotifierConfig returns defaults for the given hub URL.
func DefaultLiveNotifierConfig(url string) LiveNotifierConfig {
	return LiveNotifierConfig{
		URL:                 url,
		ReconnectBackoff:    time.Second,
		MaxReconnectBackoff: 30 * time.Second,
	}
}

// LiveNotifier connects a replication state to a LiveNotifyHub: every
// notification wakes a replication cycle, replacing interval polling with
// push-based wakeups. The notifier dies with the replication state.
type LiveNotifier struct {
	state  *ReplicationState
	config LiveNotifierConfig
	dialer *websocket.Dialer

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLiveNotifier creates a notifier for the given replication state.
func NewLiveNotifier(state *ReplicationState, config LiveNotifierConfig) *LiveNotifier {
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = time.Second
	}
	if config.MaxReconnectBackoff <= 0 {
		config.MaxReconnectBackoff = 30 * time.Second
	}
	return &LiveNotifier{
		state:  state,
		config: config,
		dialer: websocket.DefaultDialer,
		stop:   make(chan struct{}),
	}
}

// Start begins listening in the background.
func (n *LiveNotifier) Start() {
	go n.loop()
}

// Stop disconnects and stops reconnecting. Idempotent.
func (n *LiveNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stop) })
}

func (n *LiveNotifier) loop() {
	backoff := n.config.ReconnectBackoff
	for {
		select {
		case <-n.stop:
			return
		case <-n.state.Done():
			return
		default:
		}

		conn, _, err := n.dialer.Dial(n.config.URL, nil)
		if err != nil {
			slog.Warn("live notifier dial failed", "url", n.config.URL, "err", err)
			select {
			case <-time.After(backoff):
			case <-n.stop:
				return
			case <-n.state.Done():
				return
			}
			backoff *= 2
			if backoff > n.config.MaxReconnectBackoff {
				backoff = n.config.MaxReconnectBackoff
			}
			continue
		}
		backoff = n.config.ReconnectBackoff

		n.readUntilClosed(conn)
		_ = conn.Close()
	}
}

func (n *LiveNotifier) readUntilClosed(conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-n.stop:
		case <-n.state.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	for {
		var notification liveNotification
		if err := conn.ReadJSON(&notification); err != nil {
			return
		}
		if n.state.IsStopped() {
			return
		}
		go n.state.Run(true)
	}
}
