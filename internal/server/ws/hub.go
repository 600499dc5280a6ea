// Package ws streams committed engine events to websocket clients.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// client represents a single WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter filter
	mu     sync.RWMutex
}

// filter narrows the events a client receives. Empty sets match everything.
type filter struct {
	kinds    map[domain.EventKind]bool
	accounts map[domain.AccountID]bool
}

func (f filter) matches(ev eventHead) bool {
	if len(f.kinds) > 0 && !f.kinds[ev.Kind] {
		return false
	}
	if len(f.accounts) > 0 && !f.accounts[ev.Account] && !f.accounts[ev.Counterparty] {
		return false
	}
	return true
}

// subscribeMsg is the JSON message a client sends to change its filter.
// {"action":"subscribe","kinds":["OrderDisputed"],"accounts":["0xab.."]}
// {"action":"reset"} clears the filter.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Kinds    []string `json:"kinds"`
	Accounts []string `json:"accounts"`
}

// eventHead is the part of an event the hub routes on.
type eventHead struct {
	Kind         domain.EventKind `json:"kind"`
	Account      domain.AccountID `json:"account"`
	Counterparty domain.AccountID `json:"counterparty"`
}

// StatusFunc reports the snapshot sent to clients on connect.
type StatusFunc func(ctx context.Context) (any, error)

// Config configures a Hub.
type Config struct {
	// Channel is the pub/sub channel carrying committed events.
	Channel string
	// AllowedOrigins restricts browser upgrades; empty allows all.
	AllowedOrigins []string
	Status         StatusFunc
}

// Hub manages a set of connected WebSocket clients and broadcasts committed
// events from the signal bus to every client whose filter matches.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	cfg        Config
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub that bridges the event channel of bus
// to connected WebSocket clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run starts the hub's main event loop. It handles client registration,
// unregistration, and message broadcasting, and exits when ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	msgCh, err := h.bus.Subscribe(ctx, h.cfg.Channel)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", h.cfg.Channel))
	go h.forward(ctx, msgCh)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WSClients.Set(0)
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WSClients.Set(float64(n))
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WSClients.Set(float64(n))
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case data := <-h.broadcast:
			var head eventHead
			if err := json.Unmarshal(data, &head); err != nil {
				h.logger.Warn("ws: undecodable event", slog.String("error", err.Error()))
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(head) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward moves bus messages onto the broadcast channel.
func (h *Hub) forward(ctx context.Context, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", h.cfg.Channel))
				return
			}
			select {
			case h.broadcast <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. Initial filters may be given as comma separated
// kinds and accounts query parameters.
// GET /ws?kinds=OrderDisputed,CaseResolved&accounts=0x...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	q := r.URL.Query()
	c.apply(subscribeMsg{
		Action:   "subscribe",
		Kinds:    splitList(q.Get("kinds")),
		Accounts: splitList(q.Get("accounts")),
	})

	c.sendInitialStatus(r.Context())
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// readPump reads filter updates from the connection until it closes.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.apply(sub)
		}
	}
}

// apply updates the client's filter.
func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "reset":
		c.filter = filter{}
	case "subscribe":
		if len(msg.Kinds) > 0 && c.filter.kinds == nil {
			c.filter.kinds = make(map[domain.EventKind]bool)
		}
		for _, k := range msg.Kinds {
			c.filter.kinds[domain.EventKind(k)] = true
		}
		if len(msg.Accounts) > 0 && c.filter.accounts == nil {
			c.filter.accounts = make(map[domain.AccountID]bool)
		}
		for _, a := range msg.Accounts {
			c.filter.accounts[domain.NormalizeAccount(a)] = true
		}
	case "unsubscribe":
		for _, k := range msg.Kinds {
			delete(c.filter.kinds, domain.EventKind(k))
		}
		for _, a := range msg.Accounts {
			delete(c.filter.accounts, domain.NormalizeAccount(a))
		}
	}
}

func (c *client) wants(ev eventHead) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(ev)
}

// sendInitialStatus pushes the engine status so clients can render before
// the first event arrives.
func (c *client) sendInitialStatus(ctx context.Context) {
	if c.hub.cfg.Status == nil {
		return
	}
	st, err := c.hub.cfg.Status(ctx)
	if err != nil {
		c.hub.logger.Warn("ws: status snapshot", slog.String("error", err.Error()))
		return
	}
	msg, err := json.Marshal(map[string]any{
		"type":    "status",
		"payload": st,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump pumps messages from the hub to the WebSocket connection as text
// frames and sends periodic pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
