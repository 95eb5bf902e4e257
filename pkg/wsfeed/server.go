// Package wsfeed streams engine events to WebSocket subscribers.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/perps"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256
)

// Server fans engine events out to subscribed WebSocket clients. Channels
// are named "<event-type>:<perp-id>"; a client subscribes with a JSON
// request and receives every event published on its channels.
type Server struct {
	logger log.Logger

	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	subscribers map[string]map[*Client]bool
	subMu       sync.RWMutex

	messagesOut uint64
	clientCount int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is one WebSocket connection.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
}

// Message is the wire envelope for everything the server sends.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// request is the only client-to-server message shape.
type request struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var nextClientID uint64

// NewServer creates a WebSocket feed server.
func NewServer(logger log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:      logger,
		clients:     make(map[*Client]bool),
		register:    make(chan *Client, 100),
		unregister:  make(chan *Client, 100),
		broadcast:   make(chan Message, 1000),
		subscribers: make(map[string]map[*Client]bool),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Channel returns the channel name an event is published on.
func Channel(ev perps.Event) string {
	return fmt.Sprintf("%s:%d", ev.Type, ev.PerpID)
}

// PublishEvent queues an engine event for broadcast. It is safe to install
// directly as the engine's event sink; a full queue drops the event rather
// than blocking the engine.
func (s *Server) PublishEvent(ev perps.Event) {
	msg := Message{
		Type:      string(ev.Type),
		Channel:   Channel(ev),
		Data:      ev,
		Timestamp: ev.Time.Unix(),
		Sequence:  atomic.AddUint64(&s.messagesOut, 1),
	}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Warn("event feed queue full, dropping", "channel", msg.Channel)
	}
}

// Start runs the hub and serves /ws and /health on addr until Stop.
func (s *Server) Start(addr string) error {
	s.wg.Add(1)
	go s.runHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/health", s.handleHealth)

	s.logger.Info("WebSocket feed starting", "addr", addr)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket feed error: %w", err)
	}
	return nil
}

// Stop shuts down the hub and closes all client connections.
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket feed")
	s.cancel()
	s.wg.Wait()
}

func (s *Server) runHub() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				close(client.send)
			}
			s.clients = make(map[*Client]bool)
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.logger.Debug("client connected", "id", client.id)

		case client := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				atomic.AddInt32(&s.clientCount, -1)
				s.dropSubscriptions(client)
			}
			s.clientsMu.Unlock()
			s.logger.Debug("client disconnected", "id", client.id)

		case msg := <-s.broadcast:
			s.deliver(msg)
		}
	}
}

// HandleWS upgrades the request and runs the client pumps.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       fmt.Sprintf("c%d", atomic.AddUint64(&nextClientID, 1)),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, sendQueueSize),
		channels: make(map[string]bool),
	}
	s.register <- client

	go client.writePump()
	go client.readPump()

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"clients":  atomic.LoadInt32(&s.clientCount),
		"messages": atomic.LoadUint64(&s.messagesOut),
	})
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleRequest(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) handleRequest(raw []byte) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("invalid request")
		return
	}
	switch req.Type {
	case "subscribe":
		c.setSubscriptions(req.Channels, true)
	case "unsubscribe":
		c.setSubscriptions(req.Channels, false)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("missing request type")
	default:
		c.sendError("unknown request type: " + req.Type)
	}
}

func (c *Client) setSubscriptions(channels []string, on bool) {
	c.mu.Lock()
	for _, ch := range channels {
		if on {
			c.channels[ch] = true
		} else {
			delete(c.channels, ch)
		}
	}
	c.mu.Unlock()
	for _, ch := range channels {
		c.server.setSubscription(ch, c, on)
	}

	ack := "subscribed"
	if !on {
		ack = "unsubscribed"
	}
	c.sendMessage(Message{
		Type:      ack,
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.unregister <- c
	}
}

func (c *Client) sendError(reason string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": reason},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) setSubscription(channel string, client *Client, on bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	set := s.subscribers[channel]
	if on {
		if set == nil {
			set = make(map[*Client]bool)
			s.subscribers[channel] = set
		}
		set[client] = true
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(s.subscribers, channel)
	}
}

func (s *Server) dropSubscriptions(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for channel, set := range s.subscribers {
		delete(set, client)
		if len(set) == 0 {
			delete(s.subscribers, channel)
		}
	}
}

func (s *Server) deliver(msg Message) {
	s.subMu.RLock()
	targets := make([]*Client, 0, len(s.subscribers[msg.Channel]))
	for client := range s.subscribers[msg.Channel] {
		targets = append(targets, client)
	}
	s.subMu.RUnlock()

	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}
	for _, client := range targets {
		select {
		case client.send <- data:
		default:
			// slow client, drop it
			s.unregister <- client
		}
	}
}

// Stats returns feed counters.
func (s *Server) Stats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscribers)
	s.subMu.RUnlock()
	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"channels":      numChannels,
	}
}
