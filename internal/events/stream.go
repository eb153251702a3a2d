package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// streamFrame is the JSON frame pushed to websocket clients; it mirrors the
// webhook envelope minus the subscriber block.
type streamFrame struct {
	Event     Kind        `json:"event"`
	Instance  *string     `json:"instance"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// client serializes writes: gorilla/websocket allows one concurrent writer
// per connection, and bus handlers run on independent goroutines.
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) write(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Stream broadcasts every bus event to connected websocket clients.
type Stream struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewStream() *Stream {
	return &Stream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Auth happens at the API-key middleware; origin is not
			// meaningful for server-to-server clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️ upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("client connected (%d total)", count)

	// Drain reads so pings and close frames are processed.
	go func() {
		defer s.drop(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// HandleEvent is the bus handler feeding the stream.
func (s *Stream) HandleEvent(_ context.Context, kind Kind, instance string, data interface{}) {
	frame := streamFrame{
		Event:     kind,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if instance != "" {
		frame.Instance = &instance
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		s.logger.Printf("❌ cannot encode stream frame: %v", err)
		return
	}

	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.write(raw); err != nil {
			s.drop(c)
		}
	}
}

// Close disconnects every client.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[*client]struct{})
}

func (s *Stream) drop(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}
