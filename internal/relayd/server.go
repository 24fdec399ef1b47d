// Package relayd is a small NIP-01 relay for local development and tests.
// It stores events in sqlite and fans new ones out to open subscriptions.
package relayd

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sealchat/internal/logging"
	"sealchat/internal/metrics"
	"sealchat/internal/protocol"
)

var log = logging.Logger("relayd")

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 512 << 10
	maxFilters   = 16
)

// Server upgrades HTTP requests to relay connections.
type Server struct {
	store    *Store
	upgrader websocket.Upgrader

	lock    sync.Mutex
	clients map[*client]bool
}

type client struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
	subsMu  sync.Mutex
	subs    map[string][]protocol.Filter
}

func NewServer(store *Store) *Server {
	return &Server{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// ServeHTTP handles one websocket client until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)
	c := &client{id: uuid.NewString()[:8], conn: conn, subs: map[string][]protocol.Filter{}}

	s.lock.Lock()
	s.clients[c] = true
	s.lock.Unlock()
	metrics.Relayd.Clients.Inc()
	log.Debugf("client %s connected from %s", c.id, conn.RemoteAddr())

	defer func() {
		s.lock.Lock()
		delete(s.clients, c)
		s.lock.Unlock()
		metrics.Relayd.Clients.Dec()
		_ = conn.Close()
		log.Debugf("client %s gone", c.id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handle(c, data)
	}
}

// Clients reports the number of connected clients.
func (s *Server) Clients() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.clients)
}

func (s *Server) handle(c *client, data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
		c.send("NOTICE", "error: malformed message")
		return
	}
	var label string
	if json.Unmarshal(frame[0], &label) != nil {
		c.send("NOTICE", "error: malformed message")
		return
	}

	switch label {
	case "EVENT":
		s.handleEvent(c, frame[1])
	case "REQ":
		s.handleReq(c, frame[1:])
	case "CLOSE":
		var id string
		if json.Unmarshal(frame[1], &id) == nil {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		}
	default:
		c.send("NOTICE", "error: unknown message "+label)
	}
}

func (s *Server) handleEvent(c *client, raw json.RawMessage) {
	var e protocol.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		c.send("NOTICE", "error: bad event")
		return
	}
	if !e.CheckID() {
		metrics.Relayd.Events.WithLabelValues("invalid").Inc()
		c.send("OK", e.ID, false, "invalid: bad event id")
		return
	}
	if !e.CheckSignature() {
		metrics.Relayd.Events.WithLabelValues("invalid").Inc()
		c.send("OK", e.ID, false, "invalid: bad signature")
		return
	}

	stored, err := s.store.Save(&e)
	if err != nil {
		log.Warnf("store %s: %v", e.ID, err)
		metrics.Relayd.Events.WithLabelValues("error").Inc()
		c.send("OK", e.ID, false, "error: could not store event")
		return
	}
	if !stored {
		metrics.Relayd.Events.WithLabelValues("duplicate").Inc()
		c.send("OK", e.ID, true, "duplicate: already have this event")
		return
	}
	metrics.Relayd.Events.WithLabelValues("stored").Inc()
	c.send("OK", e.ID, true, "")
	s.broadcast(&e)
}

func (s *Server) handleReq(c *client, args []json.RawMessage) {
	var id string
	if json.Unmarshal(args[0], &id) != nil || id == "" {
		c.send("NOTICE", "error: bad subscription id")
		return
	}
	filters := make([]protocol.Filter, 0, len(args)-1)
	for _, raw := range args[1:] {
		var f protocol.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			c.send("CLOSED", id, "invalid: bad filter")
			return
		}
		filters = append(filters, f)
	}
	if len(filters) == 0 || len(filters) > maxFilters {
		c.send("CLOSED", id, "invalid: need between 1 and 16 filters")
		return
	}

	events, err := s.store.Query(filters)
	if err != nil {
		log.Warnf("query for %s/%s: %v", c.id, id, err)
		c.send("CLOSED", id, "error: query failed")
		return
	}

	// Register before replaying so nothing published meanwhile is missed.
	// Clients dedupe by id.
	c.subsMu.Lock()
	c.subs[id] = filters
	c.subsMu.Unlock()

	for _, e := range events {
		c.send("EVENT", id, e)
	}
	c.send("EOSE", id)
}

func (s *Server) broadcast(e *protocol.Event) {
	s.lock.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.lock.Unlock()

	for _, c := range targets {
		c.subsMu.Lock()
		var ids []string
		for id, filters := range c.subs {
			if protocol.MatchesAny(filters, e) {
				ids = append(ids, id)
			}
		}
		c.subsMu.Unlock()
		for _, id := range ids {
			if err := c.send("EVENT", id, e); err != nil {
				_ = c.conn.Close()
				break
			}
		}
	}
}

func (c *client) send(frame ...any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(frame)
}
