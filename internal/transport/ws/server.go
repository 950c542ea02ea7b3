// Package ws serves the derived city over HTTP and websockets: read-only
// query endpoints plus a push stream of lifecycle notifications.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"gitcity.dev/internal/persistence/snapshot"
	"gitcity.dev/internal/protocol"
	"gitcity.dev/internal/sim/derive"
)

type Options struct {
	AllowedOrigins []string
	// New websocket connections per second, with burst.
	ConnRate  rate.Limit
	ConnBurst int
	// Per-client outbound queue; slow clients are dropped when it fills.
	ClientQueue int
}

func (o *Options) defaults() {
	if o.ConnRate <= 0 {
		o.ConnRate = 10
	}
	if o.ConnBurst <= 0 {
		o.ConnBurst = 20
	}
	if o.ClientQueue <= 0 {
		o.ClientQueue = 256
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
}

// Server wraps a single-owner engine behind an RWMutex: Apply takes the write
// lock, query handlers take read locks. Notifications emitted during Apply
// fan out to connected websocket clients.
type Server struct {
	mu     sync.RWMutex
	engine *derive.Engine

	log  *log.Logger
	opts Options

	upgrader websocket.Upgrader
	connLim  *rate.Limiter

	clientMu sync.Mutex
	clients  map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	out  chan []byte
}

func NewServer(eng *derive.Engine, logger *log.Logger, opts Options) *Server {
	opts.defaults()
	s := &Server{
		engine:  eng,
		log:     logger,
		opts:    opts,
		connLim: rate.NewLimiter(opts.ConnRate, opts.ConnBurst),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // cors handles origins
		},
	}
	eng.Subscribe(s.onNotification)
	return s
}

// Apply feeds a batch of events through the engine. It is the only write
// path; callers must not touch the engine directly once the server owns it.
func (s *Server) Apply(ctx context.Context, events []protocol.ChangeEvent) (derive.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Apply(ctx, events)
}

// ExportSnapshot captures engine state under the read lock.
func (s *Server) ExportSnapshot() snapshot.SnapshotV1 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.ExportSnapshot()
}

func (s *Server) onNotification(n derive.Notification) {
	msg := protocol.NotifyMsg{
		Type:            protocol.TypeNotify,
		ProtocolVersion: protocol.Version,
		Action:          string(n.Action),
		EntityID:        n.EntityID,
		Key:             n.Key,
		Timestamp:       n.Timestamp.UTC().Format(time.RFC3339Nano),
		Kind:            string(n.Kind),
		Implicit:        n.Implicit,
		LayerCount:      n.LayerCount,
	}
	if n.NewPos != nil {
		msg.NewPos = &[2]int{n.NewPos.X, n.NewPos.Z}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.broadcast(b)
}

func (s *Server) broadcast(b []byte) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for c := range s.clients {
		select {
		case c.out <- b:
		default:
			// Slow consumer; closing the queue ends its writer.
			delete(s.clients, c)
			close(c.out)
		}
	}
}

func (s *Server) welcome() protocol.WelcomeMsg {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		CityID:          s.engine.CityID(),
		AppliedEvents:   s.engine.AppliedEvents(),
		GridParams:      s.engine.GridParams(),
	}
}

// Routes builds the HTTP handler: websocket stream plus JSON queries, with
// CORS applied to the whole mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", s.handleWS)
	mux.HandleFunc("/v1/geometry", s.handleGeometry)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/v1/entities", s.handleEntities)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})
	return c.Handler(mux)
}

func (s *Server) handleWS(rw http.ResponseWriter, r *http.Request) {
	if !s.connLim.Allow() {
		http.Error(rw, "too many connections", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}

	s.mu.RLock()
	w := s.welcome()
	s.mu.RUnlock()
	b, _ := json.Marshal(w)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		_ = conn.Close()
		return
	}

	c := &client{conn: conn, out: make(chan []byte, s.opts.ClientQueue)}
	s.clientMu.Lock()
	s.clients[c] = struct{}{}
	s.clientMu.Unlock()

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for b := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			s.drop(c)
			return
		}
	}
}

// readLoop drains the connection; clients send nothing but pings and closes.
func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(4 * 1024)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.drop(c)
			return
		}
	}
}

func (s *Server) drop(c *client) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.out)
	}
}

// ClientCount reports connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return len(s.clients)
}

func (s *Server) handleGeometry(rw http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	buildings := s.engine.Geometry(time.Now())
	params := s.engine.GridParams()
	s.mu.RUnlock()

	writeJSON(rw, struct {
		GridParams protocol.GridParams `json:"grid_params"`
		Buildings  []derive.Building   `json:"buildings"`
	}{params, buildings})
}

func (s *Server) handleStats(rw http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	st := s.engine.Stats()
	s.mu.RUnlock()

	writeJSON(rw, struct {
		CityID    string  `json:"city_id"`
		Applied   uint64  `json:"applied_events"`
		Entities  int     `json:"entities"`
		Active    int     `json:"active"`
		Occupied  int     `json:"occupied"`
		Buildable int     `json:"buildable"`
		Occupancy float64 `json:"occupancy_ratio"`
		Expanded  int     `json:"expansions"`
		Clients   int     `json:"clients"`
	}{
		CityID:    s.cityID(),
		Applied:   st.Applied,
		Entities:  st.Entities,
		Active:    st.Active,
		Occupied:  st.Grid.Occupied,
		Buildable: st.Grid.Buildable,
		Occupancy: st.Grid.OccupancyRatio,
		Expanded:  st.Grid.Expansions,
		Clients:   s.ClientCount(),
	})
}

func (s *Server) cityID() string {
	return s.engine.CityID()
}

// handleEntities answers ledger queries: ?key=, ?id=, ?category=, ?author=,
// or ?sort=most-changed|most-recent with optional &n=.
func (s *Server) handleEntities(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case q.Get("key") != "":
		ent, ok := s.engine.EntityByKey(q.Get("key"))
		if !ok {
			writeErr(rw, http.StatusNotFound, protocol.ErrUnknownKey)
			return
		}
		writeJSON(rw, ent)
	case q.Get("id") != "":
		ent, ok := s.engine.EntityByID(q.Get("id"))
		if !ok {
			writeErr(rw, http.StatusNotFound, protocol.ErrUnknownKey)
			return
		}
		writeJSON(rw, ent)
	case q.Get("category") != "":
		writeJSON(rw, s.engine.EntitiesByCategory(q.Get("category")))
	case q.Get("author") != "":
		writeJSON(rw, s.engine.EntitiesByAuthor(q.Get("author")))
	case q.Get("sort") != "":
		n := 20
		if v, err := strconv.Atoi(q.Get("n")); err == nil && v > 0 && v <= 500 {
			n = v
		}
		switch q.Get("sort") {
		case "most-changed":
			writeJSON(rw, s.engine.MostChanged(n))
		case "most-recent":
			writeJSON(rw, s.engine.MostRecent(n))
		default:
			writeErr(rw, http.StatusBadRequest, protocol.ErrBadEvent)
		}
	default:
		writeErr(rw, http.StatusBadRequest, protocol.ErrBadEvent)
	}
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, status int, code string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(map[string]string{"error": code})
}
