package monitor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/omnicloud/p2pgit/internal/peer"
	"github.com/omnicloud/p2pgit/internal/swarm"
)

// Source is the mutex-guarded accessor the monitor reads through
// (SPEC_FULL.md §13) — implemented by internal/node.Node. The monitor
// never mutates anything it reads from Source.
type Source interface {
	Swarms() []*swarm.Swarm
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Monitor is the read-only HTTP + WebSocket status surface, loopback
// bound by default and disabled when its configured address is empty.
type Monitor struct {
	logger *log.Logger
	source Source
	router *mux.Router
	server *http.Server
	hub    *hub
}

// New builds a Monitor reading through source. Start is a separate
// call so construction never fails on a bad address.
func New(logger *log.Logger, source Source) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	m := &Monitor{
		logger: logger,
		source: source,
		router: mux.NewRouter(),
		hub:    newHub(logger),
	}
	m.setupRoutes()
	go m.hub.run()
	return m
}

func (m *Monitor) setupRoutes() {
	m.router.Use(m.loggingMiddleware)
	m.router.HandleFunc("/swarms", m.handleSwarms).Methods("GET")
	m.router.HandleFunc("/swarms/{id}/peers", m.handleSwarmPeers).Methods("GET")
	m.router.HandleFunc("/ws", m.handleWebSocket).Methods("GET")
}

// loggingMiddleware logs every request, mirroring
// internal/api/middleware.go's loggingMiddleware/responseWriter pair.
func (m *Monitor) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.logger.Printf("[monitor] %s %s %d %v", r.Method, r.RequestURI, wrapped.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type swarmStatus struct {
	SwarmID   string `json:"swarm_id"`
	PeerCount int    `json:"peer_count"`
	Cloning   bool   `json:"cloning"`
}

func (m *Monitor) handleSwarms(w http.ResponseWriter, r *http.Request) {
	out := []swarmStatus{}
	for _, s := range m.source.Swarms() {
		out = append(out, swarmStatus{
			SwarmID:   s.ID,
			PeerCount: len(s.Peers()),
			Cloning:   s.Cloning,
		})
	}
	writeJSON(w, out)
}

type peerStatus struct {
	Direction    string `json:"direction"`
	RemotePeerID string `json:"remote_peer_id"`
	Address      string `json:"address"`
	Handshook    bool   `json:"handshook"`
	Cloning      bool   `json:"cloning"`
	ActiveChild  string `json:"active_child,omitempty"`
}

func (m *Monitor) handleSwarmPeers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var target *swarm.Swarm
	for _, s := range m.source.Swarms() {
		if s.ID == id {
			target = s
			break
		}
	}
	if target == nil {
		http.NotFound(w, r)
		return
	}

	out := []peerStatus{}
	for _, sp := range target.Peers() {
		ps := peerStatus{
			RemotePeerID: sp.RemotePeerID(),
			Address:      sp.RemoteAddr(),
		}
		if sp.Outbound() {
			ps.Direction = "outbound"
		} else {
			ps.Direction = "inbound"
		}
		// Swarm only knows peers through its minimal inversion
		// interface (spec.md §9); the richer session fields live on
		// the concrete *peer.Peer every swarm member actually is.
		if p, ok := sp.(*peer.Peer); ok {
			ps.Handshook = p.Handshook()
			ps.Cloning = p.Cloning()
			ps.ActiveChild = p.ActiveChildKind()
		}
		out = append(out, ps)
	}
	writeJSON(w, out)
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Printf("[monitor] websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 32)}
	m.hub.register <- c
	go c.writePump()
	go c.readPump(m.hub)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Broadcast pushes an event to every connected /ws client.
func (m *Monitor) Broadcast(e Event) {
	m.hub.Broadcast(e)
}

// Start serves on addr until Shutdown is called. Run it in its own
// goroutine — the core stays single-threaded (spec.md §5); the monitor
// is an external observer.
func (m *Monitor) Start(addr string) error {
	m.server = &http.Server{
		Addr:         addr,
		Handler:      m.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	m.logger.Printf("[monitor] listening on %s", addr)
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
