package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	socketio "github.com/googollee/go-socket.io"

	"github.com/ilp-connector/connector/internal/events"
	"github.com/ilp-connector/connector/internal/store"
)

const (
	defaultEventLimit     = 50
	maxEventLimit         = 100
	defaultHydrationLimit = 1000
	maxHydrationLimit     = 5000
	shutdownTimeout       = 10 * time.Second
)

// Fetcher resolves optional, caller-provided data for the /api/balances,
// /api/peers, and /api/routes endpoints. A nil Fetcher yields a 404.
type Fetcher func(r *http.Request) (interface{}, error)

// Config wires the Explorer Server's optional collaborators.
type Config struct {
	NodeID         string
	AllowedOrigins []string
	BalancesFetch  Fetcher
	PeersFetch     Fetcher
	RoutesFetch    Fetcher
}

// Server is the connector's observability HTTP/WebSocket surface.
type Server struct {
	cfg       Config
	store     store.Store
	hub       *hub
	socketIO  *socketio.Server
	startedAt time.Time
	unsub     events.Unsubscribe

	httpServer *http.Server
}

// New constructs a Server and subscribes it to bus for live fan-out.
func New(cfg Config, evStore store.Store, bus *events.Bus) (*Server, error) {
	h := newHub(cfg.AllowedOrigins)

	sio := socketio.NewServer(nil)
	sio.OnConnect("/", func(socketio.Conn) error { return nil })
	sio.OnDisconnect("/", func(socketio.Conn, string) {})

	s := &Server{
		cfg:       cfg,
		store:     evStore,
		hub:       h,
		socketIO:  sio,
		startedAt: time.Now(),
	}

	s.unsub = bus.Subscribe(func(ev events.TelemetryEvent) {
		h.broadcast(ev)
		sio.BroadcastToRoom("/", "", "event", ev)
	})

	return s, nil
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/api/events", s.handleEvents).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/accounts/events", s.handleHydration).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/balances", s.handleFetcher(s.cfg.BalancesFetch)).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/peers", s.handleFetcher(s.cfg.PeersFetch)).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/routes", s.handleFetcher(s.cfg.RoutesFetch)).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.hub.handleWS)
	r.PathPrefix("/socket.io/").Handler(s.socketIO)

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if originAllowed(s.cfg.AllowedOrigins, origin) && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs both the Socket.IO event loop and the HTTP server. Blocks
// until the server stops; call Shutdown from another goroutine to stop it.
func (s *Server) Start(addr string) error {
	go func() {
		_ = s.socketIO.Serve()
	}()
	defer s.socketIO.Close()

	s.httpServer = &http.Server{Addr: addr, Handler: s.router()}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("explorer: listen: %w", err)
	}
	return nil
}

// Shutdown sends a close frame to every WebSocket client, then stops the
// HTTP server within a bounded timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsub()
	s.hub.closeAll()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("explorer: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(r, defaultEventLimit, maxEventLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid query parameters")
		return
	}

	evs, err := s.store.Query(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.store.Count(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": evs, "total": total, "limit": f.Limit, "offset": f.Offset,
	})
}

func (s *Server) handleHydration(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(r, defaultHydrationLimit, maxHydrationLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid query parameters")
		return
	}
	f.Order = store.OrderAscending

	evs, err := s.store.Query(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	count, err := s.store.Total()
	if err != nil {
		status = "degraded"
	}
	size, err := s.store.Size()
	if err != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": status,
		"nodeId": s.cfg.NodeID,
		"uptime": time.Since(s.startedAt).Seconds(),
		"explorer": map[string]interface{}{
			"eventCount":       count,
			"databaseSizeBytes": size,
			"wsConnections":    s.hub.count(),
		},
		"timestamp": time.Now(),
	})
}

func (s *Server) handleFetcher(fetch Fetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fetch == nil {
			writeError(w, http.StatusNotFound, "not configured")
			return
		}
		data, err := fetch(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, data)
	}
}

func parseFilter(r *http.Request, defaultLimit, maxLimit int) (store.Filter, bool) {
	q := r.URL.Query()
	f := store.Filter{Limit: defaultLimit}

	if types := q.Get("types"); types != "" {
		f.Types = splitCSV(types)
	}
	if v := q.Get("peerId"); v != "" {
		f.PeerID = v
	}
	if v := q.Get("packetId"); v != "" {
		f.PacketID = v
	}
	if v := q.Get("direction"); v != "" {
		f.Direction = v
	}

	if v := q.Get("since"); v != "" {
		ts, err := parseUnixMillis(v)
		if err != nil {
			return f, false
		}
		f.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := parseUnixMillis(v)
		if err != nil {
			return f, false
		}
		f.Until = ts
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			return f, false
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, false
		}
		f.Offset = n
	}

	return f, true
}

func parseUnixMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
