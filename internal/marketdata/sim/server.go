package sim

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kline-recorder/internal/model"
)

const (
	maxHistory    = 5000
	maxRowsPerReq = 1000
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop frame
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ─── Server ───────────────────────────────────────────────────────────────────

// ServerConfig configures the simulated exchange.
type ServerConfig struct {
	Symbol   string
	Interval model.Interval

	// Seed candles available over REST at startup. Defaults to 500.
	HistorySize int

	// Tick is the wall time between closed candles. Defaults to the interval.
	Tick time.Duration

	Generator GeneratorConfig
}

// Server serves a kline stream at /ws/<symbol>@kline_<interval> and the
// klines REST endpoint at /api/v3/klines.
type Server struct {
	cfg    ServerConfig
	gen    *Generator
	hub    *hub
	stream string
	mux    *http.ServeMux

	mu      sync.RWMutex
	history []model.Candle

	now func() time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewServer creates a server whose seeded history ends just before the current bucket.
func NewServer(cfg ServerConfig) *Server {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 500
	}
	if cfg.HistorySize > maxHistory {
		cfg.HistorySize = maxHistory
	}
	if cfg.Tick <= 0 {
		cfg.Tick = cfg.Interval.Duration()
	}
	cfg.Symbol = strings.ToLower(cfg.Symbol)
	cfg.Generator.Interval = cfg.Interval
	if cfg.Generator.Start.IsZero() {
		cfg.Generator.Start = time.Now().Add(-time.Duration(cfg.HistorySize) * cfg.Interval.Duration())
	}

	s := &Server{
		cfg:    cfg,
		gen:    NewGenerator(cfg.Generator),
		hub:    newHub(),
		stream: cfg.Symbol + "@kline_" + cfg.Interval.String(),
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.history = s.gen.History(cfg.HistorySize)

	s.mux.HandleFunc("/ws/", s.handleWS)
	s.mux.HandleFunc("/api/v3/klines", s.handleKlines)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"klineserver"}`))
	})
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Clients returns the number of connected stream clients.
func (s *Server) Clients() int { return s.hub.count() }

// Run emits one candle per tick until ctx ends: a forming update halfway
// through the tick, then the closed candle.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step produces the next candle immediately and broadcasts it.
func (s *Server) Step() model.Candle {
	c := s.gen.Next()

	forming := c
	forming.Closed = false
	forming.Close = c.Open
	s.emit(forming)
	s.emit(c)

	s.mu.Lock()
	s.history = append(s.history, c)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.mu.Unlock()
	return c
}

func (s *Server) emit(c model.Candle) {
	b, err := KlineFrame(s.cfg.Symbol, s.cfg.Interval, c, s.now().UnixMilli())
	if err != nil {
		log.Printf("[klineserver] encode frame: %v", err)
		return
	}
	s.hub.broadcast(b)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/ws/") != s.stream {
		http.NotFound(w, r)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[klineserver] upgrade error: %v", err)
		return
	}
	log.Printf("[klineserver] client connected: %s", r.RemoteAddr)

	ch := s.hub.register(conn)
	defer func() {
		s.hub.unregister(conn)
		conn.Close()
		log.Printf("[klineserver] client disconnected: %s", r.RemoteAddr)
	}()

	// Detect client close so the write pump can exit.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.unregister(conn)
				return
			}
		}
	}()

	for msg := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !strings.EqualFold(q.Get("symbol"), s.cfg.Symbol) || q.Get("interval") != s.cfg.Interval.String() {
		writeError(w, http.StatusBadRequest, "Invalid symbol or interval.")
		return
	}
	limit := 500
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit.")
			return
		}
		limit = min(n, maxRowsPerReq)
	}
	var startMs int64
	if v := q.Get("startTime"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid startTime.")
			return
		}
		startMs = n
	}

	s.mu.RLock()
	i := sort.Search(len(s.history), func(i int) bool {
		return s.history[i].OpenTime.UnixMilli() >= startMs
	})
	rows := make([][]any, 0, limit)
	for ; i < len(s.history) && len(rows) < limit; i++ {
		rows = append(rows, KlineRow(s.cfg.Interval, s.history[i]))
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"code": -1100, "msg": msg})
}
