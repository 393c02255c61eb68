// Package server exposes a bus session over HTTP and WebSocket: a small
// JSON control API, a live telemetry stream, and the parameter poll loop
// that keeps the cache warm.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/automotive-pi/canbridge/internal/bridge"
	"github.com/automotive-pi/canbridge/internal/canbus"
	"github.com/automotive-pi/canbridge/internal/framelog"
	"github.com/automotive-pi/canbridge/internal/obd"
)

// Server coordinates parameter polling and broadcasts data to WebSocket clients.
type Server struct {
	cfg      *Config
	session  *bridge.Session
	recorder *framelog.Recorder

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Update is the JSON structure sent to all WebSocket clients.
type Update struct {
	Readings map[string]float64 `json:"readings,omitempty"`
	Stats    *bridge.Stats      `json:"stats,omitempty"`
	Stamp    int64              `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, session *bridge.Session) *Server {
	return &Server{
		cfg:      cfg,
		session:  session,
		recorder: framelog.New(cfg.FrameLog),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// routes builds the HTTP mux. Split out so handler tests can exercise
// the API without binding a listener.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/initialize", s.handleInitialize)
	mux.HandleFunc("/api/deinitialize", s.handleDeinitialize)
	mux.HandleFunc("/api/read", s.handleRead)
	mux.HandleFunc("/api/readings", s.handleReadings)
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/parameters", s.handleParameters)
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server, the poll loop and the raw-frame capture.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)
	go s.captureLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.routes(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Send current cache + stats immediately so the client has a full
	// picture before the first poll tick.
	stats := s.session.Stats()
	first := Update{
		Readings: s.session.Readings(),
		Stats:    &stats,
		Stamp:    time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}

	var req struct {
		Interface string `json:"interface"`
	}
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request", 400)
			return
		}
	}
	name := req.Interface
	if name == "" {
		name = s.cfg.Bus.Interface
	}

	if err := s.session.Initialize(name); err != nil {
		writeError(w, 502, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "interface": name})
}

func (s *Server) handleDeinitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.session.Deinitialize()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}

	pid, err := strconv.ParseUint(r.URL.Query().Get("pid"), 0, 8)
	if err != nil {
		http.Error(w, "bad pid", 400)
		return
	}

	reading, err := s.session.ReadParameter(byte(pid))
	if err != nil {
		status := 502
		if errors.Is(err, bridge.ErrInvalidParameter) {
			status = 400
		} else if errors.Is(err, bridge.ErrNotConnected) {
			status = 409
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, reading)
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, s.session.Readings())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}

	var req struct {
		ID       uint32 `json:"id"`
		Extended bool   `json:"extended"`
		Remote   bool   `json:"remote"`
		Data     []byte `json:"data"`
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	if len(req.Data) > canbus.MaxDataLen {
		http.Error(w, "payload too long", 400)
		return
	}

	f := canbus.Frame{
		ID:       req.ID,
		Extended: req.Extended,
		Remote:   req.Remote,
		Length:   uint8(len(req.Data)),
	}
	copy(f.Data[:], req.Data)

	if err := s.session.SendFrame(f); err != nil {
		status := 502
		if errors.Is(err, bridge.ErrNotConnected) {
			status = 409
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	writeJSON(w, s.session.Stats())
}

// handleParameters lists the known parameters with PID, name and the
// currently cached value.
func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}

	readings := s.session.Readings()
	type entry struct {
		PID   byte    `json:"pid"`
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	var out []entry
	for _, p := range obd.Parameters() {
		out = append(out, entry{PID: byte(p), Name: p.Name(), Value: readings[p.Name()]})
	}
	writeJSON(w, out)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			writeError(w, 500, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			writeError(w, 400, err)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// pollLoop issues parameter requests at the configured rate and
// broadcasts the cache to WebSocket clients after every sweep. Requests
// are fire-and-forget; responses land in the cache via the session's
// read loop.
func (s *Server) pollLoop(ctx context.Context) {
	hz := s.cfg.Poll.Hz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.session.Stats()
			if stats.Connected {
				for _, pid := range s.pollPIDs() {
					s.session.ReadParameter(pid)
				}
			}

			update := Update{
				Readings: s.session.Readings(),
				Stats:    &stats,
				Stamp:    time.Now().UnixMilli(),
			}
			s.broadcast(update)
		}
	}
}

// pollPIDs returns the configured poll set, defaulting to every known
// parameter.
func (s *Server) pollPIDs() []byte {
	if len(s.cfg.Poll.PIDs) > 0 {
		pids := make([]byte, 0, len(s.cfg.Poll.PIDs))
		for _, p := range s.cfg.Poll.PIDs {
			pids = append(pids, byte(p))
		}
		return pids
	}
	params := obd.Parameters()
	pids := make([]byte, len(params))
	for i, p := range params {
		pids[i] = byte(p)
	}
	return pids
}

// captureLoop feeds every received frame into the recorder. The
// subscription survives re-initialization because the session keeps
// subscribers across bus sessions.
func (s *Server) captureLoop(ctx context.Context) {
	frames, cancel := s.session.Subscribe(256)
	defer cancel()
	defer s.recorder.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.recorder.Record(f)
		}
	}
}

func (s *Server) broadcast(update Update) {
	data, err := json.Marshal(update)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
