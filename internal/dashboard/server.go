// Package dashboard provides a real-time WebSocket view of the sync engine.
//
// The dashboard broadcasts cycle results, conflicts, rejections and state
// changes to connected WebSocket clients, and serves health, status and
// Prometheus metrics over plain HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/moodjar/emosync/internal/logging"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	// MessageTypeSyncCompleted carries a finished or skipped cycle result
	MessageTypeSyncCompleted MessageType = "sync_completed"

	// MessageTypeConflict indicates copies of a record diverged
	MessageTypeConflict MessageType = "conflict_detected"

	// MessageTypeRejected indicates the server refused a record for good
	MessageTypeRejected MessageType = "record_rejected"

	// MessageTypeState indicates the orchestrator changed state
	MessageTypeState MessageType = "state_changed"

	// MessageTypeStats carries cache statistics
	MessageTypeStats MessageType = "stats"
)

// Message is one frame sent to every dashboard client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config configures the dashboard listener.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7465). Use port 0 for a random
	// port.
	Addr string

	// Gatherer backs /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	// WriteTimeout bounds a single WebSocket write (default: 5s).
	WriteTimeout time.Duration
}

// DefaultConfig listens on localhost only.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:7465",
		Gatherer:     prometheus.DefaultGatherer,
		WriteTimeout: 5 * time.Second,
	}
}

// Server fans sync events out to WebSocket clients and serves the status
// endpoints.
type Server struct {
	config   *Config
	log      zerolog.Logger
	listener net.Listener
	server   *http.Server
	router   *mux.Router

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message
	welcome   func() Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new dashboard server. Routes can be added with
// Handle until Start is called.
func NewServer(config *Config, log zerolog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.Gatherer == nil {
		config.Gatherer = def.Gatherer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		log:       logging.Component(log, "dashboard"),
		router:    mux.NewRouter(),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return s
}

// Handle registers an extra GET route.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h).Methods("GET")
}

// SetWelcome sets the message sent to each client on connect.
func (s *Server) SetWelcome(fn func() Message) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.welcome = fn
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("Dashboard listening")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Dashboard server error")
		}
	}()

	return nil
}

// Stop closes every client and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop dashboard: %w", err)
		}
	}

	s.wg.Wait()
	s.log.Info().Msg("Dashboard stopped")
	return nil
}

// Broadcast queues msg for every connected client. It never blocks; a full
// queue drops the message.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.log.Warn().Str("type", string(msg.Type)).Msg("Broadcast queue full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to marshal message")
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot stall
			// registration.
			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.log.Debug().Err(err).Msg("Failed to send to client")
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	// The welcome message goes out before the client is registered so it
	// always arrives first.
	s.clientsMu.RLock()
	welcome := s.welcome
	s.clientsMu.RUnlock()
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if welcome != nil {
		msg = welcome()
	}
	if data, err := json.Marshal(msg); err == nil {
		if err := s.write(conn, data); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "welcome failed")
			return
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug().Int("clients", count).Msg("Client connected")

	go s.readLoop(conn)
}

// readLoop detects disconnects. Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.log.Debug().Int("clients", count).Msg("Client disconnected")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the bound address, which differs from Config.Addr when the
// port was 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount reports how many WebSocket clients are attached.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
