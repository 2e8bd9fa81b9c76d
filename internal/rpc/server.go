package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrServerClosed is returned when operations are attempted on a closed server.
	ErrServerClosed = errors.New("rpc: server closed")
	// ErrNoPortAvailable is returned when no port in the configured range is free.
	ErrNoPortAvailable = errors.New("rpc: no port available in range")
)

// ServerConfig configures the RPC server (spec.md's expansion: "bound to
// the first free port in a configured range under state_dir/rpc.port").
type ServerConfig struct {
	PortRange       [2]int
	ShutdownTimeout time.Duration
	// AuthToken, when set, is the HMAC secret bearer JWTs must be signed
	// with. Authentication is disabled when empty.
	AuthToken string
	Logger    *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		PortRange:       [2]int{9876, 9899},
		ShutdownTimeout: 5 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server is the websocket control-surface server (spec.md §6).
// Grounded on `internal/rpc/server.go`'s port-range bind/upgrade/
// shutdown structure, with its message loop wired to Dispatch instead of
// the placeholder read loop.
type Server struct {
	config   *ServerConfig
	backend  Backend
	logger   *slog.Logger
	upgrader websocket.Upgrader
	validator *TokenValidator

	mu         sync.Mutex
	httpServer *http.Server
	port       int
	closed     bool

	connMu      sync.Mutex
	connections map[*websocket.Conn]struct{}
}

// NewServer returns a Server dispatching requests to backend.
func NewServer(backend Backend, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if config.PortRange[0] == 0 {
		config.PortRange = [2]int{9876, 9899}
	}

	s := &Server{
		config:  config,
		backend: backend,
		logger:  config.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[*websocket.Conn]struct{}),
	}
	if config.AuthToken != "" {
		s.validator = NewTokenValidator(config.AuthToken)
	}
	return s
}

// Start binds the first free port in the configured range and serves in
// the background, returning the bound port.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrServerClosed
	}
	if s.httpServer != nil {
		return s.port, nil
	}

	port, listener, err := s.findAvailablePort()
	if err != nil {
		return 0, err
	}
	s.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}

	go func() {
		s.logger.Info("rpc server starting", "port", port)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server error", "error", err)
		}
	}()

	return port, nil
}

func (s *Server) findAvailablePort() (int, net.Listener, error) {
	for port := s.config.PortRange[0]; port <= s.config.PortRange[1]; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return port, listener, nil
		}
	}
	return 0, nil, ErrNoPortAvailable
}

// Port returns the bound port, or 0 if Start hasn't been called.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	status := "ready"
	code := http.StatusOK
	if closed {
		status, code = "error", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.validator != nil {
		tok, err := ExtractBearerToken(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, err := s.validator.Validate(tok); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()

	go s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			s.writeJSON(conn, NewErrorResponse("", "invalid_message", err.Error(), nil))
			continue
		}
		if msg.Type != MessageTypeRequest {
			continue
		}

		resp := Dispatch(context.Background(), s.backend, msg)
		s.writeJSON(conn, resp)
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, msg *Message) {
	data, err := msg.Marshal()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// Shutdown closes every connection and stops serving.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	httpServer := s.httpServer
	s.mu.Unlock()

	s.connMu.Lock()
	for conn := range s.connections {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.connMu.Unlock()

	if httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
