package sink

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/logger"
	"codeberg.org/mutker/edgetel/internal/params"
	"github.com/gorilla/websocket"
)

const (
	TypeWebSocket = "websocket"

	wsWriteTimeout = 10 * time.Second
)

type webSocketSettings struct {
	Address string `json:"address" validate:"required"`
	Path    string `json:"path"`
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WebSocketSink serves a websocket endpoint and broadcasts every event to
// the connected clients as a JSON text message.
type WebSocketSink struct {
	cfg      webSocketSettings
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	log      logger.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsClient
}

func NewWebSocket() *WebSocketSink {
	return &WebSocketSink{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]*wsClient),
		log:     logger.Component("sink").With("type", TypeWebSocket),
	}
}

func (s *WebSocketSink) Configure(_ context.Context, p map[string]any) error {
	if err := params.Decode(p, &s.cfg); err != nil {
		return err
	}
	if s.cfg.Path == "" {
		s.cfg.Path = "/"
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.New().Wrapf(errors.ErrListenerBind, err, "websocket sink %s", s.cfg.Address)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)

	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("WebSocket server stopped")
		}
	}()

	s.log.Info().Str("address", ln.Addr().String()).Msg("WebSocket sink listening")

	return nil
}

// Addr returns the bound address.
func (s *WebSocketSink) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Clients returns the number of connected clients.
func (s *WebSocketSink) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *WebSocketSink) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = &wsClient{conn: conn}
	s.mu.Unlock()

	// Reads drive control frames and detect the client going away.
	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *WebSocketSink) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *WebSocketSink) Send(_ context.Context, ev event.DataEvent) error {
	data, err := Encode(ev, FormatJSON)
	if err != nil {
		return err
	}

	s.mu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	var failed []error
	for _, c := range clients {
		if err := c.write(data); err != nil {
			failed = append(failed, err)
			s.drop(c.conn)
		}
	}

	if len(failed) > 0 {
		return deliveryError(TypeWebSocket, errors.Join(failed...))
	}

	return nil
}

func (c *wsClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WebSocketSink) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]*wsClient)
	s.mu.Unlock()

	if err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}
