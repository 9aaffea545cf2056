// Package server exposes the relay over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xaenox/wa-categorizer/internal/metrics"
	"github.com/xaenox/wa-categorizer/internal/relay"
	"go.uber.org/zap"
)

type Config struct {
	Port            int
	ReadLimitBytes  int64
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg      Config
	relay    *relay.Relay
	metrics  *metrics.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

func New(cfg Config, r *relay.Relay, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		relay:   r,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// Clients are not browsers bound to one origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", s.handleHealth)
	router.Method(http.MethodGet, "/metrics", m.Handler())
	router.Get("/ws", s.handleWebSocket)
	router.Get("/", s.handleWebSocket)
	s.router = router

	return s
}

// Handler returns the HTTP handler serving the WebSocket, health and metrics
// endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured port until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening", zap.String("addr", "ws://0.0.0.0"+srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	logger := s.logger.With(zap.String("conn_id", uuid.New().String()))
	c := &conn{
		ws:     ws,
		relay:  s.relay.WithLogger(logger),
		logger: logger,
	}
	if s.cfg.ReadLimitBytes > 0 {
		ws.SetReadLimit(s.cfg.ReadLimitBytes)
	}

	s.metrics.ConnOpened()
	defer s.metrics.ConnClosed()

	c.logger.Info("Connection opened", zap.String("remote_addr", r.RemoteAddr))
	c.serve(r.Context())
	c.logger.Info("Connection closed")
}

// conn is one WebSocket client. Frames are handled concurrently; writes are
// serialized since the socket allows a single writer.
type conn struct {
	ws     *websocket.Conn
	relay  *relay.Relay
	logger *zap.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		c.wg.Wait()
		c.ws.Close()
	}()

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Read failed", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		c.logger.Debug("Frame received", zap.Int("bytes", len(frame)))

		c.wg.Add(1)
		go c.handleFrame(ctx, frame)
	}
}

func (c *conn) handleFrame(ctx context.Context, frame []byte) {
	defer c.wg.Done()

	reply, ok := c.relay.Handle(ctx, frame)
	if !ok {
		return
	}
	if err := c.write(reply); err != nil {
		c.logger.Error("Failed to send reply", zap.Error(err))
	}
}

func (c *conn) write(reply []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, reply)
}
