// Package monitor exposes session events to local observers over a websocket.
package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"homefence/internal/bus"
)

// Server serves /healthz and the /events websocket.
type Server struct {
	hub      *Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer creates a monitor for events published on b.
func NewServer(b *bus.Bus, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "monitor").Logger()
	return &Server{
		hub: newHub(b, logger),
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Any origin may watch.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Hub returns the client hub.
func (s *Server) Hub() *Hub { return s.hub }

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/events", s.handleEvents)
	return r
}

// ListenAndServe runs the monitor on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hub and the HTTP server on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.run(ctx)

	server := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("monitor listening")
	if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"clients":    s.hub.Clients(),
		"uptime_sec": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	c := &client{hub: s.hub, conn: conn, send: make(chan []byte, sendBuffer), remote: r.RemoteAddr}
	if !s.hub.join(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
