// Package server exposes the feed over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/christopherjohns/minix/internal/ws"
)

// Liveness is the body of GET /.
const Liveness = "¡Mini-X API funcionando!"

const shutdownTimeout = 10 * time.Second

// Coordinator is the feed core as seen by the HTTP surface.
type Coordinator interface {
	ws.Coordinator
	Online() int
}

// Server is the main HTTP server for Mini-X.
type Server struct {
	addr    string
	mux     *http.ServeMux
	coord   Coordinator
	conns   *ws.ConnManager
	origins []string
	log     zerolog.Logger

	connOpts    []ws.ConnManagerOption
	handlerOpts []ws.HandlerOption
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithAllowedOrigins sets the browser origins allowed for CORS and
// WebSocket upgrades. "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithConnOptions configures the WebSocket connection manager.
func WithConnOptions(opts ...ws.ConnManagerOption) Option {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// WithHandlerOptions configures the WebSocket handler.
func WithHandlerOptions(opts ...ws.HandlerOption) Option {
	return func(s *Server) {
		s.handlerOpts = append(s.handlerOpts, opts...)
	}
}

// New creates a new Server listening on addr.
func New(addr string, coord Coordinator, opts ...Option) *Server {
	s := &Server{
		addr:  addr,
		mux:   http.NewServeMux(),
		coord: coord,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "server").Logger()
	s.conns = ws.NewConnManager(append([]ws.ConnManagerOption{ws.WithLogger(s.log)}, s.connOpts...)...)
	s.routes()
	return s
}

// Handler returns the root HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.cors(s.mux)
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// WebSocket with GoingAway and shuts the HTTP server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.conns.Shutdown()
		return err
	case <-ctx.Done():
	}

	s.log.Info().Int("connections", s.conns.Count()).Msg("shutting down")
	s.conns.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	handlerOpts := append([]ws.HandlerOption{
		ws.WithAllowedOrigins(s.origins...),
		ws.WithHandlerLogger(s.log),
	}, s.handlerOpts...)

	s.mux.HandleFunc("GET /{$}", s.handleLiveness)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /ws", ws.NewHandler(s.coord, s.conns, handlerOpts...))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(Liveness))
}

type healthResponse struct {
	Status      string       `json:"status"`
	Connections int          `json:"connections"`
	Online      int          `json:"online"`
	Conns       ws.ConnStats `json:"conns"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Connections: s.conns.Count(),
		Online:      s.coord.Online(),
		Conns:       s.conns.Stats(),
	})
}

// cors sets CORS headers for allowed origins and answers preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.ContainsFunc(s.origins, func(o string) bool {
		return o == "*" || strings.EqualFold(o, origin)
	})
}
