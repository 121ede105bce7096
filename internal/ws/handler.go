package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/minix/internal/feed"
	"github.com/christopherjohns/minix/internal/ratelimit"
)

// readLimit caps the size of a single inbound frame.
const readLimit = 8 << 10

// limiterIdleTTL is how long an unused per-key bucket is kept.
const limiterIdleTTL = 10 * time.Minute

// Coordinator is the feed core as seen by the transport.
type Coordinator interface {
	Login(ctx context.Context, conn feed.Conn, nickname string) (feed.Identity, error)
	SubmitPost(ctx context.Context, conn feed.Conn, text string) (feed.ResolvedPost, error)
	CatchUp(ctx context.Context, conn feed.Conn, since time.Time) ([]feed.ResolvedPost, error)
	Disconnect(conn feed.Conn)
}

// Handler handles WebSocket upgrade requests and client event loops.
type Handler struct {
	coord    Coordinator
	conns    *ConnManager
	origins  []string
	connects *ratelimit.Keyed
	posts    *ratelimit.Keyed
	log      zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAllowedOrigins restricts which browser origins may connect. "*"
// allows any origin. With no origins only same-host requests are accepted.
func WithAllowedOrigins(origins ...string) HandlerOption {
	return func(h *Handler) {
		h.origins = origins
	}
}

// WithConnectLimit throttles upgrade attempts per client IP.
func WithConnectLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handler) {
		h.connects = ratelimit.NewKeyed(perSecond, burst, limiterIdleTTL)
	}
}

// WithPostLimit throttles newTuit events per connection.
func WithPostLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handler) {
		h.posts = ratelimit.NewKeyed(perSecond, burst, limiterIdleTTL)
	}
}

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(log zerolog.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(coord Coordinator, conns *ConnManager, opts ...HandlerOption) *Handler {
	h := &Handler{
		coord:    coord,
		conns:    conns,
		connects: ratelimit.NewKeyed(0, 0, limiterIdleTTL),
		posts:    ratelimit.NewKeyed(0, 0, limiterIdleTTL),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With().Str("component", "ws").Logger()
	return h
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.connects.Allow(ip) {
		h.log.Warn().Str("remote", ip).Msg("connection attempt throttled")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.log.Debug().Err(err).Str("remote", ip).Msg("accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	client := newClient(conn, ip, h.conns)
	connCtx := h.conns.Add(client)
	if connCtx.Err() != nil {
		return
	}
	h.log.Debug().Str("conn", client.id).Str("remote", ip).Msg("client connected")
	defer func() {
		h.coord.Disconnect(client)
		h.conns.Remove(client)
		h.posts.Forget(client.id)
	}()

	h.readLoop(r.Context(), connCtx, client)
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range h.origins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		}
	}
	return opts
}

// readLoop reads events from the client until the connection closes
// or the connection manager cancels connCtx. Events are handled in order.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.conns.TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.reject(client, feed.CodeBadRequest, "invalid JSON")
			continue
		}
		h.dispatch(ctx, client, env)
	}
}

func (h *Handler) dispatch(ctx context.Context, client *Client, env Envelope) {
	switch env.Type {
	case feed.EventLogin:
		nickname, ok := decodeNickname(env.Payload)
		if !ok {
			h.reject(client, feed.CodeBadRequest, "invalid login payload")
			return
		}
		h.coord.Login(ctx, client, nickname)

	case feed.EventNewTuit:
		if !h.posts.Allow(client.id) {
			h.reject(client, feed.CodeRateLimited, "posting too fast")
			return
		}
		var payload feed.NewTuitPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			h.reject(client, feed.CodeBadRequest, "invalid newTuit payload")
			return
		}
		h.coord.SubmitPost(ctx, client, payload.Text)

	case feed.EventLoadNewTuits:
		var payload feed.LoadNewTuitsPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				h.reject(client, feed.CodeBadRequest, "invalid loadNewTuits payload")
				return
			}
		}
		h.coord.CatchUp(ctx, client, payload.LastTimestamp)

	default:
		h.reject(client, feed.CodeBadRequest, "unknown event "+env.Type)
	}
}

// decodeNickname accepts {"nickname": "..."} or a bare JSON string.
func decodeNickname(raw json.RawMessage) (string, bool) {
	var nickname string
	if err := json.Unmarshal(raw, &nickname); err == nil {
		return nickname, true
	}
	var payload feed.LoginPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", false
	}
	return payload.Nickname, true
}

// reject writes an error event to the client.
func (h *Handler) reject(client *Client, code, msg string) {
	if err := client.Emit(feed.EventError, feed.ErrorPayload{Code: code, Message: msg}); err != nil {
		h.log.Debug().Err(err).Str("conn", client.id).Msg("failed to send error")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
