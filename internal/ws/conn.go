package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	// defaultSendBufferSize is the number of events that can be queued per client.
	defaultSendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

var errNotDelivered = errors.New("ws: event not delivered")

// Client is one WebSocket connection. It implements feed.Conn.
type Client struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	cm     *ConnManager
}

func newClient(conn *websocket.Conn, remote string, cm *ConnManager) *Client {
	return &Client{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		cm:     cm,
	}
}

// ID returns the connection's opaque identifier.
func (c *Client) ID() string { return c.id }

// Emit queues an event for the write pump. A client whose queue is full is
// disconnected so that it never silently misses an event.
func (c *Client) Emit(event string, payload any) error {
	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	if !c.cm.Send(c, data) {
		return errNotDelivered
	}
	return nil
}

// Envelope is the JSON structure sent over the WebSocket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Payload: data})
}

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active        int   `json:"active"`
	MaxConns      int   `json:"max_conns"`
	Rejected      int64 `json:"rejected"`
	SlowConsumers int64 `json:"slow_consumers"`
	IdleReaped    int64 `json:"idle_reaped"`
}

// ConnManager tracks all active WebSocket connections and provides
// lifecycle management including graceful shutdown, per-client
// buffered send channels, connection limits, and idle detection.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	bufSize  int
	stopIdle context.CancelFunc
	log      zerolog.Logger

	rejected      atomic.Int64
	slowConsumers atomic.Int64
	idleReaped    atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is automatically closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithSendBuffer sets how many outbound events may queue per client.
func WithSendBuffer(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		if n > 0 {
			cm.bufSize = n
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log zerolog.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.log = log
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]*connEntry),
		bufSize: defaultSendBufferSize,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned
// context is cancelled when the client is removed or the manager
// shuts down. Callers should select on ctx.Done() in their read loop.
// Returns a cancelled context if the manager is closed or at capacity.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return cancelledContext()
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return cancelledContext()
	}

	now := time.Now()
	c.send = make(chan []byte, cm.bufSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}

	go cm.writePump(ctx, c)

	return ctx
}

// Remove stops a client's write pump and cleans it up. It is safe to call
// more than once.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.detachLocked(c)
	cm.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// detachLocked drops c and closes its send channel. Must be called while
// holding mu, which also guards every send on the channel.
func (cm *ConnManager) detachLocked(c *Client) (*connEntry, bool) {
	entry, ok := cm.clients[c]
	if !ok {
		return nil, false
	}
	delete(cm.clients, c)
	close(c.send)
	return entry, true
}

// Send queues a message for delivery to the client without blocking. A
// client whose buffer is full is closed as a slow consumer in the
// background. Returns false if the message was not queued.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	cm.mu.Lock()
	if _, ok := cm.clients[c]; !ok {
		cm.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		cm.mu.Unlock()
		return true
	default:
	}
	entry, _ := cm.detachLocked(c)
	cm.mu.Unlock()

	entry.cancel()
	cm.slowConsumers.Add(1)
	cm.log.Warn().Str("conn", c.id).Str("remote", c.remote).Msg("send buffer full, closing slow consumer")
	// The close handshake waits on the peer; the caller is mid fan-out.
	go c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	return false
}

// TouchActivity updates the last-active timestamp for a client.
// Call this when a client sends a message to prevent idle reaping.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:        active,
		MaxConns:      maxConns,
		Rejected:      cm.rejected.Load(),
		SlowConsumers: cm.slowConsumers.Load(),
		IdleReaped:    cm.idleReaped.Load(),
	}
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each WebSocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := make([]*Client, 0, len(cm.clients))
	entries := make([]*connEntry, 0, len(cm.clients))
	for c := range cm.clients {
		entry, _ := cm.detachLocked(c)
		clients = append(clients, c)
		entries = append(entries, entry)
	}
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for i, c := range clients {
		entries[i].cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*Client
	var entries []*connEntry
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, c)
			entries = append(entries, entry)
		}
	}
	for _, c := range stale {
		cm.detachLocked(c)
	}
	cm.mu.Unlock()

	for i, c := range stale {
		entries[i].cancel()
		c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		cm.log.Info().Str("conn", c.id).Msg("reaped idle connection")
	}
}

// writePump drains the client's send channel, writing each message
// to the WebSocket connection. It exits when ctx is cancelled or the
// send channel is closed. A failed write closes the connection so the
// read loop ends too.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				cm.log.Debug().Err(err).Str("conn", c.id).Msg("write failed")
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
