// Package coordinator mediates every client-facing feed operation: login,
// post submission, catch-up sync and disconnect. It is the only writer of the
// connection registry and the only initiator of fan-out.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/christopherjohns/minix/internal/feed"
	"github.com/christopherjohns/minix/internal/registry"
)

// Config bounds payload sizes.
type Config struct {
	// RecentLimit is the number of posts sent after a successful login.
	RecentLimit int
	// CatchUpLimit caps a single catch-up batch; the newest posts win.
	CatchUpLimit      int
	MaxNicknameLength int
	MaxPostLength     int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		RecentLimit:       5,
		CatchUpLimit:      100,
		MaxNicknameLength: 32,
		MaxPostLength:     280,
	}
}

// Coordinator binds connections to identities and fans out new posts.
type Coordinator struct {
	identities feed.IdentityStore
	posts      feed.PostStore
	registry   *registry.Registry
	cfg        Config
	log        zerolog.Logger

	// loginMu makes find-or-create, the uniqueness check and Register one
	// atomic step across all connections.
	loginMu sync.Mutex
}

// New creates a Coordinator over the given stores and registry.
func New(identities feed.IdentityStore, posts feed.PostStore, reg *registry.Registry, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		identities: identities,
		posts:      posts,
		registry:   reg,
		cfg:        cfg,
		log:        log.With().Str("component", "coordinator").Logger(),
	}
}

// Online returns the number of logged-in connections.
func (c *Coordinator) Online() int {
	return c.registry.Count()
}

// Login claims nickname for conn. The outcome is acknowledged to conn with a
// login event; on success the recent history follows as initialTuits. Live
// posts may reach conn between the ack and initialTuits, never before the ack.
func (c *Coordinator) Login(ctx context.Context, conn feed.Conn, nickname string) (feed.Identity, error) {
	ident, err := c.bind(ctx, conn, nickname)
	if err != nil {
		c.logFailure(err).Str("conn", conn.ID()).Str("nickname", nickname).Msg("login rejected")
		c.emit(conn, feed.EventLoginAck, feed.LoginAck{
			Success: false,
			Code:    feed.Code(err),
			Message: feed.Message(err),
		})
		return feed.Identity{}, err
	}

	c.log.Info().Str("conn", conn.ID()).Str("nickname", ident.Nickname).Msg("user logged in")
	c.sendRecent(ctx, conn)
	return ident, nil
}

func (c *Coordinator) bind(ctx context.Context, conn feed.Conn, nickname string) (feed.Identity, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return feed.Identity{}, feed.ErrInvalidIdentity
	}
	if utf8.RuneCountInString(nickname) > c.cfg.MaxNicknameLength {
		return feed.Identity{}, fmt.Errorf("%w: longer than %d characters", feed.ErrInvalidIdentity, c.cfg.MaxNicknameLength)
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	ident, err := feed.FindOrCreateIdentity(ctx, c.identities, nickname)
	if err != nil {
		return feed.Identity{}, unavailable(err)
	}
	if bound, ok := c.registry.Lookup(conn.ID()); ok && bound == ident.ID {
		c.ackLogin(conn, ident)
		return ident, nil
	}
	if c.registry.IsIdentityConnected(ident.ID) {
		return feed.Identity{}, feed.ErrIdentityInUse
	}
	// The ack is queued before registration so no fan-out can reach the
	// connection ahead of it.
	c.ackLogin(conn, ident)
	c.registry.Register(conn, ident.ID)
	return ident, nil
}

func (c *Coordinator) ackLogin(conn feed.Conn, ident feed.Identity) {
	c.emit(conn, feed.EventLoginAck, feed.LoginAck{Success: true, Nickname: ident.Nickname})
}

func (c *Coordinator) sendRecent(ctx context.Context, conn feed.Conn) {
	posts, err := c.posts.FindRecent(ctx, c.cfg.RecentLimit)
	if err != nil {
		c.failRead(conn, "load recent tuits", unavailable(err))
		return
	}
	resolved, err := c.resolveAll(ctx, posts)
	if err != nil {
		c.failRead(conn, "resolve recent tuits", err)
		return
	}
	c.emit(conn, feed.EventInitialTuits, resolved)
}

// SubmitPost persists text as a post by the identity bound to conn, then
// sends it as tuit to conn and newTuitAvailable to every other registered
// connection. Failures are reported to conn only, and nothing is fanned out
// unless the post was stored.
func (c *Coordinator) SubmitPost(ctx context.Context, conn feed.Conn, text string) (feed.ResolvedPost, error) {
	rp, err := c.submit(ctx, conn, text)
	if err != nil {
		c.logFailure(err).Str("conn", conn.ID()).Msg("tuit rejected")
		c.emit(conn, feed.EventError, feed.ErrorFor(err))
		return feed.ResolvedPost{}, err
	}
	return rp, nil
}

func (c *Coordinator) submit(ctx context.Context, conn feed.Conn, text string) (feed.ResolvedPost, error) {
	identityID, ok := c.registry.Lookup(conn.ID())
	if !ok {
		return feed.ResolvedPost{}, feed.ErrNotLoggedIn
	}
	text, err := c.checkText(text)
	if err != nil {
		return feed.ResolvedPost{}, err
	}
	author, err := c.identities.FindByID(ctx, identityID)
	if err != nil {
		return feed.ResolvedPost{}, unavailable(err)
	}
	rp, err := c.persist(ctx, author, text)
	if err != nil {
		return feed.ResolvedPost{}, err
	}
	c.fanout(rp, conn.ID())
	return rp, nil
}

// Publish persists text as a post by author and sends it as newTuitAvailable
// to every registered connection. It skips login checks and is used for
// synthetic traffic.
func (c *Coordinator) Publish(ctx context.Context, author feed.Identity, text string) (feed.ResolvedPost, error) {
	text, err := c.checkText(text)
	if err != nil {
		return feed.ResolvedPost{}, err
	}
	rp, err := c.persist(ctx, author, text)
	if err != nil {
		return feed.ResolvedPost{}, err
	}
	c.fanout(rp, "")
	return rp, nil
}

func (c *Coordinator) checkText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", feed.ErrInvalidPost
	}
	if utf8.RuneCountInString(text) > c.cfg.MaxPostLength {
		return "", fmt.Errorf("%w: longer than %d characters", feed.ErrInvalidPost, c.cfg.MaxPostLength)
	}
	return text, nil
}

func (c *Coordinator) persist(ctx context.Context, author feed.Identity, text string) (feed.ResolvedPost, error) {
	p, err := c.posts.Create(ctx, author.ID, text)
	if err != nil {
		return feed.ResolvedPost{}, unavailable(err)
	}
	c.log.Debug().Str("post", p.ID).Str("nickname", author.Nickname).Msg("tuit stored")
	return feed.Resolve(p, author), nil
}

// fanout delivers rp to the connections registered now. The submitter, if
// any, gets tuit; everyone else gets newTuitAvailable.
func (c *Coordinator) fanout(rp feed.ResolvedPost, submitterID string) {
	for _, conn := range c.registry.Connections() {
		event := feed.EventNewTuitAvailable
		if conn.ID() == submitterID {
			event = feed.EventTuit
		}
		c.emit(conn, event, rp)
	}
}

// CatchUp sends conn the posts newer than since, newest first, as newTuits.
// At most CatchUpLimit posts are sent. No login is required.
func (c *Coordinator) CatchUp(ctx context.Context, conn feed.Conn, since time.Time) ([]feed.ResolvedPost, error) {
	posts, err := c.posts.FindNewerThan(ctx, since, c.cfg.CatchUpLimit)
	if err != nil {
		err = unavailable(err)
		c.failRead(conn, "load new tuits", err)
		return nil, err
	}
	resolved, err := c.resolveAll(ctx, posts)
	if err != nil {
		c.failRead(conn, "resolve new tuits", err)
		return nil, err
	}
	c.emit(conn, feed.EventNewTuits, resolved)
	return resolved, nil
}

// Disconnect forgets conn. It is safe for connections that never logged in.
func (c *Coordinator) Disconnect(conn feed.Conn) {
	c.registry.Unregister(conn.ID())
	c.log.Debug().Str("conn", conn.ID()).Msg("connection closed")
}

// resolveAll joins posts with their authors' nicknames, reading each author
// once. Posts whose author no longer exists are dropped.
func (c *Coordinator) resolveAll(ctx context.Context, posts []feed.Post) ([]feed.ResolvedPost, error) {
	ids := lo.Uniq(lo.Map(posts, func(p feed.Post, _ int) string { return p.IdentityID }))
	authors := make(map[string]feed.Identity, len(ids))
	for _, id := range ids {
		ident, err := c.identities.FindByID(ctx, id)
		if errors.Is(err, feed.ErrNotFound) {
			c.log.Warn().Str("identity", id).Msg("tuit author missing, skipping")
			continue
		}
		if err != nil {
			return nil, unavailable(err)
		}
		authors[id] = ident
	}
	return lo.FilterMap(posts, func(p feed.Post, _ int) (feed.ResolvedPost, bool) {
		author, ok := authors[p.IdentityID]
		return feed.Resolve(p, author), ok
	}), nil
}

func (c *Coordinator) failRead(conn feed.Conn, what string, err error) {
	c.log.Error().Err(err).Str("conn", conn.ID()).Msg(what)
	c.emit(conn, feed.EventError, feed.ErrorFor(err))
}

func (c *Coordinator) emit(conn feed.Conn, event string, payload any) {
	if err := conn.Emit(event, payload); err != nil {
		c.log.Debug().Err(err).Str("conn", conn.ID()).Str("event", event).Msg("emit failed")
	}
}

// logFailure logs client mistakes at debug and store failures at error.
func (c *Coordinator) logFailure(err error) *zerolog.Event {
	if errors.Is(err, feed.ErrStorageUnavailable) {
		return c.log.Error().Err(err)
	}
	return c.log.Debug().Err(err)
}

func unavailable(err error) error {
	if errors.Is(err, feed.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", feed.ErrStorageUnavailable, err)
}
