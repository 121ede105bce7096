// Package bot keeps the feed alive with posts from a fixed pool of synthetic
// identities.
package bot

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/christopherjohns/minix/internal/feed"
	"github.com/christopherjohns/minix/internal/logging"
)

// Publisher persists a post and fans it out.
type Publisher interface {
	Publish(ctx context.Context, author feed.Identity, text string) (feed.ResolvedPost, error)
}

// Config describes the synthetic pool and cadence.
type Config struct {
	Nicknames []string
	Messages  []string
	Interval  time.Duration
}

// Generator posts a random message as a random synthetic identity on every
// tick. Ticks never overlap.
type Generator struct {
	identities feed.IdentityStore
	publisher  Publisher
	cfg        Config
	log        zerolog.Logger

	mu   sync.Mutex
	pool []feed.Identity
	rng  *rand.Rand

	cron     *cron.Cron
	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

// New creates a Generator. Call Init to seed the pool eagerly, or let the
// first tick do it.
func New(identities feed.IdentityStore, publisher Publisher, cfg Config, log zerolog.Logger) *Generator {
	return &Generator{
		identities: identities,
		publisher:  publisher,
		cfg:        cfg,
		log:        log.With().Str("component", "bot").Logger(),
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Init finds or creates every synthetic identity. It is idempotent; on
// failure the pool stays empty and the next tick retries.
func (g *Generator) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initLocked(ctx)
}

func (g *Generator) initLocked(ctx context.Context) error {
	if len(g.pool) > 0 {
		return nil
	}
	if len(g.cfg.Nicknames) == 0 {
		return errors.New("no synthetic nicknames configured")
	}
	pool := make([]feed.Identity, 0, len(g.cfg.Nicknames))
	for _, nick := range g.cfg.Nicknames {
		ident, err := feed.FindOrCreateIdentity(ctx, g.identities, nick)
		if err != nil {
			return err
		}
		pool = append(pool, ident)
	}
	g.pool = pool
	g.log.Info().Int("identities", len(pool)).Msg("synthetic pool ready")
	return nil
}

// Ready reports whether the identity pool is initialized.
func (g *Generator) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pool) > 0
}

// Tick publishes one synthetic post. Failures are logged and the tick is
// skipped; there is no client to report them to.
func (g *Generator) Tick(ctx context.Context) {
	author, text, ok := g.pick(ctx)
	if !ok {
		return
	}
	rp, err := g.publisher.Publish(ctx, author, text)
	if err != nil {
		g.log.Warn().Err(err).Str("nickname", author.Nickname).Msg("synthetic tuit skipped")
		return
	}
	g.log.Debug().Str("nickname", rp.Nickname).Str("text", rp.Text).Msg("synthetic tuit published")
}

func (g *Generator) pick(ctx context.Context) (feed.Identity, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.initLocked(ctx); err != nil {
		g.log.Warn().Err(err).Msg("synthetic pool unavailable, skipping tick")
		return feed.Identity{}, "", false
	}
	if len(g.cfg.Messages) == 0 {
		return feed.Identity{}, "", false
	}
	author := g.pool[g.rng.IntN(len(g.pool))]
	text := g.cfg.Messages[g.rng.IntN(len(g.cfg.Messages))]
	return author, text, true
}

// Start schedules Tick every Interval until Stop is called or ctx ends. A
// tick still running when the next is due causes that next one to be
// skipped. A non-positive Interval disables the generator.
func (g *Generator) Start(ctx context.Context) {
	if g.cfg.Interval <= 0 {
		g.log.Info().Msg("synthetic traffic disabled")
		return
	}
	cl := logging.CronLogger{Log: g.log}
	g.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	g.cron.Schedule(cron.Every(g.cfg.Interval), cron.FuncJob(func() {
		tickCtx, cancel := context.WithTimeout(ctx, g.cfg.Interval)
		defer cancel()
		g.Tick(tickCtx)
	}))
	g.cron.Start()
	g.log.Info().Dur("interval", g.cfg.Interval).Msg("synthetic traffic started")

	g.stop = make(chan struct{})
	g.exited = make(chan struct{})
	go func() {
		defer close(g.exited)
		select {
		case <-ctx.Done():
			g.Stop()
		case <-g.stop:
		}
	}()
}

// Stop halts scheduling and waits for a running tick to finish. It is safe
// to call more than once.
func (g *Generator) Stop() {
	if g.cron == nil {
		return
	}
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.cron.Stop().Done()
}
