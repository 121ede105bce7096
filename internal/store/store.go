// Package store provides the identity and post stores consumed by the feed
// core: an in-memory adapter, a Redis adapter and a SQLite adapter.
package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/christopherjohns/minix/internal/feed"
)

// Supported backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// defaultTimeout bounds a single store operation when no timeout is configured.
const defaultTimeout = 2 * time.Second

// Config selects and configures a backend.
type Config struct {
	Backend    string
	RedisAddr  string
	SQLitePath string
	Timeout    time.Duration
}

// Stores bundles the identity and post stores of one backend.
type Stores struct {
	Backend    string
	Identities feed.IdentityStore
	Posts      feed.PostStore

	close func() error
}

// Open connects to the configured backend. The backend must be reachable
// before the server accepts logins, so Open fails rather than degrading.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Stores, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	switch cfg.Backend {
	case "", BackendMemory:
		ids := NewMemoryIdentities()
		log.Info().Str("backend", BackendMemory).Msg("using in-memory store")
		return &Stores{
			Backend:    BackendMemory,
			Identities: ids,
			Posts:      NewMemoryPosts(ids, 0),
			close:      func() error { return nil },
		}, nil

	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("backend", BackendRedis).Str("addr", cfg.RedisAddr).Msg("connected to redis")
		return &Stores{
			Backend:    BackendRedis,
			Identities: NewRedisIdentities(rdb, timeout),
			Posts:      NewRedisPosts(rdb, timeout),
			close:      rdb.Close,
		}, nil

	case BackendSQLite:
		db, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("backend", BackendSQLite).Str("path", cfg.SQLitePath).Msg("opened sqlite database")
		return &Stores{
			Backend:    BackendSQLite,
			Identities: NewSQLiteIdentities(db, timeout),
			Posts:      NewSQLitePosts(db, timeout),
			close:      db.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Close releases the backend connection.
func (s *Stores) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}

// lastCursor is the latest instant representable in Unix nanoseconds, the
// unit every backend stores timestamps in.
var lastCursor = time.Unix(0, math.MaxInt64)

// pastLastCursor reports whether no stored post can be newer than since.
func pastLastCursor(since time.Time) bool {
	return !since.Before(lastCursor)
}

// nextTimestamp returns now, or last+1ns when the clock has not moved past
// last, so timestamps within a store are strictly increasing.
func nextTimestamp(now, last time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Nanosecond)
	}
	return now
}

// newestFirst returns up to limit posts from the tail of an ascending slice,
// newest first.
func newestFirst(asc []feed.Post, limit int) []feed.Post {
	n := len(asc)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]feed.Post, 0, n)
	for i := len(asc) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, asc[i])
	}
	return out
}
