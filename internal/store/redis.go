package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/christopherjohns/minix/internal/feed"
)

const (
	timelineKey = "posts:timeline"
	lastPostKey = "posts:last"

	// maxTxRetries bounds optimistic retries when concurrent writers touch
	// the same watched key.
	maxTxRetries = 16
)

func nicknameKey(nickname string) string { return "identity:nickname:" + nickname }
func identityKey(id string) string       { return "identity:" + id }
func postKey(id string) string           { return "post:" + id }

// timelineMember orders posts lexicographically by zero-padded nanoseconds,
// with the post ID breaking ties.
func timelineMember(at time.Time, id string) string {
	return fmt.Sprintf("%019d:%s", at.UnixNano(), id)
}

// RedisIdentities stores identities as hashes with a nickname index key.
type RedisIdentities struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisIdentities creates a Redis-backed identity store.
func NewRedisIdentities(client redis.UniversalClient, timeout time.Duration) *RedisIdentities {
	return &RedisIdentities{client: client, timeout: timeout}
}

func (s *RedisIdentities) FindByNickname(ctx context.Context, nickname string) (feed.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.client.Get(ctx, nicknameKey(nickname)).Result()
	if errors.Is(err, redis.Nil) {
		return feed.Identity{}, feed.ErrNotFound
	}
	if err != nil {
		return feed.Identity{}, fmt.Errorf("redis: find identity by nickname: %w", err)
	}
	return s.get(ctx, id)
}

// Create claims the nickname index key under WATCH so two writers cannot both
// create the same nickname.
func (s *RedisIdentities) Create(ctx context.Context, nickname string) (feed.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ident := feed.Identity{
		ID:        uuid.NewString(),
		Nickname:  nickname,
		CreatedAt: time.Now().UTC(),
	}
	key := nicknameKey(nickname)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return feed.ErrDuplicateIdentity
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, ident.ID, 0)
			pipe.HSet(ctx, identityKey(ident.ID),
				"id", ident.ID,
				"nickname", ident.Nickname,
				"created_at", ident.CreatedAt.UnixNano(),
			)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return ident, nil
	case errors.Is(err, feed.ErrDuplicateIdentity), errors.Is(err, redis.TxFailedErr):
		return feed.Identity{}, feed.ErrDuplicateIdentity
	default:
		return feed.Identity{}, fmt.Errorf("redis: create identity: %w", err)
	}
}

func (s *RedisIdentities) FindByID(ctx context.Context, id string) (feed.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.get(ctx, id)
}

func (s *RedisIdentities) get(ctx context.Context, id string) (feed.Identity, error) {
	vals, err := s.client.HGetAll(ctx, identityKey(id)).Result()
	if err != nil {
		return feed.Identity{}, fmt.Errorf("redis: read identity: %w", err)
	}
	if len(vals) == 0 {
		return feed.Identity{}, feed.ErrNotFound
	}
	nanos, err := strconv.ParseInt(vals["created_at"], 10, 64)
	if err != nil {
		return feed.Identity{}, fmt.Errorf("redis: identity %s has invalid created_at: %w", id, err)
	}
	return feed.Identity{
		ID:        vals["id"],
		Nickname:  vals["nickname"],
		CreatedAt: time.Unix(0, nanos).UTC(),
	}, nil
}

// RedisPosts stores each post as a JSON string and orders them in a sorted
// set read with lexicographic range queries.
type RedisPosts struct {
	client  redis.UniversalClient
	timeout time.Duration
	now     func() time.Time
}

// NewRedisPosts creates a Redis-backed post store.
func NewRedisPosts(client redis.UniversalClient, timeout time.Duration) *RedisPosts {
	return &RedisPosts{
		client:  client,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create assigns the timestamp under WATCH on the last-timestamp key, which
// keeps timestamps strictly increasing across server processes.
func (s *RedisPosts) Create(ctx context.Context, identityID, text string) (feed.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.client.Exists(ctx, identityKey(identityID)).Result()
	if err != nil {
		return feed.Post{}, fmt.Errorf("redis: check identity: %w", err)
	}
	if n == 0 {
		return feed.Post{}, fmt.Errorf("identity %s: %w", identityID, feed.ErrNotFound)
	}

	p := feed.Post{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Text:       text,
	}
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			last, err := tx.Get(ctx, lastPostKey).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			p.Timestamp = nextTimestamp(s.now(), time.Unix(0, last).UTC())

			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, lastPostKey, p.Timestamp.UnixNano(), 0)
				pipe.Set(ctx, postKey(p.ID), data, 0)
				pipe.ZAdd(ctx, timelineKey, redis.Z{Member: timelineMember(p.Timestamp, p.ID)})
				return nil
			})
			return err
		}, lastPostKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return feed.Post{}, fmt.Errorf("redis: create post: %w", err)
	}
	return p, nil
}

func (s *RedisPosts) FindByID(ctx context.Context, id string) (feed.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, postKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return feed.Post{}, feed.ErrNotFound
	}
	if err != nil {
		return feed.Post{}, fmt.Errorf("redis: read post: %w", err)
	}
	var p feed.Post
	if err := json.Unmarshal(data, &p); err != nil {
		return feed.Post{}, fmt.Errorf("redis: decode post %s: %w", id, err)
	}
	return p, nil
}

func (s *RedisPosts) FindNewerThan(ctx context.Context, since time.Time, limit int) ([]feed.Post, error) {
	if pastLastCursor(since) {
		return []feed.Post{}, nil
	}
	lower := "-"
	if !since.Before(time.Unix(0, 0)) {
		lower = fmt.Sprintf("[%019d", since.UnixNano()+1)
	}
	return s.rangeNewestFirst(ctx, lower, limit)
}

func (s *RedisPosts) FindRecent(ctx context.Context, limit int) ([]feed.Post, error) {
	return s.rangeNewestFirst(ctx, "-", limit)
}

func (s *RedisPosts) rangeNewestFirst(ctx context.Context, lower string, limit int) ([]feed.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	by := &redis.ZRangeBy{Min: lower, Max: "+"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	members, err := s.client.ZRevRangeByLex(ctx, timelineKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read timeline: %w", err)
	}
	if len(members) == 0 {
		return []feed.Post{}, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		_, id, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		keys = append(keys, postKey(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read posts: %w", err)
	}

	posts := make([]feed.Post, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var p feed.Post
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			continue
		}
		posts = append(posts, p)
	}
	return posts, nil
}
