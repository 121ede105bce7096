package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/christopherjohns/minix/internal/feed"
)

// MemoryIdentities keeps identities in process memory.
type MemoryIdentities struct {
	mu         sync.RWMutex
	byID       map[string]feed.Identity
	byNickname map[string]string
}

// NewMemoryIdentities creates an empty identity store.
func NewMemoryIdentities() *MemoryIdentities {
	return &MemoryIdentities{
		byID:       make(map[string]feed.Identity),
		byNickname: make(map[string]string),
	}
}

func (s *MemoryIdentities) FindByNickname(_ context.Context, nickname string) (feed.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNickname[nickname]
	if !ok {
		return feed.Identity{}, feed.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryIdentities) Create(_ context.Context, nickname string) (feed.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byNickname[nickname]; ok {
		return feed.Identity{}, feed.ErrDuplicateIdentity
	}
	ident := feed.Identity{
		ID:        uuid.NewString(),
		Nickname:  nickname,
		CreatedAt: time.Now().UTC(),
	}
	s.byID[ident.ID] = ident
	s.byNickname[nickname] = ident.ID
	return ident, nil
}

func (s *MemoryIdentities) FindByID(_ context.Context, id string) (feed.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.byID[id]
	if !ok {
		return feed.Identity{}, feed.ErrNotFound
	}
	return ident, nil
}

func (s *MemoryIdentities) exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// MemoryPosts keeps posts in process memory in timestamp order.
type MemoryPosts struct {
	mu         sync.RWMutex
	posts      []feed.Post
	identities *MemoryIdentities
	maxSize    int
	now        func() time.Time
}

// NewMemoryPosts creates a post store that checks authors against identities
// and retains up to maxSize posts (0 keeps everything).
func NewMemoryPosts(identities *MemoryIdentities, maxSize int) *MemoryPosts {
	return &MemoryPosts{
		identities: identities,
		maxSize:    maxSize,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryPosts) Create(_ context.Context, identityID, text string) (feed.Post, error) {
	if !s.identities.exists(identityID) {
		return feed.Post{}, fmt.Errorf("identity %s: %w", identityID, feed.ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var last time.Time
	if n := len(s.posts); n > 0 {
		last = s.posts[n-1].Timestamp
	}
	p := feed.Post{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Text:       text,
		Timestamp:  nextTimestamp(s.now(), last),
	}
	s.posts = append(s.posts, p)
	if s.maxSize > 0 && len(s.posts) > s.maxSize {
		s.posts = s.posts[len(s.posts)-s.maxSize:]
	}
	return p, nil
}

func (s *MemoryPosts) FindByID(_ context.Context, id string) (feed.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.posts) - 1; i >= 0; i-- {
		if s.posts[i].ID == id {
			return s.posts[i], nil
		}
	}
	return feed.Post{}, feed.ErrNotFound
}

func (s *MemoryPosts) FindNewerThan(_ context.Context, since time.Time, limit int) ([]feed.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.posts), func(i int) bool {
		return s.posts[i].Timestamp.After(since)
	})
	return newestFirst(s.posts[i:], limit), nil
}

func (s *MemoryPosts) FindRecent(_ context.Context, limit int) ([]feed.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.posts, limit), nil
}

// Count returns the number of retained posts.
func (s *MemoryPosts) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}
