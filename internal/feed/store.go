package feed

import (
	"context"
	"errors"
	"time"
)

// IdentityStore is the durable directory of identities keyed by nickname.
// Lookups of unknown identities return ErrNotFound.
type IdentityStore interface {
	FindByNickname(ctx context.Context, nickname string) (Identity, error)
	// Create fails with ErrDuplicateIdentity when the nickname is taken.
	Create(ctx context.Context, nickname string) (Identity, error)
	FindByID(ctx context.Context, id string) (Identity, error)
}

// PostStore is the durable, timestamp-ordered log of posts. Timestamps are
// strictly increasing within a store. Both finders return newest first; a
// limit <= 0 means no limit.
type PostStore interface {
	Create(ctx context.Context, identityID, text string) (Post, error)
	FindByID(ctx context.Context, id string) (Post, error)
	FindNewerThan(ctx context.Context, since time.Time, limit int) ([]Post, error)
	FindRecent(ctx context.Context, limit int) ([]Post, error)
}

// FindOrCreateIdentity returns the identity named nickname, creating it if
// needed. A create that loses a race to another writer reads the winner.
func FindOrCreateIdentity(ctx context.Context, store IdentityStore, nickname string) (Identity, error) {
	ident, err := store.FindByNickname(ctx, nickname)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Identity{}, err
	}
	ident, err = store.Create(ctx, nickname)
	if errors.Is(err, ErrDuplicateIdentity) {
		return store.FindByNickname(ctx, nickname)
	}
	return ident, err
}
