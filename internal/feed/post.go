// Package feed holds the domain types shared by the feed server: identities,
// posts, the store contracts the core consumes and the wire events it emits.
package feed

import "time"

// Identity is a uniquely named participant, human or synthetic.
type Identity struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"createdAt"`
}

// Post is an immutable text message authored by one Identity. Timestamp is
// assigned by the store and doubles as the catch-up cursor.
type Post struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identityId"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResolvedPost is a Post joined with its author's nickname, as sent to clients.
type ResolvedPost struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identityId"`
	Nickname   string    `json:"nickname"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// Resolve attaches the author's nickname to p.
func Resolve(p Post, author Identity) ResolvedPost {
	return ResolvedPost{
		ID:         p.ID,
		IdentityID: p.IdentityID,
		Nickname:   author.Nickname,
		Text:       p.Text,
		Timestamp:  p.Timestamp,
	}
}
