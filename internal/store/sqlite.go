package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/christopherjohns/minix/internal/feed"
)

//go:embed schema.sql
var schemaFS embed.FS

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Timestamps are stored as Unix nanoseconds.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers, which the timestamp
	// assignment in SQLitePosts.Create relies on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return db, nil
}

// SQLiteIdentities stores identities in the identities table.
type SQLiteIdentities struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLiteIdentities creates a SQLite-backed identity store.
func NewSQLiteIdentities(db *sql.DB, timeout time.Duration) *SQLiteIdentities {
	return &SQLiteIdentities{db: db, timeout: timeout}
}

func (s *SQLiteIdentities) FindByNickname(ctx context.Context, nickname string) (feed.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, nickname, created_at FROM identities WHERE nickname = ?`, nickname)
	return scanIdentity(row)
}

func (s *SQLiteIdentities) Create(ctx context.Context, nickname string) (feed.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ident := feed.Identity{
		ID:        uuid.NewString(),
		Nickname:  nickname,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(id, nickname, created_at) VALUES(?,?,?)
		 ON CONFLICT(nickname) DO NOTHING`,
		ident.ID, ident.Nickname, ident.CreatedAt.UnixNano(),
	)
	if err != nil {
		return feed.Identity{}, fmt.Errorf("sqlite: create identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return feed.Identity{}, fmt.Errorf("sqlite: create identity: %w", err)
	}
	if n == 0 {
		return feed.Identity{}, feed.ErrDuplicateIdentity
	}
	return ident, nil
}

func (s *SQLiteIdentities) FindByID(ctx context.Context, id string) (feed.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, nickname, created_at FROM identities WHERE id = ?`, id)
	return scanIdentity(row)
}

func scanIdentity(row *sql.Row) (feed.Identity, error) {
	var (
		ident feed.Identity
		nanos int64
	)
	err := row.Scan(&ident.ID, &ident.Nickname, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Identity{}, feed.ErrNotFound
	}
	if err != nil {
		return feed.Identity{}, fmt.Errorf("sqlite: read identity: %w", err)
	}
	ident.CreatedAt = time.Unix(0, nanos).UTC()
	return ident, nil
}

// SQLitePosts stores posts in the posts table.
type SQLitePosts struct {
	db      *sql.DB
	timeout time.Duration
	now     func() time.Time
}

// NewSQLitePosts creates a SQLite-backed post store.
func NewSQLitePosts(db *sql.DB, timeout time.Duration) *SQLitePosts {
	return &SQLitePosts{
		db:      db,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLitePosts) Create(ctx context.Context, identityID, text string) (feed.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return feed.Post{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM identities WHERE id = ?`, identityID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Post{}, fmt.Errorf("identity %s: %w", identityID, feed.ErrNotFound)
	}
	if err != nil {
		return feed.Post{}, fmt.Errorf("sqlite: check identity: %w", err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM posts`).Scan(&last); err != nil {
		return feed.Post{}, fmt.Errorf("sqlite: read last timestamp: %w", err)
	}

	p := feed.Post{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Text:       text,
		Timestamp:  nextTimestamp(s.now(), time.Unix(0, last).UTC()),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO posts(id, identity_id, text, created_at) VALUES(?,?,?,?)`,
		p.ID, p.IdentityID, p.Text, p.Timestamp.UnixNano(),
	); err != nil {
		return feed.Post{}, fmt.Errorf("sqlite: insert post: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return feed.Post{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return p, nil
}

func (s *SQLitePosts) FindByID(ctx context.Context, id string) (feed.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		p     feed.Post
		nanos int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, identity_id, text, created_at FROM posts WHERE id = ?`, id,
	).Scan(&p.ID, &p.IdentityID, &p.Text, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return feed.Post{}, feed.ErrNotFound
	}
	if err != nil {
		return feed.Post{}, fmt.Errorf("sqlite: read post: %w", err)
	}
	p.Timestamp = time.Unix(0, nanos).UTC()
	return p, nil
}

func (s *SQLitePosts) FindNewerThan(ctx context.Context, since time.Time, limit int) ([]feed.Post, error) {
	if pastLastCursor(since) {
		return []feed.Post{}, nil
	}
	after := int64(-1)
	if !since.Before(time.Unix(0, 0)) {
		after = since.UnixNano()
	}
	return s.query(ctx,
		`SELECT id, identity_id, text, created_at FROM posts
		 WHERE created_at > ? ORDER BY created_at DESC LIMIT ?`,
		after, sqlLimit(limit))
}

func (s *SQLitePosts) FindRecent(ctx context.Context, limit int) ([]feed.Post, error) {
	return s.query(ctx,
		`SELECT id, identity_id, text, created_at FROM posts
		 ORDER BY created_at DESC LIMIT ?`,
		sqlLimit(limit))
}

func (s *SQLitePosts) query(ctx context.Context, q string, args ...any) ([]feed.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query posts: %w", err)
	}
	defer rows.Close()

	posts := []feed.Post{}
	for rows.Next() {
		var (
			p     feed.Post
			nanos int64
		)
		if err := rows.Scan(&p.ID, &p.IdentityID, &p.Text, &nanos); err != nil {
			return nil, fmt.Errorf("sqlite: scan post: %w", err)
		}
		p.Timestamp = time.Unix(0, nanos).UTC()
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate posts: %w", err)
	}
	return posts, nil
}

// sqlLimit maps "no limit" to SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
