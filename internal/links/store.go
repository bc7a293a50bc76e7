// Package links stores cross-topic links: pointers that let a memory
// authored under one topic surface as supplemental context in another.
package links

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Link points a memory at another topic for the same user.
type Link struct {
	ID             int64     `json:"id"`
	SourceMemoryID string    `json:"source_memory_id"`
	LinkedTopic    string    `json:"linked_topic"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is a sqlite-backed cross-topic link table.
type Store struct {
	db *sql.DB
}

const schemaVersion = 1

// Open opens (and migrates) the link store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open links database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-open database, running migrations. Used by
// tests and by callers sharing one sqlite file.
func NewStore(db *sql.DB) (*Store, error) {
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS topic_links (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				source_memory_id TEXT NOT NULL,
				linked_topic     TEXT NOT NULL,
				user_id          TEXT NOT NULL,
				created_at       INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_topic_links_lookup
				ON topic_links (linked_topic, user_id, created_at DESC);
		`)
		if err != nil {
			return fmt.Errorf("apply links migration 1: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add records that sourceMemoryID should surface under linkedTopic for the
// given user.
func (s *Store) Add(ctx context.Context, sourceMemoryID, linkedTopic, userID string, at time.Time) (*Link, error) {
	linkedTopic = strings.ToLower(strings.TrimSpace(linkedTopic))
	if sourceMemoryID == "" || linkedTopic == "" || userID == "" {
		return nil, fmt.Errorf("source memory id, topic and user id are all required")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_links (source_memory_id, linked_topic, user_id, created_at)
		VALUES (?, ?, ?, ?)
	`, sourceMemoryID, linkedTopic, userID, at.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert topic link: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &Link{
		ID:             id,
		SourceMemoryID: sourceMemoryID,
		LinkedTopic:    linkedTopic,
		UserID:         userID,
		CreatedAt:      at,
	}, nil
}

// RecentForTopic returns the newest links pointing at topic for the user,
// limited by limit.
func (s *Store) RecentForTopic(ctx context.Context, topic, userID string, limit int) ([]*Link, error) {
	if limit < 1 {
		limit = 2
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_memory_id, linked_topic, user_id, created_at
		FROM topic_links
		WHERE linked_topic = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, strings.ToLower(strings.TrimSpace(topic)), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query topic links: %w", err)
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		var l Link
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.SourceMemoryID, &l.LinkedTopic, &l.UserID, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = time.Unix(createdAt, 0)
		links = append(links, &l)
	}
	return links, rows.Err()
}

// Count returns the total number of stored links.
func (s *Store) Count(ctx context.Context) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM topic_links").Scan(&total)
	return total, err
}
