package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/qwer2003tw/bouncer/internal/core"
)

// Page is one stored chunk of a long command result.
type Page struct {
	PageID     string
	RequestID  string
	Page       int
	TotalPages int
	Content    string
	ExpiresAt  time.Time
}

// PutPage stores a result page with its TTL.
func (s *Store) PutPage(ctx context.Context, p Page) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (page_id, request_id, page, total_pages, content, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(page_id) DO UPDATE SET content = excluded.content, expires_at = excluded.expires_at`,
		p.PageID, p.RequestID, p.Page, p.TotalPages, p.Content, p.ExpiresAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting page: %w", err)
	}
	return nil
}

// GetPage returns a stored page, or core.ErrNotFound when missing or expired.
func (s *Store) GetPage(ctx context.Context, pageID string) (*Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT page_id, request_id, page, total_pages, content, expires_at FROM pages WHERE page_id = ?`,
		pageID)
	var p Page
	var expiresAt string
	err := row.Scan(&p.PageID, &p.RequestID, &p.Page, &p.TotalPages, &p.Content, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying page: %w", err)
	}
	p.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	if !p.ExpiresAt.After(s.clock.Now()) {
		return nil, core.ErrNotFound
	}
	return &p, nil
}
