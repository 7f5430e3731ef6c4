package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// FeedStateRepo remembers the last item each RSS feed campaign source has
// already turned into messages, keyed by feed URL per account.
type FeedStateRepo struct{ db *sql.DB }

// NewFeedStateRepo creates a Postgres-backed feed state repository.
func NewFeedStateRepo(db *sql.DB) *FeedStateRepo { return &FeedStateRepo{db: db} }

// LastGUID returns the most recently processed item guid for the feed, or
// "" when the feed has never been polled.
func (r *FeedStateRepo) LastGUID(ctx context.Context, accountID, feedURL string) (string, error) {
	var guid string
	err := r.db.QueryRowContext(ctx, `
		SELECT last_guid FROM feed_state WHERE account_id = $1 AND feed_url = $2
	`, accountID, feedURL).Scan(&guid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get feed state: %w", err)
	}
	return guid, nil
}

// SetLastGUID records the newest processed item guid for the feed.
func (r *FeedStateRepo) SetLastGUID(ctx context.Context, accountID, feedURL, guid string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO feed_state (account_id, feed_url, last_guid, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id, feed_url) DO UPDATE
		SET last_guid = $3, updated_at = NOW()
	`, accountID, feedURL, guid)
	if err != nil {
		return fmt.Errorf("set feed state: %w", err)
	}
	return nil
}
