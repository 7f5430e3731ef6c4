package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/whatsapp-engine/internal/domain"
)

// VariationLogRepo persists the append-only variation log. Rows are never
// updated except for the monotonic delivery flags.
type VariationLogRepo struct{ db *sql.DB }

// NewVariationLogRepo creates a Postgres-backed variation log repository.
func NewVariationLogRepo(db *sql.DB) *VariationLogRepo { return &VariationLogRepo{db: db} }

const logColumns = `
	id, campaign_id, message_id, account_id, template_raw, selections_json,
	recipient, sent_at, delivered, read_flag`

func scanLogEntry(row interface{ Scan(...interface{}) error }) (*domain.VariationLogEntry, error) {
	e := &domain.VariationLogEntry{}
	var campaignID, messageID sql.NullString
	var selectionsJSON string
	err := row.Scan(
		&e.ID, &campaignID, &messageID, &e.AccountID, &e.TemplateRaw, &selectionsJSON,
		&e.Recipient, &e.SentAt, &e.Delivered, &e.Read,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(selectionsJSON), &e.Selections); err != nil {
		return nil, fmt.Errorf("decode selections for %s: %w", e.ID, err)
	}
	e.CampaignID = campaignID.String
	e.MessageID = messageID.String
	return e, nil
}

// Insert appends one log entry.
func (r *VariationLogRepo) Insert(ctx context.Context, e *domain.VariationLogEntry) error {
	return r.InsertBulk(ctx, []*domain.VariationLogEntry{e})
}

// InsertBulk appends entries in chunked multi-row inserts.
func (r *VariationLogRepo) InsertBulk(ctx context.Context, entries []*domain.VariationLogEntry) error {
	const chunk = 200
	for start := 0; start < len(entries); start += chunk {
		end := start + chunk
		if end > len(entries) {
			end = len(entries)
		}

		var sb strings.Builder
		sb.WriteString(`INSERT INTO variation_log
			(id, campaign_id, message_id, account_id, template_raw, selections_json,
			 recipient, sent_at, delivered, read_flag) VALUES `)
		args := make([]interface{}, 0, (end-start)*10)
		for i := start; i < end; i++ {
			e := entries[i]
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
			selJSON, err := json.Marshal(e.Selections)
			if err != nil {
				return fmt.Errorf("marshal selections: %w", err)
			}
			if i > start {
				sb.WriteString(", ")
			}
			n := len(args)
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10)
			args = append(args, e.ID, nullable(e.CampaignID), nullable(e.MessageID),
				e.AccountID, e.TemplateRaw, string(selJSON),
				e.Recipient, e.SentAt, e.Delivered, e.Read)
		}
		if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert variation log [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// UpdateDeliveryByMessageID raises the delivery flags for the entry matched
// by provider message id. Flags are monotonic: the OR keeps a delivered or
// read mark even when events arrive out of order.
func (r *VariationLogRepo) UpdateDeliveryByMessageID(ctx context.Context, providerMessageID string, delivered, read bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE variation_log
		SET delivered = delivered OR $2, read_flag = read_flag OR $3
		WHERE message_id = $1
	`, providerMessageID, delivered, read)
	if err != nil {
		return false, fmt.Errorf("update delivery: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EntriesForCampaign returns every entry of one campaign in send order.
func (r *VariationLogRepo) EntriesForCampaign(ctx context.Context, campaignID string) ([]domain.VariationLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM variation_log
		WHERE campaign_id = $1
		ORDER BY sent_at ASC, id ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("entries for campaign: %w", err)
	}
	return collectLogEntries(rows)
}

// EntriesForAccount returns entries of one account within [from, to).
func (r *VariationLogRepo) EntriesForAccount(ctx context.Context, accountID string, from, to time.Time, limit int) ([]domain.VariationLogEntry, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+logColumns+` FROM variation_log
		WHERE account_id = $1 AND sent_at >= $2 AND sent_at < $3
		ORDER BY sent_at ASC, id ASC
		LIMIT $4
	`, accountID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("entries for account: %w", err)
	}
	return collectLogEntries(rows)
}

func collectLogEntries(rows *sql.Rows) ([]domain.VariationLogEntry, error) {
	defer rows.Close()
	var out []domain.VariationLogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountForCampaign counts the campaign's logged sends. Used by the
// reconciler as the authoritative success count.
func (r *VariationLogRepo) CountForCampaign(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM variation_log WHERE campaign_id = $1`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count for campaign: %w", err)
	}
	return n, nil
}

// nullable maps "" to NULL for optional foreign keys.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
