package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/service/message"
)

// MessageRepo persists one-off scheduled messages.
type MessageRepo struct{ db *sql.DB }

// NewMessageRepo creates a Postgres-backed scheduled message repository.
func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

const messageColumns = `
	id, account_id, template_raw, recipient_address, variables_json,
	run_at, status, attempts, last_error, sent_at, created_at, updated_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*domain.ScheduledMessage, error) {
	m := &domain.ScheduledMessage{}
	var varsJSON sql.NullString
	var lastErr sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.AccountID, &m.TemplateRaw, &m.Recipient.Address, &varsJSON,
		&m.RunAt, &m.Status, &m.Attempts, &lastErr, &sentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	if varsJSON.Valid && varsJSON.String != "" && varsJSON.String != "null" {
		if err := json.Unmarshal([]byte(varsJSON.String), &m.Variables); err != nil {
			return nil, fmt.Errorf("decode variables for %s: %w", m.ID, err)
		}
	}
	m.Recipient.Variables = m.Variables
	m.LastError = lastErr.String
	return m, nil
}

// Create inserts a pending scheduled message.
func (r *MessageRepo) Create(ctx context.Context, m *domain.ScheduledMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	varsJSON, err := json.Marshal(m.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages
			(id, account_id, template_raw, recipient_address, variables_json,
			 run_at, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', NOW(), NOW())
	`, m.ID, m.AccountID, m.TemplateRaw, m.Recipient.Address, string(varsJSON),
		m.RunAt, m.Status)
	if err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

// Get returns a single scheduled message scoped by account.
func (r *MessageRepo) Get(ctx context.Context, accountID, id string) (*domain.ScheduledMessage, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM scheduled_messages WHERE id = $1 AND account_id = $2`, id, accountID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled message: %w", err)
	}
	return m, nil
}

// Due returns pending messages whose run time has arrived, oldest first.
func (r *MessageRepo) Due(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM scheduled_messages
		WHERE status = 'pending' AND run_at <= $1
		ORDER BY run_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ClaimDispatch flips pending -> dispatched as a compare-and-set. Returns
// false when another process already claimed the message.
func (r *MessageRepo) ClaimDispatch(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status = 'dispatched', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim dispatch: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateAttempts records a retry attempt and its error.
func (r *MessageRepo) UpdateAttempts(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, lastError)
	if err != nil {
		return fmt.Errorf("update attempts: %w", err)
	}
	return nil
}

// MarkSent finalizes a dispatched message as sent. The sent_at stamp is
// what keeps the stale-dispatch sweep away from successful messages.
func (r *MessageRepo) MarkSent(ctx context.Context, id string, attempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET attempts = $2, last_error = '', sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, attempts)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed finalizes a dispatched message as failed.
func (r *MessageRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'failed', attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, attempts, lastError)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Cancel flips pending -> cancelled. A message already dispatched (or past
// any other state) returns ErrNotPending.
func (r *MessageRepo) Cancel(ctx context.Context, accountID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND account_id = $2 AND status = 'pending'
	`, id, accountID)
	if err != nil {
		return fmt.Errorf("cancel scheduled message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.Get(ctx, accountID, id); getErr != nil {
			return getErr
		}
		return message.ErrNotPending
	}
	return nil
}

// RecoverStaleDispatched fails messages stuck in dispatched longer than
// maxAge with no sent_at stamp: the dispatching process died mid-send.
// Sent messages are never touched. Returns the number of messages
// recovered.
func (r *MessageRepo) RecoverStaleDispatched(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'failed', last_error = 'dispatch_lost', updated_at = NOW()
		WHERE status = 'dispatched' AND sent_at IS NULL
		  AND updated_at < NOW() - ($1 * INTERVAL '1 second')
	`, int(maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stale dispatched: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
