package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/whatsapp-engine/internal/domain"
)

// PlanRepo resolves per-account quota plans. Accounts without a stored
// plan fall back to the configured defaults, so a missing billing row
// never blocks sending.
type PlanRepo struct {
	db               *sql.DB
	defaultPerMinute int
	defaultPerDay    int
}

// NewPlanRepo creates a plan repository with fallback limits for accounts
// that have no stored plan. Zero defaults mean unlimited.
func NewPlanRepo(db *sql.DB, defaultPerMinute, defaultPerDay int) *PlanRepo {
	return &PlanRepo{db: db, defaultPerMinute: defaultPerMinute, defaultPerDay: defaultPerDay}
}

// Plan returns the account's quota limits.
func (r *PlanRepo) Plan(ctx context.Context, accountID string) (*domain.AccountPlan, error) {
	p := &domain.AccountPlan{AccountID: accountID}
	var ownerEmail sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT sends_per_minute, sends_per_day, owner_email, updated_at
		FROM account_plans WHERE account_id = $1
	`, accountID).Scan(&p.SendsPerMinute, &p.SendsPerDay, &ownerEmail, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		p.SendsPerMinute = r.defaultPerMinute
		p.SendsPerDay = r.defaultPerDay
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	p.OwnerEmail = ownerEmail.String
	return p, nil
}

// Upsert stores or replaces the account's plan.
func (r *PlanRepo) Upsert(ctx context.Context, p *domain.AccountPlan) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO account_plans (account_id, sends_per_minute, sends_per_day, owner_email, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id) DO UPDATE
		SET sends_per_minute = $2, sends_per_day = $3, owner_email = $4, updated_at = NOW()
	`, p.AccountID, p.SendsPerMinute, p.SendsPerDay, p.OwnerEmail)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}
