// Package tracking records which variation of a humanized template every
// sent message used, and folds provider delivery receipts back onto those
// records. The variation log it maintains is the raw material for the
// distribution and engagement reports.
package tracking

import (
	"context"
	"log"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/service/sending"
)

// Repository defines the data access contract for the variation log.
type Repository interface {
	Insert(ctx context.Context, e *domain.VariationLogEntry) error
	InsertBulk(ctx context.Context, entries []*domain.VariationLogEntry) error
	UpdateDeliveryByMessageID(ctx context.Context, providerMessageID string, delivered, read bool) (bool, error)
	EntriesForCampaign(ctx context.Context, campaignID string) ([]domain.VariationLogEntry, error)
	EntriesForAccount(ctx context.Context, accountID string, from, to time.Time, limit int) ([]domain.VariationLogEntry, error)
}

// Tracker is the write side of the variation log.
type Tracker struct {
	repo Repository
}

// NewTracker creates a tracker over the given repository.
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo}
}

// RecordSend appends a log entry for a successful send. Messages whose
// template had no variation blocks are not logged; there is nothing to
// analyze about them.
func (t *Tracker) RecordSend(ctx context.Context, e *domain.VariationLogEntry) error {
	if len(e.Selections) == 0 {
		return nil
	}
	if err := e.Validate(nil); err != nil {
		return err
	}
	return t.repo.Insert(ctx, e)
}

// EventSink returns a sending.EventSink that folds delivery and read
// receipts onto log entries, matched strictly by provider message id.
// Events for unknown ids are dropped: the send may have carried an
// unvaried template, or the receipt belongs to another system.
func (t *Tracker) EventSink() sending.EventSink {
	return func(ev sending.Event) {
		var delivered, read bool
		switch ev.Kind {
		case sending.EventDelivered:
			delivered = true
		case sending.EventRead:
			// A read receipt implies delivery even when the delivered
			// receipt was lost.
			delivered, read = true, true
		default:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		matched, err := t.repo.UpdateDeliveryByMessageID(ctx, ev.ProviderMessageID, delivered, read)
		if err != nil {
			log.Printf("[Tracker] Delivery update for %s: %v", ev.ProviderMessageID, err)
			return
		}
		if !matched {
			log.Printf("[Tracker] Receipt for unknown message id %s dropped", ev.ProviderMessageID)
		}
	}
}

// EntriesForCampaign returns the campaign's log entries in send order.
func (t *Tracker) EntriesForCampaign(ctx context.Context, campaignID string) ([]domain.VariationLogEntry, error) {
	return t.repo.EntriesForCampaign(ctx, campaignID)
}

// EntriesForAccount returns an account's log entries within [from, to).
func (t *Tracker) EntriesForAccount(ctx context.Context, accountID string, from, to time.Time, limit int) ([]domain.VariationLogEntry, error) {
	return t.repo.EntriesForAccount(ctx, accountID, from, to, limit)
}
