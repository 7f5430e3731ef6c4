package campaign

import (
	"context"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist
	// for the account.
	Get(ctx context.Context, accountID, id string) (*domain.Campaign, error)

	// List returns campaigns matching the given filter, ordered by created_at DESC.
	List(ctx context.Context, accountID string, filter ListFilter) ([]domain.Campaign, error)

	// Create inserts a new campaign together with its recipient list.
	Create(ctx context.Context, c *domain.Campaign) error

	// Recipients returns the recipient window [fromIndex, fromIndex+limit)
	// in submission order.
	Recipients(ctx context.Context, campaignID string, fromIndex, limit int) ([]domain.Recipient, error)

	// UpdateStatus transitions status only when the current status is one of
	// from. Returns ErrInvalidTransition when no row matches.
	UpdateStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error
}

// Controller lets the service signal the running send loops. The worker
// manager implements it; a nil controller means control operations only
// flip persisted status and the loops pick the change up on their next
// boundary check.
type Controller interface {
	// StartCampaign begins (or resumes) the send loop for the campaign.
	StartCampaign(campaignID string)
	// StopCampaign asks the loop to stop at the next recipient boundary.
	StopCampaign(campaignID string)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name        string             `json:"name"`
	TemplateRaw string             `json:"template"`
	Recipients  []domain.Recipient `json:"recipients"`
	Pacing      domain.Pacing      `json:"pacing"`
	StartsAt    *time.Time         `json:"starts_at,omitempty"`
}
