package campaign

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
)

// Service implements campaign business logic: creation with template
// validation, and the pause/resume/cancel control surface. All public
// methods are safe for concurrent use if the underlying repository is
// concurrency-safe.
type Service struct {
	repo      Repository
	processor *humanizer.Processor
	control   Controller
}

// NewService creates a campaign service backed by the given repository.
// control may be nil; see Controller.
func NewService(repo Repository, processor *humanizer.Processor, control Controller) *Service {
	return &Service{repo: repo, processor: processor, control: control}
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, accountID, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, accountID, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, accountID string, f ListFilter) ([]domain.Campaign, error) {
	return s.repo.List(ctx, accountID, f)
}

// Progress returns the live counters for a campaign.
func (s *Service) Progress(ctx context.Context, accountID, id string) (*domain.Progress, domain.CampaignStatus, error) {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return nil, "", err
	}
	return &c.Progress, c.Status, nil
}

// Create validates and persists a new campaign in scheduled status. The
// template must parse cleanly; pacing defaults are filled in place.
func (s *Service) Create(ctx context.Context, accountID string, input CreateInput) (*domain.Campaign, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if len(input.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	for i, r := range input.Recipients {
		if r.Address == "" {
			return nil, fmt.Errorf("recipient %d has an empty address", i)
		}
	}

	parsed := s.processor.Parse(input.TemplateRaw)
	if !parsed.IsValid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTemplate, parsed.Errors[0].Message)
	}

	pacing := input.Pacing
	if err := pacing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pacing: %w", err)
	}

	c := &domain.Campaign{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Name:        input.Name,
		TemplateRaw: input.TemplateRaw,
		Recipients:  input.Recipients,
		Pacing:      pacing,
		Status:      domain.CampaignScheduled,
		Progress:    domain.Progress{TotalRecipients: len(input.Recipients)},
		StartsAt:    input.StartsAt,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	log.Printf("[campaign.Service] Campaign %s created: %d recipients", c.ID, len(input.Recipients))
	return c, nil
}

// Pause asks a running campaign to stop at the next recipient boundary.
// The in-flight send, if any, completes first.
func (s *Service) Pause(ctx context.Context, accountID, id string) error {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return ErrTerminal
	}
	if err := s.repo.UpdateStatus(ctx, id, []domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignPaused); err != nil {
		return err
	}
	if s.control != nil {
		s.control.StopCampaign(id)
	}
	log.Printf("[campaign.Service] Campaign %s paused", id)
	return nil
}

// Resume restarts a paused campaign from its persisted next index. No
// recipient is re-sent.
func (s *Service) Resume(ctx context.Context, accountID, id string) error {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return ErrTerminal
	}
	if err := s.repo.UpdateStatus(ctx, id, []domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignRunning); err != nil {
		return err
	}
	if s.control != nil {
		s.control.StartCampaign(id)
	}
	log.Printf("[campaign.Service] Campaign %s resumed at index %d", id, c.Progress.NextIndex)
	return nil
}

// Cancel terminally stops a campaign. Allowed from scheduled, running, and
// paused; already-sent messages are unaffected.
func (s *Service) Cancel(ctx context.Context, accountID, id string) error {
	c, err := s.repo.Get(ctx, accountID, id)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return ErrTerminal
	}
	from := []domain.CampaignStatus{domain.CampaignScheduled, domain.CampaignRunning, domain.CampaignPaused}
	if err := s.repo.UpdateStatus(ctx, id, from, domain.CampaignCancelled); err != nil {
		return err
	}
	if s.control != nil {
		s.control.StopCampaign(id)
	}
	log.Printf("[campaign.Service] Campaign %s cancelled", id)
	return nil
}
