// Package message implements one-off scheduled WhatsApp messages: schedule
// a humanized template for a single recipient at a future time, cancel it
// while it is still pending, and inspect its state.
package message

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
)

// Repository defines the data access contract for scheduled messages.
type Repository interface {
	Create(ctx context.Context, m *domain.ScheduledMessage) error
	Get(ctx context.Context, accountID, id string) (*domain.ScheduledMessage, error)
	Cancel(ctx context.Context, accountID, id string) error
}

// ScheduleInput holds the fields for scheduling a one-off message.
type ScheduleInput struct {
	TemplateRaw string            `json:"template"`
	Recipient   string            `json:"recipient"`
	Variables   map[string]string `json:"variables,omitempty"`
	RunAt       time.Time         `json:"run_at"`
}

// Service implements scheduled message business logic.
type Service struct {
	repo      Repository
	processor *humanizer.Processor
	clock     clock.Clock
}

// NewService creates a scheduled message service.
func NewService(repo Repository, processor *humanizer.Processor, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{repo: repo, processor: processor, clock: clk}
}

// Schedule validates and persists a pending message. Template validation
// happens now, at submission, so a bad template fails fast instead of at
// dispatch time.
func (s *Service) Schedule(ctx context.Context, accountID string, input ScheduleInput) (*domain.ScheduledMessage, error) {
	if input.Recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if input.RunAt.Before(s.clock.Now()) {
		return nil, ErrRunAtPast
	}
	parsed := s.processor.Parse(input.TemplateRaw)
	if !parsed.IsValid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTemplate, parsed.Errors[0].Message)
	}

	m := &domain.ScheduledMessage{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		TemplateRaw: input.TemplateRaw,
		Recipient:   domain.Recipient{Address: input.Recipient, Variables: input.Variables},
		Variables:   input.Variables,
		RunAt:       input.RunAt,
		Status:      domain.MessagePending,
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	log.Printf("[message.Service] Message %s scheduled for %s", m.ID, m.RunAt.Format(time.RFC3339))
	return m, nil
}

// Get returns a single scheduled message.
func (s *Service) Get(ctx context.Context, accountID, id string) (*domain.ScheduledMessage, error) {
	return s.repo.Get(ctx, accountID, id)
}

// Cancel aborts a pending message. Returns ErrNotPending once dispatch has
// started; cancellation never un-sends.
func (s *Service) Cancel(ctx context.Context, accountID, id string) error {
	if err := s.repo.Cancel(ctx, accountID, id); err != nil {
		return err
	}
	log.Printf("[message.Service] Message %s cancelled", id)
	return nil
}
