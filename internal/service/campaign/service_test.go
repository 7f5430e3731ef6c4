package campaign_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
	"github.com/ignite/whatsapp-engine/internal/service/campaign"
)

// memRepo is an in-memory campaign repository for unit testing.
type memRepo struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign // keyed by id
}

func newMemRepo() *memRepo {
	return &memRepo{campaigns: make(map[string]*domain.Campaign)}
}

func (m *memRepo) Get(_ context.Context, accountID, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.AccountID != accountID {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memRepo) List(_ context.Context, accountID string, f campaign.ListFilter) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.AccountID != accountID {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (m *memRepo) Create(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[cp.ID] = &cp
	return nil
}

func (m *memRepo) Recipients(_ context.Context, campaignID string, fromIndex, limit int) ([]domain.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	if fromIndex >= len(c.Recipients) {
		return nil, nil
	}
	end := fromIndex + limit
	if limit <= 0 || end > len(c.Recipients) {
		end = len(c.Recipients)
	}
	return c.Recipients[fromIndex:end], nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			return nil
		}
	}
	return campaign.ErrInvalidTransition
}

// controlSpy records start/stop signals.
type controlSpy struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (c *controlSpy) StartCampaign(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, id)
}

func (c *controlSpy) StopCampaign(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, id)
}

const testAccount = "acct-1"

func newTestService(repo campaign.Repository, control campaign.Controller) *campaign.Service {
	proc := humanizer.NewProcessor(random.Seeded(1), 10)
	return campaign.NewService(repo, proc, control)
}

func validInput() campaign.CreateInput {
	return campaign.CreateInput{
		Name:        "March promo",
		TemplateRaw: "Hi|Hello {{name}}, offer inside",
		Recipients: []domain.Recipient{
			{Address: "+15550000001", Variables: map[string]string{"name": "Ana"}},
			{Address: "+15550000002", Variables: map[string]string{"name": "Bo"}},
		},
		Pacing: domain.Pacing{MinIntervalMs: 100, MaxIntervalMs: 200},
	}
}

func TestCreate(t *testing.T) {
	svc := newTestService(newMemRepo(), nil)
	c, err := svc.Create(context.Background(), testAccount, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != domain.CampaignScheduled {
		t.Fatalf("expected scheduled, got %s", c.Status)
	}
	if c.Progress.TotalRecipients != 2 {
		t.Fatalf("expected 2 total recipients, got %d", c.Progress.TotalRecipients)
	}
	// Defaults filled during validation.
	if c.Pacing.MaxParallel != 1 || c.Pacing.FailurePolicy != domain.FailureSkipRecipient {
		t.Fatalf("pacing defaults not applied: %+v", c.Pacing)
	}
}

func TestCreateRejectsInvalidTemplate(t *testing.T) {
	svc := newTestService(newMemRepo(), nil)
	in := validInput()
	in.TemplateRaw = "Pick one of a|" + strings.Repeat("x", 501) // over-long option

	_, err := svc.Create(context.Background(), testAccount, in)
	if !errors.Is(err, campaign.ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
}

func TestCreateRejectsEmptyRecipients(t *testing.T) {
	svc := newTestService(newMemRepo(), nil)
	in := validInput()
	in.Recipients = nil

	_, err := svc.Create(context.Background(), testAccount, in)
	if !errors.Is(err, campaign.ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(newMemRepo(), nil)
	_, err := svc.Get(context.Background(), testAccount, "nonexistent")
	if err != campaign.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPauseResumeCycle(t *testing.T) {
	repo := newMemRepo()
	spy := &controlSpy{}
	svc := newTestService(repo, spy)

	c, _ := svc.Create(context.Background(), testAccount, validInput())
	repo.UpdateStatus(context.Background(), c.ID,
		[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignRunning)

	if err := svc.Pause(context.Background(), testAccount, c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := svc.Get(context.Background(), testAccount, c.ID)
	if got.Status != domain.CampaignPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}

	if err := svc.Resume(context.Background(), testAccount, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = svc.Get(context.Background(), testAccount, c.ID)
	if got.Status != domain.CampaignRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}

	if len(spy.stopped) != 1 || len(spy.started) != 1 {
		t.Fatalf("controller signals = stop %d / start %d, want 1/1", len(spy.stopped), len(spy.started))
	}
}

func TestPauseRequiresRunning(t *testing.T) {
	svc := newTestService(newMemRepo(), nil)
	c, _ := svc.Create(context.Background(), testAccount, validInput())

	// Still scheduled, never started.
	err := svc.Pause(context.Background(), testAccount, c.ID)
	if !errors.Is(err, campaign.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelFromAnyLiveState(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)

	c, _ := svc.Create(context.Background(), testAccount, validInput())
	if err := svc.Cancel(context.Background(), testAccount, c.ID); err != nil {
		t.Fatalf("cancel scheduled: %v", err)
	}
	got, _ := svc.Get(context.Background(), testAccount, c.ID)
	if got.Status != domain.CampaignCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Terminal records reject further control calls.
	if err := svc.Cancel(context.Background(), testAccount, c.ID); !errors.Is(err, campaign.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if err := svc.Resume(context.Background(), testAccount, c.ID); !errors.Is(err, campaign.ErrTerminal) {
		t.Fatalf("expected ErrTerminal on resume, got %v", err)
	}
}

func TestListWithFilter(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)

	svc.Create(context.Background(), testAccount, validInput())
	svc.Create(context.Background(), testAccount, validInput())

	list, err := svc.List(context.Background(), testAccount, campaign.ListFilter{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 campaigns, got %d", len(list))
	}

	list, _ = svc.List(context.Background(), testAccount, campaign.ListFilter{Status: "running"})
	if len(list) != 0 {
		t.Fatalf("expected 0 running campaigns, got %d", len(list))
	}
}
