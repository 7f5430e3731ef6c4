package message_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
	"github.com/ignite/whatsapp-engine/internal/service/message"
)

type memRepo struct {
	mu       sync.Mutex
	messages map[string]*domain.ScheduledMessage
}

func newMemRepo() *memRepo {
	return &memRepo{messages: make(map[string]*domain.ScheduledMessage)}
}

func (m *memRepo) Create(_ context.Context, msg *domain.ScheduledMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[cp.ID] = &cp
	return nil
}

func (m *memRepo) Get(_ context.Context, accountID, id string) (*domain.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.AccountID != accountID {
		return nil, message.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *memRepo) Cancel(_ context.Context, accountID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.AccountID != accountID {
		return message.ErrNotFound
	}
	if msg.Status != domain.MessagePending {
		return message.ErrNotPending
	}
	msg.Status = domain.MessageCancelled
	return nil
}

func newTestService(repo message.Repository, clk clock.Clock) *message.Service {
	proc := humanizer.NewProcessor(random.Seeded(1), 10)
	return message.NewService(repo, proc, clk)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestScheduleAndGet(t *testing.T) {
	svc := newTestService(newMemRepo(), clock.NewFake(testNow))

	m, err := svc.Schedule(context.Background(), "acct-1", message.ScheduleInput{
		TemplateRaw: "Hi|Hello {{name}}",
		Recipient:   "+15550000001",
		Variables:   map[string]string{"name": "Ana"},
		RunAt:       testNow.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if m.Status != domain.MessagePending {
		t.Fatalf("status = %s, want pending", m.Status)
	}

	got, err := svc.Get(context.Background(), "acct-1", m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Recipient.Address != "+15550000001" {
		t.Fatalf("recipient = %s", got.Recipient.Address)
	}
}

func TestScheduleRejectsPastRunAt(t *testing.T) {
	svc := newTestService(newMemRepo(), clock.NewFake(testNow))

	_, err := svc.Schedule(context.Background(), "acct-1", message.ScheduleInput{
		TemplateRaw: "Hi",
		Recipient:   "+15550000001",
		RunAt:       testNow.Add(-time.Minute),
	})
	if !errors.Is(err, message.ErrRunAtPast) {
		t.Fatalf("expected ErrRunAtPast, got %v", err)
	}
}

func TestScheduleValidatesTemplateUpfront(t *testing.T) {
	svc := newTestService(newMemRepo(), clock.NewFake(testNow))

	_, err := svc.Schedule(context.Background(), "acct-1", message.ScheduleInput{
		TemplateRaw: "{{x}}", // no static text and no variations outside the placeholder
		Recipient:   "+15550000001",
		RunAt:       testNow.Add(time.Hour),
	})
	// A lone placeholder is valid (warnings only). Use an over-long option
	// to trip a real error instead.
	if err != nil {
		t.Fatalf("placeholder-only template should be schedulable: %v", err)
	}

	long := "a|"
	for i := 0; i < 501; i++ {
		long += "x"
	}
	_, err = svc.Schedule(context.Background(), "acct-1", message.ScheduleInput{
		TemplateRaw: long,
		Recipient:   "+15550000001",
		RunAt:       testNow.Add(time.Hour),
	})
	if !errors.Is(err, message.ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, clock.NewFake(testNow))

	m, _ := svc.Schedule(context.Background(), "acct-1", message.ScheduleInput{
		TemplateRaw: "Hi",
		Recipient:   "+15550000001",
		RunAt:       testNow.Add(time.Hour),
	})

	if err := svc.Cancel(context.Background(), "acct-1", m.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := svc.Get(context.Background(), "acct-1", m.ID)
	if got.Status != domain.MessageCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// Already cancelled: no longer pending.
	if err := svc.Cancel(context.Background(), "acct-1", m.ID); !errors.Is(err, message.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}
