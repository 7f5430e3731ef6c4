package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/quota"
	"github.com/ignite/whatsapp-engine/internal/service/sending"
)

type fakeMsgStore struct {
	mu       sync.Mutex
	messages map[string]*domain.ScheduledMessage
	stale    int
}

func newFakeMsgStore(msgs ...*domain.ScheduledMessage) *fakeMsgStore {
	s := &fakeMsgStore{messages: make(map[string]*domain.ScheduledMessage)}
	for _, m := range msgs {
		cp := *m
		s.messages[m.ID] = &cp
	}
	return s
}

func (s *fakeMsgStore) Due(_ context.Context, now time.Time, _ int) ([]domain.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledMessage
	for _, m := range s.messages {
		if m.Status == domain.MessagePending && !m.RunAt.After(now) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *fakeMsgStore) ClaimDispatch(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Status != domain.MessagePending {
		return false, nil
	}
	m.Status = domain.MessageDispatched
	return true, nil
}

func (s *fakeMsgStore) UpdateAttempts(_ context.Context, id string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Attempts = attempts
		m.LastError = lastError
	}
	return nil
}

func (s *fakeMsgStore) MarkSent(_ context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		now := time.Now()
		m.Attempts = attempts
		m.LastError = ""
		m.SentAt = &now
	}
	return nil
}

func (s *fakeMsgStore) MarkFailed(_ context.Context, id string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Status = domain.MessageFailed
		m.Attempts = attempts
		m.LastError = lastError
	}
	return nil
}

func (s *fakeMsgStore) RecoverStaleDispatched(_ context.Context, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.stale
	s.stale = 0
	return n, nil
}

func (s *fakeMsgStore) get(id string) domain.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func pendingMessage(id string, runAt time.Time) *domain.ScheduledMessage {
	return &domain.ScheduledMessage{
		ID:          id,
		AccountID:   "acct-1",
		TemplateRaw: "Hi|Hello {{name}}",
		Recipient:   domain.Recipient{Address: "+15550000001"},
		Variables:   map[string]string{"name": "Ana"},
		RunAt:       runAt,
		Status:      domain.MessagePending,
	}
}

func TestDispatcherSendsDueMessage(t *testing.T) {
	h := newHarness(t, 0)
	store := newFakeMsgStore(pendingMessage("msg-1", h.clock.Now().Add(-time.Minute)))
	d := NewMessageDispatcher(store, h.deps, time.Second)

	d.pollOnce(context.Background())

	m := store.get("msg-1")
	if m.Status != domain.MessageDispatched {
		t.Fatalf("status = %s, want dispatched", m.Status)
	}
	if m.Attempts != 1 || m.LastError != "" {
		t.Fatalf("attempts/lastError = %d/%q", m.Attempts, m.LastError)
	}
	if m.SentAt == nil {
		t.Fatal("sent_at not stamped on success")
	}
	if h.gateway.sendCount() != 1 {
		t.Fatalf("sends = %d", h.gateway.sendCount())
	}
	if len(h.recorder.entries) != 1 || h.recorder.entries[0].CampaignID != "" {
		t.Fatalf("log entries = %+v", h.recorder.entries)
	}
	if h.quota.commits != 1 {
		t.Fatalf("commits = %d", h.quota.commits)
	}
}

func TestDispatcherIgnoresFutureMessages(t *testing.T) {
	h := newHarness(t, 0)
	store := newFakeMsgStore(pendingMessage("msg-1", h.clock.Now().Add(time.Hour)))
	d := NewMessageDispatcher(store, h.deps, time.Second)

	d.pollOnce(context.Background())

	if h.gateway.sendCount() != 0 {
		t.Fatalf("future message must not be sent")
	}
	if store.get("msg-1").Status != domain.MessagePending {
		t.Fatalf("status = %s", store.get("msg-1").Status)
	}
}

// At most one dispatcher wins the pending -> dispatched claim.
func TestDispatcherClaimIsExclusive(t *testing.T) {
	h := newHarness(t, 0)
	msg := pendingMessage("msg-1", h.clock.Now().Add(-time.Minute))
	store := newFakeMsgStore(msg)
	a := NewMessageDispatcher(store, h.deps, time.Second)
	b := NewMessageDispatcher(store, h.deps, time.Second)

	// Both replicas see the same due message.
	due, _ := store.Due(context.Background(), h.clock.Now(), 100)
	a.dispatch(context.Background(), &due[0])
	b.dispatch(context.Background(), &due[0])

	if h.gateway.sendCount() != 1 {
		t.Fatalf("sends = %d, want exactly 1", h.gateway.sendCount())
	}
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	h := newHarness(t, 0)
	transient := sending.Transient("throttled", errors.New("429"))
	h.gateway.scripts = []error{transient, transient, transient, transient, transient}
	store := newFakeMsgStore(pendingMessage("msg-1", h.clock.Now().Add(-time.Minute)))
	d := NewMessageDispatcher(store, h.deps, time.Second)

	d.pollOnce(context.Background())

	m := store.get("msg-1")
	if m.Status != domain.MessageFailed {
		t.Fatalf("status = %s, want failed", m.Status)
	}
	if m.Attempts != maxSendAttempts {
		t.Fatalf("attempts = %d, want %d", m.Attempts, maxSendAttempts)
	}
	if h.quota.releases != 1 {
		t.Fatalf("releases = %d", h.quota.releases)
	}
}

func TestDispatcherFailsOptedOutRecipient(t *testing.T) {
	h := newHarness(t, 0)
	h.deps.OptOuts = &fakeOptouts{blocked: map[string]bool{"+15550000001": true}}
	store := newFakeMsgStore(pendingMessage("msg-1", h.clock.Now().Add(-time.Minute)))
	d := NewMessageDispatcher(store, h.deps, time.Second)

	d.pollOnce(context.Background())

	m := store.get("msg-1")
	if m.Status != domain.MessageFailed || m.LastError != errRecipientOptOut {
		t.Fatalf("message = %+v", m)
	}
	if h.gateway.sendCount() != 0 {
		t.Fatal("opted-out recipient must not be sent")
	}
}

func TestDispatcherQuotaBudgetExhausted(t *testing.T) {
	h := newHarness(t, 0)
	denial := quota.Decision{Reason: quota.ReasonMinuteLimit, RetryAfter: time.Second}
	h.quota.denials = []quota.Decision{denial, denial, denial, denial, denial}
	store := newFakeMsgStore(pendingMessage("msg-1", h.clock.Now().Add(-time.Minute)))
	d := NewMessageDispatcher(store, h.deps, time.Second)

	d.pollOnce(context.Background())

	m := store.get("msg-1")
	if m.Status != domain.MessageFailed || m.LastError != errQuotaExhausted {
		t.Fatalf("message = %+v", m)
	}
	if h.gateway.sendCount() != 0 {
		t.Fatal("quota-starved message must not be sent")
	}
}
