package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
	"github.com/ignite/whatsapp-engine/internal/service/sending"
)

const (
	// DefaultDispatchPollInterval is how often the dispatcher scans for due
	// messages.
	DefaultDispatchPollInterval = 15 * time.Second

	// staleDispatchAge is how long a message may sit in dispatched before
	// the recovery sweep declares its dispatcher dead.
	staleDispatchAge = 10 * time.Minute

	// quotaWaitBudget bounds how many quota windows a one-off message will
	// wait through before failing.
	quotaWaitBudget = 3

	errQuotaExhausted = "quota_exhausted"
	errDispatchLost   = "dispatch_lost"
)

// MessageStore is the slice of scheduled-message persistence the
// dispatcher needs.
type MessageStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error)
	ClaimDispatch(ctx context.Context, id string) (bool, error)
	UpdateAttempts(ctx context.Context, id string, attempts int, lastError string) error
	MarkSent(ctx context.Context, id string, attempts int) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	RecoverStaleDispatched(ctx context.Context, maxAge time.Duration) (int, error)
}

// MessageDispatcher delivers one-off scheduled messages when their run
// time arrives. The pending -> dispatched claim is a compare-and-set, so
// replicas can run dispatchers side by side without double sends.
type MessageDispatcher struct {
	store      MessageStore
	quota      QuotaLedger
	gateway    sending.Gateway
	recorder   SendRecorder
	optouts    OptOutChecker
	processor  *humanizer.Processor
	clock      clock.Clock
	rand       random.Source
	credential string

	pollInterval time.Duration
}

// NewMessageDispatcher creates a dispatcher.
func NewMessageDispatcher(store MessageStore, deps RunnerDeps, pollInterval time.Duration) *MessageDispatcher {
	deps.fillDefaults()
	if pollInterval <= 0 {
		pollInterval = DefaultDispatchPollInterval
	}
	return &MessageDispatcher{
		store:        store,
		quota:        deps.Quota,
		gateway:      deps.Gateway,
		recorder:     deps.Recorder,
		optouts:      deps.OptOuts,
		processor:    deps.Processor,
		clock:        deps.Clock,
		rand:         deps.Rand,
		credential:   deps.Credential,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled.
func (d *MessageDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	log.Printf("[Dispatcher] Started, polling every %s", d.pollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatcher] Stopped")
			return
		case <-ticker.C:
			d.recoverStale(ctx)
			d.pollOnce(ctx)
		}
	}
}

func (d *MessageDispatcher) recoverStale(ctx context.Context) {
	n, err := d.store.RecoverStaleDispatched(ctx, staleDispatchAge)
	if err != nil {
		log.Printf("[Dispatcher] Stale recovery: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Dispatcher] Recovered %d stale dispatched message(s) as %s", n, errDispatchLost)
	}
}

func (d *MessageDispatcher) pollOnce(ctx context.Context) {
	due, err := d.store.Due(ctx, d.clock.Now(), 100)
	if err != nil {
		log.Printf("[Dispatcher] List due: %v", err)
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, &due[i])
	}
}

// dispatch claims and sends one message. The claim happens before any
// work, so a crash after it leaves the message in dispatched for the
// stale-recovery sweep rather than risking a duplicate send.
func (d *MessageDispatcher) dispatch(ctx context.Context, m *domain.ScheduledMessage) {
	claimed, err := d.store.ClaimDispatch(ctx, m.ID)
	if err != nil {
		log.Printf("[Dispatcher] Claim %s: %v", m.ID, err)
		return
	}
	if !claimed {
		return
	}

	token, ok := d.reserveQuota(ctx, m)
	if !ok {
		d.store.MarkFailed(ctx, m.ID, m.Attempts, errQuotaExhausted)
		return
	}

	if d.optouts != nil {
		if opted, err := d.optouts.IsOptedOut(ctx, m.AccountID, m.Recipient.Address); err == nil && opted {
			d.quota.Release(ctx, m.AccountID, token, 1)
			d.store.MarkFailed(ctx, m.ID, m.Attempts, errRecipientOptOut)
			return
		}
	}

	msg := d.processor.Process(m.TemplateRaw, m.Variables, humanizer.Options{Source: d.rand})
	if !msg.Success {
		d.quota.Release(ctx, m.AccountID, token, 1)
		d.store.MarkFailed(ctx, m.ID, m.Attempts, errTemplateInvalid)
		return
	}

	spec := sending.SendSpec{
		AccountID:  m.AccountID,
		Credential: d.credential,
		Address:    m.Recipient.Address,
		Text:       msg.Final,
	}

	attempts := m.Attempts
	var result *sending.SendResult
	var sendErr error
	for try := 0; try < maxSendAttempts; try++ {
		result, sendErr = d.gateway.Send(ctx, spec)
		attempts++
		if sendErr == nil {
			break
		}
		d.store.UpdateAttempts(ctx, m.ID, attempts, sendErr.Error())
		if !sending.IsTransient(sendErr) {
			break
		}
		delay := backoffDelay(try)
		if suggested := sending.RetryAfterOf(sendErr); suggested > delay {
			delay = suggested
		}
		if err := d.clock.Sleep(ctx, delay); err != nil {
			break
		}
	}

	if sendErr != nil {
		d.quota.Release(ctx, m.AccountID, token, 1)
		d.store.MarkFailed(ctx, m.ID, attempts, sendErr.Error())
		log.Printf("[Dispatcher] Message %s failed after %d attempt(s): %v", m.ID, attempts, sendErr)
		return
	}

	if err := d.quota.Commit(ctx, m.AccountID, token, 1); err != nil {
		log.Printf("[Dispatcher] Quota commit for %s: %v", m.ID, err)
	}
	if err := d.store.MarkSent(ctx, m.ID, attempts); err != nil {
		log.Printf("[Dispatcher] Mark sent for %s: %v", m.ID, err)
	}
	entry := &domain.VariationLogEntry{
		MessageID:   result.ProviderMessageID,
		AccountID:   m.AccountID,
		TemplateRaw: m.TemplateRaw,
		Selections:  msg.Selections,
		Recipient:   m.Recipient.Address,
		SentAt:      result.AcceptedAt,
	}
	if err := d.recorder.RecordSend(ctx, entry); err != nil {
		log.Printf("[Dispatcher] Log append for %s: %v", m.ID, err)
	}
	log.Printf("[Dispatcher] Message %s dispatched as %s", m.ID, result.ProviderMessageID)
}

// reserveQuota tries a bounded number of quota windows.
func (d *MessageDispatcher) reserveQuota(ctx context.Context, m *domain.ScheduledMessage) (string, bool) {
	for waits := 0; ; waits++ {
		decision, err := d.quota.Reserve(ctx, m.AccountID, 1)
		if err != nil {
			log.Printf("[Dispatcher] Quota reserve for %s: %v", m.ID, err)
			return "", false
		}
		if decision.OK {
			return decision.Token, true
		}
		if waits >= quotaWaitBudget {
			return "", false
		}
		wait := decision.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		if err := d.clock.Sleep(ctx, wait); err != nil {
			return "", false
		}
	}
}
