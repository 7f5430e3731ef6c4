// Package worker drives the asynchronous side of the engine: campaign send
// loops, the due-campaign poller, and the scheduled message dispatcher.
//
// One Runner goroutine owns one running campaign. The loop is strictly
// sequential per campaign: humanizing delay, quota reservation, opt-out
// check, template processing, gateway send, progress persistence. Pause and
// cancel take effect at recipient boundaries; the in-flight send always
// completes first.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
	"github.com/ignite/whatsapp-engine/internal/pkg/logger"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
	"github.com/ignite/whatsapp-engine/internal/quota"
	"github.com/ignite/whatsapp-engine/internal/service/sending"
	"github.com/ignite/whatsapp-engine/internal/statesync"
)

// recipientBatchSize is how many recipients the runner pulls per store read.
const recipientBatchSize = 200

// Loop error markers persisted into the campaign's last_error field.
const (
	errQuotaWait       = "quota_wait"
	errRecipientOptOut = "recipient_opted_out"
	errTemplateInvalid = "invalid_template"
	errProcessFailed   = "process_failed"
)

// CampaignStore is the slice of campaign persistence the workers need.
type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)
	Status(ctx context.Context, id string) (domain.CampaignStatus, error)
	Recipients(ctx context.Context, campaignID string, fromIndex, limit int) ([]domain.Recipient, error)
	UpdateStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)
}

// ProgressSync persists progress under the campaign lease.
type ProgressSync interface {
	Acquire(ctx context.Context, campaignID string) (bool, error)
	Release(campaignID string)
	Persist(ctx context.Context, campaignID string, p domain.Progress, lastError string) error
	Restore(ctx context.Context) ([]domain.Campaign, error)
}

// QuotaLedger is the reserve/commit/release cycle of the quota package.
type QuotaLedger interface {
	Reserve(ctx context.Context, accountID string, n int) (quota.Decision, error)
	Commit(ctx context.Context, accountID, token string, n int) error
	Release(ctx context.Context, accountID, token string, n int) error
}

// OptOutChecker reports whether a recipient refused further messages.
type OptOutChecker interface {
	IsOptedOut(ctx context.Context, accountID, address string) (bool, error)
}

// SendRecorder appends entries to the variation log.
type SendRecorder interface {
	RecordSend(ctx context.Context, e *domain.VariationLogEntry) error
}

// Finisher is told when a campaign reaches a terminal state. The report
// archiver and the owner notifier hang off this.
type Finisher interface {
	CampaignFinished(campaignID string, status domain.CampaignStatus)
}

// RunnerDeps bundles what a campaign runner needs.
type RunnerDeps struct {
	Store     CampaignStore
	Sync      ProgressSync
	Quota     QuotaLedger
	Gateway   sending.Gateway
	Recorder  SendRecorder
	OptOuts   OptOutChecker
	Processor *humanizer.Processor
	Clock     clock.Clock
	Rand      random.Source
	Finisher  Finisher
	// Credential is the provider sender identity used for outgoing sends.
	Credential string
}

func (d *RunnerDeps) fillDefaults() {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Rand == nil {
		d.Rand = random.Crypto()
	}
}

// Runner executes one campaign's send loop.
type Runner struct {
	deps       RunnerDeps
	campaignID string
}

// NewRunner creates a runner for one campaign.
func NewRunner(deps RunnerDeps, campaignID string) *Runner {
	deps.fillDefaults()
	return &Runner{deps: deps, campaignID: campaignID}
}

// Run drives the campaign until it completes, fails, or ctx is cancelled.
// The caller owns the lease; Run assumes Acquire already succeeded.
func (r *Runner) Run(ctx context.Context) {
	d := r.deps
	c, err := d.Store.GetByID(ctx, r.campaignID)
	if err != nil {
		log.Printf("[Runner] Campaign %s load: %v", r.campaignID, err)
		return
	}
	if c.Status != domain.CampaignRunning {
		log.Printf("[Runner] Campaign %s is %s, not running; loop not started", c.ID, c.Status)
		return
	}

	parsed := d.Processor.Parse(c.TemplateRaw)
	if !parsed.IsValid {
		// Creation validates templates, so this means the stored row was
		// tampered with or predates a parser tightening.
		r.fail(ctx, c.ID, c.Progress, errTemplateInvalid)
		return
	}

	progress := c.Progress
	log.Printf("[Runner] Campaign %s starting at index %d/%d",
		c.ID, progress.NextIndex, progress.TotalRecipients)

	var batch []domain.Recipient
	batchStart := -1
	sentThisRun := false

	for progress.NextIndex < progress.TotalRecipients {
		// Recipient boundary: honor cancellation and external status flips.
		if ctx.Err() != nil {
			r.persist(ctx, c.ID, progress, "")
			return
		}
		status, err := d.Store.Status(ctx, c.ID)
		if err == nil && status != domain.CampaignRunning {
			log.Printf("[Runner] Campaign %s flipped to %s, stopping at index %d", c.ID, status, progress.NextIndex)
			r.persist(ctx, c.ID, progress, "")
			return
		}

		// Humanizing delay between consecutive sends. The first message of
		// a run (including a resume) goes out immediately.
		if sentThisRun {
			if err := d.Clock.Sleep(ctx, r.humanDelay(c.Pacing)); err != nil {
				r.persist(ctx, c.ID, progress, "")
				return
			}
		}

		// Refill the recipient window when the index leaves it.
		idx := progress.NextIndex
		if batchStart < 0 || idx < batchStart || idx >= batchStart+len(batch) {
			batch, err = d.Store.Recipients(ctx, c.ID, idx, recipientBatchSize)
			if err != nil || len(batch) == 0 {
				log.Printf("[Runner] Campaign %s recipients at %d: %v", c.ID, idx, err)
				r.persist(ctx, c.ID, progress, "")
				return
			}
			batchStart = idx
		}
		rec := batch[idx-batchStart]

		token, ok := r.reserveQuota(ctx, c, &progress)
		if !ok {
			return // ctx cancelled or lease lost while waiting
		}

		if r.skipOptedOut(ctx, c, rec, token, &progress) {
			sentThisRun = true
			continue
		}

		msg, ok := r.process(ctx, c, rec, token, &progress)
		if !ok {
			if c.Pacing.FailurePolicy == domain.FailureAbortCampaign {
				r.fail(ctx, c.ID, progress, errProcessFailed)
				return
			}
			sentThisRun = true
			continue
		}

		result, sendErr := r.sendWithRetry(ctx, c, rec, msg)
		if sendErr != nil {
			if relErr := d.Quota.Release(ctx, c.AccountID, token, 1); relErr != nil {
				log.Printf("[Runner] Campaign %s quota release: %v", c.ID, relErr)
			}
			progress.Attempted++
			progress.Failed++
			progress.NextIndex++
			if err := r.persist(ctx, c.ID, progress, sendErr.Error()); err != nil {
				return
			}
			sentThisRun = true
			continue
		}

		if err := d.Quota.Commit(ctx, c.AccountID, token, 1); err != nil {
			log.Printf("[Runner] Campaign %s quota commit: %v", c.ID, err)
		}
		r.record(ctx, c, rec, msg, result)

		progress.Attempted++
		progress.Succeeded++
		progress.NextIndex++
		if err := r.persist(ctx, c.ID, progress, ""); err != nil {
			return
		}
		sentThisRun = true
	}

	if err := d.Store.UpdateStatus(ctx, c.ID,
		[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignCompleted); err != nil {
		log.Printf("[Runner] Campaign %s completion transition: %v", c.ID, err)
		return
	}
	log.Printf("[Runner] Campaign %s completed: %d sent, %d failed",
		c.ID, progress.Succeeded, progress.Failed)
	if d.Finisher != nil {
		d.Finisher.CampaignFinished(c.ID, domain.CampaignCompleted)
	}
}

// humanDelay draws a uniform delay from [MinIntervalMs, MaxIntervalMs].
func (r *Runner) humanDelay(p domain.Pacing) time.Duration {
	span := p.MaxIntervalMs - p.MinIntervalMs
	ms := p.MinIntervalMs
	if span > 0 {
		ms += random.Intn(r.deps.Rand, span+1)
	}
	return time.Duration(ms) * time.Millisecond
}

// reserveQuota blocks until a reservation is granted. Denials persist a
// quota_wait marker and sleep until the limiting window rolls over.
func (r *Runner) reserveQuota(ctx context.Context, c *domain.Campaign, progress *domain.Progress) (string, bool) {
	d := r.deps
	for {
		decision, err := d.Quota.Reserve(ctx, c.AccountID, 1)
		if err != nil {
			log.Printf("[Runner] Campaign %s quota reserve: %v", c.ID, err)
			if sleepErr := d.Clock.Sleep(ctx, backoffBase); sleepErr != nil {
				r.persist(ctx, c.ID, *progress, "")
				return "", false
			}
			continue
		}
		if decision.OK {
			return decision.Token, true
		}

		if err := r.persist(ctx, c.ID, *progress, errQuotaWait); err != nil {
			return "", false
		}
		wait := decision.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		log.Printf("[Runner] Campaign %s quota denied (%s), waiting %s", c.ID, decision.Reason, wait)
		if err := d.Clock.Sleep(ctx, wait); err != nil {
			return "", false
		}
	}
}

// skipOptedOut records an opted-out recipient as failed without sending.
// Returns true when the recipient was skipped.
func (r *Runner) skipOptedOut(ctx context.Context, c *domain.Campaign, rec domain.Recipient, token string, progress *domain.Progress) bool {
	d := r.deps
	if d.OptOuts == nil {
		return false
	}
	opted, err := d.OptOuts.IsOptedOut(ctx, c.AccountID, rec.Address)
	if err != nil {
		// Fail open: an opt-out store outage must not halt the campaign.
		log.Printf("[Runner] Campaign %s opt-out check for %s: %v", c.ID, logger.RedactPhone(rec.Address), err)
		return false
	}
	if !opted {
		return false
	}

	if err := d.Quota.Release(ctx, c.AccountID, token, 1); err != nil {
		log.Printf("[Runner] Campaign %s quota release: %v", c.ID, err)
	}
	progress.Attempted++
	progress.Failed++
	progress.NextIndex++
	r.persist(ctx, c.ID, *progress, errRecipientOptOut)
	return true
}

// process humanizes the template for one recipient, honoring the campaign's
// failure policy. Returns ok=false when the recipient (or campaign, under
// abort_campaign) must not be sent.
func (r *Runner) process(ctx context.Context, c *domain.Campaign, rec domain.Recipient, token string, progress *domain.Progress) (*humanizer.ProcessedMessage, bool) {
	d := r.deps
	attempts := 1
	if c.Pacing.FailurePolicy == domain.FailureRetry {
		attempts += c.Pacing.MaxProcessRetries
	}

	var msg *humanizer.ProcessedMessage
	for i := 0; i < attempts; i++ {
		msg = d.Processor.Process(c.TemplateRaw, rec.Variables, humanizer.Options{Source: d.Rand})
		if msg.Success {
			return msg, true
		}
	}

	if err := d.Quota.Release(ctx, c.AccountID, token, 1); err != nil {
		log.Printf("[Runner] Campaign %s quota release: %v", c.ID, err)
	}
	if c.Pacing.FailurePolicy == domain.FailureAbortCampaign {
		return nil, false
	}
	progress.Attempted++
	progress.Failed++
	progress.NextIndex++
	r.persist(ctx, c.ID, *progress, errProcessFailed)
	return nil, false
}

// sendWithRetry pushes one message through the gateway, retrying transient
// failures with exponential backoff up to the attempt budget.
func (r *Runner) sendWithRetry(ctx context.Context, c *domain.Campaign, rec domain.Recipient, msg *humanizer.ProcessedMessage) (*sending.SendResult, error) {
	d := r.deps
	spec := sending.SendSpec{
		AccountID:  c.AccountID,
		Credential: d.Credential,
		Address:    rec.Address,
		Text:       msg.Final,
	}

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		result, err := d.Gateway.Send(ctx, spec)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !sending.IsTransient(err) {
			break
		}
		delay := backoffDelay(attempt)
		if suggested := sending.RetryAfterOf(err); suggested > delay {
			delay = suggested
		}
		if sleepErr := d.Clock.Sleep(ctx, delay); sleepErr != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// record appends the send to the variation log.
func (r *Runner) record(ctx context.Context, c *domain.Campaign, rec domain.Recipient, msg *humanizer.ProcessedMessage, result *sending.SendResult) {
	entry := &domain.VariationLogEntry{
		CampaignID:  c.ID,
		MessageID:   result.ProviderMessageID,
		AccountID:   c.AccountID,
		TemplateRaw: c.TemplateRaw,
		Selections:  msg.Selections,
		Recipient:   rec.Address,
		SentAt:      result.AcceptedAt,
	}
	if err := r.deps.Recorder.RecordSend(ctx, entry); err != nil {
		log.Printf("[Runner] Campaign %s log append: %v", c.ID, err)
	}
}

// persist writes progress under the lease; a lost lease stops the loop.
func (r *Runner) persist(ctx context.Context, campaignID string, p domain.Progress, lastError string) error {
	err := r.deps.Sync.Persist(ctx, campaignID, p, lastError)
	if errors.Is(err, statesync.ErrLeaseLost) {
		log.Printf("[Runner] Campaign %s lease lost, abandoning loop", campaignID)
		return err
	}
	if err != nil {
		log.Printf("[Runner] Campaign %s persist: %v", campaignID, err)
		// Store hiccup: keep going, the reconciler will catch drift.
		return nil
	}
	return nil
}

// fail terminally fails the campaign.
func (r *Runner) fail(ctx context.Context, campaignID string, p domain.Progress, reason string) {
	r.persist(ctx, campaignID, p, reason)
	if err := r.deps.Store.UpdateStatus(ctx, campaignID,
		[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignFailed); err != nil {
		log.Printf("[Runner] Campaign %s fail transition: %v", campaignID, err)
	}
	log.Printf("[Runner] Campaign %s failed: %s", campaignID, reason)
	if r.deps.Finisher != nil {
		r.deps.Finisher.CampaignFinished(campaignID, domain.CampaignFailed)
	}
}
