package domain

import (
	"fmt"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// FailurePolicy controls how the campaign runner reacts when template
// processing fails for a recipient.
type FailurePolicy string

const (
	FailureAbortCampaign FailurePolicy = "abort_campaign"
	FailureSkipRecipient FailurePolicy = "skip_recipient"
	FailureRetry         FailurePolicy = "retry_up_to_k"
)

// Pacing holds the humanizing delay distribution and parallelism for a
// campaign. Delays are drawn uniformly from [MinIntervalMs, MaxIntervalMs].
type Pacing struct {
	MinIntervalMs int           `json:"min_interval_ms"`
	MaxIntervalMs int           `json:"max_interval_ms"`
	MaxParallel   int           `json:"max_parallel"`
	FailurePolicy FailurePolicy `json:"failure_policy"`
	// MaxProcessRetries applies when FailurePolicy is retry_up_to_k.
	MaxProcessRetries int `json:"max_process_retries,omitempty"`
}

// Validate checks pacing invariants and fills defaults in place.
func (p *Pacing) Validate() error {
	if p.MinIntervalMs < 0 || p.MaxIntervalMs < 0 {
		return fmt.Errorf("pacing intervals must be non-negative")
	}
	if p.MaxIntervalMs < p.MinIntervalMs {
		return fmt.Errorf("max_interval_ms (%d) below min_interval_ms (%d)", p.MaxIntervalMs, p.MinIntervalMs)
	}
	if p.MaxParallel == 0 {
		p.MaxParallel = 1
	}
	if p.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be >= 1")
	}
	switch p.FailurePolicy {
	case "":
		p.FailurePolicy = FailureSkipRecipient
	case FailureAbortCampaign, FailureSkipRecipient, FailureRetry:
	default:
		return fmt.Errorf("unknown failure_policy %q", p.FailurePolicy)
	}
	if p.FailurePolicy == FailureRetry && p.MaxProcessRetries <= 0 {
		p.MaxProcessRetries = 3
	}
	return nil
}

// Recipient is one entry of a campaign's ordered recipient list. Address
// format is opaque to the engine; the gateway validates it.
type Recipient struct {
	Address   string            `json:"address"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Progress tracks how far a campaign's send loop has advanced.
// Invariants: 0 <= NextIndex <= TotalRecipients; Attempted = Succeeded + Failed.
type Progress struct {
	TotalRecipients int `json:"total_recipients"`
	Attempted       int `json:"attempted"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
	NextIndex       int `json:"next_index"`
}

// Validate checks the progress invariants.
func (p Progress) Validate() error {
	if p.NextIndex < 0 || p.NextIndex > p.TotalRecipients {
		return fmt.Errorf("next_index %d out of range [0, %d]", p.NextIndex, p.TotalRecipients)
	}
	if p.Attempted != p.Succeeded+p.Failed {
		return fmt.Errorf("attempted (%d) != succeeded (%d) + failed (%d)", p.Attempted, p.Succeeded, p.Failed)
	}
	return nil
}

// Campaign is a bulk-send job against an ordered recipient list with a
// common humanized template.
type Campaign struct {
	ID          string         `json:"id"`
	AccountID   string         `json:"account_id"`
	Name        string         `json:"name"`
	TemplateRaw string         `json:"template_raw"`
	Recipients  []Recipient    `json:"recipients,omitempty"`
	Pacing      Pacing         `json:"pacing"`
	Status      CampaignStatus `json:"status"`
	Progress    Progress       `json:"progress"`
	LastError   string         `json:"last_error,omitempty"`
	StartsAt    *time.Time     `json:"starts_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Lease bookkeeping (owned by the state synchronizer).
	LeaseOwner     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
}

// IsTerminal returns true if the campaign is in a final state.
// Terminal records are immutable except for bookkeeping timestamps.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled || c.Status == CampaignFailed
}

// LeaseExpired reports whether the campaign's lease has lapsed at t.
func (c *Campaign) LeaseExpired(t time.Time) bool {
	return c.LeaseOwner == "" || c.LeaseExpiresAt == nil || c.LeaseExpiresAt.Before(t)
}

// canTransition lists the allowed campaign status transitions.
var canTransition = map[CampaignStatus][]CampaignStatus{
	CampaignScheduled: {CampaignRunning, CampaignCancelled},
	CampaignRunning:   {CampaignPaused, CampaignCompleted, CampaignCancelled, CampaignFailed},
	CampaignPaused:    {CampaignRunning, CampaignCancelled},
}

// CanTransition reports whether a status change from -> to is allowed.
func CanTransition(from, to CampaignStatus) bool {
	for _, s := range canTransition[from] {
		if s == to {
			return true
		}
	}
	return false
}
