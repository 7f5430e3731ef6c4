// Package notify emails campaign owners when their campaigns reach a
// terminal state. Delivery is best effort; a broken mail path never
// touches campaign processing.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/reports"
)

const notifyTimeout = 30 * time.Second

// summaryTemplate is the Liquid source of the owner email body.
const summaryTemplate = `<h2>Campaign "{{ name }}" {{ status }}</h2>
<p>
  Recipients: {{ total }}<br>
  Sent: {{ succeeded }}<br>
  Failed: {{ failed }}<br>
  Delivered: {{ delivered }}<br>
  Read: {{ read }}<br>
  Duration: {{ duration }}
</p>
{% if top_variations.size > 0 %}
<h3>Top variations</h3>
<ul>
{% for v in top_variations %}  <li>{{ v }}</li>
{% endfor %}</ul>
{% endif %}`

// EmailSender delivers one HTML email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// CampaignSource loads the campaign being reported on.
type CampaignSource interface {
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)
}

// PlanSource resolves the owner email for an account.
type PlanSource interface {
	Plan(ctx context.Context, accountID string) (*domain.AccountPlan, error)
}

// StatsSource computes the campaign summary numbers.
type StatsSource interface {
	CampaignStats(ctx context.Context, campaignID string) (*reports.CampaignStats, error)
}

// Notifier sends terminal-state summaries. It plugs into the worker as a
// campaign finish hook.
type Notifier struct {
	campaigns CampaignSource
	plans     PlanSource
	stats     StatsSource
	sender    EmailSender
	tmpl      *liquid.Template
}

// New creates a notifier. The summary template is parsed once up front.
func New(campaigns CampaignSource, plans PlanSource, stats StatsSource, sender EmailSender) (*Notifier, error) {
	tmpl, err := liquid.NewEngine().ParseString(summaryTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing summary template: %w", err)
	}
	return &Notifier{
		campaigns: campaigns,
		plans:     plans,
		stats:     stats,
		sender:    sender,
		tmpl:      tmpl,
	}, nil
}

// CampaignFinished fires the owner email in the background.
func (n *Notifier) CampaignFinished(campaignID string, status domain.CampaignStatus) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := n.Notify(ctx, campaignID, status); err != nil {
			log.Printf("[Notify] Campaign %s summary: %v", campaignID, err)
		}
	}()
}

// Notify renders and sends the summary email for one campaign.
func (n *Notifier) Notify(ctx context.Context, campaignID string, status domain.CampaignStatus) error {
	c, err := n.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("loading campaign: %w", err)
	}
	plan, err := n.plans.Plan(ctx, c.AccountID)
	if err != nil {
		return fmt.Errorf("loading plan: %w", err)
	}
	if plan.OwnerEmail == "" {
		log.Printf("[Notify] Account %s has no owner email, skipping summary for %s", c.AccountID, campaignID)
		return nil
	}
	stats, err := n.stats.CampaignStats(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("computing stats: %w", err)
	}

	body, err := n.tmpl.Render(liquid.Bindings{
		"name":           c.Name,
		"status":         string(status),
		"total":          c.Progress.TotalRecipients,
		"succeeded":      c.Progress.Succeeded,
		"failed":         c.Progress.Failed,
		"delivered":      stats.Delivered,
		"read":           stats.Read,
		"duration":       stats.Duration.Round(time.Second).String(),
		"top_variations": topVariations(stats, 5),
	})
	if err != nil {
		return fmt.Errorf("rendering summary: %w", err)
	}

	subject := fmt.Sprintf("Campaign %q %s", c.Name, status)
	if err := n.sender.Send(ctx, plan.OwnerEmail, subject, string(body)); err != nil {
		return fmt.Errorf("sending summary: %w", err)
	}
	log.Printf("[Notify] Campaign %s summary sent to account %s owner", campaignID, c.AccountID)
	return nil
}

// topVariations lists the most chosen option of each block, capped at n.
func topVariations(stats *reports.CampaignStats, n int) []string {
	var out []string
	for _, block := range stats.Blocks {
		if len(block.Options) == 0 {
			continue
		}
		top := block.Options[0]
		out = append(out, fmt.Sprintf("Block %d: %q (%d of %d)",
			block.BlockIndex, top.OptionText, top.Count, block.Total))
		if len(out) == n {
			break
		}
	}
	return out
}
