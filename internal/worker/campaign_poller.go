package worker

import (
	"context"
	"log"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
)

// DefaultCampaignPollInterval is how often the poller scans for due
// campaigns.
const DefaultCampaignPollInterval = 5 * time.Second

// CampaignPoller promotes due scheduled campaigns to running and hands
// them to the manager. Every scan also sweeps for running campaigns with
// no live lease holder: the ones orphaned by a crash, dropped by a dead
// peer, or flipped back to running by a control-plane resume.
type CampaignPoller struct {
	store        CampaignStore
	sync         ProgressSync
	manager      *Manager
	pollInterval time.Duration
}

// NewCampaignPoller creates a campaign poller.
func NewCampaignPoller(store CampaignStore, sync ProgressSync, manager *Manager, pollInterval time.Duration) *CampaignPoller {
	if pollInterval <= 0 {
		pollInterval = DefaultCampaignPollInterval
	}
	return &CampaignPoller{store: store, sync: sync, manager: manager, pollInterval: pollInterval}
}

// Run blocks until ctx is cancelled.
func (p *CampaignPoller) Run(ctx context.Context) {
	p.restore(ctx)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	log.Printf("[CampaignPoller] Started, polling every %s", p.pollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[CampaignPoller] Stopped")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
			p.restore(ctx)
		}
	}
}

// restore reclaims running campaigns with no live lease holder and restarts
// their loops from the persisted next index. The lease CAS keeps replica
// races safe: whoever claims first runs the campaign.
func (p *CampaignPoller) restore(ctx context.Context) {
	restored, err := p.sync.Restore(ctx)
	if err != nil {
		log.Printf("[CampaignPoller] Restore: %v", err)
		return
	}
	for _, c := range restored {
		log.Printf("[CampaignPoller] Resuming campaign %s from index %d", c.ID, c.Progress.NextIndex)
		p.manager.StartCampaign(c.ID)
	}
}

func (p *CampaignPoller) pollOnce(ctx context.Context) {
	due, err := p.store.ListDue(ctx, time.Now(), 10)
	if err != nil {
		log.Printf("[CampaignPoller] List due: %v", err)
		return
	}
	for _, c := range due {
		err := p.store.UpdateStatus(ctx, c.ID,
			[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignRunning)
		if err != nil {
			// Another poller replica won the transition.
			continue
		}
		log.Printf("[CampaignPoller] Campaign %s due, starting", c.ID)
		p.manager.StartCampaign(c.ID)
	}
}
