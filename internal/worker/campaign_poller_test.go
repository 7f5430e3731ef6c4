package worker

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
)

func TestPollerPromotesDueCampaign(t *testing.T) {
	h := newHarness(t, 2)
	h.store.setStatus(domain.CampaignScheduled)
	mgr := NewManager(h.deps)
	defer mgr.Stop()
	p := NewCampaignPoller(h.store, h.sync, mgr, time.Second)

	p.pollOnce(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.c.Status == domain.CampaignCompleted
	})
}

// A campaign resumed through the control plane sits in running with no
// lease holder; the periodic sweep must pick it up without a process
// restart.
func TestPollerSweepsResumedCampaignEachTick(t *testing.T) {
	h := newHarness(t, 2)
	mgr := NewManager(h.deps)
	defer mgr.Stop()
	p := NewCampaignPoller(h.store, h.sync, mgr, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Let the startup restore pass with nothing to reclaim, then make the
	// campaign restorable, as a resume does.
	time.Sleep(30 * time.Millisecond)
	h.store.mu.Lock()
	resumed := *h.store.c
	h.store.mu.Unlock()
	h.sync.setRestorable(resumed)

	waitFor(t, 2*time.Second, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.c.Status == domain.CampaignCompleted
	})
	if h.gateway.sendCount() != 2 {
		t.Fatalf("sends = %d, want 2", h.gateway.sendCount())
	}
}
