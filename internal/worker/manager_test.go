package worker

import (
	"testing"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestManagerRunsCampaignToCompletion(t *testing.T) {
	h := newHarness(t, 3)
	m := NewManager(h.deps)
	defer m.Stop()

	m.StartCampaign("camp-1")

	waitFor(t, 2*time.Second, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return h.store.c.Status == domain.CampaignCompleted
	})
	// The runner slot and lease are returned once the loop exits.
	waitFor(t, 2*time.Second, func() bool { return m.RunningCount() == 0 })

	h.sync.mu.Lock()
	released := len(h.sync.released)
	h.sync.mu.Unlock()
	if released != 1 {
		t.Fatalf("lease releases = %d, want 1", released)
	}
}

func TestManagerStartIsIdempotent(t *testing.T) {
	h := newHarness(t, 200)
	h.gateway.onSend = func(int) { time.Sleep(time.Millisecond) }
	m := NewManager(h.deps)
	defer m.Stop()

	m.StartCampaign("camp-1")
	m.StartCampaign("camp-1")

	if got := m.RunningCount(); got > 1 {
		t.Fatalf("running = %d, want at most 1", got)
	}
	h.sync.mu.Lock()
	acquired := len(h.sync.acquired)
	h.sync.mu.Unlock()
	if acquired > 1 {
		t.Fatalf("lease acquires = %d, want 1", acquired)
	}
}

func TestManagerStopCampaignParksRunner(t *testing.T) {
	h := newHarness(t, 10000)
	// Throttle the fake gateway with real time so the stop lands while the
	// campaign is still in flight.
	h.gateway.onSend = func(int) { time.Sleep(time.Millisecond) }
	m := NewManager(h.deps)
	defer m.Stop()

	m.StartCampaign("camp-1")
	waitFor(t, 2*time.Second, func() bool { return h.gateway.sendCount() > 0 })

	m.StopCampaign("camp-1")
	waitFor(t, 2*time.Second, func() bool { return m.RunningCount() == 0 })

	// Progress was persisted at the boundary the runner parked on.
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	if h.store.c.Progress.NextIndex == 0 {
		t.Fatal("no progress persisted before stop")
	}
	if h.store.c.Progress.NextIndex >= 10000 {
		t.Fatal("runner did not stop early")
	}
}
