package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

// stopGrace is how long Stop waits for runners to reach a recipient
// boundary before giving up on them.
const stopGrace = 10 * time.Second

// Manager owns the campaign runner goroutines of one worker process. It
// implements campaign.Controller so the service layer can signal loops
// directly when it shares the process.
type Manager struct {
	deps RunnerDeps

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewManager creates a runner manager.
func NewManager(deps RunnerDeps) *Manager {
	deps.fillDefaults()
	return &Manager{deps: deps, running: make(map[string]context.CancelFunc)}
}

// StartCampaign claims the campaign lease and spawns its runner. A no-op
// when this process already runs the campaign or another owner holds it.
func (m *Manager) StartCampaign(campaignID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, exists := m.running[campaignID]; exists {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.running[campaignID] = cancel
	m.mu.Unlock()

	claimCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	ok, err := m.deps.Sync.Acquire(claimCtx, campaignID)
	done()
	if err != nil || !ok {
		if err != nil {
			log.Printf("[Manager] Claim %s: %v", campaignID, err)
		}
		m.drop(campaignID)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.deps.Sync.Release(campaignID)
		defer m.drop(campaignID)
		NewRunner(m.deps, campaignID).Run(runCtx)
	}()
}

// StopCampaign asks the campaign's runner to stop at the next recipient
// boundary. The lease is released when the runner exits.
func (m *Manager) StopCampaign(campaignID string) {
	m.mu.Lock()
	cancel, ok := m.running[campaignID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// RunningCount returns how many campaign loops this process drives.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) drop(campaignID string) {
	m.mu.Lock()
	if cancel, ok := m.running[campaignID]; ok {
		cancel()
		delete(m.running, campaignID)
	}
	m.mu.Unlock()
}

// Stop cancels every runner and waits up to the grace period for them to
// park at a boundary. Runners that overrun keep their progress durable
// through the persistence done inside the loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.running))
	for _, cancel := range m.running {
		cancels = append(cancels, cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		log.Printf("[Manager] Stop grace period elapsed with runners still active")
	}
}
