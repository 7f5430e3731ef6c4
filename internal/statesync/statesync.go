// Package statesync keeps campaign progress durable and makes sure at most
// one worker process drives any campaign at a time.
//
// Ownership is a row-level lease on the campaign record: a 30-second TTL
// renewed by a 10-second heartbeat. Progress writes are guarded by the
// lease, so a worker that lost its lease cannot clobber the progress of
// whoever took over. On startup Restore reclaims running campaigns whose
// lease lapsed, which is how crash recovery works.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
)

// ErrLeaseLost is returned when a progress write or heartbeat finds the
// campaign lease held by someone else (or expired).
var ErrLeaseLost = errors.New("campaign lease lost")

const (
	// DefaultLeaseTTL is how long a lease survives without a heartbeat.
	DefaultLeaseTTL = 30 * time.Second
	// DefaultHeartbeatEvery is the lease renewal interval.
	DefaultHeartbeatEvery = 10 * time.Second
	// DefaultReconcileEvery is the counter reconciliation interval.
	DefaultReconcileEvery = 60 * time.Second

	// driftTolerance is the fraction of total recipients by which the
	// success counter may disagree with the variation log before the
	// reconciler rewrites it.
	driftTolerance = 0.01
)

// Store is the persistence contract the synchronizer drives. The Postgres
// campaign repository implements it.
type Store interface {
	Claim(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	Heartbeat(ctx context.Context, id, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, id, owner string) error
	UpdateProgress(ctx context.Context, id, owner string, p domain.Progress, lastError string) error
	ListRestorable(ctx context.Context, owner string) ([]domain.Campaign, error)
	ListRunning(ctx context.Context) ([]domain.Campaign, error)
}

// LogCounter counts successful sends recorded in the variation log. The
// log is the source of truth the reconciler trusts over the progress row.
type LogCounter interface {
	CountForCampaign(ctx context.Context, campaignID string) (int, error)
}

// Syncer owns the leases of one worker process.
type Syncer struct {
	store Store
	logs  LogCounter
	owner string
	clock clock.Clock

	leaseTTL       time.Duration
	heartbeatEvery time.Duration
	reconcileEvery time.Duration

	// OnLeaseLost, when set, is invoked with the campaign id whenever a
	// heartbeat discovers the lease is gone. The worker manager uses it to
	// stop the orphaned runner.
	OnLeaseLost func(campaignID string)

	mu   sync.Mutex
	held map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// New creates a synchronizer identified by owner (typically hostname+pid).
func New(store Store, logs LogCounter, owner string, clk clock.Clock) *Syncer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Syncer{
		store:          store,
		logs:           logs,
		owner:          owner,
		clock:          clk,
		leaseTTL:       DefaultLeaseTTL,
		heartbeatEvery: DefaultHeartbeatEvery,
		reconcileEvery: DefaultReconcileEvery,
		held:           make(map[string]context.CancelFunc),
	}
}

// SetIntervals overrides the lease timing, for tests.
func (s *Syncer) SetIntervals(ttl, heartbeat, reconcile time.Duration) {
	s.leaseTTL, s.heartbeatEvery, s.reconcileEvery = ttl, heartbeat, reconcile
}

// Owner returns this process's lease identity.
func (s *Syncer) Owner() string { return s.owner }

// Acquire takes the campaign lease and starts heartbeating it. Returns
// false when another live owner holds it.
func (s *Syncer) Acquire(ctx context.Context, campaignID string) (bool, error) {
	ok, err := s.store.Claim(ctx, campaignID, s.owner, s.leaseTTL)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", campaignID, err)
	}
	if !ok {
		return false, nil
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if prev, exists := s.held[campaignID]; exists {
		prev()
	}
	s.held[campaignID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.heartbeatLoop(hbCtx, campaignID)
	return true, nil
}

// Release stops heartbeating and drops the lease.
func (s *Syncer) Release(campaignID string) {
	s.mu.Lock()
	cancel, ok := s.held[campaignID]
	if ok {
		delete(s.held, campaignID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.store.ReleaseLease(ctx, campaignID, s.owner); err != nil {
		log.Printf("[StateSync] Release lease %s: %v", campaignID, err)
	}
}

// Persist writes the campaign's progress under the lease. A lost lease
// surfaces as ErrLeaseLost and the caller must stop driving the campaign.
func (s *Syncer) Persist(ctx context.Context, campaignID string, p domain.Progress, lastError string) error {
	return s.store.UpdateProgress(ctx, campaignID, s.owner, p, lastError)
}

func (s *Syncer) heartbeatLoop(ctx context.Context, campaignID string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.store.Heartbeat(ctx, campaignID, s.owner, s.leaseTTL)
			if errors.Is(err, ErrLeaseLost) {
				log.Printf("[StateSync] Lease lost for campaign %s", campaignID)
				s.mu.Lock()
				delete(s.held, campaignID)
				s.mu.Unlock()
				if s.OnLeaseLost != nil {
					s.OnLeaseLost(campaignID)
				}
				return
			}
			if err != nil {
				// Transient store error: keep the loop alive, the lease TTL
				// gives us two more beats before expiry.
				log.Printf("[StateSync] Heartbeat %s: %v", campaignID, err)
			}
		}
	}
}

// Restore reclaims running campaigns no live owner drives: left behind by
// a crashed peer, by our own previous incarnation, or flipped back to
// running after a control-plane resume. Safe to call repeatedly; campaigns
// whose lease a live owner holds (ours included) are skipped.
func (s *Syncer) Restore(ctx context.Context) ([]domain.Campaign, error) {
	candidates, err := s.store.ListRestorable(ctx, s.owner)
	if err != nil {
		return nil, fmt.Errorf("list restorable: %w", err)
	}

	var restored []domain.Campaign
	for _, c := range candidates {
		if s.holds(c.ID) {
			continue
		}
		ok, err := s.Acquire(ctx, c.ID)
		if err != nil {
			log.Printf("[StateSync] Restore claim %s: %v", c.ID, err)
			continue
		}
		if !ok {
			continue
		}
		restored = append(restored, c)
	}
	if len(restored) > 0 {
		log.Printf("[StateSync] Reclaimed %d orphaned campaign(s)", len(restored))
	}
	return restored, nil
}

// holds reports whether this process currently heartbeats the campaign.
func (s *Syncer) holds(campaignID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[campaignID]
	return ok
}

// RunReconciler periodically audits the progress counters of campaigns we
// hold against the variation log and rewrites them when drift exceeds 1%
// of the recipient list. Blocks until ctx is cancelled.
func (s *Syncer) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(s.reconcileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileOnce(ctx)
		}
	}
}

func (s *Syncer) reconcileOnce(ctx context.Context) {
	running, err := s.store.ListRunning(ctx)
	if err != nil {
		log.Printf("[StateSync] Reconcile list: %v", err)
		return
	}

	s.mu.Lock()
	heldIDs := make(map[string]bool, len(s.held))
	for id := range s.held {
		heldIDs[id] = true
	}
	s.mu.Unlock()

	for _, c := range running {
		// Only the lease owner rewrites counters.
		if !heldIDs[c.ID] {
			continue
		}
		// A template with no variation blocks produces no log rows, so the
		// log cannot audit its counters.
		if len(humanizer.Parse(c.TemplateRaw).Blocks) == 0 {
			continue
		}
		logged, err := s.logs.CountForCampaign(ctx, c.ID)
		if err != nil {
			log.Printf("[StateSync] Reconcile count %s: %v", c.ID, err)
			continue
		}

		drift := c.Progress.Succeeded - logged
		if drift < 0 {
			drift = -drift
		}
		if c.Progress.TotalRecipients == 0 ||
			float64(drift)/float64(c.Progress.TotalRecipients) <= driftTolerance {
			continue
		}

		corrected := c.Progress
		corrected.Succeeded = logged
		corrected.Attempted = corrected.Succeeded + corrected.Failed
		log.Printf("[StateSync] Campaign %s drift %d (counter %d vs log %d), correcting",
			c.ID, drift, c.Progress.Succeeded, logged)
		if err := s.Persist(ctx, c.ID, corrected, c.LastError); err != nil {
			log.Printf("[StateSync] Reconcile persist %s: %v", c.ID, err)
		}
	}
}

// Close stops every heartbeat loop and releases all held leases.
func (s *Syncer) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Release(id)
	}
	s.wg.Wait()
}
