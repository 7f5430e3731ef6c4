package warehouse

import (
	"context"
	"log"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/pkg/clock"
	"github.com/ignite/whatsapp-engine/internal/pkg/distlock"
	"github.com/ignite/whatsapp-engine/internal/reports"
)

// DefaultExportInterval is how often finished campaigns are swept into
// the warehouse.
const DefaultExportInterval = 15 * time.Minute

// CampaignSource lists campaigns that finished since a point in time.
type CampaignSource interface {
	ListFinishedSince(ctx context.Context, since time.Time, limit int) ([]domain.Campaign, error)
}

// StatsSource computes the aggregates for one campaign.
type StatsSource interface {
	CampaignStats(ctx context.Context, campaignID string) (*reports.CampaignStats, error)
}

// SnapshotSink receives the exported rows.
type SnapshotSink interface {
	InsertSnapshots(ctx context.Context, rows []Snapshot) error
}

// Exporter periodically copies aggregates of finished campaigns into the
// warehouse. Each sweep covers campaigns finished since the previous one,
// so a campaign is exported once per process lifetime.
type Exporter struct {
	campaigns CampaignSource
	stats     StatsSource
	sink      SnapshotSink
	clock     clock.Clock
	interval  time.Duration
	lastSweep time.Time
	lock      distlock.DistLock
}

// NewExporter creates an exporter.
func NewExporter(campaigns CampaignSource, stats StatsSource, sink SnapshotSink, clk clock.Clock, interval time.Duration) *Exporter {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultExportInterval
	}
	return &Exporter{
		campaigns: campaigns,
		stats:     stats,
		sink:      sink,
		clock:     clk,
		interval:  interval,
		lastSweep: clk.Now().Add(-interval),
	}
}

// SetLock makes sweeps mutually exclusive across worker replicas. Without
// a lock every replica exports, which is harmless but writes duplicate
// snapshot rows.
func (e *Exporter) SetLock(l distlock.DistLock) {
	e.lock = l
}

// Run blocks until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	log.Printf("[Warehouse] Exporter started, sweeping every %s", e.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Warehouse] Exporter stopped")
			return
		case <-ticker.C:
			if !e.acquire(ctx) {
				continue
			}
			if n, err := e.ExportOnce(ctx); err != nil {
				log.Printf("[Warehouse] Sweep: %v", err)
			} else if n > 0 {
				log.Printf("[Warehouse] Exported %d campaign snapshot(s)", n)
			}
			e.release(ctx)
		}
	}
}

func (e *Exporter) acquire(ctx context.Context) bool {
	if e.lock == nil {
		return true
	}
	ok, err := e.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Warehouse] Sweep lock: %v", err)
		return false
	}
	return ok
}

func (e *Exporter) release(ctx context.Context) {
	if e.lock == nil {
		return
	}
	if err := e.lock.Release(ctx); err != nil {
		log.Printf("[Warehouse] Sweep unlock: %v", err)
	}
}

// ExportOnce sweeps campaigns finished since the last sweep and inserts
// one snapshot row each. Returns the number of rows written.
func (e *Exporter) ExportOnce(ctx context.Context) (int, error) {
	now := e.clock.Now()
	finished, err := e.campaigns.ListFinishedSince(ctx, e.lastSweep, 100)
	if err != nil {
		return 0, err
	}

	var rows []Snapshot
	for i := range finished {
		c := &finished[i]
		stats, err := e.stats.CampaignStats(ctx, c.ID)
		if err != nil {
			log.Printf("[Warehouse] Stats for %s: %v", c.ID, err)
			continue
		}
		rows = append(rows, Snapshot{
			CampaignID:   c.ID,
			AccountID:    c.AccountID,
			Status:       string(c.Status),
			TotalLogged:  stats.TotalLogged,
			Delivered:    stats.Delivered,
			Read:         stats.Read,
			DeliveryRate: stats.DeliveryRate,
			ReadRate:     stats.ReadRate,
			SnapshotAt:   now,
		})
	}
	if len(rows) > 0 {
		if err := e.sink.InsertSnapshots(ctx, rows); err != nil {
			return 0, err
		}
	}
	e.lastSweep = now
	return len(rows), nil
}
