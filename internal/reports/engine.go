// Package reports turns the variation log into analytics: per-block option
// distributions, engagement rates, and exportable datasets. Terminal
// campaign reports can be archived to S3.
package reports

import (
	"context"
	"sort"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
)

// OptionCount is one option's tally within a block distribution.
type OptionCount struct {
	OptionIndex int     `json:"option_index"`
	OptionText  string  `json:"option_text"`
	Count       int     `json:"count"`
	Share       float64 `json:"share"`
}

// BlockDistribution is the option usage histogram of one variation block.
type BlockDistribution struct {
	BlockIndex int           `json:"block_index"`
	Total      int           `json:"total"`
	Options    []OptionCount `json:"options"`
}

// CampaignStats summarizes a campaign's variation log.
type CampaignStats struct {
	CampaignID   string              `json:"campaign_id"`
	TotalLogged  int                 `json:"total_logged"`
	Delivered    int                 `json:"delivered"`
	Read         int                 `json:"read"`
	DeliveryRate float64             `json:"delivery_rate"`
	ReadRate     float64             `json:"read_rate"`
	FirstSentAt  *time.Time          `json:"first_sent_at,omitempty"`
	LastSentAt   *time.Time          `json:"last_sent_at,omitempty"`
	Duration     time.Duration       `json:"duration_ns"`
	Blocks       []BlockDistribution `json:"blocks"`
}

// EntrySource supplies log entries to report on.
type EntrySource interface {
	EntriesForCampaign(ctx context.Context, campaignID string) ([]domain.VariationLogEntry, error)
	EntriesForAccount(ctx context.Context, accountID string, from, to time.Time, limit int) ([]domain.VariationLogEntry, error)
}

// Engine computes reports from the variation log.
type Engine struct {
	source EntrySource
}

// NewEngine creates a report engine over the given entry source.
func NewEngine(source EntrySource) *Engine {
	return &Engine{source: source}
}

// CampaignStats aggregates the campaign's log into distributions and
// engagement rates. An empty log yields zero counts, not an error.
func (e *Engine) CampaignStats(ctx context.Context, campaignID string) (*CampaignStats, error) {
	entries, err := e.source.EntriesForCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return Aggregate(campaignID, entries), nil
}

// Aggregate computes campaign stats from an entry slice. Exposed so tests
// and the archiver can reuse it without a store round trip.
func Aggregate(campaignID string, entries []domain.VariationLogEntry) *CampaignStats {
	stats := &CampaignStats{CampaignID: campaignID, TotalLogged: len(entries)}
	if len(entries) == 0 {
		return stats
	}

	// blockIndex -> optionIndex -> count, with the texts seen for display.
	counts := make(map[int]map[int]int)
	texts := make(map[int]map[int]string)
	var first, last time.Time

	for i, entry := range entries {
		if entry.Delivered {
			stats.Delivered++
		}
		if entry.Read {
			stats.Read++
		}
		if i == 0 || entry.SentAt.Before(first) {
			first = entry.SentAt
		}
		if entry.SentAt.After(last) {
			last = entry.SentAt
		}
		for _, sel := range entry.Selections {
			if counts[sel.BlockIndex] == nil {
				counts[sel.BlockIndex] = make(map[int]int)
				texts[sel.BlockIndex] = make(map[int]string)
			}
			counts[sel.BlockIndex][sel.OptionIndex]++
			texts[sel.BlockIndex][sel.OptionIndex] = sel.OptionText
		}
	}

	stats.DeliveryRate = float64(stats.Delivered) / float64(stats.TotalLogged)
	stats.ReadRate = float64(stats.Read) / float64(stats.TotalLogged)
	stats.FirstSentAt = &first
	stats.LastSentAt = &last
	stats.Duration = last.Sub(first)

	blockIndexes := make([]int, 0, len(counts))
	for bi := range counts {
		blockIndexes = append(blockIndexes, bi)
	}
	sort.Ints(blockIndexes)

	for _, bi := range blockIndexes {
		dist := BlockDistribution{BlockIndex: bi}
		for oi, n := range counts[bi] {
			dist.Total += n
			dist.Options = append(dist.Options, OptionCount{
				OptionIndex: oi,
				OptionText:  texts[bi][oi],
				Count:       n,
			})
		}
		for i := range dist.Options {
			dist.Options[i].Share = float64(dist.Options[i].Count) / float64(dist.Total)
		}
		// Most used first; ties broken by option index for stable output.
		sort.Slice(dist.Options, func(i, j int) bool {
			if dist.Options[i].Count != dist.Options[j].Count {
				return dist.Options[i].Count > dist.Options[j].Count
			}
			return dist.Options[i].OptionIndex < dist.Options[j].OptionIndex
		})
		stats.Blocks = append(stats.Blocks, dist)
	}
	return stats
}
