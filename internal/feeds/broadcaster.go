// Package feeds turns new RSS/Atom items into broadcast campaigns. Each
// configured feed maps to an account, a message template, and a recipient
// list; every unseen item becomes one campaign with {{title}} and
// {{link}} filled from the item.
package feeds

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/pkg/distlock"
	"github.com/ignite/whatsapp-engine/internal/service/campaign"
)

// DefaultPollInterval is how often feeds are re-fetched.
const DefaultPollInterval = 10 * time.Minute

// maxItemsPerPoll bounds how many backlog items one poll turns into
// campaigns when a feed was never seen before.
const maxItemsPerPoll = 5

// Feed is one configured broadcast source.
type Feed struct {
	AccountID   string
	URL         string
	NamePrefix  string
	TemplateRaw string
	Recipients  []domain.Recipient
	Pacing      domain.Pacing
}

// StateStore remembers the newest processed item per feed.
type StateStore interface {
	LastGUID(ctx context.Context, accountID, feedURL string) (string, error)
	SetLastGUID(ctx context.Context, accountID, feedURL, guid string) error
}

// CampaignCreator creates broadcast campaigns for new items.
type CampaignCreator interface {
	Create(ctx context.Context, accountID string, input campaign.CreateInput) (*domain.Campaign, error)
}

// parser fetches and parses one feed URL.
type parser interface {
	ParseURLWithContext(url string, ctx context.Context) (*gofeed.Feed, error)
}

// Broadcaster polls the configured feeds and creates campaigns for items
// it has not seen yet.
type Broadcaster struct {
	feeds     []Feed
	state     StateStore
	campaigns CampaignCreator
	parser    parser
	interval  time.Duration
	lock      distlock.DistLock
}

// NewBroadcaster creates a broadcaster over the configured feeds.
func NewBroadcaster(feeds []Feed, state StateStore, campaigns CampaignCreator, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Broadcaster{
		feeds:     feeds,
		state:     state,
		campaigns: campaigns,
		parser:    gofeed.NewParser(),
		interval:  interval,
	}
}

// SetLock makes polls mutually exclusive across worker replicas, so each
// feed item becomes exactly one campaign.
func (b *Broadcaster) SetLock(l distlock.DistLock) {
	b.lock = l
}

// Run blocks until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	if len(b.feeds) == 0 {
		log.Printf("[Feeds] No feeds configured, broadcaster idle")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	log.Printf("[Feeds] Broadcaster started, %d feed(s), polling every %s", len(b.feeds), b.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Feeds] Broadcaster stopped")
			return
		case <-ticker.C:
			if !b.acquire(ctx) {
				continue
			}
			b.PollOnce(ctx)
			b.release(ctx)
		}
	}
}

func (b *Broadcaster) acquire(ctx context.Context) bool {
	if b.lock == nil {
		return true
	}
	ok, err := b.lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Feeds] Poll lock: %v", err)
		return false
	}
	return ok
}

func (b *Broadcaster) release(ctx context.Context) {
	if b.lock == nil {
		return
	}
	if err := b.lock.Release(ctx); err != nil {
		log.Printf("[Feeds] Poll unlock: %v", err)
	}
}

// PollOnce fetches every feed once. Per-feed failures are logged and do
// not block the other feeds.
func (b *Broadcaster) PollOnce(ctx context.Context) {
	for i := range b.feeds {
		if ctx.Err() != nil {
			return
		}
		if err := b.pollFeed(ctx, &b.feeds[i]); err != nil {
			log.Printf("[Feeds] Poll %s: %v", b.feeds[i].URL, err)
		}
	}
}

// pollFeed creates campaigns for items newer than the stored guid. Items
// arrive newest first; processing stops at the first already-seen guid.
func (b *Broadcaster) pollFeed(ctx context.Context, f *Feed) error {
	parsed, err := b.parser.ParseURLWithContext(f.URL, ctx)
	if err != nil {
		return fmt.Errorf("fetching feed: %w", err)
	}
	if len(parsed.Items) == 0 {
		return nil
	}

	lastGUID, err := b.state.LastGUID(ctx, f.AccountID, f.URL)
	if err != nil {
		return fmt.Errorf("loading feed state: %w", err)
	}

	var fresh []*gofeed.Item
	for _, item := range parsed.Items {
		if itemGUID(item) == lastGUID {
			break
		}
		fresh = append(fresh, item)
		if len(fresh) == maxItemsPerPoll {
			break
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	// Oldest first, so a mid-loop failure leaves the guid pointing at the
	// newest item that actually became a campaign.
	for i := len(fresh) - 1; i >= 0; i-- {
		item := fresh[i]
		if err := b.broadcast(ctx, f, item); err != nil {
			return fmt.Errorf("broadcasting %q: %w", item.Title, err)
		}
		if err := b.state.SetLastGUID(ctx, f.AccountID, f.URL, itemGUID(item)); err != nil {
			return fmt.Errorf("storing feed state: %w", err)
		}
	}
	return nil
}

func (b *Broadcaster) broadcast(ctx context.Context, f *Feed, item *gofeed.Item) error {
	recipients := make([]domain.Recipient, len(f.Recipients))
	copy(recipients, f.Recipients)
	for i := range recipients {
		vars := make(map[string]string, len(recipients[i].Variables)+2)
		for k, v := range recipients[i].Variables {
			vars[k] = v
		}
		vars["title"] = item.Title
		vars["link"] = item.Link
		recipients[i].Variables = vars
	}

	name := f.NamePrefix
	if name == "" {
		name = "Feed broadcast"
	}
	c, err := b.campaigns.Create(ctx, f.AccountID, campaign.CreateInput{
		Name:        fmt.Sprintf("%s: %s", name, item.Title),
		TemplateRaw: f.TemplateRaw,
		Recipients:  recipients,
		Pacing:      f.Pacing,
	})
	if err != nil {
		return err
	}
	log.Printf("[Feeds] Item %q became campaign %s for account %s", item.Title, c.ID, f.AccountID)
	return nil
}

// itemGUID prefers the feed's guid and falls back to the link.
func itemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}
