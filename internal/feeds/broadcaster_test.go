package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/service/campaign"
)

type memState struct {
	mu    sync.Mutex
	guids map[string]string
}

func newMemState() *memState { return &memState{guids: make(map[string]string)} }

func (s *memState) LastGUID(_ context.Context, accountID, feedURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guids[accountID+"|"+feedURL], nil
}

func (s *memState) SetLastGUID(_ context.Context, accountID, feedURL, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guids[accountID+"|"+feedURL] = guid
	return nil
}

type createCall struct {
	accountID string
	input     campaign.CreateInput
}

type fakeCreator struct {
	mu    sync.Mutex
	calls []createCall
	err   error
}

func (f *fakeCreator) Create(_ context.Context, accountID string, input campaign.CreateInput) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, createCall{accountID: accountID, input: input})
	return &domain.Campaign{ID: fmt.Sprintf("camp-%d", len(f.calls))}, nil
}

// rssBody renders a minimal RSS document, newest item first.
func rssBody(items ...[3]string) string {
	body := `<?xml version="1.0"?><rss version="2.0"><channel><title>News</title>`
	for _, item := range items {
		body += fmt.Sprintf("<item><title>%s</title><link>%s</link><guid>%s</guid></item>",
			item[0], item[1], item[2])
	}
	return body + "</channel></rss>"
}

func serveRSS(t *testing.T, body *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, *body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testFeed(url string) Feed {
	return Feed{
		AccountID:   "acct-1",
		URL:         url,
		NamePrefix:  "News",
		TemplateRaw: "New post: {{title}} {{link}}",
		Recipients:  []domain.Recipient{{Address: "+15550000001"}, {Address: "+15550000002"}},
		Pacing:      domain.Pacing{MinIntervalMs: 1000, MaxIntervalMs: 2000},
	}
}

func TestPollCreatesCampaignPerNewItem(t *testing.T) {
	body := rssBody(
		[3]string{"Second post", "https://example.com/2", "guid-2"},
		[3]string{"First post", "https://example.com/1", "guid-1"},
	)
	srv := serveRSS(t, &body)
	state := newMemState()
	creator := &fakeCreator{}
	b := NewBroadcaster([]Feed{testFeed(srv.URL)}, state, creator, time.Minute)

	b.PollOnce(context.Background())

	if len(creator.calls) != 2 {
		t.Fatalf("campaigns created = %d, want 2", len(creator.calls))
	}
	// Oldest item first.
	first := creator.calls[0]
	if first.accountID != "acct-1" || first.input.Name != "News: First post" {
		t.Fatalf("first call = %+v", first)
	}
	vars := first.input.Recipients[0].Variables
	if vars["title"] != "First post" || vars["link"] != "https://example.com/1" {
		t.Fatalf("variables = %v", vars)
	}
	if guid, _ := state.LastGUID(context.Background(), "acct-1", srv.URL); guid != "guid-2" {
		t.Fatalf("stored guid = %q", guid)
	}
}

func TestPollSkipsSeenItems(t *testing.T) {
	body := rssBody(
		[3]string{"Second post", "https://example.com/2", "guid-2"},
		[3]string{"First post", "https://example.com/1", "guid-1"},
	)
	srv := serveRSS(t, &body)
	state := newMemState()
	state.SetLastGUID(context.Background(), "acct-1", srv.URL, "guid-2")
	creator := &fakeCreator{}
	b := NewBroadcaster([]Feed{testFeed(srv.URL)}, state, creator, time.Minute)

	b.PollOnce(context.Background())

	if len(creator.calls) != 0 {
		t.Fatalf("campaigns created = %d, want 0", len(creator.calls))
	}
}

func TestPollPicksUpItemsAddedBetweenPolls(t *testing.T) {
	body := rssBody([3]string{"First post", "https://example.com/1", "guid-1"})
	srv := serveRSS(t, &body)
	state := newMemState()
	creator := &fakeCreator{}
	b := NewBroadcaster([]Feed{testFeed(srv.URL)}, state, creator, time.Minute)

	b.PollOnce(context.Background())
	body = rssBody(
		[3]string{"Second post", "https://example.com/2", "guid-2"},
		[3]string{"First post", "https://example.com/1", "guid-1"},
	)
	b.PollOnce(context.Background())

	if len(creator.calls) != 2 {
		t.Fatalf("campaigns created = %d, want 2", len(creator.calls))
	}
	if creator.calls[1].input.Name != "News: Second post" {
		t.Fatalf("second campaign = %+v", creator.calls[1].input)
	}
}

func TestPollBoundsBacklogOnFirstSight(t *testing.T) {
	var items [][3]string
	for i := 20; i >= 1; i-- {
		items = append(items, [3]string{
			fmt.Sprintf("Post %d", i),
			fmt.Sprintf("https://example.com/%d", i),
			fmt.Sprintf("guid-%d", i),
		})
	}
	body := rssBody(items...)
	srv := serveRSS(t, &body)
	creator := &fakeCreator{}
	b := NewBroadcaster([]Feed{testFeed(srv.URL)}, newMemState(), creator, time.Minute)

	b.PollOnce(context.Background())

	if len(creator.calls) != maxItemsPerPoll {
		t.Fatalf("campaigns created = %d, want %d", len(creator.calls), maxItemsPerPoll)
	}
}

func TestPollKeepsGUIDWhenCreateFails(t *testing.T) {
	body := rssBody([3]string{"First post", "https://example.com/1", "guid-1"})
	srv := serveRSS(t, &body)
	state := newMemState()
	creator := &fakeCreator{err: fmt.Errorf("db down")}
	b := NewBroadcaster([]Feed{testFeed(srv.URL)}, state, creator, time.Minute)

	b.PollOnce(context.Background())

	if guid, _ := state.LastGUID(context.Background(), "acct-1", srv.URL); guid != "" {
		t.Fatalf("guid advanced past failed item: %q", guid)
	}

	// The item is retried on the next poll once creation recovers.
	creator.err = nil
	b.PollOnce(context.Background())
	if len(creator.calls) != 1 {
		t.Fatalf("campaigns created = %d, want 1", len(creator.calls))
	}
}
