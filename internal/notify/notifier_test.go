package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/reports"
)

type fakeCampaigns struct {
	c   *domain.Campaign
	err error
}

func (f *fakeCampaigns) GetByID(context.Context, string) (*domain.Campaign, error) {
	return f.c, f.err
}

type fakePlans struct {
	plan *domain.AccountPlan
}

func (f *fakePlans) Plan(context.Context, string) (*domain.AccountPlan, error) {
	return f.plan, nil
}

type fakeStats struct {
	stats *reports.CampaignStats
}

func (f *fakeStats) CampaignStats(context.Context, string) (*reports.CampaignStats, error) {
	return f.stats, nil
}

type fakeSender struct {
	mu                sync.Mutex
	to, subject, body string
	sends             int
	err               error
}

func (f *fakeSender) Send(_ context.Context, to, subject, htmlBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	f.to, f.subject, f.body = to, subject, htmlBody
	return f.err
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func fixtures() (*fakeCampaigns, *fakePlans, *fakeStats, *fakeSender) {
	campaigns := &fakeCampaigns{c: &domain.Campaign{
		ID:        "camp-1",
		AccountID: "acct-1",
		Name:      "Spring Promo",
		Progress:  domain.Progress{TotalRecipients: 100, Succeeded: 97, Failed: 3},
	}}
	plans := &fakePlans{plan: &domain.AccountPlan{AccountID: "acct-1", OwnerEmail: "owner@example.com"}}
	stats := &fakeStats{stats: &reports.CampaignStats{
		CampaignID:  "camp-1",
		TotalLogged: 97,
		Delivered:   90,
		Read:        40,
		Duration:    9*time.Minute + 30*time.Second,
		Blocks: []reports.BlockDistribution{
			{BlockIndex: 0, Total: 97, Options: []reports.OptionCount{
				{OptionIndex: 1, OptionText: "Hello", Count: 60, Share: 0.62},
				{OptionIndex: 0, OptionText: "Hi", Count: 37, Share: 0.38},
			}},
		},
	}}
	return campaigns, plans, stats, &fakeSender{}
}

func TestNotifyRendersSummary(t *testing.T) {
	campaigns, plans, stats, sender := fixtures()
	n, err := New(campaigns, plans, stats, sender)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := n.Notify(context.Background(), "camp-1", domain.CampaignCompleted); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.to != "owner@example.com" {
		t.Fatalf("to = %q", sender.to)
	}
	if sender.subject != `Campaign "Spring Promo" completed` {
		t.Fatalf("subject = %q", sender.subject)
	}
	for _, want := range []string{"Spring Promo", "Sent: 97", "Failed: 3", "Delivered: 90", "Read: 40", "9m30s", `Block 0: "Hello" (60 of 97)`} {
		if !strings.Contains(sender.body, want) {
			t.Fatalf("body missing %q:\n%s", want, sender.body)
		}
	}
}

func TestNotifySkipsAccountsWithoutOwnerEmail(t *testing.T) {
	campaigns, plans, stats, sender := fixtures()
	plans.plan.OwnerEmail = ""
	n, _ := New(campaigns, plans, stats, sender)

	if err := n.Notify(context.Background(), "camp-1", domain.CampaignCompleted); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sender.sends != 0 {
		t.Fatal("email sent despite missing owner address")
	}
}

func TestNotifyPropagatesLoadErrors(t *testing.T) {
	campaigns, plans, stats, sender := fixtures()
	campaigns.err = errors.New("db down")
	campaigns.c = nil
	n, _ := New(campaigns, plans, stats, sender)

	if err := n.Notify(context.Background(), "camp-1", domain.CampaignFailed); err == nil {
		t.Fatal("want error when campaign load fails")
	}
	if sender.sends != 0 {
		t.Fatal("email sent despite load failure")
	}
}

func TestCampaignFinishedIsFireAndForget(t *testing.T) {
	campaigns, plans, stats, sender := fixtures()
	n, _ := New(campaigns, plans, stats, sender)

	n.CampaignFinished("camp-1", domain.CampaignCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.sendCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background notify never sent")
}
