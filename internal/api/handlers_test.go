package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/pkg/random"
	"github.com/ignite/whatsapp-engine/internal/reports"
	"github.com/ignite/whatsapp-engine/internal/service/campaign"
	"github.com/ignite/whatsapp-engine/internal/service/message"
)

type fakeCampaignSvc struct {
	byID       map[string]*domain.Campaign
	lastOp     string
	lastAcct   string
	opErr      error
	createdArg campaign.CreateInput
}

func newFakeCampaignSvc(cs ...*domain.Campaign) *fakeCampaignSvc {
	f := &fakeCampaignSvc{byID: make(map[string]*domain.Campaign)}
	for _, c := range cs {
		f.byID[c.ID] = c
	}
	return f
}

func (f *fakeCampaignSvc) Create(_ context.Context, acct string, input campaign.CreateInput) (*domain.Campaign, error) {
	f.lastOp, f.lastAcct, f.createdArg = "create", acct, input
	if f.opErr != nil {
		return nil, f.opErr
	}
	c := &domain.Campaign{ID: "camp-new", AccountID: acct, Name: input.Name, Status: domain.CampaignScheduled}
	f.byID[c.ID] = c
	return c, nil
}

func (f *fakeCampaignSvc) Get(_ context.Context, acct, id string) (*domain.Campaign, error) {
	c, ok := f.byID[id]
	if !ok || c.AccountID != acct {
		return nil, campaign.ErrNotFound
	}
	return c, nil
}

func (f *fakeCampaignSvc) List(_ context.Context, acct string, _ campaign.ListFilter) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for _, c := range f.byID {
		if c.AccountID == acct {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCampaignSvc) Progress(ctx context.Context, acct, id string) (*domain.Progress, domain.CampaignStatus, error) {
	c, err := f.Get(ctx, acct, id)
	if err != nil {
		return nil, "", err
	}
	return &c.Progress, c.Status, nil
}

func (f *fakeCampaignSvc) Pause(ctx context.Context, acct, id string) error {
	return f.control(ctx, acct, id, "pause")
}

func (f *fakeCampaignSvc) Resume(ctx context.Context, acct, id string) error {
	return f.control(ctx, acct, id, "resume")
}

func (f *fakeCampaignSvc) Cancel(ctx context.Context, acct, id string) error {
	return f.control(ctx, acct, id, "cancel")
}

func (f *fakeCampaignSvc) control(ctx context.Context, acct, id, op string) error {
	f.lastOp, f.lastAcct = op, acct
	if _, err := f.Get(ctx, acct, id); err != nil {
		return err
	}
	return f.opErr
}

type fakeMessageSvc struct {
	byID map[string]*domain.ScheduledMessage
	err  error
}

func (f *fakeMessageSvc) Schedule(_ context.Context, acct string, input message.ScheduleInput) (*domain.ScheduledMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ScheduledMessage{ID: "msg-new", AccountID: acct, Recipient: domain.Recipient{Address: input.Recipient}, Status: domain.MessagePending}, nil
}

func (f *fakeMessageSvc) Get(_ context.Context, acct, id string) (*domain.ScheduledMessage, error) {
	m, ok := f.byID[id]
	if !ok || m.AccountID != acct {
		return nil, message.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessageSvc) Cancel(_ context.Context, _, _ string) error {
	return f.err
}

type fakeReports struct {
	stats *reports.CampaignStats
	body  string
}

func (f *fakeReports) CampaignStats(context.Context, string) (*reports.CampaignStats, error) {
	return f.stats, nil
}

func (f *fakeReports) ExportCampaign(_ context.Context, _, format string, w io.Writer) error {
	if format != "csv" && format != "json" {
		return fmt.Errorf("unknown format")
	}
	_, err := io.WriteString(w, f.body)
	return err
}

func (f *fakeReports) ExportAccount(_ context.Context, _ string, _, _ time.Time, _ string, w io.Writer) error {
	_, err := io.WriteString(w, f.body)
	return err
}

type fakeQuota struct{ minute, day int64 }

func (f *fakeQuota) Usage(context.Context, string) (int64, int64, error) {
	return f.minute, f.day, nil
}

type fakePlans struct{ plan *domain.AccountPlan }

func (f *fakePlans) Plan(context.Context, string) (*domain.AccountPlan, error) {
	return f.plan, nil
}

type testEnv struct {
	campaigns *fakeCampaignSvc
	messages  *fakeMessageSvc
	srv       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	campaigns := newFakeCampaignSvc(
		&domain.Campaign{ID: "camp-1", AccountID: "acct-1", Name: "Promo", Status: domain.CampaignRunning,
			Progress: domain.Progress{TotalRecipients: 10, NextIndex: 4, Attempted: 4, Succeeded: 4}},
		&domain.Campaign{ID: "camp-other", AccountID: "acct-2", Name: "Other", Status: domain.CampaignRunning},
	)
	messages := &fakeMessageSvc{byID: map[string]*domain.ScheduledMessage{
		"msg-1": {ID: "msg-1", AccountID: "acct-1", Status: domain.MessagePending},
	}}
	h := NewHandlers(
		campaigns,
		messages,
		humanizer.NewProcessor(random.Seeded(1), 16),
		&fakeReports{
			stats: &reports.CampaignStats{CampaignID: "camp-1", TotalLogged: 4},
			body:  "id,campaign_id,message_id,template,selected_variations,recipient,sent_at,delivered,read\n",
		},
		&fakeQuota{minute: 3, day: 120},
		&fakePlans{plan: &domain.AccountPlan{AccountID: "acct-1", SendsPerMinute: 30, SendsPerDay: 2000}},
		nil,
	)
	srv := httptest.NewServer(SetupRoutes(h, map[string]string{"key-1": "acct-1"}, WebhookHandlers{}))
	t.Cleanup(srv.Close)
	return &testEnv{campaigns: campaigns, messages: messages, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-API-Key", "key-1")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAuthRejectsMissingAndUnknownKeys(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/v1/campaigns/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/campaigns/", nil)
	req.Header.Set("X-API-Key", "bogus")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key: status = %d", resp.StatusCode)
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateCampaign(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/campaigns/", campaign.CreateInput{
		Name:        "Launch",
		TemplateRaw: "Hi|Hello {{name}}",
		Recipients:  []domain.Recipient{{Address: "+15550000001"}},
		Pacing:      domain.Pacing{MinIntervalMs: 1000, MaxIntervalMs: 2000},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var c domain.Campaign
	decodeBody(t, resp, &c)
	if c.ID != "camp-new" || c.AccountID != "acct-1" {
		t.Fatalf("campaign = %+v", c)
	}
	if env.campaigns.lastAcct != "acct-1" {
		t.Fatalf("account from key = %q", env.campaigns.lastAcct)
	}
}

func TestGetCampaignScopesByAccount(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/campaigns/camp-1/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own campaign: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Another account's campaign is indistinguishable from a missing one.
	resp = env.do(t, http.MethodGet, "/api/v1/campaigns/camp-other/", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign campaign: status = %d", resp.StatusCode)
	}
}

func TestPauseConflictOnInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	env.campaigns.opErr = campaign.ErrInvalidTransition

	resp := env.do(t, http.MethodPost, "/api/v1/campaigns/camp-1/pause", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if env.campaigns.lastOp != "pause" {
		t.Fatalf("op = %q", env.campaigns.lastOp)
	}
}

func TestCampaignProgress(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/v1/campaigns/camp-1/progress", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status   string          `json:"status"`
		Progress domain.Progress `json:"progress"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "running" || body.Progress.NextIndex != 4 {
		t.Fatalf("body = %+v", body)
	}
}

func TestValidateTemplate(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/templates/validate",
		map[string]string{"template": "Hi|Hello {{name}}"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var parsed humanizer.Template
	decodeBody(t, resp, &parsed)
	if !parsed.IsValid || parsed.TotalCombinations != 2 {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestPreviewInvalidTemplateIsUnprocessable(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/templates/preview",
		map[string]any{"template": "Hi|" + strings.Repeat("x", 501), "count": 3})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSuggestUnconfiguredAnswers503(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/templates/suggest",
		map[string]string{"draft": "Hi there"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestExportCampaignCSV(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/v1/campaigns/camp-1/export?format=csv", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "id,campaign_id,") {
		t.Fatalf("body = %q", body)
	}
}

func TestExportUnknownFormatIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/v1/campaigns/camp-1/export?format=xml", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestScheduleAndCancelMessage(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/v1/messages/", message.ScheduleInput{
		TemplateRaw: "Hi {{name}}",
		Recipient:   "+15550000001",
		RunAt:       time.Now().Add(time.Hour),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("schedule status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/api/v1/messages/msg-1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	env.messages.err = message.ErrNotPending
	resp = env.do(t, http.MethodDelete, "/api/v1/messages/msg-1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-cancel status = %d", resp.StatusCode)
	}
}

func TestAccountStatsEnforcesIdentity(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/accounts/acct-1/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["minute_used"].(float64) != 3 || body["sends_per_day"].(float64) != 2000 {
		t.Fatalf("body = %v", body)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/accounts/acct-2/stats", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign account status = %d", resp.StatusCode)
	}
}

func TestWebhookRouting(t *testing.T) {
	var gotVerify, gotEvents bool
	h := NewHandlers(newFakeCampaignSvc(), &fakeMessageSvc{}, humanizer.NewProcessor(random.Seeded(1), 4), &fakeReports{}, nil, nil, nil)
	srv := httptest.NewServer(SetupRoutes(h, map[string]string{}, WebhookHandlers{
		Verify: func(w http.ResponseWriter, r *http.Request) { gotVerify = true },
		Events: func(w http.ResponseWriter, r *http.Request) { gotEvents = true },
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/webhooks/whatsapp?hub.mode=subscribe")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	resp, err = http.Post(srv.URL+"/webhooks/whatsapp", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if !gotVerify || !gotEvents {
		t.Fatalf("verify/events routed = %v/%v", gotVerify, gotEvents)
	}
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	return buf.Bytes()
}

func TestValidateMedia(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/media/validate", bytes.NewReader(encodePNG(t, 120, 80)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-API-Key", "key-1")
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Format    string `json:"format"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Thumbnail string `json:"thumbnail_jpeg"`
	}
	decodeBody(t, resp, &out)
	if out.Format != "png" || out.Width != 120 || out.Height != 80 {
		t.Fatalf("info = %+v", out)
	}
	if _, err := base64.StdEncoding.DecodeString(out.Thumbnail); err != nil || out.Thumbnail == "" {
		t.Fatalf("thumbnail not base64: %v", err)
	}
}

func TestValidateMediaRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/media/validate", strings.NewReader("not an image"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-API-Key", "key-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
