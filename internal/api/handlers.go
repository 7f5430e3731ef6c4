// Package api is the HTTP control plane: campaign and message CRUD,
// template tooling, reports, quota usage, and the provider webhook.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/whatsapp-engine/internal/assist"
	"github.com/ignite/whatsapp-engine/internal/domain"
	"github.com/ignite/whatsapp-engine/internal/humanizer"
	"github.com/ignite/whatsapp-engine/internal/media"
	"github.com/ignite/whatsapp-engine/internal/pkg/httputil"
	"github.com/ignite/whatsapp-engine/internal/reports"
	"github.com/ignite/whatsapp-engine/internal/service/campaign"
	"github.com/ignite/whatsapp-engine/internal/service/message"
)

// CampaignService is the slice of the campaign service the API exposes.
type CampaignService interface {
	Create(ctx context.Context, accountID string, input campaign.CreateInput) (*domain.Campaign, error)
	Get(ctx context.Context, accountID, id string) (*domain.Campaign, error)
	List(ctx context.Context, accountID string, f campaign.ListFilter) ([]domain.Campaign, error)
	Progress(ctx context.Context, accountID, id string) (*domain.Progress, domain.CampaignStatus, error)
	Pause(ctx context.Context, accountID, id string) error
	Resume(ctx context.Context, accountID, id string) error
	Cancel(ctx context.Context, accountID, id string) error
}

// MessageService is the slice of the scheduled-message service the API
// exposes.
type MessageService interface {
	Schedule(ctx context.Context, accountID string, input message.ScheduleInput) (*domain.ScheduledMessage, error)
	Get(ctx context.Context, accountID, id string) (*domain.ScheduledMessage, error)
	Cancel(ctx context.Context, accountID, id string) error
}

// ReportSource serves stats and exports.
type ReportSource interface {
	CampaignStats(ctx context.Context, campaignID string) (*reports.CampaignStats, error)
	ExportCampaign(ctx context.Context, campaignID, format string, w io.Writer) error
	ExportAccount(ctx context.Context, accountID string, from, to time.Time, format string, w io.Writer) error
}

// QuotaSource reports committed quota usage.
type QuotaSource interface {
	Usage(ctx context.Context, accountID string) (minute, day int64, err error)
}

// PlanSource resolves account plan limits.
type PlanSource interface {
	Plan(ctx context.Context, accountID string) (*domain.AccountPlan, error)
}

// Suggester proposes humanized templates for plain drafts.
type Suggester interface {
	Suggest(ctx context.Context, draft string) (*assist.Suggestion, error)
}

// Handlers carries the service dependencies of all API endpoints.
type Handlers struct {
	campaigns CampaignService
	messages  MessageService
	processor *humanizer.Processor
	reports   ReportSource
	quota     QuotaSource
	plans     PlanSource
	suggester Suggester
}

// NewHandlers creates the handler set. quota, plans and suggester may be
// nil; their endpoints answer 503.
func NewHandlers(
	campaigns CampaignService,
	messages MessageService,
	processor *humanizer.Processor,
	reportSource ReportSource,
	quota QuotaSource,
	plans PlanSource,
	suggester Suggester,
) *Handlers {
	return &Handlers{
		campaigns: campaigns,
		messages:  messages,
		processor: processor,
		reports:   reportSource,
		quota:     quota,
		plans:     plans,
		suggester: suggester,
	}
}

// Health answers the load balancer.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// --- templates ---

type templateRequest struct {
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
	Count     int               `json:"count,omitempty"`
}

// ValidateTemplate parses a template and reports issues without sending
// anything.
func (h *Handlers) ValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	httputil.OK(w, h.processor.Parse(req.Template))
}

// PreviewTemplate renders up to Count distinct humanized previews.
func (h *Handlers) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	previews := h.processor.Preview(req.Template, req.Variables, req.Count)
	if len(previews) == 1 && !previews[0].Success {
		httputil.JSON(w, http.StatusUnprocessableEntity, previews[0])
		return
	}
	httputil.OK(w, map[string]any{"previews": previews})
}

type suggestRequest struct {
	Draft string `json:"draft"`
}

// SuggestTemplate proposes a humanized variant of a plain draft.
func (h *Handlers) SuggestTemplate(w http.ResponseWriter, r *http.Request) {
	if h.suggester == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "template suggestions not configured")
		return
	}
	var req suggestRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	suggestion, err := h.suggester.Suggest(r.Context(), req.Draft)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, suggestion)
}

// --- media ---

// ValidateMedia checks an uploaded image against the provider's
// attachment constraints and returns its decoded properties plus a JPEG
// thumbnail the dashboard can show.
func (h *Handlers) ValidateMedia(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, media.MaxBytes+1))
	if err != nil {
		httputil.BadRequest(w, "read body")
		return
	}
	info, err := media.Validate(data)
	if err != nil {
		httputil.JSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	thumb, err := media.Thumbnail(data)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"format":         info.Format,
		"width":          info.Width,
		"height":         info.Height,
		"bytes":          info.Bytes,
		"thumbnail_jpeg": base64.StdEncoding.EncodeToString(thumb),
	})
}

// --- campaigns ---

// CreateCampaign submits a new campaign.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var input campaign.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), accountID(r), input)
	if err != nil {
		h.campaignError(w, err)
		return
	}
	httputil.Created(w, c)
}

// ListCampaigns lists the account's campaigns.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	f := campaign.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	list, err := h.campaigns.List(r.Context(), accountID(r), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if list == nil {
		list = []domain.Campaign{}
	}
	httputil.OK(w, map[string]any{"campaigns": list})
}

// GetCampaign returns one campaign.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.campaignError(w, err)
		return
	}
	httputil.OK(w, c)
}

// CampaignProgress returns live progress counters.
func (h *Handlers) CampaignProgress(w http.ResponseWriter, r *http.Request) {
	p, status, err := h.campaigns.Progress(r.Context(), accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.campaignError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"status": status, "progress": p})
}

// PauseCampaign pauses a running campaign at the next recipient boundary.
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Pause)
}

// ResumeCampaign resumes a paused campaign.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Resume)
}

// CancelCampaign cancels a campaign permanently.
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Cancel)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), accountID(r), id); err != nil {
		h.campaignError(w, err)
		return
	}
	c, err := h.campaigns.Get(r.Context(), accountID(r), id)
	if err != nil {
		h.campaignError(w, err)
		return
	}
	httputil.OK(w, c)
}

// CampaignStats returns the variation distribution report.
func (h *Handlers) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Ownership check before touching the log.
	if _, err := h.campaigns.Get(r.Context(), accountID(r), id); err != nil {
		h.campaignError(w, err)
		return
	}
	stats, err := h.reports.CampaignStats(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// ExportCampaign streams the campaign's variation log as CSV or JSON.
func (h *Handlers) ExportCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.campaigns.Get(r.Context(), accountID(r), id); err != nil {
		h.campaignError(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	case "json":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown export format %q", format))
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="campaign_%s.%s"`, id, format))
	if err := h.reports.ExportCampaign(r.Context(), id, format, w); err != nil {
		// Headers are gone; all we can do is log.
		httputil.InternalError(w, err)
	}
}

// AccountStats returns quota usage and plan limits for the authenticated
// account.
func (h *Handlers) AccountStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != accountID(r) {
		httputil.Error(w, http.StatusForbidden, "account mismatch")
		return
	}
	if h.quota == nil || h.plans == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "quota tracking not configured")
		return
	}
	minute, day, err := h.quota.Usage(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	plan, err := h.plans.Plan(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"account_id":       id,
		"minute_used":      minute,
		"day_used":         day,
		"sends_per_minute": plan.SendsPerMinute,
		"sends_per_day":    plan.SendsPerDay,
	})
}

// ExportAccount streams the account's variation log over a time window.
func (h *Handlers) ExportAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id != accountID(r) {
		httputil.Error(w, http.StatusForbidden, "account mismatch")
		return
	}
	from, to, err := timeWindow(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	case "json":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown export format %q", format))
		return
	}
	if err := h.reports.ExportAccount(r.Context(), id, from, to, format, w); err != nil {
		httputil.InternalError(w, err)
	}
}

// --- messages ---

// ScheduleMessage schedules a one-off message.
func (h *Handlers) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var input message.ScheduleInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	m, err := h.messages.Schedule(r.Context(), accountID(r), input)
	if err != nil {
		h.messageError(w, err)
		return
	}
	httputil.Created(w, m)
}

// GetMessage returns one scheduled message.
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.messages.Get(r.Context(), accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		h.messageError(w, err)
		return
	}
	httputil.OK(w, m)
}

// CancelMessage cancels a pending scheduled message.
func (h *Handlers) CancelMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.messages.Cancel(r.Context(), accountID(r), chi.URLParam(r, "id")); err != nil {
		h.messageError(w, err)
		return
	}
	httputil.NoContent(w)
}

// --- error mapping ---

func (h *Handlers) campaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, campaign.ErrTerminal), errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, campaign.ErrInvalidTemplate), errors.Is(err, campaign.ErrNoRecipients):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func (h *Handlers) messageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, message.ErrNotFound):
		httputil.NotFound(w, "message not found")
	case errors.Is(err, message.ErrNotPending):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, message.ErrInvalidTemplate), errors.Is(err, message.ErrRunAtPast):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// --- helpers ---

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

// timeWindow parses from/to query params, defaulting to the last 24h.
func timeWindow(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("invalid from: %v", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("invalid to: %v", err)
		}
		to = t
	}
	if to.Before(from) {
		return from, to, fmt.Errorf("to precedes from")
	}
	return from, to, nil
}
