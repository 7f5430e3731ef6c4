package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/whatsapp-engine/internal/pkg/httputil"
)

type contextKey string

const accountKey contextKey = "account_id"

// accountID returns the authenticated account for the request. Empty only
// when the middleware was bypassed, which the router never does for /api.
func accountID(r *http.Request) string {
	v, _ := r.Context().Value(accountKey).(string)
	return v
}

// AccountAuth authenticates requests by API key. The key arrives in
// X-API-Key and maps to an account id; the resolved account rides on the
// request context and is echoed in X-Account-ID for debugging.
func AccountAuth(keys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			account, ok := keys[key]
			if key == "" || !ok {
				httputil.Unauthorized(w, "invalid API key")
				return
			}
			w.Header().Set("X-Account-ID", account)
			ctx := context.WithValue(r.Context(), accountKey, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WebhookHandlers carries the provider webhook endpoints, wired by cmd
// from the configured gateway.
type WebhookHandlers struct {
	Verify http.HandlerFunc
	Events http.HandlerFunc
}

// SetupRoutes configures the router: public health and webhook endpoints,
// and the key-protected /api/v1 surface.
func SetupRoutes(h *Handlers, apiKeys map[string]string, webhooks WebhookHandlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-Account-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	// Provider webhooks authenticate with the hub verify token, not an
	// API key.
	if webhooks.Verify != nil {
		r.Get("/webhooks/whatsapp", webhooks.Verify)
	}
	if webhooks.Events != nil {
		r.Post("/webhooks/whatsapp", webhooks.Events)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AccountAuth(apiKeys))

		r.Route("/templates", func(r chi.Router) {
			r.Post("/validate", h.ValidateTemplate)
			r.Post("/preview", h.PreviewTemplate)
			r.Post("/suggest", h.SuggestTemplate)
		})

		r.Post("/media/validate", h.ValidateMedia)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.CreateCampaign)
			r.Get("/", h.ListCampaigns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Get("/progress", h.CampaignProgress)
				r.Post("/pause", h.PauseCampaign)
				r.Post("/resume", h.ResumeCampaign)
				r.Post("/cancel", h.CancelCampaign)
				r.Get("/stats", h.CampaignStats)
				r.Get("/export", h.ExportCampaign)
			})
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.ScheduleMessage)
			r.Get("/{id}", h.GetMessage)
			r.Delete("/{id}", h.CancelMessage)
		})

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/stats", h.AccountStats)
			r.Get("/export", h.ExportAccount)
		})
	})

	return r
}
