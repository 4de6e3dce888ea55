// Package router maps the HTTP API onto handlers.
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/designdesk/backend/internal/auth"
	"github.com/designdesk/backend/internal/handlers"
	"github.com/designdesk/backend/internal/middleware"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers bundles everything the router serves.
type Handlers struct {
	Auth          *auth.Handler
	Tokens        middleware.TokenValidator
	Tasks         *handlers.TaskHandler
	Admin         *handlers.AdminHandler
	Accounts      *handlers.AccountHandler
	Notifications *handlers.NotificationHandler
	Payments      *handlers.PaymentWebhook
	DB            Pinger
}

// New returns an http.Handler that serves the API under /v1.
func New(h Handlers) http.Handler {
	mux := http.NewServeMux()
	authed := middleware.ActorAuth(h.Tokens)
	user := func(fn http.HandlerFunc) http.Handler { return authed(fn) }
	admin := func(fn http.HandlerFunc) http.Handler { return authed(middleware.RequireAdmin(fn)) }

	mux.HandleFunc("GET /healthz", healthz(h.DB))

	mux.HandleFunc("POST /v1/auth/register", h.Auth.Register)
	mux.HandleFunc("POST /v1/auth/login", h.Auth.Login)
	mux.Handle("POST /v1/webhooks/payments", h.Payments)

	mux.Handle("POST /v1/tasks", user(h.Tasks.CreateTask))
	mux.Handle("GET /v1/tasks", user(h.Tasks.ListTasks))
	mux.Handle("GET /v1/tasks/{id}", user(h.Tasks.GetTask))
	mux.Handle("POST /v1/tasks/{id}/claim", user(h.Tasks.Claim))
	mux.Handle("POST /v1/tasks/{id}/advance", user(h.Tasks.Advance))
	mux.Handle("POST /v1/tasks/{id}/revisions", user(h.Tasks.RequestRevision))
	mux.Handle("POST /v1/tasks/{id}/cancel", user(h.Tasks.Cancel))

	mux.Handle("GET /v1/account/me", user(h.Accounts.GetMe))
	mux.Handle("PATCH /v1/account/availability", user(h.Accounts.SetAvailability))
	mux.Handle("GET /v1/ledger", user(h.Accounts.ListLedger))
	mux.Handle("GET /v1/categories", user(h.Accounts.ListCategories))

	mux.Handle("GET /v1/notifications", user(h.Notifications.List))
	mux.Handle("POST /v1/notifications/{id}/read", user(h.Notifications.MarkRead))
	mux.Handle("GET /v1/notifications/stream", user(h.Notifications.StreamNotifications))

	mux.Handle("POST /v1/admin/tasks/purge", admin(h.Admin.Purge))
	mux.Handle("POST /v1/admin/tasks/{id}/force", admin(h.Admin.Force))
	mux.Handle("POST /v1/admin/tasks/{id}/extra-scope", admin(h.Admin.FlagExtraScope))
	mux.Handle("POST /v1/admin/tasks/{id}/resolve", admin(h.Admin.Resolve))
	mux.Handle("POST /v1/admin/accounts/{id}/adjust", admin(h.Admin.Adjust))
	mux.Handle("POST /v1/admin/accounts/{id}/reconcile", admin(h.Admin.Reconcile))
	mux.Handle("PATCH /v1/admin/accounts/{id}/freelancer", admin(h.Admin.UpdateFreelancer))
	mux.Handle("POST /v1/admin/categories/reload", admin(h.Admin.ReloadCategories))

	return mux
}

func healthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
