package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/replyflow/ledger"
	"github.com/onnwee/replyflow/telemetry"
)

type billingEvent struct {
	EventID         string `json:"event_id"`
	Type            string `json:"type"`
	AccountID       string `json:"account_id"`
	Plan            string `json:"plan,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	Credits         int    `json:"credits,omitempty"`
	SubscriptionRef string `json:"subscription_ref,omitempty"`
}

// HandleBillingWebhook applies billing provider events to the ledger.
// Redeliveries are detected by event id and acknowledged without effect, so
// the provider's retry policy can be aggressive.
func (h *Handlers) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var evt billingEvent
	if err := decodeJSON(r, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if evt.EventID == "" || evt.AccountID == "" {
		writeError(w, http.StatusBadRequest, "event_id and account_id are required")
		return
	}

	ctx := r.Context()
	var applied bool
	var err error
	switch strings.ToLower(evt.Type) {
	case "renewal", "subscription.renewed":
		applied, err = h.ledger.OnRenewal(ctx, evt.EventID, evt.AccountID)
	case "top_up", "topup", "credits.purchased":
		applied, err = h.ledger.OnTopUp(ctx, evt.EventID, evt.AccountID, evt.Credits)
	case "plan_change", "subscription.updated", "subscription.created":
		applied, err = h.ledger.OnPlanChange(ctx, evt.EventID, evt.AccountID, evt.Plan, evt.Limit, evt.SubscriptionRef)
	default:
		writeError(w, http.StatusBadRequest, "unknown event type: "+evt.Type)
		return
	}
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		telemetry.LoggerWithCorr(ctx).Error("billing event failed",
			slog.String("event_id", evt.EventID),
			slog.String("type", evt.Type),
			slog.Any("error", err),
			slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "billing event failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// HandleAccountsDispatcher routes /accounts/{id}/usage.
func (h *Handlers) HandleAccountsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/accounts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "usage" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	u, err := h.ledger.Usage(r.Context(), parts[0])
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
