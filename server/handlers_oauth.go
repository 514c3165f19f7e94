package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/onnwee/replyflow/registry"
	"github.com/onnwee/replyflow/telemetry"
)

// HandleOAuthStart begins the channel linking flow for ?account_id= by
// redirecting to the Google consent page. The state token binds the
// callback to the requesting account.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if err := h.cfg.ValidateLinkingReady(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "channel linking not configured")
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	state := uuid.NewString()
	if !h.addOAuthState(state, accountID) {
		writeError(w, http.StatusServiceUnavailable, "too many linking flows in progress")
		return
	}
	http.Redirect(w, r, h.yt.AuthCodeURL(state), http.StatusFound)
}

// HandleOAuthCallback finishes the consent flow: exchanges the code,
// resolves the channel behind the token, and runs the linking protocol.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		writeError(w, http.StatusBadRequest, "consent denied: "+errMsg)
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}
	accountID, ok := h.takeOAuthState(state)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}

	tok, err := h.yt.Exchange(ctx, code)
	if err != nil {
		log.Error("oauth exchange failed", slog.Any("error", err), slog.String("component", "http"))
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	channelID, title, err := h.yt.FetchOwnChannel(ctx, tok)
	if err != nil {
		log.Error("resolve channel failed", slog.Any("error", err), slog.String("component", "http"))
		writeError(w, http.StatusBadGateway, "could not resolve channel for token")
		return
	}

	res, err := h.registry.CompleteLinking(ctx, registry.LinkRequest{
		AccountID:    accountID,
		ChannelID:    channelID,
		Title:        title,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		TokenExpiry:  tok.Expiry,
	})
	if err != nil {
		log.Error("channel linking failed",
			slog.String("account_id", accountID),
			slog.Any("error", err),
			slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "channel linking failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type disconnectRequest struct {
	AccountID string `json:"account_id"`
}

// HandleChannelDisconnect detaches the account's active channel.
func (h *Handlers) HandleChannelDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req disconnectRequest
	if err := decodeJSON(r, &req); err != nil || req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if err := h.registry.Disconnect(r.Context(), req.AccountID); err != nil {
		writeError(w, http.StatusInternalServerError, "disconnect failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
