package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/replyflow/db"
	"github.com/onnwee/replyflow/ledger"
	"github.com/onnwee/replyflow/queue"
	"github.com/onnwee/replyflow/telemetry"
	"github.com/onnwee/replyflow/worker"
	"github.com/onnwee/replyflow/youtubeapi"
)

type enqueueRequest struct {
	AccountID string              `json:"account_id"`
	ChannelID string              `json:"channel_id"`
	Replies   []queue.EnqueueItem `json:"replies"`
}

// HandleRepliesEnqueue charges the batch upfront and queues the replies for
// the drip worker. Upfront charges are final: a reply that later fails at
// the platform is not refunded.
func (h *Handlers) HandleRepliesEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" || req.ChannelID == "" || len(req.Replies) == 0 {
		writeError(w, http.StatusBadRequest, "account_id, channel_id and replies are required")
		return
	}
	for _, item := range req.Replies {
		if item.CommentID == "" || strings.TrimSpace(item.ReplyText) == "" {
			writeError(w, http.StatusBadRequest, "every reply needs comment_id and reply_text")
			return
		}
	}

	ctx := r.Context()
	if err := h.ledger.ChargeUpfront(ctx, req.AccountID, len(req.Replies)); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits):
			writeError(w, http.StatusPaymentRequired, "insufficient credits")
		case errors.Is(err, ledger.ErrUnknownAccount):
			writeError(w, http.StatusNotFound, "account not found")
		default:
			telemetry.LoggerWithCorr(ctx).Error("upfront charge failed", slog.Any("error", err), slog.String("component", "http"))
			writeError(w, http.StatusInternalServerError, "charge failed")
		}
		return
	}

	enqueued, err := h.queue.Enqueue(ctx, req.AccountID, req.ChannelID, req.Replies)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Error("enqueue failed after charge",
			slog.Any("error", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"charged":  len(req.Replies),
		"enqueued": enqueued,
	})
}

// HandleRepliesProgress reports queue counters for ?account_id=.
func (h *Handlers) HandleRepliesProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	p, err := h.queue.ProgressFor(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "progress query failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type singleReplyRequest struct {
	AccountID string `json:"account_id"`
	ChannelID string `json:"channel_id"`
	CommentID string `json:"comment_id"`
	ReplyText string `json:"reply_text"`
}

// HandleReplySingle posts one reply immediately, bypassing the queue. The
// credit is charged only after the platform accepts the reply.
func (h *Handlers) HandleReplySingle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req singleReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" || req.ChannelID == "" || req.CommentID == "" || strings.TrimSpace(req.ReplyText) == "" {
		writeError(w, http.StatusBadRequest, "account_id, channel_id, comment_id and reply_text are required")
		return
	}

	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	ok, err := h.ledger.CanCharge(ctx, req.AccountID, 1)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownAccount) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "credit check failed")
		return
	}
	if !ok {
		writeError(w, http.StatusPaymentRequired, "insufficient credits")
		return
	}

	replyID, err := h.yt.PostReply(ctx, req.ChannelID, req.CommentID, req.ReplyText)
	switch youtubeapi.Classify(err) {
	case youtubeapi.ClassNone:
		// success path continues below the switch
	case youtubeapi.ClassRateLimited:
		// Pause the drip too: the quota is shared with the worker.
		until := time.Now().Add(h.cfg.Cooldown).Format(time.RFC3339)
		if kerr := db.KVSet(ctx, h.db, worker.PausedUntilKey, until); kerr != nil {
			log.Error("persist cooldown failed", slog.Any("error", kerr), slog.String("component", "http"))
		}
		writeError(w, http.StatusTooManyRequests, "platform rate limit, try again later")
		return
	case youtubeapi.ClassAuthInvalid:
		if derr := db.MarkChannelDisconnected(ctx, h.db, req.ChannelID); derr != nil {
			log.Error("disconnect channel failed", slog.Any("error", derr), slog.String("component", "http"))
		}
		writeError(w, http.StatusUnauthorized, "channel credential revoked, relink required")
		return
	case youtubeapi.ClassTransientNetwork:
		writeError(w, http.StatusServiceUnavailable, "platform unavailable, try again")
		return
	default:
		writeError(w, http.StatusBadRequest, "reply rejected by platform")
		return
	}

	// Audit trail: record the post as a completed job and settle the comment.
	if _, derr := h.db.ExecContext(ctx,
		`INSERT INTO reply_jobs (id, account_id, channel_id, comment_id, reply_text, status, attempts, last_attempt_at)
		 VALUES ($1,$2,$3,$4,$5,'completed',1,NOW()) ON CONFLICT DO NOTHING`,
		uuid.NewString(), req.AccountID, req.ChannelID, req.CommentID, req.ReplyText); derr != nil {
		log.Error("record completed reply failed", slog.Any("error", derr), slog.String("component", "http"))
	}
	if _, derr := h.db.ExecContext(ctx,
		`UPDATE comments SET status='Replied' WHERE comment_id=$1`, req.CommentID); derr != nil {
		log.Error("mark comment replied failed", slog.Any("error", derr), slog.String("component", "http"))
	}
	if cerr := h.ledger.ChargeOnSuccess(ctx, req.AccountID); cerr != nil {
		// The reply is already live; log the discrepancy rather than fail
		// the request.
		log.Error("post-success charge failed", slog.Any("error", cerr), slog.String("component", "http"))
	}
	if telemetry.RepliesPosted != nil {
		telemetry.RepliesPosted.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply_id": replyID})
}
