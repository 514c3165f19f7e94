package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/onnwee/replyflow/db"
	"github.com/onnwee/replyflow/worker"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"schema", func() error {
			var one int
			return h.db.QueryRowContext(r.Context(),
				"SELECT 1 FROM reply_jobs LIMIT 1").Scan(&one)
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil && err != sql.ErrNoRows {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports operational state: queue depth and the worker's
// cooldown, for dashboards and debugging.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var pending, processing int
	_ = h.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE status='pending'), COUNT(*) FILTER (WHERE status='processing') FROM reply_jobs`).
		Scan(&pending, &processing)

	status := map[string]any{
		"queue_pending":    pending,
		"queue_processing": processing,
		"worker_paused":    false,
	}
	if v, err := db.KVGet(ctx, h.db, worker.PausedUntilKey); err == nil && v != "" {
		if until, perr := time.Parse(time.RFC3339, v); perr == nil && until.After(time.Now()) {
			status["worker_paused"] = true
			status["paused_until"] = until.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, status)
}
