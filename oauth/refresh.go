// Package oauth runs the background token refresher. Access tokens are
// minted on demand by the gateway's token source; this loop keeps the
// persisted expiry fresh and surfaces revoked credentials early instead of
// at post time.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/replyflow/db"
	"github.com/onnwee/replyflow/youtubeapi"
)

// Refresher walks connected channels and refreshes tokens nearing expiry.
type Refresher struct {
	DB       *sql.DB
	Service  *youtubeapi.Service
	Interval time.Duration // sweep cadence, default 15m
	Window   time.Duration // refresh tokens expiring within this window, default 30m
}

// Start launches the refresh loop. A random initial jitter spreads sweeps
// across replicas so they do not hit the token endpoint in lockstep.
func (r *Refresher) Start(ctx context.Context) {
	if r.Interval <= 0 {
		r.Interval = 15 * time.Minute
	}
	if r.Window <= 0 {
		r.Window = 30 * time.Minute
	}
	go func() {
		jitter := time.Duration(rand.Int63n(int64(r.Interval / 4)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			r.sweep(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// sweep refreshes every channel whose stored access token expires inside the
// window. Channels flagged disconnected are skipped.
func (r *Refresher) sweep(ctx context.Context) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT youtube_channel_id FROM channels
		 WHERE disconnected=FALSE AND refresh_token IS NOT NULL AND refresh_token <> ''
		   AND (token_expires_at IS NULL OR token_expires_at < NOW() + $1::interval)`,
		intervalSQL(r.Window))
	if err != nil {
		slog.Error("token refresh sweep query failed",
			slog.Any("error", err), slog.String("component", "token_refresher"))
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			slog.Error("scan channel id", slog.Any("error", err), slog.String("component", "token_refresher"))
			break
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := r.Service.RefreshChannelToken(ctx, id); err != nil {
			if youtubeapi.Classify(err) == youtubeapi.ClassAuthInvalid {
				slog.Warn("credential revoked during refresh, disconnecting channel",
					slog.String("channel_id", id),
					slog.String("component", "token_refresher"))
				if derr := db.MarkChannelDisconnected(ctx, r.DB, id); derr != nil {
					slog.Error("disconnect channel failed",
						slog.Any("error", derr), slog.String("component", "token_refresher"))
				}
				continue
			}
			slog.Error("token refresh failed",
				slog.String("channel_id", id),
				slog.Any("error", err),
				slog.String("component", "token_refresher"))
			continue
		}
		slog.Debug("token refreshed",
			slog.String("channel_id", id),
			slog.String("component", "token_refresher"))
	}
}

func intervalSQL(d time.Duration) string {
	return time.Time{}.Add(d).Format("15:04:05")
}
