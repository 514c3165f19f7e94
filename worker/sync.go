package worker

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/onnwee/replyflow/youtubeapi"
)

// ThreadLister pulls top-level comments from the platform.
type ThreadLister interface {
	ListCommentThreads(ctx context.Context, channelID, pageToken string) ([]youtubeapi.CommentThread, string, error)
}

const syncMaxPages = 5

// StartCommentSyncJob periodically pulls new top-level comments for every
// connected channel into the comments table, where they wait in Pending
// until a reply is drafted. Stops when ctx is done.
func StartCommentSyncJob(ctx context.Context, database *sql.DB, lister ThreadLister, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			syncAllChannels(ctx, database, lister)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func syncAllChannels(ctx context.Context, database *sql.DB, lister ThreadLister) {
	rows, err := database.QueryContext(ctx, `
		SELECT c.youtube_channel_id, c.account_id FROM channels c
		JOIN accounts a ON a.id = c.account_id
		WHERE c.disconnected=FALSE AND a.connected=TRUE AND a.active_channel_id = c.youtube_channel_id`)
	if err != nil {
		slog.Error("comment sync channel query failed",
			slog.Any("error", err), slog.String("component", "comment_sync"))
		return
	}
	type chanRow struct{ channelID, accountID string }
	var channels []chanRow
	for rows.Next() {
		var c chanRow
		if err := rows.Scan(&c.channelID, &c.accountID); err != nil {
			slog.Error("scan channel", slog.Any("error", err), slog.String("component", "comment_sync"))
			break
		}
		channels = append(channels, c)
	}
	rows.Close()

	for _, c := range channels {
		if ctx.Err() != nil {
			return
		}
		if err := syncChannel(ctx, database, lister, c.channelID, c.accountID); err != nil {
			slog.Error("comment sync failed",
				slog.String("channel_id", c.channelID),
				slog.Any("error", err),
				slog.String("component", "comment_sync"))
		}
	}
}

// syncChannel upserts recent threads for one channel. Comments already seen
// keep their status; only new ones land as Pending.
func syncChannel(ctx context.Context, database *sql.DB, lister ThreadLister, channelID, accountID string) error {
	pageToken := ""
	fetched := 0
	for page := 0; page < syncMaxPages; page++ {
		threads, next, err := lister.ListCommentThreads(ctx, channelID, pageToken)
		if err != nil {
			return err
		}
		for _, th := range threads {
			if _, err := database.ExecContext(ctx, `
				INSERT INTO comments (comment_id, video_id, channel_id, account_id, author, text, status, published_at)
				VALUES ($1,$2,$3,$4,$5,$6,'Pending',$7)
				ON CONFLICT (comment_id) DO UPDATE SET last_synced_at=NOW()`,
				th.CommentID, th.VideoID, channelID, accountID, th.Author, th.Text, th.PublishedAt); err != nil {
				return err
			}
			if th.VideoID != "" {
				if _, err := database.ExecContext(ctx, `
					INSERT INTO videos (video_id, channel_id, account_id)
					VALUES ($1,$2,$3) ON CONFLICT (channel_id, video_id) DO NOTHING`,
					th.VideoID, channelID, accountID); err != nil {
					return err
				}
			}
			fetched++
		}
		if next == "" {
			break
		}
		pageToken = next
	}
	if _, err := database.ExecContext(ctx,
		`UPDATE channels SET last_sync=NOW() WHERE youtube_channel_id=$1`, channelID); err != nil {
		return err
	}
	slog.Info("channel comments synced",
		slog.String("channel_id", channelID),
		slog.Int("threads", fetched),
		slog.String("component", "comment_sync"))
	return nil
}
