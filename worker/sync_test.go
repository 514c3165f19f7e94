package worker

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/replyflow/testutil"
	"github.com/onnwee/replyflow/youtubeapi"
)

type fakeLister struct {
	pages map[string][]youtubeapi.CommentThread
}

func (f *fakeLister) ListCommentThreads(ctx context.Context, channelID, pageToken string) ([]youtubeapi.CommentThread, string, error) {
	return f.pages[pageToken], "", nil
}

func TestSyncChannelUpsertsComments(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.SeedAccount(t, database, "acct1", "Basic", 0, 1000)
	testutil.SeedChannel(t, database, "chan1", "acct1")
	ctx := context.Background()

	lister := &fakeLister{pages: map[string][]youtubeapi.CommentThread{
		"": {
			{CommentID: "c1", VideoID: "v1", Author: "alice", Text: "great video", PublishedAt: time.Now()},
			{CommentID: "c2", VideoID: "v1", Author: "bob", Text: "nice", PublishedAt: time.Now()},
		},
	}}
	if err := syncChannel(ctx, database, lister, "chan1", "acct1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var comments, videos int
	_ = database.QueryRow(`SELECT COUNT(*) FROM comments WHERE channel_id='chan1' AND status='Pending'`).Scan(&comments)
	_ = database.QueryRow(`SELECT COUNT(*) FROM videos WHERE channel_id='chan1'`).Scan(&videos)
	if comments != 2 || videos != 1 {
		t.Fatalf("comments=%d videos=%d, want 2 and 1", comments, videos)
	}

	// A comment already marked Replied keeps its status on resync.
	if _, err := database.Exec(`UPDATE comments SET status='Replied' WHERE comment_id='c1'`); err != nil {
		t.Fatalf("mark replied: %v", err)
	}
	if err := syncChannel(ctx, database, lister, "chan1", "acct1"); err != nil {
		t.Fatalf("resync: %v", err)
	}
	var status string
	_ = database.QueryRow(`SELECT status FROM comments WHERE comment_id='c1'`).Scan(&status)
	if status != "Replied" {
		t.Fatalf("status = %q after resync, want Replied", status)
	}

	var lastSync *time.Time
	_ = database.QueryRow(`SELECT last_sync FROM channels WHERE youtube_channel_id='chan1'`).Scan(&lastSync)
	if lastSync == nil {
		t.Fatal("last_sync not stamped")
	}
}
