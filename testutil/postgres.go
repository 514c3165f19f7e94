// Package testutil provides shared helpers for integration tests: a
// TEST_PG_DSN-gated Postgres setup and mock external API servers.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/replyflow/db"
)

// SetupTestDB opens the test database named by TEST_PG_DSN, applies the
// schema, and truncates all tables so each test starts clean. Tests calling
// it are skipped when TEST_PG_DSN is unset.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping database integration test")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		t.Fatalf("ping test database: %v", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	tables := []string{"kv", "billing_events", "videos", "comments", "reply_jobs", "channels", "accounts"}
	for _, table := range tables {
		if _, err := database.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return database
}

// SeedAccount inserts an account row with the given credit position.
func SeedAccount(t *testing.T, database *sql.DB, id, plan string, used, limit int) {
	t.Helper()
	_, err := database.ExecContext(context.Background(),
		`INSERT INTO accounts (id, email, plan, replies_used, replies_limit, connected)
		 VALUES ($1, $1 || '@example.com', $2, $3, $4, TRUE)`, id, plan, used, limit)
	if err != nil {
		t.Fatalf("seed account %s: %v", id, err)
	}
}

// SeedChannel inserts a channel row owned by accountID.
func SeedChannel(t *testing.T, database *sql.DB, channelID, accountID string) {
	t.Helper()
	_, err := database.ExecContext(context.Background(),
		`INSERT INTO channels (youtube_channel_id, account_id, title) VALUES ($1, $2, 'chan ' || $1)`,
		channelID, accountID)
	if err != nil {
		t.Fatalf("seed channel %s: %v", channelID, err)
	}
}

// SeedComment inserts a comment row in Pending status.
func SeedComment(t *testing.T, database *sql.DB, commentID, channelID, accountID string) {
	t.Helper()
	_, err := database.ExecContext(context.Background(),
		`INSERT INTO comments (comment_id, channel_id, account_id, text, status)
		 VALUES ($1, $2, $3, 'hello', 'Pending')`, commentID, channelID, accountID)
	if err != nil {
		t.Fatalf("seed comment %s: %v", commentID, err)
	}
}
