package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/replyflow/db"
	"github.com/onnwee/replyflow/testutil"
)

func TestChannelCredentialRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	testutil.SeedAccount(t, database, "acct1", "Free", 0, 50)
	testutil.SeedChannel(t, database, "chan1", "acct1")

	expiry := time.Now().Add(time.Hour).UTC()
	if err := db.UpsertChannelCredential(ctx, database, "chan1", "refresh-secret", "access-token", expiry); err != nil {
		t.Fatalf("upsert credential: %v", err)
	}
	got, err := db.GetChannelCredential(ctx, database, "chan1")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if got != "refresh-secret" {
		t.Fatalf("refresh token = %q, want refresh-secret", got)
	}
}

func TestGetChannelCredentialUnknownOrDisconnected(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	// Unknown channels report no credential rather than an error.
	got, err := db.GetChannelCredential(ctx, database, "ghost")
	if err != nil || got != "" {
		t.Fatalf("unknown channel: got %q err %v", got, err)
	}

	testutil.SeedAccount(t, database, "acct1", "Free", 0, 50)
	testutil.SeedChannel(t, database, "chan1", "acct1")
	if err := db.UpsertChannelCredential(ctx, database, "chan1", "refresh-secret", "", time.Now()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.MarkChannelDisconnected(ctx, database, "chan1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	got, err = db.GetChannelCredential(ctx, database, "chan1")
	if err != nil || got != "" {
		t.Fatalf("disconnected channel: got %q err %v, want empty", got, err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()

	if v, err := db.KVGet(ctx, database, "missing"); err != nil || v != "" {
		t.Fatalf("missing key: got %q err %v", v, err)
	}
	if err := db.KVSet(ctx, database, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.KVSet(ctx, database, "k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := db.KVGet(ctx, database, "k"); v != "v2" {
		t.Fatalf("value = %q, want v2", v)
	}
}
