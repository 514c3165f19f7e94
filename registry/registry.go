// Package registry manages channel ownership and the linking protocol: who
// owns a channel, what happens when a channel moves between accounts, and
// the one-time trial grant for first-time linkers.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/replyflow/db"
)

// LinkRequest carries the identity resolved from a completed OAuth consent.
type LinkRequest struct {
	AccountID    string
	ChannelID    string
	Title        string
	RefreshToken string
	AccessToken  string
	TokenExpiry  time.Time
}

// LinkResult reports what the linking protocol did.
type LinkResult struct {
	ChannelID    string `json:"channel_id"`
	Title        string `json:"title"`
	TrialGranted bool   `json:"trial_granted"`
	Transferred  bool   `json:"transferred"`
}

// Registry applies the linking protocol against the accounts/channels tables.
type Registry struct {
	DB           *sql.DB
	TrialCredits int
}

func New(database *sql.DB, trialCredits int) *Registry {
	return &Registry{DB: database, TrialCredits: trialCredits}
}

// CompleteLinking finishes a consent flow. Four cases, decided under row
// locks in one transaction:
//
//  1. Unknown channel: create it under the requester. If the requester has
//     never onboarded a channel, grant the trial allowance once.
//  2. Channel already owned by the requester: credential refresh only.
//  3. Channel owned by another account and the requester is on Free: the
//     channel moves and brings its entitlements along. The prior owner is
//     reset to an empty Free account; credits are moved, never duplicated.
//  4. Channel owned by another account and the requester is on a paid plan:
//     the channel moves but both accounts keep their own entitlements.
//
// In every case the requester ends connected with the channel active, and
// the fresh credential is stored.
func (r *Registry) CompleteLinking(ctx context.Context, req LinkRequest) (LinkResult, error) {
	res := LinkResult{ChannelID: req.ChannelID, Title: req.Title}
	if req.AccountID == "" || req.ChannelID == "" {
		return res, fmt.Errorf("account and channel are required")
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin linking tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the requester first, then the channel, then the prior owner.
	// Consistent ordering by role keeps concurrent links from deadlocking.
	var requesterOnboarded bool
	var requesterPlan string
	err = tx.QueryRowContext(ctx,
		`SELECT onboarded, plan FROM accounts WHERE id=$1 FOR UPDATE`, req.AccountID).
		Scan(&requesterOnboarded, &requesterPlan)
	if err == sql.ErrNoRows {
		return res, fmt.Errorf("account %s not found", req.AccountID)
	}
	if err != nil {
		return res, fmt.Errorf("lock requester account: %w", err)
	}

	var priorOwnerID string
	err = tx.QueryRowContext(ctx,
		`SELECT account_id FROM channels WHERE youtube_channel_id=$1 FOR UPDATE`, req.ChannelID).
		Scan(&priorOwnerID)
	switch {
	case err == sql.ErrNoRows:
		if err := r.linkNewChannel(ctx, tx, req, requesterOnboarded, &res); err != nil {
			return res, err
		}
	case err != nil:
		return res, fmt.Errorf("lock channel row: %w", err)
	case priorOwnerID == req.AccountID:
		// Relink of an owned channel: the credential refresh below is all
		// that is needed.
		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET title=$2, disconnected=FALSE, updated_at=NOW() WHERE youtube_channel_id=$1`,
			req.ChannelID, req.Title); err != nil {
			return res, fmt.Errorf("refresh channel row: %w", err)
		}
	default:
		if err := r.transferChannel(ctx, tx, req, priorOwnerID, requesterPlan, &res); err != nil {
			return res, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET connected=TRUE, active_channel_id=$2, onboarded=TRUE, updated_at=NOW() WHERE id=$1`,
		req.AccountID, req.ChannelID); err != nil {
		return res, fmt.Errorf("activate channel on requester: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit linking: %w", err)
	}

	// The channel row exists now; store the credential through the
	// encrypting helper.
	if err := db.UpsertChannelCredential(ctx, r.DB, req.ChannelID, req.RefreshToken, req.AccessToken, req.TokenExpiry); err != nil {
		return res, fmt.Errorf("store channel credential: %w", err)
	}

	slog.Info("channel linked",
		slog.String("account_id", req.AccountID),
		slog.String("channel_id", req.ChannelID),
		slog.Bool("trial_granted", res.TrialGranted),
		slog.Bool("transferred", res.Transferred),
		slog.String("component", "channel_registry"))
	return res, nil
}

// linkNewChannel handles the first sighting of a channel. The trial is an
// account-lifetime grant: once onboarded, relinking or linking a different
// channel never re-grants it.
func (r *Registry) linkNewChannel(ctx context.Context, tx *sql.Tx, req LinkRequest, alreadyOnboarded bool, res *LinkResult) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channels (youtube_channel_id, account_id, title) VALUES ($1,$2,$3)`,
		req.ChannelID, req.AccountID, req.Title); err != nil {
		return fmt.Errorf("create channel row: %w", err)
	}
	if !alreadyOnboarded && r.TrialCredits > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET replies_limit = replies_limit + $2 WHERE id=$1`,
			req.AccountID, r.TrialCredits); err != nil {
			return fmt.Errorf("grant trial credits: %w", err)
		}
		res.TrialGranted = true
	}
	return nil
}

// transferChannel moves a channel between accounts. Synced videos and
// comments follow the channel so history stays attached to its owner.
func (r *Registry) transferChannel(ctx context.Context, tx *sql.Tx, req LinkRequest, priorOwnerID, requesterPlan string, res *LinkResult) error {
	var priorPlan, priorSubRef sql.NullString
	var priorUsed, priorLimit int
	err := tx.QueryRowContext(ctx,
		`SELECT plan, replies_used, replies_limit, subscription_ref FROM accounts WHERE id=$1 FOR UPDATE`,
		priorOwnerID).Scan(&priorPlan, &priorUsed, &priorLimit, &priorSubRef)
	if err != nil {
		return fmt.Errorf("lock prior owner: %w", err)
	}

	if requesterPlan == "Free" {
		// Entitlements travel with the channel. The total of used and limit
		// across the two accounts is unchanged by the move.
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET plan=$2, replies_used=$3, replies_limit=$4, subscription_ref=$5, updated_at=NOW() WHERE id=$1`,
			req.AccountID, priorPlan.String, priorUsed, priorLimit, priorSubRef); err != nil {
			return fmt.Errorf("move entitlements to requester: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET plan='Free', replies_used=0, replies_limit=0, subscription_ref=NULL,
			 active_channel_id=NULL, connected=FALSE, updated_at=NOW() WHERE id=$1`,
			priorOwnerID); err != nil {
			return fmt.Errorf("reset prior owner: %w", err)
		}
	} else {
		// Paid requester keeps its own subscription; the prior owner only
		// loses the channel.
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET active_channel_id=NULL, connected=FALSE, updated_at=NOW()
			 WHERE id=$1 AND active_channel_id=$2`,
			priorOwnerID, req.ChannelID); err != nil {
			return fmt.Errorf("detach prior owner: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET account_id=$2, title=$3, disconnected=FALSE, updated_at=NOW() WHERE youtube_channel_id=$1`,
		req.ChannelID, req.AccountID, req.Title); err != nil {
		return fmt.Errorf("re-own channel: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE videos SET account_id=$2 WHERE channel_id=$1`, req.ChannelID, req.AccountID); err != nil {
		return fmt.Errorf("re-point videos: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE comments SET account_id=$2 WHERE channel_id=$1`, req.ChannelID, req.AccountID); err != nil {
		return fmt.Errorf("re-point comments: %w", err)
	}
	res.Transferred = true
	return nil
}

// Disconnect detaches the account's active channel. The credential row keeps
// its encrypted token but is flagged so the worker refuses to use it.
func (r *Registry) Disconnect(ctx context.Context, accountID string) error {
	var channelID sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT active_channel_id FROM accounts WHERE id=$1`, accountID).Scan(&channelID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return fmt.Errorf("read account %s: %w", accountID, err)
	}
	if channelID.Valid && channelID.String != "" {
		if err := db.MarkChannelDisconnected(ctx, r.DB, channelID.String); err != nil {
			return fmt.Errorf("disconnect channel %s: %w", channelID.String, err)
		}
	}
	if _, err := r.DB.ExecContext(ctx,
		`UPDATE accounts SET connected=FALSE, updated_at=NOW() WHERE id=$1`, accountID); err != nil {
		return fmt.Errorf("mark account disconnected: %w", err)
	}
	slog.Info("channel disconnected",
		slog.String("account_id", accountID),
		slog.String("channel_id", channelID.String),
		slog.String("component", "channel_registry"))
	return nil
}
