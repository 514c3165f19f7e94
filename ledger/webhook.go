package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/replyflow/telemetry"
)

// Billing webhook entry points. Providers redeliver webhooks, so every entry
// point dedupes on the provider's event id via the billing_events table
// before mutating the ledger. A duplicate delivery is a successful no-op.

// Event kinds recorded in billing_events.
const (
	EventRenewal    = "renewal"
	EventTopUp      = "top_up"
	EventPlanChange = "plan_change"
)

// OnRenewal handles a subscription renewal webhook. Returns true when the
// event was applied, false when it was a duplicate delivery.
func (l *Ledger) OnRenewal(ctx context.Context, eventID, accountID string) (bool, error) {
	fresh, err := l.recordEvent(ctx, eventID, EventRenewal, accountID)
	if err != nil || !fresh {
		return false, err
	}
	return true, l.ApplyRenewal(ctx, accountID)
}

// OnTopUp handles a top-up purchase webhook.
func (l *Ledger) OnTopUp(ctx context.Context, eventID, accountID string, credits int) (bool, error) {
	if credits <= 0 {
		credits = TopUpCredits
	}
	fresh, err := l.recordEvent(ctx, eventID, EventTopUp, accountID)
	if err != nil || !fresh {
		return false, err
	}
	return true, l.ApplyTopUp(ctx, accountID, credits)
}

// OnPlanChange handles a subscription created/updated webhook. limit <= 0
// falls back to the plan's catalogue allowance.
func (l *Ledger) OnPlanChange(ctx context.Context, eventID, accountID, plan string, limit int, subscriptionRef string) (bool, error) {
	fresh, err := l.recordEvent(ctx, eventID, EventPlanChange, accountID)
	if err != nil || !fresh {
		return false, err
	}
	return true, l.ApplyPlanChange(ctx, accountID, plan, limit, subscriptionRef)
}

// recordEvent claims the event id. The primary key on billing_events makes
// the claim race-safe across concurrent deliveries of the same event.
func (l *Ledger) recordEvent(ctx context.Context, eventID, kind, accountID string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("billing event id is required")
	}
	res, err := l.DB.ExecContext(ctx,
		`INSERT INTO billing_events (event_id, kind, account_id) VALUES ($1,$2,$3)
		 ON CONFLICT (event_id) DO NOTHING`, eventID, kind, accountID)
	if err != nil {
		return false, fmt.Errorf("record billing event %s: %w", eventID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record billing event %s: %w", eventID, err)
	}
	if rows == 0 {
		if telemetry.WebhooksDeduped != nil {
			telemetry.WebhooksDeduped.Inc()
		}
		slog.Info("duplicate billing event skipped",
			slog.String("event_id", eventID),
			slog.String("kind", kind),
			slog.String("component", "ledger"))
		return false, nil
	}
	return true, nil
}
