// Package ledger implements credit accounting for reply posting: atomic
// charges against a per-account allowance, top-up purchases, plan changes,
// and renewal rollover.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/replyflow/telemetry"
)

// Plan names as carried on accounts.plan.
const (
	PlanFree    = "Free"
	PlanBasic   = "Basic"
	PlanPro     = "Pro"
	PlanProPlus = "Pro+"
)

// Credit allowances per billing cycle. Top-ups are one-time purchases that
// stack on top of the plan base until consumed.
const (
	FreeTrialCredits = 50
	BasicCredits     = 1000
	ProCredits       = 5000
	ProPlusCredits   = 15000
	TopUpCredits     = 500
)

var (
	// ErrInsufficientCredits is returned when a charge would exceed the
	// account's allowance. The caller must not enqueue or post.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrUnknownAccount is returned when the account row does not exist.
	ErrUnknownAccount = errors.New("unknown account")
)

// PlanLimit returns the per-cycle base allowance for a plan name.
// Unknown plans get zero base so rollover math never invents credit.
func PlanLimit(plan string) int {
	switch plan {
	case PlanFree:
		return FreeTrialCredits
	case PlanBasic:
		return BasicCredits
	case PlanPro:
		return ProCredits
	case PlanProPlus:
		return ProPlusCredits
	default:
		return 0
	}
}

// Usage is a point-in-time snapshot of an account's credit position.
type Usage struct {
	AccountID    string `json:"account_id"`
	Plan         string `json:"plan"`
	RepliesUsed  int    `json:"replies_used"`
	RepliesLimit int    `json:"replies_limit"`
	Remaining    int    `json:"remaining"`
}

// Ledger performs credit accounting against the accounts table. All charge
// paths are single conditional UPDATEs so concurrent chargers can never
// drive usage past the limit.
type Ledger struct {
	DB *sql.DB
}

func New(db *sql.DB) *Ledger { return &Ledger{DB: db} }

// CanCharge reports whether the account has at least n credits remaining.
// Advisory only; ChargeUpfront re-checks atomically.
func (l *Ledger) CanCharge(ctx context.Context, accountID string, n int) (bool, error) {
	u, err := l.Usage(ctx, accountID)
	if err != nil {
		return false, err
	}
	return u.Remaining >= n, nil
}

// ChargeUpfront debits n credits, or returns ErrInsufficientCredits without
// changing anything. Credits charged upfront are never refunded, even if the
// work they paid for later fails.
func (l *Ledger) ChargeUpfront(ctx context.Context, accountID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("charge amount must be positive, got %d", n)
	}
	res, err := l.DB.ExecContext(ctx,
		`UPDATE accounts SET replies_used = replies_used + $2, updated_at=NOW()
		 WHERE id=$1 AND replies_used + $2 <= replies_limit`, accountID, n)
	if err != nil {
		return fmt.Errorf("charge account %s: %w", accountID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("charge account %s: %w", accountID, err)
	}
	if rows == 0 {
		if exists, eerr := l.accountExists(ctx, accountID); eerr != nil {
			return eerr
		} else if !exists {
			return ErrUnknownAccount
		}
		if telemetry.ChargesRefused != nil {
			telemetry.ChargesRefused.Inc()
		}
		return ErrInsufficientCredits
	}
	return nil
}

// ChargeOnSuccess debits a single credit after a reply was posted. Used by
// the interactive path where the post happens before the charge; bulk jobs
// are charged upfront instead and must not be charged again.
func (l *Ledger) ChargeOnSuccess(ctx context.Context, accountID string) error {
	return l.ChargeUpfront(ctx, accountID, 1)
}

// ApplyTopUp adds purchased credits to the account's limit. Top-up credit
// does not reset usage and survives until consumed or dropped at renewal.
func (l *Ledger) ApplyTopUp(ctx context.Context, accountID string, credits int) error {
	if credits <= 0 {
		return fmt.Errorf("top-up credits must be positive, got %d", credits)
	}
	res, err := l.DB.ExecContext(ctx,
		`UPDATE accounts SET replies_limit = replies_limit + $2, updated_at=NOW() WHERE id=$1`,
		accountID, credits)
	if err != nil {
		return fmt.Errorf("apply top-up for %s: %w", accountID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUnknownAccount
	}
	slog.Info("top-up applied",
		slog.String("account_id", accountID),
		slog.Int("credits", credits),
		slog.String("component", "ledger"))
	return nil
}

// ApplyPlanChange switches the account to a new plan: usage resets to zero
// and any unconsumed top-up balance is discarded. limit <= 0 means use the
// plan's catalogue allowance; a positive limit overrides it (billing
// providers can carry custom allotments). subscriptionRef records the
// provider's subscription id.
func (l *Ledger) ApplyPlanChange(ctx context.Context, accountID, plan string, limit int, subscriptionRef string) error {
	base := limit
	if base <= 0 {
		base = PlanLimit(plan)
	}
	if base == 0 && plan != PlanFree {
		return fmt.Errorf("unknown plan %q", plan)
	}
	res, err := l.DB.ExecContext(ctx,
		`UPDATE accounts SET plan=$2, replies_limit=$3, replies_used=0,
		 subscription_ref=NULLIF($4,''), updated_at=NOW() WHERE id=$1`,
		accountID, plan, base, subscriptionRef)
	if err != nil {
		return fmt.Errorf("apply plan change for %s: %w", accountID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUnknownAccount
	}
	slog.Info("plan changed",
		slog.String("account_id", accountID),
		slog.String("plan", plan),
		slog.Int("limit", base),
		slog.String("component", "ledger"))
	return nil
}

// ApplyRenewal resets usage for a new billing cycle while carrying over the
// unconsumed portion of any top-up balance. The arithmetic runs inside a
// row-locked transaction:
//
//	base            = plan's cycle allowance
//	topUpOwned      = max(0, limit - base)
//	usageFromTopUp  = max(0, used - base)
//	remainingTopUp  = max(0, topUpOwned - usageFromTopUp)
//	new limit       = base + remainingTopUp, new used = 0
func (l *Ledger) ApplyRenewal(ctx context.Context, accountID string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin renewal tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var plan string
	var used, limit int
	err = tx.QueryRowContext(ctx,
		`SELECT plan, replies_used, replies_limit FROM accounts WHERE id=$1 FOR UPDATE`,
		accountID).Scan(&plan, &used, &limit)
	if err == sql.ErrNoRows {
		return ErrUnknownAccount
	}
	if err != nil {
		return fmt.Errorf("lock account %s for renewal: %w", accountID, err)
	}

	base := PlanLimit(plan)
	topUpOwned := max(0, limit-base)
	usageFromTopUp := max(0, used-base)
	remainingTopUp := max(0, topUpOwned-usageFromTopUp)
	newLimit := base + remainingTopUp

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET replies_used=0, replies_limit=$2, updated_at=NOW() WHERE id=$1`,
		accountID, newLimit); err != nil {
		return fmt.Errorf("apply renewal for %s: %w", accountID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit renewal for %s: %w", accountID, err)
	}
	slog.Info("renewal applied",
		slog.String("account_id", accountID),
		slog.String("plan", plan),
		slog.Int("limit", newLimit),
		slog.Int("carried_top_up", remainingTopUp),
		slog.String("component", "ledger"))
	return nil
}

// Usage reads the current credit position for an account.
func (l *Ledger) Usage(ctx context.Context, accountID string) (Usage, error) {
	var u Usage
	u.AccountID = accountID
	err := l.DB.QueryRowContext(ctx,
		`SELECT plan, replies_used, replies_limit FROM accounts WHERE id=$1`,
		accountID).Scan(&u.Plan, &u.RepliesUsed, &u.RepliesLimit)
	if err == sql.ErrNoRows {
		return u, ErrUnknownAccount
	}
	if err != nil {
		return u, fmt.Errorf("read usage for %s: %w", accountID, err)
	}
	u.Remaining = max(0, u.RepliesLimit-u.RepliesUsed)
	return u, nil
}

func (l *Ledger) accountExists(ctx context.Context, accountID string) (bool, error) {
	var one int
	err := l.DB.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id=$1`, accountID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check account %s: %w", accountID, err)
	}
	return true, nil
}
