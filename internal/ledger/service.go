package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

// DefaultMaxAttempts bounds the compare-and-set retry loop in Apply.
const DefaultMaxAttempts = 5

// BalanceStore is the subset of store.Store the ledger needs.
type BalanceStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	CompareAndSwapBalance(ctx context.Context, id string, expected int64, b model.Balance) error
}

// Ledger applies standalone mutations to one user at a time.
type Ledger struct {
	store       BalanceStore
	maxAttempts int
	logger      *slog.Logger
}

// New creates a ledger. maxAttempts <= 0 uses DefaultMaxAttempts.
func New(s BalanceStore, maxAttempts int, logger *slog.Logger) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, maxAttempts: maxAttempts, logger: logger.With("component", "ledger")}
}

// Apply reads the user's balance, runs m and writes the result if the user
// version is unchanged. A concurrent write causes a re-read and retry.
func (l *Ledger) Apply(ctx context.Context, userID string, m store.Mutation) (model.Balance, error) {
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		u, err := l.store.GetUser(ctx, userID)
		if err != nil {
			return model.Balance{}, err
		}

		next, err := m(u.Balance)
		if err != nil {
			if errors.Is(err, ErrBalanceInvariantViolation) {
				l.logger.Error("balance mutation rejected",
					"user_id", userID,
					"available", u.Balance.Available.String(),
					"frozen", u.Balance.Frozen.String(),
					"error", err,
				)
			}
			return u.Balance, err
		}

		err = l.store.CompareAndSwapBalance(ctx, userID, u.Version, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return u.Balance, err
		}
		l.logger.Debug("balance version conflict, retrying", "user_id", userID, "attempt", attempt)
	}
	return model.Balance{}, fmt.Errorf("user %s: %w after %d attempts", userID, store.ErrVersionConflict, l.maxAttempts)
}

// Balance returns the user's current balance in the structured form. A
// legacy row is rewritten on the way out.
func (l *Ledger) Balance(ctx context.Context, userID string) (model.Balance, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return model.Balance{}, err
	}
	if !u.LegacyBalance {
		return u.Balance, nil
	}
	b, err := l.Apply(ctx, userID, Identity())
	if err != nil {
		// The decoded value is still correct; the rewrite is retried on the next read.
		l.logger.Warn("normalize legacy balance failed", "user_id", userID, "error", err)
		return u.Balance, nil
	}
	l.logger.Info("legacy balance normalized", "user_id", userID)
	return b, nil
}

// Normalize rewrites a legacy balance in the structured form. It is a no-op
// for balances that are already structured.
func (l *Ledger) Normalize(ctx context.Context, userID string) (model.Balance, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return model.Balance{}, err
	}
	if !u.LegacyBalance {
		return u.Balance, nil
	}
	return l.Apply(ctx, userID, Identity())
}
