// Package ledger is the only writer of user balances.
//
// Each balance change is a pure Mutation over model.Balance. A mutation
// computes the new balance and then checks the post-condition that both
// available and frozen are non-negative. A violation rejects the write with
// ErrBalanceInvariantViolation; values are never clamped.
//
// Mutations are handed to the store, which applies them inside whatever unit
// of work owns the surrounding state change (trade settlement, order
// placement, withdrawal). Standalone changes go through Ledger.Apply, which
// uses optimistic compare-and-set on the user version.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when available funds cannot cover an amount.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvalidAmount is returned for a non-positive amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrBalanceInvariantViolation is returned when a mutation would leave
	// available or frozen negative.
	ErrBalanceInvariantViolation = errors.New("ledger: balance invariant violation")
)

// Reserve moves amount from available to frozen when a trade is placed.
func Reserve(amount decimal.Decimal) store.Mutation {
	return func(b model.Balance) (model.Balance, error) {
		if err := positive(amount); err != nil {
			return b, err
		}
		if b.Available.LessThan(amount) {
			return b, fmt.Errorf("%w: available=%s amount=%s", ErrInsufficientFunds, b.Available, amount)
		}
		return check(model.Balance{
			Available: b.Available.Sub(amount),
			Frozen:    b.Frozen.Add(amount),
		})
	}
}

// SettleWin releases the stake from frozen and credits stake + profit to available.
func SettleWin(stake, profit decimal.Decimal) store.Mutation {
	return func(b model.Balance) (model.Balance, error) {
		if err := positive(stake); err != nil {
			return b, err
		}
		if profit.IsNegative() {
			return b, fmt.Errorf("%w: profit=%s", ErrInvalidAmount, profit)
		}
		return check(model.Balance{
			Available: b.Available.Add(stake).Add(profit),
			Frozen:    b.Frozen.Sub(stake),
		})
	}
}

// SettleLose releases the stake from frozen; available is unchanged.
func SettleLose(stake decimal.Decimal) store.Mutation {
	return func(b model.Balance) (model.Balance, error) {
		if err := positive(stake); err != nil {
			return b, err
		}
		return check(model.Balance{
			Available: b.Available,
			Frozen:    b.Frozen.Sub(stake),
		})
	}
}

// Withdraw deducts amount from available when a withdrawal is requested.
func Withdraw(amount decimal.Decimal) store.Mutation {
	return func(b model.Balance) (model.Balance, error) {
		if err := positive(amount); err != nil {
			return b, err
		}
		if b.Available.LessThan(amount) {
			return b, fmt.Errorf("%w: available=%s amount=%s", ErrInsufficientFunds, b.Available, amount)
		}
		return check(model.Balance{
			Available: b.Available.Sub(amount),
			Frozen:    b.Frozen,
		})
	}
}

// Refund credits amount back to available when a withdrawal is rejected.
func Refund(amount decimal.Decimal) store.Mutation {
	return func(b model.Balance) (model.Balance, error) {
		if err := positive(amount); err != nil {
			return b, err
		}
		return check(model.Balance{
			Available: b.Available.Add(amount),
			Frozen:    b.Frozen,
		})
	}
}

// Identity returns the balance unchanged. Writing it back persists a legacy
// balance in the structured form.
func Identity() store.Mutation {
	return func(b model.Balance) (model.Balance, error) {
		return check(b)
	}
}

// Check verifies the balance post-condition.
func Check(b model.Balance) error {
	_, err := check(b)
	return err
}

func check(b model.Balance) (model.Balance, error) {
	if b.Available.IsNegative() || b.Frozen.IsNegative() {
		metrics.InvariantViolations.Inc()
		return b, fmt.Errorf("%w: available=%s frozen=%s", ErrBalanceInvariantViolation, b.Available, b.Frozen)
	}
	return b, nil
}

func positive(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}
