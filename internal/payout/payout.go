// Package payout implements the fixed-odds settlement rule for binary
// up/down sessions.
//
// A trade wins when its direction equals the session outcome. A winning trade
// returns its stake plus a net profit of stake × ratio; a losing trade forfeits
// the whole stake. The calculator is stateless and has no side effects: the
// same inputs always produce the same settlement.
//
// All monetary values use shopspring/decimal, never float64.
package payout

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

var (
	// ErrInvalidRatio is returned when the payout ratio is not positive.
	ErrInvalidRatio = errors.New("payout: ratio must be positive")

	// ErrInvalidStake is returned when the stake is not positive.
	ErrInvalidStake = errors.New("payout: stake must be positive")

	// ErrInvalidDirection is returned for a direction or outcome other than UP/DOWN.
	ErrInvalidDirection = errors.New("payout: direction must be UP or DOWN")

	// DefaultRatio is the net profit paid per unit of stake on a win.
	DefaultRatio = decimal.RequireFromString("0.9")

	// AmountScale is the number of decimal places profit is rounded to.
	AmountScale int32 = 8
)

// Settlement is the result of settling one trade.
type Settlement struct {
	Result model.TradeResult
	Stake  decimal.Decimal
	// Profit is signed: +stake×ratio on win, -stake on lose.
	Profit decimal.Decimal
}

// Credit returns the amount returned to available funds: stake + profit on
// a win, zero on a loss.
func (s Settlement) Credit() decimal.Decimal {
	if s.Result != model.ResultWin {
		return decimal.Zero
	}
	return s.Stake.Add(s.Profit)
}

// Calculator applies the payout rule with a configured ratio.
type Calculator struct {
	ratio decimal.Decimal
}

// NewCalculator creates a calculator paying ratio × stake as net profit on a win.
func NewCalculator(ratio decimal.Decimal) (*Calculator, error) {
	if ratio.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidRatio
	}
	return &Calculator{ratio: ratio}, nil
}

// Ratio returns the configured payout ratio.
func (c *Calculator) Ratio() decimal.Decimal {
	return c.ratio
}

// Settle computes the result and signed profit of a trade.
//
//	result = win  iff direction == outcome
//	profit = +round(stake × ratio)  on win
//	profit = -stake                 on lose
func (c *Calculator) Settle(direction model.Direction, stake decimal.Decimal, outcome model.Outcome) (Settlement, error) {
	if !direction.Valid() || !outcome.Valid() {
		return Settlement{}, fmt.Errorf("%w: direction=%q outcome=%q", ErrInvalidDirection, direction, outcome)
	}
	if stake.LessThanOrEqual(decimal.Zero) {
		return Settlement{}, fmt.Errorf("%w: %s", ErrInvalidStake, stake)
	}

	if direction == outcome {
		return Settlement{
			Result: model.ResultWin,
			Stake:  stake,
			Profit: stake.Mul(c.ratio).Round(AmountScale),
		}, nil
	}
	return Settlement{
		Result: model.ResultLose,
		Stake:  stake,
		Profit: stake.Neg(),
	}, nil
}
