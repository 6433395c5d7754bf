// Package limits enforces stake limits on new orders.
//
// A user may hold several trades in one session; the limiter caps each
// stake and the user's aggregate stake in the session. A zero limit means
// no limit.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrStakeTooSmall is returned when a stake is below the minimum.
	ErrStakeTooSmall = errors.New("limits: stake below minimum")

	// ErrStakeTooLarge is returned when a single stake exceeds the maximum.
	ErrStakeTooLarge = errors.New("limits: stake above maximum")

	// ErrSessionExposureExceeded is returned when a stake would push the
	// user's total stake in one session beyond the per-session maximum.
	ErrSessionExposureExceeded = errors.New("limits: per-session stake limit exceeded")
)

// StakeLimiter enforces per-order and per-session stake limits.
type StakeLimiter struct {
	// MinStake is the smallest stake accepted for a single order.
	MinStake decimal.Decimal

	// MaxStake is the largest stake accepted for a single order.
	MaxStake decimal.Decimal

	// MaxPerSession is the largest total stake one user may place across
	// all of their trades in one session.
	MaxPerSession decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given limits.
func NewStakeLimiter(minStake, maxStake, maxPerSession decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MinStake:      minStake,
		MaxStake:      maxStake,
		MaxPerSession: maxPerSession,
	}
}

// Check validates a stake against the limits, given the stake the user
// already has in the session.
func (l *StakeLimiter) Check(stake, existingInSession decimal.Decimal) error {
	if l.MinStake.IsPositive() && stake.LessThan(l.MinStake) {
		return fmt.Errorf("%w: %s < %s", ErrStakeTooSmall, stake, l.MinStake)
	}
	if l.MaxStake.IsPositive() && stake.GreaterThan(l.MaxStake) {
		return fmt.Errorf("%w: %s > %s", ErrStakeTooLarge, stake, l.MaxStake)
	}
	if l.MaxPerSession.IsPositive() {
		total := existingInSession.Add(stake)
		if total.GreaterThan(l.MaxPerSession) {
			return fmt.Errorf("%w: %s + %s > %s", ErrSessionExposureExceeded, existingInSession, stake, l.MaxPerSession)
		}
	}
	return nil
}
