// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a binary bet and, for sessions, the resolved outcome.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// Valid reports whether d is UP or DOWN.
func (d Direction) Valid() bool {
	return d == Up || d == Down
}

// Outcome is the direction a session resolved to.
type Outcome = Direction

// SameOutcome reports whether a and b are both unset or hold the same value.
func SameOutcome(a, b *Outcome) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SessionStatus is the lifecycle state of a session. It only advances.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionPredicted SessionStatus = "PREDICTED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// Open reports whether trades may still be placed against a session in this status.
func (s SessionStatus) Open() bool {
	return s == SessionActive || s == SessionPredicted
}

// Session is one fixed-width betting round covering [StartTime, EndTime).
type Session struct {
	ID              string          `json:"id" db:"id"` // S-YYYYMMDD-HHMM
	StartTime       time.Time       `json:"start_time" db:"start_time"`
	EndTime         time.Time       `json:"end_time" db:"end_time"`
	Status          SessionStatus   `json:"status" db:"status"`
	PredictedResult *Outcome        `json:"predicted_result,omitempty" db:"predicted_result"`
	ActualResult    *Outcome        `json:"actual_result,omitempty" db:"actual_result"`
	TotalTrades     int             `json:"total_trades" db:"total_trades"`
	TotalWins       int             `json:"total_wins" db:"total_wins"`
	TotalLosses     int             `json:"total_losses" db:"total_losses"`
	TotalWinAmount  decimal.Decimal `json:"total_win_amount" db:"total_win_amount"`
	TotalLossAmount decimal.Decimal `json:"total_loss_amount" db:"total_loss_amount"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Due reports whether the session window has closed at now.
func (s *Session) Due(now time.Time) bool {
	return !now.Before(s.EndTime)
}

// TradeStatus tracks whether a trade has been settled.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
)

// TradeResult is the settled result of a trade.
type TradeResult string

const (
	ResultWin  TradeResult = "win"
	ResultLose TradeResult = "lose"
)

// Trade is a user's directional bet against one session.
// Result and Profit stay nil until the trade is completed.
type Trade struct {
	ID        string           `json:"id" db:"id"`
	UserID    string           `json:"user_id" db:"user_id"`
	SessionID string           `json:"session_id" db:"session_id"`
	Direction Direction        `json:"direction" db:"direction"`
	Stake     decimal.Decimal  `json:"stake" db:"stake"`
	Status    TradeStatus      `json:"status" db:"status"`
	Result    *TradeResult     `json:"result,omitempty" db:"result"`
	Profit    *decimal.Decimal `json:"profit,omitempty" db:"profit"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	SettledAt *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}

// Balance is a user's funds split into spendable and committed parts.
// Both fields are non-negative after every committed mutation.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// Total returns available + frozen.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

// User is the owner of a balance. Version is bumped on every balance write
// and used for optimistic compare-and-set.
type User struct {
	ID        string    `json:"id" db:"id"`
	Balance   Balance   `json:"balance" db:"balance"`
	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// LegacyBalance is set when the stored balance is still a bare number.
	LegacyBalance bool `json:"-"`
}

// WithdrawalStatus is the state of a withdrawal request. approved and
// rejected are terminal.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// BankDetails is the payout destination of a withdrawal.
type BankDetails struct {
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
}

// Withdrawal is a request to move funds out of the venue. The amount leaves
// Available when the request is created, not when it is approved.
type Withdrawal struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"`
	Bank        BankDetails      `json:"bank" db:"bank"`
	Status      WithdrawalStatus `json:"status" db:"status"`
	Note        string           `json:"note,omitempty" db:"note"`
	ProcessedBy string           `json:"processed_by,omitempty" db:"processed_by"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty" db:"processed_at"`
}

// SessionSummary is the read model emitted once a session has been settled.
type SessionSummary struct {
	SessionID       string          `json:"session_id"`
	Outcome         Outcome         `json:"outcome"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	CompletedAt     time.Time       `json:"completed_at"`
	TradesSettled   int             `json:"trades_settled"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	TotalWinAmount  decimal.Decimal `json:"total_win_amount"`
	TotalLossAmount decimal.Decimal `json:"total_loss_amount"`
}
