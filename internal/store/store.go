// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every state transition that concurrent callers can race on is a
// conditional update: session status, trade status, withdrawal status and
// the user balance version. Losing such a race yields ErrRaceLost or
// ErrVersionConflict, never a silent overwrite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrAlreadyExists    = errors.New("store: already exists")
	ErrRaceLost         = errors.New("store: conditional update matched no row")
	ErrVersionConflict  = errors.New("store: balance version conflict")
	ErrInvalidSession   = errors.New("store: session is not open for trading")
	ErrAlreadyProcessed = errors.New("store: withdrawal already processed")
)

// Mutation transforms a user's balance. It returns an error to veto the
// write; the store then rolls back everything in the same unit of work.
type Mutation func(model.Balance) (model.Balance, error)

// StakeGuard inspects the stake a user already has in a session before a new
// trade is accepted. It runs inside the placement unit of work.
type StakeGuard func(existing decimal.Decimal) error

// PlaceTradeRequest is one atomic order placement.
type PlaceTradeRequest struct {
	Trade   *model.Trade
	Reserve Mutation
	Guard   StakeGuard // optional
	Now     time.Time
}

// TradeSettlement is the outcome applied to one pending trade.
type TradeSettlement struct {
	TradeID   string
	SessionID string
	UserID    string
	Result    model.TradeResult
	Stake     decimal.Decimal
	Profit    decimal.Decimal
	SettledAt time.Time
}

// WithdrawalResolution moves a pending withdrawal to a terminal status.
type WithdrawalResolution struct {
	ID          string
	Status      model.WithdrawalStatus
	ProcessedBy string
	Note        string
	At          time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Sessions ---

	// CreateSession persists a new session. Returns ErrAlreadyExists when the
	// bucket already has one.
	CreateSession(ctx context.Context, s *model.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// GetSessionUncached reads the session from the source of truth, never
	// from a cache. Paths that act on session status use it.
	GetSessionUncached(ctx context.Context, id string) (*model.Session, error)

	// GetOpenSession retrieves a session by ID only if it is ACTIVE or PREDICTED.
	GetOpenSession(ctx context.Context, id string) (*model.Session, error)

	// ListDueSessions returns sessions with EndTime <= now that are not COMPLETED.
	ListDueSessions(ctx context.Context, now time.Time) ([]model.Session, error)

	// ListUnsettledSessions returns COMPLETED sessions that still own pending trades.
	ListUnsettledSessions(ctx context.Context) ([]model.Session, error)

	// PredictSession records an admin outcome on a non-completed session and
	// moves it to PREDICTED. Returns ErrRaceLost if it is already COMPLETED.
	PredictSession(ctx context.Context, id string, outcome model.Outcome) error

	// CompleteSession is the exclusivity gate: it sets the outcome and flips
	// status to COMPLETED only if the stored status still equals expected
	// and the stored prediction still equals predicted (nil for none).
	// Exactly one caller can succeed; the rest get ErrRaceLost.
	CompleteSession(ctx context.Context, id string, expected model.SessionStatus, predicted *model.Outcome, outcome model.Outcome, at time.Time) error

	// --- Trades ---

	// PlaceTrade verifies the session is open at req.Now, runs the guard,
	// reserves funds and inserts the pending trade, atomically.
	PlaceTrade(ctx context.Context, req PlaceTradeRequest) error

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListPendingTrades returns the pending trades of a session.
	ListPendingTrades(ctx context.Context, sessionID string) ([]model.Trade, error)

	// ListTradesBySession returns all trades of a session.
	ListTradesBySession(ctx context.Context, sessionID string) ([]model.Trade, error)

	// ListTradesByUser returns all trades of a user, newest first.
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// SettleTrade flips the trade pending→completed, applies the balance
	// mutation to its owner and accumulates session counters as one unit.
	// Returns ErrRaceLost if the trade is no longer pending.
	SettleTrade(ctx context.Context, s TradeSettlement, apply Mutation) error

	// --- Users & balances ---

	// CreateUser persists a new user with a structured balance.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user; legacy balances are decoded to the structured form.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// CompareAndSwapBalance writes b if the stored version equals expected,
	// bumping the version. Returns ErrVersionConflict otherwise.
	CompareAndSwapBalance(ctx context.Context, id string, expected int64, b model.Balance) error

	// --- Withdrawals ---

	// CreateWithdrawal applies the deduction and inserts the pending request atomically.
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal, deduct Mutation) error

	// GetWithdrawal retrieves a withdrawal by ID.
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)

	// ResolveWithdrawal moves a pending withdrawal to r.Status and, when
	// refund is non-nil, applies it in the same unit of work. Returns
	// ErrAlreadyProcessed if the withdrawal is not pending.
	ResolveWithdrawal(ctx context.Context, r WithdrawalResolution, refund Mutation) (*model.Withdrawal, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
