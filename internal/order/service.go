// Package order accepts directional bets against an open session.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/limits"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/session"
	"github.com/atmx/updown-engine/internal/store"
)

var (
	ErrInvalidSession   = errors.New("order: session is not open for trading")
	ErrInvalidDirection = errors.New("order: direction must be UP or DOWN")
	ErrMissingUser      = errors.New("order: user_id is required")
)

// Store is the subset of store.Store order placement needs.
type Store interface {
	PlaceTrade(ctx context.Context, req store.PlaceTradeRequest) error
}

// CurrentSession resolves the session open at a given time.
type CurrentSession interface {
	Current(ctx context.Context, now time.Time) (*model.Session, error)
}

// Service places orders.
type Service struct {
	store   Store
	current CurrentSession
	limiter *limits.StakeLimiter
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates an order service. A nil limiter accepts any positive stake.
func NewService(s Store, current CurrentSession, limiter *limits.StakeLimiter, logger *slog.Logger) *Service {
	if limiter == nil {
		limiter = &limits.StakeLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		current: current,
		limiter: limiter,
		now:     time.Now,
		logger:  logger.With("component", "order"),
	}
}

// WithClock replaces the time source used to pick and validate sessions.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PlaceOrder reserves stake from the user's available funds and records a
// pending trade. An empty sessionID targets the current window's session.
func (s *Service) PlaceOrder(ctx context.Context, userID, sessionID string, direction model.Direction, stake decimal.Decimal) (*model.Trade, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	if stake.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: stake %s", ledger.ErrInvalidAmount, stake)
	}
	if err := s.limiter.Check(stake, decimal.Zero); err != nil {
		metrics.OrderRejections.WithLabelValues("limit").Inc()
		return nil, err
	}

	now := s.now().UTC()
	if sessionID == "" {
		sess, err := s.current.Current(ctx, now)
		if errors.Is(err, session.ErrNoCurrentSession) {
			metrics.OrderRejections.WithLabelValues("session").Inc()
			return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
	} else if _, err := session.ParseID(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	trade := &model.Trade{
		ID:        uuid.New().String(),
		UserID:    userID,
		SessionID: sessionID,
		Direction: direction,
		Stake:     stake,
		Status:    model.TradePending,
		CreatedAt: now,
	}

	err := s.store.PlaceTrade(ctx, store.PlaceTradeRequest{
		Trade:   trade,
		Reserve: ledger.Reserve(stake),
		Guard: func(existing decimal.Decimal) error {
			return s.limiter.Check(stake, existing)
		},
		Now: now,
	})
	switch {
	case errors.Is(err, store.ErrInvalidSession):
		metrics.OrderRejections.WithLabelValues("session").Inc()
		return nil, fmt.Errorf("%w: %s", ErrInvalidSession, sessionID)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		metrics.OrderRejections.WithLabelValues("funds").Inc()
		return nil, err
	case errors.Is(err, limits.ErrSessionExposureExceeded):
		metrics.OrderRejections.WithLabelValues("limit").Inc()
		return nil, err
	case err != nil:
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(direction)).Inc()
	s.logger.Info("order placed",
		"trade_id", trade.ID,
		"user_id", userID,
		"session_id", sessionID,
		"direction", direction,
		"stake", stake.String(),
	)
	return trade, nil
}
