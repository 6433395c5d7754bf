package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/updown-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Conditional updates always go to the primary. The cache only ever serves
// snapshots, so a stale entry can cost a retry but never a double write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheJSON(ctx, sessionKey(sess.ID), sess)
	return nil
}

func (s *CachedStore) PredictSession(ctx context.Context, id string, outcome model.Outcome) error {
	err := s.primary.PredictSession(ctx, id, outcome)
	s.rdb.Del(ctx, sessionKey(id))
	return err
}

func (s *CachedStore) CompleteSession(ctx context.Context, id string, expected model.SessionStatus, predicted *model.Outcome, outcome model.Outcome, at time.Time) error {
	err := s.primary.CompleteSession(ctx, id, expected, predicted, outcome, at)
	// Invalidate on failure too: a lost race means our copy is stale.
	s.rdb.Del(ctx, sessionKey(id))
	return err
}

func (s *CachedStore) PlaceTrade(ctx context.Context, req PlaceTradeRequest) error {
	if err := s.primary.PlaceTrade(ctx, req); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(req.Trade.UserID))
	return nil
}

func (s *CachedStore) SettleTrade(ctx context.Context, st TradeSettlement, apply Mutation) error {
	err := s.primary.SettleTrade(ctx, st, apply)
	s.rdb.Del(ctx, userKey(st.UserID), sessionKey(st.SessionID))
	return err
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(u.ID))
	return nil
}

func (s *CachedStore) CompareAndSwapBalance(ctx context.Context, id string, expected int64, b model.Balance) error {
	err := s.primary.CompareAndSwapBalance(ctx, id, expected, b)
	if err == nil || errors.Is(err, ErrVersionConflict) {
		// On conflict the cached version is what made the caller lose;
		// drop it so the retry reads the primary.
		s.rdb.Del(ctx, userKey(id))
	}
	return err
}

func (s *CachedStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal, deduct Mutation) error {
	if err := s.primary.CreateWithdrawal(ctx, w, deduct); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(w.UserID))
	return nil
}

func (s *CachedStore) ResolveWithdrawal(ctx context.Context, r WithdrawalResolution, refund Mutation) (*model.Withdrawal, error) {
	w, err := s.primary.ResolveWithdrawal(ctx, r, refund)
	if err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, userKey(w.UserID))
	return w, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == nil {
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}

	sess, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, sessionKey(id), sess)
	return sess, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	// Legacy rows are not cached so the legacy flag survives until normalized.
	if !u.LegacyBalance {
		s.cacheJSON(ctx, userKey(id), u)
	}
	return u, nil
}

// --- Passthrough (not cached) ---

// GetSessionUncached skips Redis: a reader that loaded a session just before
// a write invalidated it can put the old copy back for up to the TTL.
func (s *CachedStore) GetSessionUncached(ctx context.Context, id string) (*model.Session, error) {
	return s.primary.GetSessionUncached(ctx, id)
}

func (s *CachedStore) GetOpenSession(ctx context.Context, id string) (*model.Session, error) {
	return s.primary.GetOpenSession(ctx, id)
}

func (s *CachedStore) ListDueSessions(ctx context.Context, now time.Time) ([]model.Session, error) {
	return s.primary.ListDueSessions(ctx, now)
}

func (s *CachedStore) ListUnsettledSessions(ctx context.Context) ([]model.Session, error) {
	return s.primary.ListUnsettledSessions(ctx)
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) ListPendingTrades(ctx context.Context, sessionID string) ([]model.Trade, error) {
	return s.primary.ListPendingTrades(ctx, sessionID)
}

func (s *CachedStore) ListTradesBySession(ctx context.Context, sessionID string) ([]model.Trade, error) {
	return s.primary.ListTradesBySession(ctx, sessionID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.primary.GetWithdrawal(ctx, id)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }
func userKey(id string) string    { return fmt.Sprintf("user:%s", id) }
