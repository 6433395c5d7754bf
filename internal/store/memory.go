package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

// userRecord keeps the balance as its stored document so legacy values
// round-trip through model.DecodeBalance exactly as they do in Postgres.
type userRecord struct {
	id        string
	balance   []byte
	version   int64
	createdAt time.Time
	updatedAt time.Time
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Every compound operation runs under one lock, which gives the same
// observable conditional-update semantics as the Postgres store.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*model.Session
	trades      map[string]*model.Trade
	users       map[string]*userRecord
	withdrawals map[string]*model.Withdrawal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*model.Session),
		trades:      make(map[string]*model.Trade),
		users:       make(map[string]*userRecord),
		withdrawals: make(map[string]*model.Withdrawal),
	}
}

// --- Sessions ---

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, ErrAlreadyExists)
	}

	// Store a copy to avoid external mutation.
	copy := *sess
	s.sessions[sess.ID] = &copy
	return nil
}

func (s *MemoryStore) GetSessionUncached(ctx context.Context, id string) (*model.Session, error) {
	return s.GetSession(ctx, id)
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	copy := *sess
	return &copy, nil
}

func (s *MemoryStore) GetOpenSession(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.Status.Open() {
		return nil, fmt.Errorf("open session %s: %w", id, ErrNotFound)
	}
	copy := *sess
	return &copy, nil
}

func (s *MemoryStore) ListDueSessions(_ context.Context, now time.Time) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.Session
	for _, sess := range s.sessions {
		if sess.Status != model.SessionCompleted && sess.Due(now) {
			due = append(due, *sess)
		}
	}
	sortSessions(due)
	return due, nil
}

func (s *MemoryStore) ListUnsettledSessions(_ context.Context) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make(map[string]bool)
	for _, t := range s.trades {
		if t.Status == model.TradePending {
			pending[t.SessionID] = true
		}
	}

	var result []model.Session
	for id := range pending {
		if sess, ok := s.sessions[id]; ok && sess.Status == model.SessionCompleted {
			result = append(result, *sess)
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *MemoryStore) PredictSession(_ context.Context, id string, outcome model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if !sess.Status.Open() {
		return fmt.Errorf("predict session %s: %w", id, ErrRaceLost)
	}
	o := outcome
	sess.PredictedResult = &o
	sess.Status = model.SessionPredicted
	return nil
}

func (s *MemoryStore) CompleteSession(_ context.Context, id string, expected model.SessionStatus, predicted *model.Outcome, outcome model.Outcome, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if sess.Status != expected || sess.Status == model.SessionCompleted ||
		!model.SameOutcome(sess.PredictedResult, predicted) {
		return fmt.Errorf("complete session %s: %w", id, ErrRaceLost)
	}
	o := outcome
	completedAt := at
	sess.ActualResult = &o
	sess.Status = model.SessionCompleted
	sess.CompletedAt = &completedAt
	return nil
}

// --- Trades ---

func (s *MemoryStore) PlaceTrade(_ context.Context, req PlaceTradeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := req.Trade
	sess, ok := s.sessions[t.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", t.SessionID, ErrInvalidSession)
	}
	if !sess.Status.Open() || sess.Due(req.Now) {
		return fmt.Errorf("session %s is %s: %w", t.SessionID, sess.Status, ErrInvalidSession)
	}
	if _, ok := s.trades[t.ID]; ok {
		return fmt.Errorf("trade %s: %w", t.ID, ErrAlreadyExists)
	}

	if req.Guard != nil {
		existing := decimal.Zero
		for _, other := range s.trades {
			if other.UserID == t.UserID && other.SessionID == t.SessionID {
				existing = existing.Add(other.Stake)
			}
		}
		if err := req.Guard(existing); err != nil {
			return err
		}
	}

	rec, next, err := s.mutateLocked(t.UserID, req.Reserve)
	if err != nil {
		return err
	}

	s.commitBalanceLocked(rec, next, req.Now)
	copy := *t
	copy.Status = model.TradePending
	copy.Result = nil
	copy.Profit = nil
	s.trades[t.ID] = &copy
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListPendingTrades(_ context.Context, sessionID string) ([]model.Trade, error) {
	return s.listTrades(func(t *model.Trade) bool {
		return t.SessionID == sessionID && t.Status == model.TradePending
	}, false), nil
}

func (s *MemoryStore) ListTradesBySession(_ context.Context, sessionID string) ([]model.Trade, error) {
	return s.listTrades(func(t *model.Trade) bool {
		return t.SessionID == sessionID
	}, false), nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	return s.listTrades(func(t *model.Trade) bool {
		return t.UserID == userID
	}, true), nil
}

func (s *MemoryStore) listTrades(match func(*model.Trade) bool, newestFirst bool) []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if match(t) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		if newestFirst {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *MemoryStore) SettleTrade(_ context.Context, st TradeSettlement, apply Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[st.TradeID]
	if !ok {
		return fmt.Errorf("trade %s: %w", st.TradeID, ErrNotFound)
	}
	if t.Status != model.TradePending {
		return fmt.Errorf("settle trade %s: %w", st.TradeID, ErrRaceLost)
	}
	sess, ok := s.sessions[t.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", t.SessionID, ErrNotFound)
	}

	// Everything that can fail runs before the first write.
	rec, next, err := s.mutateLocked(t.UserID, apply)
	if err != nil {
		return err
	}

	s.commitBalanceLocked(rec, next, st.SettledAt)

	result := st.Result
	profit := st.Profit
	settledAt := st.SettledAt
	t.Status = model.TradeCompleted
	t.Result = &result
	t.Profit = &profit
	t.SettledAt = &settledAt

	sess.TotalTrades++
	if result == model.ResultWin {
		sess.TotalWins++
		sess.TotalWinAmount = sess.TotalWinAmount.Add(profit)
	} else {
		sess.TotalLosses++
		sess.TotalLossAmount = sess.TotalLossAmount.Add(t.Stake)
	}
	return nil
}

// --- Users & balances ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	raw, err := model.EncodeBalance(u.Balance)
	if err != nil {
		return err
	}
	return s.putUser(u.ID, raw, u.CreatedAt)
}

// PutRawUser stores a user whose balance document is raw, as written by
// older deployments (for example a bare number).
func (s *MemoryStore) PutRawUser(id string, raw []byte, createdAt time.Time) error {
	return s.putUser(id, append([]byte(nil), raw...), createdAt)
}

func (s *MemoryStore) putUser(id string, raw []byte, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; ok {
		return fmt.Errorf("user %s: %w", id, ErrAlreadyExists)
	}
	s.users[id] = &userRecord{
		id:        id,
		balance:   raw,
		createdAt: createdAt,
		updatedAt: createdAt,
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return rec.user()
}

func (s *MemoryStore) CompareAndSwapBalance(_ context.Context, id string, expected int64, b model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if rec.version != expected {
		return fmt.Errorf("user %s at version %d, expected %d: %w", id, rec.version, expected, ErrVersionConflict)
	}
	s.commitBalanceLocked(rec, b, time.Now().UTC())
	return nil
}

// mutateLocked computes the user's next balance without writing it.
func (s *MemoryStore) mutateLocked(userID string, m Mutation) (*userRecord, model.Balance, error) {
	rec, ok := s.users[userID]
	if !ok {
		return nil, model.Balance{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	current, _, err := model.DecodeBalance(rec.balance)
	if err != nil {
		return nil, model.Balance{}, fmt.Errorf("user %s: %w", userID, err)
	}
	next, err := m(current)
	if err != nil {
		return nil, model.Balance{}, err
	}
	return rec, next, nil
}

func (s *MemoryStore) commitBalanceLocked(rec *userRecord, b model.Balance, at time.Time) {
	// EncodeBalance cannot fail for decimal fields.
	raw, _ := model.EncodeBalance(b)
	rec.balance = raw
	rec.version++
	rec.updatedAt = at
}

func (r *userRecord) user() (*model.User, error) {
	b, legacy, err := model.DecodeBalance(r.balance)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", r.id, err)
	}
	return &model.User{
		ID:            r.id,
		Balance:       b,
		Version:       r.version,
		CreatedAt:     r.createdAt,
		UpdatedAt:     r.updatedAt,
		LegacyBalance: legacy,
	}, nil
}

// --- Withdrawals ---

func (s *MemoryStore) CreateWithdrawal(_ context.Context, w *model.Withdrawal, deduct Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.withdrawals[w.ID]; ok {
		return fmt.Errorf("withdrawal %s: %w", w.ID, ErrAlreadyExists)
	}
	rec, next, err := s.mutateLocked(w.UserID, deduct)
	if err != nil {
		return err
	}

	s.commitBalanceLocked(rec, next, w.CreatedAt)
	copy := *w
	copy.Status = model.WithdrawalPending
	s.withdrawals[w.ID] = &copy
	return nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id string) (*model.Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ResolveWithdrawal(_ context.Context, r WithdrawalResolution, refund Mutation) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[r.ID]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", r.ID, ErrNotFound)
	}
	if w.Status != model.WithdrawalPending {
		return nil, fmt.Errorf("withdrawal %s is %s: %w", r.ID, w.Status, ErrAlreadyProcessed)
	}

	if refund != nil {
		rec, next, err := s.mutateLocked(w.UserID, refund)
		if err != nil {
			return nil, err
		}
		s.commitBalanceLocked(rec, next, r.At)
	}

	at := r.At
	w.Status = r.Status
	w.ProcessedBy = r.ProcessedBy
	w.Note = r.Note
	w.ProcessedAt = &at

	copy := *w
	return &copy, nil
}

func sortSessions(sessions []model.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
}
