package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Status changes are single UPDATE ... WHERE status = expected statements;
// RowsAffected() == 0 means another caller won. Balance rows are only
// locked (FOR UPDATE) inside the short transaction that changes them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `id, start_time, end_time, status, predicted_result, actual_result,
	total_trades, total_wins, total_losses,
	total_win_amount::TEXT, total_loss_amount::TEXT,
	created_at, completed_at`

const tradeColumns = `id, user_id, session_id, direction, stake::TEXT, status,
	result, profit::TEXT, created_at, settled_at`

const withdrawalColumns = `id, user_id, amount::TEXT, bank_name, account_name, account_number,
	status, note, processed_by, created_at, processed_at`

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, start_time, end_time, status, predicted_result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.StartTime, sess.EndTime, string(sess.Status),
		outcomeText(sess.PredictedResult), sess.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s: %w", sess.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSessionUncached(ctx context.Context, id string) (*model.Session, error) {
	return s.GetSession(ctx, id)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) GetOpenSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE id = $1 AND status IN ('ACTIVE', 'PREDICTED')`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get open session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) ListDueSessions(ctx context.Context, now time.Time) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE end_time <= $1 AND status <> 'COMPLETED'
		 ORDER BY start_time`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *PostgresStore) ListUnsettledSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE sessions.status = 'COMPLETED'
		   AND EXISTS (SELECT 1 FROM trades
		               WHERE trades.session_id = sessions.id AND trades.status = 'pending')
		 ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unsettled sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *PostgresStore) PredictSession(ctx context.Context, id string, outcome model.Outcome) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET predicted_result = $2, status = 'PREDICTED'
		 WHERE id = $1 AND status IN ('ACTIVE', 'PREDICTED')`,
		id, string(outcome))
	if err != nil {
		return fmt.Errorf("postgres: predict session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireExists(ctx, "sessions", id); err != nil {
			return err
		}
		return fmt.Errorf("predict session %s: %w", id, ErrRaceLost)
	}
	return nil
}

func (s *PostgresStore) CompleteSession(ctx context.Context, id string, expected model.SessionStatus, predicted *model.Outcome, outcome model.Outcome, at time.Time) error {
	var prediction *string
	if predicted != nil {
		p := string(*predicted)
		prediction = &p
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = 'COMPLETED', actual_result = $3, completed_at = $4
		 WHERE id = $1 AND status = $2 AND status <> 'COMPLETED'
		   AND predicted_result IS NOT DISTINCT FROM $5::text`,
		id, string(expected), string(outcome), at, prediction)
	if err != nil {
		return fmt.Errorf("postgres: complete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireExists(ctx, "sessions", id); err != nil {
			return err
		}
		return fmt.Errorf("complete session %s: %w", id, ErrRaceLost)
	}
	return nil
}

// --- Trades ---

func (s *PostgresStore) PlaceTrade(ctx context.Context, req PlaceTradeRequest) error {
	t := req.Trade
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// FOR SHARE makes CompleteSession wait for in-flight placements, and
		// a placement that queued behind a completion sees COMPLETED.
		var status string
		var endTime time.Time
		err := tx.QueryRow(ctx,
			`SELECT status, end_time FROM sessions WHERE id = $1 FOR SHARE`, t.SessionID).
			Scan(&status, &endTime)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", t.SessionID, ErrInvalidSession)
		}
		if err != nil {
			return fmt.Errorf("postgres: lock session %s: %w", t.SessionID, err)
		}
		if !model.SessionStatus(status).Open() || !req.Now.Before(endTime) {
			return fmt.Errorf("session %s is %s: %w", t.SessionID, status, ErrInvalidSession)
		}

		current, err := lockBalance(ctx, tx, t.UserID)
		if err != nil {
			return err
		}

		if req.Guard != nil {
			var existingS string
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(SUM(stake), 0)::TEXT FROM trades WHERE user_id = $1 AND session_id = $2`,
				t.UserID, t.SessionID).Scan(&existingS); err != nil {
				return fmt.Errorf("postgres: session stake for %s: %w", t.UserID, err)
			}
			existing, err := decimal.NewFromString(existingS)
			if err != nil {
				return fmt.Errorf("postgres: parse session stake: %w", err)
			}
			if err := req.Guard(existing); err != nil {
				return err
			}
		}

		next, err := req.Reserve(current)
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, t.UserID, next); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, session_id, direction, stake, status, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, 'pending', $6)`,
			t.ID, t.UserID, t.SessionID, string(t.Direction), t.Stake.String(), t.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s: %w", t.ID, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListPendingTrades(ctx context.Context, sessionID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE session_id = $1 AND status = 'pending' ORDER BY created_at, id`, sessionID)
}

func (s *PostgresStore) ListTradesBySession(ctx context.Context, sessionID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
}

func (s *PostgresStore) queryTrades(ctx context.Context, query string, arg string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SettleTrade(ctx context.Context, st TradeSettlement, apply Mutation) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var userID, sessionID, stakeS string
		err := tx.QueryRow(ctx,
			`UPDATE trades SET status = 'completed', result = $2, profit = $3::NUMERIC, settled_at = $4
			 WHERE id = $1 AND status = 'pending'
			 RETURNING user_id, session_id, stake::TEXT`,
			st.TradeID, string(st.Result), st.Profit.String(), st.SettledAt).
			Scan(&userID, &sessionID, &stakeS)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("settle trade %s: %w", st.TradeID, ErrRaceLost)
		}
		if err != nil {
			return fmt.Errorf("postgres: settle trade %s: %w", st.TradeID, err)
		}
		stake, err := decimal.NewFromString(stakeS)
		if err != nil {
			return fmt.Errorf("postgres: parse stake of trade %s: %w", st.TradeID, err)
		}

		current, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		next, err := apply(current)
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, userID, next); err != nil {
			return err
		}

		winAmount, lossAmount := decimal.Zero, decimal.Zero
		if st.Result == model.ResultWin {
			winAmount = st.Profit
		} else {
			lossAmount = stake
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET
			     total_trades = total_trades + 1,
			     total_wins = total_wins + CASE WHEN $2 = 'win' THEN 1 ELSE 0 END,
			     total_losses = total_losses + CASE WHEN $2 = 'lose' THEN 1 ELSE 0 END,
			     total_win_amount = total_win_amount + $3::NUMERIC,
			     total_loss_amount = total_loss_amount + $4::NUMERIC
			 WHERE id = $1`,
			sessionID, string(st.Result), winAmount.String(), lossAmount.String())
		if err != nil {
			return fmt.Errorf("postgres: update session counters %s: %w", sessionID, err)
		}
		return nil
	})
}

// --- Users & balances ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	raw, err := model.EncodeBalance(u.Balance)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, balance, version, created_at, updated_at)
		 VALUES ($1, $2::JSONB, 0, $3, $3)`,
		u.ID, string(raw), u.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance::TEXT, version, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &raw, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user %s: %w", id, err)
	}

	u.Balance, u.LegacyBalance, err = model.DecodeBalance([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) CompareAndSwapBalance(ctx context.Context, id string, expected int64, b model.Balance) error {
	raw, err := model.EncodeBalance(b)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET balance = $3::JSONB, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND version = $2`,
		id, expected, string(raw))
	if err != nil {
		return fmt.Errorf("postgres: update balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireExists(ctx, "users", id); err != nil {
			return err
		}
		return fmt.Errorf("user %s expected version %d: %w", id, expected, ErrVersionConflict)
	}
	return nil
}

func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (model.Balance, error) {
	var raw string
	err := tx.QueryRow(ctx, `SELECT balance::TEXT FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Balance{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.Balance{}, fmt.Errorf("postgres: lock balance %s: %w", userID, err)
	}
	b, _, err := model.DecodeBalance([]byte(raw))
	if err != nil {
		return model.Balance{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return b, nil
}

func writeBalance(ctx context.Context, tx pgx.Tx, userID string, b model.Balance) error {
	raw, err := model.EncodeBalance(b)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = $2::JSONB, version = version + 1, updated_at = NOW() WHERE id = $1`,
		userID, string(raw)); err != nil {
		return fmt.Errorf("postgres: write balance %s: %w", userID, err)
	}
	return nil
}

// --- Withdrawals ---

func (s *PostgresStore) CreateWithdrawal(ctx context.Context, w *model.Withdrawal, deduct Mutation) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := lockBalance(ctx, tx, w.UserID)
		if err != nil {
			return err
		}
		next, err := deduct(current)
		if err != nil {
			return err
		}
		if err := writeBalance(ctx, tx, w.UserID, next); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO withdrawals (id, user_id, amount, bank_name, account_name, account_number, status, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, 'pending', $7)`,
			w.ID, w.UserID, w.Amount.String(),
			w.Bank.BankName, w.Bank.AccountName, w.Bank.AccountNumber,
			w.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("withdrawal %s: %w", w.ID, ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("postgres: insert withdrawal %s: %w", w.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get withdrawal %s: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) ResolveWithdrawal(ctx context.Context, r WithdrawalResolution, refund Mutation) (*model.Withdrawal, error) {
	var resolved *model.Withdrawal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE withdrawals SET status = $2, processed_by = $3, note = $4, processed_at = $5
			 WHERE id = $1 AND status = 'pending'
			 RETURNING `+withdrawalColumns,
			r.ID, string(r.Status), r.ProcessedBy, r.Note, r.At)
		w, err := scanWithdrawal(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM withdrawals WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
				return fmt.Errorf("postgres: check withdrawal %s: %w", r.ID, err)
			}
			if !exists {
				return fmt.Errorf("withdrawal %s: %w", r.ID, ErrNotFound)
			}
			return fmt.Errorf("withdrawal %s: %w", r.ID, ErrAlreadyProcessed)
		}
		if err != nil {
			return fmt.Errorf("postgres: resolve withdrawal %s: %w", r.ID, err)
		}

		if refund != nil {
			current, err := lockBalance(ctx, tx, w.UserID)
			if err != nil {
				return err
			}
			next, err := refund(current)
			if err != nil {
				return err
			}
			if err := writeBalance(ctx, tx, w.UserID, next); err != nil {
				return err
			}
		}
		resolved = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// --- helpers ---

func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// requireExists maps a missing row to ErrNotFound. table is a constant.
func (s *PostgresStore) requireExists(ctx context.Context, table, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check %s %s: %w", table, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func outcomeText(o *model.Outcome) *string {
	if o == nil {
		return nil
	}
	v := string(*o)
	return &v
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	rowScanner
	Next() bool
	Err() error
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var status string
	var predicted, actual *string
	var winS, lossS string

	if err := row.Scan(&sess.ID, &sess.StartTime, &sess.EndTime, &status, &predicted, &actual,
		&sess.TotalTrades, &sess.TotalWins, &sess.TotalLosses,
		&winS, &lossS,
		&sess.CreatedAt, &sess.CompletedAt); err != nil {
		return nil, err
	}

	sess.Status = model.SessionStatus(status)
	if predicted != nil {
		o := model.Outcome(*predicted)
		sess.PredictedResult = &o
	}
	if actual != nil {
		o := model.Outcome(*actual)
		sess.ActualResult = &o
	}

	var err error
	if sess.TotalWinAmount, err = decimal.NewFromString(winS); err != nil {
		return nil, fmt.Errorf("session %s win amount: %w", sess.ID, err)
	}
	if sess.TotalLossAmount, err = decimal.NewFromString(lossS); err != nil {
		return nil, fmt.Errorf("session %s loss amount: %w", sess.ID, err)
	}
	return &sess, nil
}

func scanSessions(rows pgxRows) ([]model.Session, error) {
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var direction, status, stakeS string
	var result, profitS *string

	if err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &direction, &stakeS, &status,
		&result, &profitS, &t.CreatedAt, &t.SettledAt); err != nil {
		return nil, err
	}

	t.Direction = model.Direction(direction)
	t.Status = model.TradeStatus(status)

	var err error
	if t.Stake, err = decimal.NewFromString(stakeS); err != nil {
		return nil, fmt.Errorf("trade %s stake: %w", t.ID, err)
	}
	if result != nil {
		r := model.TradeResult(*result)
		t.Result = &r
	}
	if profitS != nil {
		p, err := decimal.NewFromString(*profitS)
		if err != nil {
			return nil, fmt.Errorf("trade %s profit: %w", t.ID, err)
		}
		t.Profit = &p
	}
	return &t, nil
}

func scanWithdrawal(row rowScanner) (*model.Withdrawal, error) {
	var w model.Withdrawal
	var amountS, status string

	if err := row.Scan(&w.ID, &w.UserID, &amountS,
		&w.Bank.BankName, &w.Bank.AccountName, &w.Bank.AccountNumber,
		&status, &w.Note, &w.ProcessedBy, &w.CreatedAt, &w.ProcessedAt); err != nil {
		return nil, err
	}

	w.Status = model.WithdrawalStatus(status)
	amount, err := decimal.NewFromString(amountS)
	if err != nil {
		return nil, fmt.Errorf("withdrawal %s amount: %w", w.ID, err)
	}
	w.Amount = amount
	return &w, nil
}
