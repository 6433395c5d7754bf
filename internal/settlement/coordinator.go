// Package settlement runs the settlement pass: complete every due session,
// then settle every pending trade of every completed session.
//
// ProcessDueSessions is safe to call from any number of goroutines and
// processes at once. Exclusivity comes from the store's conditional
// updates: one caller wins each session transition and one caller wins each
// trade flip. A caller that dies half way leaves pending trades behind, and
// the next pass picks them up.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/payout"
	"github.com/atmx/updown-engine/internal/session"
	"github.com/atmx/updown-engine/internal/store"
)

// DefaultConcurrency is the number of sessions processed in parallel.
const DefaultConcurrency = 4

// Store is the subset of store.Store the coordinator needs.
type Store interface {
	GetSessionUncached(ctx context.Context, id string) (*model.Session, error)
	ListDueSessions(ctx context.Context, now time.Time) ([]model.Session, error)
	ListUnsettledSessions(ctx context.Context) ([]model.Session, error)
	ListPendingTrades(ctx context.Context, sessionID string) ([]model.Trade, error)
	SettleTrade(ctx context.Context, s store.TradeSettlement, apply store.Mutation) error
}

// Notifier is told about session lifecycle events. Errors are logged and
// never fail settlement.
type Notifier interface {
	SessionOpened(ctx context.Context, s model.Session) error
	SessionSettled(ctx context.Context, summary model.SessionSummary) error
}

// Journal durably records settled sessions. Errors are logged and never
// fail settlement.
type Journal interface {
	Name() string
	Record(ctx context.Context, summary model.SessionSummary) error
}

// Config controls a Coordinator.
type Config struct {
	// AutoOpen creates the session for the current window on every pass.
	AutoOpen bool

	// Concurrency bounds the sessions processed in parallel.
	Concurrency int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Transition is a session this caller moved to COMPLETED.
type Transition struct {
	SessionID string        `json:"session_id"`
	Outcome   model.Outcome `json:"outcome"`
}

// TradeFailure is a trade that could not be settled in this pass. The trade
// is still pending and the next pass retries it.
type TradeFailure struct {
	SessionID string
	TradeID   string
	UserID    string
	Err       error
}

func (f TradeFailure) Error() string {
	return fmt.Sprintf("settle trade %s (session %s, user %s): %v", f.TradeID, f.SessionID, f.UserID, f.Err)
}

func (f TradeFailure) Unwrap() error { return f.Err }

// SessionFailure is a due session that could not be completed in this pass.
type SessionFailure struct {
	SessionID string
	Err       error
}

func (f SessionFailure) Error() string {
	return fmt.Sprintf("complete session %s: %v", f.SessionID, f.Err)
}

func (f SessionFailure) Unwrap() error { return f.Err }

// Report is the result of one pass.
type Report struct {
	// Opened is set when this pass created the current window's session.
	Opened *model.Session

	// Transitioned lists the sessions this caller completed. Sessions
	// completed by someone else never appear here.
	Transitioned []Transition

	// Settled counts trades whose flip this caller won.
	Settled int

	// Summaries lists sessions this caller finished settling.
	Summaries []model.SessionSummary

	Failures        []TradeFailure
	SessionFailures []SessionFailure
}

// Coordinator drives settlement passes.
type Coordinator struct {
	store     Store
	machine   *session.Machine
	calc      *payout.Calculator
	notifiers []Notifier
	journals  []Journal
	cfg       Config
	logger    *slog.Logger
}

// New creates a coordinator.
func New(s Store, machine *session.Machine, calc *payout.Calculator, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   s,
		machine: machine,
		calc:    calc,
		cfg:     cfg,
		logger:  logger.With("component", "settlement"),
	}
}

// Now returns the coordinator's clock.
func (c *Coordinator) Now() time.Time { return c.cfg.Now() }

// AddNotifier registers a lifecycle listener.
func (c *Coordinator) AddNotifier(n Notifier) {
	c.notifiers = append(c.notifiers, n)
}

// AddJournal registers a settlement journal.
func (c *Coordinator) AddJournal(j Journal) {
	c.journals = append(c.journals, j)
}

// OpenCurrent creates the session for the current window if it is missing
// and announces it.
func (c *Coordinator) OpenCurrent(ctx context.Context) (*model.Session, bool, error) {
	sess, created, err := c.machine.Open(ctx, c.cfg.Now())
	if err != nil {
		return nil, false, err
	}
	if created {
		for _, n := range c.notifiers {
			if err := n.SessionOpened(ctx, *sess); err != nil {
				c.logger.Warn("session opened notification failed", "session_id", sess.ID, "error", err)
			}
		}
	}
	return sess, created, nil
}

// ProcessDueSessions completes every due session and settles every pending
// trade of completed sessions. Calling it again with nothing due is a no-op.
//
// The returned error is only set when the pass could not run at all (for
// example listing sessions failed or ctx was cancelled). Per-session and
// per-trade problems are reported in Report and retried by the next pass.
func (c *Coordinator) ProcessDueSessions(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() { metrics.SettlementRunDuration.Observe(time.Since(started).Seconds()) }()

	now := c.cfg.Now()
	var report Report

	if c.cfg.AutoOpen {
		sess, created, err := c.OpenCurrent(ctx)
		if err != nil {
			c.logger.Warn("open current session failed", "error", err)
		} else if created {
			report.Opened = sess
		}
	}

	due, err := c.store.ListDueSessions(ctx, now)
	if err != nil {
		return report, fmt.Errorf("list due sessions: %w", err)
	}

	var mu sync.Mutex
	won := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i := range due {
		sess := due[i]
		g.Go(func() error {
			outcome, err := c.machine.Complete(gctx, &sess, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won[sess.ID] = true
				report.Transitioned = append(report.Transitioned, Transition{SessionID: sess.ID, Outcome: outcome})
			case errors.Is(err, session.ErrRaceLost), errors.Is(err, session.ErrAlreadyCompleted):
				c.logger.Debug("session completed by another caller", "session_id", sess.ID)
			default:
				c.logger.Warn("complete session failed", "session_id", sess.ID, "error", err)
				report.SessionFailures = append(report.SessionFailures, SessionFailure{SessionID: sess.ID, Err: err})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	unsettled, err := c.store.ListUnsettledSessions(ctx)
	if err != nil {
		return report, fmt.Errorf("list unsettled sessions: %w", err)
	}

	// Sessions we just completed are settled even when they have no trades,
	// so their summary is still published.
	targets := make(map[string]bool, len(unsettled)+len(won))
	for _, s := range unsettled {
		targets[s.ID] = true
	}
	for id := range won {
		targets[id] = true
	}
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			settled, failures, summary := c.settleSession(gctx, id, won[id])
			mu.Lock()
			defer mu.Unlock()
			report.Settled += settled
			report.Failures = append(report.Failures, failures...)
			if summary != nil {
				report.Summaries = append(report.Summaries, *summary)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if len(report.Transitioned) > 0 || report.Settled > 0 || len(report.Failures) > 0 {
		c.logger.Info("settlement pass complete",
			"transitioned", len(report.Transitioned),
			"settled", report.Settled,
			"failures", len(report.Failures),
			"session_failures", len(report.SessionFailures),
		)
	}
	return report, ctx.Err()
}

// settleSession settles the pending trades of one completed session. It
// returns a summary when this caller left the session with nothing pending
// and did some of the work.
func (c *Coordinator) settleSession(ctx context.Context, id string, transitioned bool) (int, []TradeFailure, *model.SessionSummary) {
	sess, err := c.store.GetSessionUncached(ctx, id)
	if err != nil {
		c.logger.Warn("load session for settlement failed", "session_id", id, "error", err)
		return 0, []TradeFailure{{SessionID: id, Err: err}}, nil
	}
	if sess.Status != model.SessionCompleted || sess.ActualResult == nil {
		err := fmt.Errorf("session %s is %s without an outcome", id, sess.Status)
		c.logger.Error("cannot settle session", "session_id", id, "error", err)
		return 0, []TradeFailure{{SessionID: id, Err: err}}, nil
	}
	outcome := *sess.ActualResult

	trades, err := c.store.ListPendingTrades(ctx, id)
	if err != nil {
		c.logger.Warn("list pending trades failed", "session_id", id, "error", err)
		return 0, []TradeFailure{{SessionID: id, Err: err}}, nil
	}

	settled := 0
	var failures []TradeFailure
	for _, t := range trades {
		if ctx.Err() != nil {
			break
		}
		ok, err := c.settleTrade(ctx, t, outcome)
		if err != nil {
			failures = append(failures, TradeFailure{SessionID: id, TradeID: t.ID, UserID: t.UserID, Err: err})
			continue
		}
		if ok {
			settled++
		}
	}

	if len(failures) > 0 || ctx.Err() != nil || (settled == 0 && !transitioned) {
		return settled, failures, nil
	}

	final, err := c.store.GetSessionUncached(ctx, id)
	if err != nil {
		c.logger.Warn("reload settled session failed", "session_id", id, "error", err)
		return settled, failures, nil
	}
	summary := summarize(final)
	c.publish(ctx, summary)
	return settled, failures, &summary
}

// settleTrade applies the payout rule to one trade. It reports false when
// another caller settled the trade first.
func (c *Coordinator) settleTrade(ctx context.Context, t model.Trade, outcome model.Outcome) (bool, error) {
	result, err := c.calc.Settle(t.Direction, t.Stake, outcome)
	if err != nil {
		metrics.SettlementFailures.Inc()
		c.logger.Warn("trade cannot be priced", "trade_id", t.ID, "session_id", t.SessionID, "error", err)
		return false, err
	}

	mutation := ledger.SettleLose(t.Stake)
	if result.Result == model.ResultWin {
		mutation = ledger.SettleWin(t.Stake, result.Profit)
	}

	err = c.store.SettleTrade(ctx, store.TradeSettlement{
		TradeID:   t.ID,
		SessionID: t.SessionID,
		UserID:    t.UserID,
		Result:    result.Result,
		Stake:     t.Stake,
		Profit:    result.Profit,
		SettledAt: c.cfg.Now().UTC(),
	}, mutation)
	switch {
	case err == nil:
		metrics.TradesSettled.WithLabelValues(string(result.Result)).Inc()
		metrics.PayoutCredited.Add(result.Credit().InexactFloat64())
		return true, nil
	case errors.Is(err, store.ErrRaceLost):
		metrics.RaceLost.WithLabelValues("trade").Inc()
		c.logger.Debug("trade settled by another caller", "trade_id", t.ID)
		return false, nil
	case errors.Is(err, ledger.ErrBalanceInvariantViolation):
		metrics.SettlementFailures.Inc()
		c.logger.Error("settlement would break balance invariant",
			"trade_id", t.ID,
			"session_id", t.SessionID,
			"user_id", t.UserID,
			"stake", t.Stake.String(),
			"error", err,
		)
		return false, err
	default:
		metrics.SettlementFailures.Inc()
		c.logger.Warn("settle trade failed", "trade_id", t.ID, "session_id", t.SessionID, "error", err)
		return false, err
	}
}

func (c *Coordinator) publish(ctx context.Context, summary model.SessionSummary) {
	for _, n := range c.notifiers {
		if err := n.SessionSettled(ctx, summary); err != nil {
			metrics.JournalErrors.WithLabelValues("notifier").Inc()
			c.logger.Warn("settlement notification failed", "session_id", summary.SessionID, "error", err)
		}
	}
	for _, j := range c.journals {
		if err := j.Record(ctx, summary); err != nil {
			metrics.JournalErrors.WithLabelValues(j.Name()).Inc()
			c.logger.Warn("settlement journal failed", "session_id", summary.SessionID, "journal", j.Name(), "error", err)
		}
	}
}

func summarize(s *model.Session) model.SessionSummary {
	summary := model.SessionSummary{
		SessionID:       s.ID,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		TradesSettled:   s.TotalTrades,
		Wins:            s.TotalWins,
		Losses:          s.TotalLosses,
		TotalWinAmount:  s.TotalWinAmount,
		TotalLossAmount: s.TotalLossAmount,
	}
	if s.ActualResult != nil {
		summary.Outcome = *s.ActualResult
	}
	if s.CompletedAt != nil {
		summary.CompletedAt = *s.CompletedAt
	}
	return summary
}
