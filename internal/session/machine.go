// Package session owns the session lifecycle: ACTIVE → PREDICTED → COMPLETED,
// or ACTIVE → COMPLETED. Status only moves forward, and the move to
// COMPLETED is a single conditional update that exactly one caller can win.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

var (
	ErrNotDue           = errors.New("session: window has not closed")
	ErrNoCurrentSession = errors.New("session: no open session for the current window")
	ErrAlreadyCompleted = errors.New("session: already completed")
	ErrInvalidOutcome   = errors.New("session: outcome must be UP or DOWN")

	// ErrRaceLost means another caller completed the session first.
	ErrRaceLost = store.ErrRaceLost
)

// Store is the subset of store.Store the state machine needs.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetSessionUncached(ctx context.Context, id string) (*model.Session, error)
	GetOpenSession(ctx context.Context, id string) (*model.Session, error)
	PredictSession(ctx context.Context, id string, outcome model.Outcome) error
	CompleteSession(ctx context.Context, id string, expected model.SessionStatus, predicted *model.Outcome, outcome model.Outcome, at time.Time) error
}

// Machine drives session state transitions.
type Machine struct {
	store  Store
	width  time.Duration
	source OutcomeSource
	logger *slog.Logger
}

// NewMachine creates a state machine over windows of the given width.
func NewMachine(s Store, width time.Duration, source OutcomeSource, logger *slog.Logger) (*Machine, error) {
	if err := ValidateWidth(width); err != nil {
		return nil, err
	}
	if source == nil {
		source = RandomSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  s,
		width:  width,
		source: source,
		logger: logger.With("component", "session"),
	}, nil
}

// Width returns the window width.
func (m *Machine) Width() time.Duration { return m.width }

// Open ensures the session for now's window exists, creating it as ACTIVE.
// It reports whether this call created it.
func (m *Machine) Open(ctx context.Context, now time.Time) (*model.Session, bool, error) {
	start := BucketStart(now, m.width)
	sess := &model.Session{
		ID:        FormatID(start),
		StartTime: start,
		EndTime:   start.Add(m.width),
		Status:    model.SessionActive,
		CreatedAt: now.UTC(),
	}

	err := m.store.CreateSession(ctx, sess)
	if errors.Is(err, store.ErrAlreadyExists) {
		existing, err := m.store.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open session %s: %w", sess.ID, err)
	}

	metrics.SessionsOpened.Inc()
	m.logger.Info("session opened", "session_id", sess.ID, "end_time", sess.EndTime)
	return sess, true, nil
}

// Current returns the open session for now's window. It never creates one.
func (m *Machine) Current(ctx context.Context, now time.Time) (*model.Session, error) {
	id := IDFor(now, m.width)
	sess, err := m.store.GetOpenSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoCurrentSession, id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Predict records an admin-chosen outcome. It is rejected once the session
// is COMPLETED; before that the latest prediction wins.
func (m *Machine) Predict(ctx context.Context, id string, outcome model.Outcome) (*model.Session, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if _, err := ParseID(id); err != nil {
		return nil, err
	}

	err := m.store.PredictSession(ctx, id, outcome)
	if errors.Is(err, store.ErrRaceLost) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("session predicted", "session_id", id, "outcome", outcome)
	return m.store.GetSession(ctx, id)
}

// Complete moves a due session to COMPLETED and returns the outcome it
// resolved to. The outcome is the stored prediction if any, else a draw.
//
// ErrRaceLost means another caller already completed it; the caller must
// not apply any settlement effects for this session.
func (m *Machine) Complete(ctx context.Context, s *model.Session, now time.Time) (model.Outcome, error) {
	if s.Status == model.SessionCompleted {
		return "", fmt.Errorf("%w: %s", ErrAlreadyCompleted, s.ID)
	}
	if !s.Due(now) {
		return "", fmt.Errorf("%w: %s ends at %s", ErrNotDue, s.ID, s.EndTime.Format(time.RFC3339))
	}

	// A prediction may land between our read and our update. The update
	// matches both status and prediction, so it fails; one fresh read picks
	// up the new prediction.
	current := s
	for attempt := 0; attempt < 2; attempt++ {
		outcome, source, err := m.resolve(ctx, current)
		if err != nil {
			return "", err
		}

		err = m.store.CompleteSession(ctx, current.ID, current.Status, current.PredictedResult, outcome, now.UTC())
		if err == nil {
			metrics.SessionsCompleted.WithLabelValues(source).Inc()
			m.logger.Info("session completed",
				"session_id", current.ID,
				"outcome", outcome,
				"source", source,
			)
			return outcome, nil
		}
		if !errors.Is(err, store.ErrRaceLost) {
			return "", err
		}

		fresh, err := m.store.GetSessionUncached(ctx, current.ID)
		if err != nil {
			return "", err
		}
		if fresh.Status == model.SessionCompleted ||
			(fresh.Status == current.Status && model.SameOutcome(fresh.PredictedResult, current.PredictedResult)) {
			break
		}
		current = fresh
	}

	metrics.RaceLost.WithLabelValues("session").Inc()
	return "", fmt.Errorf("complete session %s: %w", s.ID, ErrRaceLost)
}

func (m *Machine) resolve(ctx context.Context, s *model.Session) (model.Outcome, string, error) {
	if s.PredictedResult != nil {
		return *s.PredictedResult, "predicted", nil
	}
	outcome, err := m.source.Draw(ctx, s)
	if err != nil {
		return "", "", err
	}
	if !outcome.Valid() {
		return "", "", fmt.Errorf("%w: source returned %q", ErrInvalidOutcome, outcome)
	}
	return outcome, "drawn", nil
}
