package session

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/atmx/updown-engine/internal/model"
)

// OutcomeSource resolves the outcome of a session that has no admin
// prediction. The value is opaque to the engine.
type OutcomeSource interface {
	Draw(ctx context.Context, s *model.Session) (model.Outcome, error)
}

// RandomSource draws UP or DOWN with equal probability.
type RandomSource struct{}

func (RandomSource) Draw(_ context.Context, _ *model.Session) (model.Outcome, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("session: draw outcome: %w", err)
	}
	if b[0]&1 == 0 {
		return model.Up, nil
	}
	return model.Down, nil
}

// FixedSource always resolves to the same outcome.
type FixedSource model.Outcome

func (f FixedSource) Draw(_ context.Context, _ *model.Session) (model.Outcome, error) {
	return model.Outcome(f), nil
}
