package payout

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(DefaultRatio)
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	return c
}

func TestNewCalculator_RejectsNonPositiveRatio(t *testing.T) {
	for _, r := range []string{"0", "-0.5"} {
		if _, err := NewCalculator(d(r)); !errors.Is(err, ErrInvalidRatio) {
			t.Errorf("ratio %s: expected ErrInvalidRatio, got %v", r, err)
		}
	}
}

func TestSettle_WinUpUp(t *testing.T) {
	c := newCalc(t)
	s, err := c.Settle(model.Up, d("1000000"), model.Up)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Result != model.ResultWin {
		t.Errorf("expected win, got %s", s.Result)
	}
	if !s.Profit.Equal(d("900000")) {
		t.Errorf("expected profit=900000, got %s", s.Profit)
	}
	if !s.Credit().Equal(d("1900000")) {
		t.Errorf("expected credit=1900000, got %s", s.Credit())
	}
}

func TestSettle_LoseUpDown(t *testing.T) {
	c := newCalc(t)
	s, err := c.Settle(model.Up, d("1000000"), model.Down)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Result != model.ResultLose {
		t.Errorf("expected lose, got %s", s.Result)
	}
	if !s.Profit.Equal(d("-1000000")) {
		t.Errorf("expected profit=-1000000, got %s", s.Profit)
	}
	if !s.Credit().IsZero() {
		t.Errorf("losing trade must credit nothing, got %s", s.Credit())
	}
}

func TestSettle_AllCombinations(t *testing.T) {
	c := newCalc(t)
	tests := []struct {
		direction model.Direction
		outcome   model.Outcome
		want      model.TradeResult
	}{
		{model.Up, model.Up, model.ResultWin},
		{model.Up, model.Down, model.ResultLose},
		{model.Down, model.Down, model.ResultWin},
		{model.Down, model.Up, model.ResultLose},
	}
	for _, tt := range tests {
		s, err := c.Settle(tt.direction, d("10"), tt.outcome)
		if err != nil {
			t.Fatalf("%s/%s: %v", tt.direction, tt.outcome, err)
		}
		if s.Result != tt.want {
			t.Errorf("%s/%s: expected %s, got %s", tt.direction, tt.outcome, tt.want, s.Result)
		}
	}
}

func TestSettle_RoundsProfit(t *testing.T) {
	c, _ := NewCalculator(d("0.333333333333"))
	s, err := c.Settle(model.Down, d("1"), model.Down)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Profit.Equal(d("0.33333333")) {
		t.Errorf("expected profit rounded to 8dp, got %s", s.Profit)
	}
}

func TestSettle_Deterministic(t *testing.T) {
	c := newCalc(t)
	first, _ := c.Settle(model.Down, d("123.45"), model.Down)
	for i := 0; i < 10; i++ {
		again, _ := c.Settle(model.Down, d("123.45"), model.Down)
		if again.Result != first.Result || !again.Profit.Equal(first.Profit) {
			t.Fatalf("settlement not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestSettle_InvalidInput(t *testing.T) {
	c := newCalc(t)
	if _, err := c.Settle("SIDEWAYS", d("1"), model.Up); !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("expected ErrInvalidDirection, got %v", err)
	}
	if _, err := c.Settle(model.Up, d("1"), ""); !errors.Is(err, ErrInvalidDirection) {
		t.Errorf("expected ErrInvalidDirection for empty outcome, got %v", err)
	}
	if _, err := c.Settle(model.Up, decimal.Zero, model.Up); !errors.Is(err, ErrInvalidStake) {
		t.Errorf("expected ErrInvalidStake, got %v", err)
	}
}
