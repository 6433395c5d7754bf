package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/limits"
	"github.com/atmx/updown-engine/internal/session"
	"github.com/atmx/updown-engine/internal/store"
	"github.com/atmx/updown-engine/internal/withdrawal"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", ledger.ErrInsufficientFunds), http.StatusUnprocessableEntity},
		{limits.ErrSessionExposureExceeded, http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", withdrawal.ErrAlreadyProcessed), http.StatusConflict},
		{session.ErrAlreadyCompleted, http.StatusConflict},
		{store.ErrNotFound, http.StatusNotFound},
		{session.ErrNoCurrentSession, http.StatusNotFound},
		{session.ErrInvalidOutcome, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{ledger.ErrBalanceInvariantViolation, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestFail_HidesInvariantDetails(t *testing.T) {
	s := NewService(Deps{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)

	s.fail(w, r, fmt.Errorf("%w: available -5", ledger.ErrBalanceInvariantViolation))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "-5") {
		t.Errorf("balance leaked in response: %s", w.Body.String())
	}
}
