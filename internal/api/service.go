// Package api provides the HTTP handlers for placing orders, reading
// sessions and balances, triggering settlement and handling withdrawals.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/journal"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/limits"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/order"
	"github.com/atmx/updown-engine/internal/session"
	"github.com/atmx/updown-engine/internal/settlement"
	"github.com/atmx/updown-engine/internal/store"
	"github.com/atmx/updown-engine/internal/withdrawal"
)

// Store is the read side the handlers need.
type Store interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListTradesBySession(ctx context.Context, sessionID string) ([]model.Trade, error)
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)
}

// EventLog serves recently published lifecycle events.
type EventLog interface {
	History(ctx context.Context, count int64) ([]events.Event, error)
}

// SettlementLog replays settled sessions from a local journal.
type SettlementLog interface {
	After(index uint64) ([]journal.Record, error)
}

// Deps wires the domain services into the HTTP layer.
type Deps struct {
	Store       Store
	Machine     *session.Machine
	Coordinator *settlement.Coordinator
	Orders      *order.Service
	Withdrawals *withdrawal.Processor
	Ledger      *ledger.Ledger
	Hub         *WSHub        // optional
	Events      EventLog      // optional
	Settlements SettlementLog // optional
	Logger      *slog.Logger
}

// Service holds the HTTP handlers. It keeps no state of its own, so any
// number of instances may serve the same store.
type Service struct {
	Deps
	logger *slog.Logger
}

// NewService creates the HTTP service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Deps: d, logger: logger.With("component", "api")}
}

// Routes registers the API under r. The caller mounts it at /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.Hub != nil {
		r.Get("/ws", s.Hub.HandleWS)
	}

	r.Post("/orders", s.PlaceOrder)

	r.Get("/sessions/current", s.GetCurrentSession)
	r.Post("/sessions/process", s.ProcessDueSessions)
	r.Get("/sessions/{sessionID}", s.GetSession)
	r.Get("/sessions/{sessionID}/trades", s.GetSessionTrades)

	r.Get("/users/{userID}/balance", s.GetBalance)
	r.Get("/users/{userID}/trades", s.GetUserTrades)

	r.Post("/withdrawals", s.RequestWithdrawal)
	r.Get("/withdrawals/{withdrawalID}", s.GetWithdrawal)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/sessions/open", s.OpenSession)
		r.Post("/sessions/{sessionID}/predict", s.PredictSession)
		r.Post("/withdrawals/{withdrawalID}/resolve", s.ResolveWithdrawal)
		r.Post("/users/{userID}/normalize", s.NormalizeBalance)
		if s.Events != nil {
			r.Get("/events", s.ListEvents)
		}
		if s.Settlements != nil {
			r.Get("/settlements", s.ListSettlements)
		}
	})
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders. SessionID may be empty to
// target the session of the current window.
type OrderRequest struct {
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id,omitempty"`
	Direction model.Direction `json:"direction"`
	Stake     decimal.Decimal `json:"stake"`
}

// PredictRequest is the JSON body for POST /admin/sessions/{id}/predict.
type PredictRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

// WithdrawalRequest is the JSON body for POST /withdrawals.
type WithdrawalRequest struct {
	UserID string            `json:"user_id"`
	Amount decimal.Decimal   `json:"amount"`
	Bank   model.BankDetails `json:"bank"`
}

// ResolveRequest is the JSON body for POST /admin/withdrawals/{id}/resolve.
type ResolveRequest struct {
	Decision withdrawal.Decision `json:"decision"`
	Admin    string              `json:"admin"`
	Note     string              `json:"note,omitempty"`
}

// BalanceResponse is a balance snapshot.
type BalanceResponse struct {
	UserID    string          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Total     decimal.Decimal `json:"total"`
}

// ProcessResponse summarises one settlement pass triggered over HTTP.
type ProcessResponse struct {
	Transitioned []settlement.Transition `json:"transitioned"`
	Settled      int                     `json:"settled"`
	Summaries    []model.SessionSummary  `json:"summaries"`
	Failures     []string                `json:"failures,omitempty"`
}

// --- HTTP Handlers ---

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trade, err := s.Orders.PlaceOrder(r.Context(), req.UserID, req.SessionID, req.Direction, req.Stake)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

// GetCurrentSession handles GET /api/v1/sessions/current
func (s *Service) GetCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Machine.Current(r.Context(), s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetSessionTrades handles GET /api/v1/sessions/{sessionID}/trades
func (s *Service) GetSessionTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.Store.GetSession(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	trades, err := s.Store.ListTradesBySession(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ProcessDueSessions handles POST /api/v1/sessions/process
// Any client may call it; concurrent calls are safe.
func (s *Service) ProcessDueSessions(w http.ResponseWriter, r *http.Request) {
	report, err := s.Coordinator.ProcessDueSessions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := ProcessResponse{
		Transitioned: report.Transitioned,
		Settled:      report.Settled,
		Summaries:    report.Summaries,
	}
	if resp.Transitioned == nil {
		resp.Transitioned = []settlement.Transition{}
	}
	if resp.Summaries == nil {
		resp.Summaries = []model.SessionSummary{}
	}
	for _, f := range report.SessionFailures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// OpenSession handles POST /api/v1/admin/sessions/open
func (s *Service) OpenSession(w http.ResponseWriter, r *http.Request) {
	sess, created, err := s.Coordinator.OpenCurrent(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sess)
}

// PredictSession handles POST /api/v1/admin/sessions/{sessionID}/predict
func (s *Service) PredictSession(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.Machine.Predict(r.Context(), chi.URLParam(r, "sessionID"), req.Outcome)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	b, err := s.Ledger.Balance(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:    userID,
		Available: b.Available,
		Frozen:    b.Frozen,
		Total:     b.Total(),
	})
}

// NormalizeBalance handles POST /api/v1/admin/users/{userID}/normalize
// It rewrites a legacy balance row in the structured form.
func (s *Service) NormalizeBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	b, err := s.Ledger.Normalize(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:    userID,
		Available: b.Available,
		Frozen:    b.Frozen,
		Total:     b.Total(),
	})
}

// ListEvents handles GET /api/v1/admin/events?count=N
// Oldest first. count defaults to 100.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	count := int64(100)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, "count must be a positive integer", http.StatusBadRequest)
			return
		}
		count = n
	}
	evs, err := s.Events.History(r.Context(), count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// ListSettlements handles GET /api/v1/admin/settlements?after=N
func (s *Service) ListSettlements(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, "after must be a WAL index", http.StatusBadRequest)
			return
		}
		after = n
	}
	records, err := s.Settlements.After(after)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetUserTrades handles GET /api/v1/users/{userID}/trades
// Newest first.
func (s *Service) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.Store.ListTradesByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// RequestWithdrawal handles POST /api/v1/withdrawals
func (s *Service) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wd, err := s.Withdrawals.Request(r.Context(), req.UserID, req.Amount, req.Bank)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

// GetWithdrawal handles GET /api/v1/withdrawals/{withdrawalID}
func (s *Service) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.Withdrawals.Get(r.Context(), chi.URLParam(r, "withdrawalID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

// ResolveWithdrawal handles POST /api/v1/admin/withdrawals/{withdrawalID}/resolve
func (s *Service) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Admin == "" {
		writeError(w, "admin is required", http.StatusBadRequest)
		return
	}

	wd, err := s.Withdrawals.Resolve(r.Context(), chi.URLParam(r, "withdrawalID"), req.Decision, req.Admin, req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Service) now() time.Time {
	if s.Coordinator != nil {
		return s.Coordinator.Now()
	}
	return time.Now()
}

// fail maps a domain error to a status code. Invariant violations get a
// generic message so balances are never echoed back.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	case status >= 400:
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, msg, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrBalanceInvariantViolation):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, limits.ErrStakeTooSmall),
		errors.Is(err, limits.ErrStakeTooLarge),
		errors.Is(err, limits.ErrSessionExposureExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, order.ErrInvalidSession),
		errors.Is(err, session.ErrAlreadyCompleted),
		errors.Is(err, withdrawal.ErrAlreadyProcessed),
		errors.Is(err, store.ErrAlreadyProcessed),
		errors.Is(err, store.ErrInvalidSession):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, withdrawal.ErrNotFound),
		errors.Is(err, session.ErrNoCurrentSession):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, order.ErrInvalidDirection),
		errors.Is(err, order.ErrMissingUser),
		errors.Is(err, session.ErrInvalidID),
		errors.Is(err, session.ErrInvalidOutcome),
		errors.Is(err, withdrawal.ErrInvalidBankDetails),
		errors.Is(err, withdrawal.ErrInvalidDecision),
		errors.Is(err, withdrawal.ErrMissingUser):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
