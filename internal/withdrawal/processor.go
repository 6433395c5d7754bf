// Package withdrawal handles withdrawal requests and their admin resolution.
//
// The amount leaves available funds when the request is created. Approval
// only records the decision; rejection restores the amount. Both happen at
// most once because resolution is conditional on the request being pending.
package withdrawal

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
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

var (
	ErrAlreadyProcessed   = errors.New("withdrawal: already processed")
	ErrNotFound           = errors.New("withdrawal: not found")
	ErrInvalidBankDetails = errors.New("withdrawal: bank name, account name and account number are required")
	ErrInvalidDecision    = errors.New("withdrawal: decision must be approve or reject")
	ErrMissingUser        = errors.New("withdrawal: user_id is required")
)

// Decision is an admin's resolution of a pending request.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// Store is the subset of store.Store the processor needs.
type Store interface {
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal, deduct store.Mutation) error
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	ResolveWithdrawal(ctx context.Context, r store.WithdrawalResolution, refund store.Mutation) (*model.Withdrawal, error)
}

// Processor creates and resolves withdrawal requests.
type Processor struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewProcessor creates a withdrawal processor.
func NewProcessor(s Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: s, now: time.Now, logger: logger.With("component", "withdrawal")}
}

// Request deducts amount from the user's available funds and records a
// pending withdrawal. Fails with ledger.ErrInsufficientFunds when available
// cannot cover the amount.
func (p *Processor) Request(ctx context.Context, userID string, amount decimal.Decimal, bank model.BankDetails) (*model.Withdrawal, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, amount)
	}
	if strings.TrimSpace(bank.BankName) == "" ||
		strings.TrimSpace(bank.AccountName) == "" ||
		strings.TrimSpace(bank.AccountNumber) == "" {
		return nil, ErrInvalidBankDetails
	}

	w := &model.Withdrawal{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Bank:      bank,
		Status:    model.WithdrawalPending,
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.CreateWithdrawal(ctx, w, ledger.Withdraw(amount)); err != nil {
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(model.WithdrawalPending)).Inc()
	p.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"user_id", userID,
		"amount", amount.String(),
	)
	return w, nil
}

// Resolve approves or rejects a pending request. Rejection refunds the
// amount in the same unit of work as the status change.
func (p *Processor) Resolve(ctx context.Context, id string, decision Decision, admin, note string) (*model.Withdrawal, error) {
	var status model.WithdrawalStatus
	switch decision {
	case Approve:
		status = model.WithdrawalApproved
	case Reject:
		status = model.WithdrawalRejected
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	var refund store.Mutation
	if status == model.WithdrawalRejected {
		existing, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		// The amount is fixed at creation, so a stale read cannot refund
		// the wrong value; the conditional update decides who applies it.
		refund = ledger.Refund(existing.Amount)
	}

	w, err := p.store.ResolveWithdrawal(ctx, store.WithdrawalResolution{
		ID:          id,
		Status:      status,
		ProcessedBy: admin,
		Note:        note,
		At:          p.now().UTC(),
	}, refund)
	switch {
	case errors.Is(err, store.ErrAlreadyProcessed):
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, id)
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(status)).Inc()
	p.logger.Info("withdrawal resolved",
		"withdrawal_id", id,
		"status", status,
		"processed_by", admin,
	)
	return w, nil
}

// Get returns a snapshot of a withdrawal request.
func (p *Processor) Get(ctx context.Context, id string) (*model.Withdrawal, error) {
	w, err := p.store.GetWithdrawal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w, err
}
