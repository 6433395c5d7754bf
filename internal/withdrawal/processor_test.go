package withdrawal_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
	"github.com/atmx/updown-engine/internal/withdrawal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var bank = model.BankDetails{BankName: "First Bank", AccountName: "Alice", AccountNumber: "0001"}

func newTestEnv(t *testing.T, available string) (*withdrawal.Processor, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateUser(context.Background(), &model.User{
		ID:      "alice",
		Balance: model.Balance{Available: d(available), Frozen: d("5")},
	}))
	return withdrawal.NewProcessor(s, nil), s
}

func balance(t *testing.T, s *store.MemoryStore) model.Balance {
	t.Helper()
	u, err := s.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	return u.Balance
}

func TestRequest_DeductsAvailable(t *testing.T) {
	p, s := newTestEnv(t, "100")

	w, err := p.Request(context.Background(), "alice", d("30"), bank)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalPending, w.Status)
	assert.NotEmpty(t, w.ID)

	b := balance(t, s)
	assert.True(t, b.Available.Equal(d("70")), "got %s", b.Available)
	assert.True(t, b.Frozen.Equal(d("5")), "frozen is untouched")
}

func TestRequest_Validation(t *testing.T) {
	p, s := newTestEnv(t, "100")
	ctx := context.Background()

	_, err := p.Request(ctx, "alice", d("100.01"), bank)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = p.Request(ctx, "alice", decimal.Zero, bank)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = p.Request(ctx, "alice", d("1"), model.BankDetails{BankName: "First Bank"})
	assert.ErrorIs(t, err, withdrawal.ErrInvalidBankDetails)

	_, err = p.Request(ctx, "", d("1"), bank)
	assert.ErrorIs(t, err, withdrawal.ErrMissingUser)

	_, err = p.Request(ctx, "nobody", d("1"), bank)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.True(t, balance(t, s).Available.Equal(d("100")))
}

func TestResolve_RejectRefundsOnce(t *testing.T) {
	p, s := newTestEnv(t, "100")
	ctx := context.Background()

	w, err := p.Request(ctx, "alice", d("30"), bank)
	require.NoError(t, err)

	resolved, err := p.Resolve(ctx, w.ID, withdrawal.Reject, "admin-1", "account closed")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalRejected, resolved.Status)
	assert.Equal(t, "admin-1", resolved.ProcessedBy)
	assert.Equal(t, "account closed", resolved.Note)
	require.NotNil(t, resolved.ProcessedAt)
	assert.True(t, balance(t, s).Available.Equal(d("100")))

	_, err = p.Resolve(ctx, w.ID, withdrawal.Reject, "admin-2", "")
	assert.ErrorIs(t, err, withdrawal.ErrAlreadyProcessed)
	_, err = p.Resolve(ctx, w.ID, withdrawal.Approve, "admin-2", "")
	assert.ErrorIs(t, err, withdrawal.ErrAlreadyProcessed)
	assert.True(t, balance(t, s).Available.Equal(d("100")), "second resolve must not refund again")
}

func TestResolve_ApproveKeepsDeduction(t *testing.T) {
	p, s := newTestEnv(t, "100")
	ctx := context.Background()

	w, err := p.Request(ctx, "alice", d("30"), bank)
	require.NoError(t, err)

	resolved, err := p.Resolve(ctx, w.ID, withdrawal.Approve, "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalApproved, resolved.Status)
	assert.True(t, balance(t, s).Available.Equal(d("70")))

	got, err := p.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalApproved, got.Status)
}

func TestResolve_UnknownAndInvalid(t *testing.T) {
	p, _ := newTestEnv(t, "100")
	ctx := context.Background()

	_, err := p.Resolve(ctx, "missing", withdrawal.Approve, "admin", "")
	assert.ErrorIs(t, err, withdrawal.ErrNotFound)
	_, err = p.Resolve(ctx, "missing", withdrawal.Reject, "admin", "")
	assert.ErrorIs(t, err, withdrawal.ErrNotFound)
	_, err = p.Resolve(ctx, "missing", "maybe", "admin", "")
	assert.ErrorIs(t, err, withdrawal.ErrInvalidDecision)
	_, err = p.Get(ctx, "missing")
	assert.ErrorIs(t, err, withdrawal.ErrNotFound)
}

func TestResolve_ConcurrentRejectsRefundOnce(t *testing.T) {
	p, s := newTestEnv(t, "100")
	ctx := context.Background()

	w, err := p.Request(ctx, "alice", d("40"), bank)
	require.NoError(t, err)

	const admins = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Resolve(ctx, w.ID, withdrawal.Reject, "admin", "")
			if err != nil && !errors.Is(err, withdrawal.ErrAlreadyProcessed) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.True(t, balance(t, s).Available.Equal(d("100")), "got %s", balance(t, s).Available)
}
