package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bal(available, frozen string) model.Balance {
	return model.Balance{Available: d(available), Frozen: d(frozen)}
}

func assertBalance(t *testing.T, want, got model.Balance) {
	t.Helper()
	assert.True(t, want.Available.Equal(got.Available), "available: want %s, got %s", want.Available, got.Available)
	assert.True(t, want.Frozen.Equal(got.Frozen), "frozen: want %s, got %s", want.Frozen, got.Frozen)
}

func TestMutations(t *testing.T) {
	tests := []struct {
		name    string
		start   model.Balance
		m       store.Mutation
		want    model.Balance
		wantErr error
	}{
		{"reserve", bal("100", "0"), ledger.Reserve(d("40")), bal("60", "40"), nil},
		{"reserve all", bal("40", "5"), ledger.Reserve(d("40")), bal("0", "45"), nil},
		{"reserve insufficient", bal("10", "0"), ledger.Reserve(d("11")), model.Balance{}, ledger.ErrInsufficientFunds},
		{"reserve zero", bal("10", "0"), ledger.Reserve(decimal.Zero), model.Balance{}, ledger.ErrInvalidAmount},
		{"win", bal("0", "1000000"), ledger.SettleWin(d("1000000"), d("900000")), bal("1900000", "0"), nil},
		{"lose", bal("5", "1000000"), ledger.SettleLose(d("1000000")), bal("5", "0"), nil},
		{"lose more than frozen", bal("100", "10"), ledger.SettleLose(d("20")), model.Balance{}, ledger.ErrBalanceInvariantViolation},
		{"win more than frozen", bal("100", "10"), ledger.SettleWin(d("20"), d("18")), model.Balance{}, ledger.ErrBalanceInvariantViolation},
		{"withdraw", bal("100", "7"), ledger.Withdraw(d("30")), bal("70", "7"), nil},
		{"withdraw insufficient", bal("29", "100"), ledger.Withdraw(d("30")), model.Balance{}, ledger.ErrInsufficientFunds},
		{"refund", bal("70", "7"), ledger.Refund(d("30")), bal("100", "7"), nil},
		{"refund negative", bal("70", "7"), ledger.Refund(d("-1")), model.Balance{}, ledger.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.m(tt.start)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assertBalance(t, tt.want, got)
		})
	}
}

func TestCheck_NeverClamps(t *testing.T) {
	err := ledger.Check(bal("-1", "0"))
	require.ErrorIs(t, err, ledger.ErrBalanceInvariantViolation)
	assert.Contains(t, err.Error(), "available=-1")
}

func newLedger(t *testing.T, users ...*model.User) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	for _, u := range users {
		require.NoError(t, s.CreateUser(context.Background(), u))
	}
	return ledger.New(s, 0, nil), s
}

func TestLedger_Apply(t *testing.T) {
	l, _ := newLedger(t, &model.User{ID: "alice", Balance: bal("100", "0")})
	ctx := context.Background()

	b, err := l.Apply(ctx, "alice", ledger.Reserve(d("25")))
	require.NoError(t, err)
	assertBalance(t, bal("75", "25"), b)

	_, err = l.Apply(ctx, "alice", ledger.Withdraw(d("80")))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	b, err = l.Balance(ctx, "alice")
	require.NoError(t, err)
	assertBalance(t, bal("75", "25"), b)

	_, err = l.Apply(ctx, "nobody", ledger.Refund(d("1")))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLedger_ConcurrentReservesNeverOverdraw(t *testing.T) {
	l, _ := newLedger(t, &model.User{ID: "alice", Balance: bal("100", "0")})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, insufficient int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Apply(ctx, "alice", ledger.Reserve(d("10")))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrInsufficientFunds):
				insufficient++
			case errors.Is(err, store.ErrVersionConflict):
				// Retries exhausted under heavy contention; nothing was written.
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	t.Logf("reserved=%d insufficient=%d", ok, insufficient)

	b, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, b.Available.IsNegative())
	assert.True(t, b.Total().Equal(d("100")), "reserve must conserve total, got %s", b.Total())
	assert.True(t, b.Frozen.Equal(d("10").Mul(decimal.NewFromInt(int64(ok)))))
	assert.LessOrEqual(t, ok, 10)
}

// conflictStore fails the first n compare-and-swaps with a version conflict.
type conflictStore struct {
	*store.MemoryStore
	remaining int
}

func (c *conflictStore) CompareAndSwapBalance(ctx context.Context, id string, expected int64, b model.Balance) error {
	if c.remaining > 0 {
		c.remaining--
		return store.ErrVersionConflict
	}
	return c.MemoryStore.CompareAndSwapBalance(ctx, id, expected, b)
}

func TestLedger_RetriesOnVersionConflict(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateUser(context.Background(), &model.User{ID: "alice", Balance: bal("10", "0")}))

	l := ledger.New(&conflictStore{MemoryStore: s, remaining: 2}, 3, nil)
	b, err := l.Apply(context.Background(), "alice", ledger.Refund(d("5")))
	require.NoError(t, err)
	assertBalance(t, bal("15", "0"), b)

	l = ledger.New(&conflictStore{MemoryStore: s, remaining: 5}, 3, nil)
	_, err = l.Apply(context.Background(), "alice", ledger.Refund(d("5")))
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestLedger_NormalizeLegacyIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.PutRawUser("old", []byte("1500000"), time.Now()))
	l := ledger.New(s, 0, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b, err := l.Normalize(ctx, "old")
		require.NoError(t, err)
		assertBalance(t, bal("1500000", "0"), b)
	}

	u, err := s.GetUser(ctx, "old")
	require.NoError(t, err)
	assert.False(t, u.LegacyBalance)
	assert.Equal(t, int64(1), u.Version, "only the first normalize writes")
}

func TestLedger_BalanceRewritesLegacyRow(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.PutRawUser("old", []byte("250.5"), time.Now()))
	l := ledger.New(s, 0, nil)
	ctx := context.Background()

	b, err := l.Balance(ctx, "old")
	require.NoError(t, err)
	assertBalance(t, bal("250.5", "0"), b)

	u, err := s.GetUser(ctx, "old")
	require.NoError(t, err)
	assert.False(t, u.LegacyBalance)
	assertBalance(t, bal("250.5", "0"), u.Balance)

	_, err = l.Balance(ctx, "old")
	require.NoError(t, err)
	u, err = s.GetUser(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Version, "structured rows are not rewritten")
}
