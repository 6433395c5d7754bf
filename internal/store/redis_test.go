package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

// TestCachedStore_UncachedReadSkipsStaleEntry needs a live Redis; set
// REDIS_URL to run it.
func TestCachedStore_UncachedReadSkipsStaleEntry(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const key = "session:S-20250314-0930"
	rdb.Del(ctx, key)
	defer rdb.Del(context.Background(), key)

	primary := seed(t)
	cached := store.NewCachedStore(primary, rdb, time.Minute)

	warm, err := cached.GetSession(ctx, "S-20250314-0930")
	require.NoError(t, err)
	require.Equal(t, model.SessionActive, warm.Status)

	// Completed behind the cache's back, as when a reader refills the key
	// with a copy taken before the invalidating write.
	require.NoError(t, primary.CompleteSession(ctx, "S-20250314-0930", model.SessionActive, nil, model.Up, t0.Add(time.Minute)))

	stale, err := cached.GetSession(ctx, "S-20250314-0930")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, stale.Status)

	fresh, err := cached.GetSessionUncached(ctx, "S-20250314-0930")
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, fresh.Status)
	require.NotNil(t, fresh.ActualResult)
	assert.Equal(t, model.Up, *fresh.ActualResult)
}
