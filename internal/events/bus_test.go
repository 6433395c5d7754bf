package events_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/model"
)

func TestDecode(t *testing.T) {
	e, err := events.Decode([]byte(`{"type":"session_settled","session_id":"S-20250314-0930","summary":{"session_id":"S-20250314-0930","outcome":"UP","total_win_amount":"900000"}}`))
	require.NoError(t, err)
	assert.Equal(t, events.TypeSessionSettled, e.Type)
	require.NotNil(t, e.Summary)
	assert.Equal(t, model.Up, e.Summary.Outcome)
	assert.True(t, e.Summary.TotalWinAmount.Equal(decimal.RequireFromString("900000")))

	_, err = events.Decode([]byte(`{"type":"price_tick"}`))
	assert.Error(t, err)
	_, err = events.Decode([]byte(`not json`))
	assert.Error(t, err)
}

// TestRedisBus_RoundTrip needs a live Redis; set REDIS_URL to run it.
func TestRedisBus_RoundTrip(t *testing.T) {
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

	channel := "updown:test:" + time.Now().Format("150405.000000")
	bus := events.NewRedisBus(rdb, channel, nil)
	defer rdb.Del(context.Background(), channel+":log")

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	summary := model.SessionSummary{SessionID: "S-20250314-0930", Outcome: model.Down}
	require.NoError(t, bus.SessionSettled(ctx, summary))

	select {
	case e := <-sub:
		assert.Equal(t, events.TypeSessionSettled, e.Type)
		assert.Equal(t, "S-20250314-0930", e.SessionID)
	case <-ctx.Done():
		t.Fatal("event not received")
	}

	history, err := bus.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.Down, history[0].Summary.Outcome)
}
