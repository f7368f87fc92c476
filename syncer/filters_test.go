package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
	"github.com/0xAidan/polymarket-bot-test-sub001/storage"
)

func testEvent(settings models.SourceSettings) models.TradeEvent {
	return models.TradeEvent{
		SourceAddress: "0xsource",
		MarketID:      "market-1",
		TokenID:       "token-1",
		OutcomeSide:   "Yes",
		Action:        models.ActionBuy,
		Amount:        100,
		Price:         0.50,
		Timestamp:     time.Now(),
		TxHash:        "0xhash",
		Settings:      settings,
	}
}

func newTestChain(t *testing.T) (*FilterChain, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemory()
	return NewFilterChain(store, NewRateLimits(), 0), store
}

func TestFilterChainSideFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  models.SideFilter
		action  models.Action
		blocked bool
	}{
		{"all allows buy", models.SideFilterAll, models.ActionBuy, false},
		{"all allows sell", models.SideFilterAll, models.ActionSell, false},
		{"buy_only allows buy", models.SideFilterBuyOnly, models.ActionBuy, false},
		{"buy_only blocks sell", models.SideFilterBuyOnly, models.ActionSell, true},
		{"sell_only blocks buy", models.SideFilterSellOnly, models.ActionBuy, true},
		{"sell_only allows sell", models.SideFilterSellOnly, models.ActionSell, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chain, _ := newTestChain(t)
			settings := models.DefaultSourceSettings()
			settings.SideFilter = tc.filter
			event := testEvent(settings)
			event.Action = tc.action

			decision, err := chain.Evaluate(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, tc.blocked, decision.Blocked)
			if tc.blocked {
				assert.Equal(t, ReasonSideFiltered, decision.Reason)
			}
		})
	}
}

func TestFilterChainNoRepeatWindow(t *testing.T) {
	ctx := context.Background()
	settings := models.DefaultSourceSettings()
	settings.NoRepeatEnabled = true
	settings.BlockPeriodHours = 24

	t.Run("recent execution blocks", func(t *testing.T) {
		chain, store := newTestChain(t)
		require.NoError(t, store.AppendExecutedPosition(ctx, models.ExecutedPositionRecord{
			SourceAddress: "0xsource", MarketID: "market-1", OutcomeSide: "Yes",
			Action: models.ActionBuy, Timestamp: time.Now().Add(-23 * time.Hour),
		}))

		decision, err := chain.Evaluate(ctx, testEvent(settings))
		require.NoError(t, err)
		assert.True(t, decision.Blocked)
		assert.Equal(t, ReasonNoRepeatActive, decision.Reason)
	})

	t.Run("expired execution allows", func(t *testing.T) {
		chain, store := newTestChain(t)
		require.NoError(t, store.AppendExecutedPosition(ctx, models.ExecutedPositionRecord{
			SourceAddress: "0xsource", MarketID: "market-1", OutcomeSide: "Yes",
			Action: models.ActionBuy, Timestamp: time.Now().Add(-25 * time.Hour),
		}))

		decision, err := chain.Evaluate(ctx, testEvent(settings))
		require.NoError(t, err)
		assert.False(t, decision.Blocked)
	})

	t.Run("zero hours blocks forever", func(t *testing.T) {
		forever := settings
		forever.BlockPeriodHours = 0

		chain, store := newTestChain(t)
		require.NoError(t, store.AppendExecutedPosition(ctx, models.ExecutedPositionRecord{
			SourceAddress: "0xsource", MarketID: "market-1", OutcomeSide: "Yes",
			Action: models.ActionBuy, Timestamp: time.Now().Add(-2000 * time.Hour),
		}))

		decision, err := chain.Evaluate(ctx, testEvent(forever))
		require.NoError(t, err)
		assert.True(t, decision.Blocked)
		assert.Equal(t, ReasonNoRepeatActive, decision.Reason)
	})

	t.Run("other market does not block", func(t *testing.T) {
		chain, store := newTestChain(t)
		require.NoError(t, store.AppendExecutedPosition(ctx, models.ExecutedPositionRecord{
			SourceAddress: "0xsource", MarketID: "market-2", OutcomeSide: "Yes",
			Action: models.ActionBuy, Timestamp: time.Now().Add(-time.Hour),
		}))

		decision, err := chain.Evaluate(ctx, testEvent(settings))
		require.NoError(t, err)
		assert.False(t, decision.Blocked)
	})
}

func TestFilterChainPriceBounds(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		reason string
	}{
		{"below minimum", 0.005, ReasonPriceBelowMin},
		{"at minimum", 0.01, ""},
		{"inside bounds", 0.50, ""},
		{"at maximum", 0.99, ""},
		{"above maximum", 0.995, ReasonPriceAboveMax},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chain, _ := newTestChain(t)
			event := testEvent(models.DefaultSourceSettings())
			event.Price = tc.price

			decision, err := chain.Evaluate(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, tc.reason != "", decision.Blocked)
			assert.Equal(t, tc.reason, decision.Reason)
		})
	}
}

func TestFilterChainValueBounds(t *testing.T) {
	min, max := 25.0, 100.0

	tests := []struct {
		name   string
		amount float64 // price fixed at 0.50
		min    *float64
		max    *float64
		reason string
	}{
		{"below min", 40, &min, &max, ReasonValueBelowMin},   // $20
		{"inside", 100, &min, &max, ""},                      // $50
		{"above max", 400, &min, &max, ReasonValueAboveMax},  // $200
		{"nil min unbounded below", 10, nil, &max, ""},       // $5
		{"nil max unbounded above", 10000, &min, nil, ""},    // $5000
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chain, _ := newTestChain(t)
			settings := models.DefaultSourceSettings()
			settings.ValueFilterEnabled = true
			settings.MinTradeValueUSD = tc.min
			settings.MaxTradeValueUSD = tc.max
			event := testEvent(settings)
			event.Amount = tc.amount

			decision, err := chain.Evaluate(context.Background(), event)
			require.NoError(t, err)
			assert.Equal(t, tc.reason != "", decision.Blocked)
			assert.Equal(t, tc.reason, decision.Reason)
		})
	}
}

func TestFilterChainHourlyRateLimit(t *testing.T) {
	chain, _ := newTestChain(t)
	settings := models.DefaultSourceSettings()
	settings.MaxTradesPerHour = 10
	settings.MaxTradesPerDay = 0

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		decision, err := chain.Evaluate(ctx, testEvent(settings))
		require.NoError(t, err)
		require.False(t, decision.Blocked, "trade %d should pass", i+1)
	}

	decision, err := chain.Evaluate(ctx, testEvent(settings))
	require.NoError(t, err)
	assert.True(t, decision.Blocked)
	assert.Equal(t, ReasonRateLimitHourly, decision.Reason)

	// Crossing the hour boundary resets the window.
	chain.rates.Restore(map[string]models.RateLimitWindow{
		"0xsource": {TradesThisHour: 10, TradesThisDay: 10, HourStart: time.Now().Add(-2 * time.Hour), DayStart: time.Now().Add(-2 * time.Hour)},
	})
	decision, err = chain.Evaluate(ctx, testEvent(settings))
	require.NoError(t, err)
	assert.False(t, decision.Blocked, "first trade of the new hour must pass")
}

func TestFilterChainDailyRateLimit(t *testing.T) {
	chain, _ := newTestChain(t)
	settings := models.DefaultSourceSettings()
	settings.MaxTradesPerHour = 0
	settings.MaxTradesPerDay = 3

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		decision, err := chain.Evaluate(ctx, testEvent(settings))
		require.NoError(t, err)
		require.False(t, decision.Blocked)
	}

	decision, err := chain.Evaluate(ctx, testEvent(settings))
	require.NoError(t, err)
	assert.True(t, decision.Blocked)
	assert.Equal(t, ReasonRateLimitDaily, decision.Reason)
}

// Concurrent events must never both claim the last free rate-limit slot.
func TestRateLimitsAtomicIncrement(t *testing.T) {
	rates := NewRateLimits()
	now := time.Now()

	const workers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := rates.Allow("0xsource", 10, 0, now); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
}

func TestFilterChainStaleEvent(t *testing.T) {
	store := storage.NewMemory()
	chain := NewFilterChain(store, NewRateLimits(), 10*time.Minute)

	event := testEvent(models.DefaultSourceSettings())
	event.Timestamp = time.Now().Add(-time.Hour)

	decision, err := chain.Evaluate(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, decision.Blocked)
	assert.Equal(t, ReasonEventStale, decision.Reason)
}
