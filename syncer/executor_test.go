package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xAidan/polymarket-bot-test-sub001/api"
	"github.com/0xAidan/polymarket-bot-test-sub001/models"
	"github.com/0xAidan/polymarket-bot-test-sub001/storage"
)

func newTestExecutor(client *api.MockClient) (*OrderExecutor, *storage.MemoryStore) {
	store := storage.NewMemory()
	return NewOrderExecutor(client, store, zap.NewNop().Sugar(), false), store
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		price, tick, want float64
	}{
		{0.6133, 0.01, 0.61},
		{0.6180, 0.01, 0.62},
		{0.4999, 0.001, 0.500},
		{0.55, 0, 0.55}, // zero tick leaves price alone
	}
	for _, tc := range tests {
		assert.InDelta(t, tc.want, RoundToTick(tc.price, tc.tick), 1e-9,
			"RoundToTick(%v, %v)", tc.price, tc.tick)
	}
}

func TestApplySlippage(t *testing.T) {
	assert.InDelta(t, 0.606, ApplySlippage(0.60, 1, models.ActionBuy), 1e-9)
	assert.InDelta(t, 0.594, ApplySlippage(0.60, 1, models.ActionSell), 1e-9)
	assert.InDelta(t, 0.60, ApplySlippage(0.60, 0, models.ActionBuy), 1e-9)
}

func executorEvent() models.TradeEvent {
	settings := models.DefaultSourceSettings()
	settings.SlippagePercent = 1
	event := testEvent(settings)
	event.Price = 0.60
	return event
}

func TestExecuteSuccess(t *testing.T) {
	client := &api.MockClient{}
	ex, store := newTestExecutor(client)

	event := executorEvent()
	order := models.SizedOrder{TokenID: "token-1", Side: models.ActionBuy, Size: 33.33, LimitPrice: 0.60}

	result, err := ex.Execute(context.Background(), event, order, defaultMarket())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "mock-order", result.OrderID)

	submitted := client.Submitted()
	require.Len(t, submitted, 1)
	// 0.60 + 1% slippage = 0.606, rounded to the 0.01 tick.
	assert.InDelta(t, 0.61, submitted[0].LimitPrice, 1e-9)

	recs, err := store.ListExecutedPositions(context.Background(), event.SourceAddress, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1, "success must append a no-repeat record")
	assert.Equal(t, "market-1", recs[0].MarketID)

	history, err := store.ListExecutionResults(context.Background(), event.SourceAddress, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
}

func TestExecutePriceOutOfBoundsAfterRounding(t *testing.T) {
	client := &api.MockClient{}
	ex, store := newTestExecutor(client)

	event := executorEvent()
	event.Price = 0.998
	order := models.SizedOrder{TokenID: "token-1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.998}

	// 0.998 * 1.01 = 1.008, rounds to 1.01 > 1.
	result, err := ex.Execute(context.Background(), event, order, defaultMarket())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonPriceOutOfBounds, result.Error)
	assert.Empty(t, client.Submitted(), "out-of-bounds price must be rejected before submission")

	recs, err := store.ListExecutedPositions(context.Background(), event.SourceAddress, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs, "failures must not create no-repeat records")
}

func TestExecutePriceRoundsToZeroRejected(t *testing.T) {
	client := &api.MockClient{}
	ex, _ := newTestExecutor(client)

	event := executorEvent()
	event.Price = 0.004
	event.Action = models.ActionSell
	order := models.SizedOrder{TokenID: "token-1", Side: models.ActionSell, Size: 10, LimitPrice: 0.004}

	// 0.004 * 0.99 = 0.00396, rounds to 0.00 on the 0.01 tick.
	result, err := ex.Execute(context.Background(), event, order, defaultMarket())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonPriceOutOfBounds, result.Error)
	assert.Empty(t, client.Submitted(), "a price rounded to zero must be rejected before submission")
}

func TestExecuteNeverRetriesSubmission(t *testing.T) {
	client := &api.MockClient{
		SubmitOrderFunc: func(_ context.Context, _ models.SizedOrder) (*api.OrderResponse, error) {
			return nil, &api.APIError{Class: api.ClassTransient, Status: 500, Message: "bad gateway"}
		},
	}
	ex, _ := newTestExecutor(client)

	event := executorEvent()
	order := models.SizedOrder{TokenID: "token-1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.60}

	result, err := ex.Execute(context.Background(), event, order, defaultMarket())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, client.Submitted(), 1, "submission is attempted exactly once, even on transient errors")
}

func TestExecuteAmbiguousTimeout(t *testing.T) {
	client := &api.MockClient{
		SubmitOrderFunc: func(_ context.Context, _ models.SizedOrder) (*api.OrderResponse, error) {
			return nil, context.DeadlineExceeded
		},
	}
	ex, _ := newTestExecutor(client)

	event := executorEvent()
	order := models.SizedOrder{TokenID: "token-1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.60}

	result, err := ex.Execute(context.Background(), event, order, defaultMarket())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "ambiguous")
	assert.Len(t, client.Submitted(), 1, "unknown outcome must never be retried")

	_, disabled := ex.DisabledReason(event.SourceAddress)
	assert.False(t, disabled, "ambiguity does not disable the source")
}

func TestExecuteVenueFatalDisablesSource(t *testing.T) {
	client := &api.MockClient{
		SubmitOrderFunc: func(_ context.Context, _ models.SizedOrder) (*api.OrderResponse, error) {
			return nil, &api.APIError{Class: api.ClassVenueFatal, Status: 401, Message: "invalid credentials"}
		},
	}
	ex, _ := newTestExecutor(client)

	event := executorEvent()
	order := models.SizedOrder{TokenID: "token-1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.60}

	result, err := ex.Execute(context.Background(), event, order, defaultMarket())
	require.NoError(t, err)
	assert.False(t, result.Success)

	reason, disabled := ex.DisabledReason(event.SourceAddress)
	require.True(t, disabled)
	assert.Contains(t, reason, "invalid credentials")

	// Further submissions are refused without touching the venue.
	result, err = ex.Execute(context.Background(), event, order, defaultMarket())
	require.NoError(t, err)
	assert.Equal(t, ReasonSourceDisabled, result.Error)
	assert.Len(t, client.Submitted(), 1)

	ex.EnableSource(event.SourceAddress)
	_, disabled = ex.DisabledReason(event.SourceAddress)
	assert.False(t, disabled)
}

func TestExecuteDisableObservedUnderSourceLock(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	client := &api.MockClient{
		SubmitOrderFunc: func(_ context.Context, _ models.SizedOrder) (*api.OrderResponse, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil, &api.APIError{Class: api.ClassVenueFatal, Status: 401, Message: "unauthorized"}
		},
	}
	ex, _ := newTestExecutor(client)

	event := executorEvent()
	order := models.SizedOrder{TokenID: "token-1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.60}

	done := make(chan models.ExecutionResult, 2)
	go func() {
		res, _ := ex.Execute(context.Background(), event, order, defaultMarket())
		done <- res
	}()
	<-entered

	// A second submission for the same source arrives while the first is
	// still in flight. It must queue on the source lock and observe the
	// disable, not slip past a pre-lock check.
	go func() {
		res, _ := ex.Execute(context.Background(), event, order, defaultMarket())
		done <- res
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	first, second := <-done, <-done
	assert.False(t, first.Success)
	assert.False(t, second.Success)
	assert.Len(t, client.Submitted(), 1, "concurrent submission must not reach the venue after a fatal disable")
	assert.Contains(t, []string{first.Error, second.Error}, ReasonSourceDisabled)
}

func TestExecuteRejectsUntrustedResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *api.OrderResponse
	}{
		{"missing order id", &api.OrderResponse{Success: true}},
		{"embedded error", &api.OrderResponse{Success: true, OrderID: "o1", ErrorMsg: "insufficient funds"}},
		{"not successful", &api.OrderResponse{Success: false, OrderID: "o1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := &api.MockClient{
				SubmitOrderFunc: func(_ context.Context, _ models.SizedOrder) (*api.OrderResponse, error) {
					return tc.resp, nil
				},
			}
			ex, store := newTestExecutor(client)

			event := executorEvent()
			order := models.SizedOrder{TokenID: "token-1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.60}

			result, err := ex.Execute(context.Background(), event, order, defaultMarket())
			require.NoError(t, err)
			assert.False(t, result.Success, "venue responses are not trusted at face value")

			recs, err := store.ListExecutedPositions(context.Background(), event.SourceAddress, time.Time{})
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestExecuteClosedMarket(t *testing.T) {
	client := &api.MockClient{}
	ex, _ := newTestExecutor(client)

	event := executorEvent()
	order := models.SizedOrder{TokenID: "token-1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.60}
	market := defaultMarket()
	market.AcceptingOrders = false

	result, err := ex.Execute(context.Background(), event, order, market)
	require.NoError(t, err)
	assert.Equal(t, ReasonMarketClosed, result.Error)
	assert.Empty(t, client.Submitted())
}
