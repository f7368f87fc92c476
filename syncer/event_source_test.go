package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xAidan/polymarket-bot-test-sub001/api"
	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

func TestReconnectDelay(t *testing.T) {
	base, ceiling := 5*time.Second, 60*time.Second
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 60 * time.Second, 60 * time.Second, 60 * time.Second,
	}

	var prev time.Duration
	for i, expected := range want {
		got := ReconnectDelay(i+1, base, ceiling)
		assert.Equal(t, expected, got, "attempt %d", i+1)
		assert.GreaterOrEqual(t, got, prev, "delays must be non-decreasing")
		assert.LessOrEqual(t, got, ceiling, "delays must be capped")
		prev = got
	}
}

func trackedSource(addr string) models.TrackedSource {
	return models.TrackedSource{
		Address:  addr,
		Active:   true,
		Settings: models.DefaultSourceSettings(),
	}
}

func TestPushDisabledAfterMaxAttemptsPollSurvives(t *testing.T) {
	connectErr := errors.New("connection refused")
	transport := api.NewMockTransport()
	transport.ConnectErrs = []error{connectErr, connectErr, connectErr}

	client := &api.MockClient{
		GetPositionsFunc: func(_ context.Context, _ string) ([]models.Position, error) {
			return nil, nil
		},
	}

	es := NewEventSource(client, transport, 10*time.Millisecond, zap.NewNop().Sugar())
	es.reconnectBase = time.Millisecond
	es.reconnectMax = 2 * time.Millisecond
	es.reconnectAttempts = 3

	ctx := context.Background()
	es.SetSources(ctx, []models.TrackedSource{trackedSource("0xsource")})
	require.NoError(t, es.Start(ctx))
	defer es.Stop()

	require.Eventually(t, func() bool {
		return es.Status().PushDisabled
	}, time.Second, 5*time.Millisecond, "push feed must give up after the attempt budget")

	status := es.Status()
	assert.False(t, status.PushConnected)
	assert.Equal(t, 3, status.PushReconnects)

	// The poll feed keeps running after push death.
	require.Eventually(t, func() bool {
		return !es.Status().LastPollAt.IsZero()
	}, time.Second, 5*time.Millisecond, "poll feed must remain operative")
}

func TestPushActivityNormalization(t *testing.T) {
	transport := api.NewMockTransport()
	client := &api.MockClient{}

	es := NewEventSource(client, transport, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()
	es.SetSources(ctx, []models.TrackedSource{trackedSource("0xSOURCE")})
	require.NoError(t, es.Start(ctx))
	defer es.Stop()

	transport.Emit(api.DataActivity{
		ProxyWallet:     "0xSOURCE",
		Type:            "TRADE",
		Side:            "sell",
		Asset:           "token-9",
		ConditionID:     "market-9",
		Outcome:         "No",
		Size:            api.Numeric(12.5),
		Price:           api.Numeric(0.42),
		Timestamp:       time.Now().Unix(),
		TransactionHash: "0xfeed",
	})

	select {
	case event := <-es.Events():
		assert.Equal(t, "0xsource", event.SourceAddress)
		assert.Equal(t, models.ActionSell, event.Action)
		assert.Equal(t, "market-9", event.MarketID)
		assert.Equal(t, "token-9", event.TokenID)
		assert.Equal(t, "No", event.OutcomeSide)
		assert.InDelta(t, 12.5, event.Amount, 1e-9)
		assert.InDelta(t, 0.42, event.Price, 1e-9)
		assert.Equal(t, "0xfeed", event.TxHash)
		assert.Equal(t, models.DetectedByPush, event.Source)
	case <-time.After(time.Second):
		t.Fatal("expected a normalized event from the push feed")
	}
}

func TestPushIgnoresUntrackedAndNonTrade(t *testing.T) {
	transport := api.NewMockTransport()
	client := &api.MockClient{}

	es := NewEventSource(client, transport, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()
	es.SetSources(ctx, []models.TrackedSource{trackedSource("0xsource")})
	require.NoError(t, es.Start(ctx))
	defer es.Stop()

	transport.Emit(api.DataActivity{ProxyWallet: "0xstranger", Type: "TRADE", Side: "BUY"})
	transport.Emit(api.DataActivity{ProxyWallet: "0xsource", Type: "REDEEM"})

	select {
	case event := <-es.Events():
		t.Fatalf("unexpected event emitted: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollDiffSynthesizesEvents(t *testing.T) {
	snapshots := [][]models.Position{
		{ // baseline
			{MarketID: "m1", TokenID: "t1", OutcomeSide: "Yes", Size: 100, CurPrice: 0.40},
			{MarketID: "m2", TokenID: "t2", OutcomeSide: "No", Size: 50, CurPrice: 0.70},
		},
		{ // +40 in m1, m2 fully closed
			{MarketID: "m1", TokenID: "t1", OutcomeSide: "Yes", Size: 140, CurPrice: 0.45},
		},
	}
	call := 0
	client := &api.MockClient{
		GetPositionsFunc: func(_ context.Context, _ string) ([]models.Position, error) {
			snap := snapshots[call]
			if call < len(snapshots)-1 {
				call++
			}
			return snap, nil
		},
	}

	es := NewEventSource(client, nil, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()
	es.SetSources(ctx, []models.TrackedSource{trackedSource("0xsource")})

	// First poll establishes the baseline without emitting.
	es.pollOnce(ctx)
	select {
	case event := <-es.Events():
		t.Fatalf("baseline poll must not emit, got %+v", event)
	default:
	}

	es.pollOnce(ctx)

	var events []models.TradeEvent
	for len(events) < 2 {
		select {
		case e := <-es.Events():
			events = append(events, e)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %d", len(events))
		}
	}

	byMarket := map[string]models.TradeEvent{}
	for _, e := range events {
		byMarket[e.MarketID] = e
		assert.Equal(t, models.DetectedByPoll, e.Source)
		assert.Empty(t, e.TxHash, "diff-derived events have no natural transaction hash")
		assert.NotEmpty(t, e.IdempotencyKey(time.Minute))
	}

	buy := byMarket["m1"]
	assert.Equal(t, models.ActionBuy, buy.Action)
	assert.InDelta(t, 40, buy.Amount, 1e-9)
	assert.InDelta(t, 0.45, buy.Price, 1e-9)

	sell := byMarket["m2"]
	assert.Equal(t, models.ActionSell, sell.Action)
	assert.InDelta(t, 50, sell.Amount, 1e-9)
}

func TestPushFillFoldsIntoPollBaseline(t *testing.T) {
	snapshots := [][]models.Position{
		{{MarketID: "m1", TokenID: "t1", OutcomeSide: "Yes", Size: 100, CurPrice: 0.50}},
		// The venue's position read already includes the pushed fill.
		{{MarketID: "m1", TokenID: "t1", OutcomeSide: "Yes", Size: 140, CurPrice: 0.51}},
	}
	call := 0
	client := &api.MockClient{
		GetPositionsFunc: func(_ context.Context, _ string) ([]models.Position, error) {
			snap := snapshots[call]
			if call < len(snapshots)-1 {
				call++
			}
			return snap, nil
		},
	}

	es := NewEventSource(client, nil, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()
	es.SetSources(ctx, []models.TrackedSource{trackedSource("0xsource")})

	es.pollOnce(ctx) // baseline: 100 shares

	es.handlePushActivity(ctx, api.DataActivity{
		ProxyWallet:     "0xsource",
		Type:            "TRADE",
		Side:            "BUY",
		Asset:           "t1",
		ConditionID:     "m1",
		Outcome:         "Yes",
		Size:            api.Numeric(40),
		Price:           api.Numeric(0.51),
		Timestamp:       time.Now().Unix(),
		TransactionHash: "0xsame-trade",
	})
	select {
	case event := <-es.Events():
		assert.Equal(t, "0xsame-trade", event.TxHash)
	case <-time.After(time.Second):
		t.Fatal("expected the push event")
	}

	// The next poll sees 140 shares, but the fill is already folded into
	// the baseline: no second event for the same trade.
	es.pollOnce(ctx)
	select {
	case event := <-es.Events():
		t.Fatalf("push-copied fill re-detected by the poll feed: %+v", event)
	default:
	}
}

func TestPollDiffAdoptsActivityHash(t *testing.T) {
	snapshots := [][]models.Position{
		{
			{MarketID: "m1", TokenID: "t1", OutcomeSide: "Yes", Size: 100, CurPrice: 0.40},
			{MarketID: "m2", TokenID: "t2", OutcomeSide: "No", Size: 50, CurPrice: 0.70},
		},
		{
			{MarketID: "m1", TokenID: "t1", OutcomeSide: "Yes", Size: 140, CurPrice: 0.45},
			{MarketID: "m2", TokenID: "t2", OutcomeSide: "No", Size: 80, CurPrice: 0.72},
		},
	}
	call := 0
	client := &api.MockClient{
		GetPositionsFunc: func(_ context.Context, _ string) ([]models.Position, error) {
			snap := snapshots[call]
			if call < len(snapshots)-1 {
				call++
			}
			return snap, nil
		},
		GetActivityFunc: func(_ context.Context, _ string, _ time.Time, _ int) ([]api.DataActivity, error) {
			return []api.DataActivity{
				// Exactly one trade behind the m1 delta: hash adopted.
				{Type: "TRADE", Side: "BUY", ConditionID: "m1", Outcome: "Yes", TransactionHash: "0xfill-1"},
				// Two trades behind the m2 delta: ambiguous aggregate,
				// the synthetic key stays.
				{Type: "TRADE", Side: "BUY", ConditionID: "m2", Outcome: "No", TransactionHash: "0xfill-2"},
				{Type: "TRADE", Side: "BUY", ConditionID: "m2", Outcome: "No", TransactionHash: "0xfill-3"},
			}, nil
		},
	}

	es := NewEventSource(client, nil, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()
	es.SetSources(ctx, []models.TrackedSource{trackedSource("0xsource")})

	es.pollOnce(ctx)
	es.pollOnce(ctx)

	events := map[string]models.TradeEvent{}
	for len(events) < 2 {
		select {
		case e := <-es.Events():
			events[e.MarketID] = e
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %d", len(events))
		}
	}

	assert.Equal(t, "0xfill-1", events["m1"].TxHash,
		"a delta backed by a single trade adopts its transaction hash")
	assert.Empty(t, events["m2"].TxHash,
		"a delta backed by several trades keeps the synthetic key")
}

func TestUpdateSubscriptionFallback(t *testing.T) {
	transport := api.NewMockTransport()
	transport.SupportsUpdate = false
	client := &api.MockClient{}

	es := NewEventSource(client, transport, time.Minute, zap.NewNop().Sugar())
	es.mu.Lock()
	es.status.PushConnected = true
	es.mu.Unlock()

	es.AddSource(context.Background(), trackedSource("0xsource"))

	assert.Equal(t, 1, transport.UnsubscribeCalls, "unsupported update falls back to unsubscribe+resubscribe")
	require.Len(t, transport.SubscribeCalls, 1)
	assert.Equal(t, []string{"0xsource"}, transport.SubscribeCalls[0])
}

func TestUpdateSubscriptionIncremental(t *testing.T) {
	transport := api.NewMockTransport()
	transport.SupportsUpdate = true
	client := &api.MockClient{}

	es := NewEventSource(client, transport, time.Minute, zap.NewNop().Sugar())
	es.mu.Lock()
	es.status.PushConnected = true
	es.mu.Unlock()

	es.AddSource(context.Background(), trackedSource("0xsource"))

	require.Len(t, transport.UpdateCalls, 1)
	assert.Equal(t, []string{"0xsource"}, transport.UpdateCalls[0])
	assert.Zero(t, transport.UnsubscribeCalls)
	assert.Empty(t, transport.SubscribeCalls)
}

func TestProxyResolutionFallsBackToRaw(t *testing.T) {
	client := &api.MockClient{
		ResolveProxyOwnerFunc: func(_ context.Context, _ string) (string, error) {
			return "", errors.New("resolver unavailable")
		},
	}
	es := NewEventSource(client, nil, time.Minute, zap.NewNop().Sugar())

	es.SetSources(context.Background(), []models.TrackedSource{trackedSource("0xProxy")})

	es.mu.RLock()
	defer es.mu.RUnlock()
	_, ok := es.sources["0xproxy"]
	assert.True(t, ok, "resolution failure tracks the raw address instead of blocking")
}
