package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"0xAB5801a7D398351b8bE11C439e05C5B3259aeC9B", "0xab5801a7d398351b8be11c439e05c5b3259aec9b"},
		{"  0xAB5801a7D398351b8bE11C439e05C5B3259aeC9B  ", "0xab5801a7d398351b8be11c439e05c5b3259aec9b"},
		{"not-an-address", "not-an-address"},
		{"0xUPPER", "0xupper"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeAddress(tc.in))
	}
}

func TestGetPositionsNormalizesAtBoundary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/positions", r.URL.Path)
		// Sizes arrive as strings, prices as numbers; empty assets and zero
		// sizes are venue noise.
		w.Write([]byte(`[
			{"asset":"tok1","conditionId":"m1","outcome":"Yes","title":"M1","size":"12.5","avgPrice":0.4,"curPrice":"0.5","currentValue":6.25,"redeemable":false},
			{"asset":"","conditionId":"m2","size":"10"},
			{"asset":"tok3","conditionId":"m3","size":"0"}
		]`))
	}))
	defer server.Close()

	c := NewClient(server.URL, server.URL, zap.NewNop().Sugar())
	positions, err := c.GetPositions(context.Background(), "0xabc")
	require.NoError(t, err)

	require.Len(t, positions, 1, "empty assets and zero sizes are dropped at the boundary")
	p := positions[0]
	assert.Equal(t, "m1", p.MarketID)
	assert.Equal(t, "tok1", p.TokenID)
	assert.Equal(t, "Yes", p.OutcomeSide)
	assert.InDelta(t, 12.5, p.Size, 1e-9)
	assert.InDelta(t, 0.5, p.CurPrice, 1e-9)
	assert.InDelta(t, 6.25, p.ValueUSD, 1e-9)
}

func TestGetJSONRetriesTransientOnly(t *testing.T) {
	t.Run("5xx retried until success", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"balance":"42.5"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, server.URL, zap.NewNop().Sugar())
		balance, err := c.GetBalance(context.Background(), "0xabc")
		require.NoError(t, err)
		assert.InDelta(t, 42.5, balance, 1e-9)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("4xx fails immediately", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		c := NewClient(server.URL, server.URL, zap.NewNop().Sugar())
		_, err := c.GetBalance(context.Background(), "0xabc")
		require.Error(t, err)
		assert.EqualValues(t, 1, calls.Load(), "rejections must not be retried")

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, ClassRejection, apiErr.Class)
	})
}

func TestSubmitOrderSingleAttempt(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(server.URL, server.URL, zap.NewNop().Sugar())
	_, err := c.SubmitOrder(context.Background(), models.SizedOrder{TokenID: "tok1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.5})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "submission is never retried, even on a retryable class")
	assert.True(t, IsTransient(err), "the class is still reported for the caller's accounting")
}

func TestSubmitOrderResponseHandling(t *testing.T) {
	t.Run("valid response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/order", r.URL.Path)
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "BUY", payload["side"])
			w.Write([]byte(`{"success":true,"orderId":"ord-1","status":"matched"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, server.URL, zap.NewNop().Sugar())
		resp, err := c.SubmitOrder(context.Background(), models.SizedOrder{TokenID: "tok1", Side: models.ActionBuy, Size: 10, LimitPrice: 0.5})
		require.NoError(t, err)
		require.NoError(t, resp.Validate())
		assert.Equal(t, "ord-1", resp.OrderID)
	})

	t.Run("empty body is venue-fatal", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer server.Close()

		c := NewClient(server.URL, server.URL, zap.NewNop().Sugar())
		_, err := c.SubmitOrder(context.Background(), models.SizedOrder{TokenID: "tok1"})
		require.Error(t, err)
		assert.True(t, IsVenueFatal(err))
	})

	t.Run("malformed body is venue-fatal", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":`))
		}))
		defer server.Close()

		c := NewClient(server.URL, server.URL, zap.NewNop().Sugar())
		_, err := c.SubmitOrder(context.Background(), models.SizedOrder{TokenID: "tok1"})
		require.Error(t, err)
		assert.True(t, IsVenueFatal(err))
	})
}

func TestGetMarketDefaultsTickSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"condition_id":"m1","active":true,"accepting_orders":true}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, server.URL, zap.NewNop().Sugar())
	info, err := c.GetMarket(context.Background(), "tok1")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, info.TickSize.Float64(), 1e-9)
}

func TestNumericUnmarshal(t *testing.T) {
	var payload struct {
		A Numeric `json:"a"`
		B Numeric `json:"b"`
		C Numeric `json:"c"`
		D Numeric `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":1.5,"b":"2.25","c":null,"d":""}`), &payload))
	assert.InDelta(t, 1.5, payload.A.Float64(), 1e-9)
	assert.InDelta(t, 2.25, payload.B.Float64(), 1e-9)
	assert.Zero(t, payload.C.Float64())
	assert.Zero(t, payload.D.Float64())
}
