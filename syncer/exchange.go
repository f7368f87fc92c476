// Package syncer implements the trade replication engine: dual-channel
// detection of source-account activity, deduplication, per-source filtering
// and sizing, and order execution against the venue.
package syncer

import (
	"context"
	"time"

	"github.com/0xAidan/polymarket-bot-test-sub001/api"
	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

// Exchange is the venue surface the engine needs. Implemented by api.Client
// for the real venue and api.MockClient in tests.
type Exchange interface {
	GetPositions(ctx context.Context, address string) ([]models.Position, error)
	GetActivity(ctx context.Context, address string, after time.Time, limit int) ([]api.DataActivity, error)
	GetMarket(ctx context.Context, tokenID string) (*api.MarketInfo, error)
	GetBalance(ctx context.Context, address string) (float64, error)
	ResolveProxyOwner(ctx context.Context, address string) (string, error)
	SubmitOrder(ctx context.Context, order models.SizedOrder) (*api.OrderResponse, error)
}

var (
	_ Exchange = (*api.Client)(nil)
	_ Exchange = (*api.MockClient)(nil)
)
