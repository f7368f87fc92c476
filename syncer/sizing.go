package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/0xAidan/polymarket-bot-test-sub001/api"
	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

// Sizing rejection reasons.
const (
	ReasonBelowThreshold       = "source_trade_below_threshold"
	ReasonInsufficientBalance  = "insufficient_balance"
	ReasonInsufficientPosition = "insufficient_position"
	ReasonBelowVenueMinimum    = "below_venue_minimum"
)

// SizeResult is the outcome of sizing an accepted event. Exactly one of
// Order (Rejected=false, NoOp=false), NoOp, or Rejected applies.
type SizeResult struct {
	Order    models.SizedOrder
	NoOp     bool
	Rejected bool
	Reason   string
}

func sizeRejected(reason string) SizeResult { return SizeResult{Rejected: true, Reason: reason} }

// SizeCalculator turns an accepted TradeEvent into a concrete order size.
// Balance and position violations are rejected, never clamped: clamping
// would silently mask a misconfigured fixed size or multiplier.
type SizeCalculator struct {
	client          Exchange
	followerAddress string

	// Balance reads repeat several times per event (portfolio value plus
	// bounds check); a short TTL cache collapses them. Zero TTL disables
	// the cache. Staleness only risks a venue-side rejection, the bounds
	// check is a precheck, not the authority.
	balanceTTL time.Duration
	mu         sync.Mutex
	balances   map[string]cachedBalance
	now        func() time.Time
}

type cachedBalance struct {
	value   float64
	fetched time.Time
}

func NewSizeCalculator(client Exchange, followerAddress string) *SizeCalculator {
	return &SizeCalculator{
		client:          client,
		followerAddress: followerAddress,
		balances:        make(map[string]cachedBalance),
		now:             time.Now,
	}
}

// WithBalanceCache enables caching of balance reads for the given TTL.
func (sc *SizeCalculator) WithBalanceCache(ttl time.Duration) *SizeCalculator {
	sc.balanceTTL = ttl
	return sc
}

func (sc *SizeCalculator) balance(ctx context.Context, address string) (float64, error) {
	if sc.balanceTTL <= 0 {
		return sc.client.GetBalance(ctx, address)
	}

	sc.mu.Lock()
	cached, ok := sc.balances[address]
	sc.mu.Unlock()
	if ok && sc.now().Sub(cached.fetched) < sc.balanceTTL {
		return cached.value, nil
	}

	value, err := sc.client.GetBalance(ctx, address)
	if err != nil {
		return 0, err
	}
	sc.mu.Lock()
	sc.balances[address] = cachedBalance{value: value, fetched: sc.now()}
	sc.mu.Unlock()
	return value, nil
}

// Calculate sizes the event per the source's sizing mode and bounds the
// result by follower balance (BUY) or held size (SELL) and the venue
// minimum.
func (sc *SizeCalculator) Calculate(ctx context.Context, event models.TradeEvent, market *api.MarketInfo) (SizeResult, error) {
	switch event.Settings.SizingMode {
	case models.SizingProportional:
		return sc.calculateProportional(ctx, event, market)
	default:
		return sc.calculateFixed(ctx, event, market)
	}
}

func (sc *SizeCalculator) calculateFixed(ctx context.Context, event models.TradeEvent, market *api.MarketInfo) (SizeResult, error) {
	s := event.Settings

	if s.ThresholdEnabled {
		sourceValue, err := sc.portfolioValue(ctx, event.SourceAddress)
		if err != nil {
			return SizeResult{}, fmt.Errorf("source portfolio value: %w", err)
		}
		if sourceValue <= 0 || event.NotionalUSD() < sourceValue*s.ThresholdPercent/100 {
			return sizeRejected(ReasonBelowThreshold), nil
		}
	}

	size := FixedSize(s.FixedTradeSizeUSD, event.Price)
	if size <= 0 {
		return sizeRejected(ReasonBelowVenueMinimum), nil
	}
	if size < market.MinimumOrderSize.Float64() {
		return sizeRejected(ReasonBelowVenueMinimum), nil
	}

	if res, err := sc.checkBounds(ctx, event, size); err != nil || res.Rejected {
		return res, err
	}

	return SizeResult{Order: models.SizedOrder{
		TokenID:    event.TokenID,
		Side:       event.Action,
		Size:       size,
		LimitPrice: event.Price,
	}}, nil
}

func (sc *SizeCalculator) calculateProportional(ctx context.Context, event models.TradeEvent, market *api.MarketInfo) (SizeResult, error) {
	sourceAlloc, err := sc.allocationPercent(ctx, event.SourceAddress, event.MarketID, event.OutcomeSide)
	if err != nil {
		return SizeResult{}, fmt.Errorf("source allocation: %w", err)
	}

	followerValue, err := sc.portfolioValue(ctx, sc.followerAddress)
	if err != nil {
		return SizeResult{}, fmt.Errorf("follower portfolio value: %w", err)
	}

	currentShares, err := sc.heldShares(ctx, sc.followerAddress, event.MarketID, event.OutcomeSide)
	if err != nil {
		return SizeResult{}, fmt.Errorf("follower position: %w", err)
	}

	targetShares := ProportionalTarget(sourceAlloc, followerValue, event.Price)
	delta := targetShares - currentShares

	// A delta below the venue minimum is already-in-sync, not a failure.
	if abs(delta) < market.MinimumOrderSize.Float64() {
		return SizeResult{NoOp: true}, nil
	}

	side := models.ActionBuy
	size := delta
	if delta < 0 {
		side = models.ActionSell
		size = -delta
	}

	adjusted := event
	adjusted.Action = side
	if res, err := sc.checkBounds(ctx, adjusted, size); err != nil || res.Rejected {
		return res, err
	}

	return SizeResult{Order: models.SizedOrder{
		TokenID:    event.TokenID,
		Side:       side,
		Size:       size,
		LimitPrice: event.Price,
	}}, nil
}

// checkBounds rejects orders the follower cannot actually afford or hold.
func (sc *SizeCalculator) checkBounds(ctx context.Context, event models.TradeEvent, size float64) (SizeResult, error) {
	switch event.Action {
	case models.ActionBuy:
		balance, err := sc.balance(ctx, sc.followerAddress)
		if err != nil {
			return SizeResult{}, fmt.Errorf("follower balance: %w", err)
		}
		if size*event.Price > balance {
			return sizeRejected(ReasonInsufficientBalance), nil
		}
	case models.ActionSell:
		held, err := sc.heldShares(ctx, sc.followerAddress, event.MarketID, event.OutcomeSide)
		if err != nil {
			return SizeResult{}, fmt.Errorf("follower position: %w", err)
		}
		if size > held {
			return sizeRejected(ReasonInsufficientPosition), nil
		}
	}
	return SizeResult{}, nil
}

// portfolioValue is cash balance plus the current value of all positions.
func (sc *SizeCalculator) portfolioValue(ctx context.Context, address string) (float64, error) {
	balance, err := sc.balance(ctx, address)
	if err != nil {
		return 0, err
	}
	positions, err := sc.client.GetPositions(ctx, address)
	if err != nil {
		return 0, err
	}
	total := balance
	for _, p := range positions {
		total += p.ValueUSD
	}
	return total, nil
}

// allocationPercent is the share of the address's portfolio held in the
// given market+outcome, in percent.
func (sc *SizeCalculator) allocationPercent(ctx context.Context, address, marketID, outcomeSide string) (float64, error) {
	balance, err := sc.balance(ctx, address)
	if err != nil {
		return 0, err
	}
	positions, err := sc.client.GetPositions(ctx, address)
	if err != nil {
		return 0, err
	}
	total := balance
	held := 0.0
	for _, p := range positions {
		total += p.ValueUSD
		if p.MarketID == marketID && p.OutcomeSide == outcomeSide {
			held += p.ValueUSD
		}
	}
	if total <= 0 {
		return 0, nil
	}
	return held / total * 100, nil
}

func (sc *SizeCalculator) heldShares(ctx context.Context, address, marketID, outcomeSide string) (float64, error) {
	positions, err := sc.client.GetPositions(ctx, address)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.MarketID == marketID && p.OutcomeSide == outcomeSide {
			return p.Size, nil
		}
	}
	return 0, nil
}

// FixedSize converts a USD notional into shares at the given price.
func FixedSize(fixedUSD, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return fixedUSD / price
}

// ProportionalTarget computes the share count that puts allocPercent of the
// follower's portfolio into a market at the given price.
func ProportionalTarget(allocPercent, followerPortfolioValue, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return allocPercent / 100 * followerPortfolioValue / price
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
