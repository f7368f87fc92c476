package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

// Reason codes surfaced on blocked events. Machine-readable; status surfaces
// and tests key off these, so treat them as a frozen contract.
const (
	ReasonEventStale      = "event_stale"
	ReasonSideFiltered    = "trade_side_filtered"
	ReasonNoRepeatActive  = "no_repeat_window_active"
	ReasonPriceBelowMin   = "price_below_minimum"
	ReasonPriceAboveMax   = "price_above_maximum"
	ReasonValueBelowMin   = "trade_value_below_minimum"
	ReasonValueAboveMax   = "trade_value_above_maximum"
	ReasonRateLimitHourly = "rate_limit_exceeded_hourly"
	ReasonRateLimitDaily  = "rate_limit_exceeded_daily"
)

// FilterDecision is the outcome of running an event through the chain.
type FilterDecision struct {
	Blocked bool
	Reason  string
}

func blocked(reason string) FilterDecision { return FilterDecision{Blocked: true, Reason: reason} }

// ExecutedLedger is the slice of the store the no-repeat stage needs.
type ExecutedLedger interface {
	ListExecutedPositions(ctx context.Context, sourceAddress string, since time.Time) ([]models.ExecutedPositionRecord, error)
}

// FilterChain evaluates the per-source rule set in fixed order. The first
// failing stage short-circuits; a passing event reaches sizing unchanged.
type FilterChain struct {
	ledger      ExecutedLedger
	rates       *RateLimits
	staleMaxAge time.Duration
	now         func() time.Time
}

func NewFilterChain(ledger ExecutedLedger, rates *RateLimits, staleMaxAge time.Duration) *FilterChain {
	return &FilterChain{
		ledger:      ledger,
		rates:       rates,
		staleMaxAge: staleMaxAge,
		now:         time.Now,
	}
}

// Evaluate runs the chain. A rate-limit pass increments the source's window
// counters in the same step as the decision, so two concurrent events cannot
// both observe the last free slot.
func (f *FilterChain) Evaluate(ctx context.Context, event models.TradeEvent) (FilterDecision, error) {
	now := f.now()
	s := event.Settings

	// Stage 0: stale guard. Events older than the cutoff are the product of
	// a feed catching up after downtime; replicating them chases prices that
	// no longer exist.
	if f.staleMaxAge > 0 && now.Sub(event.Timestamp) > f.staleMaxAge {
		return blocked(ReasonEventStale), nil
	}

	// Stage 1: side filter.
	switch s.SideFilter {
	case models.SideFilterBuyOnly:
		if event.Action == models.ActionSell {
			return blocked(ReasonSideFiltered), nil
		}
	case models.SideFilterSellOnly:
		if event.Action == models.ActionBuy {
			return blocked(ReasonSideFiltered), nil
		}
	}

	// Stage 2: no-repeat window.
	if s.NoRepeatEnabled {
		hit, err := f.recentlyExecuted(ctx, event, now)
		if err != nil {
			return FilterDecision{}, fmt.Errorf("no-repeat lookup: %w", err)
		}
		if hit {
			return blocked(ReasonNoRepeatActive), nil
		}
	}

	// Stage 3: price bounds.
	if event.Price < s.PriceLimitsMin {
		return blocked(ReasonPriceBelowMin), nil
	}
	if event.Price > s.PriceLimitsMax {
		return blocked(ReasonPriceAboveMax), nil
	}

	// Stage 4: value bounds. A nil bound is unbounded on that side.
	if s.ValueFilterEnabled {
		notional := event.NotionalUSD()
		if s.MinTradeValueUSD != nil && notional < *s.MinTradeValueUSD {
			return blocked(ReasonValueBelowMin), nil
		}
		if s.MaxTradeValueUSD != nil && notional > *s.MaxTradeValueUSD {
			return blocked(ReasonValueAboveMax), nil
		}
	}

	// Stage 5: rate limit. Check and increment are one step.
	if reason, ok := f.rates.Allow(event.SourceAddress, s.MaxTradesPerHour, s.MaxTradesPerDay, now); !ok {
		return blocked(reason), nil
	}

	return FilterDecision{}, nil
}

// recentlyExecuted reports whether the same market+outcome was already copied
// within the block period. A period of 0 means forever: any record at all
// blocks until the ledger is explicitly cleared.
func (f *FilterChain) recentlyExecuted(ctx context.Context, event models.TradeEvent, now time.Time) (bool, error) {
	var since time.Time
	if event.Settings.BlockPeriodHours > 0 {
		since = now.Add(-time.Duration(event.Settings.BlockPeriodHours * float64(time.Hour)))
	}
	records, err := f.ledger.ListExecutedPositions(ctx, event.SourceAddress, since)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.MarketID == event.MarketID && rec.OutcomeSide == event.OutcomeSide {
			return true, nil
		}
	}
	return false, nil
}

// RateLimits owns the per-source trade counters. All updates go through its
// lock so events arriving from either feed serialize on the same window.
type RateLimits struct {
	mu      sync.Mutex
	windows map[string]models.RateLimitWindow
}

func NewRateLimits() *RateLimits {
	return &RateLimits{windows: make(map[string]models.RateLimitWindow)}
}

// Allow checks the source's counters against the limits and, when allowed,
// increments them in the same critical section. A limit of 0 means no limit
// on that window.
func (r *RateLimits) Allow(source string, maxPerHour, maxPerDay int, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[source]
	if w.HourStart.IsZero() || now.Sub(w.HourStart) >= time.Hour {
		w.HourStart = now.Truncate(time.Hour)
		w.TradesThisHour = 0
	}
	if w.DayStart.IsZero() || now.Sub(w.DayStart) >= 24*time.Hour {
		w.DayStart = now.Truncate(24 * time.Hour)
		w.TradesThisDay = 0
	}

	if maxPerHour > 0 && w.TradesThisHour >= maxPerHour {
		r.windows[source] = w
		return ReasonRateLimitHourly, false
	}
	if maxPerDay > 0 && w.TradesThisDay >= maxPerDay {
		r.windows[source] = w
		return ReasonRateLimitDaily, false
	}

	w.TradesThisHour++
	w.TradesThisDay++
	r.windows[source] = w
	return "", true
}

// Window returns a copy of the source's current counters.
func (r *RateLimits) Window(source string) models.RateLimitWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windows[source]
}

// Snapshot copies all windows for persistence.
func (r *RateLimits) Snapshot() map[string]models.RateLimitWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.RateLimitWindow, len(r.windows))
	for k, w := range r.windows {
		out[k] = w
	}
	return out
}

// Restore replaces the windows with a persisted snapshot. Windows whose
// boundaries have passed reset naturally on the next Allow.
func (r *RateLimits) Restore(windows map[string]models.RateLimitWindow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = make(map[string]models.RateLimitWindow, len(windows))
	for k, w := range windows {
		r.windows[k] = w
	}
}
