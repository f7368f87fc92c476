package models

import "time"

// SizingMode selects how follower order sizes are derived from source activity.
type SizingMode string

const (
	SizingFixed        SizingMode = "fixed"        // fixed USD notional per copy
	SizingProportional SizingMode = "proportional" // match allocation percentage
)

// SideFilter restricts which source actions are replicated.
type SideFilter string

const (
	SideFilterAll      SideFilter = "all"
	SideFilterBuyOnly  SideFilter = "buy_only"
	SideFilterSellOnly SideFilter = "sell_only"
)

// SourceSettings is the per-source rule set evaluated for every detected
// trade. A snapshot of these settings is copied onto each TradeEvent at
// detection time, so mutating a source's settings never changes a decision
// already in flight.
type SourceSettings struct {
	SizingMode SizingMode `json:"sizing_mode"`
	SideFilter SideFilter `json:"side_filter"`

	// Fixed sizing
	FixedTradeSizeUSD float64 `json:"fixed_trade_size_usd"`
	ThresholdEnabled  bool    `json:"threshold_enabled"`
	ThresholdPercent  float64 `json:"threshold_percent"` // source trade must exceed this % of source portfolio

	// No-repeat window. 0 hours means "block forever" once a market+side
	// has been copied, until the ledger is explicitly cleared.
	NoRepeatEnabled  bool    `json:"no_repeat_enabled"`
	BlockPeriodHours float64 `json:"block_period_hours"`

	// Price bounds on the source's observed price.
	PriceLimitsMin float64 `json:"price_limits_min"`
	PriceLimitsMax float64 `json:"price_limits_max"`

	// Notional value bounds; nil means unbounded on that side.
	ValueFilterEnabled bool     `json:"value_filter_enabled"`
	MinTradeValueUSD   *float64 `json:"min_trade_value_usd,omitempty"`
	MaxTradeValueUSD   *float64 `json:"max_trade_value_usd,omitempty"`

	// Rate limits per window.
	MaxTradesPerHour int `json:"max_trades_per_hour"`
	MaxTradesPerDay  int `json:"max_trades_per_day"`

	// Slippage applied to the limit price before tick rounding.
	SlippagePercent float64 `json:"slippage_percent"`
}

// DefaultSourceSettings returns the settings applied to a freshly
// registered source.
func DefaultSourceSettings() SourceSettings {
	return SourceSettings{
		SizingMode:        SizingFixed,
		SideFilter:        SideFilterAll,
		FixedTradeSizeUSD: 10,
		NoRepeatEnabled:   false,
		BlockPeriodHours:  24,
		PriceLimitsMin:    0.01,
		PriceLimitsMax:    0.99,
		MaxTradesPerHour:  10,
		MaxTradesPerDay:   40,
		SlippagePercent:   1.0,
	}
}

// TrackedSource is a source account registered for replication.
// Created when a user registers the address; mutated by settings updates;
// never deleted implicitly.
type TrackedSource struct {
	Address   string         `json:"address"`
	Label     string         `json:"label"`
	Active    bool           `json:"active"`
	Settings  SourceSettings `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
