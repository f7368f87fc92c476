package models

import "time"

// RateLimitWindow holds per-source trade counters. Held in memory by the
// engine and reset when the current time crosses a window boundary; the
// storage provider only sees snapshots.
type RateLimitWindow struct {
	TradesThisHour int       `json:"trades_this_hour"`
	TradesThisDay  int       `json:"trades_this_day"`
	HourStart      time.Time `json:"hour_start"`
	DayStart       time.Time `json:"day_start"`
}

// MirrorLegResult is the terminal outcome of one mirror leg.
type MirrorLegResult struct {
	Trade   MirrorTrade `json:"trade"`
	Success bool        `json:"success"`
	OrderID string      `json:"order_id,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// MirrorRun is the aggregate result of one batch mirror execution. Partial
// failure is never rolled back; the per-leg array is the source of truth for
// what actually happened.
type MirrorRun struct {
	SourceAddress   string            `json:"source_address"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	Legs            []MirrorLegResult `json:"legs"`
	SellSuccesses   int               `json:"sell_successes"`
	SellFailures    int               `json:"sell_failures"`
	BuySuccesses    int               `json:"buy_successes"`
	BuyFailures     int               `json:"buy_failures"`
	PreSellBalance  float64           `json:"pre_sell_balance"`
	PostSellBalance float64           `json:"post_sell_balance"`
}
