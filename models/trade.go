package models

import (
	"fmt"
	"time"
)

// Action is the direction of a trade.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// DetectionSource identifies which feed observed an event.
type DetectionSource string

const (
	DetectedByPush DetectionSource = "push"
	DetectedByPoll DetectionSource = "poll"
)

// TradeEvent is a normalized observation of source-account activity.
// Two feeds may each produce an event for the same transaction; such events
// share an idempotency key and are logically one event. Immutable after
// creation.
type TradeEvent struct {
	SourceAddress string          `json:"source_address"`
	MarketID      string          `json:"market_id"`
	TokenID       string          `json:"token_id"`
	OutcomeSide   string          `json:"outcome_side"`
	Action        Action          `json:"action"`
	Amount        float64         `json:"amount"` // shares
	Price         float64         `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
	TxHash        string          `json:"tx_hash"`
	Source        DetectionSource `json:"detection_source"`
	DetectedAt    time.Time       `json:"detected_at"`

	// Settings snapshot taken when the event was detected.
	Settings SourceSettings `json:"settings"`
}

// IdempotencyKey guarantees at-most-once execution across both feeds.
// Events carrying a transaction hash use it directly; diff-derived events
// have no natural hash, so a synthetic key is built from the observation
// coordinates with the timestamp rounded to the poll interval.
func (e TradeEvent) IdempotencyKey(round time.Duration) string {
	if e.TxHash != "" {
		return e.TxHash
	}
	if round <= 0 {
		round = time.Minute
	}
	return fmt.Sprintf("%s|%s|%s|%d",
		e.SourceAddress, e.MarketID, e.OutcomeSide, e.Timestamp.Truncate(round).Unix())
}

// NotionalUSD is the trade's USD value.
func (e TradeEvent) NotionalUSD() float64 {
	return e.Amount * e.Price
}

// ExecutedPositionRecord is appended only on a successful submission and
// backs the no-repeat window. Append-only, pruned by age.
type ExecutedPositionRecord struct {
	SourceAddress string    `json:"source_address"`
	MarketID      string    `json:"market_id"`
	OutcomeSide   string    `json:"outcome_side"`
	Action        Action    `json:"action"`
	Timestamp     time.Time `json:"timestamp"`
}

// SizedOrder is the fully normalized instruction ready for submission.
type SizedOrder struct {
	TokenID    string  `json:"token_id"`
	Side       Action  `json:"side"`
	Size       float64 `json:"size"`
	LimitPrice float64 `json:"limit_price"`
}

// ExecutionResult is the terminal record of one submission attempt.
type ExecutionResult struct {
	SourceAddress string    `json:"source_address"`
	MarketID      string    `json:"market_id"`
	OutcomeSide   string    `json:"outcome_side"`
	Side          Action    `json:"side"`
	Size          float64   `json:"size"`
	Price         float64   `json:"price"`
	Success       bool      `json:"success"`
	OrderID       string    `json:"order_id,omitempty"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Error         string    `json:"error,omitempty"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// Position is one market/outcome holding, normalized from venue payloads.
type Position struct {
	MarketID    string  `json:"market_id"`
	TokenID     string  `json:"token_id"`
	OutcomeSide string  `json:"outcome_side"`
	Title       string  `json:"title"`
	Size        float64 `json:"size"`
	AvgPrice    float64 `json:"avg_price"`
	CurPrice    float64 `json:"cur_price"`
	ValueUSD    float64 `json:"value_usd"`
	Redeemable  bool    `json:"redeemable"`
}

// MirrorStatus classifies a computed mirror leg before execution.
type MirrorStatus string

const (
	MirrorReady   MirrorStatus = "ready"
	MirrorWarning MirrorStatus = "warning"
	MirrorSkipped MirrorStatus = "skipped"
)

// MirrorTrade is the batch analogue of SizedOrder: one leg of a portfolio
// reconciliation, carrying a status and a user-confirmation flag.
type MirrorTrade struct {
	MarketID    string       `json:"market_id"`
	TokenID     string       `json:"token_id"`
	OutcomeSide string       `json:"outcome_side"`
	Title       string       `json:"title"`
	Side        Action       `json:"side"`
	Size        float64      `json:"size"`
	Price       float64      `json:"price"`
	NotionalUSD float64      `json:"notional_usd"`
	Status      MirrorStatus `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	Selected    bool         `json:"selected"`
}
