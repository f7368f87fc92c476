package syncer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xAidan/polymarket-bot-test-sub001/api"
	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

// Execution rejection reasons.
const (
	ReasonPriceOutOfBounds = "price_out_of_bounds"
	ReasonMarketClosed     = "market_not_accepting_orders"
	ReasonSourceDisabled   = "source_disabled"
)

const submitTimeout = 15 * time.Second

// ExecutionRecorder is the slice of the store the executor writes to.
type ExecutionRecorder interface {
	AppendExecutedPosition(ctx context.Context, rec models.ExecutedPositionRecord) error
	SaveExecutionResult(ctx context.Context, res models.ExecutionResult) error
}

// OrderExecutor normalizes and submits orders. Submission is attempted
// exactly once: a duplicate order from a blind retry is worse than a missed
// trade. Only read paths retry (inside the client).
type OrderExecutor struct {
	client   Exchange
	recorder ExecutionRecorder
	log      *zap.SugaredLogger
	dryRun   bool

	mu          sync.Mutex
	sourceLocks map[string]*sync.Mutex
	disabled    map[string]string // source address -> disable reason
}

func NewOrderExecutor(client Exchange, recorder ExecutionRecorder, log *zap.SugaredLogger, dryRun bool) *OrderExecutor {
	return &OrderExecutor{
		client:      client,
		recorder:    recorder,
		log:         log,
		dryRun:      dryRun,
		sourceLocks: make(map[string]*sync.Mutex),
		disabled:    make(map[string]string),
	}
}

// Execute normalizes the order price (slippage, then tick rounding, then
// bounds check) and submits it. Submissions for the same source are
// serialized so two decisions never race on the same balance read.
func (ex *OrderExecutor) Execute(ctx context.Context, event models.TradeEvent, order models.SizedOrder, market *api.MarketInfo) (models.ExecutionResult, error) {
	lock := ex.sourceLock(event.SourceAddress)
	lock.Lock()
	defer lock.Unlock()

	// Checked under the source lock: a submission already in flight may
	// disable the source, and the next one must observe that.
	if reason, off := ex.DisabledReason(event.SourceAddress); off {
		ex.log.Warnw("submission skipped, source disabled",
			"source", event.SourceAddress, "reason", reason)
		return ex.recordFailure(ctx, event, order, ReasonSourceDisabled)
	}

	if market != nil && (market.Closed || !market.AcceptingOrders) {
		return ex.recordFailure(ctx, event, order, ReasonMarketClosed)
	}

	tick := 0.01
	if market != nil && market.TickSize.Float64() > 0 {
		tick = market.TickSize.Float64()
	}

	price := ApplySlippage(order.LimitPrice, event.Settings.SlippagePercent, order.Side)
	price = RoundToTick(price, tick)
	if price <= 0 || price > 1 {
		return ex.recordFailure(ctx, event, order, ReasonPriceOutOfBounds)
	}
	order.LimitPrice = price

	if ex.dryRun {
		ex.log.Infow("dry run, order not submitted",
			"token", order.TokenID, "side", order.Side, "size", order.Size, "price", order.LimitPrice)
		return models.ExecutionResult{
			SourceAddress: event.SourceAddress,
			MarketID:      event.MarketID,
			OutcomeSide:   event.OutcomeSide,
			Side:          order.Side,
			Size:          order.Size,
			Price:         order.LimitPrice,
			Success:       true,
			OrderID:       "dry-run",
			ExecutedAt:    time.Now(),
		}, nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	resp, err := ex.client.SubmitOrder(submitCtx, order)
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		switch api.Classify(err) {
		case api.ClassAmbiguous:
			// The order may or may not rest on the book. Resubmitting could
			// double it, so log for out-of-band reconciliation and stop.
			ex.log.Errorw("submission outcome unknown, not retrying",
				"source", event.SourceAddress, "token", order.TokenID, "err", err)
			return ex.recordFailure(ctx, event, order, fmt.Sprintf("ambiguous: %v", err))
		case api.ClassVenueFatal:
			ex.DisableSource(event.SourceAddress, err.Error())
			ex.log.Errorw("venue-fatal submission failure, source disabled",
				"source", event.SourceAddress, "err", err)
			return ex.recordFailure(ctx, event, order, err.Error())
		default:
			return ex.recordFailure(ctx, event, order, err.Error())
		}
	}

	result := models.ExecutionResult{
		SourceAddress: event.SourceAddress,
		MarketID:      event.MarketID,
		OutcomeSide:   event.OutcomeSide,
		Side:          order.Side,
		Size:          order.Size,
		Price:         order.LimitPrice,
		Success:       true,
		OrderID:       resp.OrderID,
		TxHash:        resp.TxHash,
		ExecutedAt:    time.Now(),
	}

	if err := ex.recorder.AppendExecutedPosition(ctx, models.ExecutedPositionRecord{
		SourceAddress: event.SourceAddress,
		MarketID:      event.MarketID,
		OutcomeSide:   event.OutcomeSide,
		Action:        order.Side,
		Timestamp:     result.ExecutedAt,
	}); err != nil {
		ex.log.Warnw("failed to record executed position", "err", err)
	}
	if err := ex.recorder.SaveExecutionResult(ctx, result); err != nil {
		ex.log.Warnw("failed to save execution result", "err", err)
	}

	ex.log.Infow("order executed",
		"source", event.SourceAddress, "token", order.TokenID,
		"side", order.Side, "size", order.Size, "price", order.LimitPrice,
		"orderID", resp.OrderID)
	return result, nil
}

// Submit is the bare submission primitive used by the mirror path, which
// does its own leg bookkeeping. Same price normalization, no ledger writes.
func (ex *OrderExecutor) Submit(ctx context.Context, order models.SizedOrder, slippagePercent float64, market *api.MarketInfo) (*api.OrderResponse, error) {
	tick := 0.01
	if market != nil && market.TickSize.Float64() > 0 {
		tick = market.TickSize.Float64()
	}
	price := ApplySlippage(order.LimitPrice, slippagePercent, order.Side)
	price = RoundToTick(price, tick)
	if price <= 0 || price > 1 {
		return nil, &api.APIError{Class: api.ClassRejection, Code: ReasonPriceOutOfBounds,
			Message: fmt.Sprintf("price %.4f out of (0,1] after rounding", price)}
	}
	order.LimitPrice = price

	if ex.dryRun {
		return &api.OrderResponse{Success: true, OrderID: "dry-run", Status: "simulated"}, nil
	}

	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	resp, err := ex.client.SubmitOrder(submitCtx, order)
	if err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (ex *OrderExecutor) recordFailure(ctx context.Context, event models.TradeEvent, order models.SizedOrder, reason string) (models.ExecutionResult, error) {
	result := models.ExecutionResult{
		SourceAddress: event.SourceAddress,
		MarketID:      event.MarketID,
		OutcomeSide:   event.OutcomeSide,
		Side:          order.Side,
		Size:          order.Size,
		Price:         order.LimitPrice,
		Success:       false,
		Error:         reason,
		ExecutedAt:    time.Now(),
	}
	if err := ex.recorder.SaveExecutionResult(ctx, result); err != nil {
		ex.log.Warnw("failed to save execution result", "err", err)
	}
	return result, nil
}

// DisableSource stops all further submissions for the source until
// EnableSource is called, typically after credentials are corrected.
func (ex *OrderExecutor) DisableSource(source, reason string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.disabled[source] = reason
}

func (ex *OrderExecutor) EnableSource(source string) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	delete(ex.disabled, source)
}

func (ex *OrderExecutor) DisabledReason(source string) (string, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	reason, ok := ex.disabled[source]
	return reason, ok
}

func (ex *OrderExecutor) sourceLock(source string) *sync.Mutex {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	lock, ok := ex.sourceLocks[source]
	if !ok {
		lock = &sync.Mutex{}
		ex.sourceLocks[source] = lock
	}
	return lock
}

// ApplySlippage biases the limit price toward immediate fill: BUY prices up,
// SELL prices down. Applied before tick rounding.
func ApplySlippage(price, slippagePercent float64, side models.Action) float64 {
	if slippagePercent <= 0 {
		return price
	}
	if side == models.ActionBuy {
		return price * (1 + slippagePercent/100)
	}
	return price * (1 - slippagePercent/100)
}

// RoundToTick rounds to the nearest multiple of the market's tick size.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
