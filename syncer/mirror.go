package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

// Mirror leg skip/warning reasons.
const (
	MirrorReasonResolved     = "market_resolved"
	MirrorReasonAlreadySync  = "already_in_sync"
	MirrorReasonNoPrice      = "no_current_price"
	MirrorReasonLowLiquidity = "notional_below_minimum"
)

// Minimum notional worth executing as a mirror leg. Dust deltas below this
// would cost more in venue minimums than they fix.
const mirrorMinNotionalUSD = 1.0

// MirrorRecorder is the slice of the store the mirror writes history to.
type MirrorRecorder interface {
	SaveMirrorRun(ctx context.Context, run models.MirrorRun) error
}

// PositionMirror reconciles the follower's whole portfolio against a
// source's in one batch: allocation-matching trades for markets the source
// holds, full closes for markets only the follower holds.
type PositionMirror struct {
	client          Exchange
	executor        *OrderExecutor
	recorder        MirrorRecorder
	followerAddress string
	log             *zap.SugaredLogger
}

func NewPositionMirror(client Exchange, executor *OrderExecutor, recorder MirrorRecorder, followerAddress string, log *zap.SugaredLogger) *PositionMirror {
	return &PositionMirror{
		client:          client,
		executor:        executor,
		recorder:        recorder,
		followerAddress: followerAddress,
		log:             log,
	}
}

// Plan fetches both portfolios and computes the trade legs. Nothing is
// executed; the caller surfaces the plan for confirmation and passes the
// selected legs to Execute.
func (pm *PositionMirror) Plan(ctx context.Context, sourceAddress string) ([]models.MirrorTrade, error) {
	sourcePositions, err := pm.client.GetPositions(ctx, sourceAddress)
	if err != nil {
		return nil, fmt.Errorf("source positions: %w", err)
	}
	followerPositions, err := pm.client.GetPositions(ctx, pm.followerAddress)
	if err != nil {
		return nil, fmt.Errorf("follower positions: %w", err)
	}
	sourceBalance, err := pm.client.GetBalance(ctx, sourceAddress)
	if err != nil {
		return nil, fmt.Errorf("source balance: %w", err)
	}
	followerBalance, err := pm.client.GetBalance(ctx, pm.followerAddress)
	if err != nil {
		return nil, fmt.Errorf("follower balance: %w", err)
	}

	return ComputeMirrorTrades(sourcePositions, followerPositions, sourceBalance, followerBalance), nil
}

// ComputeMirrorTrades is the pure planning step: given both position sets
// and cash balances, produce the legs that bring the follower's allocation
// percentages in line with the source's.
func ComputeMirrorTrades(sourcePositions, followerPositions []models.Position, sourceBalance, followerBalance float64) []models.MirrorTrade {
	sourceTotal := sourceBalance
	for _, p := range sourcePositions {
		sourceTotal += p.ValueUSD
	}
	followerTotal := followerBalance
	for _, p := range followerPositions {
		followerTotal += p.ValueUSD
	}

	held := make(map[string]models.Position, len(followerPositions))
	for _, p := range followerPositions {
		held[p.MarketID+"|"+p.OutcomeSide] = p
	}

	var trades []models.MirrorTrade
	covered := make(map[string]bool)

	for _, sp := range sourcePositions {
		key := sp.MarketID + "|" + sp.OutcomeSide
		covered[key] = true
		fp := held[key]

		trade := models.MirrorTrade{
			MarketID:    sp.MarketID,
			TokenID:     sp.TokenID,
			OutcomeSide: sp.OutcomeSide,
			Title:       sp.Title,
			Price:       sp.CurPrice,
		}

		if sp.Redeemable {
			trade.Status = models.MirrorSkipped
			trade.Reason = MirrorReasonResolved
			trades = append(trades, trade)
			continue
		}
		if sp.CurPrice <= 0 || sourceTotal <= 0 {
			trade.Status = models.MirrorSkipped
			trade.Reason = MirrorReasonNoPrice
			trades = append(trades, trade)
			continue
		}

		allocPercent := sp.ValueUSD / sourceTotal * 100
		targetShares := ProportionalTarget(allocPercent, followerTotal, sp.CurPrice)
		delta := targetShares - fp.Size

		notional := abs(delta) * sp.CurPrice
		if notional < mirrorMinNotionalUSD {
			trade.Status = models.MirrorSkipped
			trade.Reason = MirrorReasonAlreadySync
			trades = append(trades, trade)
			continue
		}

		trade.Side = models.ActionBuy
		trade.Size = delta
		if delta < 0 {
			trade.Side = models.ActionSell
			trade.Size = -delta
		}
		trade.NotionalUSD = notional
		trade.Status = models.MirrorReady
		trade.Selected = true

		// Selling more than held can only be a stale snapshot; flag it.
		if trade.Side == models.ActionSell && trade.Size > fp.Size {
			trade.Size = fp.Size
			trade.NotionalUSD = trade.Size * sp.CurPrice
			trade.Status = models.MirrorWarning
			trade.Reason = "sell_clamped_to_held_size"
		}

		trades = append(trades, trade)
	}

	// Markets only the follower holds get closed out entirely.
	for _, fp := range followerPositions {
		key := fp.MarketID + "|" + fp.OutcomeSide
		if covered[key] {
			continue
		}
		trade := models.MirrorTrade{
			MarketID:    fp.MarketID,
			TokenID:     fp.TokenID,
			OutcomeSide: fp.OutcomeSide,
			Title:       fp.Title,
			Side:        models.ActionSell,
			Size:        fp.Size,
			Price:       fp.CurPrice,
			NotionalUSD: fp.Size * fp.CurPrice,
		}
		switch {
		case fp.Redeemable:
			trade.Status = models.MirrorSkipped
			trade.Reason = MirrorReasonResolved
		case fp.CurPrice <= 0:
			trade.Status = models.MirrorSkipped
			trade.Reason = MirrorReasonNoPrice
		case trade.NotionalUSD < mirrorMinNotionalUSD:
			trade.Status = models.MirrorSkipped
			trade.Reason = MirrorReasonLowLiquidity
		default:
			trade.Status = models.MirrorReady
			trade.Selected = true
		}
		trades = append(trades, trade)
	}

	return trades
}

// Execute runs the selected legs: every SELL before any BUY so sold capital
// funds the buys, with the follower balance re-read between phases. Legs
// fail independently; nothing is rolled back. The per-leg results are the
// source of truth for what actually happened.
func (pm *PositionMirror) Execute(ctx context.Context, sourceAddress string, trades []models.MirrorTrade, slippagePercent float64) (models.MirrorRun, error) {
	run := models.MirrorRun{
		SourceAddress: sourceAddress,
		StartedAt:     time.Now(),
	}

	var sells, buys []models.MirrorTrade
	for _, t := range trades {
		if !t.Selected || t.Status == models.MirrorSkipped {
			continue
		}
		if t.Side == models.ActionSell {
			sells = append(sells, t)
		} else {
			buys = append(buys, t)
		}
	}

	preBalance, err := pm.client.GetBalance(ctx, pm.followerAddress)
	if err != nil {
		return run, fmt.Errorf("pre-sell balance: %w", err)
	}
	run.PreSellBalance = preBalance

	for _, t := range sells {
		leg := pm.executeLeg(ctx, t, slippagePercent)
		run.Legs = append(run.Legs, leg)
		if leg.Success {
			run.SellSuccesses++
		} else {
			run.SellFailures++
		}
	}

	// The sells just changed the follower's buying power; the pre-sell
	// figure is stale by definition.
	postBalance, err := pm.client.GetBalance(ctx, pm.followerAddress)
	if err != nil {
		pm.log.Warnw("post-sell balance read failed, using pre-sell figure", "err", err)
		postBalance = preBalance
	}
	run.PostSellBalance = postBalance

	remaining := postBalance
	for _, t := range buys {
		if t.NotionalUSD > remaining {
			run.Legs = append(run.Legs, models.MirrorLegResult{
				Trade: t, Success: false, Error: ReasonInsufficientBalance,
			})
			run.BuyFailures++
			continue
		}
		leg := pm.executeLeg(ctx, t, slippagePercent)
		run.Legs = append(run.Legs, leg)
		if leg.Success {
			run.BuySuccesses++
			remaining -= t.NotionalUSD
		} else {
			run.BuyFailures++
		}
	}

	run.FinishedAt = time.Now()

	if pm.recorder != nil {
		if err := pm.recorder.SaveMirrorRun(ctx, run); err != nil {
			pm.log.Warnw("failed to save mirror run", "err", err)
		}
	}

	pm.log.Infow("mirror run finished",
		"source", sourceAddress,
		"sells", fmt.Sprintf("%d/%d", run.SellSuccesses, run.SellSuccesses+run.SellFailures),
		"buys", fmt.Sprintf("%d/%d", run.BuySuccesses, run.BuySuccesses+run.BuyFailures))
	return run, nil
}

func (pm *PositionMirror) executeLeg(ctx context.Context, t models.MirrorTrade, slippagePercent float64) models.MirrorLegResult {
	market, err := pm.client.GetMarket(ctx, t.TokenID)
	if err != nil {
		return models.MirrorLegResult{Trade: t, Error: fmt.Sprintf("market lookup: %v", err)}
	}

	order := models.SizedOrder{
		TokenID:    t.TokenID,
		Side:       t.Side,
		Size:       t.Size,
		LimitPrice: t.Price,
	}
	resp, err := pm.executor.Submit(ctx, order, slippagePercent, market)
	if err != nil {
		pm.log.Warnw("mirror leg failed",
			"market", t.MarketID, "side", t.Side, "err", err)
		return models.MirrorLegResult{Trade: t, Error: err.Error()}
	}
	return models.MirrorLegResult{Trade: t, Success: true, OrderID: resp.OrderID}
}
