package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
	"github.com/0xAidan/polymarket-bot-test-sub001/storage"
)

// Engine wires the pipeline: EventSource -> Deduplicator -> FilterChain ->
// SizeCalculator -> OrderExecutor, one event at a time. Idempotency, not
// locking, is what makes the dual-feed design safe: both feeds deliver into
// the same dedup authority.
type Engine struct {
	client   Exchange
	store    storage.Store
	source   *EventSource
	dedup    *Deduplicator
	rates    *RateLimits
	filters  *FilterChain
	sizer    *SizeCalculator
	executor *OrderExecutor
	mirror   *PositionMirror
	metrics  *metricsCounter
	log      *zap.SugaredLogger

	pollInterval     time.Duration
	snapshotInterval time.Duration

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// EngineConfig carries the knobs the engine itself needs; venue and storage
// endpoints are configured on the injected client and store.
type EngineConfig struct {
	FollowerAddress  string
	PollInterval     time.Duration
	DedupTTL         time.Duration
	StaleEventMaxAge time.Duration
	SnapshotInterval time.Duration
	BalanceCacheTTL  time.Duration
	DryRun           bool
}

func NewEngine(client Exchange, store storage.Store, source *EventSource, cfg EngineConfig, log *zap.SugaredLogger) *Engine {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Minute
	}

	rates := NewRateLimits()
	executor := NewOrderExecutor(client, store, log, cfg.DryRun)

	return &Engine{
		client:           client,
		store:            store,
		source:           source,
		dedup:            NewDeduplicator(cfg.DedupTTL),
		rates:            rates,
		filters:          NewFilterChain(store, rates, cfg.StaleEventMaxAge),
		sizer:            NewSizeCalculator(client, cfg.FollowerAddress).WithBalanceCache(cfg.BalanceCacheTTL),
		executor:         executor,
		mirror:           NewPositionMirror(client, executor, store, cfg.FollowerAddress, log),
		metrics:          newMetricsCounter(),
		log:              log,
		pollInterval:     cfg.PollInterval,
		snapshotInterval: cfg.SnapshotInterval,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start restores persisted ledgers, loads the tracked sources, and launches
// the feeds and the processing loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.running {
		return errors.New("engine already running")
	}

	if keys, err := e.store.LoadProcessedKeys(ctx); err != nil {
		e.log.Warnw("failed to restore dedup ledger, starting empty", "err", err)
	} else {
		e.dedup.Restore(keys)
		e.log.Infow("dedup ledger restored", "entries", len(keys))
	}

	if windows, err := e.store.LoadRateWindows(ctx); err != nil {
		e.log.Warnw("failed to restore rate windows, starting empty", "err", err)
	} else {
		e.rates.Restore(windows)
	}

	sources, err := e.store.ListTrackedSources(ctx, true)
	if err != nil {
		return err
	}
	e.source.SetSources(ctx, sources)

	if err := e.source.Start(ctx); err != nil {
		return err
	}

	e.running = true
	go e.run(ctx)

	e.log.Infow("engine started", "sources", len(sources))
	return nil
}

// Stop shuts down the feeds, drains the loop, and persists the ledgers.
func (e *Engine) Stop() {
	if !e.running {
		return
	}
	e.running = false
	e.source.Stop()
	close(e.stopCh)
	<-e.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.persistLedgers(ctx)
	e.log.Infow("engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	snapshotTicker := time.NewTicker(e.snapshotInterval)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case event := <-e.source.Events():
			e.ProcessEvent(ctx, event)
		case <-snapshotTicker.C:
			e.persistLedgers(ctx)
		}
	}
}

// ProcessEvent runs one event through the whole pipeline. Exported so the
// mirror command and tests can drive the pipeline without live feeds.
func (e *Engine) ProcessEvent(ctx context.Context, event models.TradeEvent) {
	e.metrics.event()

	key := event.IdempotencyKey(e.pollInterval)
	if !e.dedup.CheckAndMark(key) {
		// Expected steady state: the other feed saw it first.
		e.metrics.duplicate()
		e.log.Debugw("duplicate event dropped", "key", key, "feed", event.Source)
		return
	}

	decision, err := e.filters.Evaluate(ctx, event)
	if err != nil {
		e.log.Errorw("filter evaluation failed", "source", event.SourceAddress, "err", err)
		return
	}
	if decision.Blocked {
		e.metrics.filtered(decision.Reason)
		e.log.Infow("event blocked",
			"source", event.SourceAddress, "market", event.MarketID,
			"action", event.Action, "reason", decision.Reason)
		return
	}

	market, err := e.client.GetMarket(ctx, event.TokenID)
	if err != nil {
		e.log.Errorw("market lookup failed", "token", event.TokenID, "err", err)
		return
	}

	sized, err := e.sizer.Calculate(ctx, event, market)
	if err != nil {
		e.log.Errorw("sizing failed", "source", event.SourceAddress, "err", err)
		return
	}
	if sized.Rejected {
		e.metrics.sizingRejected(sized.Reason)
		e.log.Infow("event rejected at sizing",
			"source", event.SourceAddress, "market", event.MarketID, "reason", sized.Reason)
		return
	}
	if sized.NoOp {
		e.metrics.noop()
		e.log.Debugw("position already in sync", "source", event.SourceAddress, "market", event.MarketID)
		return
	}

	result, err := e.executor.Execute(ctx, event, sized.Order, market)
	if err != nil {
		e.metrics.submitted(false)
		e.log.Errorw("execution failed", "source", event.SourceAddress, "err", err)
		return
	}
	e.metrics.submitted(result.Success)
}

func (e *Engine) persistLedgers(ctx context.Context) {
	if err := e.store.SaveProcessedKeys(ctx, e.dedup.Snapshot()); err != nil {
		e.log.Warnw("failed to persist dedup ledger", "err", err)
	}
	if err := e.store.SaveRateWindows(ctx, e.rates.Snapshot()); err != nil {
		e.log.Warnw("failed to persist rate windows", "err", err)
	}
}

// Mirror exposes the batch reconciliation path.
func (e *Engine) Mirror() *PositionMirror { return e.mirror }

// FeedStatus reports both feeds' health flags.
func (e *Engine) FeedStatus() FeedStatus { return e.source.Status() }

// Metrics returns a copy of the pipeline counters.
func (e *Engine) Metrics() EngineMetrics { return e.metrics.snapshot() }

// RateWindow returns the source's current rate-limit counters.
func (e *Engine) RateWindow(source string) models.RateLimitWindow {
	return e.rates.Window(source)
}

// ExecutionHistory lists recent execution results for a source.
func (e *Engine) ExecutionHistory(ctx context.Context, source string, limit int) ([]models.ExecutionResult, error) {
	return e.store.ListExecutionResults(ctx, source, limit)
}

// ClearNoRepeatLedger removes a source's executed-position records, lifting
// a "block forever" window.
func (e *Engine) ClearNoRepeatLedger(ctx context.Context, source string) error {
	return e.store.ClearExecutedPositions(ctx, source)
}

// ListSources returns the tracked sources from the store.
func (e *Engine) ListSources(ctx context.Context, activeOnly bool) ([]models.TrackedSource, error) {
	return e.store.ListTrackedSources(ctx, activeOnly)
}

// TrackSource persists a source and hot-adds it to the live feeds.
func (e *Engine) TrackSource(ctx context.Context, src models.TrackedSource) error {
	if err := e.store.SaveTrackedSource(ctx, src); err != nil {
		return err
	}
	if src.Active {
		e.source.AddSource(ctx, src)
	} else {
		e.source.RemoveSource(src.Address)
	}
	return nil
}

// SetSourceActive toggles replication for a source without touching its
// settings. Re-activating also clears any venue-fatal disable flag.
func (e *Engine) SetSourceActive(ctx context.Context, address string, active bool) error {
	if err := e.store.SetSourceActive(ctx, address, active); err != nil {
		return err
	}
	if !active {
		e.source.RemoveSource(address)
		return nil
	}
	src, err := e.store.GetTrackedSource(ctx, address)
	if err != nil {
		return err
	}
	if src != nil {
		e.source.AddSource(ctx, *src)
		e.executor.EnableSource(src.Address)
	}
	return nil
}

// MirrorRuns lists recent batch reconciliation runs for a source.
func (e *Engine) MirrorRuns(ctx context.Context, source string, limit int) ([]models.MirrorRun, error) {
	return e.store.ListMirrorRuns(ctx, source, limit)
}

// SourceDisabled reports whether the executor has halted a source after a
// venue-fatal error, and why.
func (e *Engine) SourceDisabled(address string) (string, bool) {
	return e.executor.DisabledReason(address)
}
