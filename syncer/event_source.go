package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xAidan/polymarket-bot-test-sub001/api"
	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

const (
	defaultReconnectBase     = 5 * time.Second
	defaultReconnectMax      = 60 * time.Second
	defaultReconnectAttempts = 10
)

// FeedStatus is a snapshot of both feeds' health. The push feed degrading
// or dying never blocks the poll feed; these flags are how operators (and
// tests) observe that.
type FeedStatus struct {
	PushConnected  bool      `json:"push_connected"`
	PushDisabled   bool      `json:"push_disabled"`
	PushReconnects int       `json:"push_reconnects"`
	LastPushEvent  time.Time `json:"last_push_event"`
	LastPollAt     time.Time `json:"last_poll_at"`
	PollErrors     int       `json:"poll_errors"`
}

// EventSource watches tracked addresses through two independent feeds and
// emits normalized TradeEvents into a single channel. The push feed gives
// low latency; the poll feed diffs position snapshots and is the feed of
// record when activity carries no transaction hash.
type EventSource struct {
	client    Exchange
	transport api.SubscriptionTransport
	log       *zap.SugaredLogger

	pollInterval time.Duration

	// Reconnect policy. Overridable in tests.
	reconnectBase     time.Duration
	reconnectMax      time.Duration
	reconnectAttempts int

	events chan models.TradeEvent

	mu       sync.RWMutex
	sources  map[string]models.TrackedSource // keyed by resolved, normalized address
	resolved map[string]string               // raw -> resolved cache
	status   FeedStatus

	// Previous position snapshot per address, keyed by market|outcome,
	// and the time each snapshot was read.
	snapshots  map[string]map[string]pollPosition
	snapshotAt map[string]time.Time

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	now     func() time.Time
}

type pollPosition struct {
	tokenID string
	size    float64
	price   float64
}

// NewEventSource creates the dual-channel monitor. A nil transport disables
// the push feed entirely; polling still runs.
func NewEventSource(client Exchange, transport api.SubscriptionTransport, pollInterval time.Duration, log *zap.SugaredLogger) *EventSource {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &EventSource{
		client:            client,
		transport:         transport,
		log:               log,
		pollInterval:      pollInterval,
		reconnectBase:     defaultReconnectBase,
		reconnectMax:      defaultReconnectMax,
		reconnectAttempts: defaultReconnectAttempts,
		events:            make(chan models.TradeEvent, 128),
		sources:           make(map[string]models.TrackedSource),
		resolved:          make(map[string]string),
		snapshots:         make(map[string]map[string]pollPosition),
		snapshotAt:        make(map[string]time.Time),
		stopCh:            make(chan struct{}),
		now:               time.Now,
	}
}

// Events is the normalized event stream consumed by the pipeline.
func (es *EventSource) Events() <-chan models.TradeEvent {
	return es.events
}

// Status returns a copy of the current feed-status flags.
func (es *EventSource) Status() FeedStatus {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.status
}

// SetSources replaces the tracked set. Addresses that are proxy wallets are
// resolved back to their owning account; if resolution fails the raw address
// is tracked directly rather than blocking the feed.
func (es *EventSource) SetSources(ctx context.Context, sources []models.TrackedSource) {
	resolved := make(map[string]models.TrackedSource, len(sources))
	for _, src := range sources {
		addr := es.resolveAddress(ctx, src.Address)
		src.Address = addr
		resolved[addr] = src
	}

	es.mu.Lock()
	es.sources = resolved
	es.mu.Unlock()

	es.updateSubscription()
}

// AddSource starts tracking one address without disturbing the others.
func (es *EventSource) AddSource(ctx context.Context, src models.TrackedSource) {
	addr := es.resolveAddress(ctx, src.Address)
	src.Address = addr

	es.mu.Lock()
	es.sources[addr] = src
	es.mu.Unlock()

	es.updateSubscription()
}

// RemoveSource stops tracking an address and drops its poll baseline.
func (es *EventSource) RemoveSource(address string) {
	addr := strings.ToLower(address)
	es.mu.Lock()
	delete(es.sources, addr)
	delete(es.snapshots, addr)
	delete(es.snapshotAt, addr)
	es.mu.Unlock()

	es.updateSubscription()
}

func (es *EventSource) resolveAddress(ctx context.Context, raw string) string {
	norm := strings.ToLower(raw)

	es.mu.RLock()
	cached, ok := es.resolved[norm]
	es.mu.RUnlock()
	if ok {
		return cached
	}

	owner, err := es.client.ResolveProxyOwner(ctx, norm)
	if err != nil || owner == "" {
		es.log.Debugw("proxy resolution failed, tracking raw address", "address", norm, "err", err)
		owner = norm
	} else {
		owner = strings.ToLower(owner)
	}

	es.mu.Lock()
	es.resolved[norm] = owner
	es.mu.Unlock()
	return owner
}

// updateSubscription pushes the current address set into a live push
// connection. Transports without incremental updates get a full
// unsubscribe+resubscribe.
func (es *EventSource) updateSubscription() {
	if es.transport == nil {
		return
	}
	es.mu.RLock()
	connected := es.status.PushConnected
	addrs := es.addressesLocked()
	es.mu.RUnlock()
	if !connected {
		return
	}

	if err := es.transport.Update(addrs); err != nil {
		if !errors.Is(err, api.ErrUpdateUnsupported) {
			es.log.Warnw("subscription update failed", "err", err)
			return
		}
		if err := es.transport.Unsubscribe(); err != nil {
			es.log.Warnw("unsubscribe failed", "err", err)
		}
		if err := es.transport.Subscribe(addrs); err != nil {
			es.log.Warnw("resubscribe failed", "err", err)
		}
	}
}

func (es *EventSource) addressesLocked() []string {
	addrs := make([]string, 0, len(es.sources))
	for addr := range es.sources {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Start launches both feeds.
func (es *EventSource) Start(ctx context.Context) error {
	if es.running {
		return errors.New("event source already running")
	}
	es.running = true

	es.wg.Add(1)
	go es.pollLoop(ctx)

	if es.transport != nil {
		es.wg.Add(1)
		go es.pushLoop(ctx)
		es.wg.Add(1)
		go es.consumePush(ctx)
	}

	es.log.Infow("event source started",
		"pollInterval", es.pollInterval, "pushEnabled", es.transport != nil)
	return nil
}

// Stop shuts down both feeds and waits for them.
func (es *EventSource) Stop() {
	if !es.running {
		return
	}
	es.running = false
	close(es.stopCh)
	if es.transport != nil {
		es.transport.Close()
	}
	es.wg.Wait()
	es.log.Infow("event source stopped")
}

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// base, doubling, capped.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// pushLoop owns the connection lifecycle: connect, subscribe, wait for the
// connection to drop, reconnect with backoff. Exceeding the attempt budget
// disables push for the rest of the process; polling is unaffected.
func (es *EventSource) pushLoop(ctx context.Context) {
	defer es.wg.Done()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-es.stopCh:
			return
		default:
		}

		if err := es.transport.Connect(ctx); err != nil {
			failures++
			if failures >= es.reconnectAttempts {
				es.disablePush(failures)
				return
			}
			delay := ReconnectDelay(failures, es.reconnectBase, es.reconnectMax)
			es.log.Warnw("push connect failed, backing off",
				"attempt", failures, "delay", delay, "err", err)
			es.setPushState(false, failures)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			case <-es.stopCh:
				return
			}
		}

		failures = 0
		es.setPushState(true, 0)

		// Subscribe with the address set as it is now, never a stale copy.
		es.mu.RLock()
		addrs := es.addressesLocked()
		es.mu.RUnlock()
		if err := es.transport.Subscribe(addrs); err != nil {
			es.log.Warnw("push subscribe failed", "err", err)
		} else {
			es.log.Infow("push feed subscribed", "addresses", len(addrs))
		}

		select {
		case <-es.transport.Done():
			es.setPushState(false, 0)
			es.log.Warnw("push connection lost, reconnecting")
		case <-ctx.Done():
			return
		case <-es.stopCh:
			return
		}
	}
}

func (es *EventSource) disablePush(failures int) {
	es.mu.Lock()
	es.status.PushConnected = false
	es.status.PushDisabled = true
	es.status.PushReconnects = failures
	es.mu.Unlock()
	es.log.Errorw("push feed disabled after repeated failures, polling remains active",
		"attempts", failures)
}

func (es *EventSource) setPushState(connected bool, reconnects int) {
	es.mu.Lock()
	es.status.PushConnected = connected
	if reconnects > 0 {
		es.status.PushReconnects = reconnects
	}
	es.mu.Unlock()
}

// consumePush drains the transport's message channel, which persists across
// reconnects, and normalizes each activity into a TradeEvent.
func (es *EventSource) consumePush(ctx context.Context) {
	defer es.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-es.stopCh:
			return
		case act, ok := <-es.transport.Messages():
			if !ok {
				return
			}
			es.handlePushActivity(ctx, act)
		}
	}
}

func (es *EventSource) handlePushActivity(ctx context.Context, act api.DataActivity) {
	if act.Type != "" && act.Type != "TRADE" {
		return
	}

	addr := es.resolveAddress(ctx, act.ProxyWallet)

	es.mu.RLock()
	src, tracked := es.sources[addr]
	es.mu.RUnlock()
	if !tracked || !src.Active {
		return
	}

	action := models.ActionBuy
	if strings.EqualFold(act.Side, "SELL") {
		action = models.ActionSell
	}

	event := models.TradeEvent{
		SourceAddress: addr,
		MarketID:      act.ConditionID,
		TokenID:       act.Asset,
		OutcomeSide:   act.Outcome,
		Action:        action,
		Amount:        act.Size.Float64(),
		Price:         act.Price.Float64(),
		Timestamp:     time.Unix(act.Timestamp, 0).UTC(),
		TxHash:        act.TransactionHash,
		Source:        models.DetectedByPush,
		DetectedAt:    es.now(),
		Settings:      src.Settings,
	}

	es.mu.Lock()
	es.status.LastPushEvent = es.now()
	es.mu.Unlock()

	// Fold the fill into the poll baseline before the next diff runs, or
	// the poll feed re-detects the same trade under a different key.
	es.applyFillToSnapshot(addr, event)

	es.emit(event)
}

// applyFillToSnapshot advances the stored poll snapshot by one observed
// fill. Without this, every push-copied trade shows up again as a position
// delta on the next poll, and the delta's synthetic key cannot collapse
// against the push event's transaction hash.
func (es *EventSource) applyFillToSnapshot(addr string, event models.TradeEvent) {
	es.mu.Lock()
	defer es.mu.Unlock()

	snap, ok := es.snapshots[addr]
	if !ok {
		// No baseline yet; the first poll is baseline-only anyway.
		return
	}
	// A fill clearly older than the last snapshot read is already in the
	// snapshot; folding it again would invert the error. The grace covers
	// the venue's second-granular timestamps and clock skew.
	const foldGrace = 2 * time.Second
	if takenAt, ok := es.snapshotAt[addr]; ok && event.Timestamp.Before(takenAt.Add(-foldGrace)) {
		return
	}

	key := event.MarketID + "|" + event.OutcomeSide
	pos, held := snap[key]
	if !held {
		pos = pollPosition{tokenID: event.TokenID, price: event.Price}
	}
	if event.Action == models.ActionSell {
		pos.size -= event.Amount
		if pos.size < 0 {
			pos.size = 0
		}
	} else {
		pos.size += event.Amount
	}
	snap[key] = pos
}

func (es *EventSource) pollLoop(ctx context.Context) {
	defer es.wg.Done()

	ticker := time.NewTicker(es.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-es.stopCh:
			return
		case <-ticker.C:
			es.pollOnce(ctx)
		}
	}
}

// pollOnce diffs every active source's position snapshot against the prior
// one. The first snapshot for an address is a baseline only; emitting events
// for it would replay the source's whole portfolio as fresh buys.
func (es *EventSource) pollOnce(ctx context.Context) {
	es.mu.RLock()
	sources := make([]models.TrackedSource, 0, len(es.sources))
	for _, src := range es.sources {
		if src.Active {
			sources = append(sources, src)
		}
	}
	es.mu.RUnlock()

	for _, src := range sources {
		if err := es.pollSource(ctx, src); err != nil {
			es.mu.Lock()
			es.status.PollErrors++
			es.mu.Unlock()
			es.log.Warnw("poll failed", "source", src.Address, "err", err)
		}
	}

	es.mu.Lock()
	es.status.LastPollAt = es.now()
	es.mu.Unlock()
}

func (es *EventSource) pollSource(ctx context.Context, src models.TrackedSource) error {
	positions, err := es.client.GetPositions(ctx, src.Address)
	if err != nil {
		return err
	}

	current := make(map[string]pollPosition, len(positions))
	for _, p := range positions {
		key := p.MarketID + "|" + p.OutcomeSide
		current[key] = pollPosition{tokenID: p.TokenID, size: p.Size, price: p.CurPrice}
	}

	es.mu.Lock()
	prev, hadBaseline := es.snapshots[src.Address]
	es.snapshots[src.Address] = current
	es.snapshotAt[src.Address] = es.now()
	es.mu.Unlock()

	if !hadBaseline {
		return nil
	}

	now := es.now()
	events := make([]models.TradeEvent, 0, 4)
	for key, cur := range current {
		delta := cur.size - prev[key].size
		if event, ok := es.deltaEvent(src, key, cur, delta, now); ok {
			events = append(events, event)
		}
	}
	// Positions fully closed since the last snapshot.
	for key, old := range prev {
		if _, still := current[key]; !still {
			if event, ok := es.deltaEvent(src, key, old, -old.size, now); ok {
				events = append(events, event)
			}
		}
	}

	if len(events) > 0 {
		es.attachActivityHashes(ctx, src.Address, events)
	}
	for _, event := range events {
		es.emit(event)
	}
	return nil
}

// attachActivityHashes looks up the source's recent venue activity and,
// when a delta maps to exactly one trade, copies its transaction hash onto
// the event. Both feeds then derive the same idempotency key for the same
// fill; ambiguous aggregates keep their synthetic key.
func (es *EventSource) attachActivityHashes(ctx context.Context, address string, events []models.TradeEvent) {
	lookback := es.now().Add(-2 * es.pollInterval)
	acts, err := es.client.GetActivity(ctx, address, lookback, 50)
	if err != nil {
		es.log.Debugw("activity lookup failed, keeping synthetic keys",
			"source", address, "err", err)
		return
	}

	type match struct {
		hash  string
		count int
	}
	matches := make(map[string]match, len(acts))
	for _, act := range acts {
		if (act.Type != "" && act.Type != "TRADE") || act.TransactionHash == "" {
			continue
		}
		key := act.ConditionID + "|" + act.Outcome + "|" + strings.ToUpper(act.Side)
		m := matches[key]
		m.hash = act.TransactionHash
		m.count++
		matches[key] = m
	}

	for i := range events {
		key := events[i].MarketID + "|" + events[i].OutcomeSide + "|" + string(events[i].Action)
		if m, ok := matches[key]; ok && m.count == 1 {
			events[i].TxHash = m.hash
		}
	}
}

// deltaEvent synthesizes a TradeEvent from a position size delta. These
// events carry no transaction hash; their idempotency key is derived from
// the observation coordinates instead.
func (es *EventSource) deltaEvent(src models.TrackedSource, key string, pos pollPosition, delta float64, now time.Time) (models.TradeEvent, bool) {
	const minDelta = 1e-9
	if delta > -minDelta && delta < minDelta {
		return models.TradeEvent{}, false
	}

	marketID, outcome, _ := strings.Cut(key, "|")
	action := models.ActionBuy
	if delta < 0 {
		action = models.ActionSell
		delta = -delta
	}

	return models.TradeEvent{
		SourceAddress: src.Address,
		MarketID:      marketID,
		TokenID:       pos.tokenID,
		OutcomeSide:   outcome,
		Action:        action,
		Amount:        delta,
		Price:         pos.price,
		Timestamp:     now,
		Source:        models.DetectedByPoll,
		DetectedAt:    now,
		Settings:      src.Settings,
	}, true
}

func (es *EventSource) emit(event models.TradeEvent) {
	select {
	case es.events <- event:
	default:
		es.log.Warnw("event channel full, dropping event",
			"source", event.SourceAddress, "market", event.MarketID)
	}
}
