package api

import (
	"context"
	"sync"
	"time"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

// MockClient is a hook-based fake of the venue client for tests. Unset hooks
// return empty results so tests only script the calls they care about.
type MockClient struct {
	mu sync.Mutex

	GetPositionsFunc      func(ctx context.Context, address string) ([]models.Position, error)
	GetActivityFunc       func(ctx context.Context, address string, after time.Time, limit int) ([]DataActivity, error)
	GetMarketFunc         func(ctx context.Context, tokenID string) (*MarketInfo, error)
	GetBalanceFunc        func(ctx context.Context, address string) (float64, error)
	ResolveProxyOwnerFunc func(ctx context.Context, address string) (string, error)
	SubmitOrderFunc       func(ctx context.Context, order models.SizedOrder) (*OrderResponse, error)

	// SubmittedOrders records every SubmitOrder call in order.
	SubmittedOrders []models.SizedOrder
}

func (m *MockClient) GetPositions(ctx context.Context, address string) ([]models.Position, error) {
	if m.GetPositionsFunc != nil {
		return m.GetPositionsFunc(ctx, address)
	}
	return nil, nil
}

func (m *MockClient) GetActivity(ctx context.Context, address string, after time.Time, limit int) ([]DataActivity, error) {
	if m.GetActivityFunc != nil {
		return m.GetActivityFunc(ctx, address, after, limit)
	}
	return nil, nil
}

func (m *MockClient) GetMarket(ctx context.Context, tokenID string) (*MarketInfo, error) {
	if m.GetMarketFunc != nil {
		return m.GetMarketFunc(ctx, tokenID)
	}
	return &MarketInfo{TickSize: 0.01, MinimumOrderSize: 1, Active: true, AcceptingOrders: true}, nil
}

func (m *MockClient) GetBalance(ctx context.Context, address string) (float64, error) {
	if m.GetBalanceFunc != nil {
		return m.GetBalanceFunc(ctx, address)
	}
	return 0, nil
}

func (m *MockClient) ResolveProxyOwner(ctx context.Context, address string) (string, error) {
	if m.ResolveProxyOwnerFunc != nil {
		return m.ResolveProxyOwnerFunc(ctx, address)
	}
	return NormalizeAddress(address), nil
}

func (m *MockClient) SubmitOrder(ctx context.Context, order models.SizedOrder) (*OrderResponse, error) {
	m.mu.Lock()
	m.SubmittedOrders = append(m.SubmittedOrders, order)
	m.mu.Unlock()
	if m.SubmitOrderFunc != nil {
		return m.SubmitOrderFunc(ctx, order)
	}
	return &OrderResponse{Success: true, OrderID: "mock-order", Status: "matched"}, nil
}

// Submitted returns a copy of the recorded orders.
func (m *MockClient) Submitted() []models.SizedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SizedOrder, len(m.SubmittedOrders))
	copy(out, m.SubmittedOrders)
	return out
}

// MockTransport is a scriptable SubscriptionTransport for feed tests.
type MockTransport struct {
	mu sync.Mutex

	ConnectErrs    []error // consumed one per Connect call; nil = success
	SupportsUpdate bool

	ConnectCalls     int
	SubscribeCalls   [][]string
	UpdateCalls      [][]string
	UnsubscribeCalls int

	msgCh chan DataActivity
	done  chan struct{}
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		msgCh: make(chan DataActivity, 64),
		done:  make(chan struct{}),
	}
}

func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls++
	if len(m.ConnectErrs) > 0 {
		err := m.ConnectErrs[0]
		m.ConnectErrs = m.ConnectErrs[1:]
		if err != nil {
			return err
		}
	}
	m.done = make(chan struct{})
	return nil
}

func (m *MockTransport) Subscribe(addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribeCalls = append(m.SubscribeCalls, append([]string(nil), addresses...))
	return nil
}

func (m *MockTransport) Update(addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.SupportsUpdate {
		return ErrUpdateUnsupported
	}
	m.UpdateCalls = append(m.UpdateCalls, append([]string(nil), addresses...))
	return nil
}

func (m *MockTransport) Unsubscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UnsubscribeCalls++
	return nil
}

func (m *MockTransport) Messages() <-chan DataActivity {
	return m.msgCh
}

func (m *MockTransport) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *MockTransport) Close() error {
	return nil
}

// Emit pushes an activity row through the transport as if received from the
// venue.
func (m *MockTransport) Emit(act DataActivity) {
	m.msgCh <- act
}

// Drop severs the current connection, waking anyone blocked on Done.
func (m *MockTransport) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}
