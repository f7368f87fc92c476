package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsReadTimeout      = 70 * time.Second
	wsPingInterval     = 30 * time.Second
)

// ErrUpdateUnsupported is returned by Update when the connected endpoint
// does not accept incremental subscription changes; callers fall back to
// Unsubscribe + Subscribe.
var ErrUpdateUnsupported = errors.New("transport does not support incremental subscription updates")

// SubscriptionTransport is the narrow push-channel contract the event source
// consumes. Reconnect policy lives in the caller; the transport only manages
// a single connection at a time.
type SubscriptionTransport interface {
	Connect(ctx context.Context) error
	Subscribe(addresses []string) error
	Update(addresses []string) error
	Unsubscribe() error
	// Messages delivers raw activity for subscribed addresses. The channel
	// stays open across reconnects.
	Messages() <-chan DataActivity
	// Done is closed when the current connection is lost.
	Done() <-chan struct{}
	Close() error
}

// WSTransport implements SubscriptionTransport over a websocket user channel.
type WSTransport struct {
	url            string
	supportsUpdate bool
	log            *zap.SugaredLogger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}

	msgCh  chan DataActivity
	closed bool
}

// NewWSTransport creates a websocket transport for the given endpoint.
// supportsUpdate reflects whether the endpoint honors incremental
// subscription updates.
func NewWSTransport(url string, supportsUpdate bool, log *zap.SugaredLogger) *WSTransport {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WSTransport{
		url:            url,
		supportsUpdate: supportsUpdate,
		log:            log.Named("ws"),
		msgCh:          make(chan DataActivity, 256),
		done:           closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Connect dials the endpoint and starts the read pump. Any previous
// connection is torn down first.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.teardown()

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	headers := http.Header{}
	headers.Set("Origin", "https://polymarket.com")

	conn, resp, err := dialer.DialContext(ctx, t.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", t.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.done = done
	t.mu.Unlock()

	go t.readLoop(conn, done)
	go t.pingLoop(conn, done)

	t.log.Infow("connected", "endpoint", t.url)
	return nil
}

type wsSubscription struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// Subscribe replaces the subscription with the given address set.
func (t *WSTransport) Subscribe(addresses []string) error {
	return t.writeJSON(wsSubscription{Type: "subscribe", Users: addresses})
}

// Update applies an incremental subscription change when the endpoint
// supports it.
func (t *WSTransport) Update(addresses []string) error {
	if !t.supportsUpdate {
		return ErrUpdateUnsupported
	}
	return t.writeJSON(wsSubscription{Type: "update_subscription", Users: addresses})
}

// Unsubscribe clears the current subscription.
func (t *WSTransport) Unsubscribe() error {
	return t.writeJSON(wsSubscription{Type: "unsubscribe"})
}

func (t *WSTransport) writeJSON(v any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func (t *WSTransport) Messages() <-chan DataActivity {
	return t.msgCh
}

func (t *WSTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Close tears down the connection permanently.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.teardown()
	return nil
}

func (t *WSTransport) teardown() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (t *WSTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.log.Warnw("read error, connection lost", "error", err)
			}
			return
		}
		t.dispatch(message)
	}
}

// dispatch parses a raw frame into activity rows. The user channel sends
// either a single object or an array; anything else is ignored at debug
// level rather than treated as fatal.
func (t *WSTransport) dispatch(message []byte) {
	var batch []DataActivity
	if err := json.Unmarshal(message, &batch); err != nil {
		var single DataActivity
		if err := json.Unmarshal(message, &single); err != nil || single.ProxyWallet == "" {
			t.log.Debugw("ignoring non-activity frame", "raw", string(message))
			return
		}
		batch = []DataActivity{single}
	}

	for _, act := range batch {
		select {
		case t.msgCh <- act:
		default:
			t.log.Warnw("message channel full, dropping activity", "tx", act.TransactionHash)
		}
	}
}

func (t *WSTransport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.log.Debugw("ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}
