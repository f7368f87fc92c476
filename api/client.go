package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xAidan/polymarket-bot-test-sub001/models"
)

const (
	defaultDataURL = "https://data-api.polymarket.com"
	defaultClobURL = "https://clob.polymarket.com"

	// CLOB allows 150 req/10s; stay well under it.
	readRateLimit = 10 // req/s
	readBurst     = 20

	maxReadRetries = 3
	retryBaseDelay = 500 * time.Millisecond
)

// Client talks to the venue's data and CLOB APIs. Read calls are rate
// limited and retried on transient failures; SubmitOrder is issued exactly
// once and never retried, since a network-level ambiguity after submission
// could otherwise produce a duplicate order.
type Client struct {
	dataURL    string
	clobURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.SugaredLogger
}

// NewClient creates a venue client. Empty URLs fall back to production
// endpoints.
func NewClient(dataURL, clobURL string, log *zap.SugaredLogger) *Client {
	if dataURL == "" {
		dataURL = defaultDataURL
	}
	if clobURL == "" {
		clobURL = defaultClobURL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		dataURL: strings.TrimRight(dataURL, "/"),
		clobURL: strings.TrimRight(clobURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(readRateLimit), readBurst),
		log:     log.Named("api"),
	}
}

// NormalizeAddress lower-cases and validates a hex address. Invalid input is
// returned lower-cased as-is so a bad venue payload degrades to a string
// compare instead of blocking a feed.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return strings.ToLower(addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex())
}

// getJSON issues a rate-limited GET with transient-failure retries and
// decodes the response into out.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= maxReadRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = c.getJSONOnce(ctx, rawURL, out)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		c.log.Debugw("retrying read", "url", rawURL, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *Client) getJSONOnce(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			Class:   classifyStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Code:    "http_" + strconv.Itoa(resp.StatusCode),
			Message: strings.TrimSpace(string(body)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// GetPositions fetches the current position snapshot for an address,
// normalized at the boundary.
func (c *Client) GetPositions(ctx context.Context, address string) ([]models.Position, error) {
	values := url.Values{}
	values.Set("user", address)
	values.Set("sizeThreshold", "0.1")

	var raw []DataPosition
	if err := c.getJSON(ctx, c.dataURL+"/positions?"+values.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("get positions for %s: %w", address, err)
	}

	positions := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		if p.Asset == "" || p.Size.Float64() <= 0 {
			continue
		}
		positions = append(positions, models.Position{
			MarketID:    p.ConditionID,
			TokenID:     p.Asset,
			OutcomeSide: p.Outcome,
			Title:       p.Title,
			Size:        p.Size.Float64(),
			AvgPrice:    p.AvgPrice.Float64(),
			CurPrice:    p.CurPrice.Float64(),
			ValueUSD:    p.CurrentValue.Float64(),
			Redeemable:  p.Redeemable,
		})
	}
	return positions, nil
}

// GetActivity fetches trade activity for an address after the given time.
func (c *Client) GetActivity(ctx context.Context, address string, after time.Time, limit int) ([]DataActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	values := url.Values{}
	values.Set("user", address)
	values.Set("limit", strconv.Itoa(limit))
	if !after.IsZero() {
		values.Set("start", strconv.FormatInt(after.Unix(), 10))
	}

	var raw []DataActivity
	if err := c.getJSON(ctx, c.dataURL+"/activity?"+values.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("get activity for %s: %w", address, err)
	}
	return raw, nil
}

// GetMarket fetches market metadata (tick size, status) for a token.
func (c *Client) GetMarket(ctx context.Context, tokenID string) (*MarketInfo, error) {
	var info MarketInfo
	if err := c.getJSON(ctx, c.clobURL+"/markets/"+url.PathEscape(tokenID), &info); err != nil {
		return nil, fmt.Errorf("get market %s: %w", tokenID, err)
	}
	if info.TickSize.Float64() <= 0 {
		info.TickSize = Numeric(0.01)
	}
	return &info, nil
}

// GetBalance fetches the available USDC balance for an address.
func (c *Client) GetBalance(ctx context.Context, address string) (float64, error) {
	values := url.Values{}
	values.Set("user", address)

	var raw struct {
		Balance Numeric `json:"balance"`
	}
	if err := c.getJSON(ctx, c.dataURL+"/value?"+values.Encode(), &raw); err != nil {
		return 0, fmt.Errorf("get balance for %s: %w", address, err)
	}
	return raw.Balance.Float64(), nil
}

// ResolveProxyOwner maps a proxy (custody) wallet back to the externally
// owned account that controls it. Callers fall back to the raw address on
// error rather than blocking a feed.
func (c *Client) ResolveProxyOwner(ctx context.Context, address string) (string, error) {
	var raw struct {
		Owner string `json:"owner"`
	}
	if err := c.getJSON(ctx, c.dataURL+"/proxy-wallet/"+url.PathEscape(address), &raw); err != nil {
		return "", fmt.Errorf("resolve proxy %s: %w", address, err)
	}
	if raw.Owner == "" {
		return "", &APIError{Class: ClassRejection, Code: "no_owner", Message: "proxy resolution returned empty owner"}
	}
	return NormalizeAddress(raw.Owner), nil
}

// SubmitOrder submits a signed order exactly once. It is never retried; a
// timeout here is an unknown outcome, surfaced as ClassAmbiguous by
// Classify and reconciled out of band.
func (c *Client) SubmitOrder(ctx context.Context, order models.SizedOrder) (*OrderResponse, error) {
	payload := map[string]any{
		"tokenID": order.TokenID,
		"side":    string(order.Side),
		"size":    order.Size,
		"price":   order.LimitPrice,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.clobURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Class:   classifyStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Code:    "http_" + strconv.Itoa(resp.StatusCode),
			Message: strings.TrimSpace(string(respBody)),
		}
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, &APIError{Class: ClassVenueFatal, Code: "empty_response", Message: "venue returned empty body for order submission"}
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, &APIError{Class: ClassVenueFatal, Code: "malformed_response", Message: err.Error()}
	}
	return &orderResp, nil
}
