package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Numeric handles venue numbers that may arrive as strings or numbers.
// Every numeric field read from an external payload goes through this type
// at the boundary; nothing downstream parses venue strings.
type Numeric float64

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		*n = 0
		return nil
	}

	// Handle quoted numbers.
	if data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Numeric(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Numeric(f)
	return nil
}

func (n Numeric) Float64() float64 {
	return float64(n)
}

// DataPosition is a position row from the data API.
type DataPosition struct {
	ProxyWallet  string  `json:"proxyWallet"`
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Outcome      string  `json:"outcome"`
	Title        string  `json:"title"`
	Size         Numeric `json:"size"`
	AvgPrice     Numeric `json:"avgPrice"`
	CurPrice     Numeric `json:"curPrice"`
	CurrentValue Numeric `json:"currentValue"`
	Redeemable   bool    `json:"redeemable"`
}

// DataActivity is an activity row from the data API (the push transport
// delivers the same shape over the user channel).
type DataActivity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Type            string  `json:"type"` // TRADE, REDEEM, SPLIT, MERGE
	Side            string  `json:"side"`
	Asset           string  `json:"asset"`
	ConditionID     string  `json:"conditionId"`
	Outcome         string  `json:"outcome"`
	Title           string  `json:"title"`
	Size            Numeric `json:"size"`
	UsdcSize        Numeric `json:"usdcSize"`
	Price           Numeric `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	TransactionHash string  `json:"transactionHash"`
}

// MarketInfo is the subset of CLOB market metadata the engine needs.
type MarketInfo struct {
	ConditionID      string  `json:"condition_id"`
	TickSize         Numeric `json:"minimum_tick_size"`
	MinimumOrderSize Numeric `json:"minimum_order_size"`
	Active           bool    `json:"active"`
	Closed           bool    `json:"closed"`
	AcceptingOrders  bool    `json:"accepting_orders"`
	NegRisk          bool    `json:"neg_risk"`
}

// OrderResponse is the venue's reply to an order submission. Venue responses
// are not trusted at face value: Validate treats an empty payload, a missing
// order id, or an embedded error as failure even when the transport call
// succeeded.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderId"`
	TxHash   string `json:"transactionHash"`
	Status   string `json:"status"` // matched, live, delayed, unmatched
}

// Validate returns a non-nil error unless the response identifies a
// successfully accepted order.
func (r *OrderResponse) Validate() error {
	if r == nil {
		return &APIError{Class: ClassVenueFatal, Code: "empty_response", Message: "venue returned empty order response"}
	}
	if r.ErrorMsg != "" {
		return &APIError{Class: ClassRejection, Code: "venue_error", Message: r.ErrorMsg}
	}
	if !r.Success {
		return &APIError{Class: ClassRejection, Code: "order_not_accepted", Message: "venue reported success=false"}
	}
	if r.OrderID == "" {
		return &APIError{Class: ClassVenueFatal, Code: "missing_order_id", Message: "order response has no order id"}
	}
	return nil
}
