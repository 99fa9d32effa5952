package api

// API request/response types for REST endpoints and WebSocket messages

import (
	"time"

	"github.com/uhyunpark/limitwatch/pkg/order"
)

// ==============================
// REST Request Types
// ==============================

// PlaceOrderRequest is the payload for POST /api/v1/orders
type PlaceOrderRequest struct {
	Owner       string `json:"owner"`       // Must be the watcher's signing address
	Direction   string `json:"direction"`   // "AtoB" or "BtoA"
	AmountIn    string `json:"amountIn"`    // Decimal, whole tokens
	TargetPrice string `json:"targetPrice"` // Output per input
}

// ==============================
// REST Response Types
// ==============================

// OrderInfo is a stored limit order as served to clients
type OrderInfo struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Direction   string `json:"direction"`
	AmountIn    string `json:"amountIn"`
	TargetPrice string `json:"targetPrice"`
	PlacedAt    int64  `json:"placedAt"` // Unix milliseconds
	Status      string `json:"status"`   // "pending" | "executed" | "cancelled"
	TxHash      string `json:"txHash,omitempty"`
}

func toOrderInfo(o order.LimitOrder) OrderInfo {
	info := OrderInfo{
		ID:          o.ID,
		Owner:       o.Owner.Hex(),
		Direction:   string(o.Direction),
		AmountIn:    o.AmountIn.String(),
		TargetPrice: o.TargetPrice.String(),
		PlacedAt:    o.PlacedAt.UnixMilli(),
		Status:      string(o.Status),
	}
	if o.TxHash != nil {
		info.TxHash = o.TxHash.Hex()
	}
	return info
}

// RateInfo carries both directional pool rates
type RateInfo struct {
	AtoB        string `json:"aToB"`        // Exact, 18 dp
	BtoA        string `json:"bToA"`        // Exact, 18 dp
	AtoBDisplay string `json:"aToBDisplay"` // 6 dp
	BtoADisplay string `json:"bToADisplay"` // 6 dp
	Timestamp   int64  `json:"timestamp"`   // Unix milliseconds
}

func toRateInfo(r order.Rates, at time.Time) RateInfo {
	return RateInfo{
		AtoB:        r.AtoB.String(),
		BtoA:        r.BtoA.String(),
		AtoBDisplay: r.AtoB.StringFixed(6),
		BtoADisplay: r.BtoA.StringFixed(6),
		Timestamp:   at.UnixMilli(),
	}
}

// QuoteInfo is the pool's dynamic fee for a prospective swap
type QuoteInfo struct {
	Direction       string `json:"direction"`
	TokenIn         string `json:"tokenIn"`
	AmountIn        string `json:"amountIn"`
	FeeRatePerMille string `json:"feeRatePerMille"`
	FeeAmount       string `json:"feeAmount"` // In input tokens
	Rate            string `json:"rate"`      // Current rate for the direction
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope for every pushed message
type WSMessage struct {
	Type string      `json:"type"` // "rate" or "order"
	Data interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "rate", "orders"
}

const (
	ChannelRate   = "rate"
	ChannelOrders = "orders"
)
