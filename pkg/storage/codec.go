package storage

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/limitwatch/pkg/order"
)

// encodeOrders serializes the full collection. A nil slice is written as []
// so an emptied store still decodes cleanly.
func encodeOrders(orders []order.LimitOrder) ([]byte, error) {
	if orders == nil {
		orders = []order.LimitOrder{}
	}
	b, err := json.Marshal(orders)
	if err != nil {
		return nil, fmt.Errorf("encode orders: %w", err)
	}
	return b, nil
}

func decodeOrders(b []byte) ([]order.LimitOrder, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []order.LimitOrder
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return out, nil
}
