package storage

// Key schema for the order database.
//
//   limit_orders  → JSON array of every LimitOrder, insertion order
//
// The whole collection lives under one key so every write replaces it
// atomically and readers always see a complete snapshot.

const keyLimitOrders = "limit_orders"

func ordersKey() []byte { return []byte(keyLimitOrders) }
