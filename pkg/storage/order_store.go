package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitwatch/pkg/order"
)

var (
	ErrDuplicateOrder = errors.New("order id already stored")
	ErrOrderClosed    = errors.New("order is no longer pending")
)

// OrderStore keeps the limit order collection in a Backend.
//
// Every mutation reads the whole collection, applies the change and writes the
// whole collection back. A nil backend means persistence is unavailable: reads
// return nothing and writes are silently dropped.
//
// The mutex serializes read-modify-write cycles inside one process. Writers in
// other processes sharing the backend are not coordinated (last writer wins).
type OrderStore struct {
	mu      sync.Mutex
	backend Backend
	logger  *zap.SugaredLogger
}

func NewOrderStore(backend Backend, logger *zap.SugaredLogger) *OrderStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OrderStore{backend: backend, logger: logger}
}

// Available reports whether writes will be persisted.
func (s *OrderStore) Available() bool { return s.backend != nil }

// LoadAll returns every stored order in insertion order. Read or decode
// failures are logged and yield an empty collection.
func (s *OrderStore) LoadAll() []order.LimitOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, err := s.load()
	if err != nil {
		s.logger.Errorw("orders_load_failed", "err", err)
		return []order.LimitOrder{}
	}
	if orders == nil {
		return []order.LimitOrder{}
	}
	return orders
}

// Get returns the current stored record for id.
func (s *OrderStore) Get(id string) (order.LimitOrder, bool) {
	for _, o := range s.LoadAll() {
		if o.ID == id {
			return o, true
		}
	}
	return order.LimitOrder{}, false
}

// Save appends a new order.
func (s *OrderStore) Save(o order.LimitOrder) error {
	if s.backend == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range orders {
		if existing.ID == o.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
		}
	}
	if err := s.persist(append(orders, o)); err != nil {
		return err
	}
	s.logger.Infow("order_saved",
		"id", o.ID,
		"owner", o.Owner.Hex(),
		"direction", o.Direction,
		"amount_in", o.AmountIn.String(),
		"target_price", o.TargetPrice.String())
	return nil
}

// UpdateStatus moves order id to status. txHash replaces the stored hash when
// given, otherwise the stored hash is kept. Unknown ids are ignored; orders
// that already reached a terminal status are left untouched and ErrOrderClosed
// is returned.
func (s *OrderStore) UpdateStatus(id string, status order.Status, txHash *common.Hash) error {
	if s.backend == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.load()
	if err != nil {
		return err
	}
	idx := -1
	for i := range orders {
		if orders[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if orders[idx].Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrOrderClosed, id, orders[idx].Status)
	}
	next, err := orders[idx].Transition(status, txHash)
	if err != nil {
		return err
	}

	updated := make([]order.LimitOrder, len(orders))
	copy(updated, orders)
	updated[idx] = next
	if err := s.persist(updated); err != nil {
		return err
	}

	fields := []interface{}{"id", id, "status", status}
	if next.TxHash != nil {
		fields = append(fields, "tx", next.TxHash.Hex())
	}
	s.logger.Infow("order_status_updated", fields...)
	return nil
}

// Cancel is UpdateStatus(id, cancelled).
func (s *OrderStore) Cancel(id string) error {
	return s.UpdateStatus(id, order.StatusCancelled, nil)
}

func (s *OrderStore) load() ([]order.LimitOrder, error) {
	if s.backend == nil {
		return nil, nil
	}
	raw, err := s.backend.Get(ordersKey())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeOrders(raw)
}

func (s *OrderStore) persist(orders []order.LimitOrder) error {
	raw, err := encodeOrders(orders)
	if err != nil {
		return err
	}
	return s.backend.Set(ordersKey(), raw)
}
