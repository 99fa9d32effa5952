// Package watcher runs the limit-order execution loop: poll the pool rate,
// compare it with every pending order and swap the ones whose target is met.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitwatch/pkg/chain"
	"github.com/uhyunpark/limitwatch/pkg/events"
	"github.com/uhyunpark/limitwatch/pkg/order"
	"github.com/uhyunpark/limitwatch/pkg/storage"
	"github.com/uhyunpark/limitwatch/pkg/util"
)

var (
	ErrOrderInFlight    = errors.New("order is being executed")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOwnerMismatch    = errors.New("order owner is not the signing account")
	ErrStoreUnavailable = errors.New("order storage is unavailable")
	ErrApprovalFailed   = errors.New("approval failed")
	ErrAlreadyRunning   = errors.New("watcher already running")
)

// Market is everything the loop needs from the pool and its tokens.
// *chain.AMMClient implements it.
type Market interface {
	Rates(ctx context.Context) (order.Rates, error)
	TokenFor(dir order.Direction) common.Address
	From() common.Address
	Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Approve(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error)
	Swap(ctx context.Context, tokenIn common.Address, amountIn, minAmountOut *big.Int) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (chain.Receipt, error)
}

var _ Market = (*chain.AMMClient)(nil)

type Config struct {
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	Decimals       int32
	// MinOutBps is the tolerated shortfall below amountIn*targetPrice in
	// basis points. Zero submits swaps with minAmountOut=0.
	MinOutBps int64
	Verbose   bool
}

// TickReport summarises one pass over the pending orders.
type TickReport struct {
	Skipped  bool
	Rates    order.Rates
	Pending  int
	Eligible int
	Executed int
	Failed   int
	// Vanished counts eligible orders that were no longer pending when the
	// loop got to them.
	Vanished int
}

// Executor owns the polling loop. Exactly one tick runs at a time; a tick that
// fires while another is running is skipped.
type Executor struct {
	cfg     Config
	market  Market
	store   *storage.OrderStore
	journal storage.Journal
	bus     *events.Bus
	clock   util.Clock
	logger  *zap.SugaredLogger
	metrics *Metrics

	busy atomic.Bool

	// claimMu guards inFlight and unsaved. Cancel and the pre-execution
	// re-check both take it so a cancel cannot land between the re-check and
	// the swap.
	claimMu  sync.Mutex
	inFlight string
	// unsaved holds outcomes whose status write failed. Those orders are
	// still pending in storage and must not be claimed again.
	unsaved map[string]settlement

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Executor)

type settlement struct {
	status order.Status
	txHash *common.Hash
}

func WithJournal(j storage.Journal) Option { return func(e *Executor) { e.journal = j } }
func WithBus(b *events.Bus) Option         { return func(e *Executor) { e.bus = b } }
func WithClock(c util.Clock) Option        { return func(e *Executor) { e.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(cfg Config, market Market, store *storage.OrderStore, opts ...Option) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	e := &Executor{
		cfg:     cfg,
		market:  market,
		store:   store,
		journal: storage.NewNopJournal(),
		clock:   util.RealClock{},
		logger:  zap.NewNop().Sugar(),
		metrics: NewMetrics(),
		unsaved: make(map[string]settlement),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs a tick immediately and then every PollInterval until Stop.
func (e *Executor) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, e.done)
	e.logger.Infow("watcher_started", "poll_interval", e.cfg.PollInterval, "signer", e.market.From().Hex())
	return nil
}

// Stop cancels the loop and waits for it to exit. An order already being
// executed is finished first.
func (e *Executor) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.done == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil
	e.logger.Infow("watcher_stopped")
}

func (e *Executor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if _, err := e.Tick(ctx); err != nil && e.cfg.Verbose {
			e.logger.Debugw("tick_abandoned", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.cfg.PollInterval):
		}
	}
}

// Tick performs one pass. It returns an error only when the rate could not be
// read, in which case no order was looked at.
func (e *Executor) Tick(ctx context.Context) (TickReport, error) {
	if !e.busy.CompareAndSwap(false, true) {
		e.metrics.TicksSkipped.Inc()
		if e.cfg.Verbose {
			e.logger.Debugw("tick_skipped", "reason", "previous tick running")
		}
		return TickReport{Skipped: true}, nil
	}
	defer e.busy.Store(false)

	start := e.clock.Now()
	defer func() {
		e.metrics.Ticks.Inc()
		e.metrics.TickDuration.Observe(e.clock.Now().Sub(start).Seconds())
	}()

	e.retryUnsaved()

	rates, err := e.market.Rates(ctx)
	if err != nil {
		e.metrics.RateReadFailed.Inc()
		e.logger.Warnw("rate_read_failed", "err", err)
		return TickReport{}, fmt.Errorf("read rate: %w", err)
	}
	e.metrics.Rate.WithLabelValues(string(order.AtoB)).Set(rates.AtoB.InexactFloat64())
	e.metrics.Rate.WithLabelValues(string(order.BtoA)).Set(rates.BtoA.InexactFloat64())

	report := TickReport{Rates: rates}
	var eligible []order.LimitOrder
	for _, o := range e.store.LoadAll() {
		if o.Status != order.StatusPending || e.isUnsaved(o.ID) {
			continue
		}
		report.Pending++
		if o.Triggered(rates) {
			eligible = append(eligible, o)
		}
	}
	report.Eligible = len(eligible)
	e.metrics.PendingOrders.Set(float64(report.Pending))

	if e.cfg.Verbose {
		e.logger.Debugw("tick",
			"rate_a_to_b", rates.AtoB.StringFixed(6),
			"rate_b_to_a", rates.BtoA.StringFixed(6),
			"pending", report.Pending,
			"eligible", report.Eligible)
	}

	for _, o := range eligible {
		if ctx.Err() != nil {
			break
		}
		switch e.process(ctx, o, rates) {
		case storage.OutcomeExecuted:
			report.Executed++
		case storage.OutcomeFailed:
			report.Failed++
		case storage.OutcomeSkipped:
			report.Vanished++
		}
	}
	return report, nil
}

func (e *Executor) process(ctx context.Context, snapshot order.LimitOrder, rates order.Rates) string {
	o, ok := e.claim(snapshot.ID)
	if !ok {
		e.logger.Infow("order_skipped", "id", snapshot.ID, "status", o.Status)
		e.record(storage.JournalEntry{
			Time: e.clock.Now().UTC(), OrderID: snapshot.ID,
			Outcome: storage.OutcomeSkipped, Reason: "no longer pending",
		})
		return storage.OutcomeSkipped
	}
	defer e.release()

	e.logger.Infow("order_triggered",
		"id", o.ID,
		"direction", o.Direction,
		"rate", rates.For(o.Direction).StringFixed(6),
		"target", o.TargetPrice.String(),
		"amount_in", o.AmountIn.String())

	hash, err := e.execute(ctx, o)
	if err != nil {
		e.metrics.Executions.WithLabelValues(string(o.Direction), storage.OutcomeFailed).Inc()
		e.logger.Errorw("order_execution_failed", "id", o.ID, "err", err)
		e.settle(o.ID, order.StatusCancelled, nil)
		e.record(storage.JournalEntry{
			Time: e.clock.Now().UTC(), OrderID: o.ID,
			Outcome: storage.OutcomeFailed, TxHash: hashString(hash), Reason: err.Error(),
		})
		e.publishOrder(o.ID)
		return storage.OutcomeFailed
	}

	e.metrics.Executions.WithLabelValues(string(o.Direction), storage.OutcomeExecuted).Inc()
	e.logger.Infow("order_executed", "id", o.ID, "tx", hash.Hex())
	e.settle(o.ID, order.StatusExecuted, &hash)
	e.record(storage.JournalEntry{
		Time: e.clock.Now().UTC(), OrderID: o.ID,
		Outcome: storage.OutcomeExecuted, TxHash: hash.Hex(),
	})
	e.publishOrder(o.ID)
	if e.bus != nil {
		e.bus.PublishRateChanged()
	}
	return storage.OutcomeExecuted
}

// execute approves (when the allowance is short) and swaps the full amountIn.
// The returned hash is the last transaction submitted, if any.
func (e *Executor) execute(ctx context.Context, o order.LimitOrder) (common.Hash, error) {
	if o.Owner != e.market.From() {
		return common.Hash{}, fmt.Errorf("%w: owner %s, signer %s", ErrOwnerMismatch, o.Owner.Hex(), e.market.From().Hex())
	}

	// Once an order is claimed it is driven to an outcome even if the loop
	// is being stopped; each confirmation wait is bounded instead.
	ctx = context.WithoutCancel(ctx)

	token := e.market.TokenFor(o.Direction)
	amountIn := o.AmountInUnits(e.cfg.Decimals)

	allowance, err := e.market.Allowance(ctx, token, o.Owner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(amountIn) < 0 {
		e.metrics.Approvals.Inc()
		approveHash, err := e.market.Approve(ctx, token, amountIn)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: %v", ErrApprovalFailed, err)
		}
		e.logger.Infow("approval_submitted", "id", o.ID, "token", token.Hex(), "amount", amountIn.String(), "tx", approveHash.Hex())
		if err := e.confirm(ctx, approveHash); err != nil {
			return approveHash, fmt.Errorf("%w: %v", ErrApprovalFailed, err)
		}
	}

	minOut := o.MinAmountOut(e.cfg.Decimals, e.cfg.MinOutBps)
	swapHash, err := e.market.Swap(ctx, token, amountIn, minOut)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit swap: %w", err)
	}
	e.logger.Infow("swap_submitted", "id", o.ID, "token_in", token.Hex(), "amount_in", amountIn.String(), "min_out", minOut.String(), "tx", swapHash.Hex())
	if err := e.confirm(ctx, swapHash); err != nil {
		return swapHash, fmt.Errorf("swap: %w", err)
	}
	return swapHash, nil
}

func (e *Executor) confirm(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()
	r, err := e.market.WaitReceipt(ctx, hash)
	if err != nil {
		return err
	}
	if !r.Success {
		return fmt.Errorf("%w: %s", chain.ErrTxFailed, hash.Hex())
	}
	return nil
}

// settle writes the outcome of a claimed order. A failed write is kept and
// retried at the start of every later tick.
func (e *Executor) settle(id string, status order.Status, txHash *common.Hash) {
	err := e.store.UpdateStatus(id, status, txHash)
	if err == nil || errors.Is(err, storage.ErrOrderClosed) {
		return
	}
	e.logger.Errorw("order_status_update_failed", "id", id, "status", status, "err", err)
	e.claimMu.Lock()
	e.unsaved[id] = settlement{status: status, txHash: txHash}
	e.claimMu.Unlock()
}

func (e *Executor) retryUnsaved() {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	for id, st := range e.unsaved {
		err := e.store.UpdateStatus(id, st.status, st.txHash)
		if err != nil && !errors.Is(err, storage.ErrOrderClosed) {
			e.logger.Warnw("order_status_update_retry_failed", "id", id, "status", st.status, "err", err)
			continue
		}
		delete(e.unsaved, id)
		e.logger.Infow("order_status_update_recovered", "id", id, "status", st.status)
		if e.bus != nil {
			if cur, ok := e.store.Get(id); ok {
				e.bus.PublishOrder(cur)
			}
		}
	}
}

func (e *Executor) isUnsaved(id string) bool {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	_, ok := e.unsaved[id]
	return ok
}

// claim re-reads id and marks it in flight if it is still pending.
func (e *Executor) claim(id string) (order.LimitOrder, bool) {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	cur, ok := e.store.Get(id)
	if !ok || cur.Status != order.StatusPending {
		return cur, false
	}
	if _, ok := e.unsaved[id]; ok {
		return cur, false
	}
	e.inFlight = id
	e.metrics.InFlightOrders.Set(1)
	return cur, true
}

func (e *Executor) release() {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	e.inFlight = ""
	e.metrics.InFlightOrders.Set(0)
}

// Place validates and stores a new pending order owned by owner.
func (e *Executor) Place(owner common.Address, dir order.Direction, amountIn, targetPrice decimal.Decimal) (order.LimitOrder, error) {
	if !e.store.Available() {
		return order.LimitOrder{}, ErrStoreUnavailable
	}
	if owner != e.market.From() {
		return order.LimitOrder{}, fmt.Errorf("%w: owner %s, signer %s", ErrOwnerMismatch, owner.Hex(), e.market.From().Hex())
	}
	o, err := order.New(owner, dir, amountIn, targetPrice, e.cfg.Decimals, e.clock.Now())
	if err != nil {
		return order.LimitOrder{}, err
	}
	if err := e.store.Save(o); err != nil {
		return order.LimitOrder{}, err
	}
	if e.bus != nil {
		e.bus.PublishOrder(o)
	}
	return o, nil
}

// Cancel cancels a pending order on request. An order the loop is executing
// right now cannot be cancelled.
func (e *Executor) Cancel(id string) (order.LimitOrder, error) {
	e.claimMu.Lock()
	defer e.claimMu.Unlock()
	if _, ok := e.unsaved[id]; e.inFlight == id || ok {
		return order.LimitOrder{}, fmt.Errorf("%w: %s", ErrOrderInFlight, id)
	}
	if _, ok := e.store.Get(id); !ok {
		return order.LimitOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err := e.store.Cancel(id); err != nil {
		return order.LimitOrder{}, err
	}
	cur, _ := e.store.Get(id)

	e.metrics.UserCancels.Inc()
	e.record(storage.JournalEntry{
		Time: e.clock.Now().UTC(), OrderID: id, Outcome: storage.OutcomeCancelled,
	})
	if e.bus != nil {
		e.bus.PublishOrder(cur)
	}
	return cur, nil
}

func (e *Executor) record(entry storage.JournalEntry) {
	if err := e.journal.Record(entry); err != nil {
		e.logger.Errorw("journal_write_failed", "id", entry.OrderID, "outcome", entry.Outcome, "err", err)
	}
}

func (e *Executor) publishOrder(id string) {
	if e.bus == nil {
		return
	}
	if cur, ok := e.store.Get(id); ok {
		e.bus.PublishOrder(cur)
	}
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
