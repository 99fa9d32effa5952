package watcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uhyunpark/limitwatch/pkg/chain"
	"github.com/uhyunpark/limitwatch/pkg/events"
	"github.com/uhyunpark/limitwatch/pkg/order"
	"github.com/uhyunpark/limitwatch/pkg/storage"
)

var (
	signerAddr = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	tokenA     = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokenB     = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

type swapCall struct {
	token    common.Address
	amountIn *big.Int
	minOut   *big.Int
}

type fakeMarket struct {
	mu sync.Mutex

	reserveA, reserveB *big.Int
	ratesErr           error
	ratesGate          chan struct{}

	allowance map[common.Address]*big.Int

	approveErr      error
	approveReverted bool
	swapErr         error
	swapReverted    bool
	// swapErrFor fails the swap submission for the nth swap call (1-based).
	swapErrFor int

	onSwap func()

	approvals []*big.Int
	swaps     []swapCall
	nonce     uint64
	reverted  map[common.Hash]bool
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		reserveA:  big.NewInt(1000),
		reserveB:  big.NewInt(2000),
		allowance: map[common.Address]*big.Int{},
		reverted:  map[common.Hash]bool{},
	}
}

func (m *fakeMarket) Rates(ctx context.Context) (order.Rates, error) {
	if m.ratesGate != nil {
		select {
		case <-m.ratesGate:
		case <-ctx.Done():
			return order.Rates{}, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ratesErr != nil {
		return order.Rates{}, m.ratesErr
	}
	r, ok := order.RatesFromReserves(m.reserveA, m.reserveB)
	if !ok {
		return order.Rates{}, chain.ErrZeroReserve
	}
	return r, nil
}

func (m *fakeMarket) TokenFor(dir order.Direction) common.Address {
	if dir == order.BtoA {
		return tokenB
	}
	return tokenA
}

func (m *fakeMarket) From() common.Address { return signerAddr }

func (m *fakeMarket) Allowance(_ context.Context, token, _ common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.allowance[token]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (m *fakeMarket) nextHash() common.Hash {
	m.nonce++
	return common.BigToHash(new(big.Int).SetUint64(0xabc000 + m.nonce))
}

func (m *fakeMarket) Approve(_ context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.approveErr != nil {
		return common.Hash{}, m.approveErr
	}
	m.approvals = append(m.approvals, amount)
	h := m.nextHash()
	if m.approveReverted {
		m.reverted[h] = true
	} else {
		m.allowance[token] = new(big.Int).Set(amount)
	}
	return h, nil
}

func (m *fakeMarket) Swap(_ context.Context, token common.Address, amountIn, minOut *big.Int) (common.Hash, error) {
	if m.onSwap != nil {
		m.onSwap()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps = append(m.swaps, swapCall{token: token, amountIn: amountIn, minOut: minOut})
	if m.swapErr != nil || m.swapErrFor == len(m.swaps) {
		return common.Hash{}, errors.New("execution reverted: insufficient balance")
	}
	h := m.nextHash()
	if m.swapReverted {
		m.reverted[h] = true
	}
	return h, nil
}

func (m *fakeMarket) WaitReceipt(_ context.Context, h common.Hash) (chain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return chain.Receipt{TxHash: h, Success: !m.reverted[h], BlockNumber: 1}, nil
}

func (m *fakeMarket) swapCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.swaps)
}

type memJournal struct {
	mu      sync.Mutex
	entries []storage.JournalEntry
}

func (j *memJournal) Record(e storage.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) outcomes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	for i, e := range j.entries {
		out[i] = e.Outcome
	}
	return out
}

// flakyBackend fails every Set while failSet is on.
type flakyBackend struct {
	*storage.MemoryBackend
	failSet atomic.Bool
}

func (b *flakyBackend) Set(key, value []byte) error {
	if b.failSet.Load() {
		return errors.New("pebble: disk full")
	}
	return b.MemoryBackend.Set(key, value)
}

type harness struct {
	market  *fakeMarket
	store   *storage.OrderStore
	journal *memJournal
	bus     *events.Bus
	exec    *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Decimals == 0 {
		cfg.Decimals = 18
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = time.Second
	}
	h := &harness{
		market:  newFakeMarket(),
		store:   storage.NewOrderStore(storage.NewMemoryBackend(), nil),
		journal: &memJournal{},
		bus:     events.NewBus(),
	}
	h.exec = NewExecutor(cfg, h.market, h.store, WithJournal(h.journal), WithBus(h.bus))
	return h
}

func (h *harness) place(t *testing.T, dir order.Direction, amount, target string) order.LimitOrder {
	t.Helper()
	o, err := h.exec.Place(signerAddr, dir, decimal.RequireFromString(amount), decimal.RequireFromString(target))
	require.NoError(t, err)
	return o
}

func (h *harness) get(t *testing.T, id string) order.LimitOrder {
	t.Helper()
	o, ok := h.store.Get(id)
	require.True(t, ok, "order %s not stored", id)
	return o
}

func TestTick_ExactTriggerExecutes(t *testing.T) {
	h := newHarness(t, Config{})
	rateCh, unsub := h.bus.Subscribe(8)
	defer unsub()
	o := h.place(t, order.AtoB, "10", "2.0")

	report, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Eligible)
	assert.Equal(t, 1, report.Executed)

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusExecuted, got.Status)
	require.NotNil(t, got.TxHash)

	require.Len(t, h.market.approvals, 1)
	assert.Equal(t, o.AmountInUnits(18), h.market.approvals[0])
	require.Len(t, h.market.swaps, 1)
	assert.Equal(t, tokenA, h.market.swaps[0].token)
	assert.Equal(t, 0, h.market.swaps[0].minOut.Sign())

	var kinds []events.Kind
	for len(rateCh) > 0 {
		kinds = append(kinds, (<-rateCh).Kind)
	}
	assert.Contains(t, kinds, events.RateChanged)
	assert.Equal(t, []string{storage.OutcomeExecuted}, h.journal.outcomes())
}

func TestTick_BelowThresholdStaysPending(t *testing.T) {
	h := newHarness(t, Config{})
	o := h.place(t, order.AtoB, "10", "2.1")

	report, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 0, report.Eligible)
	assert.Equal(t, order.StatusPending, h.get(t, o.ID).Status)
	assert.Zero(t, h.market.swapCount())
}

func TestTick_BtoAUsesTokenB(t *testing.T) {
	h := newHarness(t, Config{})
	fires := h.place(t, order.BtoA, "4", "0.5")
	waits := h.place(t, order.BtoA, "4", "0.6")

	_, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, order.StatusExecuted, h.get(t, fires.ID).Status)
	assert.Equal(t, order.StatusPending, h.get(t, waits.ID).Status)
	require.Len(t, h.market.swaps, 1)
	assert.Equal(t, tokenB, h.market.swaps[0].token)
}

func TestTick_SufficientAllowanceSkipsApproval(t *testing.T) {
	h := newHarness(t, Config{})
	o := h.place(t, order.AtoB, "10", "1")
	h.market.allowance[tokenA] = o.AmountInUnits(18)

	_, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.market.approvals)
	assert.Equal(t, order.StatusExecuted, h.get(t, o.ID).Status)
}

func TestTick_FailedSwapCancels(t *testing.T) {
	h := newHarness(t, Config{})
	h.market.swapReverted = true
	o := h.place(t, order.AtoB, "10", "2.0")

	report, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Nil(t, got.TxHash)
	assert.Equal(t, []string{storage.OutcomeFailed}, h.journal.outcomes())
	assert.NotEmpty(t, h.journal.entries[0].TxHash)
}

func TestTick_ApprovalFailureCancels(t *testing.T) {
	for name, setup := range map[string]func(*fakeMarket){
		"submit":   func(m *fakeMarket) { m.approveErr = errors.New("nonce too low") },
		"reverted": func(m *fakeMarket) { m.approveReverted = true },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{})
			setup(h.market)
			o := h.place(t, order.AtoB, "10", "2.0")

			_, err := h.exec.Tick(context.Background())
			require.NoError(t, err)
			assert.Equal(t, order.StatusCancelled, h.get(t, o.ID).Status)
			assert.Zero(t, h.market.swapCount())
			assert.Contains(t, h.journal.entries[0].Reason, ErrApprovalFailed.Error())
		})
	}
}

func TestTick_FailureIsolation(t *testing.T) {
	h := newHarness(t, Config{})
	h.market.swapErrFor = 1
	first := h.place(t, order.AtoB, "10", "1.5")
	second := h.place(t, order.AtoB, "5", "1.5")

	report, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, order.StatusCancelled, h.get(t, first.ID).Status)
	assert.Equal(t, order.StatusExecuted, h.get(t, second.ID).Status)
}

func TestTick_StoreOrderIsExecutionOrder(t *testing.T) {
	h := newHarness(t, Config{})
	a := h.place(t, order.AtoB, "1", "1")
	b := h.place(t, order.AtoB, "2", "1")
	c := h.place(t, order.AtoB, "3", "1")

	_, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, h.market.swaps, 3)
	for i, o := range []order.LimitOrder{a, b, c} {
		assert.Equal(t, o.AmountInUnits(18), h.market.swaps[i].amountIn)
	}
}

func TestTick_CancelledBeforeActIsNotResurrected(t *testing.T) {
	h := newHarness(t, Config{})
	first := h.place(t, order.AtoB, "10", "2.0")
	second := h.place(t, order.AtoB, "10", "2.0")

	// Both are eligible when the tick loads them; the second is cancelled
	// while the first is swapping.
	var once sync.Once
	h.market.onSwap = func() {
		once.Do(func() {
			_, err := h.exec.Cancel(second.ID)
			assert.NoError(t, err)
		})
	}

	report, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Eligible)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, 1, report.Vanished)
	assert.Equal(t, 1, h.market.swapCount())
	assert.Equal(t, order.StatusExecuted, h.get(t, first.ID).Status)

	got := h.get(t, second.ID)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Nil(t, got.TxHash)
}

func TestCancel_InFlightIsRefused(t *testing.T) {
	h := newHarness(t, Config{})
	o := h.place(t, order.AtoB, "10", "2.0")

	var cancelErr error
	h.market.onSwap = func() { _, cancelErr = h.exec.Cancel(o.ID) }

	_, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, cancelErr, ErrOrderInFlight)
	assert.Equal(t, order.StatusExecuted, h.get(t, o.ID).Status)
}

func TestTick_RateReadFailureAbandonsTick(t *testing.T) {
	h := newHarness(t, Config{})
	o := h.place(t, order.AtoB, "10", "0.1")

	h.market.ratesErr = errors.New("rpc unreachable")
	_, err := h.exec.Tick(context.Background())
	assert.Error(t, err)
	assert.Equal(t, order.StatusPending, h.get(t, o.ID).Status)

	h.market.ratesErr = nil
	h.market.reserveA = big.NewInt(0)
	_, err = h.exec.Tick(context.Background())
	assert.ErrorIs(t, err, chain.ErrZeroReserve)
	assert.Equal(t, order.StatusPending, h.get(t, o.ID).Status)
	assert.Zero(t, h.market.swapCount())
}

func TestTick_NonReentrant(t *testing.T) {
	h := newHarness(t, Config{})
	h.market.ratesGate = make(chan struct{})

	done := make(chan TickReport)
	go func() {
		r, _ := h.exec.Tick(context.Background())
		done <- r
	}()

	require.Eventually(t, func() bool { return h.exec.busy.Load() }, time.Second, time.Millisecond)
	report, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(h.market.ratesGate)
	first := <-done
	assert.False(t, first.Skipped)
}

func TestTick_ExecutedOrdersAreNotReExecuted(t *testing.T) {
	h := newHarness(t, Config{})
	h.place(t, order.AtoB, "10", "2.0")

	for i := 0; i < 3; i++ {
		_, err := h.exec.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.market.swapCount())
}

func TestTick_OrdersAreReadEveryTick(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.exec.Tick(context.Background())
	require.NoError(t, err)

	o := h.place(t, order.AtoB, "10", "2.0")
	_, err = h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, order.StatusExecuted, h.get(t, o.ID).Status)
}

func TestTick_OwnerMismatchFails(t *testing.T) {
	h := newHarness(t, Config{})
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	o, err := order.New(stranger, order.AtoB, decimal.NewFromInt(1), decimal.NewFromInt(1), 18, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.store.Save(o))

	_, err = h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, h.get(t, o.ID).Status)
	assert.Zero(t, h.market.swapCount())
}

func TestTick_SlippageGuard(t *testing.T) {
	h := newHarness(t, Config{Decimals: 6, MinOutBps: 100})
	h.place(t, order.AtoB, "10", "2")

	_, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, h.market.swaps, 1)
	assert.Equal(t, big.NewInt(19_800_000), h.market.swaps[0].minOut)
}

func TestPlace(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.exec.Place(common.HexToAddress("0x01"), order.AtoB, decimal.NewFromInt(1), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	_, err = h.exec.Place(signerAddr, order.AtoB, decimal.Zero, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, order.ErrInvalidOrder)

	o := h.place(t, order.BtoA, "1.5", "0.4")
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Len(t, h.store.LoadAll(), 1)
}

func TestPlace_StoreUnavailable(t *testing.T) {
	exec := NewExecutor(Config{}, newFakeMarket(), storage.NewOrderStore(nil, nil))
	_, err := exec.Place(signerAddr, order.AtoB, decimal.NewFromInt(1), decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{})
	o := h.place(t, order.AtoB, "10", "9")

	got, err := h.exec.Cancel(o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Equal(t, []string{storage.OutcomeCancelled}, h.journal.outcomes())

	_, err = h.exec.Cancel(o.ID)
	assert.ErrorIs(t, err, storage.ErrOrderClosed)

	_, err = h.exec.Cancel("missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 5 * time.Millisecond})
	o := h.place(t, order.AtoB, "10", "2.5")

	require.NoError(t, h.exec.Start(context.Background()))
	assert.ErrorIs(t, h.exec.Start(context.Background()), ErrAlreadyRunning)

	// The rate moves past the target after a few idle ticks.
	time.Sleep(20 * time.Millisecond)
	h.market.mu.Lock()
	h.market.reserveB = big.NewInt(3000)
	h.market.mu.Unlock()

	require.Eventually(t, func() bool {
		return h.get(t, o.ID).Status == order.StatusExecuted
	}, 2*time.Second, 5*time.Millisecond)

	h.exec.Stop()
	h.exec.Stop()
	assert.False(t, h.exec.busy.Load())
}

func newFlakyHarness(t *testing.T) (*harness, *flakyBackend) {
	t.Helper()
	backend := &flakyBackend{MemoryBackend: storage.NewMemoryBackend()}
	h := newHarness(t, Config{})
	h.store = storage.NewOrderStore(backend, nil)
	h.exec = NewExecutor(Config{Decimals: 18, ConfirmTimeout: time.Second}, h.market, h.store,
		WithJournal(h.journal), WithBus(h.bus))
	return h, backend
}

func TestTick_UnsavedExecutionIsNotSwappedAgain(t *testing.T) {
	h, backend := newFlakyHarness(t)
	o := h.place(t, order.AtoB, "10", "2.0")
	h.market.onSwap = func() { backend.failSet.Store(true) }

	report, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, order.StatusPending, h.get(t, o.ID).Status)

	// Still failing: the order is neither retried nor cancellable.
	report, err = h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Eligible)
	assert.Equal(t, 1, h.market.swapCount())
	_, err = h.exec.Cancel(o.ID)
	assert.ErrorIs(t, err, ErrOrderInFlight)

	h.market.onSwap = nil
	backend.failSet.Store(false)
	_, err = h.exec.Tick(context.Background())
	require.NoError(t, err)

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusExecuted, got.Status)
	require.NotNil(t, got.TxHash)
	assert.Equal(t, 1, h.market.swapCount())
}

func TestTick_UnsavedCancellationIsNotRetried(t *testing.T) {
	h, backend := newFlakyHarness(t)
	o := h.place(t, order.AtoB, "10", "2.0")
	h.market.swapErr = errors.New("nonce too low")
	h.market.onSwap = func() { backend.failSet.Store(true) }

	report, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, order.StatusPending, h.get(t, o.ID).Status)

	h.market.onSwap = nil
	backend.failSet.Store(false)
	_, err = h.exec.Tick(context.Background())
	require.NoError(t, err)

	got := h.get(t, o.ID)
	assert.Equal(t, order.StatusCancelled, got.Status)
	assert.Nil(t, got.TxHash)
	assert.Equal(t, 1, h.market.swapCount())
}

func TestStart_KeepsTickingAfterFailures(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 5 * time.Millisecond})
	h.market.ratesErr = errors.New("dial tcp: connection refused")
	h.market.swapErrFor = 1
	first := h.place(t, order.AtoB, "10", "2.0")

	require.NoError(t, h.exec.Start(context.Background()))
	defer h.exec.Stop()

	// Rate reads fail for a few ticks.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, order.StatusPending, h.get(t, first.ID).Status)
	assert.Zero(t, h.market.swapCount())

	h.market.mu.Lock()
	h.market.ratesErr = nil
	h.market.mu.Unlock()

	// The first swap fails and the order is cancelled.
	require.Eventually(t, func() bool {
		return h.get(t, first.ID).Status == order.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	second := h.place(t, order.AtoB, "10", "2.0")
	require.Eventually(t, func() bool {
		return h.get(t, second.ID).Status == order.StatusExecuted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, order.StatusCancelled, h.get(t, first.ID).Status)
}

type brokenJournal struct{}

func (brokenJournal) Record(storage.JournalEntry) error {
	return errors.New("write executions.log: no space left on device")
}

func TestTick_JournalFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := newHarness(t, Config{})
	h.exec = NewExecutor(Config{Decimals: 18, ConfirmTimeout: time.Second}, h.market, h.store,
		WithJournal(brokenJournal{}), WithLogger(zap.New(core).Sugar()))
	o := h.place(t, order.AtoB, "10", "2.0")

	_, err := h.exec.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, order.StatusExecuted, h.get(t, o.ID).Status)

	entries := logs.FilterMessage("journal_write_failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, o.ID, entries[0].ContextMap()["id"])
	assert.Equal(t, storage.OutcomeExecuted, entries[0].ContextMap()["outcome"])
}
