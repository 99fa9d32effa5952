// Package chain talks to the AMM pool contract and its two ERC20 tokens over
// JSON-RPC. It exposes exactly the reads and writes the watcher needs.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/uhyunpark/limitwatch/pkg/chain/abis"
	"github.com/uhyunpark/limitwatch/pkg/crypto"
	"github.com/uhyunpark/limitwatch/pkg/order"
	"github.com/uhyunpark/limitwatch/pkg/retry"
)

var (
	ErrZeroReserve   = errors.New("pool has an empty reserve")
	ErrTxFailed      = errors.New("transaction failed on chain")
	ErrTokenMismatch = errors.New("configured token does not match pool")
)

// Backend is the subset of *ethclient.Client the AMM client uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

type Config struct {
	AMM      common.Address
	TokenA   common.Address
	TokenB   common.Address
	Decimals int32
	// ReceiptPoll controls how often a pending transaction is re-checked.
	// The wait itself is bounded by the caller's context.
	ReceiptPoll retry.Config
}

func DefaultReceiptPoll() retry.Config {
	return retry.Config{
		MaxRetries:     -1,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Receipt is the confirmation outcome of a submitted transaction.
type Receipt struct {
	TxHash      common.Hash
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// AMMClient reads pool state and submits signed approve/swap transactions
// from a single account.
type AMMClient struct {
	backend  Backend
	signer   *crypto.Signer
	chainID  *big.Int
	cfg      Config
	ammABI   *abi.ABI
	erc20ABI *abi.ABI

	// txMu keeps nonce assignment and submission atomic.
	txMu sync.Mutex
}

func NewAMMClient(ctx context.Context, backend Backend, signer *crypto.Signer, cfg Config) (*AMMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	if cfg.ReceiptPoll.InitialBackoff == 0 {
		cfg.ReceiptPoll = DefaultReceiptPoll()
	}

	ammABI, err := abis.GetAMMABI()
	if err != nil {
		return nil, fmt.Errorf("loading AMM ABI: %w", err)
	}
	erc20ABI, err := abis.GetERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("loading ERC20 ABI: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain id: %w", err)
	}

	return &AMMClient{
		backend:  backend,
		signer:   signer,
		chainID:  chainID,
		cfg:      cfg,
		ammABI:   ammABI,
		erc20ABI: erc20ABI,
	}, nil
}

// From is the account that signs every transaction.
func (c *AMMClient) From() common.Address { return c.signer.Address() }

func (c *AMMClient) Spender() common.Address { return c.cfg.AMM }

func (c *AMMClient) Decimals() int32 { return c.cfg.Decimals }

// TokenFor returns the token sold by orders in dir.
func (c *AMMClient) TokenFor(dir order.Direction) common.Address {
	if dir == order.BtoA {
		return c.cfg.TokenB
	}
	return c.cfg.TokenA
}

// VerifyTokens checks the configured token pair against the pool.
func (c *AMMClient) VerifyTokens(ctx context.Context) error {
	for method, want := range map[string]common.Address{"tokenA": c.cfg.TokenA, "tokenB": c.cfg.TokenB} {
		got, err := c.callAddress(ctx, c.cfg.AMM, c.ammABI, method)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: %s is %s, configured %s", ErrTokenMismatch, method, got.Hex(), want.Hex())
		}
	}
	return nil
}

// Reserves reads both pool reserves in base units.
func (c *AMMClient) Reserves(ctx context.Context) (reserveA, reserveB *big.Int, err error) {
	if reserveA, err = c.callUint(ctx, c.cfg.AMM, c.ammABI, "reserveA"); err != nil {
		return nil, nil, err
	}
	if reserveB, err = c.callUint(ctx, c.cfg.AMM, c.ammABI, "reserveB"); err != nil {
		return nil, nil, err
	}
	return reserveA, reserveB, nil
}

// Rates reads the reserves and derives both directional rates.
func (c *AMMClient) Rates(ctx context.Context) (order.Rates, error) {
	a, b, err := c.Reserves(ctx)
	if err != nil {
		return order.Rates{}, err
	}
	rates, ok := order.RatesFromReserves(a, b)
	if !ok {
		return order.Rates{}, fmt.Errorf("%w: reserveA=%s reserveB=%s", ErrZeroReserve, a, b)
	}
	return rates, nil
}

// FeeRate returns the pool's base fee in per-mille.
func (c *AMMClient) FeeRate(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, c.cfg.AMM, c.ammABI, "feeRate")
}

// ExpectedFeeRate quotes the dynamic fee (per-mille) for a trade.
func (c *AMMClient) ExpectedFeeRate(ctx context.Context, tokenIn common.Address, amountIn *big.Int) (*big.Int, error) {
	return c.callUint(ctx, c.cfg.AMM, c.ammABI, "getExpectedFeeRate", tokenIn, amountIn)
}

// Allowance returns how much of token owner lets the pool spend.
func (c *AMMClient) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, c.erc20ABI, "allowance", owner, c.cfg.AMM)
}

func (c *AMMClient) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, c.erc20ABI, "balanceOf", account)
}

// Approve lets the pool spend exactly amount of token.
func (c *AMMClient) Approve(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	data, err := c.erc20ABI.Pack("approve", c.cfg.AMM, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack approve: %w", err)
	}
	return c.transact(ctx, token, data)
}

// Swap sells amountIn of tokenIn. minAmountOut of zero accepts any output.
func (c *AMMClient) Swap(ctx context.Context, tokenIn common.Address, amountIn, minAmountOut *big.Int) (common.Hash, error) {
	if minAmountOut == nil {
		minAmountOut = new(big.Int)
	}
	data, err := c.ammABI.Pack("swap", tokenIn, amountIn, minAmountOut)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack swap: %w", err)
	}
	return c.transact(ctx, c.cfg.AMM, data)
}

// WaitReceipt polls until the transaction is mined or ctx ends. A mined but
// reverted transaction is returned with Success=false and no error.
func (c *AMMClient) WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	isPending := func(err error) bool { return errors.Is(err, ethereum.NotFound) }
	r, err := retry.Do(ctx, c.cfg.ReceiptPoll, isPending, nil, func() (*types.Receipt, error) {
		return c.backend.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("waiting for %s: %w", hash.Hex(), err)
	}
	out := Receipt{
		TxHash:  hash,
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

func (c *AMMClient) transact(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     new(big.Int),
			Data:      data,
		})
	} else {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    new(big.Int),
			Data:     data,
		})
	}

	signed, err := c.signer.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), nil
}

func (c *AMMClient) call(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}

func (c *AMMClient) callUint(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want *big.Int", method, values[0])
	}
	return v, nil
}

func (c *AMMClient) callAddress(ctx context.Context, to common.Address, contract *abi.ABI, method string) (common.Address, error) {
	values, err := c.call(ctx, to, contract, method)
	if err != nil {
		return common.Address{}, err
	}
	v, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s returned %T, want common.Address", method, values[0])
	}
	return v, nil
}
