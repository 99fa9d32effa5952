// Package order defines the standing limit order and its lifecycle rules.
package order

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Direction names which pool asset is sold.
type Direction string

const (
	AtoB Direction = "AtoB" // sell token A, buy token B
	BtoA Direction = "BtoA" // sell token B, buy token A
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case AtoB, BtoA:
		return Direction(s), nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidOrder, s)
}

// Status is the order state. pending is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// LimitOrder is a standing instruction to swap AmountIn once the pool rate
// for Direction reaches TargetPrice. The JSON layout is the persisted form.
type LimitOrder struct {
	ID          string          `json:"id"`
	Owner       common.Address  `json:"owner"`
	Direction   Direction       `json:"direction"`
	AmountIn    decimal.Decimal `json:"amountIn"`    // whole tokens, e.g. "10.5"
	TargetPrice decimal.Decimal `json:"targetPrice"` // output per input
	PlacedAt    time.Time       `json:"placedAt"`
	Status      Status          `json:"status"`
	TxHash      *common.Hash    `json:"txHash,omitempty"`
}

// New builds a pending order with a fresh id. amountIn must be representable
// with the given token decimals.
func New(owner common.Address, dir Direction, amountIn, targetPrice decimal.Decimal, decimals int32, now time.Time) (LimitOrder, error) {
	o := LimitOrder{
		ID:          uuid.NewString(),
		Owner:       owner,
		Direction:   dir,
		AmountIn:    amountIn,
		TargetPrice: targetPrice,
		PlacedAt:    now.UTC(),
		Status:      StatusPending,
	}
	if err := o.Validate(decimals); err != nil {
		return LimitOrder{}, err
	}
	return o, nil
}

// Validate checks the trade parameters and the txHash/status invariant.
func (o LimitOrder) Validate(decimals int32) error {
	if o.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidOrder)
	}
	if o.Owner == (common.Address{}) {
		return fmt.Errorf("%w: zero owner", ErrInvalidOrder)
	}
	if _, err := ParseDirection(string(o.Direction)); err != nil {
		return err
	}
	if !o.AmountIn.IsPositive() {
		return fmt.Errorf("%w: amountIn must be positive", ErrInvalidOrder)
	}
	if !o.AmountIn.Shift(decimals).IsInteger() {
		return fmt.Errorf("%w: amountIn %s has more than %d decimals", ErrInvalidOrder, o.AmountIn, decimals)
	}
	if !o.TargetPrice.IsPositive() {
		return fmt.Errorf("%w: targetPrice must be positive", ErrInvalidOrder)
	}
	switch o.Status {
	case StatusPending, StatusCancelled:
		if o.TxHash != nil {
			return fmt.Errorf("%w: txHash set on %s order", ErrInvalidOrder, o.Status)
		}
	case StatusExecuted:
		if o.TxHash == nil {
			return fmt.Errorf("%w: executed order without txHash", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidOrder, o.Status)
	}
	return nil
}

// AmountInUnits converts AmountIn to token base units.
func (o LimitOrder) AmountInUnits(decimals int32) *big.Int {
	return o.AmountIn.Shift(decimals).BigInt()
}

// Transition returns a copy of o moved to next. txHash replaces the stored
// hash when given and is otherwise preserved. Terminal orders never move.
func (o LimitOrder) Transition(next Status, txHash *common.Hash) (LimitOrder, error) {
	if o.Status.IsTerminal() {
		return o, fmt.Errorf("%w: order %s is already %s", ErrInvalidTransition, o.ID, o.Status)
	}
	switch next {
	case StatusExecuted:
		if txHash == nil && o.TxHash == nil {
			return o, fmt.Errorf("%w: executed requires a txHash", ErrInvalidTransition)
		}
	case StatusCancelled:
		if txHash != nil {
			return o, fmt.Errorf("%w: cancelled order cannot carry a txHash", ErrInvalidTransition)
		}
	case StatusPending:
		return o, nil
	default:
		return o, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	out := o
	out.Status = next
	if txHash != nil {
		h := *txHash
		out.TxHash = &h
	}
	return out, nil
}
