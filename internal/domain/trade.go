package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide is the direction of a swap relative to the position's base token.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// Trade is a confirmed on-chain swap executed for a position.
type Trade struct {
	ID         string          `json:"id"`
	PositionID string          `json:"position_id"`
	Signature  string          `json:"signature"`
	Side       TradeSide       `json:"side"`
	InputMint  string          `json:"input_mint"`
	OutputMint string          `json:"output_mint"`
	AmountIn   decimal.Decimal `json:"amount_in"`
	AmountOut  decimal.Decimal `json:"amount_out"`
	FeeUSD     decimal.Decimal `json:"fee_usd"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Validate checks the fields the store relies on.
func (t *Trade) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trade id is required")
	}
	if t.PositionID == "" {
		return fmt.Errorf("trade %s: position id is required", t.ID)
	}
	if t.Side != TradeBuy && t.Side != TradeSell {
		return fmt.Errorf("trade %s: invalid side %q", t.ID, t.Side)
	}
	if !t.AmountIn.IsPositive() {
		return fmt.Errorf("trade %s: amount in must be positive", t.ID)
	}
	return nil
}

// EffectivePrice is output per unit of input, or zero for an empty trade.
func (t *Trade) EffectivePrice() decimal.Decimal {
	if t.AmountIn.IsZero() {
		return decimal.Zero
	}
	return t.AmountOut.Div(t.AmountIn)
}

// PoolSnapshot is a point-in-time reading of a liquidity pool.
type PoolSnapshot struct {
	PoolAddress string          `json:"pool_address"`
	Price       decimal.Decimal `json:"price"`
	TVLUSD      decimal.Decimal `json:"tvl_usd"`
	Volume24h   decimal.Decimal `json:"volume_24h"`
	FeeBps      int             `json:"fee_bps"`
	TakenAt     time.Time       `json:"taken_at"`
}
