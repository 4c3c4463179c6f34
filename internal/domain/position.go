package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CrunchNZ/lpb-sub001/internal/logging"
)

var mintPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// ValidateMint checks that s looks like a base58 Solana address.
func ValidateMint(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if !mintPattern.MatchString(s) {
		return fmt.Errorf("invalid address %q: not base58", s)
	}
	return nil
}

// PositionStatus is the lifecycle state of a liquidity position.
type PositionStatus string

const (
	PositionActive  PositionStatus = "active"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

func (s PositionStatus) IsValid() bool {
	switch s {
	case PositionActive, PositionClosing, PositionClosed:
		return true
	}
	return false
}

// Position is a concentrated-liquidity position opened by a strategy.
type Position struct {
	ID           string          `json:"id"`
	StrategyID   string          `json:"strategy_id"`
	PoolAddress  string          `json:"pool_address"`
	Status       PositionStatus  `json:"status"`
	LowerPrice   decimal.Decimal `json:"lower_price"`
	UpperPrice   decimal.Decimal `json:"upper_price"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	PnL          decimal.Decimal `json:"pnl"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Validate checks the fields the store relies on.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position id is required")
	}
	if p.StrategyID == "" {
		return fmt.Errorf("position %s: strategy id is required", p.ID)
	}
	if err := ValidateMint(p.PoolAddress); err != nil {
		return fmt.Errorf("position %s: pool: %w", p.ID, err)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("position %s: invalid status %q", p.ID, p.Status)
	}
	if p.UpperPrice.LessThan(p.LowerPrice) {
		return fmt.Errorf("position %s: upper price below lower price", p.ID)
	}
	return nil
}

// InRange reports whether price lies within the position's range.
func (p *Position) InRange(price decimal.Decimal) bool {
	return !price.LessThan(p.LowerPrice) && !price.GreaterThan(p.UpperPrice)
}

// PositionMeta is the free-form metadata blob attached to a position.
type PositionMeta struct {
	Label        string   `json:"label,omitempty"`
	RebalanceBps int      `json:"rebalance_bps,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Meta decodes Metadata. Missing or malformed metadata yields an empty
// PositionMeta; cached rows may carry blobs written by older versions.
func (p *Position) Meta() PositionMeta {
	var m PositionMeta
	decodeLenient(p.Metadata, &m, "position", p.ID)
	return m
}

// decodeLenient unmarshals raw into v and leaves v zeroed on failure.
func decodeLenient(raw json.RawMessage, v any, kind, id string) {
	if len(raw) == 0 {
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		logging.Op().Debug("ignoring malformed metadata", "kind", kind, "id", id, "error", err)
		switch m := v.(type) {
		case *PositionMeta:
			*m = PositionMeta{}
		case *StrategyParams:
			*m = StrategyParams{}
		}
	}
}
