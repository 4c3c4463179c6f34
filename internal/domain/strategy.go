package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind selects how a strategy manages its positions.
type StrategyKind string

const (
	StrategyRangeBound StrategyKind = "range_bound"
	StrategyRebalance  StrategyKind = "rebalance"
	StrategyDCA        StrategyKind = "dca"
)

func (k StrategyKind) IsValid() bool {
	switch k {
	case StrategyRangeBound, StrategyRebalance, StrategyDCA:
		return true
	}
	return false
}

// Strategy groups positions under one set of parameters.
type Strategy struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      StrategyKind    `json:"kind"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Validate checks the fields the store relies on.
func (s *Strategy) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("strategy id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("strategy %s: name is required", s.ID)
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("strategy %s: invalid kind %q", s.ID, s.Kind)
	}
	return nil
}

// StrategyParams are the tunables stored in Strategy.Config.
type StrategyParams struct {
	MaxPositionUSD decimal.Decimal `json:"max_position_usd"`
	RangeWidthBps  int             `json:"range_width_bps,omitempty"`
	SlippageBps    int             `json:"slippage_bps,omitempty"`
}

// Params decodes Config. Missing or malformed config yields zero params.
func (s *Strategy) Params() StrategyParams {
	var p StrategyParams
	decodeLenient(s.Config, &p, "strategy", s.ID)
	return p
}
