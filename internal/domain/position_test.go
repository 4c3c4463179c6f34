package domain

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

const testPool = "58oQChx4yWmvKdwLLZzBi4ChoCc2fqCUWBkwMihLYQo2"

func validPosition() *Position {
	return &Position{
		ID:          "pos_1",
		StrategyID:  "strat_1",
		PoolAddress: testPool,
		Status:      PositionActive,
		LowerPrice:  decimal.NewFromInt(100),
		UpperPrice:  decimal.NewFromInt(200),
	}
}

func TestPosition_Validate(t *testing.T) {
	if err := validPosition().Validate(); err != nil {
		t.Fatalf("valid position rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *Position)
	}{
		{"missing id", func(p *Position) { p.ID = "" }},
		{"missing strategy", func(p *Position) { p.StrategyID = "" }},
		{"bad pool", func(p *Position) { p.PoolAddress = "not-an-address" }},
		{"bad status", func(p *Position) { p.Status = "open" }},
		{"inverted range", func(p *Position) { p.UpperPrice = decimal.NewFromInt(50) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPosition()
			tt.mutate(p)
			if err := p.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestPosition_InRange(t *testing.T) {
	p := validPosition()
	for _, tc := range []struct {
		price int64
		want  bool
	}{{99, false}, {100, true}, {150, true}, {200, true}, {201, false}} {
		if got := p.InRange(decimal.NewFromInt(tc.price)); got != tc.want {
			t.Fatalf("InRange(%d) = %v, want %v", tc.price, got, tc.want)
		}
	}
}

func TestPosition_MetaDegradesOnMalformedJSON(t *testing.T) {
	p := validPosition()

	p.Metadata = json.RawMessage(`{"label":"core","rebalance_bps":25,"tags":["sol"]}`)
	want := PositionMeta{Label: "core", RebalanceBps: 25, Tags: []string{"sol"}}
	if diff := cmp.Diff(want, p.Meta()); diff != "" {
		t.Fatalf("meta mismatch (-want +got):\n%s", diff)
	}

	p.Metadata = json.RawMessage(`{"label": "core", "rebalance_bps": "oops"`)
	if diff := cmp.Diff(PositionMeta{}, p.Meta()); diff != "" {
		t.Fatalf("malformed metadata should decode empty (-want +got):\n%s", diff)
	}

	p.Metadata = nil
	if diff := cmp.Diff(PositionMeta{}, p.Meta()); diff != "" {
		t.Fatalf("missing metadata should decode empty (-want +got):\n%s", diff)
	}
}

func TestStrategy_Params(t *testing.T) {
	s := &Strategy{ID: "s1", Name: "core", Kind: StrategyRebalance,
		Config: json.RawMessage(`{"max_position_usd":"2500.5","range_width_bps":400}`)}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	p := s.Params()
	if !p.MaxPositionUSD.Equal(decimal.RequireFromString("2500.5")) || p.RangeWidthBps != 400 {
		t.Fatalf("unexpected params %+v", p)
	}

	s.Config = json.RawMessage(`[1,2,3]`)
	if got := s.Params(); !got.MaxPositionUSD.IsZero() || got.RangeWidthBps != 0 {
		t.Fatalf("malformed config should give zero params, got %+v", got)
	}
}

func TestTrade_ValidateAndPrice(t *testing.T) {
	tr := &Trade{ID: "t1", PositionID: "pos_1", Side: TradeBuy,
		AmountIn: decimal.NewFromInt(2), AmountOut: decimal.NewFromInt(300)}
	if err := tr.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !tr.EffectivePrice().Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected price %s", tr.EffectivePrice())
	}
	tr.AmountIn = decimal.Zero
	if tr.Validate() == nil {
		t.Fatal("zero amount should be rejected")
	}
	if !tr.EffectivePrice().IsZero() {
		t.Fatal("empty trade should have zero price")
	}
}

func TestValidateMint(t *testing.T) {
	if err := ValidateMint("So11111111111111111111111111111111111111112"); err != nil {
		t.Fatalf("wSOL rejected: %v", err)
	}
	for _, bad := range []string{"", "0OIl", "So1111111111111111111111111111111111111111O"} {
		if ValidateMint(bad) == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
