// Package output renders lpdash CLI results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/domain"
	"github.com/CrunchNZ/lpb-sub001/internal/jupiter"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a printer writing to w. Colour is only used on
// os.Stdout and is disabled by NO_COLOR.
func NewPrinter(format Format, w io.Writer) *Printer {
	return &Printer{
		format:  format,
		writer:  w,
		noColor: os.Getenv("NO_COLOR") != "" || w != io.Writer(os.Stdout),
	}
}

func (p *Printer) structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

// Print outputs data as JSON or YAML. Table formats fall back to JSON.
func (p *Printer) Print(data any) error {
	if p.format == FormatYAML {
		return p.printYAML(data)
	}
	return p.printJSON(data)
}

func (p *Printer) printJSON(data any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data any) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

// Color codes
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

// PositionRow is one position in list output.
type PositionRow struct {
	ID           string   `json:"id" yaml:"id"`
	Strategy     string   `json:"strategy_id" yaml:"strategy_id"`
	Pool         string   `json:"pool_address" yaml:"pool_address"`
	Status       string   `json:"status" yaml:"status"`
	LowerPrice   string   `json:"lower_price" yaml:"lower_price"`
	UpperPrice   string   `json:"upper_price" yaml:"upper_price"`
	LiquidityUSD string   `json:"liquidity_usd" yaml:"liquidity_usd"`
	PnL          string   `json:"pnl" yaml:"pnl"`
	Label        string   `json:"label,omitempty" yaml:"label,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Created      string   `json:"created" yaml:"created"`
}

// NewPositionRow flattens a position for display.
func NewPositionRow(pos *domain.Position) PositionRow {
	meta := pos.Meta()
	return PositionRow{
		ID:           pos.ID,
		Strategy:     pos.StrategyID,
		Pool:         pos.PoolAddress,
		Status:       string(pos.Status),
		LowerPrice:   pos.LowerPrice.String(),
		UpperPrice:   pos.UpperPrice.String(),
		LiquidityUSD: pos.LiquidityUSD.StringFixed(2),
		PnL:          pos.PnL.StringFixed(2),
		Label:        meta.Label,
		Tags:         meta.Tags,
		Created:      pos.CreatedAt.Format("2006-01-02 15:04"),
	}
}

// PrintPositions prints a position list
func (p *Printer) PrintPositions(rows []PositionRow) error {
	if p.structured() {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No positions")
		return nil
	}

	w := p.TableWriter()
	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tSTRATEGY\tPOOL\tSTATUS\tRANGE\tLIQUIDITY\tPNL\tLABEL\tTAGS\tCREATED"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tSTRATEGY\tPOOL\tSTATUS\tRANGE\tLIQUIDITY\tPNL\tCREATED"))
	}

	for _, row := range rows {
		pnl := row.PnL
		if strings.HasPrefix(pnl, "-") {
			pnl = p.Colorize(Red, pnl)
		} else {
			pnl = p.Colorize(Green, pnl)
		}
		if p.format == FormatWide {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s-%s\t%s\t%s\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.ID),
				row.Strategy,
				row.Pool,
				row.Status,
				row.LowerPrice,
				row.UpperPrice,
				row.LiquidityUSD,
				pnl,
				row.Label,
				strings.Join(row.Tags, ","),
				row.Created,
			)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s-%s\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.ID),
				row.Strategy,
				ShortAddr(row.Pool),
				row.Status,
				row.LowerPrice,
				row.UpperPrice,
				row.LiquidityUSD,
				pnl,
				row.Created,
			)
		}
	}

	return w.Flush()
}

// PrintPrices prints prices in the order of mints. Mints without a price
// show "-" in tables and are omitted from structured output.
func (p *Printer) PrintPrices(mints []string, prices jupiter.Prices) error {
	if p.structured() {
		out := make(map[string]string, len(prices))
		for mint, price := range prices {
			out[mint] = price.String()
		}
		return p.Print(out)
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "MINT\tPRICE (USD)"))
	for _, mint := range mints {
		price, ok := prices[mint]
		if !ok {
			fmt.Fprintf(w, "%s\t%s\n", mint, p.Colorize(Gray, "-"))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", mint, price.String())
	}
	return w.Flush()
}

// decimalOne is the price impact, in percent, highlighted as high.
var decimalOne = decimal.NewFromInt(1)

// PrintQuote prints a swap quote. Structured formats print the upstream
// response unchanged.
func (p *Printer) PrintQuote(q *jupiter.Quote) error {
	if p.structured() {
		var raw any
		if err := json.Unmarshal(q.Raw, &raw); err != nil {
			return p.Print(q)
		}
		return p.Print(raw)
	}

	fmt.Fprintf(p.writer, "%s\n", p.Colorize(Bold, "Quote:"))
	fmt.Fprintf(p.writer, "  %s %s %s\n", p.Colorize(Gray, "In:          "), q.InAmount, q.InputMint)
	fmt.Fprintf(p.writer, "  %s %s %s\n", p.Colorize(Gray, "Out:         "), q.OutAmount, q.OutputMint)
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Min Out:     "), q.OtherAmountThreshold)
	fmt.Fprintf(p.writer, "  %s %d bps\n", p.Colorize(Gray, "Slippage:    "), q.SlippageBps)
	impact := q.PriceImpactPct.String() + "%"
	if q.PriceImpactPct.GreaterThanOrEqual(decimalOne) {
		impact = p.Colorize(Yellow, impact)
	}
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Price Impact:"), impact)
	return nil
}

// PrintCacheStats prints the stats of each named cache, sorted by name.
func (p *Printer) PrintCacheStats(stats map[string]cache.Stats) error {
	if p.structured() {
		return p.Print(stats)
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	w := p.TableWriter()
	for _, name := range names {
		st := stats[name]
		fmt.Fprintf(w, "%s cache: %d/%d entries\n", name, st.Cache.Size, st.Cache.MaxSize)
		if len(st.Queries) == 0 {
			continue
		}
		fmt.Fprintln(w, p.Colorize(Bold, "  METHOD\tHITS\tMISSES\tHIT RATE"))
		for _, m := range st.Methods() {
			q := st.Queries[m]
			fmt.Fprintf(w, "  %s\t%d\t%d\t%.1f%%\n", m, q.Hits, q.Misses, q.HitRate*100)
		}
	}
	return w.Flush()
}

// ShortAddr abbreviates a base58 address to its first and last four
// characters.
func ShortAddr(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:4] + ".." + addr[len(addr)-4:]
}

// Success prints a success message
func (p *Printer) Success(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}
