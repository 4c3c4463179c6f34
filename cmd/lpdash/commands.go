package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/domain"
	"github.com/CrunchNZ/lpb-sub001/internal/jupiter"
	"github.com/CrunchNZ/lpb-sub001/internal/logging"
	"github.com/CrunchNZ/lpb-sub001/internal/output"
)

func printer(cmd *cobra.Command) *output.Printer {
	return output.NewPrinter(output.ParseFormat(outputFormat), cmd.OutOrStdout())
}

// withApp runs fn against a freshly wired app for one-shot commands.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logging.InitStructuredTo(os.Stderr, cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func priceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price <mint>...",
		Short: "Show USD prices for token mints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, mint := range args {
				if err := domain.ValidateMint(mint); err != nil {
					return fmt.Errorf("mint %q: %w", mint, err)
				}
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				prices, err := a.jupiter.Price(ctx, args)
				if err != nil {
					return err
				}
				return printer(cmd).PrintPrices(args, prices)
			})
		},
	}
}

func quoteCmd() *cobra.Command {
	var (
		inputMint  string
		outputMint string
		amount     uint64
		slippage   int
	)

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Get the best swap route",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				q, err := a.jupiter.Quote(ctx, jupiter.QuoteRequest{
					InputMint:   inputMint,
					OutputMint:  outputMint,
					Amount:      amount,
					SlippageBps: slippage,
				})
				if err != nil {
					return err
				}
				return printer(cmd).PrintQuote(q)
			})
		},
	}

	cmd.Flags().StringVar(&inputMint, "in", "", "Input token mint")
	cmd.Flags().StringVar(&outputMint, "out", "", "Output token mint")
	cmd.Flags().Uint64VarP(&amount, "amount", "a", 0, "Amount in input token base units")
	cmd.Flags().IntVar(&slippage, "slippage", 50, "Slippage tolerance in bps")

	cmd.MarkFlagRequired("in")
	cmd.MarkFlagRequired("out")
	cmd.MarkFlagRequired("amount")

	return cmd
}

func positionsCmd() *cobra.Command {
	var strategyID string

	cmd := &cobra.Command{
		Use:     "positions",
		Short:   "List active positions",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					positions []*domain.Position
					err       error
				)
				if strategyID != "" {
					positions, err = a.store.ListPositionsByStrategy(ctx, strategyID)
				} else {
					positions, err = a.store.ListActivePositions(ctx)
				}
				if err != nil {
					return err
				}

				rows := make([]output.PositionRow, 0, len(positions))
				for _, p := range positions {
					rows = append(rows, output.NewPositionRow(p))
				}
				return printer(cmd).PrintPositions(rows)
			})
		},
	}

	cmd.Flags().StringVarP(&strategyID, "strategy", "s", "", "Only positions of this strategy (any status)")
	return cmd
}

func setStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <position-id> <active|closing|closed>",
		Short: "Change a position's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.PositionStatus(args[1])
			if !status.IsValid() {
				return fmt.Errorf("invalid status %q", args[1])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.store.UpdatePositionStatus(ctx, args[0], status); err != nil {
					return err
				}
				printer(cmd).Success("position %s is now %s", args[0], status)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			stats, err := fetchCacheStats(ctx, addr)
			if err != nil {
				return err
			}
			return printer(cmd).PrintCacheStats(stats)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:9090", "Daemon base URL")
	return cmd
}

func invalidateCmd() *cobra.Command {
	var (
		addr  string
		scope string
	)

	cmd := &cobra.Command{
		Use:   "invalidate <pattern>",
		Short: "Drop cached reads of a running daemon whose method matches pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			q := url.Values{"scope": {scope}, "pattern": {args[0]}}
			var resp struct {
				Removed int `json:"removed"`
			}
			if err := daemonCall(ctx, http.MethodPost, addr, "/debug/cache/invalidate?"+q.Encode(), &resp); err != nil {
				return err
			}
			printer(cmd).Success("removed %d %s cache entries matching %q", resp.Removed, scope, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:9090", "Daemon base URL")
	cmd.Flags().StringVar(&scope, "scope", "data", "Cache to invalidate (data, api)")
	return cmd
}

func fetchCacheStats(ctx context.Context, addr string) (map[string]cache.Stats, error) {
	var stats map[string]cache.Stats
	if err := daemonCall(ctx, http.MethodGet, addr, "/debug/cache", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// daemonCall sends a request to a running daemon and decodes its JSON reply.
func daemonCall(ctx context.Context, method, addr, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(addr, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("call daemon %s %s: %s %s", method, path, resp.Status, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	return nil
}
