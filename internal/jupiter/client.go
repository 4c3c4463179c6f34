// Package jupiter is a client for the Jupiter aggregator's price, quote and
// swap endpoints. CachedClient puts a rate limiter and a query cache in front
// of the read endpoints.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/CrunchNZ/lpb-sub001/internal/observability"
)

// Endpoint names, used as rate limit keys and cache method names.
const (
	EndpointPrice = "price"
	EndpointQuote = "quote"
	EndpointSwap  = "swap"
)

const (
	DefaultBaseURL = "https://api.jup.ag"
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 512
)

// APIError is returned when a Jupiter request fails, either in transport
// (StatusCode 0) or with a non-2xx response.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("jupiter %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("jupiter %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// Temporary reports whether retrying later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config configures a Client.
type Config struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
}

// Client calls the Jupiter HTTP API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient creates a client. Zero config values take the defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// Prices maps a token mint to its USD price. Mints Jupiter cannot price are
// absent.
type Prices map[string]decimal.Decimal

type priceResponse struct {
	Data map[string]*struct {
		ID    string          `json:"id"`
		Type  string          `json:"type"`
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
}

// Price fetches USD prices for mints.
func (c *Client) Price(ctx context.Context, mints []string) (Prices, error) {
	if len(mints) == 0 {
		return Prices{}, nil
	}
	q := url.Values{"ids": {strings.Join(mints, ",")}}

	var resp priceResponse
	if err := c.do(ctx, EndpointPrice, http.MethodGet, "/price/v2?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make(Prices, len(resp.Data))
	for mint, p := range resp.Data {
		if p == nil {
			continue
		}
		out[mint] = p.Price
	}
	return out, nil
}

// QuoteRequest selects a swap route. Amount is in the input token's base
// units.
type QuoteRequest struct {
	InputMint   string `json:"input_mint"`
	OutputMint  string `json:"output_mint"`
	Amount      uint64 `json:"amount"`
	SlippageBps int    `json:"slippage_bps"`
}

func (r QuoteRequest) validate() error {
	if r.InputMint == "" || r.OutputMint == "" {
		return fmt.Errorf("quote: input and output mints are required")
	}
	if r.Amount == 0 {
		return fmt.Errorf("quote: amount must be positive")
	}
	if r.SlippageBps < 0 || r.SlippageBps > 10000 {
		return fmt.Errorf("quote: slippage %d bps out of range", r.SlippageBps)
	}
	return nil
}

// Quote is the best route for a QuoteRequest. Raw keeps the response as
// returned so it can be sent back unchanged in a swap request.
type Quote struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       decimal.Decimal `json:"priceImpactPct"`
	RoutePlan            json.RawMessage `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`

	Raw json.RawMessage `json:"-"`
}

// Quote fetches the best route for req.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	q := url.Values{
		"inputMint":   {req.InputMint},
		"outputMint":  {req.OutputMint},
		"amount":      {strconv.FormatUint(req.Amount, 10)},
		"slippageBps": {strconv.Itoa(req.SlippageBps)},
	}

	var raw json.RawMessage
	if err := c.do(ctx, EndpointQuote, http.MethodGet, "/v6/quote?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	var quote Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return nil, &APIError{Endpoint: EndpointQuote, StatusCode: http.StatusOK, Body: "decode quote", Err: err}
	}
	quote.Raw = raw
	return &quote, nil
}

// SwapRequest asks Jupiter to build a swap transaction for a quote.
type SwapRequest struct {
	Quote            *Quote
	UserPublicKey    string
	WrapAndUnwrapSol bool
}

// SwapTransaction is an unsigned, base64-encoded versioned transaction.
type SwapTransaction struct {
	Transaction          string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Swap builds the transaction for req.
func (c *Client) Swap(ctx context.Context, req SwapRequest) (*SwapTransaction, error) {
	if req.Quote == nil || len(req.Quote.Raw) == 0 {
		return nil, fmt.Errorf("swap: a quote from Quote is required")
	}
	if req.UserPublicKey == "" {
		return nil, fmt.Errorf("swap: user public key is required")
	}
	body, err := json.Marshal(struct {
		QuoteResponse    json.RawMessage `json:"quoteResponse"`
		UserPublicKey    string          `json:"userPublicKey"`
		WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
	}{req.Quote.Raw, req.UserPublicKey, req.WrapAndUnwrapSol})
	if err != nil {
		return nil, fmt.Errorf("swap: encode request: %w", err)
	}

	var tx SwapTransaction
	if err := c.do(ctx, EndpointSwap, http.MethodPost, "/v6/swap", body, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, body []byte, out any) (err error) {
	ctx, span := observability.StartClientSpan(ctx, "jupiter."+endpoint,
		observability.AttrEndpoint.String(endpoint),
	)
	defer func() { observability.EndSpan(span, err) }()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	observability.InjectHTTPHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(observability.AttrHTTPStatus.Int(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: "decode response", Err: err}
	}
	return nil
}
