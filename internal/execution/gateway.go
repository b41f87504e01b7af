// Package execution is the order-placement boundary. It supports paper
// mode (simulated fills), assist mode (no-op "skipped" results) and live
// mode (broker HTTP endpoint). Placement is rate limited so a runaway
// rule pipeline cannot hammer the broker.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Action is the order direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Mode selects how orders are executed.
type Mode string

const (
	ModePaper  Mode = "paper"
	ModeLive   Mode = "live"
	ModeAssist Mode = "assist"
)

// Result is the canonical order outcome. External broker response shapes
// are normalized into this at the boundary.
type Result struct {
	OK         bool    `json:"ok"`
	Status     string  `json:"status"` // filled, skipped, rejected, error
	Message    string  `json:"message"`
	StatusCode int     `json:"status_code"`
	FillPrice  float64 `json:"fill_price,omitempty"`
}

// Config holds gateway settings.
type Config struct {
	Mode         Mode
	BaseURL      string
	APIKey       string
	OrdersPerSec float64
	Burst        int
}

// PriceSource supplies the last seen price for a symbol; paper mode fills
// at this price.
type PriceSource func(symbol string) float64

// Gateway places market orders.
type Gateway struct {
	cfg     Config
	log     zerolog.Logger
	limiter *rate.Limiter
	client  *http.Client

	mu     sync.RWMutex
	prices PriceSource
}

// NewGateway creates an order gateway.
func NewGateway(cfg Config, log zerolog.Logger) *Gateway {
	if cfg.OrdersPerSec <= 0 {
		cfg.OrdersPerSec = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	return &Gateway{
		cfg:     cfg,
		log:     log.With().Str("component", "execution").Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.OrdersPerSec), cfg.Burst),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// SetPriceSource wires the last-price lookup used for paper fills.
func (g *Gateway) SetPriceSource(src PriceSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices = src
}

// Mode returns the configured execution mode.
func (g *Gateway) Mode() Mode {
	return g.cfg.Mode
}

// PlaceMarketOrder places (or simulates) a market order. A single failed
// attempt reports its status; it is never retried here and never panics
// into the tick path.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, action Action, symbol string, qty int, reason string) Result {
	if symbol == "" {
		return Result{Status: "rejected", Message: "missing symbol", StatusCode: 400}
	}
	if qty <= 0 {
		return Result{Status: "rejected", Message: "non-positive quantity", StatusCode: 400}
	}
	if !g.limiter.Allow() {
		g.log.Warn().Str("symbol", symbol).Msg("order rate limit")
		return Result{Status: "rejected", Message: "order rate limit", StatusCode: 429}
	}

	g.log.Info().Str("action", string(action)).Str("symbol", symbol).
		Int("qty", qty).Str("reason", reason).Str("mode", string(g.cfg.Mode)).
		Msg("placing market order")

	switch g.cfg.Mode {
	case ModeAssist:
		return Result{OK: true, Status: "skipped", Message: "assist mode, no order placed", StatusCode: 200}
	case ModeLive:
		return g.placeLive(ctx, action, symbol, qty, reason)
	default:
		return g.placePaper(action, symbol, qty)
	}
}

func (g *Gateway) placePaper(action Action, symbol string, qty int) Result {
	g.mu.RLock()
	src := g.prices
	g.mu.RUnlock()

	price := 0.0
	if src != nil {
		price = src(symbol)
	}
	if price <= 0 {
		return Result{Status: "rejected", Message: "no price available for paper fill", StatusCode: 422}
	}
	return Result{
		OK:         true,
		Status:     "filled",
		Message:    fmt.Sprintf("paper %s %d @ %.2f", action, qty, price),
		StatusCode: 200,
		FillPrice:  price,
	}
}

type liveOrderRequest struct {
	Action   string `json:"action"`
	Symbol   string `json:"symbol"`
	Quantity int    `json:"quantity"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
}

type liveOrderResponse struct {
	Status   string  `json:"status"`
	Message  string  `json:"message"`
	AvgPrice float64 `json:"avg_price"`
}

func (g *Gateway) placeLive(ctx context.Context, action Action, symbol string, qty int, reason string) Result {
	body, _ := json.Marshal(liveOrderRequest{
		Action: string(action), Symbol: symbol, Quantity: qty, Type: "MARKET", Reason: reason,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return Result{Status: "error", Message: err.Error(), StatusCode: 0}
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.log.Error().Err(err).Str("symbol", symbol).Msg("order request failed")
		return Result{Status: "error", Message: err.Error(), StatusCode: 0}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var parsed liveOrderResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{Status: "error", Message: "unparseable broker response", StatusCode: resp.StatusCode}
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300 && parsed.Status != "rejected"
	status := parsed.Status
	if status == "" {
		status = "filled"
	}
	return Result{
		OK:         ok,
		Status:     status,
		Message:    parsed.Message,
		StatusCode: resp.StatusCode,
		FillPrice:  parsed.AvgPrice,
	}
}
