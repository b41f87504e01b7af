package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ChainProvider resolves the option chain around the at-the-money strike.
type ChainProvider interface {
	GetOptionChain(ctx context.Context, underlying, exchange, expiryDate string, strikeCount int) (*Chain, error)
}

// HTTPChainProvider fetches chains from a broker-side HTTP endpoint.
type HTTPChainProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPChainProvider creates a chain provider against baseURL.
func NewHTTPChainProvider(baseURL, apiKey string) *HTTPChainProvider {
	return &HTTPChainProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type chainResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Chain     []ChainRow `json:"chain"`
	ATMStrike float64    `json:"atm_strike"`
}

// GetOptionChain implements ChainProvider.
func (p *HTTPChainProvider) GetOptionChain(ctx context.Context, underlying, exchange, expiryDate string, strikeCount int) (*Chain, error) {
	q := url.Values{}
	q.Set("underlying", underlying)
	q.Set("exchange", exchange)
	q.Set("expiry", expiryDate)
	q.Set("strike_count", fmt.Sprintf("%d", strikeCount))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/option-chain?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch option chain: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("option chain status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var parsed chainResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse option chain: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("option chain lookup failed: %s", parsed.Message)
	}
	return &Chain{Rows: parsed.Chain, ATMStrike: parsed.ATMStrike}, nil
}
