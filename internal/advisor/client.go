// Package advisor calls the remote inference endpoint that suggests
// playbook parameter deltas. Any transport or parse failure degrades to
// "no advice" (nil): trading must never stall or crash waiting on an
// external provider.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Advice is the advisor's response: parameter deltas plus free-form notes.
type Advice struct {
	Changes map[string]interface{} `json:"changes"`
	Notes   string                 `json:"notes"`
}

// Config holds advisor endpoint settings. LiveTimeout is sub-second so the
// fast advisor never competes with tick processing; TuneTimeout is the
// longer budget the model tuner uses.
type Config struct {
	Enabled     bool
	BaseURL     string
	APIKey      string
	LiveTimeout time.Duration
	TuneTimeout time.Duration
}

// Client is the advisor HTTP client.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	client *http.Client
}

// NewClient creates an advisor client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.LiveTimeout <= 0 {
		cfg.LiveTimeout = 800 * time.Millisecond
	}
	if cfg.TuneTimeout <= 0 {
		cfg.TuneTimeout = 8 * time.Second
	}
	return &Client{
		cfg:    cfg,
		log:    log.With().Str("component", "advisor").Logger(),
		client: &http.Client{},
	}
}

// Enabled reports whether the advisor is configured at all.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.BaseURL != ""
}

// GetLiveUpdate asks for fast in-trade advice under the live timeout.
// Returns nil on any failure.
func (c *Client) GetLiveUpdate(ctx context.Context, payload interface{}) *Advice {
	return c.get(ctx, payload, c.cfg.LiveTimeout)
}

// GetTuneUpdate asks for a tuning recommendation under the tuner timeout.
// Returns nil on any failure.
func (c *Client) GetTuneUpdate(ctx context.Context, payload interface{}) *Advice {
	return c.get(ctx, payload, c.cfg.TuneTimeout)
}

func (c *Client) get(ctx context.Context, payload interface{}, timeout time.Duration) *Advice {
	if !c.Enabled() {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("advisor payload marshal failed")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/advise", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Msg("advisor call failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Debug().Int("status", resp.StatusCode).Msg("advisor non-200")
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<18))
	if err != nil {
		return nil
	}
	return ParseAdvice(data)
}

// ParseAdvice extracts a {changes, notes} object from the raw response.
// Providers sometimes wrap the JSON in prose or code fences; tolerate that
// here so the rest of the system only sees the strict shape. Returns nil
// when no usable object is found.
func ParseAdvice(raw []byte) *Advice {
	text := strings.TrimSpace(string(raw))
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "}"); i >= 0 {
		text = text[:i+1]
	}

	var advice Advice
	if err := json.Unmarshal([]byte(text), &advice); err != nil {
		return nil
	}
	if advice.Changes == nil && advice.Notes == "" {
		return nil
	}
	if advice.Changes == nil {
		advice.Changes = map[string]interface{}{}
	}
	return &advice
}
