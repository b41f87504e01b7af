package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Update is a raw feed update before the runtime maps the symbol to a
// side. Depth is present only when the feed sent book data.
type Update struct {
	Symbol    string
	Exchange  string
	LTP       float64
	Timestamp time.Time
	Depth     *Depth
}

// FeedConfig holds stream connection settings.
type FeedConfig struct {
	URL          string
	APIKey       string
	Exchange     string
	PingInterval time.Duration
}

// feedRequest is the client -> server frame.
type feedRequest struct {
	Action   string   `json:"action"` // authenticate, subscribe, unsubscribe
	APIKey   string   `json:"api_key,omitempty"`
	Symbols  []string `json:"symbols,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
}

// feedMessage is the server -> client frame.
type feedMessage struct {
	Type     string `json:"type"` // auth, subscribe, market_data
	Success  *bool  `json:"success,omitempty"`
	Message  string `json:"message,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Data     *struct {
		LTP       float64 `json:"ltp"`
		Timestamp int64   `json:"timestamp"` // epoch millis
		Depth     *Depth  `json:"depth,omitempty"`
	} `json:"data,omitempty"`
}

// Feed is the bidirectional market data stream client. Authentication
// must complete before any subscription is sent; Connect enforces that.
type Feed struct {
	cfg FeedConfig
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]bool
	closed  bool
	authed  bool
	updates chan Update
	authCh  chan feedMessage
}

// NewFeed creates a feed client.
func NewFeed(cfg FeedConfig, log zerolog.Logger) *Feed {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	return &Feed{
		cfg:     cfg,
		log:     log.With().Str("component", "feed").Logger(),
		subs:    make(map[string]bool),
		updates: make(chan Update, 1024),
		authCh:  make(chan feedMessage, 1),
	}
}

// Updates returns the inbound tick channel. Closed when the read loop
// exits.
func (f *Feed) Updates() <-chan Update {
	return f.updates
}

// Connect dials the stream, authenticates and starts the read loop.
func (f *Feed) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.closed = false
	f.mu.Unlock()

	go f.readLoop(conn)
	go f.pingLoop(conn)

	if err := f.send(feedRequest{Action: "authenticate", APIKey: f.cfg.APIKey}); err != nil {
		f.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	select {
	case msg := <-f.authCh:
		if msg.Success == nil || !*msg.Success {
			f.Close()
			return fmt.Errorf("feed auth rejected: %s", msg.Message)
		}
	case <-time.After(10 * time.Second):
		f.Close()
		return fmt.Errorf("feed auth timeout")
	case <-ctx.Done():
		f.Close()
		return ctx.Err()
	}

	f.mu.Lock()
	f.authed = true
	f.mu.Unlock()
	f.log.Info().Str("url", f.cfg.URL).Msg("feed connected")
	return nil
}

// Subscribe requests market data for the symbols.
func (f *Feed) Subscribe(symbols ...string) error {
	f.mu.Lock()
	if !f.authed {
		f.mu.Unlock()
		return fmt.Errorf("subscribe before authentication")
	}
	for _, s := range symbols {
		f.subs[s] = true
	}
	f.mu.Unlock()
	return f.send(feedRequest{Action: "subscribe", Symbols: symbols, Exchange: f.cfg.Exchange})
}

// Unsubscribe stops market data for the symbols.
func (f *Feed) Unsubscribe(symbols ...string) error {
	f.mu.Lock()
	for _, s := range symbols {
		delete(f.subs, s)
	}
	f.mu.Unlock()
	return f.send(feedRequest{Action: "unsubscribe", Symbols: symbols, Exchange: f.cfg.Exchange})
}

// Resubscribe atomically swaps old symbols for new ones, used by strike
// rolls. The unsubscribe is sent first so the feed never double-counts.
func (f *Feed) Resubscribe(oldSymbols, newSymbols []string) error {
	if len(oldSymbols) > 0 {
		if err := f.Unsubscribe(oldSymbols...); err != nil {
			return err
		}
	}
	return f.Subscribe(newSymbols...)
}

// Close tears the connection down. Idempotent.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.authed = false
	if f.conn != nil {
		_ = f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = f.conn.Close()
	}
}

func (f *Feed) send(req feedRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil || f.closed {
		return fmt.Errorf("feed not connected")
	}
	return f.conn.WriteJSON(req)
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	defer close(f.updates)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.log.Info().Msg("feed closed")
			} else {
				f.mu.Lock()
				closed := f.closed
				f.mu.Unlock()
				if !closed {
					f.log.Error().Err(err).Msg("feed read failed")
				}
			}
			return
		}

		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.log.Warn().Err(err).Msg("unparseable feed frame")
			continue
		}

		switch msg.Type {
		case "auth":
			select {
			case f.authCh <- msg:
			default:
			}
		case "market_data":
			if msg.Data == nil || msg.Symbol == "" {
				continue
			}
			ts := time.Now()
			if msg.Data.Timestamp > 0 {
				ts = time.UnixMilli(msg.Data.Timestamp)
			}
			update := Update{
				Symbol:    msg.Symbol,
				Exchange:  msg.Exchange,
				LTP:       msg.Data.LTP,
				Timestamp: ts,
				Depth:     msg.Data.Depth,
			}
			select {
			case f.updates <- update:
			default:
				// Tick channel is full: drop the oldest style backpressure
				// is not worth it for LTP streams, drop the new frame.
			}
		}
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			return
		}
	}
}
