// Package notify is the best-effort notification sink. Delivery is
// fire-and-forget: a failed or slow provider never affects trading.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Type classifies a notification.
type Type string

const (
	NotifyTradeOpen  Type = "trade_open"
	NotifyTradeClose Type = "trade_close"
	NotifyRiskHalt   Type = "risk_halt"
	NotifyInfo       Type = "info"
)

// Notification is one outbound message.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Symbol    string
	PnL       float64
	Timestamp time.Time
}

// Notifier is a single delivery provider.
type Notifier interface {
	Send(n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to all enabled providers asynchronously.
type Manager struct {
	log       zerolog.Logger
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a notification manager.
func NewManager(enabled bool, log zerolog.Logger) *Manager {
	return &Manager{
		log:     log.With().Str("component", "notify").Logger(),
		enabled: enabled,
	}
}

// AddNotifier adds a notification provider.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled providers in the background. Errors are
// logged and dropped.
func (m *Manager) Send(n *Notification) {
	if !m.enabled {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		go func(p Notifier) {
			if err := p.Send(n); err != nil {
				m.log.Warn().Err(err).Str("provider", p.Name()).Msg("notification failed")
			}
		}(p)
	}
}

// SendTradeOpen sends a trade opened notification.
func (m *Manager) SendTradeOpen(symbol, side string, price float64, quantity int) {
	m.Send(&Notification{
		Type:    NotifyTradeOpen,
		Title:   fmt.Sprintf("Trade Opened: %s", symbol),
		Message: fmt.Sprintf("%s %s x%d @ %.2f", side, symbol, quantity, price),
		Symbol:  symbol,
	})
}

// SendTradeClose sends a trade closed notification.
func (m *Manager) SendTradeClose(symbol string, entry, exit, pnl float64, reason string) {
	m.Send(&Notification{
		Type:    NotifyTradeClose,
		Title:   fmt.Sprintf("Trade Closed: %s", symbol),
		Message: fmt.Sprintf("Entry %.2f -> Exit %.2f\nP&L: %.2f\nReason: %s", entry, exit, pnl, reason),
		Symbol:  symbol,
		PnL:     pnl,
	})
}

// SendRiskHalt sends a session halt notification.
func (m *Manager) SendRiskHalt(reason string) {
	m.Send(&Notification{
		Type:    NotifyRiskHalt,
		Title:   "Trading halted",
		Message: reason,
	})
}

// TelegramConfig holds Telegram configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// TelegramNotifier sends notifications via the Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier.
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

// Send posts the notification as a Markdown message.
func (t *TelegramNotifier) Send(n *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Title, n.Message),
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
