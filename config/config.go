package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the root configuration for the scalping agent process.
type Config struct {
	FeedConfig      FeedConfig      `json:"feed"`
	AgentConfig     AgentConfig     `json:"agent"`
	PlaybookConfig  PlaybookConfig  `json:"playbook"`
	RiskConfig      RiskConfig      `json:"risk"`
	BiasConfig      BiasConfig      `json:"index_bias"`
	ExecutionConfig ExecutionConfig `json:"execution"`
	AdvisorConfig   AdvisorConfig   `json:"advisor"`
	LearningConfig  LearningConfig  `json:"learning"`
	TunerConfig     TunerConfig     `json:"tuner"`
	StoreConfig     StoreConfig     `json:"store"`
	RedisConfig     RedisConfig     `json:"redis"`
	NotifyConfig    NotifyConfig    `json:"notification"`
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// FeedConfig holds market data stream settings.
type FeedConfig struct {
	URL          string `json:"url"`
	APIKey       string `json:"api_key"`
	Exchange     string `json:"exchange"`
	PingInterval int    `json:"ping_interval"` // seconds
}

// AgentConfig holds runtime settings for the tick-evaluation pipeline.
type AgentConfig struct {
	Underlying         string  `json:"underlying"` // e.g. NIFTY, BANKNIFTY, SENSEX
	Exchange           string  `json:"exchange"`   // option exchange segment
	TradeMode          string  `json:"trade_mode"` // AUTO, CE_ONLY, PE_ONLY
	EntryLots          int     `json:"entry_lots"`
	MaxQuantity        int     `json:"max_quantity"`        // entries above this are skipped, not resized
	UnderlyingFilter   bool    `json:"underlying_filter"`   // require sustained underlying momentum
	UnderlyingTicks    int     `json:"underlying_ticks"`    // consecutive underlying ticks required
	CandleConfirmMode  string  `json:"candle_confirm_mode"` // ema9, prev_close, off
	CandleConfirmTicks int     `json:"candle_confirm_ticks"`
	RelStrengthMargin  int     `json:"rel_strength_margin"` // this side's run must beat the other by this
	ImbalanceMin       float64 `json:"imbalance_min"`       // min bid/ask qty ratio for entries
	MinMovePoints      float64 `json:"min_move_points"`     // min move since last exit on the same side
	RewardRiskGuard    bool    `json:"reward_risk_guard"`   // raise effective TP to at least SL

	BreakevenEnabled bool    `json:"breakeven_enabled"`
	BreakevenDelayS  int     `json:"breakeven_delay_s"`
	BreakevenBuffer  float64 `json:"breakeven_buffer"` // points above entry for the ratcheted stop

	ProfitLockTrigger float64 `json:"profit_lock_trigger"` // points of profit that arm the lock
	ProfitLockPoints  float64 `json:"profit_lock_points"`  // points locked once armed

	AveragingEnabled    bool    `json:"averaging_enabled"`
	AveragingWindowS    int     `json:"averaging_window_s"`
	AveragingMaxFills   int     `json:"averaging_max_fills"`
	AveragingMinAdverse float64 `json:"averaging_min_adverse"` // points against entry before adding

	FlipEnabled   bool `json:"flip_enabled"`
	FlipMinHoldS  int  `json:"flip_min_hold_s"`
	FlipCooldownS int  `json:"flip_cooldown_s"`

	StaleFeedTimeoutS int `json:"stale_feed_timeout_s"` // stale data forces exit and stop

	StrikeRollEnabled bool    `json:"strike_roll_enabled"`
	StrikeRollPoints  float64 `json:"strike_roll_points"` // underlying move that triggers a re-strike
	StrikeOffset      int     `json:"strike_offset"`      // strikes away from ATM
	StrikeCount       int     `json:"strike_count"`       // chain width requested on roll
	ExpiryDate        string  `json:"expiry_date"`        // YYYY-MM-DD of the traded contract
}

// PlaybookConfig is the mutable base parameter set. The regime-selected
// "current" playbook is always derived from this, never mutated on its own.
type PlaybookConfig struct {
	MomentumTicks       int     `json:"momentum_ticks"`
	TPPoints            float64 `json:"tp_points"`
	SLPoints            float64 `json:"sl_points"`
	TrailDistance       float64 `json:"trail_distance"`
	TrailStep           float64 `json:"trail_step"`
	TrailingEnabled     bool    `json:"trailing_enabled"`
	TrailingOverridesTP bool    `json:"trailing_overrides_tp"`
	SpreadCap           float64 `json:"spread_cap"`
}

// RiskConfig holds session loss limits and entry throttles.
type RiskConfig struct {
	DailyMaxLoss       float64 `json:"daily_max_loss"`
	PerTradeMaxLoss    float64 `json:"per_trade_max_loss"`
	CooldownAfterLossS int     `json:"cooldown_after_loss_s"`
	MinEntryGapMs      int     `json:"min_entry_gap_ms"`
	MaxTradesPerMin    int     `json:"max_trades_per_min"`
	MaxTradeDurationS  int     `json:"max_trade_duration_s"`
}

// BiasConfig controls the index-bias indicator vote.
type BiasConfig struct {
	Mode          string `json:"mode"` // STRONG, FILTER, OFF
	MinScore      int    `json:"min_score"`
	UseEMA        bool   `json:"use_ema"`
	UseVWAP       bool   `json:"use_vwap"`
	UseSupertrend bool   `json:"use_supertrend"`
	UseRSI        bool   `json:"use_rsi"`
	UseADX        bool   `json:"use_adx"`
}

// ExecutionConfig holds order gateway settings.
type ExecutionConfig struct {
	Mode         string  `json:"mode"` // paper, live, assist
	BaseURL      string  `json:"base_url"`
	APIKey       string  `json:"api_key"`
	OrdersPerSec float64 `json:"orders_per_sec"`
	Burst        int     `json:"burst"`
}

// AdvisorConfig holds the remote inference endpoint settings. The live
// advisor budget is sub-second so a slow provider never stalls ticks.
type AdvisorConfig struct {
	Enabled       bool   `json:"enabled"`
	BaseURL       string `json:"base_url"`
	APIKey        string `json:"api_key"`
	LiveTimeoutMs int    `json:"live_timeout_ms"`
	TuneTimeoutS  int    `json:"tune_timeout_s"`
	IntervalS     int    `json:"interval_s"` // min seconds between live lookups
}

// LearningConfig controls the per-trade bandit tuner.
type LearningConfig struct {
	Enabled         bool    `json:"enabled"`
	AutoApply       bool    `json:"auto_apply"`
	MinTrades       int     `json:"min_trades"`
	TuneIntervalS   int     `json:"tune_interval_s"`
	ExplorationRate float64 `json:"exploration_rate"`
}

// TunerConfig controls the periodic model-advisor loop.
type TunerConfig struct {
	Enabled   bool `json:"enabled"`
	AutoApply bool `json:"auto_apply"`
	MinTrades int  `json:"min_trades"`
	IntervalS int  `json:"interval_s"` // 0 disables the schedule, on-demand only
}

// StoreConfig holds embedded persistence settings.
type StoreConfig struct {
	DataDir string `json:"data_dir"`
}

// RedisConfig holds the optional position snapshot cache settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NotifyConfig holds notification sink settings.
type NotifyConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// ServerConfig holds the local control API settings.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// Default returns a config with safe paper-trading defaults.
func Default() *Config {
	return &Config{
		FeedConfig: FeedConfig{
			URL:          "ws://localhost:8765/stream",
			Exchange:     "NFO",
			PingInterval: 20,
		},
		AgentConfig: AgentConfig{
			Underlying:          "NIFTY",
			Exchange:            "NFO",
			TradeMode:           "AUTO",
			EntryLots:           1,
			MaxQuantity:         1800,
			UnderlyingFilter:    true,
			UnderlyingTicks:     3,
			CandleConfirmMode:   "ema9",
			CandleConfirmTicks:  3,
			RelStrengthMargin:   1,
			ImbalanceMin:        0.8,
			MinMovePoints:       1.0,
			RewardRiskGuard:     true,
			BreakevenEnabled:    true,
			BreakevenDelayS:     20,
			BreakevenBuffer:     0.5,
			ProfitLockTrigger:   8,
			ProfitLockPoints:    3,
			AveragingEnabled:    false,
			AveragingWindowS:    60,
			AveragingMaxFills:   1,
			AveragingMinAdverse: 4,
			FlipEnabled:         true,
			FlipMinHoldS:        15,
			FlipCooldownS:       20,
			StaleFeedTimeoutS:   30,
			StrikeRollEnabled:   true,
			StrikeRollPoints:    60,
			StrikeOffset:        0,
			StrikeCount:         5,
		},
		PlaybookConfig: PlaybookConfig{
			MomentumTicks:       4,
			TPPoints:            10,
			SLPoints:            6,
			TrailDistance:       4,
			TrailStep:           1,
			TrailingEnabled:     true,
			TrailingOverridesTP: false,
			SpreadCap:           1.5,
		},
		RiskConfig: RiskConfig{
			DailyMaxLoss:       10000,
			PerTradeMaxLoss:    1500,
			CooldownAfterLossS: 120,
			MinEntryGapMs:      3000,
			MaxTradesPerMin:    4,
			MaxTradeDurationS:  180,
		},
		BiasConfig: BiasConfig{
			Mode:          "FILTER",
			MinScore:      2,
			UseEMA:        true,
			UseVWAP:       true,
			UseSupertrend: true,
			UseRSI:        true,
			UseADX:        false,
		},
		ExecutionConfig: ExecutionConfig{
			Mode:         "paper",
			OrdersPerSec: 2,
			Burst:        4,
		},
		AdvisorConfig: AdvisorConfig{
			LiveTimeoutMs: 800,
			TuneTimeoutS:  8,
			IntervalS:     60,
		},
		LearningConfig: LearningConfig{
			Enabled:         true,
			AutoApply:       false,
			MinTrades:       10,
			TuneIntervalS:   600,
			ExplorationRate: 0.1,
		},
		TunerConfig: TunerConfig{
			Enabled:   false,
			AutoApply: false,
			MinTrades: 20,
			IntervalS: 0,
		},
		StoreConfig: StoreConfig{DataDir: "data"},
		RedisConfig: RedisConfig{Addr: "localhost:6379"},
		ServerConfig: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8088",
		},
		LoggingConfig: LoggingConfig{Level: "info"},
	}
}

// Load reads config.json (if present) over the defaults, then applies
// environment variable overrides. Environment takes precedence over the file.
func Load() (*Config, error) {
	cfg := Default()

	path := getEnvOrDefault("SCALPER_CONFIG", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	switch c.AgentConfig.TradeMode {
	case "AUTO", "CE_ONLY", "PE_ONLY":
	default:
		return fmt.Errorf("invalid trade_mode %q", c.AgentConfig.TradeMode)
	}
	switch c.ExecutionConfig.Mode {
	case "paper", "live", "assist":
	default:
		return fmt.Errorf("invalid execution mode %q", c.ExecutionConfig.Mode)
	}
	switch c.BiasConfig.Mode {
	case "STRONG", "FILTER", "OFF":
	default:
		return fmt.Errorf("invalid index_bias mode %q", c.BiasConfig.Mode)
	}
	if c.AgentConfig.EntryLots <= 0 {
		return fmt.Errorf("entry_lots must be positive")
	}
	if c.PlaybookConfig.TPPoints <= 0 || c.PlaybookConfig.SLPoints <= 0 {
		return fmt.Errorf("tp_points and sl_points must be positive")
	}
	if c.RiskConfig.DailyMaxLoss <= 0 {
		return fmt.Errorf("daily_max_loss must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.FeedConfig.URL = getEnvOrDefault("FEED_URL", cfg.FeedConfig.URL)
	cfg.FeedConfig.APIKey = getEnvOrDefault("FEED_API_KEY", cfg.FeedConfig.APIKey)
	cfg.AgentConfig.Underlying = getEnvOrDefault("AGENT_UNDERLYING", cfg.AgentConfig.Underlying)
	cfg.AgentConfig.TradeMode = getEnvOrDefault("AGENT_TRADE_MODE", cfg.AgentConfig.TradeMode)
	cfg.ExecutionConfig.Mode = getEnvOrDefault("EXECUTION_MODE", cfg.ExecutionConfig.Mode)
	cfg.ExecutionConfig.BaseURL = getEnvOrDefault("EXECUTION_BASE_URL", cfg.ExecutionConfig.BaseURL)
	cfg.ExecutionConfig.APIKey = getEnvOrDefault("EXECUTION_API_KEY", cfg.ExecutionConfig.APIKey)
	cfg.AdvisorConfig.BaseURL = getEnvOrDefault("ADVISOR_BASE_URL", cfg.AdvisorConfig.BaseURL)
	cfg.AdvisorConfig.APIKey = getEnvOrDefault("ADVISOR_API_KEY", cfg.AdvisorConfig.APIKey)
	if v := os.Getenv("ADVISOR_ENABLED"); v != "" {
		cfg.AdvisorConfig.Enabled = v == "true"
	}
	cfg.StoreConfig.DataDir = getEnvOrDefault("STORE_DATA_DIR", cfg.StoreConfig.DataDir)
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisConfig.DB = n
		}
	}
	cfg.NotifyConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotifyConfig.Telegram.BotToken)
	cfg.NotifyConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotifyConfig.Telegram.ChatID)
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.NotifyConfig.Telegram.Enabled = v == "true"
		cfg.NotifyConfig.Enabled = cfg.NotifyConfig.Enabled || v == "true"
	}
	cfg.ServerConfig.Addr = getEnvOrDefault("SERVER_ADDR", cfg.ServerConfig.Addr)
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
