package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"options-scalper-bot/config"
	"options-scalper-bot/internal/advisor"
	"options-scalper-bot/internal/agent"
	"options-scalper-bot/internal/api"
	"options-scalper-bot/internal/events"
	"options-scalper-bot/internal/execution"
	"options-scalper-bot/internal/learning"
	"options-scalper-bot/internal/market"
	"options-scalper-bot/internal/notify"
	"options-scalper-bot/internal/playbook"
	"options-scalper-bot/internal/risk"
	"options-scalper-bot/internal/snapshot"
	"options-scalper-bot/internal/store"
	"options-scalper-bot/internal/tuner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	logger := setupLogger(cfg.LoggingConfig)
	logger.Info().Str("underlying", cfg.AgentConfig.Underlying).
		Str("mode", cfg.ExecutionConfig.Mode).Msg("options scalper starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewEventBus()

	st, err := store.NewStore(cfg.StoreConfig.DataDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()
	bus.SubscribeAll(st.AppendEvent)

	notifier := notify.NewManager(cfg.NotifyConfig.Enabled, logger)
	notifier.AddNotifier(notify.NewTelegramNotifier(notify.TelegramConfig{
		BotToken: cfg.NotifyConfig.Telegram.BotToken,
		ChatID:   cfg.NotifyConfig.Telegram.ChatID,
		Enabled:  cfg.NotifyConfig.Telegram.Enabled,
	}))

	snapshots := snapshot.NewStore(snapshot.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Addr:     cfg.RedisConfig.Addr,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	}, logger)

	adv := advisor.NewClient(advisor.Config{
		Enabled:     cfg.AdvisorConfig.Enabled,
		BaseURL:     cfg.AdvisorConfig.BaseURL,
		APIKey:      cfg.AdvisorConfig.APIKey,
		LiveTimeout: time.Duration(cfg.AdvisorConfig.LiveTimeoutMs) * time.Millisecond,
		TuneTimeout: time.Duration(cfg.AdvisorConfig.TuneTimeoutS) * time.Second,
	}, logger)

	learner := learning.NewOrchestrator(learning.Config{
		Enabled:         cfg.LearningConfig.Enabled,
		AutoApply:       cfg.LearningConfig.AutoApply,
		MinTrades:       cfg.LearningConfig.MinTrades,
		TuneInterval:    time.Duration(cfg.LearningConfig.TuneIntervalS) * time.Second,
		ExplorationRate: cfg.LearningConfig.ExplorationRate,
	}, st, logger)
	learner.Start(ctx)
	defer learner.Close()

	playbooks := playbook.NewManager(playbook.Params{
		MomentumTicks:       cfg.PlaybookConfig.MomentumTicks,
		TPPoints:            cfg.PlaybookConfig.TPPoints,
		SLPoints:            cfg.PlaybookConfig.SLPoints,
		TrailDistance:       cfg.PlaybookConfig.TrailDistance,
		TrailStep:           cfg.PlaybookConfig.TrailStep,
		TrailingEnabled:     cfg.PlaybookConfig.TrailingEnabled,
		TrailingOverridesTP: cfg.PlaybookConfig.TrailingOverridesTP,
		SpreadCap:           cfg.PlaybookConfig.SpreadCap,
	}, parseExpiry(cfg.AgentConfig.ExpiryDate, logger), logger)

	gateway := execution.NewGateway(execution.Config{
		Mode:         execution.Mode(cfg.ExecutionConfig.Mode),
		BaseURL:      cfg.ExecutionConfig.BaseURL,
		APIKey:       cfg.ExecutionConfig.APIKey,
		OrdersPerSec: cfg.ExecutionConfig.OrdersPerSec,
		Burst:        cfg.ExecutionConfig.Burst,
	}, logger)

	tunerSvc := tuner.NewService(tuner.Config{
		Enabled:   cfg.TunerConfig.Enabled,
		AutoApply: cfg.TunerConfig.AutoApply,
		MinTrades: cfg.TunerConfig.MinTrades,
		Interval:  time.Duration(cfg.TunerConfig.IntervalS) * time.Second,
		PaperMode: cfg.ExecutionConfig.Mode == "paper",
	}, adv, playbooks, learner, func() (tuner.Analytics, error) {
		stats, err := st.AggregateTrades(time.Now().Add(-24 * time.Hour))
		if err != nil {
			return tuner.Analytics{}, err
		}
		return tuner.Analytics{
			TotalTrades: stats.TotalTrades,
			Wins:        stats.Wins,
			TotalPnL:    stats.TotalPnL,
			AvgPnL:      stats.AvgPnL,
		}, nil
	}, st, logger)
	tunerSvc.Start(ctx)

	registry := agent.NewRegistry(func() *agent.Agent {
		feed := market.NewFeed(market.FeedConfig{
			URL:          cfg.FeedConfig.URL,
			APIKey:       cfg.FeedConfig.APIKey,
			Exchange:     cfg.FeedConfig.Exchange,
			PingInterval: time.Duration(cfg.FeedConfig.PingInterval) * time.Second,
		}, logger)
		return agent.New(cfg.AgentConfig, cfg.BiasConfig, agent.Deps{
			Feed:            feed,
			Chain:           market.NewHTTPChainProvider(cfg.ExecutionConfig.BaseURL, cfg.ExecutionConfig.APIKey),
			Risk:            risk.NewEngine(riskConfig(cfg.RiskConfig), logger),
			Playbooks:       playbooks,
			Gateway:         gateway,
			Learner:         learner,
			Advisor:         adv,
			AdvisorInterval: time.Duration(cfg.AdvisorConfig.IntervalS) * time.Second,
			Bus:             bus,
			Notifier:        notifier,
			Snapshots:       snapshots,
			Logger:          logger,
		})
	}, logger)

	server := api.NewServer(ctx, registry, tunerSvc, st, logger)
	if cfg.ServerConfig.Enabled {
		go func() {
			if err := server.Start(cfg.ServerConfig.Addr); err != nil {
				logger.Error().Err(err).Msg("control API failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutdown signal received")

	registry.Stop(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	logger.Info().Msg("options scalper stopped")
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func riskConfig(cfg config.RiskConfig) risk.Config {
	return risk.Config{
		DailyMaxLoss:      cfg.DailyMaxLoss,
		PerTradeMaxLoss:   cfg.PerTradeMaxLoss,
		CooldownAfterLoss: time.Duration(cfg.CooldownAfterLossS) * time.Second,
		MinEntryGap:       time.Duration(cfg.MinEntryGapMs) * time.Millisecond,
		MaxTradesPerMin:   cfg.MaxTradesPerMin,
		MaxTradeDuration:  time.Duration(cfg.MaxTradeDurationS) * time.Second,
	}
}

func parseExpiry(date string, logger zerolog.Logger) time.Time {
	if date == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		logger.Warn().Str("expiry_date", date).Msg("unparseable expiry date, expiry regime disabled")
		return time.Time{}
	}
	return t
}
