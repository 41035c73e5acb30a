// Package main implements the article-hunter service: it watches keyword
// searches on militaria321.com and egun.de and pushes newly listed items to
// Telegram subscribers.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	_ "modernc.org/sqlite"

	"article-hunter/bot"
	"article-hunter/crawl"
	"article-hunter/enrich"
	"article-hunter/notify"
	"article-hunter/poll"
	"article-hunter/provider"
	"article-hunter/sched"
	"article-hunter/server"
	"article-hunter/store"
)

type config struct {
	Port          string `env:"PORT, default=8080"`
	Database      string `env:"DATABASE, default=./data/hunter.db"`
	TelegramToken string `env:"TELEGRAM_TOKEN"`
	MockNotify    bool   `env:"MOCK_NOTIFY, default=false"`

	PollInterval      time.Duration `env:"POLL_INTERVAL, default=10m"`
	GraceWindow       time.Duration `env:"GRACE_WINDOW, default=60m"`
	DetailConcurrency int           `env:"DETAIL_CONCURRENCY, default=4"`

	MaxPagesPerCycle    int           `env:"MAX_PAGES_PER_CYCLE, default=200"`
	PageDelay           time.Duration `env:"PAGE_DELAY, default=400ms"`
	BurstPageDelay      time.Duration `env:"BURST_PAGE_DELAY, default=150ms"`
	CooldownRateLimited time.Duration `env:"COOLDOWN_RATE_LIMITED, default=5m"`
	CooldownBlocked     time.Duration `env:"COOLDOWN_BLOCKED, default=45m"`

	LogLevel string `env:"LOG_LEVEL, default=info"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		slog.Error("Config parsing failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	dbx, err := store.Open(cfg.Database)
	if err != nil {
		logger.Error("Database open failed", "path", cfg.Database, "error", err)
		os.Exit(1)
	}
	defer dbx.Close()
	st := store.New(dbx)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	providers := []provider.Provider{
		provider.NewMilitaria321(httpClient, logger),
		provider.NewEgun(httpClient, logger),
	}

	crawlCfg := crawl.DefaultConfig()
	crawlCfg.MaxPagesPerCycle = cfg.MaxPagesPerCycle
	crawlCfg.BaseDelay = cfg.PageDelay
	crawlCfg.BurstDelay = cfg.BurstPageDelay
	crawlCfg.CooldownRateLimited = cfg.CooldownRateLimited
	crawlCfg.CooldownBlocked = cfg.CooldownBlocked
	crawler := crawl.New(crawlCfg, logger)
	baseline := crawl.NewBuilder(crawler, st, logger)
	enricher := enrich.New(cfg.DetailConcurrency, logger)

	var api *tgbotapi.BotAPI
	var notifier poll.Notifier
	if cfg.TelegramToken == "" || cfg.MockNotify {
		logger.Info("No Telegram token or mock mode, logging pushes instead of sending")
		notifier = notify.NewMock(logger)
	} else {
		api, err = tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			logger.Error("Telegram bot init failed", "error", err)
			os.Exit(1)
		}
		notifier = notify.NewTelegram(api, logger)
	}

	engine := poll.New(st, providers, crawler, baseline, enricher, notifier, cfg.GraceWindow, logger)
	scheduler := sched.New(engine, cfg.PollInterval, logger)

	// Resume poll loops for everything that was active before the restart.
	subs, err := st.ListActiveSubscriptions(ctx)
	if err != nil {
		logger.Error("Subscription recovery failed", "error", err)
		os.Exit(1)
	}
	for _, sub := range subs {
		scheduler.StartJob(sub.ID)
	}
	logger.Info("Poll jobs resumed", "count", len(subs))

	srv := server.New(st, scheduler, logger)

	var g run.Group
	g.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return scheduler.Run(ctx)
	}, func(error) {
		scheduler.Shutdown()
	})
	g.Add(func() error {
		return srv.Run(ctx, cfg.Port)
	}, func(error) {
		cancel()
	})
	if api != nil {
		commandBot := bot.New(api, st, scheduler, logger)
		g.Add(func() error {
			return commandBot.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil && err != context.Canceled {
		logger.Error("Service exited", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
