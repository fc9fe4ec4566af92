package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"crosspost/internal/config"
	httpapi "crosspost/internal/http"
	"crosspost/internal/model"
	"crosspost/internal/notify"
	"crosspost/internal/platform"
	"crosspost/internal/platform/facebook"
	"crosspost/internal/platform/instagram"
	"crosspost/internal/platform/linkedin"
	"crosspost/internal/platform/twitter"
	"crosspost/internal/platform/whatsapp"
	"crosspost/internal/publisher"
	"crosspost/internal/registry"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	"crosspost/internal/wa"
)

func main() {
	cfg, err := config.Load(os.Getenv("CROSSPOST_CONFIG"))
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}

	logger := newLogger(cfg.LogLevel)

	store, err := storage.Open(cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	reg := registry.New(store)
	accounts, err := store.ListAccounts()
	if err != nil {
		logger.Fatal().Err(err).Msg("hydrate accounts")
	}
	reg.Hydrate(accounts)

	// Refreshed credentials go to storage and the in-memory view together.
	saveTokens := func(accountID, accessToken, refreshToken string, expiry *time.Time) error {
		if err := store.UpdateAccountTokens(accountID, accessToken, refreshToken, expiry); err != nil {
			return err
		}
		reg.UpdateTokens(accountID, accessToken, refreshToken, expiry)
		return nil
	}

	adapters := platform.NewRegistry(saveTokens)
	rest := platform.NewClient()

	tw := cfg.Platforms[model.PlatformTwitter]
	adapters.Register(twitter.New(rest, tw.ClientID, tw.ClientSecret, tw.BaseURL))
	ig := cfg.Platforms[model.PlatformInstagram]
	adapters.Register(instagram.New(rest, ig.ClientID, ig.ClientSecret, ig.BaseURL))
	fb := cfg.Platforms[model.PlatformFacebook]
	adapters.Register(facebook.New(rest, fb.ClientID, fb.ClientSecret, fb.BaseURL))
	li := cfg.Platforms[model.PlatformLinkedIn]
	adapters.Register(linkedin.New(rest, li.ClientID, li.ClientSecret, li.BaseURL))

	ctx := context.Background()

	var manager *wa.Manager
	if cfg.WhatsApp.Enabled {
		manager, err = wa.NewManager(ctx, cfg.WhatsApp.DSN, store, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("whatsapp manager")
		}
		adapters.Register(whatsapp.New(manager, rest))
	}

	var sink notify.Sink
	if cfg.NotifyWebhook != "" {
		sink = notify.NewWebhookSink(cfg.NotifyWebhook, logger)
	} else {
		sink = notify.LogSink{Log: logger}
	}

	pub := publisher.New(reg, adapters, store, sink, registry.Eligible, logger)

	engine := scheduler.New(store, adapters, platform.ValidateContent, sink, logger,
		cfg.Scheduler.Tick(), cfg.Scheduler.BatchSize)
	engine.Start(ctx)
	defer engine.Stop()

	router := httpapi.NewRouter(store, reg, pub, engine, manager)

	logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		logger.Fatal().Err(err).Msg("http server")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
