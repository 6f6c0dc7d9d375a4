package app

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"crypto-drop-alerts/internal/alerting"
	"crypto-drop-alerts/internal/bot"
	"crypto-drop-alerts/internal/config"
	"crypto-drop-alerts/internal/fetcher"
	"crypto-drop-alerts/internal/scheduler"
	"crypto-drop-alerts/internal/service"
	"crypto-drop-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.PriceFetcher {
	if a.Config.Fetcher.Source == "chainlink" {
		return fetcher.NewOnchain(fetcher.OnchainOptions{
			RPCURL:  a.Config.Fetcher.Ethereum.RPCURL,
			Feeds:   a.Config.Fetcher.Ethereum.Feeds,
			Timeout: a.Config.Fetcher.Ethereum.RequestTimeout,
		}, a.Logger)
	}
	return a.newCoingecko()
}

func (a *App) newCoingecko() *fetcher.Coingecko {
	cfg := a.Config.Fetcher.Coingecko
	return fetcher.NewCoingecko(fetcher.CoingeckoOptions{
		BaseURL:    cfg.BaseURL,
		VSCurrency: cfg.VSCurrency,
		Timeout:    cfg.RequestTimeout,
		UserAgent:  cfg.UserAgent,
		APIKey:     cfg.APIKey,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Telegram.BotToken == "" {
		return nil
	}
	return alerting.NewTelegramNotifier(
		a.Config.Telegram.BotToken,
		a.Config.Telegram.APIBase,
		a.Config.Telegram.RequestTimeout,
		a.Logger,
	)
}

func (a *App) newSessionStore() bot.SessionStore {
	if addr := a.Config.Sessions.RedisAddr; addr != "" {
		return bot.NewRedisSessionStore(addr, a.Config.Sessions.RedisDB, a.Config.Sessions.TTL)
	}
	return bot.NewMemorySessionStore(a.Config.Sessions.TTL)
}

// openStore connects the storage pool. Failure here is fatal to the caller:
// the process refuses to run without persistence.
func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// Run executes the long-running evaluation loop plus the interactive bot.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	eval := service.New(a.Config, sched, a.newFetcher(), store, store, store, store, a.newNotifier(), a.Logger)

	var wg sync.WaitGroup
	botErr := make(chan error, 1)

	if a.Config.Telegram.BotToken != "" {
		tgBot, err := bot.New(a.Config, store, store, a.newSessionStore(), a.Logger)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tgBot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				botErr <- err
			}
		}()
	} else {
		a.Logger.Warn().Msg("telegram.bot_token not configured; interactive bot and delivery disabled")
	}

	a.Logger.Info().Msg("starting evaluation service")
	runErr := eval.Run(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	grace := a.Config.Scheduler.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		a.Logger.Warn().Dur("grace", grace).Msg("shutdown grace elapsed; abandoning in-flight work")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		a.Logger.Error().Err(runErr).Msg("evaluation service terminated with error")
		return runErr
	}

	select {
	case err := <-botErr:
		return err
	default:
	}

	a.Logger.Info().Msg("service stopped")
	return nil
}

// ExportOptions hold parameters for exporting one asset's price history.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Asset string
	Limit int
}

// BackfillOptions configure the history import job.
type BackfillOptions struct {
	Asset  string
	Days   int
	DryRun bool
}
