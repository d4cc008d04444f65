package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/staydesk/backend/internal/ai"
	"github.com/staydesk/backend/internal/config"
	"github.com/staydesk/backend/internal/counters"
	"github.com/staydesk/backend/internal/db"
	"github.com/staydesk/backend/internal/directory"
	httpapi "github.com/staydesk/backend/internal/http"
	"github.com/staydesk/backend/internal/http/handlers"
	"github.com/staydesk/backend/internal/notify"
	"github.com/staydesk/backend/internal/scheduler"
	"github.com/staydesk/backend/internal/service"
)

type storage interface {
	handlers.Store
	service.TriageStore
	service.LifecycleStore
	notify.RecordStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", "staydesk-backend").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage
	if cfg.DatabaseURL == "" {
		store = db.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
	} else {
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect db")
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to migrate db")
		}
		store = pg
	}

	var rr service.Counters
	if cfg.RedisAddr == "" {
		rr = counters.NewMemory()
	} else {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect redis")
		}
		rr = counters.NewRedis(client, "")
	}

	dir, err := directory.Load(cfg.StaffFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StaffFile).Msg("failed to load staff directory")
	}

	adapter := newAdapter(cfg, logger)
	var generator ai.Generator = adapter
	if cfg.FallbackTemplates {
		generator = ai.FallbackGenerator{Next: adapter}
	}

	effects := &service.EffectExecutor{
		Log:       store,
		Channel:   cfg.SlackChannel,
		Recipient: cfg.AlertRecipient,
		Timeout:   cfg.EffectTimeout,
		Logger:    logger,
	}
	effects.Notifier, effects.Alerter = newSinks(cfg, store, logger)

	dispatcher := &service.Dispatcher{Directory: dir, Counters: rr, Logger: logger}
	triage := &service.Triage{
		Store:      store,
		Classifier: adapter,
		Dispatcher: dispatcher,
		Effects:    effects,
		Timeout:    cfg.ClassifyTimeout,
		StaleAfter: cfg.StaleAfter,
		Workers:    cfg.TriageWorkers,
		Logger:     logger.With().Str("component", "triage").Logger(),
	}
	lifecycle := &service.Lifecycle{
		Store:     store,
		Generator: generator,
		Effects:   effects,
		Timeout:   cfg.GenerateTimeout,
		Workers:   cfg.TriageWorkers,
		Logger:    logger.With().Str("component", "lifecycle").Logger(),
	}

	sched := scheduler.New(logger.With().Str("component", "scheduler").Logger())
	if err := sched.Add("triage", cfg.TriageSchedule, func(ctx context.Context) error {
		_, err := triage.ProcessNew(ctx)
		return err
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule triage")
	}
	if err := sched.Add("lifecycle", cfg.LifecycleSchedule, func(ctx context.Context) error {
		_, err := lifecycle.Run(ctx)
		return err
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule lifecycle")
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Start(ctx)
	}()

	router := httpapi.Router(cfg, httpapi.Services{
		Store:      store,
		Triage:     triage,
		Lifecycle:  lifecycle,
		Dispatcher: dispatcher,
		Directory:  dir,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	<-schedDone
	logger.Info().Msg("server stopped")
}

func newAdapter(cfg config.Config, logger zerolog.Logger) ai.Adapter {
	switch {
	case cfg.OpenAIKey != "":
		a, err := ai.NewOpenAIAdapter(ai.OpenAIConfig{
			APIKey:      cfg.OpenAIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			SearchModel: cfg.OpenAISearch,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure openai")
		}
		logger.Info().Str("model", cfg.OpenAIModel).Msg("using openai adapter")
		return a
	case cfg.AIURL != "":
		logger.Info().Str("url", cfg.AIURL).Msg("using http AI adapter")
		return ai.NewHTTPAdapter(cfg.AIURL, cfg.RequestTimeout)
	default:
		logger.Info().Msg("using mock AI adapter")
		return ai.MockAdapter{}
	}
}

func newSinks(cfg config.Config, store notify.RecordStore, logger zerolog.Logger) (notify.Notifier, notify.Alerter) {
	recorder := notify.Recorder{Store: store}
	fan := notify.Fanout{
		Notifiers: []notify.Notifier{recorder},
		Alerters:  []notify.Alerter{recorder},
	}
	if cfg.SlackToken != "" {
		fan.Notifiers = append(fan.Notifiers, notify.NewSlackNotifier(cfg.SlackToken))
		logger.Info().Str("channel", cfg.SlackChannel).Msg("slack notifications enabled")
	}
	if cfg.SMTPAddr != "" {
		fan.Alerters = append(fan.Alerters, notify.NewSMTPAlerter(cfg.SMTPAddr, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom))
		logger.Info().Str("smtp", cfg.SMTPAddr).Msg("email alerts enabled")
	}
	return fan, fan
}
