package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medinotify/internal/config"
	"medinotify/internal/domain/delivery"
	"medinotify/internal/domain/notification"
	"medinotify/internal/domain/queue"
	"medinotify/internal/domain/template"
	"medinotify/internal/infra/email"
	asynqinfra "medinotify/internal/infra/queue"
	"medinotify/internal/infra/ratelimit"
	"medinotify/internal/infra/realtime"
	"medinotify/internal/infra/sms"
	"medinotify/internal/infra/store"
	templateinfra "medinotify/internal/infra/template"
	"medinotify/internal/middleware"
	"medinotify/internal/router"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
)

// recordStore persists delivery records and serves them back once they
// leave the tracker's memory.
type recordStore interface {
	delivery.RecordStore
	delivery.History
}

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded", "port", cfg.Server.Port, "mode", cfg.Server.Mode)

	if err := run(cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited gracefully")
}

func run(cfg *config.Config) error {
	// ==========================================
	// Dependency Injection (Manual Wiring)
	// ==========================================

	// Delivery record store
	records, err := newRecordStore(cfg)
	if err != nil {
		return err
	}

	// Transports
	emailTransport, err := newEmailTransport(cfg)
	if err != nil {
		return err
	}
	smsTransport, err := sms.NewTransport(sms.Config{
		BaseURL:        cfg.SMS.BaseURL,
		AccountSID:     cfg.SMS.AccountSID,
		AuthToken:      cfg.SMS.AuthToken,
		From:           cfg.SMS.From,
		CostPerSegment: cfg.SMS.CostPerSegment,
		RetryMax:       cfg.SMS.HTTPRetryMax,
		Timeout:        time.Duration(cfg.SMS.HTTPTimeoutSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("initializing sms transport: %w", err)
	}
	hub := realtime.NewHub(time.Duration(cfg.Realtime.WriteTimeoutSec) * time.Second)

	// Delivery tracker
	tracker := delivery.NewTracker(delivery.TrackerConfig{
		MaxRetries:    cfg.Delivery.MaxRetries,
		RetryDelays:   config.Seconds(cfg.Delivery.RetryDelaysSec),
		CheckInterval: time.Duration(cfg.Delivery.RetryCheckIntervalSec) * time.Second,
		WindowSize:    cfg.Delivery.WindowSize,
		SendTimeout:   time.Duration(cfg.Delivery.SendTimeoutSec) * time.Second,
	}, records, emailTransport, smsTransport, hub)
	tracker.AddFailureSink(delivery.SinkFunc(logFailure))

	// Template pipeline
	renderService, post, err := newRenderService(cfg)
	if err != nil {
		return err
	}

	// Recipient Rate Limiter
	recipientLimiter := ratelimit.NewRedisRecipientLimiter(
		cfg.Redis.Address,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.RecipientRateLimit.MaxPerHour,
	)
	defer recipientLimiter.Close()
	slog.Info("recipient rate limiter initialized", "max_per_hour", cfg.RecipientRateLimit.MaxPerHour)

	// SMS service
	smsService := delivery.NewSMSService(renderService, post, tracker, recipientLimiter, delivery.SMSConfig{
		BatchSize:         cfg.SMS.BatchSize,
		MessagesPerSecond: cfg.SMS.MessagesPerSecond,
		InterBatchDelay:   time.Duration(cfg.SMS.InterBatchDelayMs) * time.Millisecond,
	})

	// Notification queue and dispatcher
	dispatcher := notification.NewDispatcher(renderService, tracker, queue.Config{
		MaxRetries:        cfg.Queue.MaxRetry,
		RetryDelays:       config.Seconds(cfg.Queue.RetryDelaysSec),
		ProcessingTimeout: time.Duration(cfg.Queue.ProcessingTimeoutSec) * time.Second,
	}, notification.DispatcherConfig{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		ClaimBatch:   cfg.Queue.ClaimBatch,
	})
	reaper := queue.NewReaper(dispatcher.Queue(), queue.ReaperConfig{
		Interval: time.Duration(cfg.Queue.SweepIntervalSec) * time.Second,
	})

	// Asynq client and server
	redisOpt := asynqinfra.RedisOpt(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	asynqClient := asynqinfra.NewClient(redisOpt)
	defer asynqClient.Close()
	asynqServer := asynqinfra.NewServer(redisOpt, cfg.Queue.AsynqConcurrency)
	mux := asynqinfra.NewServeMux(asynq.HandlerFunc(dispatcher.HandleTask))
	slog.Info("asynq initialized", "redis", cfg.Redis.Address)

	enqueuer := asynqinfra.NewTaskEnqueuer(asynqClient, cfg.Queue.MaxRetry,
		time.Duration(cfg.Queue.TaskRetentionSec)*time.Second)
	notificationService := notification.NewService(enqueuer, recipientLimiter)

	// Handlers and router
	httpLimiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	r := router.New(cfg, router.Handlers{
		Notification: notification.NewHandler(notificationService, dispatcher),
		Delivery:     delivery.NewHandler(smsService, tracker).WithHistory(records),
		Template:     template.NewHandler(renderService),
		Realtime:     hub,
	}, httpLimiter)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ==========================================
	// Run group with graceful shutdown
	// ==========================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down server...")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := asynqServer.Start(mux); err != nil {
			return fmt.Errorf("asynq server: %w", err)
		}
		<-ctx.Done()
		asynqServer.Shutdown()
		return nil
	})
	g.Go(func() error {
		dispatcher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		tracker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		httpLimiter.Run(ctx, time.Minute, 10*time.Minute)
		return nil
	})

	return g.Wait()
}

func newRecordStore(cfg *config.Config) (recordStore, error) {
	if cfg.Supabase.URL == "" {
		slog.Warn("supabase url not set, delivery records are kept in memory only")
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
	if err != nil {
		return nil, fmt.Errorf("initializing supabase store: %w", err)
	}
	slog.Info("supabase store initialized")
	return s, nil
}

func newEmailTransport(cfg *config.Config) (delivery.Transport, error) {
	switch cfg.Email.Provider {
	case email.ProviderPostmark:
		t, err := email.NewPostmarkTransport(email.PostmarkConfig{
			ServerToken:   cfg.Email.PostmarkServerToken,
			AccountToken:  cfg.Email.PostmarkAccountToken,
			FromAddress:   cfg.Email.FromAddress,
			FromName:      cfg.Email.FromName,
			MessageStream: cfg.Email.MessageStream,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing postmark transport: %w", err)
		}
		slog.Info("email transport initialized", "provider", email.ProviderPostmark)
		return t, nil
	default:
		slog.Info("email transport initialized", "provider", email.ProviderResend)
		return email.NewResendTransport(cfg.Email.APIKey, cfg.Email.FromAddress, cfg.Email.FromName, ""), nil
	}
}

func newRenderService(cfg *config.Config) (*template.Service, *template.PostProcessor, error) {
	repo := template.NewMemoryRepository()
	bundled, err := templateinfra.LoadBundled(repo)
	if err != nil {
		return nil, nil, fmt.Errorf("loading bundled templates: %w", err)
	}
	overrides, err := templateinfra.LoadDir(cfg.Render.TemplatesDir, repo)
	if err != nil {
		return nil, nil, fmt.Errorf("loading templates from %s: %w", cfg.Render.TemplatesDir, err)
	}
	slog.Info("templates loaded", "bundled", bundled, "overrides", overrides, "dir", cfg.Render.TemplatesDir)

	abTests := template.NewABTestAssigner()
	for _, t := range cfg.ABTests {
		if err := abTests.RegisterTest(t.TestKey(), t.GroupA, t.GroupB, t.Split); err != nil {
			return nil, nil, fmt.Errorf("registering ab test %s: %w", t.TestKey(), err)
		}
	}

	post := template.NewPostProcessor(template.PostProcessConfig{
		Styling:           cfg.Email.Styling,
		TrackingEnabled:   cfg.Render.TrackingEnabled,
		TrackingBaseURL:   cfg.Render.TrackingBaseURL,
		SMSOptOut:         cfg.SMS.OptOut,
		SMSOptOutText:     cfg.SMS.OptOutText,
		SMSAllowMultipart: cfg.SMS.AllowMultipart,
		DefaultAltText:    cfg.Render.DefaultAltText,
	})
	cache := template.NewRenderCache(cfg.Render.CacheCapacity,
		time.Duration(cfg.Render.CacheTTLSec)*time.Second, nil)
	personalizer := template.NewPersonalizer(template.PersonalizerConfig{AppBaseURL: cfg.Render.AppBaseURL})

	svc := template.NewService(repo, cache, abTests, personalizer, post, template.ServiceConfig{
		DefaultLanguage: cfg.Render.DefaultLanguage,
	})
	return svc, post, nil
}

func logFailure(_ context.Context, rec *delivery.Record) {
	slog.Error("delivery failed permanently",
		"delivery_id", rec.ID,
		"notification_id", rec.NotificationID,
		"channel", rec.Channel,
		"recipient", rec.Recipient,
		"attempts", rec.Attempts,
		"error_code", rec.ErrorCode,
		"error", rec.LastError,
	)
}
