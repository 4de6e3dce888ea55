package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/designdesk/backend/internal/auth"
	"github.com/designdesk/backend/internal/catalog"
	"github.com/designdesk/backend/internal/config"
	"github.com/designdesk/backend/internal/db"
	"github.com/designdesk/backend/internal/effects"
	"github.com/designdesk/backend/internal/handlers"
	"github.com/designdesk/backend/internal/ledger"
	"github.com/designdesk/backend/internal/lifecycle"
	"github.com/designdesk/backend/internal/models"
	"github.com/designdesk/backend/internal/realtime"
	"github.com/designdesk/backend/internal/repository"
	"github.com/designdesk/backend/internal/router"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, effect workers and realtime listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	return pool, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			return err
		}
	}

	accounts := repository.NewAccountRepo(pool)
	tasks := repository.NewTaskRepo(pool)
	entries := repository.NewCreditRepo(pool)
	notifications := repository.NewNotificationRepo(pool)

	ledgerSvc := ledger.NewService(pool, accounts, entries, logger)

	cat := catalog.New(repository.NewCategoryRepo(pool), cfg.Catalog.CacheTTL.Std(), nil, logger)
	var loadCategories func() ([]*models.Category, error)
	if cfg.Catalog.File != "" {
		path := cfg.Catalog.File
		loadCategories = func() ([]*models.Category, error) { return catalog.LoadFile(path) }
		cats, err := loadCategories()
		if err != nil {
			return err
		}
		if err := cat.Import(ctx, cats); err != nil {
			return err
		}
		logger.Info("category catalog imported", "file", path, "categories", len(cats))
	}

	// The effects job is inserted inside the engine's transaction; the insert func is set
	// once the River client exists.
	var insertMu sync.Mutex
	var insertFn effects.InsertTransitionTxFunc
	insertTransition := func(ctx context.Context, tx pgx.Tx, args effects.TransitionJobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	engine := lifecycle.NewEngine(lifecycle.Deps{
		Pool:        pool,
		Tasks:       tasks,
		Accounts:    accounts,
		Idempotency: repository.NewIdempotencyRepo(pool),
		Ledger:      ledgerSvc,
		Catalog:     cat,
		Effects:     effects.NewQueue(insertTransition),
		Logger:      logger,
	}, lifecycle.Config{
		CommitAttempts: cfg.Lifecycle.CommitAttempts,
		CommitTimeout:  cfg.Lifecycle.CommitTimeout.Std(),
		RetryBackoff:   cfg.Lifecycle.RetryBackoff.Std(),
	})

	hub := realtime.NewHub(cfg.Realtime.SubscriberBuf, logger)
	dispatcher := &effects.Dispatcher{
		Notifications: notifications,
		Deliveries:    repository.NewDeliveryRepo(pool),
		Accounts:      accounts,
		Realtime:      realtime.NewPGPublisher(pool),
		Logger:        logger,
	}
	if cfg.Effects.SMTPAddr != "" {
		dispatcher.Email = effects.NewSMTPSender(cfg.Effects.SMTPAddr, cfg.Effects.SMTPFrom, cfg.Effects.SMTPUser, cfg.Effects.SMTPPassword)
	} else {
		logger.Warn("SMTP_ADDR not set, email delivery disabled")
	}
	if cfg.Effects.ChatWebhookURL != "" {
		dispatcher.Chat = effects.NewChatWebhook(cfg.Effects.ChatWebhookURL)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, effects.NewTransitionWorker(dispatcher))
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Effects.Workers},
		},
		Workers: workers,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args effects.TransitionJobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	authSvc := auth.NewService(accounts, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std())
	if cfg.Payments.WebhookSecret == "" {
		logger.Warn("PAYMENT_WEBHOOK_SECRET not set, payment webhooks will be rejected")
	}

	mux := router.New(router.Handlers{
		Auth:   auth.NewHandler(authSvc, logger),
		Tokens: authSvc,
		Tasks:  handlers.NewTaskHandler(engine, tasks, logger),
		Admin: &handlers.AdminHandler{
			Engine:         engine,
			Ledger:         ledgerSvc,
			Accounts:       accounts,
			Categories:     cat,
			LoadCategories: loadCategories,
			Logger:         logger,
		},
		Accounts: &handlers.AccountHandler{Accounts: accounts, Ledger: ledgerSvc, Categories: cat, Logger: logger},
		Notifications: &handlers.NotificationHandler{
			Notifications: notifications,
			Stream:        realtime.NewStream(hub, notifications, cfg.Realtime.Heartbeat.Std(), logger),
			Logger:        logger,
		},
		Payments: &handlers.PaymentWebhook{Ledger: ledgerSvc, Secret: []byte(cfg.Payments.WebhookSecret), Logger: logger},
		DB:       pool,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "Last-Event-ID"},
		AllowCredentials: true,
	}).Handler(mux)

	// No WriteTimeout: the notification stream holds responses open.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return fmt.Errorf("start river: %w", err)
		}
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return riverClient.Stop(stopCtx)
	})
	g.Go(func() error {
		return realtime.NewListener(cfg.DatabaseURL, hub, logger).Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
