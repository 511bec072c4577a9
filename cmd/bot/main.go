package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/pawreel/api/internal/bot"
	"github.com/pawreel/api/internal/payments"
	"github.com/pawreel/api/internal/platform/config"
	pfirestore "github.com/pawreel/api/internal/platform/firestore"
	"github.com/pawreel/api/internal/platform/observability"
	firestoreRepo "github.com/pawreel/api/internal/repositories/firestore"
	"github.com/pawreel/api/internal/services"
	"github.com/pawreel/api/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("bot")

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	token := strings.TrimSpace(cfg.Telegram.BotToken)
	if token == "" {
		logger.Fatal("telegram bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Fatal("failed to initialise telegram client", zap.Error(err))
	}
	logger.Info("telegram client ready", zap.String("username", api.Self.UserName))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}

	sessionStore, err := session.NewRedisStore(redisClient,
		session.WithNamespace(cfg.Session.KeyPrefix),
		session.WithSessionTTL(cfg.Session.TTL),
	)
	if err != nil {
		logger.Fatal("failed to initialise session store", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, nil)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	notifier, err := bot.NewStatusNotifier(api)
	if err != nil {
		logger.Fatal("failed to initialise status notifier", zap.Error(err))
	}

	newOrderID := func() string {
		return "ord_" + strings.ToLower(ulid.Make().String())
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          registry.Orders(),
		Notifier:        notifier,
		Clock:           time.Now,
		IDGenerator:     newOrderID,
		MaxPhotos:       cfg.Pricing.MaxPhotos,
		MaxScriptLength: cfg.Pricing.MaxScriptLength,
		Logger:          eventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	reconciliation, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:   registry.Orders(),
		Notifier: notifier,
		Clock:    time.Now,
		Logger:   eventLogger(logger.Named("reconciliation")),
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation service", zap.Error(err))
	}

	queueService, err := services.NewQueueService(services.QueueServiceDeps{
		Orders:          registry.Orders(),
		MinutesPerOrder: cfg.Queue.MinutesPerOrder,
		Clock:           time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise queue service", zap.Error(err))
	}

	starsAdapter := payments.NewStarsAdapter(
		payments.WithStarsFreshness(cfg.Telegram.StarsFreshness),
	)

	engine, err := session.NewEngine(session.EngineDeps{
		Sessions:   sessionStore,
		Orders:     orderService,
		Script:     session.NewScriptPolicy(cfg.Pricing.MaxScriptLength),
		MaxPhotos:  cfg.Pricing.MaxPhotos,
		PriceMinor: cfg.Pricing.StarsAmount,
		Currency:   payments.StarsCurrency,
		Clock:      time.Now,
		Logger:     eventLogger(logger.Named("session")),
	})
	if err != nil {
		logger.Fatal("failed to initialise session engine", zap.Error(err))
	}

	tgBot, err := bot.New(bot.Deps{
		API:            api,
		Sessions:       engine,
		Reconciliation: reconciliation,
		Stars:          starsAdapter,
		Queue:          queueService,
		Logger:         eventLogger(logger.Named("updates")),
	})
	if err != nil {
		logger.Fatal("failed to initialise bot", zap.Error(err))
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = cfg.Telegram.UpdateTimeout
	updates := api.GetUpdatesChan(updateConfig)

	logger.Info("pawreel bot listening for updates")
	tgBot.Run(ctx, updates)

	if !errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("update loop ended unexpectedly", zap.Error(ctx.Err()))
	}
	logger.Info("shutdown signal received; stopping update loop")
	api.StopReceivingUpdates()
}

func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info("bot log", zFields...)
	}
}
