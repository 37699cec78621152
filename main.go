package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leaddesk/backend"
	"leaddesk/config"
	"leaddesk/middleware"
	"leaddesk/realtime"
	"leaddesk/routes"
	"leaddesk/session"
	"leaddesk/store"
	"leaddesk/worker"
)

func main() {
	// Initialize logger
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)
	logger := logrus.WithField("service", "leaddesk")

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := config.AppConfig
	if !cfg.IsProduction() {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Sentry init failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	redisClient, err := config.ConnectRedis()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}

	var (
		feed      realtime.Feed
		snapshots store.SnapshotCache
	)
	if redisClient != nil {
		feed = realtime.NewRedisFeed(redisClient, logger.WithField("component", "feed"))
		snapshots = store.NewRedisSnapshots(redisClient, cfg.ReferenceCacheTTL, logger.WithField("component", "snapshots"))
	} else {
		logger.Warn("Redis disabled, realtime changes stay within this process")
		feed = realtime.NewMemoryFeed()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prices := worker.NewPriceWorker(cfg.PriceFeedURL, cfg.PriceSymbols, cfg.PricePoll, logger.WithField("component", "prices"))
	go prices.Start(ctx)

	sessions := session.NewManager(session.Deps{
		Backend:   backend.NewGormBackend(config.DB),
		Feed:      feed,
		Snapshots: snapshots,
		Quotes:    &prices.Quotes,
		Log:       logger,
		Provision: func(token string) session.Provisioner {
			if cfg.FunctionsURL == "" {
				return nil
			}
			return backend.NewFunctions(cfg.FunctionsURL, token)
		},
	}, cfg.SessionIdle)
	go sessions.Run(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "leaddesk",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	})

	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsConfig.AllowedOrigins = cfg.CORSOrigins
	}
	app.Use(middleware.CORS(corsConfig))

	routes.SetupRoutes(app, routes.Deps{
		Sessions:  sessions,
		Prices:    prices,
		Redis:     redisClient,
		BulkLimit: cfg.BulkRateLimit,
		Logger:    logger,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logger.WithField("port", cfg.ServerPort).Info("Server starting")
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}
	sessions.Shutdown()
	if redisClient != nil {
		_ = redisClient.Close()
	}
}
