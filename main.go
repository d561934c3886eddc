package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"taskflow/internal/api"
	"taskflow/internal/auth"
	"taskflow/internal/config"
	"taskflow/internal/redis"
	"taskflow/internal/service/ai"
	"taskflow/internal/service/orchestrator"
	"taskflow/internal/service/store"
	"taskflow/internal/service/tasks"
	"taskflow/internal/storage"
	"taskflow/internal/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfgPath := os.Getenv("TASKFLOW_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.WithError(err).Fatal("load config")
	}

	dbType := os.Getenv("TASKFLOW_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	logger.WithField("driver", dbType).Info("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.WithError(err).Fatal("open database")
	}
	defer db.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		logger.WithError(err).Fatal("migrate database")
	}

	rdb, err := redis.NewClient(cfg)
	if err != nil {
		// redis only backs the token cache and rate limits; both degrade
		// to database/in-process paths without it
		logger.WithError(err).Warn("redis unavailable, continuing without cache")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	storeService := store.NewService(db)
	taskService := tasks.NewService(db)
	authService := auth.NewService(db, rdb, 24*time.Hour)

	chatModel, err := ai.NewChatModel(context.Background(), cfg.Chat.Provider, cfg.Providers)
	if err != nil {
		logger.WithError(err).Fatal("init chat model")
	}

	orchService := orchestrator.NewService(storeService, taskService, chatModel, orchestrator.Config{
		MaxToolRounds: cfg.Chat.MaxToolRounds,
		TurnTimeout:   cfg.Chat.TurnTimeout(),
		ToolTimeout:   cfg.Chat.ToolTimeout(),
		HistoryLimit:  cfg.Chat.HistoryLimit,
	}, logger)

	dispatcher := worker.NewDispatcher(cfg.Chat.MinWorkers, cfg.Chat.MaxWorkers, cfg.Chat.QueueSize, cfg.Chat.WorkerIdleTimeout())
	limiter := api.NewRateLimiter(rdb, cfg.Chat.RateLimit, cfg.Chat.RateWindow(), logger)

	handlers := api.NewHandler(storeService, taskService, orchService, authService, dispatcher, limiter, logger)

	router := gin.New()
	router.Use(api.RequestLogger(logger), gin.Recovery())
	handlers.RegisterRoutes(router)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8090"
	}
	logger.WithField("addr", addr).Info("server listening")
	if err := router.Run(addr); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}
