// Package main runs the background pipeline worker on its own, for
// deployments that keep external service calls off the API instances.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cinematch/backend/config"
	"github.com/cinematch/backend/internal/clients"
	"github.com/cinematch/backend/internal/pipeline"
	"github.com/cinematch/backend/internal/realtime"
	"github.com/cinematch/backend/internal/sessions"
	"github.com/cinematch/backend/internal/worker"
	"github.com/cinematch/backend/pkg/database"
	"github.com/cinematch/backend/pkg/queue"
	"github.com/cinematch/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// The worker has no local websocket channels; its broadcasts reach
	// clients through the API instances' Redis subscriptions.
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, nil)
	broadcaster := realtime.NewBroadcaster(hub)

	callTimeout := time.Duration(cfg.Services.TimeoutSec) * time.Second
	quizClient := clients.NewQuizAnalysisClient(cfg.Services.QuizAnalysisURL, callTimeout)
	socialClient := clients.NewSocialClient(cfg.Services.SocialAnalysisURL, callTimeout)
	recClient := clients.NewRecommenderClient(cfg.Services.RecommenderURL, callTimeout)
	searchClient := clients.NewSearchClient(cfg.Services.MovieSearchURL, callTimeout)

	store := sessions.NewRepository(pool)
	// nil job queue: the worker runs advances directly instead of re-enqueuing.
	trigger := pipeline.NewTrigger(store, broadcaster, quizClient, socialClient, recClient, searchClient, nil, cfg.Services.TimeoutSec, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewPipelineProcessor(trigger, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
