// Package main runs the watch party HTTP server with WebSocket push and
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cinematch/backend/config"
	"github.com/cinematch/backend/internal/auth"
	"github.com/cinematch/backend/internal/clients"
	"github.com/cinematch/backend/internal/middleware"
	"github.com/cinematch/backend/internal/pipeline"
	"github.com/cinematch/backend/internal/quiz"
	"github.com/cinematch/backend/internal/realtime"
	"github.com/cinematch/backend/internal/sessions"
	"github.com/cinematch/backend/internal/voting"
	"github.com/cinematch/backend/internal/worker"
	"github.com/cinematch/backend/pkg/database"
	"github.com/cinematch/backend/pkg/queue"
	"github.com/cinematch/backend/pkg/redis"
	"github.com/cinematch/backend/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	broadcaster := realtime.NewBroadcaster(hub)

	// External collaborators
	callTimeout := time.Duration(cfg.Services.TimeoutSec) * time.Second
	quizClient := clients.NewQuizAnalysisClient(cfg.Services.QuizAnalysisURL, callTimeout)
	socialClient := clients.NewSocialClient(cfg.Services.SocialAnalysisURL, callTimeout)
	recClient := clients.NewRecommenderClient(cfg.Services.RecommenderURL, callTimeout)
	searchClient := clients.NewSearchClient(cfg.Services.MovieSearchURL, callTimeout)

	// Sessions and background pipeline
	store := sessions.NewRepository(pool)
	sessionService := sessions.NewService(store, broadcaster, cfg.Party.SessionTTLHours, cfg.Party.MaxGroupGuests, logger)
	hub.SetSnapshotter(sessionService)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	trigger := pipeline.NewTrigger(store, broadcaster, quizClient, socialClient, recClient, searchClient, jobQueue, cfg.Services.TimeoutSec, logger)
	processor := worker.NewPipelineProcessor(trigger, jobQueue, logger)
	sessionHandler := sessions.NewHandler(sessionService, jwtService, trigger, logger)

	// Quiz
	quizService := quiz.NewService(store, broadcaster, trigger, logger)
	quizHandler := quiz.NewHandler(quizService, logger)

	// Voting
	votingService := voting.NewService(store, broadcaster, logger)
	votingHandler := voting.NewHandler(votingService, logger)

	jwtValidate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.SessionCode, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Public: creating a party mints the admin identity, joining mints a guest one.
	router.POST("/parties", sessionHandler.Create)
	router.POST("/parties/:code/join", sessionHandler.Join)

	// Protected API (session-scoped guest token required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/parties/:code", sessionHandler.Get)
		api.PUT("/parties/:code/profile", sessionHandler.SubmitProfile)
		api.PUT("/parties/:code/preferences", middleware.RequireAdmin(), sessionHandler.SetPreferences)
		api.POST("/parties/:code/quiz", quizHandler.Submit)
		api.POST("/parties/:code/votes/batch", votingHandler.SubmitBatch)
		api.POST("/parties/:code/votes/final", votingHandler.SubmitFinal)
		api.POST("/parties/:code/actions/:action", middleware.RequireAdmin(), sessionHandler.Action)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Embedded pipeline worker and registry sweep
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go processor.Run(bgCtx)
	go hub.RunSweep(bgCtx, time.Duration(cfg.Party.SweepIntervalSec)*time.Second, store)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
